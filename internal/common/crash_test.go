package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestWriteCrashFile(t *testing.T) {
	prev := CrashLogDir
	CrashLogDir = t.TempDir()
	defer func() { CrashLogDir = prev }()

	path := WriteCrashFile("boom", "goroutine 1 [running]:\nmain.main()")
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== MERCOR CRASH REPORT ===")
	assert.Contains(t, string(data), "boom")
	assert.Contains(t, string(data), "main.main()")
}

func TestSafeGo_PanicWritesCrashFile(t *testing.T) {
	prev := CrashLogDir
	CrashLogDir = t.TempDir()
	defer func() { CrashLogDir = prev }()

	SafeGo(arbor.NewLogger(), "exploding", func() {
		panic("goroutine blew up")
	})

	// Recovery runs in the spawned goroutine; wait for the report to land
	assert.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(CrashLogDir, "crash-*.log"))
		for _, m := range matches {
			data, err := os.ReadFile(m)
			if err == nil && strings.Contains(string(data), "goroutine blew up") {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
