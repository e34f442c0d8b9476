package artifacts

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/storage/badger"
)

type fakeShooter struct {
	png []byte
	err error
}

func (f *fakeShooter) Screenshot(context.Context) ([]byte, error) {
	return f.png, f.err
}

func setupService(t *testing.T) (*Service, func()) {
	tempDir := t.TempDir()
	logger := arbor.NewLogger()

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: tempDir + "/index"})
	require.NoError(t, err)

	svc := NewService(badger.NewArtifactStorage(db, logger), tempDir+"/artifacts", logger)
	return svc, func() { db.Close() }
}

func TestService_CaptureBlock(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()

	snapshot := &models.PageSnapshot{
		URL:   "https://store/challenge",
		Title: "Attention Required",
		HTML:  "<html><body><h1>Captcha</h1><p>Verify you are human</p></body></html>",
	}
	responses := []models.ResponseSummary{
		{URL: "https://store/challenge", Status: 403, ReceivedAt: time.Now()},
	}

	paths := svc.CaptureBlock(context.Background(), "job_a", snapshot, &fakeShooter{png: []byte("png")}, responses)
	assert.Len(t, paths, 4) // Screenshot, HTML, markdown, network summary

	for _, path := range paths {
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}

	records, err := svc.ListByJob("job_a")
	require.NoError(t, err)
	assert.Len(t, records, 4)

	kinds := map[models.ArtifactKind]bool{}
	for _, r := range records {
		kinds[r.Kind] = true
	}
	assert.True(t, kinds[models.ArtifactScreenshot])
	assert.True(t, kinds[models.ArtifactHTML])
	assert.True(t, kinds[models.ArtifactSummary])
	assert.True(t, kinds[models.ArtifactNetwork])
}

func TestService_CaptureBlock_ScreenshotFailureIsNotFatal(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()

	snapshot := &models.PageSnapshot{HTML: "<html><body>blocked</body></html>"}
	shooter := &fakeShooter{err: errors.New("browser gone")}

	paths := svc.CaptureBlock(context.Background(), "job_a", snapshot, shooter, nil)
	assert.Len(t, paths, 2) // HTML and markdown still captured
}

func TestService_Sweep(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()

	snapshot := &models.PageSnapshot{HTML: "<html><body>old</body></html>"}
	paths := svc.CaptureBlock(context.Background(), "job_old", snapshot, nil, nil)
	require.NotEmpty(t, paths)

	// Zero retention expires everything captured so far.
	time.Sleep(10 * time.Millisecond)
	removed, err := svc.Sweep(0)
	require.NoError(t, err)
	assert.Equal(t, len(paths), removed)

	for _, path := range paths {
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	}

	records, err := svc.ListByJob("job_old")
	require.NoError(t, err)
	assert.Empty(t, records)
}
