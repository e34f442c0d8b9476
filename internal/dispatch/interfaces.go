package dispatch

import (
	"context"

	"github.com/ternarybob/mercor/internal/artifacts"
	"github.com/ternarybob/mercor/internal/models"
)

// Session is the slice of the shared browser session the dispatcher drives.
// The real implementation lives in internal/browser; tests substitute fakes.
type Session interface {
	EnsurePage(ctx context.Context) error
	Navigate(ctx context.Context, url string) (*models.PageSnapshot, error)
	OpenURL(ctx context.Context, url string)
	Screenshot(ctx context.Context) ([]byte, error)
	StartCapture() ResponseCapture
}

// ResponseCapture is a scoped recording of recent network activity
type ResponseCapture interface {
	Stop()
	Responses() []models.ResponseSummary
}

// ArtifactCapturer records block diagnostics. Best-effort by contract: the
// returned paths list whatever was captured, and nothing here can fail a job.
type ArtifactCapturer interface {
	CaptureBlock(ctx context.Context, jobID string, snapshot *models.PageSnapshot, shooter artifacts.Screenshotter, responses []models.ResponseSummary) []string
}

// Notifier pushes job and unblock changes to the operator UI. Optional; the
// dispatcher works with a nil notifier.
type Notifier interface {
	JobUpdated(job *models.Job)
	UnblockChanged(state *models.UnblockState)
}
