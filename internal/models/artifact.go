package models

import "time"

// ArtifactKind identifies what a diagnostic capture contains
type ArtifactKind string

const (
	ArtifactScreenshot ArtifactKind = "screenshot" // PNG of the blocked page
	ArtifactHTML       ArtifactKind = "html"       // Raw HTML snapshot
	ArtifactNetwork    ArtifactKind = "network"    // Recent response URL/status summary
	ArtifactSummary    ArtifactKind = "summary"    // Markdown rendition of the page
)

// ArtifactRecord indexes one diagnostic capture stored on disk.
// Records live in the artifact index; the payloads are plain files so an
// operator can open them directly during a postmortem.
type ArtifactRecord struct {
	ID         string       `badgerhold:"key" json:"id"`
	JobID      string       `badgerholdIndex:"JobID" json:"job_id"`
	Kind       ArtifactKind `json:"kind"`
	Path       string       `json:"path"`
	Size       int64        `json:"size"`
	CapturedAt time.Time    `json:"captured_at"`
}
