package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewArtifactID generates a unique artifact ID with the "art_" prefix
func NewArtifactID() string {
	return "art_" + uuid.New().String()
}
