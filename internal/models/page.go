package models

import "time"

// PageSnapshot is what a navigation leaves behind: the rendered HTML plus the
// final URL and title after any redirects or challenge interstitials. The
// block detector classifies snapshots; strategies extract from them.
type PageSnapshot struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// ResponseSummary is one line of recent network activity, kept for the
// diagnostic artifact written when a job blocks
type ResponseSummary struct {
	URL        string    `json:"url"`
	Status     int64     `json:"status"`
	MimeType   string    `json:"mime_type,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
