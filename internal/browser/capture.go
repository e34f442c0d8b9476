package browser

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/mercor/internal/models"
)

// defaultCaptureDepth bounds how much network activity a capture retains
const defaultCaptureDepth = 50

// Capture records recent network responses for the diagnostic summary
// written when a job blocks. Scoped: StartCapture subscribes, Stop
// unsubscribes, and callers defer Stop so detach happens on every exit path.
type Capture struct {
	session *Session
	depth   int

	mu        sync.Mutex
	responses []models.ResponseSummary
}

// StartCapture begins recording network responses seen on the shared page
func (s *Session) StartCapture() *Capture {
	c := &Capture{
		session: s,
		depth:   defaultCaptureDepth,
	}

	s.subMu.Lock()
	s.subscribers[c] = struct{}{}
	s.subMu.Unlock()

	return c
}

// Stop detaches the capture from the event feed
func (c *Capture) Stop() {
	c.session.subMu.Lock()
	delete(c.session.subscribers, c)
	c.session.subMu.Unlock()
}

// Responses returns the recorded activity, oldest first
func (c *Capture) Responses() []models.ResponseSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ResponseSummary, len(c.responses))
	copy(out, c.responses)
	return out
}

func (c *Capture) record(summary models.ResponseSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.responses = append(c.responses, summary)
	if len(c.responses) > c.depth {
		c.responses = c.responses[len(c.responses)-c.depth:]
	}
}

// attachListenerLocked wires one ListenTarget on the page context that fans
// network events out to the live captures. The listener itself lives as long
// as the page context; captures come and go. Caller holds s.mu.
func (s *Session) attachListenerLocked() {
	pageCtx := s.pageCtx

	if err := chromedp.Run(pageCtx, network.Enable()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to enable network events, captures will be empty")
		return
	}

	chromedp.ListenTarget(pageCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Response == nil {
			return
		}

		summary := models.ResponseSummary{
			URL:        resp.Response.URL,
			Status:     resp.Response.Status,
			MimeType:   resp.Response.MimeType,
			ReceivedAt: time.Now(),
		}

		s.subMu.Lock()
		for c := range s.subscribers {
			c.record(summary)
		}
		s.subMu.Unlock()
	})
}
