package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"golang.org/x/time/rate"
)

// Session owns the single shared connection to the remotely-debugged browser.
// The human operator and the worker drive the same browser instance, so a
// captcha solved by hand benefits the automated session (cookies and
// fingerprint are shared). Exactly one page context is tracked; callers
// serialize through the dispatcher's job mutex, not here.
type Session struct {
	config *common.BrowserConfig
	logger arbor.ILogger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	pageCtx     context.Context
	pageCancel  context.CancelFunc

	limiter *rate.Limiter // Politeness spacing between navigations

	subMu       sync.Mutex
	subscribers map[*Capture]struct{}
}

// NewSession creates the session manager. No connection is made until the
// first EnsurePage call.
func NewSession(config *common.BrowserConfig, logger arbor.ILogger) *Session {
	delay := config.RequestDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Session{
		config:      config,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(delay), 1),
		subscribers: make(map[*Capture]struct{}),
	}
}

// versionInfo is the remote-debugging /json/version payload
type versionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// EnsurePage returns with a live page context available, reconnecting with
// bounded retries when the existing connection is gone. Fatal only after all
// attempts are exhausted, since no job can proceed without a session.
func (s *Session) EnsurePage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pageCtx != nil && s.alive(ctx) {
		return nil
	}

	s.teardownLocked()

	attempts := s.config.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.connectLocked(ctx); err != nil {
			lastErr = err
			s.logger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", attempts).
				Err(err).
				Msg("Browser attach failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.ConnectDelay):
			}
			continue
		}

		s.logger.Info().
			Str("endpoint", s.config.Endpoint).
			Int("attempt", attempt).
			Msg("Attached to shared browser")
		return nil
	}

	return fmt.Errorf("browser unreachable at %s after %d attempts: %w", s.config.Endpoint, attempts, lastErr)
}

// connectLocked resolves the debugger websocket URL and builds the page
// context. Caller holds s.mu.
func (s *Session) connectLocked(ctx context.Context) error {
	wsURL, err := resolveWebSocketURL(ctx, s.config.Endpoint)
	if err != nil {
		return err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	pageCtx, pageCancel := chromedp.NewContext(allocCtx)

	// Probe before trusting the connection; a stale endpoint fails here.
	probeCtx, probeCancel := context.WithTimeout(pageCtx, 10*time.Second)
	defer probeCancel()

	var title string
	if err := chromedp.Run(probeCtx, chromedp.Title(&title)); err != nil {
		pageCancel()
		allocCancel()
		return fmt.Errorf("page probe failed: %w", err)
	}

	s.allocCancel = allocCancel
	s.pageCtx = pageCtx
	s.pageCancel = pageCancel
	s.attachListenerLocked()
	return nil
}

// alive probes the tracked page. Caller holds s.mu.
func (s *Session) alive(ctx context.Context) bool {
	if s.pageCtx.Err() != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(s.pageCtx, 5*time.Second)
	defer cancel()

	var title string
	if err := chromedp.Run(probeCtx, chromedp.Title(&title)); err != nil {
		s.logger.Warn().Err(err).Msg("Shared browser connection lost, will reconnect")
		return false
	}
	return true
}

// Navigate drives the shared page to a URL and snapshots the rendered result.
// Navigations are spaced by the politeness limiter.
func (s *Session) Navigate(ctx context.Context, url string) (*models.PageSnapshot, error) {
	if err := s.EnsurePage(ctx); err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	pageCtx := s.pageCtx
	s.mu.Unlock()

	navCtx, cancel := context.WithTimeout(pageCtx, s.config.NavigationTimeout)
	defer cancel()

	s.logger.Debug().Str("url", url).Msg("Navigating shared page")

	var snapshot models.PageSnapshot
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(s.config.RenderWait),
		chromedp.OuterHTML("html", &snapshot.HTML),
		chromedp.Title(&snapshot.Title),
		chromedp.Location(&snapshot.URL),
	)
	if err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	return &snapshot, nil
}

// OpenURL presents a URL in the shared browser for the human operator.
// Best-effort: a failed navigation is logged, never propagated, because the
// operator can still reach the challenge through the fallback store URL.
func (s *Session) OpenURL(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if err := s.EnsurePage(ctx); err != nil {
		s.logger.Warn().Err(err).Str("url", url).Msg("Cannot present page to operator")
		return
	}

	s.mu.Lock()
	pageCtx := s.pageCtx
	s.mu.Unlock()

	navCtx, cancel := context.WithTimeout(pageCtx, s.config.NavigationTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		s.logger.Warn().Err(err).Str("url", url).Msg("Failed to present page to operator")
	}
}

// Screenshot captures the current page as PNG
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.EnsurePage(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	pageCtx := s.pageCtx
	s.mu.Unlock()

	shotCtx, cancel := context.WithTimeout(pageCtx, 15*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// Close tears down the connection
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// teardownLocked cancels the tracked contexts. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.pageCancel != nil {
		s.pageCancel()
		s.pageCancel = nil
		s.pageCtx = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
}

// EndpointHealth reports reachability of the remote-debugging endpoint
type EndpointHealth struct {
	OK      bool                   `json:"ok"`
	Message string                 `json:"message"`
	Version map[string]interface{} `json:"version,omitempty"`
}

// CheckEndpoint probes the remote-debugging HTTP surface with a short
// timeout. Used by the readiness endpoint; never touches the shared page.
func CheckEndpoint(ctx context.Context, endpoint string) *EndpointHealth {
	health := &EndpointHealth{Message: "debugging endpoint unreachable"}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"/json/version", nil)
	if err != nil {
		health.Message = err.Error()
		return health
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		health.Message = err.Error()
		return health
	}
	defer resp.Body.Close()

	var version map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		health.Message = fmt.Sprintf("bad version payload: %v", err)
		return health
	}

	health.OK = true
	health.Message = "debugging endpoint reachable"
	health.Version = version
	return health
}

// resolveWebSocketURL asks the debugging endpoint for its websocket URL
func resolveWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"/json/version", nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("debugging endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("bad /json/version payload: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("debugging endpoint returned no websocket URL")
	}
	return info.WebSocketDebuggerURL, nil
}
