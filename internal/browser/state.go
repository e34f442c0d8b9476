package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// cookieState is the opaque on-disk form of the browser session state
type cookieState struct {
	SavedAt time.Time     `json:"saved_at"`
	Cookies []savedCookie `json:"cookies"`
}

type savedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
	Expires  float64 `json:"expires"`
}

func (s *Session) stateFile() string {
	return filepath.Join(s.config.SessionsDir, "session_state.json")
}

// SaveState dumps the browser cookies to the sessions dir. Opaque bootstrap
// state; failures are logged, never fatal.
func (s *Session) SaveState(ctx context.Context) error {
	if err := s.EnsurePage(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	pageCtx := s.pageCtx
	s.mu.Unlock()

	var cookies []*network.Cookie
	err := chromedp.Run(pageCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	state := cookieState{SavedAt: time.Now()}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, savedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  c.Expires,
		})
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}

	if err := os.MkdirAll(s.config.SessionsDir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if err := os.WriteFile(s.stateFile(), data, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	s.logger.Info().Int("cookies", len(state.Cookies)).Str("path", s.stateFile()).Msg("Session state saved")
	return nil
}

// LoadState restores a previously saved cookie dump into the shared browser.
// Missing state file is not an error; the session simply starts cold.
func (s *Session) LoadState(ctx context.Context) error {
	data, err := os.ReadFile(s.stateFile())
	if os.IsNotExist(err) {
		s.logger.Debug().Str("path", s.stateFile()).Msg("No saved session state")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}

	var state cookieState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse session state: %w", err)
	}

	if err := s.EnsurePage(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	pageCtx := s.pageCtx
	s.mu.Unlock()

	err = chromedp.Run(pageCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range state.Cookies {
			params := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				params = params.WithExpires(&expires)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
	if err != nil {
		return err
	}

	s.logger.Info().Int("cookies", len(state.Cookies)).Msg("Session state restored")
	return nil
}
