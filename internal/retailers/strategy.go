package retailers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/models"
)

// Page is the slice of the shared browser session a strategy drives
type Page interface {
	Navigate(ctx context.Context, url string) (*models.PageSnapshot, error)
}

// Outcome is one extraction attempt: the extracted products plus the page
// snapshot they came from. The dispatcher classifies the snapshot with the
// block detector before trusting the items.
type Outcome struct {
	Page   *models.PageSnapshot
	Result *models.SearchResult
}

// Strategy is a pluggable per-retailer extraction implementation
type Strategy interface {
	Name() string
	Search(ctx context.Context, page Page, query string) (*Outcome, error)
}

// ErrUnknownRetailer wraps lookups of retailers without a registered strategy
var ErrUnknownRetailer = fmt.Errorf("unknown retailer")

// Registry maps retailer names to strategies
type Registry struct {
	strategies map[string]Strategy
	logger     arbor.ILogger
}

// NewRegistry creates an empty strategy registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		logger:     logger,
	}
}

// Register adds a strategy under its lowercased name
func (r *Registry) Register(s Strategy) {
	name := strings.ToLower(s.Name())
	r.strategies[name] = s
	r.logger.Debug().Str("retailer", name).Msg("Retailer strategy registered")
}

// Resolve returns the strategy for a retailer name, case-insensitive
func (r *Registry) Resolve(name string) (Strategy, error) {
	s, ok := r.strategies[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRetailer, name)
	}
	return s, nil
}

// Names returns the registered retailer names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}
