// Package oracles resolves escrow oracle conditions against external price
// and data sources. Each source normalises its feed encoding into a plain
// float64 so the condition evaluator never sees wire formats.
package oracles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownSource marks an oracle source with no registered handler.
	ErrUnknownSource = errors.New("oracles: unknown source")
	// ErrUnknownFeed marks a feed id missing from the catalogue.
	ErrUnknownFeed = errors.New("oracles: unknown feed")
	// ErrFetch wraps upstream fetch failures.
	ErrFetch = errors.New("oracles: fetch failed")
)

// Source resolves one feed reference into a numeric value. For on-chain
// sources ref is the account address from the catalogue; for HTTP it is the
// URL straight out of the condition string.
type Source interface {
	FetchValue(ctx context.Context, ref, jsonPath string) (float64, error)
}

// Catalogue maps symbolic feed ids to on-chain account addresses per source.
type Catalogue struct {
	Feeds map[string]map[string]string `yaml:"feeds"`
}

// LoadCatalogue reads a YAML feed catalogue. A missing path yields an empty
// catalogue rather than an error so HTTP-only deployments need no file.
func LoadCatalogue(path string) (*Catalogue, error) {
	if strings.TrimSpace(path) == "" {
		return &Catalogue{Feeds: map[string]map[string]string{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalogue{Feeds: map[string]map[string]string{}}, nil
		}
		return nil, fmt.Errorf("oracles: read catalogue: %w", err)
	}
	var cat Catalogue
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("oracles: parse catalogue: %w", err)
	}
	if cat.Feeds == nil {
		cat.Feeds = map[string]map[string]string{}
	}
	return &cat, nil
}

// Lookup resolves a feed id for a source.
func (c *Catalogue) Lookup(source, feedID string) (string, bool) {
	feeds, ok := c.Feeds[source]
	if !ok {
		return "", false
	}
	ref, ok := feeds[feedID]
	return ref, ok
}

// Router fans oracle queries out to registered sources with a per-source
// rate limit.
type Router struct {
	catalogue *Catalogue
	observer  func(source string, ok bool)

	mu       sync.RWMutex
	sources  map[string]Source
	limiters map[string]*rate.Limiter
}

// NewRouter constructs a router over the given catalogue. observer, when not
// nil, is invoked after every fetch attempt.
func NewRouter(catalogue *Catalogue, observer func(source string, ok bool)) *Router {
	if catalogue == nil {
		catalogue = &Catalogue{Feeds: map[string]map[string]string{}}
	}
	return &Router{
		catalogue: catalogue,
		observer:  observer,
		sources:   make(map[string]Source),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register adds a source under the given name with a requests-per-second
// ceiling.
func (r *Router) Register(name string, source Source, rps float64) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	r.sources[name] = source
	r.limiters[name] = rate.NewLimiter(rate.Limit(rps), 1)
	r.mu.Unlock()
}

// FetchValue resolves a feed through the named source. On-chain sources look
// the feed id up in the catalogue; the http source treats the feed id as the
// URL itself.
func (r *Router) FetchValue(ctx context.Context, source, feedID, jsonPath string) (float64, error) {
	name := strings.ToLower(strings.TrimSpace(source))
	r.mu.RLock()
	src, ok := r.sources[name]
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	ref := feedID
	if name != "http" {
		resolved, found := r.catalogue.Lookup(name, feedID)
		if !found {
			return 0, fmt.Errorf("%w: %s/%s", ErrUnknownFeed, name, feedID)
		}
		ref = resolved
	}
	if err := limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	value, err := src.FetchValue(ctx, ref, jsonPath)
	if r.observer != nil {
		r.observer(name, err == nil)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s: %v", ErrFetch, name, feedID, err)
	}
	return value, nil
}
