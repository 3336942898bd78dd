// Package prediction keeps a calibration ledger of agent forecasts and
// scores them with Brier loss on market resolution.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound marks a missing prediction or market.
	ErrNotFound = errors.New("prediction: not found")
	// ErrConflict marks a resubmission against a resolved prediction.
	ErrConflict = errors.New("prediction: already resolved")
	// ErrValidation marks rejected input.
	ErrValidation = errors.New("prediction: validation failed")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("prediction: store failure")
)

const (
	minRationaleLen = 10
	maxRationaleLen = 800
	// leaderboardMinResolved is the resolved-count floor for ranking.
	leaderboardMinResolved = 5
)

// Prediction is one probabilistic forecast of a binary market.
type Prediction struct {
	ID          string   `json:"id"`
	AgentID     string   `json:"agentId"`
	MarketSlug  string   `json:"marketSlug"`
	Probability float64  `json:"probability"`
	Rationale   string   `json:"rationale"`
	Resolved    bool     `json:"resolved"`
	Outcome     *int     `json:"outcome,omitempty"`
	Brier       *float64 `json:"brier,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
	ResolvedAt  int64    `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy of the prediction.
func (p *Prediction) Clone() *Prediction {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Outcome != nil {
		o := *p.Outcome
		clone.Outcome = &o
	}
	if p.Brier != nil {
		b := *p.Brier
		clone.Brier = &b
	}
	return &clone
}

// correct reports whether a resolved prediction called the outcome.
func (p *Prediction) correct() bool {
	if !p.Resolved || p.Outcome == nil {
		return false
	}
	return (p.Probability >= 0.5) == (*p.Outcome == 1)
}

// Stats aggregates an agent's resolved forecasting record.
type Stats struct {
	AgentID       string  `json:"agentId"`
	Total         int     `json:"total"`
	Resolved      int     `json:"resolved"`
	Correct       int     `json:"correct"`
	BrierScore    float64 `json:"brierScore"`
	Accuracy      float64 `json:"accuracy"`
	StreakCurrent int     `json:"streakCurrent"`
	StreakBest    int     `json:"streakBest"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// storage abstracts the subset of the persistence gateway required by the
// ledger.
type storage interface {
	PutPrediction(ctx context.Context, p *Prediction) error
	PutPredictionStats(ctx context.Context, s *Stats) error
	ListPredictions(ctx context.Context) ([]*Prediction, error)
}

// Ledger manages prediction submission, resolution and the leaderboard.
type Ledger struct {
	store storage
	nowFn func() int64

	mu          sync.RWMutex
	predictions map[string]*Prediction
	stats       map[string]*Stats
}

// NewLedger constructs a prediction ledger backed by the provided storage.
func NewLedger(store storage) *Ledger {
	return &Ledger{
		store:       store,
		nowFn:       func() int64 { return time.Now().UnixMilli() },
		predictions: make(map[string]*Prediction),
		stats:       make(map[string]*Stats),
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	l.nowFn = now
}

// Hydrate loads the prediction table and rebuilds every agent's stats.
func (l *Ledger) Hydrate(ctx context.Context) error {
	predictions, err := l.store.ListPredictions(ctx)
	if err != nil {
		return fmt.Errorf("%w: hydrate: %v", ErrStore, err)
	}
	l.mu.Lock()
	l.predictions = make(map[string]*Prediction, len(predictions))
	agents := make(map[string]struct{})
	for _, p := range predictions {
		l.predictions[p.ID] = p.Clone()
		agents[p.AgentID] = struct{}{}
	}
	l.stats = make(map[string]*Stats, len(agents))
	for agentID := range agents {
		l.stats[agentID] = l.computeStatsLocked(agentID)
	}
	l.mu.Unlock()
	return nil
}

// Submit records a forecast. An unresolved prediction for the same
// (agent, market) pair is updated in place; a resolved one rejects with
// Conflict.
func (l *Ledger) Submit(ctx context.Context, agentID, marketSlug string, probability float64, rationale string) (*Prediction, error) {
	agentID = strings.TrimSpace(agentID)
	marketSlug = strings.TrimSpace(marketSlug)
	if agentID == "" || marketSlug == "" {
		return nil, fmt.Errorf("%w: agent and market required", ErrValidation)
	}
	if probability < 0 || probability > 1 {
		return nil, fmt.Errorf("%w: probability must be within [0,1], got %v", ErrValidation, probability)
	}
	rationale = strings.TrimSpace(rationale)
	if len(rationale) < minRationaleLen || len(rationale) > maxRationaleLen {
		return nil, fmt.Errorf("%w: rationale must be %d to %d characters", ErrValidation, minRationaleLen, maxRationaleLen)
	}

	l.mu.RLock()
	existing := l.findLocked(agentID, marketSlug)
	var working *Prediction
	if existing != nil {
		working = existing.Clone()
	}
	l.mu.RUnlock()

	now := l.now()
	if working != nil {
		if working.Resolved {
			return nil, fmt.Errorf("%w: prediction for %s/%s", ErrConflict, agentID, marketSlug)
		}
		working.Probability = probability
		working.Rationale = rationale
		working.UpdatedAt = now
	} else {
		working = &Prediction{
			ID:          uuid.NewString(),
			AgentID:     agentID,
			MarketSlug:  marketSlug,
			Probability: probability,
			Rationale:   rationale,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := l.persist(ctx, working); err != nil {
		return nil, err
	}
	l.refreshStats(ctx, agentID)
	return working.Clone(), nil
}

// Resolve settles every open prediction on the market with the binary
// outcome and recomputes the affected agents' stats.
func (l *Ledger) Resolve(ctx context.Context, marketSlug string, outcome int) ([]*Prediction, error) {
	if outcome != 0 && outcome != 1 {
		return nil, fmt.Errorf("%w: outcome must be 0 or 1, got %d", ErrValidation, outcome)
	}
	marketSlug = strings.TrimSpace(marketSlug)

	l.mu.RLock()
	open := make([]*Prediction, 0, 4)
	for _, p := range l.predictions {
		if p.MarketSlug == marketSlug && !p.Resolved {
			open = append(open, p.Clone())
		}
	}
	l.mu.RUnlock()
	if len(open) == 0 {
		return nil, fmt.Errorf("%w: no open predictions for market %s", ErrNotFound, marketSlug)
	}

	now := l.now()
	resolved := make([]*Prediction, 0, len(open))
	agents := make(map[string]struct{})
	for _, p := range open {
		o := outcome
		brier := (p.Probability - float64(outcome)) * (p.Probability - float64(outcome))
		p.Resolved = true
		p.Outcome = &o
		p.Brier = &brier
		p.ResolvedAt = now
		p.UpdatedAt = now
		if err := l.persist(ctx, p); err != nil {
			return nil, err
		}
		agents[p.AgentID] = struct{}{}
		resolved = append(resolved, p.Clone())
	}
	for agentID := range agents {
		l.refreshStats(ctx, agentID)
	}
	return resolved, nil
}

// Get returns the agent's prediction for a market.
func (l *Ledger) Get(agentID, marketSlug string) (*Prediction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := l.findLocked(strings.TrimSpace(agentID), strings.TrimSpace(marketSlug))
	if p == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, agentID, marketSlug)
	}
	return p.Clone(), nil
}

// ListByAgent returns the agent's predictions in submission order.
func (l *Ledger) ListByAgent(agentID string) []*Prediction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.listByAgentLocked(strings.TrimSpace(agentID))
}

// StatsFor returns the agent's aggregate record.
func (l *Ledger) StatsFor(agentID string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.stats[strings.TrimSpace(agentID)]
	if !ok {
		return nil, fmt.Errorf("%w: stats for agent %s", ErrNotFound, agentID)
	}
	clone := *s
	return &clone, nil
}

// Leaderboard ranks agents with at least five resolved predictions by
// ascending Brier score.
func (l *Ledger) Leaderboard() []*Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Stats, 0, len(l.stats))
	for _, s := range l.stats {
		if s.Resolved < leaderboardMinResolved {
			continue
		}
		clone := *s
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BrierScore != out[j].BrierScore {
			return out[i].BrierScore < out[j].BrierScore
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func (l *Ledger) findLocked(agentID, marketSlug string) *Prediction {
	for _, p := range l.predictions {
		if p.AgentID == agentID && p.MarketSlug == marketSlug {
			return p
		}
	}
	return nil
}

func (l *Ledger) listByAgentLocked(agentID string) []*Prediction {
	out := make([]*Prediction, 0, 4)
	for _, p := range l.predictions {
		if p.AgentID == agentID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// computeStatsLocked rebuilds an agent's aggregates from their predictions
// in submission order. Streaks count consecutive correct resolved
// predictions.
func (l *Ledger) computeStatsLocked(agentID string) *Stats {
	preds := l.listByAgentLocked(agentID)
	s := &Stats{AgentID: agentID, Total: len(preds), UpdatedAt: l.now()}
	brierSum := 0.0
	for _, p := range preds {
		if !p.Resolved || p.Brier == nil {
			continue
		}
		s.Resolved++
		brierSum += *p.Brier
		if p.correct() {
			s.Correct++
			s.StreakCurrent++
			if s.StreakCurrent > s.StreakBest {
				s.StreakBest = s.StreakCurrent
			}
		} else {
			s.StreakCurrent = 0
		}
	}
	if s.Resolved > 0 {
		s.BrierScore = brierSum / float64(s.Resolved)
		s.Accuracy = float64(s.Correct) / float64(s.Resolved)
	}
	return s
}

func (l *Ledger) refreshStats(ctx context.Context, agentID string) {
	l.mu.Lock()
	stats := l.computeStatsLocked(agentID)
	l.stats[agentID] = stats
	l.mu.Unlock()
	// Stats are derivable from predictions; a failed write degrades to a
	// rebuild on next hydrate.
	_ = l.store.PutPredictionStats(ctx, stats)
}

func (l *Ledger) persist(ctx context.Context, p *Prediction) error {
	if err := l.store.PutPrediction(ctx, p); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	l.mu.Lock()
	l.predictions[p.ID] = p.Clone()
	l.mu.Unlock()
	return nil
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().UnixMilli()
	}
	return l.nowFn()
}
