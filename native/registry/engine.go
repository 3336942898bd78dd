package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"acpcore/core/events"
)

var (
	// ErrNotFound marks a missing agent or service.
	ErrNotFound = errors.New("registry: not found")
	// ErrConflict marks a duplicate agent address.
	ErrConflict = errors.New("registry: address already registered")
	// ErrValidation marks rejected input such as an out-of-range rating.
	ErrValidation = errors.New("registry: validation failed")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("registry: store failure")
)

// storage abstracts the subset of the persistence gateway required by the
// registry engine.
type storage interface {
	PutAgent(ctx context.Context, agent *AgentProfile) error
	PutService(ctx context.Context, listing *ServiceListing) error
	PutRating(ctx context.Context, rating *Rating) error
	ListAgents(ctx context.Context) ([]*AgentProfile, error)
	ListServices(ctx context.Context) ([]*ServiceListing, error)
}

// Engine maintains a write-through cache mirroring the agent, service and
// rating tables. All reputation mutations serialise per agent so that
// successful <= total holds under concurrency.
type Engine struct {
	store   storage
	emitter events.Emitter
	nowFn   func() int64

	mu             sync.RWMutex
	agents         map[string]*AgentProfile
	agentByAddress map[string]string
	services       map[string]*ServiceListing
	hydrated       bool

	lockMu     sync.Mutex
	agentLocks map[string]*sync.Mutex
}

// NewEngine constructs a registry engine backed by the provided storage.
func NewEngine(store storage) *Engine {
	return &Engine{
		store:          store,
		emitter:        events.NoopEmitter{},
		nowFn:          func() int64 { return time.Now().UnixMilli() },
		agents:         make(map[string]*AgentProfile),
		agentByAddress: make(map[string]string),
		services:       make(map[string]*ServiceListing),
		agentLocks:     make(map[string]*sync.Mutex),
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	e.nowFn = now
}

func (e *Engine) lockAgent(id string) func() {
	e.lockMu.Lock()
	mu, ok := e.agentLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.agentLocks[id] = mu
	}
	e.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Hydrate eagerly loads the full agent and service tables into the cache.
// Surfacing schema problems at startup beats discovering them on first query.
func (e *Engine) Hydrate(ctx context.Context) error {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("%w: hydrate agents: %v", ErrStore, err)
	}
	services, err := e.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("%w: hydrate services: %v", ErrStore, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents = make(map[string]*AgentProfile, len(agents))
	e.agentByAddress = make(map[string]string, len(agents))
	e.services = make(map[string]*ServiceListing, len(services))
	for _, agent := range agents {
		e.agents[agent.ID] = agent.Clone()
		e.agentByAddress[agent.Address] = agent.ID
	}
	for _, svc := range services {
		e.services[svc.ID] = svc.Clone()
	}
	e.hydrated = true
	return nil
}

// Register stores a new agent profile. The address must not already be
// indexed; reputation starts at zero regardless of the supplied value.
func (e *Engine) Register(ctx context.Context, profile *AgentProfile) (*AgentProfile, error) {
	sanitized, err := SanitizeProfile(profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.mu.RLock()
	_, taken := e.agentByAddress[sanitized.Address]
	e.mu.RUnlock()
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrConflict, sanitized.Address)
	}
	if sanitized.ID == "" {
		sanitized.ID = uuid.NewString()
	}
	now := e.now()
	sanitized.CreatedAt = now
	sanitized.UpdatedAt = now
	sanitized.Reputation = Reputation{}
	if err := e.store.PutAgent(ctx, sanitized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	e.mu.Lock()
	if _, taken := e.agentByAddress[sanitized.Address]; taken {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflict, sanitized.Address)
	}
	e.agents[sanitized.ID] = sanitized.Clone()
	e.agentByAddress[sanitized.Address] = sanitized.ID
	e.mu.Unlock()
	e.emitter.Emit(events.AgentRegistered{AgentID: sanitized.ID, Address: sanitized.Address, Name: sanitized.Name})
	return sanitized.Clone(), nil
}

// Unregister removes the agent and all of its service listings from the
// cache. The same address may register again afterwards.
func (e *Engine) Unregister(ctx context.Context, agentID string) error {
	e.mu.Lock()
	agent, ok := e.agents[agentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	delete(e.agents, agentID)
	delete(e.agentByAddress, agent.Address)
	for id, svc := range e.services {
		if svc.AgentID == agentID {
			delete(e.services, id)
		}
	}
	e.mu.Unlock()
	agent.Status = AgentInactive
	agent.UpdatedAt = e.now()
	if err := e.store.PutAgent(ctx, agent); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Get returns a copy of the agent profile.
func (e *Engine) Get(agentID string) (*AgentProfile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	agent, ok := e.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return agent.Clone(), nil
}

// GetByAddress returns a copy of the agent profile registered at address.
func (e *Engine) GetByAddress(address string) (*AgentProfile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.agentByAddress[strings.TrimSpace(address)]
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrNotFound, address)
	}
	return e.agents[id].Clone(), nil
}

// GetService returns a copy of the service listing.
func (e *Engine) GetService(serviceID string) (*ServiceListing, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	svc, ok := e.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: service %s", ErrNotFound, serviceID)
	}
	return svc.Clone(), nil
}

// ListAgents returns copies of every cached agent profile.
func (e *Engine) ListAgents() []*AgentProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*AgentProfile, 0, len(e.agents))
	for _, agent := range e.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// ListServicesByAgent returns copies of every listing owned by the agent.
func (e *Engine) ListServicesByAgent(agentID string) []*ServiceListing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ServiceListing, 0, 4)
	for _, svc := range e.services {
		if svc.AgentID == agentID {
			out = append(out, svc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// ListService appends a listing to an existing agent and the service index.
func (e *Engine) ListService(ctx context.Context, agentID string, listing *ServiceListing) (*ServiceListing, error) {
	sanitized, err := SanitizeListing(listing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.mu.RLock()
	_, ok := e.agents[agentID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if sanitized.ID == "" {
		sanitized.ID = uuid.NewString()
	}
	sanitized.AgentID = agentID
	sanitized.Enabled = true
	now := e.now()
	sanitized.CreatedAt = now
	sanitized.UpdatedAt = now
	if err := e.store.PutService(ctx, sanitized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	e.mu.Lock()
	e.services[sanitized.ID] = sanitized.Clone()
	e.mu.Unlock()
	e.emitter.Emit(events.ServiceListed{ServiceID: sanitized.ID, AgentID: agentID, Category: sanitized.Capability.Category})
	return sanitized.Clone(), nil
}

// RateService records a 1..5 star rating and folds it into the owning agent's
// rolling average. The stored TotalRatings count before the increment anchors
// the mean so arrival order cannot bias it.
func (e *Engine) RateService(ctx context.Context, serviceID, rater string, rating int, review string) (*Rating, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5, got %d", ErrValidation, rating)
	}
	e.mu.RLock()
	svc, ok := e.services[serviceID]
	var agentID string
	if ok {
		agentID = svc.AgentID
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: service %s", ErrNotFound, serviceID)
	}

	unlock := e.lockAgent(agentID)
	defer unlock()

	e.mu.RLock()
	agent, ok := e.agents[agentID]
	var updated *AgentProfile
	if ok {
		updated = agent.Clone()
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	rec := &Rating{
		ID:           uuid.NewString(),
		ServiceID:    serviceID,
		RaterAddress: strings.TrimSpace(rater),
		Rating:       rating,
		Review:       review,
		CreatedAt:    e.now(),
	}

	n := updated.Reputation.TotalRatings
	newAvg := (updated.Reputation.AverageRating*float64(n) + float64(rating)) / float64(n+1)
	updated.Reputation.AverageRating = math.Round(newAvg*100) / 100
	updated.Reputation.TotalRatings = n + 1
	updated.UpdatedAt = e.now()

	if err := e.store.PutRating(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := e.store.PutAgent(ctx, updated); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	e.mu.Lock()
	e.agents[agentID] = updated.Clone()
	e.mu.Unlock()
	e.emitter.Emit(events.ServiceRated{ServiceID: serviceID, Rater: rec.RaterAddress, Rating: rating, NewAverage: updated.Reputation.AverageRating})
	return rec, nil
}

// RecordTransaction increments the agent's transaction counters and refreshes
// the derived dispute rate and response time mean.
func (e *Engine) RecordTransaction(ctx context.Context, agentID string, success bool, responseTimeMs int64) error {
	unlock := e.lockAgent(agentID)
	defer unlock()

	e.mu.RLock()
	agent, ok := e.agents[agentID]
	var updated *AgentProfile
	if ok {
		updated = agent.Clone()
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	rep := &updated.Reputation
	rep.TotalTransactions++
	if success {
		rep.SuccessfulTransactions++
	}
	rep.DisputeRate = float64(rep.TotalTransactions-rep.SuccessfulTransactions) / float64(rep.TotalTransactions)
	if responseTimeMs > 0 {
		n := float64(rep.TotalTransactions)
		rep.ResponseTimeAvgMs = (rep.ResponseTimeAvgMs*(n-1) + float64(responseTimeMs)) / n
	}
	updated.UpdatedAt = e.now()

	if err := e.store.PutAgent(ctx, updated); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	e.mu.Lock()
	e.agents[agentID] = updated.Clone()
	e.mu.Unlock()
	return nil
}

// SearchFilters narrows service and agent searches. Zero values match
// everything.
type SearchFilters struct {
	Category   string
	Capability string
	MaxPrice   *big.Int
	MinRating  float64
	Query      string
}

// rankScore orders search results: averageRating * log10(totalTransactions+1).
func rankScore(rep Reputation) float64 {
	return rep.AverageRating * math.Log10(float64(rep.TotalTransactions)+1)
}

// SearchServices scans the cache with the filter predicate and ranks results
// by reputation-weighted activity, ties broken by most recent update.
func (e *Engine) SearchServices(filters SearchFilters) []*ServiceListing {
	e.mu.RLock()
	defer e.mu.RUnlock()
	matched := make([]*ServiceListing, 0, 8)
	for _, svc := range e.services {
		if !svc.Enabled {
			continue
		}
		owner, ok := e.agents[svc.AgentID]
		if !ok {
			continue
		}
		if !e.serviceMatches(svc, owner, filters) {
			continue
		}
		matched = append(matched, svc.Clone())
	}
	sort.SliceStable(matched, func(i, j int) bool {
		ri := rankScore(e.agents[matched[i].AgentID].Reputation)
		rj := rankScore(e.agents[matched[j].AgentID].Reputation)
		if ri != rj {
			return ri > rj
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})
	return matched
}

// SearchAgents scans the cached agent set with the filter predicate.
func (e *Engine) SearchAgents(filters SearchFilters) []*AgentProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	matched := make([]*AgentProfile, 0, 8)
	for _, agent := range e.agents {
		if !e.agentMatches(agent, filters) {
			continue
		}
		matched = append(matched, agent.Clone())
	}
	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := rankScore(matched[i].Reputation), rankScore(matched[j].Reputation)
		if ri != rj {
			return ri > rj
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})
	return matched
}

func (e *Engine) serviceMatches(svc *ServiceListing, owner *AgentProfile, f SearchFilters) bool {
	if f.Category != "" && svc.Capability.Category != strings.ToLower(strings.TrimSpace(f.Category)) {
		return false
	}
	if f.Capability != "" {
		needle := strings.ToLower(f.Capability)
		if !strings.Contains(strings.ToLower(svc.Capability.Name), needle) &&
			!strings.Contains(strings.ToLower(svc.Capability.Description), needle) {
			return false
		}
	}
	if f.MaxPrice != nil && svc.Pricing.AmountInt().Cmp(f.MaxPrice) > 0 {
		return false
	}
	if f.MinRating > 0 && owner.Reputation.AverageRating < f.MinRating {
		return false
	}
	if f.Query != "" {
		haystack := strings.ToLower(svc.Name + " " + svc.Capability.Name + " " + svc.Capability.Description)
		if !strings.Contains(haystack, strings.ToLower(f.Query)) {
			return false
		}
	}
	return true
}

func (e *Engine) agentMatches(agent *AgentProfile, f SearchFilters) bool {
	if f.MinRating > 0 && agent.Reputation.AverageRating < f.MinRating {
		return false
	}
	if f.Category != "" || f.Capability != "" {
		category := strings.ToLower(strings.TrimSpace(f.Category))
		needle := strings.ToLower(f.Capability)
		found := false
		for _, cap := range agent.Capabilities {
			if category != "" && cap.Category != category {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(cap.Name), needle) &&
				!strings.Contains(strings.ToLower(cap.Description), needle) {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	if f.Query != "" {
		haystack := strings.ToLower(agent.Name + " " + agent.Description)
		for _, cap := range agent.Capabilities {
			haystack += " " + strings.ToLower(cap.Name)
		}
		if !strings.Contains(haystack, strings.ToLower(f.Query)) {
			return false
		}
	}
	return true
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().UnixMilli()
	}
	return e.nowFn()
}
