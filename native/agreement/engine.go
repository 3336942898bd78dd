package agreement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"acpcore/core/events"
)

var (
	// ErrNotFound marks a missing agreement.
	ErrNotFound = errors.New("agreement: not found")
	// ErrConflict marks a duplicate agreement id.
	ErrConflict = errors.New("agreement: already exists")
	// ErrUnauthorized marks a signing attempt by a non-party.
	ErrUnauthorized = errors.New("agreement: not a party")
	// ErrInvalidState marks an operation illegal for the current status.
	ErrInvalidState = errors.New("agreement: invalid state")
	// ErrValidation marks rejected input.
	ErrValidation = errors.New("agreement: validation failed")
	// ErrIntegrity marks a hash or signature mismatch.
	ErrIntegrity = errors.New("agreement: integrity failure")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("agreement: store failure")
)

// storage abstracts the subset of the persistence gateway required by the
// agreement store.
type storage interface {
	PutAgreement(ctx context.Context, agreement *Agreement) error
	ListAgreements(ctx context.Context) ([]*Agreement, error)
}

// exportEnvelope is the portable serialisation produced by Export.
type exportEnvelope struct {
	Version    int        `json:"version"`
	Type       string     `json:"type"`
	Agreement  *Agreement `json:"agreement"`
	ExportedAt int64      `json:"exportedAt"`
}

const exportType = "acp-agreement"

// Store manages agreement lifecycle, signatures and amendment chains over a
// write-through cache.
type Store struct {
	store   storage
	emitter events.Emitter
	nowFn   func() int64

	mu     sync.RWMutex
	byID   map[string]*Agreement
	byHash map[string]string
}

// NewStore constructs an agreement store backed by the provided storage.
func NewStore(store storage) *Store {
	return &Store{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().UnixMilli() },
		byID:    make(map[string]*Agreement),
		byHash:  make(map[string]string),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to no-op.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	s.nowFn = now
}

// Hydrate loads the full agreement table into the cache.
func (s *Store) Hydrate(ctx context.Context) error {
	agreements, err := s.store.ListAgreements(ctx)
	if err != nil {
		return fmt.Errorf("%w: hydrate: %v", ErrStore, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Agreement, len(agreements))
	s.byHash = make(map[string]string, len(agreements))
	for _, a := range agreements {
		s.byID[a.ID] = a.Clone()
		if a.Hash != "" {
			s.byHash[a.Hash] = a.ID
		}
	}
	return nil
}

// Create sanitises a draft, strips any pre-attached signatures, computes the
// content hash and persists the agreement in draft status.
func (s *Store) Create(ctx context.Context, draft *Agreement) (*Agreement, error) {
	sanitized, err := Sanitize(draft)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if sanitized.ID == "" {
		sanitized.ID = uuid.NewString()
	}
	s.mu.RLock()
	_, exists := s.byID[sanitized.ID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrConflict, sanitized.ID)
	}
	for i := range sanitized.Parties {
		sanitized.Parties[i].Signature = ""
		sanitized.Parties[i].SignedAt = 0
	}
	for i := range sanitized.Terms {
		if sanitized.Terms[i].ID == "" {
			sanitized.Terms[i].ID = uuid.NewString()
		}
		sanitized.Terms[i].Completed = false
	}
	sanitized.Status = StatusDraft
	now := s.now()
	sanitized.CreatedAt = now
	sanitized.UpdatedAt = now
	hash, err := HashAgreement(sanitized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	sanitized.Hash = hash
	if err := s.persist(ctx, sanitized); err != nil {
		return nil, err
	}
	return sanitized.Clone(), nil
}

// Get returns a copy of the agreement.
func (s *Store) Get(id string) (*Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// GetByHash returns a copy of the agreement with the given content hash.
func (s *Store) GetByHash(hash string) (*Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	return s.byID[id].Clone(), nil
}

// ListByPartyAddress returns copies of every agreement the address
// participates in, oldest first.
func (s *Store) ListByPartyAddress(address string) []*Agreement {
	needle := strings.TrimSpace(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agreement, 0, 4)
	for _, a := range s.byID {
		if a.Party(needle) != nil {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// AttachSignature verifies and records a signature envelope. The first
// signature moves a draft to proposed; the final one moves proposed to
// signed.
func (s *Store) AttachSignature(ctx context.Context, id string, env SignatureEnvelope) (*Agreement, error) {
	s.mu.RLock()
	cached, ok := s.byID[id]
	var working *Agreement
	if ok {
		working = cached.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch working.Status {
	case StatusDraft, StatusProposed:
	default:
		return nil, fmt.Errorf("%w: cannot sign agreement in status %s", ErrInvalidState, working.Status)
	}
	party := working.Party(env.Payload.SignerAddress)
	if party == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, env.Payload.SignerAddress)
	}
	if party.Signed() {
		return nil, fmt.Errorf("%w: %s already signed", ErrInvalidState, party.Address)
	}
	if err := VerifyEnvelope(env, working); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	encoded, err := EncodeEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	party.Signature = encoded
	party.SignedAt = s.now()
	if working.FullySigned() {
		working.Status = StatusSigned
	} else {
		working.Status = StatusProposed
	}
	working.UpdatedAt = s.now()
	if err := s.persist(ctx, working); err != nil {
		return nil, err
	}
	s.emitter.Emit(events.AgreementSigned{
		AgreementID: working.ID,
		Hash:        working.Hash,
		Signer:      party.Address,
		FullySigned: working.Status == StatusSigned,
	})
	return working.Clone(), nil
}

// Sign is a convenience wrapper that builds, signs and attaches an envelope
// using the supplied ed25519 private key.
func (s *Store) Sign(ctx context.Context, id, signerAddress string, priv []byte) (*Agreement, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	payload, err := NewSignaturePayload(a, signerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	env, err := SignPayload(payload, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.AttachSignature(ctx, id, env)
}

// VerifySignatures re-checks every attached signature against the current
// content hash.
func (s *Store) VerifySignatures(id string) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	for _, party := range a.Parties {
		if !party.Signed() {
			continue
		}
		env, err := DecodeEnvelope(party.Signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if err := VerifyEnvelope(env, a); err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
	}
	return nil
}

// UpdateStatus moves a fully signed agreement into one of the post-signing
// states.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (*Agreement, error) {
	switch status {
	case StatusExecuted, StatusCompleted, StatusCancelled, StatusDisputed:
	default:
		return nil, fmt.Errorf("%w: status %s is not reachable via UpdateStatus", ErrValidation, status)
	}
	s.mu.RLock()
	cached, ok := s.byID[id]
	var working *Agreement
	if ok {
		working = cached.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch working.Status {
	case StatusSigned, StatusExecuted, StatusDisputed:
	case StatusDraft, StatusProposed:
		// An unsigned agreement can only be cancelled.
		if status != StatusCancelled {
			return nil, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, working.Status, status)
		}
	default:
		return nil, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, working.Status, status)
	}
	working.Status = status
	working.UpdatedAt = s.now()
	if err := s.persist(ctx, working); err != nil {
		return nil, err
	}
	if status == StatusCompleted {
		s.emitter.Emit(events.AgreementCompleted{AgreementID: working.ID, Hash: working.Hash})
	}
	return working.Clone(), nil
}

// SetEscrowID links the agreement to an escrow and rehashes, since the
// escrow id is contractual content. Linking after full signing is rejected
// because it would orphan the attached signatures.
func (s *Store) SetEscrowID(ctx context.Context, id, escrowID string) (*Agreement, error) {
	s.mu.RLock()
	cached, ok := s.byID[id]
	var working *Agreement
	if ok {
		working = cached.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if working.FullySigned() {
		return nil, fmt.Errorf("%w: cannot change escrow link on a fully signed agreement", ErrInvalidState)
	}
	working.EscrowID = strings.TrimSpace(escrowID)
	working.UpdatedAt = s.now()
	if err := s.persistRehashed(ctx, working); err != nil {
		return nil, err
	}
	return working.Clone(), nil
}

// CompleteTerm marks a term done. The content hash stays stable because term
// completion is excluded from the canonical serialisation. When the last term
// completes on a signed or executed agreement the status advances to
// completed.
func (s *Store) CompleteTerm(ctx context.Context, id, termID string) (*Agreement, error) {
	s.mu.RLock()
	cached, ok := s.byID[id]
	var working *Agreement
	if ok {
		working = cached.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	found := false
	allDone := true
	for i := range working.Terms {
		if working.Terms[i].ID == termID {
			working.Terms[i].Completed = true
			found = true
		}
		if !working.Terms[i].Completed {
			allDone = false
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: term %s", ErrNotFound, termID)
	}
	completed := false
	if allDone && (working.Status == StatusSigned || working.Status == StatusExecuted) {
		working.Status = StatusCompleted
		completed = true
	}
	working.UpdatedAt = s.now()
	if err := s.persist(ctx, working); err != nil {
		return nil, err
	}
	if completed {
		s.emitter.Emit(events.AgreementCompleted{AgreementID: working.ID, Hash: working.Hash})
	}
	return working.Clone(), nil
}

// Changes describes the mutable fields of an amendment. Nil fields keep the
// original value.
type Changes struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Terms       []Term  `json:"terms,omitempty"`
	TotalValue  *string `json:"totalValue,omitempty"`
	Currency    *string `json:"currency,omitempty"`
	StartDate   *int64  `json:"startDate,omitempty"`
	EndDate     *int64  `json:"endDate,omitempty"`
}

// Amend creates a successor agreement: a fresh id, version+1, a link to the
// original's hash, and no signatures. Only an existing party may amend. The
// escrow link is cleared because a renegotiated contract needs a renegotiated
// escrow.
func (s *Store) Amend(ctx context.Context, id string, changes Changes, signer string) (*Agreement, error) {
	original, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if original.Party(signer) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, signer)
	}
	next := original.Clone()
	next.ID = uuid.NewString()
	// The clone still carries the original's hash; clear it so the rehash
	// cannot evict the original's hash index entry.
	next.Hash = ""
	next.Version = original.Version + 1
	next.PreviousVersionHash = original.Hash
	next.EscrowID = ""
	next.Status = StatusDraft
	for i := range next.Parties {
		next.Parties[i].Signature = ""
		next.Parties[i].SignedAt = 0
	}
	if changes.Title != nil {
		next.Title = *changes.Title
	}
	if changes.Description != nil {
		next.Description = *changes.Description
	}
	if changes.Terms != nil {
		next.Terms = make([]Term, len(changes.Terms))
		copy(next.Terms, changes.Terms)
		for i := range next.Terms {
			if next.Terms[i].ID == "" {
				next.Terms[i].ID = uuid.NewString()
			}
			next.Terms[i].Completed = false
		}
	}
	if changes.TotalValue != nil {
		next.TotalValue = *changes.TotalValue
	}
	if changes.Currency != nil {
		next.Currency = *changes.Currency
	}
	if changes.StartDate != nil {
		next.StartDate = *changes.StartDate
	}
	if changes.EndDate != nil {
		next.EndDate = *changes.EndDate
	}
	sanitized, err := Sanitize(next)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	now := s.now()
	sanitized.CreatedAt = now
	sanitized.UpdatedAt = now
	if err := s.persistRehashed(ctx, sanitized); err != nil {
		return nil, err
	}
	return sanitized.Clone(), nil
}

// VerifyChain walks the amendment chain from the given agreement back to the
// root, returning the versions oldest first. Missing links and cycles are
// integrity failures.
func (s *Store) VerifyChain(id string) ([]*Agreement, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	chain := []*Agreement{current}
	visited := map[string]struct{}{current.ID: {}}
	for current.PreviousVersionHash != "" {
		prev, err := s.GetByHash(current.PreviousVersionHash)
		if err != nil {
			return nil, fmt.Errorf("%w: broken chain at version %d: no agreement with hash %s",
				ErrIntegrity, current.Version, current.PreviousVersionHash)
		}
		if _, seen := visited[prev.ID]; seen {
			return nil, fmt.Errorf("%w: amendment chain cycle at %s", ErrIntegrity, prev.ID)
		}
		visited[prev.ID] = struct{}{}
		chain = append(chain, prev)
		current = prev
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Export serialises the agreement as a base64 portable envelope.
func (s *Store) Export(id string) (string, error) {
	a, err := s.Get(id)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(exportEnvelope{
		Version:    1,
		Type:       exportType,
		Agreement:  a,
		ExportedAt: s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Import ingests a portable envelope, recomputing and checking the content
// hash before admitting the agreement.
func (s *Store) Import(ctx context.Context, encoded string) (*Agreement, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrValidation, err)
	}
	var env exportEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", ErrValidation, err)
	}
	if env.Type != exportType || env.Agreement == nil {
		return nil, fmt.Errorf("%w: not an agreement export", ErrValidation)
	}
	imported := env.Agreement.Clone()
	recomputed, err := HashAgreement(imported)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if recomputed != imported.Hash {
		return nil, fmt.Errorf("%w: content hash mismatch, agreement was modified in transit", ErrValidation)
	}
	s.mu.RLock()
	_, exists := s.byID[imported.ID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrConflict, imported.ID)
	}
	if err := s.persist(ctx, imported); err != nil {
		return nil, err
	}
	return imported.Clone(), nil
}

func (s *Store) persist(ctx context.Context, a *Agreement) error {
	if err := s.store.PutAgreement(ctx, a); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	s.mu.Lock()
	s.byID[a.ID] = a.Clone()
	if a.Hash != "" {
		s.byHash[a.Hash] = a.ID
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) persistRehashed(ctx context.Context, a *Agreement) error {
	oldHash := a.Hash
	hash, err := HashAgreement(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	a.Hash = hash
	if err := s.store.PutAgreement(ctx, a); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	s.mu.Lock()
	// Drop the stale index entry only when it still points at this
	// agreement; another version may legitimately own the old hash.
	if oldHash != "" && oldHash != hash && s.byHash[oldHash] == a.ID {
		delete(s.byHash, oldHash)
	}
	s.byID[a.ID] = a.Clone()
	s.byHash[hash] = a.ID
	s.mu.Unlock()
	return nil
}

func (s *Store) now() int64 {
	if s == nil || s.nowFn == nil {
		return time.Now().UnixMilli()
	}
	return s.nowFn()
}
