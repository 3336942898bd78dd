package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"acpcore/core/events"
)

var (
	// ErrNotFound marks a missing escrow.
	ErrNotFound = errors.New("escrow: not found")
	// ErrUnauthorized marks an action by an address with no standing.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState marks a transition illegal for the current status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrValidation marks rejected input.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrConditions marks a release or refund attempt with unmet conditions.
	ErrConditions = errors.New("escrow: conditions not met")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("escrow: store failure")
	// ErrExternal wraps chain and oracle failures.
	ErrExternal = errors.New("escrow: external failure")
)

// Signer yields the escrow account keypair at signing time.
type Signer func(ctx context.Context) ([]byte, error)

// ChainAdapter is the settlement surface the engine needs. The Solana
// implementation lives in adapters/solana.
type ChainAdapter interface {
	NewEscrowAccount(ctx context.Context) (address string, keypair []byte, err error)
	Balance(ctx context.Context, address, tokenMint string) (*big.Int, error)
	Transfer(ctx context.Context, signer Signer, from, to string, amount *big.Int, tokenMint string) (txSignature string, err error)
}

// keyvault abstracts the escrow keypair vault.
type keyvault interface {
	Put(ctx context.Context, escrowID string, keypair []byte) error
	Clear(ctx context.Context, escrowID string) error
	Signer(escrowID string) func(ctx context.Context) ([]byte, error)
}

// storage abstracts the subset of the persistence gateway required by the
// escrow engine.
type storage interface {
	PutEscrow(ctx context.Context, esc *Escrow) error
	ListEscrows(ctx context.Context) ([]*Escrow, error)
}

// Engine drives the escrow state machine. Every transition persists before
// the cache is updated so a crash can never leave the cache ahead of the
// store, and all transitions serialise per escrow so a settlement can only
// happen once.
type Engine struct {
	store     storage
	chain     ChainAdapter
	vault     keyvault
	evaluator *Evaluator
	emitter   events.Emitter
	nowFn     func() int64

	mu      sync.RWMutex
	escrows map[string]*Escrow

	lockMu      sync.Mutex
	escrowLocks map[string]*sync.Mutex
}

// NewEngine constructs an escrow engine.
func NewEngine(store storage, chain ChainAdapter, vault keyvault, evaluator *Evaluator) *Engine {
	if evaluator == nil {
		evaluator = NewEvaluator(nil)
	}
	return &Engine{
		store:       store,
		chain:       chain,
		vault:       vault,
		evaluator:   evaluator,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().UnixMilli() },
		escrows:     make(map[string]*Escrow),
		escrowLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockEscrow(id string) func() {
	e.lockMu.Lock()
	mu, ok := e.escrowLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.escrowLocks[id] = mu
	}
	e.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// SetEmitter configures the event emitter. Passing nil resets it to no-op.
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
	e.evaluator.SetNowFunc(now)
}

// Evaluator exposes the condition evaluator for custom registrations.
func (e *Engine) Evaluator() *Evaluator {
	return e.evaluator
}

// Hydrate loads the full escrow table into the cache.
func (e *Engine) Hydrate(ctx context.Context) error {
	escrows, err := e.store.ListEscrows(ctx)
	if err != nil {
		return fmt.Errorf("%w: hydrate: %v", ErrStore, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escrows = make(map[string]*Escrow, len(escrows))
	for _, esc := range escrows {
		e.escrows[esc.ID] = esc.Clone()
	}
	return nil
}

// Create provisions a fresh escrow account on chain, vaults its keypair and
// records the escrow in pending status.
func (e *Engine) Create(ctx context.Context, draft *Escrow) (*Escrow, error) {
	sanitized, err := Sanitize(draft)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if sanitized.ID == "" {
		sanitized.ID = uuid.NewString()
	}
	address, keypair, err := e.chain.NewEscrowAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create escrow account: %v", ErrExternal, err)
	}
	if err := e.vault.Put(ctx, sanitized.ID, keypair); err != nil {
		return nil, err
	}
	sanitized.EscrowAddress = address
	sanitized.Status = StatusPending
	sanitized.TxSignatures = nil
	sanitized.CreatedAt = e.now()
	sanitized.FundedAt = 0
	sanitized.CompletedAt = 0
	if err := e.persist(ctx, sanitized); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.NewEscrowCreated(sanitized.ID, string(StatusPending)))
	return sanitized.Clone(), nil
}

// Get returns a copy of the escrow.
func (e *Engine) Get(id string) (*Escrow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	esc, ok := e.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return esc.Clone(), nil
}

// List returns copies of every cached escrow, oldest first.
func (e *Engine) List() []*Escrow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Escrow, 0, len(e.escrows))
	for _, esc := range e.escrows {
		out = append(out, esc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// ListByParty returns copies of every escrow the address participates in.
func (e *Engine) ListByParty(address string) []*Escrow {
	needle := strings.TrimSpace(address)
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Escrow, 0, 4)
	for _, esc := range e.escrows {
		if esc.Buyer == needle || esc.Seller == needle || esc.Arbiter == needle {
			out = append(out, esc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Fund confirms the buyer's deposit. The buyer transfers to the escrow
// address with their own wallet; the engine only verifies the balance
// arrived.
func (e *Engine) Fund(ctx context.Context, id, actor string) (*Escrow, error) {
	defer e.lockEscrow(id)()
	working, err := e.working(id)
	if err != nil {
		return nil, err
	}
	if working.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot fund escrow in status %s", ErrInvalidState, working.Status)
	}
	if strings.TrimSpace(actor) != working.Buyer {
		return nil, fmt.Errorf("%w: only the buyer may fund", ErrUnauthorized)
	}
	balance, err := e.chain.Balance(ctx, working.EscrowAddress, working.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("%w: balance check: %v", ErrExternal, err)
	}
	if balance.Cmp(working.AmountInt()) < 0 {
		return nil, fmt.Errorf("%w: escrow account holds %s, needs %s", ErrValidation, balance, working.Amount)
	}
	working.Status = StatusFunded
	working.FundedAt = e.now()
	if err := e.persist(ctx, working); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.NewEscrowFunded(working.ID, actor, ""))
	return working.Clone(), nil
}

// CheckConditions evaluates the escrow's release or refund condition list.
// An empty list is vacuously satisfied.
func (e *Engine) CheckConditions(ctx context.Context, id string, refund bool) (bool, error) {
	working, err := e.working(id)
	if err != nil {
		return false, err
	}
	conds := working.ReleaseConditions
	if refund {
		conds = working.RefundConditions
	}
	return e.evaluator.Evaluate(ctx, working, conds), nil
}

// Release pays the seller. Only the buyer or the arbiter may release; the
// buyer additionally needs every release condition satisfied, while the
// arbiter overrides conditions. Disputed escrows settle only through
// Resolve.
func (e *Engine) Release(ctx context.Context, id, actor string) (*Escrow, error) {
	defer e.lockEscrow(id)()
	working, err := e.working(id)
	if err != nil {
		return nil, err
	}
	if working.Status != StatusFunded {
		return nil, fmt.Errorf("%w: cannot release escrow in status %s", ErrInvalidState, working.Status)
	}
	trimmed := strings.TrimSpace(actor)
	arbiter := working.HasArbiter() && trimmed == working.Arbiter
	if !arbiter && trimmed != working.Buyer {
		return nil, fmt.Errorf("%w: only buyer or arbiter may release", ErrUnauthorized)
	}
	if !arbiter && !e.evaluator.Evaluate(ctx, working, working.ReleaseConditions) {
		return nil, fmt.Errorf("%w: release conditions unmet", ErrConditions)
	}
	return e.settle(ctx, working, working.Seller, StatusReleased, trimmed)
}

// Refund returns funds to the buyer. The seller and the arbiter may refund
// at any time; the buyer only strictly after the expiry deadline.
func (e *Engine) Refund(ctx context.Context, id, actor string) (*Escrow, error) {
	defer e.lockEscrow(id)()
	working, err := e.working(id)
	if err != nil {
		return nil, err
	}
	if working.Status != StatusFunded {
		return nil, fmt.Errorf("%w: cannot refund escrow in status %s", ErrInvalidState, working.Status)
	}
	trimmed := strings.TrimSpace(actor)
	switch {
	case trimmed == working.Seller:
	case working.HasArbiter() && trimmed == working.Arbiter:
	case trimmed == working.Buyer:
		if working.ExpiresAt == 0 || e.now() <= working.ExpiresAt {
			return nil, fmt.Errorf("%w: buyer may refund only after expiry", ErrUnauthorized)
		}
	default:
		return nil, fmt.Errorf("%w: %s has no standing to refund", ErrUnauthorized, actor)
	}
	return e.settle(ctx, working, working.Buyer, StatusRefunded, trimmed)
}

// Dispute freezes a funded escrow until the arbiter resolves it. An escrow
// without an arbiter can never enter disputed.
func (e *Engine) Dispute(ctx context.Context, id, actor string) (*Escrow, error) {
	defer e.lockEscrow(id)()
	working, err := e.working(id)
	if err != nil {
		return nil, err
	}
	if working.Status != StatusFunded {
		return nil, fmt.Errorf("%w: cannot dispute escrow in status %s", ErrInvalidState, working.Status)
	}
	if !working.HasArbiter() {
		return nil, fmt.Errorf("%w: escrow has no arbiter", ErrInvalidState)
	}
	trimmed := strings.TrimSpace(actor)
	if trimmed != working.Buyer && trimmed != working.Seller {
		return nil, fmt.Errorf("%w: only buyer or seller may dispute", ErrUnauthorized)
	}
	working.Status = StatusDisputed
	if err := e.persist(ctx, working); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.NewEscrowDisputed(working.ID, trimmed))
	return working.Clone(), nil
}

// Resolve settles a disputed escrow. Only the arbiter may resolve;
// releaseToSeller selects the payout direction.
func (e *Engine) Resolve(ctx context.Context, id, actor string, releaseToSeller bool) (*Escrow, error) {
	defer e.lockEscrow(id)()
	working, err := e.working(id)
	if err != nil {
		return nil, err
	}
	if working.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot resolve escrow in status %s", ErrInvalidState, working.Status)
	}
	trimmed := strings.TrimSpace(actor)
	if trimmed != working.Arbiter {
		return nil, fmt.Errorf("%w: only the arbiter may resolve a dispute", ErrUnauthorized)
	}
	if releaseToSeller {
		return e.settle(ctx, working, working.Seller, StatusReleased, trimmed)
	}
	return e.settle(ctx, working, working.Buyer, StatusRefunded, trimmed)
}

// SweepExpired refunds and expires every escrow strictly past its deadline.
// Funded escrows refund the buyer first; pending ones expire in place. The
// sweep keeps going past individual failures and returns the ids it expired.
func (e *Engine) SweepExpired(ctx context.Context) ([]string, error) {
	now := e.now()
	e.mu.RLock()
	candidates := make([]*Escrow, 0, 4)
	for _, esc := range e.escrows {
		if esc.Status.Terminal() || esc.Status == StatusDisputed {
			continue
		}
		if esc.ExpiresAt > 0 && now > esc.ExpiresAt {
			candidates = append(candidates, esc.Clone())
		}
	}
	e.mu.RUnlock()

	expired := make([]string, 0, len(candidates))
	var firstErr error
	for _, candidate := range candidates {
		func() {
			defer e.lockEscrow(candidate.ID)()
			// Re-read under the lock: a release or refund may have settled
			// the escrow between the scan and this transition.
			working, err := e.working(candidate.ID)
			if err != nil || working.Status.Terminal() || working.Status == StatusDisputed {
				return
			}
			if working.Status == StatusFunded {
				txSig, err := e.chain.Transfer(ctx, Signer(e.vault.Signer(working.ID)),
					working.EscrowAddress, working.Buyer, working.AmountInt(), working.TokenMint)
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("%w: expiry refund for %s: %v", ErrExternal, working.ID, err)
					}
					return
				}
				working.TxSignatures = append(working.TxSignatures, txSig)
			}
			working.Status = StatusExpired
			working.CompletedAt = now
			if err := e.persist(ctx, working); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if err := e.vault.Clear(ctx, working.ID); err != nil && firstErr == nil {
				firstErr = err
			}
			expired = append(expired, working.ID)
			e.emitter.Emit(events.NewEscrowExpired(working.ID))
		}()
	}
	return expired, firstErr
}

// settle transfers the full amount to the recipient, moves the escrow into
// its terminal status and purges the vaulted keypair.
func (e *Engine) settle(ctx context.Context, working *Escrow, recipient string, terminal Status, actor string) (*Escrow, error) {
	txSig, err := e.chain.Transfer(ctx, Signer(e.vault.Signer(working.ID)),
		working.EscrowAddress, recipient, working.AmountInt(), working.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer: %v", ErrExternal, err)
	}
	working.TxSignatures = append(working.TxSignatures, txSig)
	working.Status = terminal
	working.CompletedAt = e.now()
	if err := e.persist(ctx, working); err != nil {
		return nil, err
	}
	if err := e.vault.Clear(ctx, working.ID); err != nil {
		return nil, err
	}
	switch terminal {
	case StatusReleased:
		e.emitter.Emit(events.NewEscrowReleased(working.ID, actor, txSig))
	case StatusRefunded:
		e.emitter.Emit(events.NewEscrowRefunded(working.ID, actor, txSig))
	}
	return working.Clone(), nil
}

func (e *Engine) working(id string) (*Escrow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	esc, ok := e.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return esc.Clone(), nil
}

func (e *Engine) persist(ctx context.Context, esc *Escrow) error {
	if err := e.store.PutEscrow(ctx, esc); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	e.mu.Lock()
	e.escrows[esc.ID] = esc.Clone()
	e.mu.Unlock()
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().UnixMilli()
	}
	return e.nowFn()
}
