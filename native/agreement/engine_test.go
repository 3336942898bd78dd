package agreement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

type mockStorage struct {
	agreements map[string]*Agreement
}

func newMockStorage() *mockStorage {
	return &mockStorage{agreements: make(map[string]*Agreement)}
}

func (m *mockStorage) PutAgreement(_ context.Context, a *Agreement) error {
	m.agreements[a.ID] = a.Clone()
	return nil
}

func (m *mockStorage) ListAgreements(_ context.Context) ([]*Agreement, error) {
	out := make([]*Agreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		out = append(out, a.Clone())
	}
	return out, nil
}

type signer struct {
	address string
	priv    ed25519.PrivateKey
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signer{address: base58.Encode(pub), priv: priv}
}

func draft(buyer, seller string) *Agreement {
	value := 2500.0
	return &Agreement{
		Title: "Sentiment analysis engagement",
		Parties: []Party{
			{Address: buyer, Role: "buyer"},
			{Address: seller, Role: "seller"},
		},
		Terms: []Term{
			{Type: TermDeliverable, Description: "Deliver weekly sentiment reports"},
			{Type: TermPayment, Description: "Pay on delivery", Value: &value},
		},
		TotalValue: "2500",
		Currency:   "USDC",
	}
}

func TestHashDeterministicAndContentOnly(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rehash, err := HashAgreement(created)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if rehash != created.Hash {
		t.Fatalf("hash not deterministic: %s vs %s", rehash, created.Hash)
	}

	// Signature material must not feed the hash.
	mutated := created.Clone()
	mutated.Parties[0].Signature = "opaque"
	mutated.Parties[0].SignedAt = 12345
	mutated.Status = StatusSigned
	sigHash, err := HashAgreement(mutated)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if sigHash != created.Hash {
		t.Fatalf("signatures leaked into hash")
	}

	// Content changes must change the hash.
	changed := created.Clone()
	changed.Title = "Different title"
	changedHash, err := HashAgreement(changed)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if changedHash == created.Hash {
		t.Fatalf("content change did not change hash")
	}
}

func TestSigningLifecycle(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusDraft {
		t.Fatalf("expected draft, got %s", created.Status)
	}

	afterFirst, err := store.Sign(ctx, created.ID, buyer.address, buyer.priv)
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}
	if afterFirst.Status != StatusProposed {
		t.Fatalf("expected proposed after first signature, got %s", afterFirst.Status)
	}

	afterSecond, err := store.Sign(ctx, created.ID, seller.address, seller.priv)
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	if afterSecond.Status != StatusSigned {
		t.Fatalf("expected signed after all signatures, got %s", afterSecond.Status)
	}
	if err := store.VerifySignatures(created.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSignRejectsNonPartyAndDoubleSign(t *testing.T) {
	buyer, seller, outsider := newSigner(t), newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Sign(ctx, created.ID, outsider.address, outsider.priv); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for outsider, got %v", err)
	}
	if _, err := store.Sign(ctx, created.ID, buyer.address, buyer.priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := store.Sign(ctx, created.ID, buyer.address, buyer.priv); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double sign, got %v", err)
	}
}

func TestSignatureBoundToHash(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payload, err := NewSignaturePayload(created, buyer.address)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	payload.AgreementHash = "0000000000000000000000000000000000000000000000000000000000000000"
	env, err := SignPayload(payload, buyer.priv)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	if _, err := store.AttachSignature(ctx, created.ID, env); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for stale hash, got %v", err)
	}
}

func TestCompleteTermAutoCompletes(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Sign(ctx, created.ID, buyer.address, buyer.priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := store.Sign(ctx, created.ID, seller.address, seller.priv); err != nil {
		t.Fatalf("sign: %v", err)
	}

	signed, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	hashBefore := signed.Hash

	mid, err := store.CompleteTerm(ctx, created.ID, signed.Terms[0].ID)
	if err != nil {
		t.Fatalf("complete first term: %v", err)
	}
	if mid.Status != StatusSigned {
		t.Fatalf("expected signed while terms remain, got %s", mid.Status)
	}

	done, err := store.CompleteTerm(ctx, created.ID, signed.Terms[1].ID)
	if err != nil {
		t.Fatalf("complete last term: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed after last term, got %s", done.Status)
	}
	if done.Hash != hashBefore {
		t.Fatalf("term completion must not change the content hash")
	}
	if err := store.VerifySignatures(created.ID); err != nil {
		t.Fatalf("signatures invalidated by term completion: %v", err)
	}
}

func TestAmendChain(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Sign(ctx, created.ID, buyer.address, buyer.priv); err != nil {
		t.Fatalf("sign: %v", err)
	}

	newTitle := "Renegotiated engagement"
	amended, err := store.Amend(ctx, created.ID, Changes{Title: &newTitle}, buyer.address)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Version != 2 {
		t.Fatalf("expected version 2, got %d", amended.Version)
	}
	if amended.PreviousVersionHash != created.Hash {
		t.Fatalf("amendment not linked to original hash")
	}
	if amended.Status != StatusDraft {
		t.Fatalf("expected draft, got %s", amended.Status)
	}
	for _, p := range amended.Parties {
		if p.Signed() {
			t.Fatalf("amendment must reset signatures")
		}
	}

	chain, err := store.VerifyChain(amended.ID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != created.ID || chain[1].ID != amended.ID {
		t.Fatalf("unexpected chain order")
	}

	// Amending must not evict the original from the hash index.
	original, err := store.GetByHash(created.Hash)
	if err != nil {
		t.Fatalf("original lost from hash index after amend: %v", err)
	}
	if original.ID != created.ID {
		t.Fatalf("hash index points at %s, want %s", original.ID, created.ID)
	}
}

func TestAmendRejectsNonParty(t *testing.T) {
	buyer, seller, outsider := newSigner(t), newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	title := "hostile rewrite"
	if _, err := store.Amend(ctx, created.ID, Changes{Title: &title}, outsider.address); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for outsider amend, got %v", err)
	}
}

func TestCancelUnsignedAgreement(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	store := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := store.UpdateStatus(ctx, created.ID, StatusCancelled)
	if err != nil {
		t.Fatalf("cancel draft: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// Any other target stays unreachable before signing.
	second, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, second.ID, StatusExecuted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for draft to executed, got %v", err)
	}
}

func TestTermTypes(t *testing.T) {
	if _, err := NormalizeTermType(" Custom "); err != nil {
		t.Fatalf("custom must be a valid term type: %v", err)
	}
	if _, err := NormalizeTermType("penalty"); err == nil {
		t.Fatalf("penalty is not a recognised term type")
	}
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	backing := newMockStorage()
	store := NewStore(backing)
	ctx := context.Background()

	created, err := store.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	title := "v2"
	amended, err := store.Amend(ctx, created.ID, Changes{Title: &title}, buyer.address)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}

	// Simulate losing the root version.
	delete(backing.agreements, created.ID)
	if err := store.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := store.VerifyChain(amended.ID); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity on broken chain, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	source := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := source.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	encoded, err := source.Export(created.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dest := NewStore(newMockStorage())
	imported, err := dest.Import(ctx, encoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.ID != created.ID || imported.Hash != created.Hash {
		t.Fatalf("import mismatch")
	}
}

func TestImportRejectsTamper(t *testing.T) {
	buyer, seller := newSigner(t), newSigner(t)
	source := NewStore(newMockStorage())
	ctx := context.Background()

	created, err := source.Create(ctx, draft(buyer.address, seller.address))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tampered := created.Clone()
	tampered.TotalValue = "9999999"
	encoded, err := func() (string, error) {
		forged := NewStore(newMockStorage())
		if err := forged.persist(ctx, tampered); err != nil {
			return "", err
		}
		return forged.Export(tampered.ID)
	}()
	if err != nil {
		t.Fatalf("forge export: %v", err)
	}

	dest := NewStore(newMockStorage())
	if _, err := dest.Import(ctx, encoded); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation on tampered import, got %v", err)
	}
}
