package storage

import (
	"context"
	"path/filepath"
	"testing"

	"acpcore/native/agreement"
	"acpcore/native/escrow"
	"acpcore/native/prediction"
	"acpcore/native/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "acp.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAgentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	agent := &registry.AgentProfile{
		ID:      "agent-1",
		Address: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Name:    "translator",
		Status:  registry.AgentActive,
		Capabilities: []registry.Capability{
			{Name: "translate", Category: registry.CategoryContent},
		},
	}
	if err := store.PutAgent(ctx, agent); err != nil {
		t.Fatalf("put: %v", err)
	}
	agent.Name = "translator-v2"
	if err := store.PutAgent(ctx, agent); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("upsert must not duplicate rows, got %d", len(agents))
	}
	if agents[0].Name != "translator-v2" || len(agents[0].Capabilities) != 1 {
		t.Fatalf("document not preserved: %+v", agents[0])
	}
}

func TestAgentAddressUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &registry.AgentProfile{ID: "a1", Address: "addr", Name: "one", Status: registry.AgentActive}
	second := &registry.AgentProfile{ID: "a2", Address: "addr", Name: "two", Status: registry.AgentActive}
	if err := store.PutAgent(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutAgent(ctx, second); err == nil {
		t.Fatalf("duplicate address must violate the unique index")
	}
}

func TestAgreementHashUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &agreement.Agreement{ID: "ag-1", Title: "one", Hash: "deadbeef", Version: 1}
	if err := store.PutAgreement(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}
	dup := &agreement.Agreement{ID: "ag-2", Title: "two", Hash: "deadbeef", Version: 1}
	if err := store.PutAgreement(ctx, dup); err == nil {
		t.Fatalf("expected unique constraint violation on duplicate hash")
	}
	other := &agreement.Agreement{ID: "ag-2", Title: "two", Hash: "cafef00d", Version: 1}
	if err := store.PutAgreement(ctx, other); err != nil {
		t.Fatalf("put distinct hash: %v", err)
	}
}

func TestEscrowRoundTripKeepsConditions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	esc := &escrow.Escrow{
		ID:     "esc-1",
		Chain:  escrow.ChainSolana,
		Buyer:  "buyer",
		Seller: "seller",
		Amount: "1000000",
		Status: escrow.StatusFunded,
		ReleaseConditions: []escrow.Condition{
			{Type: escrow.ConditionOracle, Value: "pyth:SOL/USD:gt:150"},
		},
		TxSignatures: []string{"sig-1"},
	}
	if err := store.PutEscrow(ctx, esc); err != nil {
		t.Fatalf("put: %v", err)
	}
	escrows, err := store.ListEscrows(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(escrows) != 1 {
		t.Fatalf("escrow count: %d", len(escrows))
	}
	got := escrows[0]
	if len(got.ReleaseConditions) != 1 || got.ReleaseConditions[0].Value != "pyth:SOL/USD:gt:150" {
		t.Fatalf("conditions lost: %+v", got)
	}
	if len(got.TxSignatures) != 1 || got.TxSignatures[0] != "sig-1" {
		t.Fatalf("tx log lost: %+v", got)
	}
}

func TestKeypairLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, found, err := store.GetEncryptedKeypair(ctx, "esc-1"); err != nil || found {
		t.Fatalf("empty vault lookup: found=%v err=%v", found, err)
	}
	if err := store.PutEncryptedKeypair(ctx, "esc-1", "v1:aa:bb:cc:dd"); err != nil {
		t.Fatalf("put: %v", err)
	}
	envelope, found, err := store.GetEncryptedKeypair(ctx, "esc-1")
	if err != nil || !found || envelope != "v1:aa:bb:cc:dd" {
		t.Fatalf("lookup: %q found=%v err=%v", envelope, found, err)
	}
	if err := store.ClearEncryptedKeypair(ctx, "esc-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, found, _ := store.GetEncryptedKeypair(ctx, "esc-1"); found {
		t.Fatalf("keypair survived clear")
	}
	// Clearing twice is a no-op.
	if err := store.ClearEncryptedKeypair(ctx, "esc-1"); err != nil {
		t.Fatalf("idempotent clear: %v", err)
	}
}

func TestPredictionProbabilityCheck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	bad := &prediction.Prediction{ID: "p1", AgentID: "a1", MarketSlug: "m1", Probability: 1.5}
	if err := store.PutPrediction(ctx, bad); err == nil {
		t.Fatalf("probability outside [0,1] must violate the check constraint")
	}
	good := &prediction.Prediction{ID: "p1", AgentID: "a1", MarketSlug: "m1", Probability: 0.7}
	if err := store.PutPrediction(ctx, good); err != nil {
		t.Fatalf("put: %v", err)
	}
	preds, err := store.ListPredictions(ctx)
	if err != nil || len(preds) != 1 {
		t.Fatalf("list: %v (%d)", err, len(preds))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acp.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc := &registry.ServiceListing{
		ID:      "svc-1",
		AgentID: "a1",
		Name:    "summarise",
		Capability: registry.Capability{
			Name: "summarise", Category: registry.CategoryContent,
		},
		Pricing: registry.Pricing{Model: registry.PricingPerRequest, Amount: "500", Currency: "USDC"},
		Enabled: true,
	}
	if err := store.PutService(ctx, svc); err != nil {
		t.Fatalf("put: %v", err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	services, err := reopened.ListServices(ctx)
	if err != nil || len(services) != 1 {
		t.Fatalf("services after reopen: %v (%d)", err, len(services))
	}
	if services[0].Pricing.Amount != "500" {
		t.Fatalf("pricing lost across reopen: %+v", services[0].Pricing)
	}
}
