package discovery

import (
	"context"
	"math/big"
	"testing"

	"acpcore/native/agreement"
	"acpcore/native/registry"
)

type mockDirectory struct {
	agents   []*registry.AgentProfile
	services map[string][]*registry.ServiceListing
}

func (m *mockDirectory) ListAgents() []*registry.AgentProfile {
	return m.agents
}

func (m *mockDirectory) ListServicesByAgent(agentID string) []*registry.ServiceListing {
	return m.services[agentID]
}

type mockAgreements struct {
	created []*agreement.Agreement
}

func (m *mockAgreements) Create(_ context.Context, draft *agreement.Agreement) (*agreement.Agreement, error) {
	clone := draft.Clone()
	clone.ID = "agr-1"
	clone.Status = agreement.StatusDraft
	m.created = append(m.created, clone)
	return clone, nil
}

func seller(id, address string, rep registry.Reputation) *registry.AgentProfile {
	return &registry.AgentProfile{
		ID:         id,
		Address:    address,
		Name:       "provider " + id,
		Status:     registry.AgentActive,
		Reputation: rep,
	}
}

func dataService(id, agentID, name, amount string) *registry.ServiceListing {
	return &registry.ServiceListing{
		ID:      id,
		AgentID: agentID,
		Name:    name,
		Capability: registry.Capability{
			Name:        name,
			Description: "bitcoin price feeds and market data",
			Category:    registry.CategoryData,
		},
		Pricing: registry.Pricing{Model: registry.PricingPerRequest, Amount: amount, Currency: "SOL"},
		Enabled: true,
	}
}

func fixture() (*Engine, *mockAgreements, *mockDirectory) {
	dir := &mockDirectory{services: make(map[string][]*registry.ServiceListing)}
	agr := &mockAgreements{}
	eng := NewEngine(dir, agr)
	eng.SetNowFunc(func() int64 { return 1_700_000_000_000 })
	return eng, agr, dir
}

func TestDiscoverRanksByScore(t *testing.T) {
	eng, _, dir := fixture()

	strong := seller("a1", "addr-strong", registry.Reputation{
		TotalTransactions:      100,
		SuccessfulTransactions: 98,
		AverageRating:          4.8,
		TotalRatings:           40,
	})
	weak := seller("a2", "addr-weak", registry.Reputation{})
	dir.agents = []*registry.AgentProfile{weak, strong}
	dir.services["a1"] = []*registry.ServiceListing{dataService("s1", "a1", "bitcoin price oracle", "1000000")}
	dir.services["a2"] = []*registry.ServiceListing{dataService("s2", "a2", "bitcoin price oracle", "1000000")}

	matches, err := eng.Discover(&Request{
		Need:       "bitcoin price",
		Categories: []string{registry.CategoryData},
		MaxPrice:   big.NewInt(2_000_000),
		Buyer:      "buyer-addr",
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Agent.ID != "a1" {
		t.Fatalf("expected reputable agent first, got %s", matches[0].Agent.ID)
	}
	if matches[0].Score < 50 {
		t.Fatalf("expected strong match to score at least 50, got %v", matches[0].Score)
	}
	if len(matches[0].Reasons) == 0 {
		t.Fatalf("expected reason tags on a strong match")
	}
}

func TestDiscoverFilters(t *testing.T) {
	eng, _, dir := fixture()
	agent := seller("a1", "addr-1", registry.Reputation{AverageRating: 3.0, TotalRatings: 2})
	dir.agents = []*registry.AgentProfile{agent}
	dir.services["a1"] = []*registry.ServiceListing{dataService("s1", "a1", "market data", "1000000")}

	// Over budget.
	matches, err := eng.Discover(&Request{Need: "market data", MaxPrice: big.NewInt(500_000), Buyer: "b"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("over-budget service must be filtered")
	}

	// Below minimum rating.
	matches, err = eng.Discover(&Request{Need: "market data", MinRating: 4.5, Buyer: "b"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("low-rated agent must be filtered")
	}

	// Inactive agents never match.
	agent.Status = registry.AgentSuspended
	matches, err = eng.Discover(&Request{Need: "market data", Buyer: "b"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("suspended agent must be filtered")
	}
}

func TestNegotiateAcceptDraftsAgreement(t *testing.T) {
	eng, agr, dir := fixture()
	agent := seller("a1", "addr-seller", registry.Reputation{})
	dir.agents = []*registry.AgentProfile{agent}
	svc := dataService("s1", "a1", "data feed", "1000000")
	dir.services["a1"] = []*registry.ServiceListing{svc}

	match := &Match{Service: svc, Agent: agent}
	now := int64(1_700_000_000_000)
	deadline := now + 48*3600*1000

	outcome, err := eng.Negotiate(context.Background(), match, big.NewInt(1_200_000), deadline, nil, "addr-buyer")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !outcome.Accepted || outcome.Agreement == nil {
		t.Fatalf("expected acceptance with drafted agreement")
	}
	if len(agr.created) != 1 {
		t.Fatalf("agreement not created through store")
	}
	a := outcome.Agreement
	if a.Status != agreement.StatusDraft {
		t.Fatalf("drafted agreement must be unsigned, got %s", a.Status)
	}
	if len(a.Parties) != 2 || a.Parties[0].Address != "addr-buyer" || a.Parties[1].Address != "addr-seller" {
		t.Fatalf("unexpected parties: %+v", a.Parties)
	}
	if a.TotalValue != "1200000" {
		t.Fatalf("agreement must carry the accepted price, got %s", a.TotalValue)
	}
	if len(a.Terms) != 3 {
		t.Fatalf("expected payment, deliverable and deadline terms, got %d", len(a.Terms))
	}
}

func TestNegotiateRejectCounters(t *testing.T) {
	eng, _, dir := fixture()
	agent := seller("a1", "addr-seller", registry.Reputation{})
	dir.agents = []*registry.AgentProfile{agent}
	svc := dataService("s1", "a1", "data feed", "1000000")
	dir.services["a1"] = []*registry.ServiceListing{svc}
	match := &Match{Service: svc, Agent: agent}
	now := int64(1_700_000_000_000)

	// Price below listing.
	outcome, err := eng.Negotiate(context.Background(), match, big.NewInt(900_000), 0, nil, "addr-buyer")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if outcome.Accepted || outcome.Counter == nil {
		t.Fatalf("expected counter-offer on low price")
	}
	if outcome.Counter.Price != "1000000" {
		t.Fatalf("counter must quote the listed price, got %s", outcome.Counter.Price)
	}
	if outcome.Counter.Deadline != now+7*24*3600*1000 {
		t.Fatalf("counter deadline must be now+7d, got %d", outcome.Counter.Deadline)
	}

	// Deadline under 24 hours of lead time.
	outcome, err = eng.Negotiate(context.Background(), match, nil, now+3600*1000, nil, "addr-buyer")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if outcome.Accepted {
		t.Fatalf("expected rejection on tight deadline")
	}
}

func TestQuickHire(t *testing.T) {
	eng, agr, dir := fixture()
	agent := seller("a1", "addr-seller", registry.Reputation{AverageRating: 4.5, TotalRatings: 10, TotalTransactions: 20, SuccessfulTransactions: 19})
	dir.agents = []*registry.AgentProfile{agent}
	dir.services["a1"] = []*registry.ServiceListing{dataService("s1", "a1", "bitcoin price oracle", "1000000")}

	match, outcome, err := eng.QuickHire(context.Background(), &Request{
		Need:     "bitcoin price",
		MaxPrice: big.NewInt(2_000_000),
		Buyer:    "addr-buyer",
	})
	if err != nil {
		t.Fatalf("quick hire: %v", err)
	}
	if match == nil || match.Agent.ID != "a1" {
		t.Fatalf("unexpected match: %+v", match)
	}
	if !outcome.Accepted || len(agr.created) != 1 {
		t.Fatalf("quick hire must draft an agreement")
	}
}

func TestQuickHireNoMatch(t *testing.T) {
	eng, _, _ := fixture()
	if _, _, err := eng.QuickHire(context.Background(), &Request{Need: "anything", Buyer: "b"}); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}
