// Package discovery matches buyer needs against the service index and
// drafts agreements through auto-negotiation.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"acpcore/native/agreement"
	"acpcore/native/registry"
)

var (
	// ErrNoMatch marks a discovery query with no fulfilling candidates.
	ErrNoMatch = errors.New("discovery: no matching services")
	// ErrValidation marks a rejected request.
	ErrValidation = errors.New("discovery: validation failed")
)

const (
	minAcceptLeadTime  = 24 * time.Hour
	counterOfferWindow = 7 * 24 * time.Hour
)

// directory is the registry surface discovery reads from.
type directory interface {
	ListAgents() []*registry.AgentProfile
	ListServicesByAgent(agentID string) []*registry.ServiceListing
}

// agreements drafts service agreements for accepted negotiations.
type agreements interface {
	Create(ctx context.Context, draft *agreement.Agreement) (*agreement.Agreement, error)
}

// Request describes what a buyer is looking for.
type Request struct {
	Need                  string   `json:"need"`
	Categories            []string `json:"categories,omitempty"`
	RequiredCapabilities  []string `json:"requiredCapabilities,omitempty"`
	PreferredCapabilities []string `json:"preferredCapabilities,omitempty"`
	MaxPrice              *big.Int `json:"maxPrice,omitempty"`
	MinRating             float64  `json:"minRating,omitempty"`
	Deadline              int64    `json:"deadline,omitempty"`
	Buyer                 string   `json:"buyer"`
}

// Match is one scored candidate.
type Match struct {
	Service   *registry.ServiceListing `json:"service"`
	Agent     *registry.AgentProfile   `json:"agent"`
	Score     float64                  `json:"score"`
	Breakdown Breakdown                `json:"breakdown"`
	Reasons   []string                 `json:"reasons,omitempty"`
}

// CounterOffer is returned when a negotiation proposal is rejected.
type CounterOffer struct {
	Price    string `json:"price"`
	Deadline int64  `json:"deadline"`
	Message  string `json:"message"`
}

// Outcome is the result of a negotiation round.
type Outcome struct {
	Accepted  bool                 `json:"accepted"`
	Agreement *agreement.Agreement `json:"agreement,omitempty"`
	Counter   *CounterOffer        `json:"counter,omitempty"`
}

// Engine scores services against requests and runs auto-negotiation.
type Engine struct {
	directory  directory
	agreements agreements
	nowFn      func() int64
}

// NewEngine constructs a discovery engine over the registry and agreement
// store.
func NewEngine(dir directory, agr agreements) *Engine {
	return &Engine{
		directory:  dir,
		agreements: agr,
		nowFn:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	e.nowFn = now
}

// Discover scores every fulfilling (service, agent) pair and returns matches
// sorted by descending score.
func (e *Engine) Discover(req *Request) ([]*Match, error) {
	if req == nil || strings.TrimSpace(req.Need) == "" {
		return nil, fmt.Errorf("%w: need required", ErrValidation)
	}
	matches := make([]*Match, 0, 8)
	for _, agent := range e.directory.ListAgents() {
		if agent.Status != registry.AgentActive {
			continue
		}
		for _, svc := range e.directory.ListServicesByAgent(agent.ID) {
			if !e.canFulfill(svc, agent, req) {
				continue
			}
			total, breakdown, reasons := score(svc, agent, req)
			matches = append(matches, &Match{
				Service:   svc,
				Agent:     agent,
				Score:     total,
				Breakdown: breakdown,
				Reasons:   reasons,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// canFulfill applies the hard filters before any scoring happens.
func (e *Engine) canFulfill(svc *registry.ServiceListing, agent *registry.AgentProfile, req *Request) bool {
	if !svc.Enabled {
		return false
	}
	if len(req.Categories) > 0 {
		found := false
		for _, cat := range req.Categories {
			if strings.EqualFold(strings.TrimSpace(cat), svc.Capability.Category) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.MaxPrice != nil && svc.Pricing.AmountInt().Cmp(req.MaxPrice) > 0 {
		return false
	}
	if req.MinRating > 0 && agent.Reputation.AverageRating < req.MinRating {
		return false
	}
	return true
}

// Negotiate evaluates a proposal against the matched service. Acceptance
// requires the proposed price to cover the listed price and the deadline to
// leave at least 24 hours of lead time; absent fields are treated as
// agreeable. On accept an unsigned two-party agreement is drafted; on reject
// a counter-offer at the listed price with a 7 day deadline comes back.
func (e *Engine) Negotiate(ctx context.Context, match *Match, proposedPrice *big.Int, proposedDeadline int64, customTerms []agreement.Term, buyer string) (*Outcome, error) {
	if match == nil || match.Service == nil || match.Agent == nil {
		return nil, fmt.Errorf("%w: nil match", ErrValidation)
	}
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer address required", ErrValidation)
	}
	servicePrice := match.Service.Pricing.AmountInt()
	now := e.nowFn()

	priceOK := proposedPrice == nil || proposedPrice.Cmp(servicePrice) >= 0
	deadlineOK := proposedDeadline == 0 || proposedDeadline >= now+minAcceptLeadTime.Milliseconds()
	if !priceOK || !deadlineOK {
		return &Outcome{
			Accepted: false,
			Counter: &CounterOffer{
				Price:    servicePrice.String(),
				Deadline: now + counterOfferWindow.Milliseconds(),
				Message:  fmt.Sprintf("listed price is %s %s", servicePrice, match.Service.Pricing.Currency),
			},
		}, nil
	}

	price := servicePrice
	if proposedPrice != nil {
		price = proposedPrice
	}
	deadline := proposedDeadline
	if deadline == 0 {
		deadline = now + counterOfferWindow.Milliseconds()
	}
	draft, err := e.draftAgreement(ctx, match, buyer, price, deadline, customTerms)
	if err != nil {
		return nil, err
	}
	return &Outcome{Accepted: true, Agreement: draft}, nil
}

func (e *Engine) draftAgreement(ctx context.Context, match *Match, buyer string, price *big.Int, deadline int64, customTerms []agreement.Term) (*agreement.Agreement, error) {
	value, _ := new(big.Float).SetInt(price).Float64()
	terms := []agreement.Term{
		{
			Type:        agreement.TermDeliverable,
			Description: fmt.Sprintf("Deliver service: %s", match.Service.Name),
		},
		{
			Type:        agreement.TermPayment,
			Description: fmt.Sprintf("Pay %s %s on completion", price, match.Service.Pricing.Currency),
			Value:       &value,
		},
		{
			Type:        agreement.TermDeadline,
			Description: "Complete delivery by the agreed deadline",
			DueDate:     deadline,
		},
	}
	terms = append(terms, customTerms...)
	draft := &agreement.Agreement{
		Title:       fmt.Sprintf("Service agreement: %s", match.Service.Name),
		Description: match.Service.Capability.Description,
		Parties: []agreement.Party{
			{Address: buyer, Role: "buyer"},
			{Address: match.Agent.Address, Role: "seller"},
		},
		Terms:      terms,
		TotalValue: price.String(),
		Currency:   match.Service.Pricing.Currency,
		StartDate:  e.nowFn(),
		EndDate:    deadline,
	}
	created, err := e.agreements.Create(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("discovery: draft agreement: %w", err)
	}
	return created, nil
}

// QuickHire runs discovery and immediately negotiates with the top match at
// the request's budget and deadline.
func (e *Engine) QuickHire(ctx context.Context, req *Request) (*Match, *Outcome, error) {
	matches, err := e.Discover(req)
	if err != nil {
		return nil, nil, err
	}
	if len(matches) == 0 {
		return nil, nil, ErrNoMatch
	}
	best := matches[0]
	outcome, err := e.Negotiate(ctx, best, req.MaxPrice, req.Deadline, nil, req.Buyer)
	if err != nil {
		return best, nil, err
	}
	return best, outcome, nil
}
