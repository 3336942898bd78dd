package registry

import (
	"fmt"
	"math/big"
	"strings"
)

// AgentStatus represents the lifecycle states of a commerce agent profile.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentInactive  AgentStatus = "inactive"
	AgentSuspended AgentStatus = "suspended"
)

// Valid reports whether the status value is within the supported range.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentSuspended:
		return true
	default:
		return false
	}
}

// Capability categories recognised by the service index.
const (
	CategoryCompute    = "compute"
	CategoryData       = "data"
	CategoryAnalytics  = "analytics"
	CategoryTrading    = "trading"
	CategoryContent    = "content"
	CategoryResearch   = "research"
	CategoryAutomation = "automation"
	CategoryOther      = "other"
)

// NormalizeCategory validates a capability category and returns its canonical
// lowercase form.
func NormalizeCategory(category string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(category))
	switch trimmed {
	case CategoryCompute, CategoryData, CategoryAnalytics, CategoryTrading,
		CategoryContent, CategoryResearch, CategoryAutomation, CategoryOther:
		return trimmed, nil
	default:
		return "", fmt.Errorf("registry: unsupported capability category: %s", category)
	}
}

// Pricing models recognised by service listings.
const (
	PricingPerRequest = "per_request"
	PricingPerMinute  = "per_minute"
	PricingPerToken   = "per_token"
	PricingFlat       = "flat"
	PricingCustom     = "custom"
)

// NormalizePricingModel validates a pricing model string.
func NormalizePricingModel(model string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(model))
	switch trimmed {
	case PricingPerRequest, PricingPerMinute, PricingPerToken, PricingFlat, PricingCustom:
		return trimmed, nil
	default:
		return "", fmt.Errorf("registry: unsupported pricing model: %s", model)
	}
}

// Capability describes a single declared skill of an agent or the embedded
// capability of a service listing.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
}

// Pricing carries the integer-typed amount as a decimal string to avoid float
// drift on money values.
type Pricing struct {
	Model    string `json:"model"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// AmountInt parses the pricing amount into a big integer. A missing or
// malformed amount parses as zero.
func (p Pricing) AmountInt() *big.Int {
	amt, ok := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
	if !ok {
		return big.NewInt(0)
	}
	return amt
}

// SLA captures the optional service level declaration of a listing.
type SLA struct {
	AvailabilityPercent float64 `json:"availabilityPercent,omitempty"`
	MaxResponseTimeMs   int64   `json:"maxResponseTimeMs,omitempty"`
	MaxThroughput       int64   `json:"maxThroughput,omitempty"`
}

// ServiceListing is a priced, categorised capability offered by exactly one
// agent.
type ServiceListing struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	Name       string     `json:"name"`
	Capability Capability `json:"capability"`
	Pricing    Pricing    `json:"pricing"`
	SLA        *SLA       `json:"sla,omitempty"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  int64      `json:"createdAt"`
	UpdatedAt  int64      `json:"updatedAt"`
}

// Clone returns a deep copy of the listing.
func (s *ServiceListing) Clone() *ServiceListing {
	if s == nil {
		return nil
	}
	clone := *s
	if s.SLA != nil {
		sla := *s.SLA
		clone.SLA = &sla
	}
	return &clone
}

// Reputation aggregates transaction and rating history for an agent. Fields
// are only mutated through RateService and RecordTransaction.
type Reputation struct {
	TotalTransactions      int64   `json:"totalTransactions"`
	SuccessfulTransactions int64   `json:"successfulTransactions"`
	AverageRating          float64 `json:"averageRating"`
	TotalRatings           int64   `json:"totalRatings"`
	ResponseTimeAvgMs      float64 `json:"responseTimeAvgMs"`
	DisputeRate            float64 `json:"disputeRate"`
}

// SuccessRate returns the fraction of successful transactions, zero when no
// transactions were recorded.
func (r Reputation) SuccessRate() float64 {
	if r.TotalTransactions == 0 {
		return 0
	}
	return float64(r.SuccessfulTransactions) / float64(r.TotalTransactions)
}

// AgentProfile is the commerce-plane identity of an agent.
type AgentProfile struct {
	ID           string       `json:"id"`
	Address      string       `json:"address"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Status       AgentStatus  `json:"status"`
	Reputation   Reputation   `json:"reputation"`
	CreatedAt    int64        `json:"createdAt"`
	UpdatedAt    int64        `json:"updatedAt"`
}

// Clone returns a deep copy of the profile so callers can safely mutate the
// copy without affecting the cached instance.
func (a *AgentProfile) Clone() *AgentProfile {
	if a == nil {
		return nil
	}
	clone := *a
	if len(a.Capabilities) > 0 {
		clone.Capabilities = append([]Capability(nil), a.Capabilities...)
	}
	return &clone
}

// Rating is a single 1..5 star review of a service.
type Rating struct {
	ID            string `json:"id"`
	ServiceID     string `json:"serviceId"`
	RaterAddress  string `json:"raterAddress"`
	Rating        int    `json:"rating"`
	Review        string `json:"review,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// SanitizeProfile validates and normalises an agent profile, returning a
// cloned instance. The original value is not mutated.
func SanitizeProfile(a *AgentProfile) (*AgentProfile, error) {
	if a == nil {
		return nil, fmt.Errorf("registry: nil agent profile")
	}
	clone := a.Clone()
	clone.Address = strings.TrimSpace(clone.Address)
	if clone.Address == "" {
		return nil, fmt.Errorf("registry: agent address required")
	}
	clone.Name = strings.TrimSpace(clone.Name)
	if clone.Name == "" {
		return nil, fmt.Errorf("registry: agent name required")
	}
	if clone.Status == "" {
		clone.Status = AgentActive
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("registry: invalid agent status: %s", clone.Status)
	}
	for i := range clone.Capabilities {
		category, err := NormalizeCategory(clone.Capabilities[i].Category)
		if err != nil {
			return nil, err
		}
		clone.Capabilities[i].Category = category
	}
	return clone, nil
}

// SanitizeListing validates and normalises a service listing.
func SanitizeListing(s *ServiceListing) (*ServiceListing, error) {
	if s == nil {
		return nil, fmt.Errorf("registry: nil service listing")
	}
	clone := s.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	if clone.Name == "" {
		clone.Name = clone.Capability.Name
	}
	category, err := NormalizeCategory(clone.Capability.Category)
	if err != nil {
		return nil, err
	}
	clone.Capability.Category = category
	model, err := NormalizePricingModel(clone.Pricing.Model)
	if err != nil {
		return nil, err
	}
	clone.Pricing.Model = model
	if _, ok := new(big.Int).SetString(strings.TrimSpace(clone.Pricing.Amount), 10); !ok {
		return nil, fmt.Errorf("registry: pricing amount must be a decimal integer string: %q", clone.Pricing.Amount)
	}
	return clone, nil
}
