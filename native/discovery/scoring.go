package discovery

import (
	"math"
	"math/big"
	"strings"

	"acpcore/native/registry"
)

// Subscore weights. They sum to 1.0.
const (
	weightRelevance    = 0.35
	weightReputation   = 0.25
	weightPrice        = 0.20
	weightAvailability = 0.10
	weightExperience   = 0.10
)

// Reason tags attached to matches that excel on a dimension.
const (
	reasonRelevant     = "Highly relevant"
	reasonReputation   = "Excellent reputation"
	reasonValue        = "Great value for price"
	reasonExperienced  = "Experienced provider"
	reasonAvailability = "High availability SLA"
)

// Breakdown carries the five subscores, each in [0,100].
type Breakdown struct {
	Relevance    float64 `json:"relevance"`
	Reputation   float64 `json:"reputation"`
	Price        float64 `json:"price"`
	Availability float64 `json:"availability"`
	Experience   float64 `json:"experience"`
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// relevanceScore rewards category match, capability coverage and word
// overlap with the stated need.
func relevanceScore(svc *registry.ServiceListing, req *Request) float64 {
	haystack := strings.ToLower(svc.Capability.Name + " " + svc.Capability.Description)
	score := 0.0
	for _, cat := range req.Categories {
		if strings.EqualFold(strings.TrimSpace(cat), svc.Capability.Category) {
			score += 30
			break
		}
	}
	score += 40 * capabilityCoverage(haystack, req.RequiredCapabilities)
	score += 20 * capabilityCoverage(haystack, req.PreferredCapabilities)
	score += 10 * wordOverlap(req.Need, haystack)
	return clamp(score)
}

// capabilityCoverage returns the fraction of wanted capabilities appearing
// as substrings in the haystack.
func capabilityCoverage(haystack string, wanted []string) float64 {
	if len(wanted) == 0 {
		return 0
	}
	hits := 0
	for _, cap := range wanted {
		if strings.Contains(haystack, strings.ToLower(strings.TrimSpace(cap))) {
			hits++
		}
	}
	return float64(hits) / float64(len(wanted))
}

// wordOverlap returns the fraction of the need's words longer than three
// characters that appear in the haystack.
func wordOverlap(need, haystack string) float64 {
	words := strings.Fields(strings.ToLower(need))
	long := 0
	hits := 0
	for _, word := range words {
		if len(word) <= 3 {
			continue
		}
		long++
		if strings.Contains(haystack, word) {
			hits++
		}
	}
	if long == 0 {
		return 0
	}
	return float64(hits) / float64(long)
}

func reputationScore(rep registry.Reputation) float64 {
	score := 50*(rep.AverageRating/5) +
		math.Min(30, 10*math.Log10(float64(rep.TotalTransactions)+1)) +
		15*rep.SuccessRate() -
		20*rep.DisputeRate
	return clamp(score)
}

// priceScore rewards headroom under the budget. No budget scores neutral;
// over budget scores zero.
func priceScore(price *big.Int, budget *big.Int) float64 {
	if budget == nil || budget.Sign() <= 0 {
		return 50
	}
	if price.Cmp(budget) > 0 {
		return 0
	}
	headroom := new(big.Float).SetInt(new(big.Int).Sub(budget, price))
	ratio, _ := new(big.Float).Quo(headroom, new(big.Float).SetInt(budget)).Float64()
	return clamp(50 + 50*ratio)
}

func availabilityScore(svc *registry.ServiceListing) float64 {
	if !svc.Enabled {
		return 0
	}
	if svc.SLA == nil {
		return 50
	}
	score := 50 + 2*(svc.SLA.AvailabilityPercent-90)
	switch {
	case svc.SLA.MaxResponseTimeMs > 0 && svc.SLA.MaxResponseTimeMs <= 1000:
		score += 20
	case svc.SLA.MaxResponseTimeMs > 0 && svc.SLA.MaxResponseTimeMs <= 5000:
		score += 10
	}
	return clamp(score)
}

func experienceScore(rep registry.Reputation) float64 {
	return math.Min(100, 25*math.Log10(float64(rep.TotalTransactions)+1))
}

// score computes the breakdown, weighted total and reason tags for one
// candidate pair.
func score(svc *registry.ServiceListing, agent *registry.AgentProfile, req *Request) (float64, Breakdown, []string) {
	b := Breakdown{
		Relevance:    relevanceScore(svc, req),
		Reputation:   reputationScore(agent.Reputation),
		Price:        priceScore(svc.Pricing.AmountInt(), req.MaxPrice),
		Availability: availabilityScore(svc),
		Experience:   experienceScore(agent.Reputation),
	}
	total := weightRelevance*b.Relevance +
		weightReputation*b.Reputation +
		weightPrice*b.Price +
		weightAvailability*b.Availability +
		weightExperience*b.Experience

	reasons := make([]string, 0, 5)
	if b.Relevance >= 70 {
		reasons = append(reasons, reasonRelevant)
	}
	if b.Reputation >= 80 {
		reasons = append(reasons, reasonReputation)
	}
	if b.Price >= 75 {
		reasons = append(reasons, reasonValue)
	}
	if b.Experience >= 50 {
		reasons = append(reasons, reasonExperienced)
	}
	if b.Availability >= 70 {
		reasons = append(reasons, reasonAvailability)
	}
	return total, b, reasons
}
