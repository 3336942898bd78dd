package agreement

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of an agreement.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusProposed  Status = "proposed"
	StatusSigned    Status = "signed"
	StatusExecuted  Status = "executed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusProposed, StatusSigned, StatusExecuted,
		StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	default:
		return false
	}
}

// Term types recognised by the sanitizer.
const (
	TermDeliverable = "deliverable"
	TermPayment     = "payment"
	TermDeadline    = "deadline"
	TermCondition   = "condition"
	TermCustom      = "custom"
)

// NormalizeTermType validates a term type string and returns its canonical
// lowercase form.
func NormalizeTermType(termType string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(termType))
	switch trimmed {
	case TermDeliverable, TermPayment, TermDeadline, TermCondition, TermCustom:
		return trimmed, nil
	default:
		return "", fmt.Errorf("agreement: unsupported term type: %s", termType)
	}
}

// Party is one signer of an agreement. Signature holds the encoded signature
// envelope once the party has signed.
type Party struct {
	Address   string `json:"address"`
	Role      string `json:"role"`
	Signature string `json:"signature,omitempty"`
	SignedAt  int64  `json:"signedAt,omitempty"`
}

// Signed reports whether the party has attached a signature.
func (p Party) Signed() bool {
	return strings.TrimSpace(p.Signature) != ""
}

// Term is a single obligation within an agreement. Value is optional and
// carries a numeric quantity where the term type needs one.
type Term struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Value       *float64 `json:"value,omitempty"`
	DueDate     int64    `json:"dueDate,omitempty"`
	Completed   bool     `json:"completed"`
}

// Agreement is a multi-party contract with a content-addressed hash. The hash
// covers the contractual content only; signatures, status and term completion
// flags do not feed it.
type Agreement struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	Parties             []Party `json:"parties"`
	Terms               []Term  `json:"terms,omitempty"`
	TotalValue          string  `json:"totalValue,omitempty"`
	Currency            string  `json:"currency,omitempty"`
	StartDate           int64   `json:"startDate,omitempty"`
	EndDate             int64   `json:"endDate,omitempty"`
	EscrowID            string  `json:"escrowId,omitempty"`
	Status              Status  `json:"status"`
	Hash                string  `json:"hash,omitempty"`
	Version             int     `json:"version"`
	PreviousVersionHash string  `json:"previousVersionHash,omitempty"`
	CreatedAt           int64   `json:"createdAt"`
	UpdatedAt           int64   `json:"updatedAt"`
}

// Clone returns a deep copy of the agreement.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	if len(a.Parties) > 0 {
		clone.Parties = append([]Party(nil), a.Parties...)
	}
	if len(a.Terms) > 0 {
		clone.Terms = make([]Term, len(a.Terms))
		for i, term := range a.Terms {
			clone.Terms[i] = term
			if term.Value != nil {
				v := *term.Value
				clone.Terms[i].Value = &v
			}
		}
	}
	return &clone
}

// Party returns a pointer to the party with the given address, nil when the
// address is not a participant.
func (a *Agreement) Party(address string) *Party {
	needle := strings.TrimSpace(address)
	for i := range a.Parties {
		if a.Parties[i].Address == needle {
			return &a.Parties[i]
		}
	}
	return nil
}

// FullySigned reports whether every party has attached a signature.
func (a *Agreement) FullySigned() bool {
	if len(a.Parties) == 0 {
		return false
	}
	for _, p := range a.Parties {
		if !p.Signed() {
			return false
		}
	}
	return true
}

// Sanitize validates and normalises an agreement draft, returning a cloned
// instance. The original value is not mutated.
func Sanitize(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("agreement: nil agreement")
	}
	clone := a.Clone()
	clone.Title = strings.TrimSpace(clone.Title)
	if clone.Title == "" {
		return nil, fmt.Errorf("agreement: title required")
	}
	if len(clone.Parties) < 2 {
		return nil, fmt.Errorf("agreement: at least two parties required")
	}
	seen := make(map[string]struct{}, len(clone.Parties))
	for i := range clone.Parties {
		addr := strings.TrimSpace(clone.Parties[i].Address)
		if addr == "" {
			return nil, fmt.Errorf("agreement: party address required")
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("agreement: duplicate party address: %s", addr)
		}
		seen[addr] = struct{}{}
		clone.Parties[i].Address = addr
		clone.Parties[i].Role = strings.TrimSpace(clone.Parties[i].Role)
	}
	for i := range clone.Terms {
		termType, err := NormalizeTermType(clone.Terms[i].Type)
		if err != nil {
			return nil, err
		}
		clone.Terms[i].Type = termType
		if strings.TrimSpace(clone.Terms[i].Description) == "" {
			return nil, fmt.Errorf("agreement: term description required")
		}
	}
	if clone.Version < 1 {
		clone.Version = 1
	}
	return clone, nil
}
