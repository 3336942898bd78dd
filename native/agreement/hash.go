package agreement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalParty is the hash-relevant projection of a party. Signatures and
// signing timestamps never feed the hash.
type canonicalParty struct {
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
}

// canonicalTerm excludes the Completed flag: term completion is execution
// state, not contractual content, so completing a term leaves the hash
// stable.
type canonicalTerm struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Value       *float64 `json:"value,omitempty"`
	DueDate     int64    `json:"dueDate,omitempty"`
}

// canonicalAgreement pins the field order of the hash input. encoding/json
// marshals struct fields in declaration order, which makes the serialisation
// deterministic without a custom encoder.
type canonicalAgreement struct {
	ID                  string           `json:"id"`
	Title               string           `json:"title"`
	Description         string           `json:"description,omitempty"`
	Parties             []canonicalParty `json:"parties"`
	Terms               []canonicalTerm  `json:"terms,omitempty"`
	TotalValue          string           `json:"totalValue,omitempty"`
	Currency            string           `json:"currency,omitempty"`
	StartDate           int64            `json:"startDate,omitempty"`
	EndDate             int64            `json:"endDate,omitempty"`
	EscrowID            string           `json:"escrowId,omitempty"`
	Version             int              `json:"version"`
	PreviousVersionHash string           `json:"previousVersionHash,omitempty"`
}

// CanonicalJSON serialises the hash-relevant content of the agreement.
func CanonicalJSON(a *Agreement) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("agreement: nil agreement")
	}
	canonical := canonicalAgreement{
		ID:                  a.ID,
		Title:               a.Title,
		Description:         a.Description,
		Parties:             make([]canonicalParty, len(a.Parties)),
		TotalValue:          a.TotalValue,
		Currency:            a.Currency,
		StartDate:           a.StartDate,
		EndDate:             a.EndDate,
		EscrowID:            a.EscrowID,
		Version:             a.Version,
		PreviousVersionHash: a.PreviousVersionHash,
	}
	for i, p := range a.Parties {
		canonical.Parties[i] = canonicalParty{Address: p.Address, Role: p.Role}
	}
	if len(a.Terms) > 0 {
		canonical.Terms = make([]canonicalTerm, len(a.Terms))
		for i, term := range a.Terms {
			canonical.Terms[i] = canonicalTerm{
				ID:          term.ID,
				Type:        term.Type,
				Description: term.Description,
				Value:       term.Value,
				DueDate:     term.DueDate,
			}
		}
	}
	return json.Marshal(canonical)
}

// HashAgreement returns the lowercase hex SHA-256 of the canonical content.
func HashAgreement(a *Agreement) (string, error) {
	payload, err := CanonicalJSON(a)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:]), nil
}
