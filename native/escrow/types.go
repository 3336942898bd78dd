package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of an escrow.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
	StatusExpired  Status = "expired"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// ConditionType selects the evaluation strategy for a release or refund
// condition.
type ConditionType string

const (
	ConditionTime      ConditionType = "time"
	ConditionSignature ConditionType = "signature"
	ConditionOracle    ConditionType = "oracle"
	ConditionCustom    ConditionType = "custom"
)

// Condition gates a release or refund. Value is interpreted per type: a unix
// millisecond timestamp for time, an on-chain transaction signature for
// signature, an encoded feed query for oracle, and a registered evaluator
// name for custom.
type Condition struct {
	Type        ConditionType `json:"type"`
	Value       string        `json:"value"`
	Description string        `json:"description,omitempty"`
}

// ChainSolana is the only settlement chain currently wired.
const ChainSolana = "solana"

// Escrow holds funds between a buyer and seller until its release or refund
// conditions are met. Amount is a decimal string in the token's smallest
// unit.
type Escrow struct {
	ID                string      `json:"id"`
	Chain             string      `json:"chain"`
	Buyer             string      `json:"buyer"`
	Seller            string      `json:"seller"`
	Arbiter           string      `json:"arbiter,omitempty"`
	Amount            string      `json:"amount"`
	TokenMint         string      `json:"tokenMint,omitempty"`
	ReleaseConditions []Condition `json:"releaseConditions,omitempty"`
	RefundConditions  []Condition `json:"refundConditions,omitempty"`
	ExpiresAt         int64       `json:"expiresAt,omitempty"`
	Description       string      `json:"description,omitempty"`
	AgreementHash     string      `json:"agreementHash,omitempty"`
	Status            Status      `json:"status"`
	EscrowAddress     string      `json:"escrowAddress,omitempty"`
	TxSignatures      []string    `json:"txSignatures,omitempty"`
	CreatedAt         int64       `json:"createdAt"`
	FundedAt          int64       `json:"fundedAt,omitempty"`
	CompletedAt       int64       `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if len(e.ReleaseConditions) > 0 {
		clone.ReleaseConditions = append([]Condition(nil), e.ReleaseConditions...)
	}
	if len(e.RefundConditions) > 0 {
		clone.RefundConditions = append([]Condition(nil), e.RefundConditions...)
	}
	if len(e.TxSignatures) > 0 {
		clone.TxSignatures = append([]string(nil), e.TxSignatures...)
	}
	return &clone
}

// AmountInt parses the escrow amount into a big integer. A malformed amount
// parses as zero; Sanitize rejects those before they reach the engine.
func (e *Escrow) AmountInt() *big.Int {
	amt, ok := new(big.Int).SetString(strings.TrimSpace(e.Amount), 10)
	if !ok {
		return big.NewInt(0)
	}
	return amt
}

// HasSignature reports whether the transaction signature already appears in
// the append-only signature log.
func (e *Escrow) HasSignature(txSig string) bool {
	needle := strings.TrimSpace(txSig)
	for _, sig := range e.TxSignatures {
		if sig == needle {
			return true
		}
	}
	return false
}

// HasArbiter reports whether a third-party arbiter is assigned.
func (e *Escrow) HasArbiter() bool {
	return strings.TrimSpace(e.Arbiter) != ""
}

// Sanitize validates and normalises an escrow draft, returning a cloned
// instance. The original value is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	clone := e.Clone()
	if clone.Chain == "" {
		clone.Chain = ChainSolana
	}
	if clone.Chain != ChainSolana {
		return nil, fmt.Errorf("escrow: unsupported chain: %s", clone.Chain)
	}
	clone.Buyer = strings.TrimSpace(clone.Buyer)
	clone.Seller = strings.TrimSpace(clone.Seller)
	clone.Arbiter = strings.TrimSpace(clone.Arbiter)
	if clone.Buyer == "" || clone.Seller == "" {
		return nil, fmt.Errorf("escrow: buyer and seller required")
	}
	if clone.Buyer == clone.Seller {
		return nil, fmt.Errorf("escrow: buyer and seller must differ")
	}
	amt, ok := new(big.Int).SetString(strings.TrimSpace(clone.Amount), 10)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be a positive decimal integer string: %q", clone.Amount)
	}
	clone.Amount = amt.String()
	for _, cond := range append(append([]Condition(nil), clone.ReleaseConditions...), clone.RefundConditions...) {
		switch cond.Type {
		case ConditionTime, ConditionSignature, ConditionOracle, ConditionCustom:
		default:
			return nil, fmt.Errorf("escrow: unsupported condition type: %s", cond.Type)
		}
		if strings.TrimSpace(cond.Value) == "" {
			return nil, fmt.Errorf("escrow: condition value required for type %s", cond.Type)
		}
	}
	return clone, nil
}
