package oracles

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Pyth price account layout: the aggregate price mantissa is a little-endian
// i64 at byte 208 and the exponent a little-endian i32 at byte 216.
const (
	pythPriceOffset = 208
	pythExpoOffset  = 216
	pythMinAccount  = pythExpoOffset + 4
)

// AccountFetcher reads raw Solana account data. The chain adapter satisfies
// this.
type AccountFetcher interface {
	AccountData(ctx context.Context, address string) ([]byte, error)
}

// PythSource decodes Pyth price accounts.
type PythSource struct {
	fetcher AccountFetcher
}

// NewPythSource constructs a Pyth source over the given account fetcher.
func NewPythSource(fetcher AccountFetcher) *PythSource {
	return &PythSource{fetcher: fetcher}
}

// FetchValue reads the aggregate price from the account at ref. jsonPath is
// ignored for on-chain sources.
func (p *PythSource) FetchValue(ctx context.Context, ref, _ string) (float64, error) {
	data, err := p.fetcher.AccountData(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("pyth account %s: %w", ref, err)
	}
	return decodePythPrice(data)
}

func decodePythPrice(data []byte) (float64, error) {
	if len(data) < pythMinAccount {
		return 0, fmt.Errorf("pyth account too short: %d bytes", len(data))
	}
	mantissa := int64(binary.LittleEndian.Uint64(data[pythPriceOffset:]))
	expo := int32(binary.LittleEndian.Uint32(data[pythExpoOffset:]))
	return float64(mantissa) * math.Pow10(int(expo)), nil
}
