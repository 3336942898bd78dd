package oracles

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
)

// Switchboard aggregator layout: the latest result is a little-endian i128
// mantissa at byte 217 with a little-endian u32 decimal scale at byte 233.
const (
	switchboardMantissaOffset = 217
	switchboardScaleOffset    = 233
	switchboardMinAccount     = switchboardScaleOffset + 4
)

// SwitchboardSource decodes Switchboard aggregator accounts.
type SwitchboardSource struct {
	fetcher AccountFetcher
}

// NewSwitchboardSource constructs a Switchboard source over the given
// account fetcher.
func NewSwitchboardSource(fetcher AccountFetcher) *SwitchboardSource {
	return &SwitchboardSource{fetcher: fetcher}
}

// FetchValue reads the latest aggregator result from the account at ref.
func (s *SwitchboardSource) FetchValue(ctx context.Context, ref, _ string) (float64, error) {
	data, err := s.fetcher.AccountData(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("switchboard account %s: %w", ref, err)
	}
	return decodeSwitchboardResult(data)
}

func decodeSwitchboardResult(data []byte) (float64, error) {
	if len(data) < switchboardMinAccount {
		return 0, fmt.Errorf("switchboard account too short: %d bytes", len(data))
	}
	lo := binary.LittleEndian.Uint64(data[switchboardMantissaOffset:])
	hi := int64(binary.LittleEndian.Uint64(data[switchboardMantissaOffset+8:]))
	mantissa := new(big.Int).Lsh(big.NewInt(hi), 64)
	mantissa.Add(mantissa, new(big.Int).SetUint64(lo))
	scale := binary.LittleEndian.Uint32(data[switchboardScaleOffset:])
	value, _ := new(big.Float).SetInt(mantissa).Float64()
	return value / math.Pow10(int(scale)), nil
}
