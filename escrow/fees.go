package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ProtocolFeeBps is the fixed protocol fee charged on every payout,
// independent of the platform fee: 0.3% of the total.
const ProtocolFeeBps = 30

// MaxPlatformFeeBps bounds the platform fee. Platform fee plus protocol fee
// must stay below 100% so the receiver amount can never go negative; the
// bound is enforced at input validation rather than clamped at payout time.
const MaxPlatformFeeBps = 10_000 - ProtocolFeeBps

const maxPlatformFeePercent = "99.7"

const bpsDenominator = 10_000

// ErrInvalidFee describes malformed or out-of-range fee inputs.
var ErrInvalidFee = errors.New("escrow: invalid fee")

// ErrInvalidAmount describes malformed amount strings.
var ErrInvalidAmount = errors.New("escrow: invalid amount")

// Distribution is the deterministic fee split applied when funds leave the
// escrow. Amounts are minor units; the three parts always sum to exactly the
// total that was distributed.
type Distribution struct {
	ReceiverAmount    *big.Int `json:"receiverAmount"`
	PlatformFeeAmount *big.Int `json:"platformFeeAmount"`
	ProtocolFeeAmount *big.Int `json:"protocolFeeAmount"`
}

// Total returns the sum of the three parts.
func (d Distribution) Total() *big.Int {
	total := big.NewInt(0)
	if d.ReceiverAmount != nil {
		total.Add(total, d.ReceiverAmount)
	}
	if d.PlatformFeeAmount != nil {
		total.Add(total, d.PlatformFeeAmount)
	}
	if d.ProtocolFeeAmount != nil {
		total.Add(total, d.ProtocolFeeAmount)
	}
	return total
}

// ComputeDistribution splits totalAmount between receiver, platform and
// protocol. Fees are floored at integer division; the receiver takes the
// exact remainder, so conservation holds without rounding drift.
func ComputeDistribution(totalAmount *big.Int, platformFeeBps uint32) (Distribution, error) {
	if totalAmount == nil || totalAmount.Sign() < 0 {
		return Distribution{}, fmt.Errorf("%w: total amount must be non-negative", ErrInvalidAmount)
	}
	if platformFeeBps >= MaxPlatformFeeBps {
		return Distribution{}, fmt.Errorf("%w: platform fee must be below %s%%", ErrInvalidFee, maxPlatformFeePercent)
	}
	platformFee := new(big.Int).Mul(totalAmount, new(big.Int).SetUint64(uint64(platformFeeBps)))
	platformFee.Div(platformFee, big.NewInt(bpsDenominator))
	protocolFee := new(big.Int).Mul(totalAmount, big.NewInt(ProtocolFeeBps))
	protocolFee.Div(protocolFee, big.NewInt(bpsDenominator))
	receiver := new(big.Int).Sub(totalAmount, platformFee)
	receiver.Sub(receiver, protocolFee)
	return Distribution{
		ReceiverAmount:    receiver,
		PlatformFeeAmount: platformFee,
		ProtocolFeeAmount: protocolFee,
	}, nil
}

// ParseFeePercent converts a percentage string with at most two decimal
// places into basis points and enforces the platform fee bound.
func ParseFeePercent(s string) (uint32, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: fee percent required", ErrInvalidFee)
	}
	whole, frac, err := splitDecimal(trimmed, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFee, err)
	}
	bps := whole*100 + frac
	if bps >= MaxPlatformFeeBps {
		return 0, fmt.Errorf("%w: platform fee must be below %s%%", ErrInvalidFee, maxPlatformFeePercent)
	}
	return uint32(bps), nil
}

// ParseAmount converts a decimal amount string into minor units at the given
// trustline precision. At most two decimal places are accepted, matching the
// platform's amount entry rules.
func ParseAmount(s string, decimals uint32) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	whole, frac, err := splitDecimal(trimmed, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, err)
	}
	// whole.frac is a fixed-point value with two fractional digits.
	cents := new(big.Int).SetUint64(whole*100 + frac)
	switch {
	case decimals >= 2:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
		return cents.Mul(cents, scale), nil
	default:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(2-decimals)), nil)
		quo, rem := new(big.Int).QuoRem(cents, scale, new(big.Int))
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("%w: %q exceeds trustline precision", ErrInvalidAmount, s)
		}
		return quo, nil
	}
}

// FormatAmount renders minor units back into a decimal string at the given
// trustline precision.
func FormatAmount(v *big.Int, decimals uint32) string {
	if v == nil {
		v = big.NewInt(0)
	}
	if decimals == 0 {
		return v.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quo, rem := new(big.Int).QuoRem(new(big.Int).Abs(v), scale, new(big.Int))
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
	}
	frac := strings.TrimRight(fmt.Sprintf("%0*d", decimals, rem), "0")
	if frac == "" {
		return sign + quo.String()
	}
	return fmt.Sprintf("%s%s.%s", sign, quo, frac)
}

// splitDecimal parses "whole[.frac]" with at most maxFrac fractional digits,
// returning the whole part and the fraction scaled to exactly maxFrac
// digits.
func splitDecimal(s string, maxFrac int) (uint64, uint64, error) {
	parts := strings.SplitN(s, ".", 2)
	if parts[0] == "" {
		return 0, 0, fmt.Errorf("missing integer part in %q", s)
	}
	var whole uint64
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			return 0, 0, fmt.Errorf("non-numeric value %q", s)
		}
		whole = whole*10 + uint64(r-'0')
	}
	var frac uint64
	if len(parts) == 2 {
		if parts[1] == "" || len(parts[1]) > maxFrac {
			return 0, 0, fmt.Errorf("at most %d decimal places allowed in %q", maxFrac, s)
		}
		digits := parts[1]
		for _, r := range digits {
			if r < '0' || r > '9' {
				return 0, 0, fmt.Errorf("non-numeric value %q", s)
			}
			frac = frac*10 + uint64(r-'0')
		}
		for i := len(digits); i < maxFrac; i++ {
			frac *= 10
		}
	}
	return whole, frac, nil
}
