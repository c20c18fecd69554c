package swap

import (
	"encoding/hex"
	"strings"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/shopspring/decimal"
)

// DexFeeKind tells which shape a dex fee has.
type DexFeeKind string

const (
	NoFee       DexFeeKind = "NoFee"
	StandardFee DexFeeKind = "Standard"
	WithBurnFee DexFeeKind = "WithBurn"
)

// DexFee is the fee the taker pays to the exchange, optionally split into a
// fee part and a burned part.
type DexFee struct {
	Fee  decimal.Decimal `json:"fee"`
	Burn decimal.Decimal `json:"burn"`
}

// Kind returns the fee shape.
func (d DexFee) Kind() DexFeeKind {
	switch {
	case d.Fee.IsZero() && d.Burn.IsZero():
		return NoFee
	case d.Burn.IsZero():
		return StandardFee
	default:
		return WithBurnFee
	}
}

// Total returns fee plus burn.
func (d DexFee) Total() decimal.Decimal {
	return d.Fee.Add(d.Burn)
}

// Equal reports whether both parts are within one unit of decimals.
func (d DexFee) Equal(other DexFee, decimals uint8) bool {
	return helpers.WithinPrecision(d.Fee, other.Fee, decimals) &&
		helpers.WithinPrecision(d.Burn, other.Burn, decimals)
}

// ComputeDexFee returns the dex fee of a trade. takerPub is the taker's
// identity key; nil means it is not known yet. Amounts are rounded down to
// the taker coin's decimals and every output is at least MinTxAmount. A
// burn part that would fall below it stays in the fee.
func ComputeDexFee(cfg config.DexFeeConfig, makerTicker string, takerCoin *chain.Params, takerVolume decimal.Decimal, takerPub []byte) DexFee {
	if cfg.IsNative(makerTicker) || cfg.IsNative(takerCoin.Symbol) {
		return DexFee{}
	}
	if len(takerPub) > 0 && strings.EqualFold(hex.EncodeToString(takerPub), cfg.FeePubkey) {
		return DexFee{}
	}

	places := int32(takerCoin.Decimals)
	minAmount := takerCoin.MinTxAmount

	rate := cfg.StandardRate
	if cfg.IsDiscounted(makerTicker) || cfg.IsDiscounted(takerCoin.Symbol) {
		rate = rate.Mul(cfg.DiscountRate)
	}
	total := takerVolume.Mul(rate).RoundFloor(places)
	if total.LessThan(minAmount) {
		total = minAmount
	}

	share := cfg.BurnShareFor(takerCoin.Symbol)
	if !share.IsPositive() {
		return DexFee{Fee: total}
	}
	fee := total.Sub(total.Mul(share)).RoundFloor(places)
	burn := total.Sub(fee)
	if fee.LessThan(minAmount) || burn.LessThan(minAmount) {
		return DexFee{Fee: total}
	}
	return DexFee{Fee: fee, Burn: burn}
}
