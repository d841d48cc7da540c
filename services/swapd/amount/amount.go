// Package amount converts between fiat amounts and bitcoin units at a
// fiat-per-BTC rate. Fiat to bitcoin conversions floor so the platform never
// delivers more bitcoin than the fiat received covers.
package amount

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// MsatsPerSat is the millisatoshi scale.
const MsatsPerSat = 1000

var (
	// ErrInvalidRate is returned for non-positive rates.
	ErrInvalidRate = errors.New("amount: rate must be positive")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount: amount must be positive")
	// ErrOverflow is returned when the result does not fit in int64.
	ErrOverflow = errors.New("amount: result overflows")
)

var (
	satsPerBTC  = decimal.NewFromInt(btcutil.SatoshiPerBitcoin)
	msatsPerBTC = satsPerBTC.Mul(decimal.NewFromInt(MsatsPerSat))
	maxInt64    = decimal.NewFromInt(1<<63 - 1)
)

// FiatToSats returns floor(fiat / rate * 10^8).
func FiatToSats(fiat, rate decimal.Decimal) (int64, error) {
	return convert(fiat, rate, satsPerBTC)
}

// FiatToMsats returns floor(fiat / rate * 10^11).
func FiatToMsats(fiat, rate decimal.Decimal) (int64, error) {
	return convert(fiat, rate, msatsPerBTC)
}

func convert(fiat, rate, scale decimal.Decimal) (int64, error) {
	if !rate.IsPositive() {
		return 0, ErrInvalidRate
	}
	if !fiat.IsPositive() {
		return 0, ErrInvalidAmount
	}
	// Scale before dividing so the quotient is exact before the floor.
	q, _ := fiat.Mul(scale).QuoRem(rate, 0)
	if q.GreaterThan(maxInt64) {
		return 0, ErrOverflow
	}
	return q.IntPart(), nil
}

// SatsToFiat estimates the fiat value of sats. It is informational only.
func SatsToFiat(sats int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(sats).Div(satsPerBTC).Mul(rate)
}

// MsatsToSats floors millisatoshis to whole satoshis.
func MsatsToSats(msats int64) int64 {
	return msats / MsatsPerSat
}
