// Package instrument defines the fixed set of instruments a session quotes
// and the plaintext bounds every price and amount must satisfy before any
// encryption call is made (fail fast, no wasted provider calls).
package instrument

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInstrument is returned for an id outside the supported range.
	ErrInvalidInstrument = errors.New("instrument: id out of supported range")

	// ErrInvalidPrice is returned for a price outside (0, MaxPrice].
	ErrInvalidPrice = errors.New("instrument: price out of bounds")

	// ErrInvalidAmount is returned for an amount outside (0, MaxAmount].
	ErrInvalidAmount = errors.New("instrument: amount out of bounds")
)

// ID is a strongly-typed instrument identifier. Valid ids are [0, Count).
type ID uint8

// Count is the number of instruments quoted per session. A session carries
// exactly one encrypted reference price per instrument, addressed by ID.
const Count = 5

// symbols maps IDs to display symbols. Positional: symbols[ID].
var symbols = [Count]string{
	"BTC-PERP",
	"ETH-PERP",
	"SOL-PERP",
	"AVAX-PERP",
	"LINK-PERP",
}

// Price and amount ceilings in base units. Caps keep every cleartext well
// inside uint64 so fee math (amount * feeBps) cannot overflow.
const (
	MaxPrice  uint64 = 1_000_000_000_000
	MaxAmount uint64 = 1_000_000_000_000
)

// Parse validates a raw instrument id.
func Parse(raw uint64) (ID, error) {
	if raw >= Count {
		return 0, fmt.Errorf("%w: %d (supported 0..%d)", ErrInvalidInstrument, raw, Count-1)
	}
	return ID(raw), nil
}

// Symbol returns the display symbol for id.
func (id ID) Symbol() string {
	if int(id) >= Count {
		return fmt.Sprintf("UNKNOWN-%d", id)
	}
	return symbols[id]
}

// ValidatePrice checks a plaintext price against the venue bounds.
func ValidatePrice(price uint64) error {
	if price == 0 || price > MaxPrice {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	return nil
}

// ValidateAmount checks a plaintext amount against the venue bounds.
func ValidateAmount(amount uint64) error {
	if amount == 0 || amount > MaxAmount {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

// ValidatePrices checks a full per-instrument price vector. Any single
// invalid entry fails the whole set (all-or-nothing).
func ValidatePrices(prices []uint64) error {
	if len(prices) != Count {
		return fmt.Errorf("%w: expected %d prices, got %d", ErrInvalidPrice, Count, len(prices))
	}
	for i, p := range prices {
		if err := ValidatePrice(p); err != nil {
			return fmt.Errorf("instrument %d: %w", i, err)
		}
	}
	return nil
}
