package instrument_test

import (
	"errors"
	"testing"

	"github.com/veilex/venue-engine/internal/instrument"
)

func TestParse(t *testing.T) {
	for raw := uint64(0); raw < instrument.Count; raw++ {
		id, err := instrument.Parse(raw)
		if err != nil {
			t.Errorf("parse %d: %v", raw, err)
		}
		if id.Symbol() == "" {
			t.Errorf("instrument %d has no symbol", raw)
		}
	}

	if _, err := instrument.Parse(instrument.Count); !errors.Is(err, instrument.ErrInvalidInstrument) {
		t.Errorf("expected ErrInvalidInstrument, got %v", err)
	}
}

func TestValidatePrice(t *testing.T) {
	cases := []struct {
		price uint64
		ok    bool
	}{
		{0, false},
		{1, true},
		{instrument.MaxPrice, true},
		{instrument.MaxPrice + 1, false},
	}
	for _, tc := range cases {
		err := instrument.ValidatePrice(tc.price)
		if tc.ok && err != nil {
			t.Errorf("price %d: unexpected error %v", tc.price, err)
		}
		if !tc.ok && !errors.Is(err, instrument.ErrInvalidPrice) {
			t.Errorf("price %d: expected ErrInvalidPrice, got %v", tc.price, err)
		}
	}
}

func TestValidatePricesAllOrNothing(t *testing.T) {
	good := []uint64{12500, 14000, 1100000, 7500, 9200}
	if err := instrument.ValidatePrices(good); err != nil {
		t.Fatalf("valid prices rejected: %v", err)
	}

	// One zero price fails the whole vector.
	bad := append([]uint64(nil), good...)
	bad[2] = 0
	if err := instrument.ValidatePrices(bad); !errors.Is(err, instrument.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}

	// Wrong arity fails.
	if err := instrument.ValidatePrices(good[:3]); !errors.Is(err, instrument.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice for short vector, got %v", err)
	}
}
