package access_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veilex/venue-engine/internal/access"
	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/store"
)

// faultyStore surfaces an infrastructure error from participant lookups.
type faultyStore struct {
	store.Store
	err error
}

func (s *faultyStore) GetParticipant(context.Context, string) (*model.Participant, error) {
	return nil, s.err
}

type fixture struct {
	registry *access.Registry
	provider *fhe.MockProvider
	now      time.Time
}

func newFixture(t *testing.T, cooldown time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		provider: fhe.NewMockProvider(),
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.registry = access.NewRegistry(store.NewMemoryStore(), f.provider, access.Config{
		Owner:             "owner",
		VenuePrincipal:    "venue",
		MinInitialBalance: 1000,
		Cooldown:          cooldown,
		Clock:             func() time.Time { return f.now },
	})
	return f
}

func TestRegister(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	p, err := f.registry.Register(ctx, "alice", 1000)
	if err != nil {
		t.Fatalf("register at threshold: %v", err)
	}
	if p.EncryptedBalance == "" || p.TradeCounter == "" {
		t.Error("registration left empty handles")
	}

	// Venue and participant both hold the decrypt ACL.
	for _, principal := range []string{"venue", "alice"} {
		if !f.provider.HasAccess(p.EncryptedBalance, principal) {
			t.Errorf("%s missing balance access", principal)
		}
		if !f.provider.HasAccess(p.TradeCounter, principal) {
			t.Errorf("%s missing counter access", principal)
		}
	}

	if _, err := f.registry.Register(ctx, "alice", 5000); !errors.Is(err, access.ErrAlreadyRegistered) {
		t.Errorf("duplicate: expected ErrAlreadyRegistered, got %v", err)
	}
	if _, err := f.registry.Register(ctx, "bob", 999); !errors.Is(err, access.ErrBelowMinimum) {
		t.Errorf("below minimum: expected ErrBelowMinimum, got %v", err)
	}
	if _, err := f.registry.Register(ctx, "", 5000); !errors.Is(err, access.ErrInvalidParticipant) {
		t.Errorf("empty id: expected ErrInvalidParticipant, got %v", err)
	}
}

func TestRegisterSurfacesStoreErrors(t *testing.T) {
	dbDown := errors.New("connection refused")
	st := &faultyStore{Store: store.NewMemoryStore(), err: dbDown}
	registry := access.NewRegistry(st, fhe.NewMockProvider(), access.Config{
		Owner:             "owner",
		VenuePrincipal:    "venue",
		MinInitialBalance: 1000,
	})

	// A broken store must not read as "not yet registered".
	_, err := registry.Register(context.Background(), "alice", 5000)
	if !errors.Is(err, dbDown) {
		t.Fatalf("expected the store error, got %v", err)
	}
	if errors.Is(err, access.ErrAlreadyRegistered) {
		t.Fatal("store failure misread as duplicate registration")
	}
}

func TestBlacklist(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, "alice", 1000); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.registry.SetBlacklist(ctx, "mallory", "alice", true); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-owner: expected ErrUnauthorized, got %v", err)
	}
	if err := f.registry.SetBlacklist(ctx, "owner", "ghost", true); !errors.Is(err, access.ErrInvalidParticipant) {
		t.Errorf("unknown target: expected ErrInvalidParticipant, got %v", err)
	}
	if err := f.registry.SetBlacklist(ctx, "owner", "", true); !errors.Is(err, access.ErrInvalidParticipant) {
		t.Errorf("empty target: expected ErrInvalidParticipant, got %v", err)
	}

	if err := f.registry.SetBlacklist(ctx, "owner", "alice", true); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if _, err := f.registry.Guard(ctx, "alice"); !errors.Is(err, access.ErrBlacklisted) {
		t.Errorf("expected ErrBlacklisted, got %v", err)
	}

	// Unblacklisting restores access.
	if err := f.registry.SetBlacklist(ctx, "owner", "alice", false); err != nil {
		t.Fatalf("unblacklist: %v", err)
	}
	if _, err := f.registry.Guard(ctx, "alice"); err != nil {
		t.Errorf("guard after unblacklist: %v", err)
	}
}

func TestGuardPrecedence(t *testing.T) {
	f := newFixture(t, 30*time.Second)
	ctx := context.Background()

	// Unknown participant fails with the registration error first.
	if _, err := f.registry.Guard(ctx, "ghost"); !errors.Is(err, access.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}

	p, err := f.registry.Register(ctx, "alice", 1000)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Registration does not start the cooldown; the first action is free.
	if _, err := f.registry.Guard(ctx, "alice"); err != nil {
		t.Fatalf("first guard: %v", err)
	}

	// Blacklist outranks cooldown.
	if err := f.registry.Touch(ctx, p); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := f.registry.SetBlacklist(ctx, "owner", "alice", true); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if _, err := f.registry.Guard(ctx, "alice"); !errors.Is(err, access.ErrBlacklisted) {
		t.Errorf("expected ErrBlacklisted before ErrCooldownActive, got %v", err)
	}
}

func TestCooldown(t *testing.T) {
	f := newFixture(t, 30*time.Second)
	ctx := context.Background()

	p, err := f.registry.Register(ctx, "alice", 1000)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.registry.Touch(ctx, p); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if _, err := f.registry.Guard(ctx, "alice"); !errors.Is(err, access.ErrCooldownActive) {
		t.Errorf("expected ErrCooldownActive, got %v", err)
	}

	// One second short still blocks; the boundary itself passes.
	f.now = f.now.Add(29 * time.Second)
	if _, err := f.registry.Guard(ctx, "alice"); !errors.Is(err, access.ErrCooldownActive) {
		t.Errorf("29s: expected ErrCooldownActive, got %v", err)
	}
	f.now = f.now.Add(time.Second)
	if _, err := f.registry.Guard(ctx, "alice"); err != nil {
		t.Errorf("30s: guard should pass, got %v", err)
	}
}

func TestGuardMutatesNothing(t *testing.T) {
	f := newFixture(t, 30*time.Second)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, "alice", 1000); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A guard pass without Touch must not start the cooldown. Two back to
	// back guards both succeed.
	if _, err := f.registry.Guard(ctx, "alice"); err != nil {
		t.Fatalf("first guard: %v", err)
	}
	if _, err := f.registry.Guard(ctx, "alice"); err != nil {
		t.Errorf("second guard after no Touch: %v", err)
	}
}
