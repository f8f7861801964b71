// Package access gates every participant-facing operation: registration,
// blacklist administration, and the per-participant action cooldown.
//
// Guard composition runs in a fixed order so callers see deterministic error
// precedence: registration check first, then blacklist, then cooldown. Domain
// validation belongs to the caller and runs after a Guard pass.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/store"
)

var (
	// ErrAlreadyRegistered is returned on duplicate registration.
	ErrAlreadyRegistered = errors.New("access: participant already registered")

	// ErrBelowMinimum is returned when the initial balance is under the
	// registration threshold.
	ErrBelowMinimum = errors.New("access: initial balance below minimum")

	// ErrNotRegistered is returned when an unknown participant acts.
	ErrNotRegistered = errors.New("access: participant not registered")

	// ErrBlacklisted is returned for actions by a blacklisted participant.
	ErrBlacklisted = errors.New("access: participant is blacklisted")

	// ErrCooldownActive is returned when a participant acts again before the
	// cooldown since their previous action has elapsed.
	ErrCooldownActive = errors.New("access: action cooldown active")

	// ErrUnauthorized is returned when a privileged call comes from a
	// non-owner principal.
	ErrUnauthorized = errors.New("access: caller is not the owner")

	// ErrInvalidParticipant is returned for blacklist updates targeting a
	// null or never-registered identity.
	ErrInvalidParticipant = errors.New("access: invalid participant")
)

// Config carries the registry's plaintext policy knobs.
type Config struct {
	// Owner is the single administrative principal. Authentication is an
	// external concern; the registry only compares identities.
	Owner string

	// VenuePrincipal is the identity the venue itself uses on ciphertext
	// ACLs, so settlement can later request decryption of values it manages.
	VenuePrincipal string

	// MinInitialBalance is the registration threshold in base units.
	MinInitialBalance uint64

	// Cooldown is the minimum spacing between two state-mutating actions by
	// the same participant.
	Cooldown time.Duration

	// Clock returns the current time; nil means time.Now. Injected for
	// deadline tests.
	Clock func() time.Time
}

// Registry implements participant access control on top of the shared store.
type Registry struct {
	store    store.Store
	provider fhe.Provider
	cfg      Config
}

// NewRegistry creates an access registry.
func NewRegistry(st store.Store, provider fhe.Provider, cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{store: st, provider: provider, cfg: cfg}
}

// Register creates a participant with an encrypted starting balance and a
// zero trade counter, and grants the decrypt ACL to the venue and the
// participant. The plaintext threshold is checked before any provider call.
func (r *Registry) Register(ctx context.Context, id string, initialBalance uint64) (*model.Participant, error) {
	if id == "" {
		return nil, ErrInvalidParticipant
	}
	if initialBalance < r.cfg.MinInitialBalance {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, initialBalance, r.cfg.MinInitialBalance)
	}
	if _, err := r.store.GetParticipant(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	balance, err := r.provider.Encrypt(ctx, initialBalance)
	if err != nil {
		return nil, fmt.Errorf("encrypt initial balance: %w", err)
	}
	counter, err := r.provider.Encrypt(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("encrypt trade counter: %w", err)
	}
	for _, principal := range []string{r.cfg.VenuePrincipal, id} {
		if err := r.provider.GrantAccess(ctx, balance, principal); err != nil {
			return nil, fmt.Errorf("grant balance access: %w", err)
		}
		if err := r.provider.GrantAccess(ctx, counter, principal); err != nil {
			return nil, fmt.Errorf("grant counter access: %w", err)
		}
	}

	now := r.cfg.Clock().UTC()
	p := &model.Participant{
		ID:               id,
		EncryptedBalance: balance,
		TradeCounter:     counter,
		CreatedAt:        now,
	}
	if err := r.store.CreateParticipant(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("participant registered", "participant", id)
	return p, nil
}

// SetBlacklist flags or unflags a participant. Owner-only.
func (r *Registry) SetBlacklist(ctx context.Context, caller, id string, flag bool) error {
	if caller != r.cfg.Owner {
		return ErrUnauthorized
	}
	if id == "" {
		return ErrInvalidParticipant
	}

	p, err := r.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidParticipant, id)
		}
		return err
	}

	p.Blacklisted = flag
	if err := r.store.UpdateParticipant(ctx, p); err != nil {
		return err
	}

	slog.Info("blacklist updated", "participant", id, "blacklisted", flag)
	return nil
}

// Guard composes the participant checks in deterministic order: registered,
// not blacklisted, cooldown elapsed. It mutates nothing, so a later validation
// failure in the caller leaves no trace, and returns the participant so the
// caller avoids a second lookup. Callers stamp the cooldown with Touch once
// their whole operation has succeeded.
func (r *Registry) Guard(ctx context.Context, id string) (*model.Participant, error) {
	p, err := r.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
		}
		return nil, err
	}
	if p.Blacklisted {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, id)
	}

	now := r.cfg.Clock().UTC()
	if !p.LastActionTime.IsZero() && now.Before(p.LastActionTime.Add(r.cfg.Cooldown)) {
		return nil, fmt.Errorf("%w: next action at %s",
			ErrCooldownActive, p.LastActionTime.Add(r.cfg.Cooldown).Format(time.RFC3339))
	}
	return p, nil
}

// Touch stamps the participant's lastActionTime. Called at the end of every
// successful state-mutating participant action.
func (r *Registry) Touch(ctx context.Context, p *model.Participant) error {
	p.LastActionTime = r.cfg.Clock().UTC()
	return r.store.UpdateParticipant(ctx, p)
}

// IsOwner reports whether caller is the administrative principal.
func (r *Registry) IsOwner(caller string) bool {
	return caller == r.cfg.Owner
}
