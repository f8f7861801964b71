// Package venue implements the confidential trading core: the session state
// machine, the encrypted order book, the decryption coordinator, and the
// settlement engine, behind a single serialized writer.
//
// Every state-mutating operation runs to completion under one mutex, so
// compound invariants (exactly-once settlement, forward-only phase
// transitions) never race. The decryption callback is a separate entry point
// that resumes session state looked up by request id; the engine never
// blocks waiting for it.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilex/venue-engine/internal/access"
	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/instrument"
	"github.com/veilex/venue-engine/internal/metrics"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/pauser"
	"github.com/veilex/venue-engine/internal/store"
)

var (
	// ErrSessionActive is returned when starting a session while one is
	// still accepting orders.
	ErrSessionActive = errors.New("venue: a session is already active")

	// ErrPriorSessionNotSettled is returned when starting a session before
	// the previous one reached a terminal state.
	ErrPriorSessionNotSettled = errors.New("venue: prior session not yet settled or refunded")

	// ErrInvalidDuration is returned for a session duration outside the
	// configured bounds.
	ErrInvalidDuration = errors.New("venue: session duration out of bounds")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("venue: session not found")

	// ErrSessionNotActive is returned when placing an order outside an
	// active session window.
	ErrSessionNotActive = errors.New("venue: no active session")

	// ErrSessionNotEnded is returned when requesting decryption before the
	// session window has elapsed.
	ErrSessionNotEnded = errors.New("venue: session has not ended")

	// ErrAlreadyRequested is returned when a decryption request already
	// exists for the session.
	ErrAlreadyRequested = errors.New("venue: decryption already requested")

	// ErrSessionSettled is returned when acting on a session that already
	// reached a terminal state.
	ErrSessionSettled = errors.New("venue: session already settled")

	// ErrDeadlinePassed is returned when requesting decryption after the
	// decryption deadline.
	ErrDeadlinePassed = errors.New("venue: decryption deadline passed")

	// ErrNoOrdersToDecrypt is returned when the session's ciphertext batch
	// would be empty.
	ErrNoOrdersToDecrypt = errors.New("venue: no orders to decrypt")

	// ErrEmergencyPeriodNotReached is returned when enabling the emergency
	// refund before the timeout ladder has fully elapsed.
	ErrEmergencyPeriodNotReached = errors.New("venue: emergency period not reached")

	// ErrAlreadyEnabled is returned on a duplicate emergency-refund enable.
	ErrAlreadyEnabled = errors.New("venue: emergency refund already enabled")

	// ErrRefundNotEnabled is returned when claiming a refund on a session
	// not in the emergency-refund phase.
	ErrRefundNotEnabled = errors.New("venue: emergency refund not enabled")

	// ErrAlreadyClaimed is returned on a duplicate refund claim.
	ErrAlreadyClaimed = errors.New("venue: refund already claimed")

	// ErrOrderNotFound is returned for an unknown order reference.
	ErrOrderNotFound = errors.New("venue: order not found")

	// ErrOrderAlreadyExecuted is returned when cancelling an order that left
	// the pending state.
	ErrOrderAlreadyExecuted = errors.New("venue: order already executed or refunded")

	// ErrRequestNotFound is returned for a callback referencing an unknown
	// decryption request.
	ErrRequestNotFound = errors.New("venue: decryption request not found")

	// ErrAlreadyProcessed is returned for a duplicate or replayed decryption
	// callback.
	ErrAlreadyProcessed = errors.New("venue: decryption request already processed")

	// ErrInvalidProof is returned when a callback fails proof verification.
	// The underlying request stays outstanding so a legitimate retry (or the
	// emergency-refund timeout) can still resolve it.
	ErrInvalidProof = errors.New("venue: invalid decryption proof")

	// ErrInvalidCleartexts is returned when a callback payload does not
	// match the recorded batch layout.
	ErrInvalidCleartexts = errors.New("venue: cleartext batch does not match request layout")
)

// Config carries the engine's plaintext policy knobs.
type Config struct {
	// Owner is the single administrative principal for session lifecycle,
	// decryption requests and refunds.
	Owner string

	// MinDuration and MaxDuration bound the caller-supplied session length.
	MinDuration time.Duration
	MaxDuration time.Duration

	// DecryptionWindow is how long after a session's end the oracle has to
	// answer before the request is considered stuck.
	DecryptionWindow time.Duration

	// EmergencyDelay is the extra grace beyond the decryption deadline
	// before the emergency-refund path opens. Deliberately coarse so a
	// late-but-legitimate callback is not raced.
	EmergencyDelay time.Duration

	// FeeBps is the execution fee in basis points.
	FeeBps uint64

	// Clock returns the current time; nil means time.Now.
	Clock func() time.Time
}

// Engine is the serialized writer owning all venue state transitions.
type Engine struct {
	mu       sync.Mutex
	store    store.Store
	provider fhe.Provider
	registry *access.Registry
	pausers  *pauser.Authority
	cfg      Config

	// currentID is the latest session id; 0 means no session ever started.
	// Mutated only through the state machine's transitions.
	currentID uint64

	// feePool accrues plaintext execution fees.
	feePool decimal.Decimal

	hub *Hub // optional event hub for lifecycle broadcasts
}

// NewEngine creates the venue engine and recovers its in-memory state (the
// session pointer and the accrued fee pool) from the store, so a restart over
// a populated database resumes where the previous process stopped. Pass nil
// for hub if event broadcasting is not needed.
func NewEngine(ctx context.Context, st store.Store, provider fhe.Provider, registry *access.Registry, pausers *pauser.Authority, cfg Config, hub *Hub) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	e := &Engine{
		store:    st,
		provider: provider,
		registry: registry,
		pausers:  pausers,
		cfg:      cfg,
		hub:      hub,
	}

	maxID, err := st.MaxSessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover session pointer: %w", err)
	}
	e.currentID = maxID

	for id := uint64(1); id <= maxID; id++ {
		recs, err := st.ListSettlementsBySession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("recover fee pool for session %d: %w", id, err)
		}
		for _, rec := range recs {
			if rec.Executed {
				e.feePool = e.feePool.Add(rec.Fee)
			}
		}
	}
	metrics.FeePool.Set(e.feePool.InexactFloat64())

	if maxID > 0 {
		slog.Info("engine state recovered",
			"session", maxID,
			"fee_pool", e.feePool.String(),
		)
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock().UTC()
}

func (e *Engine) authorize(caller string) error {
	if !e.registry.IsOwner(caller) {
		return access.ErrUnauthorized
	}
	return nil
}

func (e *Engine) broadcast(ev Event) {
	if e.hub != nil {
		e.hub.Broadcast(ev)
	}
}

// sessionActive implements lazy expiry: a session stops accepting orders the
// instant now passes endTime, without an explicit transition call.
func sessionActive(s *model.Session, now time.Time) bool {
	return s.Phase == model.PhaseActive &&
		len(s.Prices) == instrument.Count &&
		!now.Before(s.StartTime) && !now.After(s.EndTime)
}

// sessionFinished reports whether a session no longer blocks the next slot:
// terminal phases always, and an expired session that never took an order
// (there is nothing to decrypt or refund).
func sessionFinished(s *model.Session, now time.Time) bool {
	if s.Phase.Terminal() {
		return true
	}
	return s.TotalOrders == 0 &&
		s.Phase != model.PhaseDecryptionRequested &&
		now.After(s.EndTime)
}

// StartSession opens session currentID+1 with one encrypted reference price
// per instrument. Owner-only. All plaintext validation happens before the
// first encryption call; any single invalid price aborts the whole call.
func (e *Engine) StartSession(ctx context.Context, caller string, prices []uint64, duration time.Duration) (*model.Session, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	if err := e.pausers.Gate(); err != nil {
		return nil, err
	}
	if duration < e.cfg.MinDuration || duration > e.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrInvalidDuration, duration, e.cfg.MinDuration, e.cfg.MaxDuration)
	}
	if err := instrument.ValidatePrices(prices); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.currentID > 0 {
		prev, err := e.store.GetSession(ctx, e.currentID)
		if err != nil {
			return nil, err
		}
		if sessionActive(prev, now) {
			return nil, fmt.Errorf("%w: session %d", ErrSessionActive, prev.ID)
		}
		if !sessionFinished(prev, now) {
			return nil, fmt.Errorf("%w: session %d in phase %s", ErrPriorSessionNotSettled, prev.ID, prev.Phase)
		}
	}

	encrypted := make([]fhe.Handle, len(prices))
	for i, p := range prices {
		h, err := e.provider.Encrypt(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("encrypt price %d: %w", i, err)
		}
		encrypted[i] = h
	}

	sess := &model.Session{
		ID:                 e.currentID + 1,
		Phase:              model.PhaseActive,
		Prices:             encrypted,
		StartTime:          now,
		EndTime:            now.Add(duration),
		DecryptionDeadline: now.Add(duration).Add(e.cfg.DecryptionWindow),
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	e.currentID = sess.ID

	metrics.SessionsStarted.Inc()
	slog.Info("session started",
		"session", sess.ID,
		"end_time", sess.EndTime,
		"decryption_deadline", sess.DecryptionDeadline,
	)
	e.broadcast(Event{Type: EventSessionStarted, SessionID: sess.ID})

	return sess, nil
}

// EmergencyEndSession force-ends the active session immediately. Owner-only
// operational override, independent of the timeout ladder.
func (e *Engine) EmergencyEndSession(ctx context.Context, caller string) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	if err := e.pausers.Gate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.activeSession(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	sess.EndTime = now
	sess.DecryptionDeadline = now.Add(e.cfg.DecryptionWindow)
	sess.Phase = model.PhaseEnded
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	slog.Warn("session force-ended", "session", sess.ID)
	e.broadcast(Event{Type: EventSessionEnded, SessionID: sess.ID})
	return nil
}

// activeSession returns the current session if it is still accepting orders.
// Callers must hold e.mu.
func (e *Engine) activeSession(ctx context.Context) (*model.Session, error) {
	if e.currentID == 0 {
		return nil, ErrSessionNotActive
	}
	sess, err := e.store.GetSession(ctx, e.currentID)
	if err != nil {
		return nil, err
	}
	if !sessionActive(sess, e.now()) {
		return nil, fmt.Errorf("%w: session %d in phase %s", ErrSessionNotActive, sess.ID, sess.Phase)
	}
	return sess, nil
}

// EnableEmergencyRefund converts a stuck decryption into a terminal,
// refundable state. Owner-only. Deliberately not gated by the pause switch:
// the liveness escape hatch must stay reachable.
func (e *Engine) EnableEmergencyRefund(ctx context.Context, caller string, sessionID uint64) error {
	if err := e.authorize(caller); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.session(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Phase {
	case model.PhaseEmergencyRefund:
		return fmt.Errorf("%w: session %d", ErrAlreadyEnabled, sessionID)
	case model.PhaseDecryptionComplete:
		return fmt.Errorf("%w: session %d", ErrSessionSettled, sessionID)
	}

	now := e.now()
	openAt := sess.DecryptionDeadline.Add(e.cfg.EmergencyDelay)
	if !now.After(openAt) {
		return fmt.Errorf("%w: opens at %s", ErrEmergencyPeriodNotReached, openAt.Format(time.RFC3339))
	}

	if sess.DecryptionRequest != "" {
		req, err := e.store.GetDecryptionRequest(ctx, sess.DecryptionRequest)
		if err != nil {
			return err
		}
		if req.Status == model.RequestOutstanding {
			req.Status = model.RequestFailed
			if err := e.store.UpdateDecryptionRequest(ctx, req); err != nil {
				return err
			}
		}
	}

	sess.Phase = model.PhaseEmergencyRefund
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	metrics.EmergencyRefundsEnabled.Inc()
	slog.Warn("emergency refund enabled", "session", sessionID)
	e.broadcast(Event{Type: EventEmergencyRefund, SessionID: sessionID})
	return nil
}

// session loads a session by id, mapping store misses to ErrSessionNotFound.
// Callers must hold e.mu.
func (e *Engine) session(ctx context.Context, id uint64) (*model.Session, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

// --- Read-only queries ---

// CurrentSession returns the latest session, or ErrSessionNotFound before the
// first start.
func (e *Engine) CurrentSession(ctx context.Context) (*model.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentID == 0 {
		return nil, ErrSessionNotFound
	}
	return e.session(ctx, e.currentID)
}

// Session returns a session by id.
func (e *Engine) Session(ctx context.Context, id uint64) (*model.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session(ctx, id)
}

// SessionIsActive reports whether the current session accepts orders right now.
func (e *Engine) SessionIsActive(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.activeSession(ctx)
	return err == nil
}

// Participant returns a participant's profile. The embedded handles are
// opaque references; they reveal nothing without the provider's ACL.
func (e *Engine) Participant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := e.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", access.ErrNotRegistered, id)
		}
		return nil, err
	}
	return p, nil
}

// FeePool returns the accrued plaintext fee pool.
func (e *Engine) FeePool() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feePool
}

// Settlements returns the immutable settlement records for a session.
func (e *Engine) Settlements(ctx context.Context, sessionID uint64) ([]model.SettlementRecord, error) {
	return e.store.ListSettlementsBySession(ctx, sessionID)
}
