package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veilex/venue-engine/internal/instrument"
	"github.com/veilex/venue-engine/internal/metrics"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/store"
)

// PlaceOrder validates, encrypts and books a limit order in the current
// session, reserving the amount against the participant's encrypted balance.
// Returns the order index, unique within (session, participant).
//
// Plaintext bounds are checked before any encryption call. The amount handle
// created here is the reservation: cancel and every refund path credit this
// exact handle back.
func (e *Engine) PlaceOrder(ctx context.Context, participantID string, amount, targetPrice, instrumentID uint64, direction model.Direction) (int, error) {
	if err := e.pausers.Gate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.registry.Guard(ctx, participantID)
	if err != nil {
		return 0, err
	}
	sess, err := e.activeSession(ctx)
	if err != nil {
		return 0, err
	}

	instr, err := instrument.Parse(instrumentID)
	if err != nil {
		return 0, err
	}
	if err := instrument.ValidateAmount(amount); err != nil {
		return 0, err
	}
	if err := instrument.ValidatePrice(targetPrice); err != nil {
		return 0, err
	}

	encAmount, err := e.provider.Encrypt(ctx, amount)
	if err != nil {
		return 0, fmt.Errorf("encrypt amount: %w", err)
	}
	if err := e.provider.GrantAccess(ctx, encAmount, participantID); err != nil {
		return 0, fmt.Errorf("grant amount access: %w", err)
	}
	encTarget, err := e.provider.Encrypt(ctx, targetPrice)
	if err != nil {
		return 0, fmt.Errorf("encrypt target price: %w", err)
	}
	encInstr, err := e.provider.Encrypt(ctx, uint64(instr))
	if err != nil {
		return 0, fmt.Errorf("encrypt instrument: %w", err)
	}
	encDir, err := e.provider.Encrypt(ctx, uint64(direction))
	if err != nil {
		return 0, fmt.Errorf("encrypt direction: %w", err)
	}

	// Reserve: debit the amount from the balance. The same handle is
	// credited back on cancel or refund.
	newBalance, err := e.provider.Sub(ctx, p.EncryptedBalance, encAmount)
	if err != nil {
		return 0, fmt.Errorf("reserve amount: %w", err)
	}

	index, err := e.store.CountParticipantOrders(ctx, sess.ID, participantID)
	if err != nil {
		return 0, err
	}

	order := &model.Order{
		SessionID:   sess.ID,
		Participant: participantID,
		Index:       index,
		Amount:      encAmount,
		TargetPrice: encTarget,
		Instrument:  encInstr,
		Direction:   encDir,
		Status:      model.OrderPending,
		PlacedAt:    e.now(),
	}
	if err := e.store.AppendOrder(ctx, order); err != nil {
		return 0, err
	}

	// Register the participant in the session's active set. Idempotent;
	// first-seen order preserves position.
	seen := false
	for _, id := range sess.ActiveParticipants {
		if id == participantID {
			seen = true
			break
		}
	}
	if !seen {
		sess.ActiveParticipants = append(sess.ActiveParticipants, participantID)
	}
	sess.TotalOrders++ // order count only, never notional
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return 0, err
	}

	p.EncryptedBalance = newBalance
	if err := e.registry.Touch(ctx, p); err != nil {
		return 0, err
	}

	metrics.OrdersPlaced.WithLabelValues(instr.Symbol()).Inc()
	slog.Info("order placed",
		"session", sess.ID,
		"participant", participantID,
		"index", index,
		"instrument", instr.Symbol(),
	)
	e.broadcast(Event{Type: EventOrderPlaced, SessionID: sess.ID, TotalOrders: sess.TotalOrders})

	return index, nil
}

// CancelOrder refunds a still-pending order's reserved amount back to the
// participant's balance and marks the order refunded.
func (e *Engine) CancelOrder(ctx context.Context, participantID string, sessionID uint64, index int) error {
	if err := e.pausers.Gate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.registry.Guard(ctx, participantID)
	if err != nil {
		return err
	}

	order, err := e.store.GetOrder(ctx, sessionID, participantID, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d/%s/%d", ErrOrderNotFound, sessionID, participantID, index)
		}
		return err
	}
	if order.Status != model.OrderPending {
		return fmt.Errorf("%w: status %s", ErrOrderAlreadyExecuted, order.Status)
	}

	newBalance, err := e.provider.Add(ctx, p.EncryptedBalance, order.Amount)
	if err != nil {
		return fmt.Errorf("refund reservation: %w", err)
	}

	order.Status = model.OrderRefunded
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return err
	}

	p.EncryptedBalance = newBalance
	if err := e.registry.Touch(ctx, p); err != nil {
		return err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "session", sessionID, "participant", participantID, "index", index)
	return nil
}

// Deposit credits an encrypted amount to the participant's balance.
func (e *Engine) Deposit(ctx context.Context, participantID string, amount uint64) error {
	if err := e.pausers.Gate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.registry.Guard(ctx, participantID)
	if err != nil {
		return err
	}
	if err := instrument.ValidateAmount(amount); err != nil {
		return err
	}

	enc, err := e.provider.Encrypt(ctx, amount)
	if err != nil {
		return fmt.Errorf("encrypt deposit: %w", err)
	}
	newBalance, err := e.provider.Add(ctx, p.EncryptedBalance, enc)
	if err != nil {
		return fmt.Errorf("credit deposit: %w", err)
	}

	p.EncryptedBalance = newBalance
	if err := e.registry.Touch(ctx, p); err != nil {
		return err
	}

	slog.Info("deposit", "participant", participantID)
	return nil
}

// Withdraw debits an encrypted amount using the blind-debit pattern:
//
//	balance = select(balance >= amount, balance - amount, balance)
//
// An overdraft silently leaves the balance unchanged; neither the venue nor
// an observer learns which branch was taken.
func (e *Engine) Withdraw(ctx context.Context, participantID string, amount uint64) error {
	if err := e.pausers.Gate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.registry.Guard(ctx, participantID)
	if err != nil {
		return err
	}
	if err := instrument.ValidateAmount(amount); err != nil {
		return err
	}

	enc, err := e.provider.Encrypt(ctx, amount)
	if err != nil {
		return fmt.Errorf("encrypt withdrawal: %w", err)
	}
	sufficient, err := e.provider.Ge(ctx, p.EncryptedBalance, enc)
	if err != nil {
		return fmt.Errorf("compare balance: %w", err)
	}
	debited, err := e.provider.Sub(ctx, p.EncryptedBalance, enc)
	if err != nil {
		return fmt.Errorf("debit withdrawal: %w", err)
	}
	newBalance, err := e.provider.Select(ctx, sufficient, debited, p.EncryptedBalance)
	if err != nil {
		return fmt.Errorf("select balance: %w", err)
	}

	p.EncryptedBalance = newBalance
	if err := e.registry.Touch(ctx, p); err != nil {
		return err
	}

	slog.Info("withdrawal", "participant", participantID)
	return nil
}

// ParticipantOrders returns a participant's orders for a session in
// insertion order. Historical orders stay queryable after the session ends.
func (e *Engine) ParticipantOrders(ctx context.Context, sessionID uint64, participantID string) ([]model.Order, error) {
	return e.store.ListParticipantOrders(ctx, sessionID, participantID)
}

// OrderCount returns the number of orders a participant placed in a session.
func (e *Engine) OrderCount(ctx context.Context, sessionID uint64, participantID string) (int, error) {
	return e.store.CountParticipantOrders(ctx, sessionID, participantID)
}
