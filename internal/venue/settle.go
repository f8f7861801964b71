package venue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilex/venue-engine/internal/instrument"
	"github.com/veilex/venue-engine/internal/metrics"
	"github.com/veilex/venue-engine/internal/model"
)

// feeDenominator converts basis points to a fraction.
const feeDenominator = 10_000

// settle consumes a verified cleartext batch and executes the session's
// orders. This is the only place plaintext comparison happens; the values
// are oracle-released, not live secrets.
//
// A buy executes when the session price is at or below the target; a sell
// when at or above. Executed orders pay fee = floor(amount·feeBps/10000)
// into the plaintext fee pool and receive net proceeds back on the encrypted
// balance; unmatched orders get their original reserved handle back. Orders
// are processed independently, with no cross-order rollback.
//
// Callers must hold e.mu and have already marked the request completed.
func (e *Engine) settle(ctx context.Context, req *model.DecryptionRequest, cleartexts []uint64) error {
	sess, err := e.session(ctx, req.SessionID)
	if err != nil {
		return err
	}

	prices := cleartexts[:instrument.Count]
	now := e.now()
	executed, refunded := 0, 0

	for i, ref := range req.OrderRefs {
		base := instrument.Count + cleartextsPerOrder*i
		amount := cleartexts[base]
		target := cleartexts[base+1]
		rawInstr := cleartexts[base+2]
		direction := model.Direction(cleartexts[base+3])

		order, err := e.store.GetOrder(ctx, sess.ID, ref.Participant, ref.Index)
		if err != nil {
			return err
		}
		if !order.Status.Open() {
			continue
		}
		p, err := e.store.GetParticipant(ctx, ref.Participant)
		if err != nil {
			return err
		}

		instr, instrErr := instrument.Parse(rawInstr)
		symbol := fmt.Sprintf("INVALID-%d", rawInstr)
		match := false
		if instrErr == nil {
			symbol = instr.Symbol()
			price := prices[instr]
			match = (direction == model.DirectionBuy && price <= target) ||
				(direction == model.DirectionSell && price >= target)
		}

		rec := model.SettlementRecord{
			ID:          uuid.New().String(),
			SessionID:   sess.ID,
			Participant: ref.Participant,
			OrderIndex:  ref.Index,
			Instrument:  symbol,
			Amount:      decimal.NewFromUint64(amount),
			Timestamp:   now,
		}

		if match {
			fee := amount * e.cfg.FeeBps / feeDenominator
			proceeds, err := e.provider.Encrypt(ctx, amount-fee)
			if err != nil {
				return fmt.Errorf("encrypt proceeds: %w", err)
			}
			newBalance, err := e.provider.Add(ctx, p.EncryptedBalance, proceeds)
			if err != nil {
				return fmt.Errorf("credit proceeds: %w", err)
			}
			one, err := e.provider.Encrypt(ctx, 1)
			if err != nil {
				return fmt.Errorf("encrypt counter increment: %w", err)
			}
			newCounter, err := e.provider.Add(ctx, p.TradeCounter, one)
			if err != nil {
				return fmt.Errorf("bump trade counter: %w", err)
			}

			p.EncryptedBalance = newBalance
			p.TradeCounter = newCounter
			order.Status = model.OrderExecuted

			e.feePool = e.feePool.Add(decimal.NewFromUint64(fee))
			metrics.FeePool.Set(e.feePool.InexactFloat64())

			rec.Price = decimal.NewFromUint64(prices[instr])
			rec.Fee = decimal.NewFromUint64(fee)
			rec.Executed = true
			executed++
		} else {
			// Not matched: return the originally reserved ciphertext.
			newBalance, err := e.provider.Add(ctx, p.EncryptedBalance, order.Amount)
			if err != nil {
				return fmt.Errorf("refund reservation: %w", err)
			}
			p.EncryptedBalance = newBalance
			order.Status = model.OrderRefunded
			refunded++
		}

		if err := e.store.UpdateParticipant(ctx, p); err != nil {
			return err
		}
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := e.store.InsertSettlementRecord(ctx, &rec); err != nil {
			return err
		}
	}

	sess.Phase = model.PhaseDecryptionComplete
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	metrics.SessionsSettled.Inc()
	slog.Info("session settled",
		"session", sess.ID,
		"executed", executed,
		"refunded", refunded,
		"fee_pool", e.feePool.String(),
	)
	e.broadcast(Event{Type: EventSessionSettled, SessionID: sess.ID})
	return nil
}

// ClaimEmergencyRefund returns every still-open reservation in an
// emergency-refund session to the participant, exactly once. Each refund
// credits the originally reserved ciphertext handle, never a recomputed
// value. Not gated by the pause switch.
func (e *Engine) ClaimEmergencyRefund(ctx context.Context, participantID string, sessionID uint64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.registry.Guard(ctx, participantID)
	if err != nil {
		return 0, err
	}

	sess, err := e.session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Phase != model.PhaseEmergencyRefund {
		return 0, fmt.Errorf("%w: session %d in phase %s", ErrRefundNotEnabled, sessionID, sess.Phase)
	}

	claimed, err := e.store.RefundClaimed(ctx, sessionID, participantID)
	if err != nil {
		return 0, err
	}
	if claimed {
		return 0, fmt.Errorf("%w: session %d participant %s", ErrAlreadyClaimed, sessionID, participantID)
	}

	orders, err := e.store.ListParticipantOrders(ctx, sessionID, participantID)
	if err != nil {
		return 0, err
	}

	// Provider arithmetic runs first; nothing is persisted until every
	// credit handle exists, so a provider failure leaves the claim open
	// for retry.
	balance := p.EncryptedBalance
	var open []*model.Order
	for i := range orders {
		o := orders[i]
		if !o.Status.Open() {
			continue
		}
		balance, err = e.provider.Add(ctx, balance, o.Amount)
		if err != nil {
			return 0, fmt.Errorf("refund order %d: %w", o.Index, err)
		}
		o.Status = model.OrderRefunded
		open = append(open, &o)
	}

	for _, o := range open {
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			return 0, err
		}
	}
	if _, err := e.store.MarkRefundClaimed(ctx, sessionID, participantID); err != nil {
		return 0, err
	}

	p.EncryptedBalance = balance
	if err := e.registry.Touch(ctx, p); err != nil {
		return len(open), err
	}
	refunded := len(open)

	metrics.RefundsClaimed.Inc()
	slog.Info("emergency refund claimed",
		"session", sessionID,
		"participant", participantID,
		"orders", refunded,
	)
	return refunded, nil
}
