package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/instrument"
	"github.com/veilex/venue-engine/internal/metrics"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/store"
)

// cleartextsPerOrder is the number of batch slots each order occupies:
// amount, target price, instrument, direction, in that sequence.
const cleartextsPerOrder = 4

// EndAndRequestDecryption closes the session's trading window and submits
// its full ciphertext batch (reference prices, then every pending order's
// fields) to the decryption oracle. Owner-only.
//
// The request record is persisted before this call returns, so the callback
// can always resolve its session even if the provider responds immediately.
func (e *Engine) EndAndRequestDecryption(ctx context.Context, caller string, sessionID uint64) (string, error) {
	if err := e.authorize(caller); err != nil {
		return "", err
	}
	if err := e.pausers.Gate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	switch {
	case sess.Phase == model.PhaseDecryptionRequested:
		return "", fmt.Errorf("%w: request %s", ErrAlreadyRequested, sess.DecryptionRequest)
	case sess.Phase.Terminal():
		return "", fmt.Errorf("%w: session %d", ErrSessionSettled, sessionID)
	}

	now := e.now()
	if !now.After(sess.EndTime) {
		return "", fmt.Errorf("%w: ends at %s", ErrSessionNotEnded, sess.EndTime)
	}
	if now.After(sess.DecryptionDeadline) {
		return "", fmt.Errorf("%w: deadline was %s", ErrDeadlinePassed, sess.DecryptionDeadline)
	}

	// Assemble the batch: session prices first, then each pending order's
	// four handles, walking participants in first-order insertion order.
	batch := make([]fhe.Handle, 0, instrument.Count)
	batch = append(batch, sess.Prices...)

	var refs []model.OrderRef
	var pending []*model.Order
	for _, participantID := range sess.ActiveParticipants {
		orders, err := e.store.ListParticipantOrders(ctx, sess.ID, participantID)
		if err != nil {
			return "", err
		}
		for i := range orders {
			o := orders[i]
			if o.Status != model.OrderPending {
				continue
			}
			batch = append(batch, o.Amount, o.TargetPrice, o.Instrument, o.Direction)
			refs = append(refs, model.OrderRef{Participant: o.Participant, Index: o.Index})
			pending = append(pending, &o)
		}
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("%w: session %d", ErrNoOrdersToDecrypt, sessionID)
	}

	requestID, err := e.provider.RequestDecryption(ctx, batch)
	if err != nil {
		return "", fmt.Errorf("request decryption: %w", err)
	}

	req := &model.DecryptionRequest{
		ID:          requestID,
		SessionID:   sess.ID,
		OrderRefs:   refs,
		RequestedAt: now,
		Status:      model.RequestOutstanding,
	}
	if err := e.store.CreateDecryptionRequest(ctx, req); err != nil {
		return "", err
	}

	for _, o := range pending {
		o.Status = model.OrderPendingDecryption
		if err := e.store.UpdateOrder(ctx, o); err != nil {
			return "", err
		}
	}

	sess.Phase = model.PhaseDecryptionRequested
	sess.DecryptionRequest = requestID
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return "", err
	}

	metrics.DecryptionRequests.Inc()
	slog.Info("decryption requested",
		"session", sess.ID,
		"request", requestID,
		"orders", len(refs),
	)
	e.broadcast(Event{Type: EventDecryptionRequested, SessionID: sess.ID, RequestID: requestID})

	return requestID, nil
}

// HandleDecryptionCallback is the oracle-facing entry point resuming a
// session suspended on decryption. It rejects unknown, replayed and forged
// callbacks; on a valid one it settles the session exactly once.
//
// A proof failure leaves the request outstanding so a legitimate retry, or
// eventually the emergency-refund timeout, can still resolve it.
func (e *Engine) HandleDecryptionCallback(ctx context.Context, requestID string, cleartexts []uint64, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.store.GetDecryptionRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
		return err
	}
	if req.Status != model.RequestOutstanding {
		metrics.DecryptionCallbacks.WithLabelValues("replayed").Inc()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, requestID, req.Status)
	}

	if !e.provider.VerifyProof(requestID, cleartexts, proof) {
		metrics.DecryptionCallbacks.WithLabelValues("bad_proof").Inc()
		slog.Warn("decryption callback failed proof verification", "request", requestID)
		return fmt.Errorf("%w: request %s", ErrInvalidProof, requestID)
	}

	want := instrument.Count + cleartextsPerOrder*len(req.OrderRefs)
	if len(cleartexts) != want {
		metrics.DecryptionCallbacks.WithLabelValues("bad_layout").Inc()
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidCleartexts, len(cleartexts), want)
	}

	// Check-and-set under the writer lock: after this point a replay of the
	// same payload fails with ErrAlreadyProcessed and nothing is settled twice.
	req.Status = model.RequestCompleted
	if err := e.store.UpdateDecryptionRequest(ctx, req); err != nil {
		return err
	}

	metrics.DecryptionCallbacks.WithLabelValues("ok").Inc()
	return e.settle(ctx, req, cleartexts)
}
