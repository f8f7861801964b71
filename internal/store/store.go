// Package store defines the persistence interface for the venue engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Keying follows the engine's state layout: participants by identity,
// sessions by sequential id, orders by (session, participant, index),
// decryption requests by request id (which doubles as the request→session
// index), refund claims by (session, participant).
package store

import (
	"context"
	"errors"

	"github.com/veilex/venue-engine/internal/model"
)

// ErrNotFound is returned for lookups of records that do not exist. Callers
// match it with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. All mutating calls are issued by the
// engine's single serialized writer; implementations need no cross-call
// transaction discipline beyond per-call atomicity.
type Store interface {
	// --- Participants ---

	// CreateParticipant persists a new participant record.
	CreateParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by identity.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// UpdateParticipant overwrites a participant's mutable fields.
	UpdateParticipant(ctx context.Context, p *model.Participant) error

	// --- Sessions ---

	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession retrieves a session by sequential id.
	GetSession(ctx context.Context, id uint64) (*model.Session, error)

	// MaxSessionID returns the highest session id ever created, 0 when no
	// session exists. Used to recover the engine's session pointer after a
	// restart.
	MaxSessionID(ctx context.Context) (uint64, error)

	// UpdateSession overwrites a session's mutable fields.
	UpdateSession(ctx context.Context, s *model.Session) error

	// --- Orders ---

	// AppendOrder inserts an order; the caller assigns the per-(session,
	// participant) index before the call.
	AppendOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves one order by its composite key.
	GetOrder(ctx context.Context, sessionID uint64, participant string, index int) (*model.Order, error)

	// UpdateOrder overwrites an order's mutable fields (status).
	UpdateOrder(ctx context.Context, o *model.Order) error

	// ListParticipantOrders returns a participant's session orders in
	// insertion order. Historical orders remain queryable after the session
	// ends.
	ListParticipantOrders(ctx context.Context, sessionID uint64, participant string) ([]model.Order, error)

	// CountParticipantOrders returns the number of orders placed by one
	// participant in one session.
	CountParticipantOrders(ctx context.Context, sessionID uint64, participant string) (int, error)

	// --- Decryption requests ---

	// CreateDecryptionRequest records a request keyed by provider id.
	CreateDecryptionRequest(ctx context.Context, r *model.DecryptionRequest) error

	// GetDecryptionRequest retrieves a request by provider id.
	GetDecryptionRequest(ctx context.Context, id string) (*model.DecryptionRequest, error)

	// UpdateDecryptionRequest overwrites a request's status.
	UpdateDecryptionRequest(ctx context.Context, r *model.DecryptionRequest) error

	// --- Emergency refund claims ---

	// RefundClaimed reports whether the (session, participant) pair has
	// already claimed, without recording anything.
	RefundClaimed(ctx context.Context, sessionID uint64, participant string) (bool, error)

	// MarkRefundClaimed records a refund claim; returns true if the
	// (session, participant) pair had already claimed.
	MarkRefundClaimed(ctx context.Context, sessionID uint64, participant string) (bool, error)

	// --- Immutable settlement ledger ---

	// InsertSettlementRecord appends an immutable settlement record.
	InsertSettlementRecord(ctx context.Context, rec *model.SettlementRecord) error

	// ListSettlementsBySession returns all settlement records for a session.
	ListSettlementsBySession(ctx context.Context, sessionID uint64) ([]model.SettlementRecord, error)

	// ListSettlementsByParticipant returns all settlement records for a
	// participant across sessions.
	ListSettlementsByParticipant(ctx context.Context, participant string) ([]model.SettlementRecord, error)
}
