// Package model defines the core domain types shared across the venue engine.
// Sensitive values (balances, order amounts, target prices) are fhe.Handle
// references — the engine never holds their plaintext. Revealed values
// (post-settlement cleartexts, fees) use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilex/venue-engine/internal/fhe"
)

// SessionPhase is the lifecycle phase of a trading session. Transitions are
// strictly forward; a session never re-enters an earlier phase.
type SessionPhase string

const (
	PhaseClosed              SessionPhase = "closed"
	PhaseActive              SessionPhase = "active"
	PhaseEnded               SessionPhase = "ended"
	PhaseDecryptionRequested SessionPhase = "decryption_requested"
	PhaseDecryptionComplete  SessionPhase = "decryption_complete"
	PhaseEmergencyRefund     SessionPhase = "emergency_refund"
)

// Terminal reports whether the phase is an end state after which the next
// session slot may open.
func (p SessionPhase) Terminal() bool {
	return p == PhaseDecryptionComplete || p == PhaseEmergencyRefund
}

// OrderStatus tracks an order through its one-way lifecycle:
// Pending → PendingDecryption → {Executed | Refunded}.
type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderPendingDecryption OrderStatus = "pending_decryption"
	OrderExecuted          OrderStatus = "executed"
	OrderRefunded          OrderStatus = "refunded"
)

// Open reports whether the order still holds a reservation that a refund
// path may return.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderPendingDecryption
}

// Direction is an order side, encoded as a small integer so it can travel
// through the encrypted batch alongside the other order fields.
type Direction uint64

const (
	DirectionBuy  Direction = 0
	DirectionSell Direction = 1
)

// RequestStatus tracks a decryption request. Outstanding → Completed happens
// exactly once; Outstanding → Failed only via the emergency-refund path.
type RequestStatus string

const (
	RequestOutstanding RequestStatus = "outstanding"
	RequestCompleted   RequestStatus = "completed"
	RequestFailed      RequestStatus = "failed"
)

// Participant is a registered trader. The record is created on registration
// and never deleted; misbehaving participants are flagged blacklisted.
// EncryptedBalance and TradeCounter are ciphertext handles whose decrypt ACL
// covers only the venue and the participant.
type Participant struct {
	ID               string     `json:"id" db:"id"`
	EncryptedBalance fhe.Handle `json:"encrypted_balance" db:"encrypted_balance"`
	TradeCounter     fhe.Handle `json:"trade_counter" db:"trade_counter"`
	Blacklisted      bool       `json:"blacklisted" db:"blacklisted"`
	LastActionTime   time.Time  `json:"last_action_time" db:"last_action_time"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Session is one bounded trading window. Prices are fixed (encrypted) at
// start; orders are accepted only while the session is active; settlement
// happens after the decryption oracle returns the session's cleartext batch.
type Session struct {
	ID                 uint64       `json:"id" db:"id"`
	Phase              SessionPhase `json:"phase" db:"phase"`
	Prices             []fhe.Handle `json:"prices" db:"prices"` // one per instrument, set exactly once
	StartTime          time.Time    `json:"start_time" db:"start_time"`
	EndTime            time.Time    `json:"end_time" db:"end_time"`
	DecryptionDeadline time.Time    `json:"decryption_deadline" db:"decryption_deadline"`
	ActiveParticipants []string     `json:"active_participants" db:"active_participants"` // insertion-ordered, deduplicated
	TotalOrders        uint64       `json:"total_orders" db:"total_orders"`               // order count, never notional
	DecryptionRequest  string       `json:"decryption_request,omitempty" db:"decryption_request"`
}

// Order is one encrypted limit order. The Amount handle doubles as the
// reservation: it is debited from the owner's balance at placement and the
// same handle is credited back on cancel or refund.
type Order struct {
	SessionID   uint64      `json:"session_id" db:"session_id"`
	Participant string      `json:"participant" db:"participant"`
	Index       int         `json:"index" db:"idx"`
	Amount      fhe.Handle  `json:"amount" db:"amount"`
	TargetPrice fhe.Handle  `json:"target_price" db:"target_price"`
	Instrument  fhe.Handle  `json:"instrument" db:"instrument"`
	Direction   fhe.Handle  `json:"direction" db:"direction"`
	Status      OrderStatus `json:"status" db:"status"`
	PlacedAt    time.Time   `json:"placed_at" db:"placed_at"`
}

// OrderRef identifies one order inside a session.
type OrderRef struct {
	Participant string `json:"participant"`
	Index       int    `json:"index"`
}

// DecryptionRequest correlates a provider request id with the session whose
// ciphertext batch it covers. OrderRefs records the exact batch layout
// (session prices first, then four cleartexts per order in this sequence) so
// the callback can be parsed positionally.
type DecryptionRequest struct {
	ID          string        `json:"id" db:"id"`
	SessionID   uint64        `json:"session_id" db:"session_id"`
	OrderRefs   []OrderRef    `json:"order_refs" db:"order_refs"`
	RequestedAt time.Time     `json:"requested_at" db:"requested_at"`
	Status      RequestStatus `json:"status" db:"status"`
}

// SettlementRecord is an immutable audit entry written once per order during
// settlement. Amount and price are oracle-released cleartexts at that point,
// so persisting them in the clear is safe.
type SettlementRecord struct {
	ID          string          `json:"id" db:"id"`
	SessionID   uint64          `json:"session_id" db:"session_id"`
	Participant string          `json:"participant" db:"participant"`
	OrderIndex  int             `json:"order_index" db:"order_index"`
	Instrument  string          `json:"instrument" db:"instrument"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Executed    bool            `json:"executed" db:"executed"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}
