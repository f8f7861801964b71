package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Ciphertext handles are opaque strings and stored as TEXT; revealed
// monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func handlesToStrings(hs []fhe.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = string(h)
	}
	return out
}

func stringsToHandles(ss []string) []fhe.Handle {
	out := make([]fhe.Handle, len(ss))
	for i, s := range ss {
		out[i] = fhe.Handle(s)
	}
	return out
}

func notFoundErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Participants ---

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, encrypted_balance, trade_counter, blacklisted, last_action_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, string(p.EncryptedBalance), string(p.TradeCounter),
		p.Blacklisted, p.LastActionTime, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p model.Participant
	var balance, counter string

	err := s.pool.QueryRow(ctx,
		`SELECT id, encrypted_balance, trade_counter, blacklisted, last_action_time, created_at
		 FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &balance, &counter, &p.Blacklisted, &p.LastActionTime, &p.CreatedAt)
	if err != nil {
		return nil, notFoundErr(err, "get participant "+id)
	}

	p.EncryptedBalance = fhe.Handle(balance)
	p.TradeCounter = fhe.Handle(counter)
	return &p, nil
}

func (s *PostgresStore) UpdateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE participants
		 SET encrypted_balance = $2, trade_counter = $3, blacklisted = $4, last_action_time = $5
		 WHERE id = $1`,
		p.ID, string(p.EncryptedBalance), string(p.TradeCounter),
		p.Blacklisted, p.LastActionTime,
	)
	return err
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, phase, prices, start_time, end_time, decryption_deadline,
		                       active_participants, total_orders, decryption_request)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, string(sess.Phase), handlesToStrings(sess.Prices),
		sess.StartTime, sess.EndTime, sess.DecryptionDeadline,
		sess.ActiveParticipants, sess.TotalOrders, sess.DecryptionRequest,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id uint64) (*model.Session, error) {
	var sess model.Session
	var phase string
	var prices, participants []string

	err := s.pool.QueryRow(ctx,
		`SELECT id, phase, prices, start_time, end_time, decryption_deadline,
		        active_participants, total_orders, decryption_request
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &phase, &prices, &sess.StartTime, &sess.EndTime,
			&sess.DecryptionDeadline, &participants, &sess.TotalOrders, &sess.DecryptionRequest)
	if err != nil {
		return nil, notFoundErr(err, fmt.Sprintf("get session %d", id))
	}

	sess.Phase = model.SessionPhase(phase)
	sess.Prices = stringsToHandles(prices)
	sess.ActiveParticipants = participants
	return &sess, nil
}

func (s *PostgresStore) MaxSessionID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM sessions`).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET phase = $2, end_time = $3, decryption_deadline = $4,
		     active_participants = $5, total_orders = $6, decryption_request = $7
		 WHERE id = $1`,
		sess.ID, string(sess.Phase), sess.EndTime, sess.DecryptionDeadline,
		sess.ActiveParticipants, sess.TotalOrders, sess.DecryptionRequest,
	)
	return err
}

// --- Orders ---

func (s *PostgresStore) AppendOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (session_id, participant, idx, amount, target_price, instrument, direction, status, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.SessionID, o.Participant, o.Index,
		string(o.Amount), string(o.TargetPrice), string(o.Instrument), string(o.Direction),
		string(o.Status), o.PlacedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, sessionID uint64, participant string, index int) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, participant, idx, amount, target_price, instrument, direction, status, placed_at
		 FROM orders WHERE session_id = $1 AND participant = $2 AND idx = $3`,
		sessionID, participant, index)

	o, err := scanOrder(row)
	if err != nil {
		return nil, notFoundErr(err, fmt.Sprintf("get order %d/%s/%d", sessionID, participant, index))
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $4
		 WHERE session_id = $1 AND participant = $2 AND idx = $3`,
		o.SessionID, o.Participant, o.Index, string(o.Status),
	)
	return err
}

func (s *PostgresStore) ListParticipantOrders(ctx context.Context, sessionID uint64, participant string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, participant, idx, amount, target_price, instrument, direction, status, placed_at
		 FROM orders WHERE session_id = $1 AND participant = $2 ORDER BY idx`,
		sessionID, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CountParticipantOrders(ctx context.Context, sessionID uint64, participant string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE session_id = $1 AND participant = $2`,
		sessionID, participant).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var amount, target, instr, dir, status string

	if err := row.Scan(&o.SessionID, &o.Participant, &o.Index,
		&amount, &target, &instr, &dir, &status, &o.PlacedAt); err != nil {
		return nil, err
	}

	o.Amount = fhe.Handle(amount)
	o.TargetPrice = fhe.Handle(target)
	o.Instrument = fhe.Handle(instr)
	o.Direction = fhe.Handle(dir)
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// --- Decryption requests ---

func (s *PostgresStore) CreateDecryptionRequest(ctx context.Context, r *model.DecryptionRequest) error {
	refs, err := json.Marshal(r.OrderRefs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO decryption_requests (id, session_id, order_refs, requested_at, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.SessionID, refs, r.RequestedAt, string(r.Status),
	)
	return err
}

func (s *PostgresStore) GetDecryptionRequest(ctx context.Context, id string) (*model.DecryptionRequest, error) {
	var r model.DecryptionRequest
	var refs []byte
	var status string

	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, order_refs, requested_at, status
		 FROM decryption_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.SessionID, &refs, &r.RequestedAt, &status)
	if err != nil {
		return nil, notFoundErr(err, "get decryption request "+id)
	}

	if err := json.Unmarshal(refs, &r.OrderRefs); err != nil {
		return nil, fmt.Errorf("decode order refs for request %s: %w", id, err)
	}
	r.Status = model.RequestStatus(status)
	return &r, nil
}

func (s *PostgresStore) UpdateDecryptionRequest(ctx context.Context, r *model.DecryptionRequest) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE decryption_requests SET status = $2 WHERE id = $1`,
		r.ID, string(r.Status),
	)
	return err
}

// --- Refund claims ---

func (s *PostgresStore) RefundClaimed(ctx context.Context, sessionID uint64, participant string) (bool, error) {
	var claimed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM refund_claims WHERE session_id = $1 AND participant = $2)`,
		sessionID, participant).Scan(&claimed)
	return claimed, err
}

func (s *PostgresStore) MarkRefundClaimed(ctx context.Context, sessionID uint64, participant string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO refund_claims (session_id, participant)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		sessionID, participant,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

// --- Settlement ledger ---

func (s *PostgresStore) InsertSettlementRecord(ctx context.Context, rec *model.SettlementRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, session_id, participant, order_index, instrument,
		                          amount, price, fee, executed, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		rec.ID, rec.SessionID, rec.Participant, rec.OrderIndex, rec.Instrument,
		rec.Amount.String(), rec.Price.String(), rec.Fee.String(),
		rec.Executed, rec.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListSettlementsBySession(ctx context.Context, sessionID uint64) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, participant, order_index, instrument,
		        amount::TEXT, price::TEXT, fee::TEXT, executed, timestamp
		 FROM settlements WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func (s *PostgresStore) ListSettlementsByParticipant(ctx context.Context, participant string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, participant, order_index, instrument,
		        amount::TEXT, price::TEXT, fee::TEXT, executed, timestamp
		 FROM settlements WHERE participant = $1 ORDER BY timestamp`, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func scanSettlements(rows pgx.Rows) ([]model.SettlementRecord, error) {
	var records []model.SettlementRecord
	for rows.Next() {
		var r model.SettlementRecord
		var amountS, priceS, feeS string

		if err := rows.Scan(&r.ID, &r.SessionID, &r.Participant, &r.OrderIndex, &r.Instrument,
			&amountS, &priceS, &feeS, &r.Executed, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Amount, _ = decimal.NewFromString(amountS)
		r.Price, _ = decimal.NewFromString(priceS)
		r.Fee, _ = decimal.NewFromString(feeS)

		records = append(records, r)
	}
	return records, rows.Err()
}
