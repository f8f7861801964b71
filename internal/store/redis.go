package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veilex/venue-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot lookups: participants and sessions. Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary. Order, request and ledger access is passthrough;
// those paths run under the engine's writer lock and gain nothing from a
// cache hop.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Participants ---

func (s *CachedStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	if err := s.primary.CreateParticipant(ctx, p); err != nil {
		return err
	}
	s.cacheSet(ctx, participantKey(p.ID), p)
	return nil
}

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	var p model.Participant
	if s.cacheGet(ctx, participantKey(id), &p) {
		return &p, nil
	}

	got, err := s.primary.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, participantKey(id), got)
	return got, nil
}

func (s *CachedStore) UpdateParticipant(ctx context.Context, p *model.Participant) error {
	if err := s.primary.UpdateParticipant(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, participantKey(p.ID))
	return nil
}

// --- Sessions ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSet(ctx, sessionKey(sess.ID), sess)
	return nil
}

func (s *CachedStore) GetSession(ctx context.Context, id uint64) (*model.Session, error) {
	var sess model.Session
	if s.cacheGet(ctx, sessionKey(id), &sess) {
		return &sess, nil
	}

	got, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, sessionKey(id), got)
	return got, nil
}

func (s *CachedStore) MaxSessionID(ctx context.Context) (uint64, error) {
	return s.primary.MaxSessionID(ctx)
}

func (s *CachedStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.UpdateSession(ctx, sess); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(sess.ID))
	return nil
}

// --- Passthrough ---

func (s *CachedStore) AppendOrder(ctx context.Context, o *model.Order) error {
	return s.primary.AppendOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, sessionID uint64, participant string, index int) (*model.Order, error) {
	return s.primary.GetOrder(ctx, sessionID, participant, index)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) ListParticipantOrders(ctx context.Context, sessionID uint64, participant string) ([]model.Order, error) {
	return s.primary.ListParticipantOrders(ctx, sessionID, participant)
}

func (s *CachedStore) CountParticipantOrders(ctx context.Context, sessionID uint64, participant string) (int, error) {
	return s.primary.CountParticipantOrders(ctx, sessionID, participant)
}

func (s *CachedStore) CreateDecryptionRequest(ctx context.Context, r *model.DecryptionRequest) error {
	return s.primary.CreateDecryptionRequest(ctx, r)
}

func (s *CachedStore) GetDecryptionRequest(ctx context.Context, id string) (*model.DecryptionRequest, error) {
	return s.primary.GetDecryptionRequest(ctx, id)
}

func (s *CachedStore) UpdateDecryptionRequest(ctx context.Context, r *model.DecryptionRequest) error {
	return s.primary.UpdateDecryptionRequest(ctx, r)
}

func (s *CachedStore) RefundClaimed(ctx context.Context, sessionID uint64, participant string) (bool, error) {
	return s.primary.RefundClaimed(ctx, sessionID, participant)
}

func (s *CachedStore) MarkRefundClaimed(ctx context.Context, sessionID uint64, participant string) (bool, error) {
	return s.primary.MarkRefundClaimed(ctx, sessionID, participant)
}

func (s *CachedStore) InsertSettlementRecord(ctx context.Context, rec *model.SettlementRecord) error {
	return s.primary.InsertSettlementRecord(ctx, rec)
}

func (s *CachedStore) ListSettlementsBySession(ctx context.Context, sessionID uint64) ([]model.SettlementRecord, error) {
	return s.primary.ListSettlementsBySession(ctx, sessionID)
}

func (s *CachedStore) ListSettlementsByParticipant(ctx context.Context, participant string) ([]model.SettlementRecord, error) {
	return s.primary.ListSettlementsByParticipant(ctx, participant)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) cacheGet(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func participantKey(id string) string { return fmt.Sprintf("participant:%s", id) }
func sessionKey(id uint64) string     { return fmt.Sprintf("session:%d", id) }
