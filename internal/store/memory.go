package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/veilex/venue-engine/internal/model"
)

type orderKey struct {
	sessionID   uint64
	participant string
}

type claimKey struct {
	sessionID   uint64
	participant string
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*model.Participant
	sessions     map[uint64]*model.Session
	orders       map[orderKey][]model.Order
	requests     map[string]*model.DecryptionRequest
	claims       map[claimKey]bool
	settlements  []model.SettlementRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*model.Participant),
		sessions:     make(map[uint64]*model.Session),
		orders:       make(map[orderKey][]model.Order),
		requests:     make(map[string]*model.DecryptionRequest),
		claims:       make(map[claimKey]bool),
	}
}

// --- Participants ---

func (s *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[p.ID]; ok {
		return fmt.Errorf("participant %s already exists", p.ID)
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[p.ID]; !ok {
		return fmt.Errorf("participant %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %d already exists", sess.ID)
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id uint64) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return copySession(sess), nil
}

func (s *MemoryStore) MaxSessionID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max uint64
	for id := range s.sessions {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %d: %w", sess.ID, ErrNotFound)
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// copySession deep-copies the slices so callers cannot mutate stored state.
func copySession(in *model.Session) *model.Session {
	out := *in
	out.Prices = append(out.Prices[:0:0], in.Prices...)
	out.ActiveParticipants = append(out.ActiveParticipants[:0:0], in.ActiveParticipants...)
	return &out
}

// --- Orders ---

func (s *MemoryStore) AppendOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{o.SessionID, o.Participant}
	if o.Index != len(s.orders[key]) {
		return fmt.Errorf("order index %d out of sequence for %s in session %d",
			o.Index, o.Participant, o.SessionID)
	}
	s.orders[key] = append(s.orders[key], *o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, sessionID uint64, participant string, index int) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.orders[orderKey{sessionID, participant}]
	if index < 0 || index >= len(list) {
		return nil, fmt.Errorf("order %d/%s/%d: %w", sessionID, participant, index, ErrNotFound)
	}
	cp := list[index]
	return &cp, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.orders[orderKey{o.SessionID, o.Participant}]
	if o.Index < 0 || o.Index >= len(list) {
		return fmt.Errorf("order %d/%s/%d: %w", o.SessionID, o.Participant, o.Index, ErrNotFound)
	}
	list[o.Index] = *o
	return nil
}

func (s *MemoryStore) ListParticipantOrders(_ context.Context, sessionID uint64, participant string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.orders[orderKey{sessionID, participant}]
	out := make([]model.Order, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) CountParticipantOrders(_ context.Context, sessionID uint64, participant string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders[orderKey{sessionID, participant}]), nil
}

// --- Decryption requests ---

func (s *MemoryStore) CreateDecryptionRequest(_ context.Context, r *model.DecryptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("decryption request %s already exists", r.ID)
	}
	s.requests[r.ID] = copyRequest(r)
	return nil
}

func (s *MemoryStore) GetDecryptionRequest(_ context.Context, id string) (*model.DecryptionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("decryption request %s: %w", id, ErrNotFound)
	}
	return copyRequest(r), nil
}

func (s *MemoryStore) UpdateDecryptionRequest(_ context.Context, r *model.DecryptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[r.ID]; !ok {
		return fmt.Errorf("decryption request %s: %w", r.ID, ErrNotFound)
	}
	s.requests[r.ID] = copyRequest(r)
	return nil
}

func copyRequest(in *model.DecryptionRequest) *model.DecryptionRequest {
	out := *in
	out.OrderRefs = append(out.OrderRefs[:0:0], in.OrderRefs...)
	return &out
}

// --- Refund claims ---

func (s *MemoryStore) RefundClaimed(_ context.Context, sessionID uint64, participant string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims[claimKey{sessionID, participant}], nil
}

func (s *MemoryStore) MarkRefundClaimed(_ context.Context, sessionID uint64, participant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := claimKey{sessionID, participant}
	if s.claims[key] {
		return true, nil
	}
	s.claims[key] = true
	return false, nil
}

// --- Settlement ledger ---

func (s *MemoryStore) InsertSettlementRecord(_ context.Context, rec *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = append(s.settlements, *rec)
	return nil
}

func (s *MemoryStore) ListSettlementsBySession(_ context.Context, sessionID uint64) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementRecord
	for _, r := range s.settlements {
		if r.SessionID == sessionID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListSettlementsByParticipant(_ context.Context, participant string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementRecord
	for _, r := range s.settlements {
		if r.Participant == participant {
			result = append(result, r)
		}
	}
	return result, nil
}
