package fhe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnknownHandle is returned when an operation references a handle the
	// provider never issued.
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")

	// ErrUnknownRequest is returned when revealing a decryption request the
	// provider never issued.
	ErrUnknownRequest = errors.New("fhe: unknown decryption request")

	// ErrEmptyBatch is returned when a decryption request carries no handles.
	ErrEmptyBatch = errors.New("fhe: empty decryption batch")
)

// MockProvider implements Provider with an in-memory plaintext map behind
// uuid handles. Used for development and testing; arithmetic matches the
// unsigned modular semantics a real scheme would give. Not suitable for
// production (plaintexts live in process memory).
//
// Decryption is deliberately manual: RequestDecryption snapshots the batch
// and returns an id, and nothing happens until the host fetches the
// cleartexts with Reveal and feeds them to the venue's callback endpoint.
// That reproduces the out-of-band oracle, including the "never responds"
// case: simply never call Reveal.
type MockProvider struct {
	mu       sync.Mutex
	values   map[Handle]uint64
	acl      map[Handle]map[string]bool
	requests map[string][]uint64
	key      []byte // HMAC key standing in for the oracle's signing key
}

// NewMockProvider creates a mock provider with a fresh proof key.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		values:   make(map[Handle]uint64),
		acl:      make(map[Handle]map[string]bool),
		requests: make(map[string][]uint64),
		key:      []byte(uuid.New().String()),
	}
}

func (p *MockProvider) newHandle(v uint64) Handle {
	h := Handle(uuid.New().String())
	p.values[h] = v
	return h
}

func (p *MockProvider) get(h Handle) (uint64, error) {
	v, ok := p.values[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return v, nil
}

func (p *MockProvider) Encrypt(_ context.Context, value uint64) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newHandle(value), nil
}

func (p *MockProvider) binop(a, b Handle, f func(x, y uint64) uint64) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	x, err := p.get(a)
	if err != nil {
		return Zero, err
	}
	y, err := p.get(b)
	if err != nil {
		return Zero, err
	}
	return p.newHandle(f(x, y)), nil
}

func (p *MockProvider) Add(_ context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return x + y })
}

func (p *MockProvider) Sub(_ context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return x - y }) // wraps, like the scheme
}

func (p *MockProvider) Mul(_ context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return x * y })
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (p *MockProvider) Ge(_ context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return boolBit(x >= y) })
}

func (p *MockProvider) Le(_ context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return boolBit(x <= y) })
}

func (p *MockProvider) Eq(_ context.Context, a, b Handle) (Handle, error) {
	return p.binop(a, b, func(x, y uint64) uint64 { return boolBit(x == y) })
}

func (p *MockProvider) Select(_ context.Context, cond, a, b Handle) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.get(cond)
	if err != nil {
		return Zero, err
	}
	x, err := p.get(a)
	if err != nil {
		return Zero, err
	}
	y, err := p.get(b)
	if err != nil {
		return Zero, err
	}
	if c != 0 {
		return p.newHandle(x), nil
	}
	return p.newHandle(y), nil
}

func (p *MockProvider) GrantAccess(_ context.Context, h Handle, principal string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.get(h); err != nil {
		return err
	}
	if p.acl[h] == nil {
		p.acl[h] = make(map[string]bool)
	}
	p.acl[h][principal] = true
	return nil
}

// HasAccess reports whether principal is on the handle's decrypt ACL.
func (p *MockProvider) HasAccess(h Handle, principal string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acl[h][principal]
}

func (p *MockProvider) RequestDecryption(_ context.Context, handles []Handle) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(handles) == 0 {
		return "", ErrEmptyBatch
	}

	values := make([]uint64, len(handles))
	for i, h := range handles {
		v, err := p.get(h)
		if err != nil {
			return "", err
		}
		values[i] = v
	}

	id := uuid.New().String()
	p.requests[id] = values
	return id, nil
}

// Reveal returns the cleartexts and proof for an outstanding request, playing
// the role of the oracle's asynchronous response. The host forwards the
// result to the venue's decryption callback.
func (p *MockProvider) Reveal(requestID string) ([]uint64, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values, ok := p.requests[requestID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	out := make([]uint64, len(values))
	copy(out, values)
	return out, p.sign(requestID, out), nil
}

func (p *MockProvider) VerifyProof(requestID string, values []uint64, proof []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.requests[requestID]; !ok {
		return false
	}
	return hmac.Equal(p.sign(requestID, values), proof)
}

// sign computes HMAC-SHA256 over the request id and cleartexts. A stand-in
// for the oracle's signature; callers must hold p.mu.
func (p *MockProvider) sign(requestID string, values []uint64) []byte {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(requestID))
	var buf [8]byte
	for _, v := range values {
		binary.BigEndian.PutUint64(buf[:], v)
		mac.Write(buf[:])
	}
	return mac.Sum(nil)
}
