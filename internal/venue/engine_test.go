package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veilex/venue-engine/internal/access"
	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/instrument"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/pauser"
	"github.com/veilex/venue-engine/internal/store"
	"github.com/veilex/venue-engine/internal/venue"
)

var sessionPrices = []uint64{12500, 14000, 1100000, 7500, 9200}

// testEnv wires the engine against the in-memory store, the mock privacy
// provider and an injected clock so deadlines can be crossed without sleeping.
type testEnv struct {
	store    *store.MemoryStore
	provider *fhe.MockProvider
	registry *access.Registry
	pausers  *pauser.Authority
	engine   *venue.Engine
	now      time.Time
}

func newTestEnv(t *testing.T, cooldown time.Duration) *testEnv {
	t.Helper()
	return newTestEnvProvider(t, cooldown, nil)
}

// newTestEnvProvider lets a test interpose on the provider the engine sees;
// the raw mock stays reachable for reveals. A nil wrap uses the mock directly.
func newTestEnvProvider(t *testing.T, cooldown time.Duration, wrap func(fhe.Provider) fhe.Provider) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		provider: fhe.NewMockProvider(),
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	var err error
	env.pausers, err = pauser.New([]string{"guardian"})
	if err != nil {
		t.Fatalf("pauser set: %v", err)
	}
	env.registry = access.NewRegistry(env.store, env.provider, access.Config{
		Owner:             "owner",
		VenuePrincipal:    "venue",
		MinInitialBalance: 1000,
		Cooldown:          cooldown,
		Clock:             clock,
	})

	var provider fhe.Provider = env.provider
	if wrap != nil {
		provider = wrap(env.provider)
	}
	env.engine, err = venue.NewEngine(context.Background(), env.store, provider, env.registry, env.pausers, venue.Config{
		Owner:            "owner",
		MinDuration:      time.Minute,
		MaxDuration:      7 * 24 * time.Hour,
		DecryptionWindow: time.Hour,
		EmergencyDelay:   24 * time.Hour,
		FeeBps:           30,
		Clock:            clock,
	}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return env
}

// restartEngine builds a fresh engine over the same store, provider and
// registry, simulating a process restart.
func (e *testEnv) restartEngine(t *testing.T) *venue.Engine {
	t.Helper()
	eng, err := venue.NewEngine(context.Background(), e.store, e.provider, e.registry, e.pausers, venue.Config{
		Owner:            "owner",
		MinDuration:      time.Minute,
		MaxDuration:      7 * 24 * time.Hour,
		DecryptionWindow: time.Hour,
		EmergencyDelay:   24 * time.Hour,
		FeeBps:           30,
		Clock:            func() time.Time { return e.now },
	}, nil)
	if err != nil {
		t.Fatalf("restart engine: %v", err)
	}
	return eng
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) register(t *testing.T, id string, balance uint64) {
	t.Helper()
	if _, err := e.registry.Register(context.Background(), id, balance); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (e *testEnv) startSession(t *testing.T, duration time.Duration) *model.Session {
	t.Helper()
	sess, err := e.engine.StartSession(context.Background(), "owner", sessionPrices, duration)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

func (e *testEnv) placeOrder(t *testing.T, participant string, amount, target, instr uint64, dir model.Direction) int {
	t.Helper()
	index, err := e.engine.PlaceOrder(context.Background(), participant, amount, target, instr, dir)
	if err != nil {
		t.Fatalf("place order for %s: %v", participant, err)
	}
	return index
}

// endSession closes the trading window and returns the decryption request id.
func (e *testEnv) endSession(t *testing.T, sessionID uint64) string {
	t.Helper()
	requestID, err := e.engine.EndAndRequestDecryption(context.Background(), "owner", sessionID)
	if err != nil {
		t.Fatalf("end session %d: %v", sessionID, err)
	}
	return requestID
}

// deliverCallback plays the oracle: reveals the batch and posts it back.
func (e *testEnv) deliverCallback(t *testing.T, requestID string) {
	t.Helper()
	values, proof, err := e.provider.Reveal(requestID)
	if err != nil {
		t.Fatalf("reveal %s: %v", requestID, err)
	}
	if err := e.engine.HandleDecryptionCallback(context.Background(), requestID, values, proof); err != nil {
		t.Fatalf("callback %s: %v", requestID, err)
	}
}

// balance decrypts a participant's balance through the provider round trip.
func (e *testEnv) balance(t *testing.T, id string) uint64 {
	t.Helper()
	return e.revealHandle(t, e.participant(t, id).EncryptedBalance)
}

func (e *testEnv) tradeCount(t *testing.T, id string) uint64 {
	t.Helper()
	return e.revealHandle(t, e.participant(t, id).TradeCounter)
}

func (e *testEnv) participant(t *testing.T, id string) *model.Participant {
	t.Helper()
	p, err := e.store.GetParticipant(context.Background(), id)
	if err != nil {
		t.Fatalf("get participant %s: %v", id, err)
	}
	return p
}

func (e *testEnv) revealHandle(t *testing.T, h fhe.Handle) uint64 {
	t.Helper()
	requestID, err := e.provider.RequestDecryption(context.Background(), []fhe.Handle{h})
	if err != nil {
		t.Fatalf("request decryption: %v", err)
	}
	values, _, err := e.provider.Reveal(requestID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	return values[0]
}

func (e *testEnv) order(t *testing.T, sessionID uint64, participant string, index int) *model.Order {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), sessionID, participant, index)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func TestTradingLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Fatalf("initial balance: got %d, want 10000", got)
	}

	sess := env.startSession(t, time.Hour)
	if sess.ID != 1 {
		t.Errorf("first session id: got %d, want 1", sess.ID)
	}
	if sess.Phase != model.PhaseActive {
		t.Errorf("phase: got %s, want active", sess.Phase)
	}

	// A buy at exactly the reference price executes.
	index := env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	if index != 0 {
		t.Errorf("first order index: got %d, want 0", index)
	}
	if got := env.balance(t, "trader"); got != 9000 {
		t.Errorf("balance after reserve: got %d, want 9000", got)
	}

	env.advance(time.Hour + time.Second)
	requestID := env.endSession(t, sess.ID)

	got, err := env.engine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Phase != model.PhaseDecryptionRequested {
		t.Errorf("phase after end: got %s, want decryption_requested", got.Phase)
	}
	if o := env.order(t, sess.ID, "trader", 0); o.Status != model.OrderPendingDecryption {
		t.Errorf("order status after end: got %s, want pending_decryption", o.Status)
	}

	env.deliverCallback(t, requestID)

	got, err = env.engine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Phase != model.PhaseDecryptionComplete {
		t.Errorf("phase after settle: got %s, want decryption_complete", got.Phase)
	}
	if o := env.order(t, sess.ID, "trader", 0); o.Status != model.OrderExecuted {
		t.Errorf("order status after settle: got %s, want executed", o.Status)
	}

	// Fee is floor(1000 * 30 / 10000) = 3; proceeds 997 return to the balance.
	if got := env.balance(t, "trader"); got != 9997 {
		t.Errorf("balance after settle: got %d, want 9997", got)
	}
	if got := env.tradeCount(t, "trader"); got != 1 {
		t.Errorf("trade counter: got %d, want 1", got)
	}
	if got := env.engine.FeePool().String(); got != "3" {
		t.Errorf("fee pool: got %s, want 3", got)
	}

	records, err := env.engine.Settlements(ctx, sess.ID)
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("settlement records: got %d, want 1", len(records))
	}
	if !records[0].Executed || records[0].Instrument != "BTC-PERP" {
		t.Errorf("record: %+v", records[0])
	}

	// The terminal session frees the slot; ids stay monotonic.
	next := env.startSession(t, time.Hour)
	if next.ID != 2 {
		t.Errorf("next session id: got %d, want 2", next.ID)
	}
}

func TestSettlementMatching(t *testing.T) {
	env := newTestEnv(t, 0)

	env.register(t, "bull", 10_000)
	env.register(t, "bear", 10_000)
	sess := env.startSession(t, time.Hour)

	// Instrument 1 settles at 14000. The buy wants at most 13000 and misses;
	// the sell wants at least 13000 and fills.
	env.placeOrder(t, "bull", 2000, 13000, 1, model.DirectionBuy)
	env.placeOrder(t, "bear", 2000, 13000, 1, model.DirectionSell)

	env.advance(time.Hour + time.Second)
	env.deliverCallback(t, env.endSession(t, sess.ID))

	if o := env.order(t, sess.ID, "bull", 0); o.Status != model.OrderRefunded {
		t.Errorf("bull order: got %s, want refunded", o.Status)
	}
	if o := env.order(t, sess.ID, "bear", 0); o.Status != model.OrderExecuted {
		t.Errorf("bear order: got %s, want executed", o.Status)
	}

	// The miss refunds the full reservation; the fill pays 6 in fees.
	if got := env.balance(t, "bull"); got != 10_000 {
		t.Errorf("bull balance: got %d, want 10000", got)
	}
	if got := env.balance(t, "bear"); got != 9994 {
		t.Errorf("bear balance: got %d, want 9994", got)
	}
	if got := env.tradeCount(t, "bull"); got != 0 {
		t.Errorf("bull trade counter: got %d, want 0", got)
	}
	if got := env.tradeCount(t, "bear"); got != 1 {
		t.Errorf("bear trade counter: got %d, want 1", got)
	}
}

func TestCallbackReplay(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	requestID := env.endSession(t, sess.ID)

	values, proof, err := env.provider.Reveal(requestID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := env.engine.HandleDecryptionCallback(ctx, requestID, values, proof); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	settled := env.balance(t, "trader")

	// Replaying the identical payload must not settle twice.
	err = env.engine.HandleDecryptionCallback(ctx, requestID, values, proof)
	if !errors.Is(err, venue.ErrAlreadyProcessed) {
		t.Fatalf("replay: expected ErrAlreadyProcessed, got %v", err)
	}
	if got := env.balance(t, "trader"); got != settled {
		t.Errorf("balance changed on replay: got %d, want %d", got, settled)
	}

	// Unknown request ids are rejected outright.
	err = env.engine.HandleDecryptionCallback(ctx, "bogus", values, proof)
	if !errors.Is(err, venue.ErrRequestNotFound) {
		t.Errorf("unknown request: expected ErrRequestNotFound, got %v", err)
	}
}

func TestBadProofLeavesRequestOutstanding(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	requestID := env.endSession(t, sess.ID)

	values, proof, err := env.provider.Reveal(requestID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}

	forged := append([]byte(nil), proof...)
	forged[0] ^= 0xff
	err = env.engine.HandleDecryptionCallback(ctx, requestID, values, forged)
	if !errors.Is(err, venue.ErrInvalidProof) {
		t.Fatalf("forged proof: expected ErrInvalidProof, got %v", err)
	}

	// Tampered cleartexts also fail verification.
	tampered := append([]uint64(nil), values...)
	tampered[0]++
	err = env.engine.HandleDecryptionCallback(ctx, requestID, tampered, proof)
	if !errors.Is(err, venue.ErrInvalidProof) {
		t.Fatalf("tampered values: expected ErrInvalidProof, got %v", err)
	}

	// The legitimate retry still settles.
	if err := env.engine.HandleDecryptionCallback(ctx, requestID, values, proof); err != nil {
		t.Fatalf("retry after bad proof: %v", err)
	}
	got, err := env.engine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Phase != model.PhaseDecryptionComplete {
		t.Errorf("phase: got %s, want decryption_complete", got.Phase)
	}
}

func TestEmergencyRefundFlow(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	requestID := env.endSession(t, sess.ID)

	// The oracle never answers. The escape hatch stays shut until the
	// decryption deadline plus the emergency delay has fully elapsed.
	err := env.engine.EnableEmergencyRefund(ctx, "owner", sess.ID)
	if !errors.Is(err, venue.ErrEmergencyPeriodNotReached) {
		t.Fatalf("early enable: expected ErrEmergencyPeriodNotReached, got %v", err)
	}

	env.advance(time.Hour + 24*time.Hour)

	if err := env.engine.EnableEmergencyRefund(ctx, "mallory", sess.ID); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("non-owner enable: expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.EnableEmergencyRefund(ctx, "owner", sess.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}

	got, err := env.engine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Phase != model.PhaseEmergencyRefund {
		t.Errorf("phase: got %s, want emergency_refund", got.Phase)
	}
	req, err := env.store.GetDecryptionRequest(ctx, requestID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != model.RequestFailed {
		t.Errorf("request status: got %s, want failed", req.Status)
	}

	// A late oracle answer can no longer settle.
	values, proof, err := env.provider.Reveal(requestID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	err = env.engine.HandleDecryptionCallback(ctx, requestID, values, proof)
	if !errors.Is(err, venue.ErrAlreadyProcessed) {
		t.Fatalf("late callback: expected ErrAlreadyProcessed, got %v", err)
	}

	refunded, err := env.engine.ClaimEmergencyRefund(ctx, "trader", sess.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if refunded != 1 {
		t.Errorf("refunded orders: got %d, want 1", refunded)
	}
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Errorf("balance after refund: got %d, want 10000", got)
	}
	if o := env.order(t, sess.ID, "trader", 0); o.Status != model.OrderRefunded {
		t.Errorf("order status: got %s, want refunded", o.Status)
	}

	if _, err := env.engine.ClaimEmergencyRefund(ctx, "trader", sess.ID); !errors.Is(err, venue.ErrAlreadyClaimed) {
		t.Errorf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}
	if err := env.engine.EnableEmergencyRefund(ctx, "owner", sess.ID); !errors.Is(err, venue.ErrAlreadyEnabled) {
		t.Errorf("second enable: expected ErrAlreadyEnabled, got %v", err)
	}
}

func TestSessionGating(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)

	if _, err := env.engine.StartSession(ctx, "mallory", sessionPrices, time.Hour); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-owner start: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.StartSession(ctx, "owner", sessionPrices, time.Second); !errors.Is(err, venue.ErrInvalidDuration) {
		t.Errorf("short duration: expected ErrInvalidDuration, got %v", err)
	}
	if _, err := env.engine.StartSession(ctx, "owner", []uint64{1, 2, 3}, time.Hour); !errors.Is(err, instrument.ErrInvalidPrice) {
		t.Errorf("short price vector: expected ErrInvalidPrice, got %v", err)
	}

	sess := env.startSession(t, time.Hour)
	if _, err := env.engine.StartSession(ctx, "owner", sessionPrices, time.Hour); !errors.Is(err, venue.ErrSessionActive) {
		t.Errorf("concurrent start: expected ErrSessionActive, got %v", err)
	}

	// An expired session with pending orders blocks the next slot until it
	// settles or refunds.
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	if _, err := env.engine.StartSession(ctx, "owner", sessionPrices, time.Hour); !errors.Is(err, venue.ErrPriorSessionNotSettled) {
		t.Errorf("unsettled prior: expected ErrPriorSessionNotSettled, got %v", err)
	}

	env.deliverCallback(t, env.endSession(t, sess.ID))
	env.startSession(t, time.Hour)
}

func TestEmptySessionFreesSlot(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	sess := env.startSession(t, time.Hour)
	env.advance(time.Hour + time.Second)

	// Nothing to decrypt in an orderless session.
	_, err := env.engine.EndAndRequestDecryption(ctx, "owner", sess.ID)
	if !errors.Is(err, venue.ErrNoOrdersToDecrypt) {
		t.Fatalf("expected ErrNoOrdersToDecrypt, got %v", err)
	}

	// The expired empty session does not block the next one.
	next := env.startSession(t, time.Hour)
	if next.ID != 2 {
		t.Errorf("next session id: got %d, want 2", next.ID)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)

	if _, err := env.engine.PlaceOrder(ctx, "trader", 1000, 12500, 0, model.DirectionBuy); !errors.Is(err, venue.ErrSessionNotActive) {
		t.Errorf("no session: expected ErrSessionNotActive, got %v", err)
	}

	env.startSession(t, time.Hour)

	if _, err := env.engine.PlaceOrder(ctx, "ghost", 1000, 12500, 0, model.DirectionBuy); !errors.Is(err, access.ErrNotRegistered) {
		t.Errorf("unregistered: expected ErrNotRegistered, got %v", err)
	}
	if _, err := env.engine.PlaceOrder(ctx, "trader", 1000, 12500, 9, model.DirectionBuy); !errors.Is(err, instrument.ErrInvalidInstrument) {
		t.Errorf("bad instrument: expected ErrInvalidInstrument, got %v", err)
	}
	if _, err := env.engine.PlaceOrder(ctx, "trader", 0, 12500, 0, model.DirectionBuy); !errors.Is(err, instrument.ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.PlaceOrder(ctx, "trader", 1000, 0, 0, model.DirectionBuy); !errors.Is(err, instrument.ErrInvalidPrice) {
		t.Errorf("zero price: expected ErrInvalidPrice, got %v", err)
	}

	// Validation failures reserve nothing.
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Errorf("balance after rejected orders: got %d, want 10000", got)
	}

	// Orders stop at the window edge.
	env.advance(time.Hour + time.Second)
	if _, err := env.engine.PlaceOrder(ctx, "trader", 1000, 12500, 0, model.DirectionBuy); !errors.Is(err, venue.ErrSessionNotActive) {
		t.Errorf("expired session: expected ErrSessionNotActive, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	index := env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)

	if err := env.engine.CancelOrder(ctx, "trader", sess.ID, index); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Errorf("balance after cancel: got %d, want 10000", got)
	}
	if o := env.order(t, sess.ID, "trader", index); o.Status != model.OrderRefunded {
		t.Errorf("order status: got %s, want refunded", o.Status)
	}

	if err := env.engine.CancelOrder(ctx, "trader", sess.ID, index); !errors.Is(err, venue.ErrOrderAlreadyExecuted) {
		t.Errorf("double cancel: expected ErrOrderAlreadyExecuted, got %v", err)
	}
	if err := env.engine.CancelOrder(ctx, "trader", sess.ID, 7); !errors.Is(err, venue.ErrOrderNotFound) {
		t.Errorf("unknown index: expected ErrOrderNotFound, got %v", err)
	}
}

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)

	if err := env.engine.Deposit(ctx, "trader", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := env.balance(t, "trader"); got != 10_500 {
		t.Errorf("balance after deposit: got %d, want 10500", got)
	}

	// An overdraft is a blind no-op rather than an error.
	if err := env.engine.Withdraw(ctx, "trader", 999_999); err != nil {
		t.Fatalf("overdraft withdraw: %v", err)
	}
	if got := env.balance(t, "trader"); got != 10_500 {
		t.Errorf("balance after overdraft: got %d, want 10500", got)
	}

	if err := env.engine.Withdraw(ctx, "trader", 500); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Errorf("balance after withdraw: got %d, want 10000", got)
	}
}

func TestCooldownBetweenActions(t *testing.T) {
	env := newTestEnv(t, 30*time.Second)
	ctx := context.Background()

	env.register(t, "trader", 10_000)

	if err := env.engine.Deposit(ctx, "trader", 100); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := env.engine.Deposit(ctx, "trader", 100); !errors.Is(err, access.ErrCooldownActive) {
		t.Fatalf("second deposit: expected ErrCooldownActive, got %v", err)
	}

	env.advance(30 * time.Second)
	if err := env.engine.Deposit(ctx, "trader", 100); err != nil {
		t.Fatalf("deposit after cooldown: %v", err)
	}

	// A rejected action does not restart the cooldown.
	env.advance(30 * time.Second)
	if err := env.engine.Deposit(ctx, "trader", 0); !errors.Is(err, instrument.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := env.engine.Deposit(ctx, "trader", 100); err != nil {
		t.Errorf("deposit after rejected action: %v", err)
	}
}

func TestBlacklistBlocksTrading(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	env.startSession(t, time.Hour)

	if err := env.registry.SetBlacklist(ctx, "owner", "trader", true); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	if _, err := env.engine.PlaceOrder(ctx, "trader", 1000, 12500, 0, model.DirectionBuy); !errors.Is(err, access.ErrBlacklisted) {
		t.Errorf("place: expected ErrBlacklisted, got %v", err)
	}
	if err := env.engine.Deposit(ctx, "trader", 100); !errors.Is(err, access.ErrBlacklisted) {
		t.Errorf("deposit: expected ErrBlacklisted, got %v", err)
	}
	if err := env.engine.Withdraw(ctx, "trader", 100); !errors.Is(err, access.ErrBlacklisted) {
		t.Errorf("withdraw: expected ErrBlacklisted, got %v", err)
	}
}

func TestPauseBlocksMutationsButNotRecovery(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	requestID := env.endSession(t, sess.ID)

	if err := env.pausers.Pause("guardian"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := env.engine.StartSession(ctx, "owner", sessionPrices, time.Hour); !errors.Is(err, pauser.ErrPaused) {
		t.Errorf("start while paused: expected ErrPaused, got %v", err)
	}
	if err := env.engine.Deposit(ctx, "trader", 100); !errors.Is(err, pauser.ErrPaused) {
		t.Errorf("deposit while paused: expected ErrPaused, got %v", err)
	}

	// The decryption callback stays open while paused: a settlement in
	// flight must be able to land.
	env.deliverCallback(t, requestID)
	got, err := env.engine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Phase != model.PhaseDecryptionComplete {
		t.Errorf("phase: got %s, want decryption_complete", got.Phase)
	}
}

func TestEmergencyRefundReachableWhilePaused(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	env.endSession(t, sess.ID)
	env.advance(time.Hour + 24*time.Hour)

	if err := env.pausers.Pause("guardian"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := env.engine.EnableEmergencyRefund(ctx, "owner", sess.ID); err != nil {
		t.Fatalf("enable while paused: %v", err)
	}
	refunded, err := env.engine.ClaimEmergencyRefund(ctx, "trader", sess.ID)
	if err != nil {
		t.Fatalf("claim while paused: %v", err)
	}
	if refunded != 1 {
		t.Errorf("refunded orders: got %d, want 1", refunded)
	}
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Errorf("balance: got %d, want 10000", got)
	}
}

func TestDecryptionDeadline(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)

	// Before the window closes the request is premature.
	if _, err := env.engine.EndAndRequestDecryption(ctx, "owner", sess.ID); !errors.Is(err, venue.ErrSessionNotEnded) {
		t.Errorf("early end: expected ErrSessionNotEnded, got %v", err)
	}

	// Past the decryption deadline the request window is gone and only the
	// emergency path remains.
	env.advance(2*time.Hour + time.Second)
	if _, err := env.engine.EndAndRequestDecryption(ctx, "owner", sess.ID); !errors.Is(err, venue.ErrDeadlinePassed) {
		t.Errorf("late end: expected ErrDeadlinePassed, got %v", err)
	}
}

func TestEmergencyEndSession(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, 24*time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)

	if err := env.engine.EmergencyEndSession(ctx, "mallory"); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-owner abort: expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.EmergencyEndSession(ctx, "owner"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	// The aborted session can settle immediately instead of waiting a day.
	env.advance(time.Second)
	env.deliverCallback(t, env.endSession(t, sess.ID))

	got, err := env.engine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Phase != model.PhaseDecryptionComplete {
		t.Errorf("phase: got %s, want decryption_complete", got.Phase)
	}
}

func TestDoubleDecryptionRequest(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.advance(time.Hour + time.Second)
	requestID := env.endSession(t, sess.ID)

	if _, err := env.engine.EndAndRequestDecryption(ctx, "owner", sess.ID); !errors.Is(err, venue.ErrAlreadyRequested) {
		t.Errorf("second request: expected ErrAlreadyRequested, got %v", err)
	}

	env.deliverCallback(t, requestID)
	if _, err := env.engine.EndAndRequestDecryption(ctx, "owner", sess.ID); !errors.Is(err, venue.ErrSessionSettled) {
		t.Errorf("request after settle: expected ErrSessionSettled, got %v", err)
	}
}

// unstableProvider fails a configured number of Add calls before recovering,
// modeling a transient provider outage.
type unstableProvider struct {
	fhe.Provider
	failures int
}

func (p *unstableProvider) Add(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	if p.failures > 0 {
		p.failures--
		return "", errors.New("provider unavailable")
	}
	return p.Provider.Add(ctx, a, b)
}

func TestEmergencyRefundClaimRetriesAfterProviderError(t *testing.T) {
	flaky := &unstableProvider{}
	env := newTestEnvProvider(t, 0, func(p fhe.Provider) fhe.Provider {
		flaky.Provider = p
		return flaky
	})
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)
	env.placeOrder(t, "trader", 500, 14000, 1, model.DirectionSell)
	env.advance(time.Hour + time.Second)
	env.endSession(t, sess.ID)
	env.advance(time.Hour + 24*time.Hour)
	if err := env.engine.EnableEmergencyRefund(ctx, "owner", sess.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}

	// The provider drops the first credit. The claim must fail without
	// recording anything, or the funds are locked forever.
	flaky.failures = 1
	if _, err := env.engine.ClaimEmergencyRefund(ctx, "trader", sess.ID); err == nil {
		t.Fatal("claim with failing provider: expected error")
	}
	if o := env.order(t, sess.ID, "trader", 0); o.Status != model.OrderPendingDecryption {
		t.Errorf("order 0 after failed claim: got %s, want pending_decryption", o.Status)
	}
	if got := env.balance(t, "trader"); got != 8_500 {
		t.Errorf("balance after failed claim: got %d, want 8500", got)
	}

	refunded, err := env.engine.ClaimEmergencyRefund(ctx, "trader", sess.ID)
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if refunded != 2 {
		t.Errorf("refunded orders: got %d, want 2", refunded)
	}
	if got := env.balance(t, "trader"); got != 10_000 {
		t.Errorf("balance after retry: got %d, want 10000", got)
	}

	if _, err := env.engine.ClaimEmergencyRefund(ctx, "trader", sess.ID); !errors.Is(err, venue.ErrAlreadyClaimed) {
		t.Errorf("third claim: expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestEngineRecoversStateAcrossRestart(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.register(t, "trader", 10_000)
	sess := env.startSession(t, time.Hour)
	env.placeOrder(t, "trader", 1000, 12500, 0, model.DirectionBuy)

	// A fresh engine over the same store must see the active session
	// instead of colliding with its id.
	restarted := env.restartEngine(t)
	if _, err := restarted.StartSession(ctx, "owner", sessionPrices, time.Hour); !errors.Is(err, venue.ErrSessionActive) {
		t.Fatalf("start on restarted engine: expected ErrSessionActive, got %v", err)
	}
	cur, err := restarted.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if cur.ID != sess.ID {
		t.Errorf("current session id: got %d, want %d", cur.ID, sess.ID)
	}

	// Settle through the restarted engine, then restart once more: the fee
	// pool rebuilds from the settlement ledger.
	env.advance(time.Hour + time.Second)
	requestID, err := restarted.EndAndRequestDecryption(ctx, "owner", sess.ID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	values, proof, err := env.provider.Reveal(requestID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := restarted.HandleDecryptionCallback(ctx, requestID, values, proof); err != nil {
		t.Fatalf("callback: %v", err)
	}

	again := env.restartEngine(t)
	if got := again.FeePool().String(); got != "3" {
		t.Errorf("fee pool after restart: got %s, want 3", got)
	}
	next, err := again.StartSession(ctx, "owner", sessionPrices, time.Hour)
	if err != nil {
		t.Fatalf("start after settle: %v", err)
	}
	if next.ID != 2 {
		t.Errorf("next session id: got %d, want 2", next.ID)
	}
}
