package venue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/veilex/venue-engine/internal/access"
	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/instrument"
	"github.com/veilex/venue-engine/internal/model"
	"github.com/veilex/venue-engine/internal/pauser"
)

// principalHeader carries the caller identity. Authentication happens in an
// external layer; the venue only consumes the asserted principal.
const principalHeader = "X-Principal"

// Service exposes the engine over HTTP. Amounts and prices cross the wire as
// decimal strings and are converted to base units before touching the engine.
type Service struct {
	engine   *Engine
	registry *access.Registry
	pausers  *pauser.Authority
}

// NewService creates the HTTP service.
func NewService(engine *Engine, registry *access.Registry, pausers *pauser.Authority) *Service {
	return &Service{engine: engine, registry: registry, pausers: pausers}
}

// Routes mounts all venue endpoints on a fresh router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/participants", s.Register)
	r.Get("/participants/{participantID}", s.GetParticipant)
	r.Post("/participants/deposit", s.Deposit)
	r.Post("/participants/withdraw", s.Withdraw)

	r.Post("/orders", s.PlaceOrder)
	r.Post("/orders/{sessionID}/{index}/cancel", s.CancelOrder)

	r.Get("/sessions/current", s.GetCurrentSession)
	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Get("/sessions/{sessionID}/orders", s.GetOwnOrders)
	r.Get("/sessions/{sessionID}/settlements", s.GetSettlements)

	r.Post("/refunds/{sessionID}/claim", s.ClaimRefund)

	r.Post("/decryption/callback", s.DecryptionCallback)

	r.Post("/admin/sessions", s.StartSession)
	r.Post("/admin/sessions/{sessionID}/end", s.EndSession)
	r.Post("/admin/sessions/abort", s.AbortSession)
	r.Post("/admin/sessions/{sessionID}/emergency-refund", s.EnableRefund)
	r.Post("/admin/blacklist", s.SetBlacklist)
	r.Post("/admin/pause", s.Pause)
	r.Post("/admin/unpause", s.Unpause)

	return r
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for participant registration.
type RegisterRequest struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Instrument  uint64          `json:"instrument"`
	Direction   string          `json:"direction"` // "buy" or "sell"
}

// PlaceOrderResponse is returned from POST /orders.
type PlaceOrderResponse struct {
	SessionID uint64 `json:"session_id"`
	Index     int    `json:"index"`
}

// StartSessionRequest is the JSON body for POST /admin/sessions.
type StartSessionRequest struct {
	Prices          []decimal.Decimal `json:"prices"`
	DurationSeconds int64             `json:"duration_seconds"`
}

// CallbackRequest is the JSON body the decryption oracle posts back.
type CallbackRequest struct {
	RequestID  string   `json:"request_id"`
	Cleartexts []uint64 `json:"cleartexts"`
	Proof      string   `json:"proof"` // base64
}

// BlacklistRequest is the JSON body for POST /admin/blacklist.
type BlacklistRequest struct {
	Participant string `json:"participant"`
	Blacklisted bool   `json:"blacklisted"`
}

// --- Handlers ---

// Register handles POST /participants.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	caller := principal(r)
	if caller == "" {
		writeError(w, "missing "+principalHeader+" header", http.StatusBadRequest)
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	balance, err := toBaseUnits(req.InitialBalance)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.registry.Register(r.Context(), caller, balance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetParticipant handles GET /participants/{participantID}.
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Participant(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Deposit handles POST /participants/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.balanceOp(w, r, s.engine.Deposit)
}

// Withdraw handles POST /participants/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.balanceOp(w, r, s.engine.Withdraw)
}

func (s *Service) balanceOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string, amount uint64) error) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := toBaseUnits(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), principal(r), amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PlaceOrder handles POST /orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller := principal(r)
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := toBaseUnits(req.Amount)
	if err != nil {
		writeError(w, "amount: "+err.Error(), http.StatusBadRequest)
		return
	}
	target, err := toBaseUnits(req.TargetPrice)
	if err != nil {
		writeError(w, "target_price: "+err.Error(), http.StatusBadRequest)
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	index, err := s.engine.PlaceOrder(r.Context(), caller, amount, target, req.Instrument, direction)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sess, err := s.engine.CurrentSession(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PlaceOrderResponse{SessionID: sess.ID, Index: index})
}

// CancelOrder handles POST /orders/{sessionID}/{index}/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, "invalid order index", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelOrder(r.Context(), principal(r), sessionID, index); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// GetCurrentSession handles GET /sessions/current.
func (s *Service) GetCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.CurrentSession(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetSession handles GET /sessions/{sessionID}.
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	sess, err := s.engine.Session(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetOwnOrders handles GET /sessions/{sessionID}/orders. Returns the
// caller's orders only; other participants' orders stay invisible.
func (s *Service) GetOwnOrders(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	orders, err := s.engine.ParticipantOrders(r.Context(), sessionID, principal(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

// GetSettlements handles GET /sessions/{sessionID}/settlements.
func (s *Service) GetSettlements(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	records, err := s.engine.Settlements(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []model.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ClaimRefund handles POST /refunds/{sessionID}/claim.
func (s *Service) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	refunded, err := s.engine.ClaimEmergencyRefund(r.Context(), principal(r), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refunded_orders": refunded})
}

// DecryptionCallback handles POST /decryption/callback, the oracle-facing
// entry point.
func (s *Service) DecryptionCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	proof, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		writeError(w, "proof must be base64", http.StatusBadRequest)
		return
	}

	if err := s.engine.HandleDecryptionCallback(r.Context(), req.RequestID, req.Cleartexts, proof); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

// StartSession handles POST /admin/sessions.
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	prices := make([]uint64, len(req.Prices))
	for i, p := range req.Prices {
		v, err := toBaseUnits(p)
		if err != nil {
			writeError(w, "price "+strconv.Itoa(i)+": "+err.Error(), http.StatusBadRequest)
			return
		}
		prices[i] = v
	}

	sess, err := s.engine.StartSession(r.Context(), principal(r), prices,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// EndSession handles POST /admin/sessions/{sessionID}/end.
func (s *Service) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	requestID, err := s.engine.EndAndRequestDecryption(r.Context(), principal(r), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID})
}

// AbortSession handles POST /admin/sessions/abort.
func (s *Service) AbortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.EmergencyEndSession(r.Context(), principal(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// EnableRefund handles POST /admin/sessions/{sessionID}/emergency-refund.
func (s *Service) EnableRefund(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseUint(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	if err := s.engine.EnableEmergencyRefund(r.Context(), principal(r), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency_refund_enabled"})
}

// SetBlacklist handles POST /admin/blacklist.
func (s *Service) SetBlacklist(w http.ResponseWriter, r *http.Request) {
	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.SetBlacklist(r.Context(), principal(r), req.Participant, req.Blacklisted); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Pause handles POST /admin/pause.
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	if err := s.pausers.Pause(principal(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Unpause handles POST /admin/unpause.
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := s.pausers.Unpause(principal(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unpaused"})
}

// --- Helpers ---

func principal(r *http.Request) string {
	return r.Header.Get(principalHeader)
}

func parseUint(w http.ResponseWriter, raw string) (uint64, bool) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, "invalid session id", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// toBaseUnits converts a decimal request value into integer base units.
// Encrypted arithmetic is integral, so fractional inputs are rejected.
func toBaseUnits(d decimal.Decimal) (uint64, error) {
	if !d.IsInteger() {
		return 0, errors.New("value must be an integer number of base units")
	}
	bi := d.BigInt()
	if bi.Sign() < 0 || !bi.IsUint64() {
		return 0, errors.New("value out of range")
	}
	return bi.Uint64(), nil
}

func parseDirection(raw string) (model.Direction, error) {
	switch raw {
	case "buy":
		return model.DirectionBuy, nil
	case "sell":
		return model.DirectionSell, nil
	default:
		return 0, errors.New(`direction must be "buy" or "sell"`)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps sentinel errors onto HTTP status codes. Every error
// string carries the offending session/order/participant so callers can
// decide whether to retry, wait, or escalate.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, pauser.ErrNotPauser):
		status = http.StatusForbidden

	case errors.Is(err, access.ErrCooldownActive):
		status = http.StatusTooManyRequests

	case errors.Is(err, access.ErrAlreadyRegistered),
		errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrAlreadyRequested),
		errors.Is(err, ErrAlreadyEnabled),
		errors.Is(err, ErrSessionActive),
		errors.Is(err, ErrPriorSessionNotSettled),
		errors.Is(err, ErrSessionNotActive),
		errors.Is(err, ErrSessionNotEnded),
		errors.Is(err, ErrSessionSettled),
		errors.Is(err, ErrDeadlinePassed),
		errors.Is(err, ErrEmergencyPeriodNotReached),
		errors.Is(err, ErrRefundNotEnabled),
		errors.Is(err, ErrOrderAlreadyExecuted),
		errors.Is(err, access.ErrBlacklisted),
		errors.Is(err, pauser.ErrPaused):
		status = http.StatusConflict

	case errors.Is(err, access.ErrBelowMinimum),
		errors.Is(err, access.ErrInvalidParticipant),
		errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrNoOrdersToDecrypt),
		errors.Is(err, ErrInvalidProof),
		errors.Is(err, ErrInvalidCleartexts),
		errors.Is(err, instrument.ErrInvalidInstrument),
		errors.Is(err, instrument.ErrInvalidPrice),
		errors.Is(err, instrument.ErrInvalidAmount):
		status = http.StatusBadRequest

	case errors.Is(err, access.ErrNotRegistered),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrRequestNotFound),
		errors.Is(err, fhe.ErrUnknownHandle):
		status = http.StatusNotFound
	}

	writeError(w, err.Error(), status)
}
