// Package api serves the read-only inspection HTTP API of the broker: epoch
// and gauge state, pool aggregates, option certificates, quotes, and the
// event journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/option-broker/internal/broker"
	"github.com/atmx/option-broker/internal/metrics"
	"github.com/atmx/option-broker/internal/model"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Queries is the read side of the broker.
type Queries interface {
	Epoch(ctx context.Context) (model.EpochState, error)
	Gauges(ctx context.Context, epoch uint64) ([]model.Gauge, error)
	Pool(ctx context.Context, id uint64) (model.PoolAggregate, error)
	Participation(ctx context.Context, owner common.Address, poolID uint64) (model.Participation, error)
	Option(ctx context.Context, id uint64) (model.Option, error)
	Quote(ctx context.Context, optionID uint64, paymentToken common.Address) (broker.Settlement, error)
	PaymentToken(ctx context.Context, token common.Address) (model.PaymentToken, error)
	Events(ctx context.Context, after uint64, limit int) ([]model.Event, error)
}

// History is the per-identity event journal. It is only served when a
// durable journal is configured.
type History interface {
	ByIdentity(ctx context.Context, identity common.Address) ([]model.Event, error)
}

// Handler serves the API routes.
type Handler struct {
	q    Queries
	hist History
	log  *slog.Logger
}

// NewHandler creates a Handler. A nil logger means slog.Default().
func NewHandler(q Queries, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{q: q, log: log}
}

// WithHistory enables GET /api/v1/identities/{identity}/events.
func (h *Handler) WithHistory(hist History) *Handler {
	h.hist = hist
	return h
}

// NewRouter mounts the API, health, metrics, and the optional WebSocket
// endpoint on a chi router.
func NewRouter(h *Handler, ws http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"option-broker"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if ws != nil {
			r.Get("/ws", ws)
		}
		r.Get("/epoch", h.GetEpoch)
		r.Get("/epochs/{epoch}/gauges", h.GetGauges)
		r.Get("/pools/{poolID}", h.GetPool)
		r.Get("/pools/{poolID}/participations/{owner}", h.GetParticipation)
		r.Get("/options/{optionID}", h.GetOption)
		r.Get("/options/{optionID}/quote", h.GetQuote)
		r.Get("/payment-tokens/{token}", h.GetPaymentToken)
		r.Get("/events", h.ListEvents)
		if h.hist != nil {
			r.Get("/identities/{identity}/events", h.ListIdentityEvents)
		}
	})
	return r
}

// EpochResponse is the epoch state with the valuation in whole units.
type EpochResponse struct {
	model.EpochState
	RewardValuationUnits decimal.Decimal `json:"reward_valuation_units"`
}

// GetEpoch handles GET /api/v1/epoch.
func (h *Handler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	e, err := h.q.Epoch(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, EpochResponse{EpochState: e, RewardValuationUnits: model.Units(e.RewardValuation)})
}

// GetGauges handles GET /api/v1/epochs/{epoch}/gauges.
func (h *Handler) GetGauges(w http.ResponseWriter, r *http.Request) {
	epoch, ok := uintParam(w, r, "epoch")
	if !ok {
		return
	}
	gs, err := h.q.Gauges(r.Context(), epoch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if gs == nil {
		gs = []model.Gauge{}
	}
	writeJSON(w, gs)
}

// GetPool handles GET /api/v1/pools/{poolID}.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "poolID")
	if !ok {
		return
	}
	p, err := h.q.Pool(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, p)
}

// GetParticipation handles GET /api/v1/pools/{poolID}/participations/{owner}.
func (h *Handler) GetParticipation(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "poolID")
	if !ok {
		return
	}
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	p, err := h.q.Participation(r.Context(), owner, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, p)
}

// GetOption handles GET /api/v1/options/{optionID}.
func (h *Handler) GetOption(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "optionID")
	if !ok {
		return
	}
	o, err := h.q.Option(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, o)
}

// QuoteResponse is a settlement preview with human-unit renderings.
type QuoteResponse struct {
	broker.Settlement
	EligibleRewardUnits decimal.Decimal `json:"eligible_reward_units"`
	OTCValueUnits       decimal.Decimal `json:"otc_value_units"`
}

// GetQuote handles GET /api/v1/options/{optionID}/quote?payment_token=0x...
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "optionID")
	if !ok {
		return
	}
	raw := r.URL.Query().Get("payment_token")
	if !common.IsHexAddress(raw) {
		writeError(w, "payment_token must be a hex address", http.StatusBadRequest)
		return
	}
	s, err := h.q.Quote(r.Context(), id, common.HexToAddress(raw))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, QuoteResponse{
		Settlement:          s,
		EligibleRewardUnits: model.Units(s.EligibleReward),
		OTCValueUnits:       model.Units(s.OTCValue),
	})
}

// PaymentTokenResponse reports whether a token is accepted for exercise.
type PaymentTokenResponse struct {
	Token   common.Address `json:"token"`
	Oracle  string         `json:"oracle"`
	Enabled bool           `json:"enabled"`
}

// GetPaymentToken handles GET /api/v1/payment-tokens/{token}.
func (h *Handler) GetPaymentToken(w http.ResponseWriter, r *http.Request) {
	token, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	pt, err := h.q.PaymentToken(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, PaymentTokenResponse{Token: token, Oracle: pt.Oracle, Enabled: pt.Enabled()})
}

// ListEvents handles GET /api/v1/events?after=&limit=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "after must be an unsigned integer", http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := h.q.Events(r.Context(), after, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, events)
}

// ListIdentityEvents handles GET /api/v1/identities/{identity}/events.
func (h *Handler) ListIdentityEvents(w http.ResponseWriter, r *http.Request) {
	identity, ok := addressParam(w, r, "identity")
	if !ok {
		return
	}
	evs, err := h.hist.ByIdentity(r.Context(), identity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, evs)
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindNotAuthorized:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalidState:
		return http.StatusConflict
	case model.KindUnsupported:
		return http.StatusUnprocessableEntity
	case model.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case model.KindOracle:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, "request timed out", http.StatusGatewayTimeout)
		return
	}
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error("api request failed", "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, name+" must be an unsigned integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		writeError(w, name+" must be a hex address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
