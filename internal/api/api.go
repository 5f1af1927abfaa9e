// Package api serves read-only HTTP inspection of the pool.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/pool"
	"github.com/atmx/optionpool/internal/series"
)

// Handler exposes pool state over HTTP.
type Handler struct {
	pool *pool.Pool
	ws   http.HandlerFunc
}

// NewHandler creates a handler. ws serves /api/v1/ws and may be nil.
func NewHandler(p *pool.Pool, ws http.HandlerFunc) *Handler {
	return &Handler{pool: p, ws: ws}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if h.ws != nil {
			r.Get("/ws", h.ws)
		}

		r.Get("/series", h.ListSeries)
		r.Get("/series/{ticker}", h.GetSeries)
		r.Get("/series/{ticker}/quote", h.GetQuote)

		r.Get("/snapshot", h.GetSnapshot)
		r.Get("/state", h.GetState)
		r.Get("/epochs", h.ListEpochs)
		r.Get("/accounts/{account}/receipts", h.GetReceipts)
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "optionpool"})
}

// SeriesResponse is one live series with its ticker and shared net exposure.
type SeriesResponse struct {
	Ticker string `json:"ticker"`
	model.ExposureRecord
	NetExposure fixed.Point `json:"net_exposure"`
}

// ListSeries handles GET /api/v1/series.
func (h *Handler) ListSeries(w http.ResponseWriter, r *http.Request) {
	recs := h.pool.Records()
	out := make([]SeriesResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, SeriesResponse{
			Ticker:         series.Format(rec.Series),
			ExposureRecord: rec,
			NetExposure:    h.pool.NetExposure(rec.Series),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSeries handles GET /api/v1/series/{ticker}.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	s, err := h.pool.SeriesFromTicker(chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, ok := h.pool.Record(s)
	if !ok {
		writeErrorMessage(w, "series not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{
		Ticker:         series.Format(s),
		ExposureRecord: rec,
		NetExposure:    h.pool.NetExposure(s),
	})
}

// GetQuote handles GET /api/v1/series/{ticker}/quote?amount=&side=.
// side is "sell" (the pool writes) or "buy"; it defaults to "sell".
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	s, err := h.pool.SeriesFromTicker(chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := fixed.Parse(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() {
		writeErrorMessage(w, "amount must be a positive number", http.StatusBadRequest)
		return
	}
	var isSell bool
	switch r.URL.Query().Get("side") {
	case "", "sell":
		isSell = true
	case "buy":
	default:
		writeErrorMessage(w, "side must be sell or buy", http.StatusBadRequest)
		return
	}

	q, err := h.pool.Quote(r.Context(), s, amount, isSell)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetSnapshot handles GET /api/v1/snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.pool.Snapshot()
	if !ok {
		writeErrorMessage(w, "no snapshot fulfilled yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// StateResponse is the accounting state with the current NAV.
type StateResponse struct {
	model.AccountingState
	NAV *fixed.Point `json:"nav,omitempty"`
}

// GetState handles GET /api/v1/state. NAV is omitted when it cannot be
// computed.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{AccountingState: h.pool.State()}
	if nav, err := h.pool.NAV(); err == nil {
		resp.NAV = &nav
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEpochs handles GET /api/v1/epochs.
func (h *Handler) ListEpochs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.History())
}

// GetReceipts handles GET /api/v1/accounts/{account}/receipts.
func (h *Handler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Receipts(chi.URLParam(r, "account")))
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status by its class.
func writeError(w http.ResponseWriter, err error) {
	status := pool.Classify(err).HTTPStatus()
	if errors.Is(err, series.ErrInvalidTicker) || errors.Is(err, series.ErrInvalidStrike) || errors.Is(err, series.ErrInvalidExpiry) {
		status = http.StatusBadRequest
	}
	writeErrorMessage(w, err.Error(), status)
}

func writeErrorMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
