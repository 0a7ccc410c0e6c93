package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"keyconnect/internal/clock"
	"keyconnect/internal/license"
	"keyconnect/internal/metrics"
)

type Options struct {
	StoreTimeout time.Duration
	ConnectRPS   float64
	ConnectBurst int
}

type API struct {
	validator *license.Validator
	manager   *license.Manager
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       zerolog.Logger
	opts      Options
	limiter   *clientLimiter
}

func New(v *license.Validator, m *license.Manager, mt *metrics.Metrics, clk clock.Clock, log zerolog.Logger, opts Options) *API {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &API{
		validator: v,
		manager:   m,
		metrics:   mt,
		clock:     clk,
		log:       log,
		opts:      opts,
		limiter:   newClientLimiter(opts.ConnectRPS, opts.ConnectBurst, clk),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/connect", func(r chi.Router) {
		r.Use(a.rateLimit)
		r.Post("/", a.handleConnect)
		r.Post("/{slug}", a.handleConnect)
		r.Get("/", a.handleConnectGet)
		r.Get("/{slug}", a.handleConnectGet)
	})

	r.Route("/v1/seller", func(r chi.Router) {
		r.Use(a.sellerAuth)
		r.Get("/keys", a.handleListKeys)
		r.Post("/keys", a.handleIssueKey)
		r.Get("/keys/{key}", a.handleGetKey)
		r.Delete("/keys/{key}", a.handleDeleteKey)
		r.Post("/keys/{key}/renew", a.handleRenewKey)
		r.Post("/keys/{key}/reset-devices", a.handleResetDevices)
		r.Put("/keys/{key}/max-devices", a.handleSetMaxDevices)
		r.Put("/keys/{key}/expiry", a.handleSetExpiry)
		r.Post("/maintenance", a.handleMaintenance)
		r.Post("/reset", a.handleResetSeller)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps manager errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, license.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, license.ErrDuplicateKey), errors.Is(err, license.ErrSellerExists),
		errors.Is(err, license.ErrDeviceLimitBelowBound):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, license.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, license.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("seller request failed")
		writeError(w, http.StatusInternalServerError, "server error")
	}
}
