// Package httpapi is the HTTP layer: routing, auth, middleware, and the
// JSON handlers over the ledger, instrument, settlement and reconciliation
// services.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"concilia.dev/internal/instrument"
	"concilia.dev/internal/ledger"
	"concilia.dev/internal/obs"
	"concilia.dev/internal/reconcile"
	"concilia.dev/internal/settlement"
	"concilia.dev/internal/stream"
)

// ReadyProbe pings the backing database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	ledger      ledger.Store
	instruments instrument.Store
	settler     *settlement.Engine
	recon       *reconcile.Engine
	controller  *reconcile.Controller
	stream      *stream.Stream
	readyProbe  ReadyProbe
	version     string
}

// Config collects the collaborators the API serves.
type Config struct {
	Ledger      ledger.Store
	Instruments instrument.Store
	Settler     *settlement.Engine
	Recon       *reconcile.Engine
	Controller  *reconcile.Controller
	Stream      *stream.Stream
	ReadyProbe  ReadyProbe
	Version     string
}

func New(cfg Config) *API {
	a := &API{
		mux:         http.NewServeMux(),
		ledger:      cfg.Ledger,
		instruments: cfg.Instruments,
		settler:     cfg.Settler,
		recon:       cfg.Recon,
		controller:  cfg.Controller,
		stream:      cfg.Stream,
		readyProbe:  cfg.ReadyProbe,
		version:     cfg.Version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// ledger accounts
	a.mux.HandleFunc("/v1/accounts", a.handleAccountsCollection)
	a.mux.HandleFunc("/v1/accounts/", a.handleAccountResource)

	// instruments
	a.mux.HandleFunc("/v1/instruments", a.handleInstrumentsCollection)
	a.mux.HandleFunc("/v1/instruments/", a.handleInstrumentResource)

	// settlements
	a.mux.HandleFunc("/v1/settlements", a.handleSettlements)
	a.mux.HandleFunc("/v1/settlements/charges", a.handleCharges)
	a.mux.HandleFunc("/v1/settlements/", a.handleSettlementResource)

	// reconciliation
	a.mux.HandleFunc("/v1/reconciliation/runs", a.handleRunsCollection)
	a.mux.HandleFunc("/v1/reconciliation/runs/", a.handleRunResource)
	a.mux.HandleFunc("/v1/reconciliation/auto", a.handleReconcileAuto)

	// live movement feed
	a.mux.HandleFunc("/v1/stream/movements", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "concilia-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "concilia-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// parseDate accepts YYYY-MM-DD. Empty input returns the zero time.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", raw)
}
