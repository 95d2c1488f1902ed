package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"concilia.dev/internal/bankfeed"
	"concilia.dev/internal/reconcile"
)

type ingestRequest struct {
	IntegrationID string                         `json:"integration_id"`
	AccountID     string                         `json:"account_id"`
	Movements     []reconcile.NormalizedMovement `json:"movements"`
}

type resolveRequest struct {
	InstrumentID string `json:"instrument_id"`
	Note         string `json:"note"`
}

type ignoreRequest struct {
	Note string `json:"note"`
}

type autoRequest struct {
	IntegrationID string `json:"integration_id"`
}

func (a *API) handleRunsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.ingestRun(w, r)
	case http.MethodGet:
		a.listRuns(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// ingestRun accepts either a JSON payload of normalized movements or a raw
// CSV statement upload (Content-Type: text/csv) with integration_id and
// account_id as query parameters.
func (a *API) ingestRun(w http.ResponseWriter, r *http.Request) {
	var (
		integrationID, accountID string
		movements                []reconcile.NormalizedMovement
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		integrationID = strings.TrimSpace(r.URL.Query().Get("integration_id"))
		accountID = strings.TrimSpace(r.URL.Query().Get("account_id"))
		parsed, err := bankfeed.ParseCSV(http.MaxBytesReader(w, r.Body, 4<<20))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		movements = parsed
	} else {
		var req ingestRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		integrationID = strings.TrimSpace(req.IntegrationID)
		accountID = strings.TrimSpace(req.AccountID)
		movements = req.Movements
	}

	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	if integrationID == "" {
		integrationID = "manual"
	}

	run, err := a.recon.Ingest(r.Context(), integrationID, accountID, movements, time.Now())
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/reconciliation/runs/"+run.ID)
	writeJSON(w, http.StatusCreated, run)
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
	}
	runs, err := a.recon.ListRuns(r.Context(), accountID, limit)
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	if runs == nil {
		runs = []reconcile.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (a *API) handleRunResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/reconciliation/runs/"), "/")
	segs := strings.Split(rest, "/")

	switch {
	case len(segs) == 1 && segs[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRun(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "escalate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.escalateRun(w, r, segs[0])
	case len(segs) == 4 && segs[1] == "movements":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		idx, err := strconv.Atoi(segs[2])
		if err != nil || idx < 0 {
			writeError(w, r, http.StatusBadRequest, "movement index must be a non-negative integer")
			return
		}
		switch segs[3] {
		case "resolve":
			a.resolveMovement(w, r, segs[0], idx)
		case "ignore":
			a.ignoreMovement(w, r, segs[0], idx)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := a.recon.GetRun(r.Context(), id)
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) resolveMovement(w http.ResponseWriter, r *http.Request, runID string, idx int) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.InstrumentID) == "" {
		writeError(w, r, http.StatusBadRequest, "instrument_id is required")
		return
	}
	run, err := a.recon.ResolveManually(r.Context(), runID, idx, req.InstrumentID, req.Note)
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) ignoreMovement(w http.ResponseWriter, r *http.Request, runID string, idx int) {
	var req ignoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	run, err := a.recon.Ignore(r.Context(), runID, idx, req.Note)
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) escalateRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, escalated, err := a.recon.EscalateStale(r.Context(), runID, time.Now())
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"escalated": escalated,
	})
}

// handleReconcileAuto triggers the batch: every integration, or a single
// one when integration_id is present in the body.
func (a *API) handleReconcileAuto(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.controller == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no bank feed configured")
		return
	}

	var req autoRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	if req.IntegrationID != "" {
		res, err := a.controller.RunManual(r.Context(), req.IntegrationID, time.Now())
		if err != nil {
			handleReconError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	summary, err := a.controller.RunAutomatic(r.Context(), time.Now())
	if err != nil {
		handleReconError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func handleReconError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reconcile.ErrRunNotFound),
		errors.Is(err, reconcile.ErrMovementIndex):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, reconcile.ErrNotResolvable),
		errors.Is(err, reconcile.ErrAccountBusy):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, reconcile.ErrIntegration):
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		if isLedgerError(err) {
			handleLedgerError(w, r, err)
			return
		}
		handleInstrumentError(w, r, err)
	}
}
