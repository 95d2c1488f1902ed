package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"concilia.dev/internal/audit"
	"concilia.dev/internal/instrument"
)

type createInstrumentRequest struct {
	Kind             string `json:"kind"`
	CounterpartyID   string `json:"counterparty_id"`
	AccountID        string `json:"account_id"`
	Amount           int64  `json:"amount"`
	DueDate          string `json:"due_date"`
	OurNumber        string `json:"our_number"`
	DailyInterestPct string `json:"daily_interest_pct"`
	PenaltyPct       string `json:"penalty_pct"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleInstrumentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createInstrument(w, r)
	case http.MethodGet:
		a.listOpenInstruments(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleInstrumentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/instruments/"), "/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getInstrument(w, r, id)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.cancelInstrument(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createInstrument(w http.ResponseWriter, r *http.Request) {
	var req createInstrumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}
	due, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "due_date must be YYYY-MM-DD")
		return
	}

	inst := instrument.Instrument{
		Kind:           instrument.Kind(req.Kind),
		CounterpartyID: strings.TrimSpace(req.CounterpartyID),
		AccountID:      strings.TrimSpace(req.AccountID),
		Amount:         req.Amount,
		DueDate:        due,
		OurNumber:      strings.TrimSpace(req.OurNumber),
	}
	if req.DailyInterestPct != "" {
		d, err := decimal.NewFromString(req.DailyInterestPct)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "daily_interest_pct must be a decimal")
			return
		}
		inst.DailyInterestPct = &d
	}
	if req.PenaltyPct != "" {
		p, err := decimal.NewFromString(req.PenaltyPct)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "penalty_pct must be a decimal")
			return
		}
		inst.PenaltyPct = &p
	}

	created, err := a.instruments.Create(r.Context(), inst)
	if err != nil {
		handleInstrumentError(w, r, err)
		return
	}

	audit.LogEvent(r.Context(), "instrument_create", map[string]any{
		"instrument_id": created.ID,
		"kind":          req.Kind,
		"amount":        req.Amount,
	})
	w.Header().Set("Location", "/v1/instruments/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listOpenInstruments(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	items, err := a.instruments.ListOpen(r.Context(), accountID)
	if err != nil {
		handleInstrumentError(w, r, err)
		return
	}
	if items == nil {
		items = []instrument.Instrument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getInstrument(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := a.instruments.Get(r.Context(), id)
	if err != nil {
		handleInstrumentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) cancelInstrument(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	if err := a.instruments.Cancel(r.Context(), id, req.Reason); err != nil {
		handleInstrumentError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "instrument_cancel", map[string]any{
		"instrument_id": id,
		"reason":        req.Reason,
	})
	inst, err := a.instruments.Get(r.Context(), id)
	if err != nil {
		handleInstrumentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func handleInstrumentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, instrument.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, instrument.ErrNotCancellable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, instrument.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
