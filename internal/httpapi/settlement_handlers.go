package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"concilia.dev/internal/audit"
	"concilia.dev/internal/settlement"
	"concilia.dev/internal/stream"
)

type settleRequest struct {
	InstrumentID  string                  `json:"instrument_id"`
	PaymentDate   string                  `json:"payment_date"`
	Legs          []settlement.PaymentLeg `json:"legs"`
	Breakdown     *settlement.Breakdown   `json:"breakdown,omitempty"`
	AllowNegative bool                    `json:"allow_negative"`
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.InstrumentID) == "" {
		writeError(w, r, http.StatusBadRequest, "instrument_id is required")
		return
	}
	paymentDate, err := parseDate(req.PaymentDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "payment_date must be YYYY-MM-DD")
		return
	}

	res, err := a.settler.Settle(r.Context(), settlement.SettleRequest{
		InstrumentID:  req.InstrumentID,
		PaymentDate:   paymentDate,
		Legs:          req.Legs,
		Breakdown:     req.Breakdown,
		AllowNegative: req.AllowNegative,
	})
	if err != nil {
		handleSettlementError(w, r, err)
		return
	}

	a.publishMovements(res)
	audit.LogEvent(r.Context(), "settlement", map[string]any{
		"instrument_id": req.InstrumentID,
		"movements":     len(res.Movements),
		"total":         res.Charges.Total,
	})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleSettlementResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/settlements/"), "/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" || action != "reverse" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	var req reverseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	res, err := a.settler.ReverseSettlement(r.Context(), id, req.Reason)
	if err != nil {
		handleSettlementError(w, r, err)
		return
	}

	a.publishMovements(res)
	audit.LogEvent(r.Context(), "settlement_reverse", map[string]any{
		"instrument_id": id,
		"reason":        req.Reason,
	})
	writeJSON(w, http.StatusOK, res)
}

// handleCharges previews late charges without settling.
func (a *API) handleCharges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	instrumentID := strings.TrimSpace(r.URL.Query().Get("instrument_id"))
	if instrumentID == "" {
		writeError(w, r, http.StatusBadRequest, "instrument_id is required")
		return
	}
	paymentDate, err := parseDate(r.URL.Query().Get("payment_date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "payment_date must be YYYY-MM-DD")
		return
	}
	if paymentDate.IsZero() {
		paymentDate = time.Now().UTC()
	}

	charges, err := a.settler.Charges(r.Context(), instrumentID, paymentDate)
	if err != nil {
		handleSettlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, charges)
}

func (a *API) publishMovements(res settlement.Result) {
	if a.stream == nil {
		return
	}
	for _, mov := range res.Movements {
		a.stream.Publish(stream.FromMovement(mov))
	}
}

func handleSettlementError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, settlement.ErrNoPaymentLegs),
		errors.Is(err, settlement.ErrUnbalancedSplit):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrNotSettled):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		// Ledger and instrument errors surface with their own mapping.
		if isLedgerError(err) {
			handleLedgerError(w, r, err)
			return
		}
		handleInstrumentError(w, r, err)
	}
}
