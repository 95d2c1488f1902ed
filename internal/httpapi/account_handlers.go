package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"concilia.dev/internal/audit"
	"concilia.dev/internal/ledger"
)

type createAccountRequest struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	InitialBalance int64  `json:"initial_balance"`
	SetDefault     bool   `json:"set_default"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	case http.MethodGet:
		a.listAccounts(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAccount(w, r, id)
	case "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, id)
	case "movements":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listMovements(w, r, id)
	case "default":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setDefault(w, r, id)
	case "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deactivate(w, r, id)
	case "unfreeze":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.unfreeze(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if req.InitialBalance < 0 {
		writeError(w, r, http.StatusBadRequest, "initial_balance must be >= 0")
		return
	}

	acc, err := a.ledger.CreateAccount(r.Context(), ledger.CreateAccountParams{
		Name:           strings.TrimSpace(req.Name),
		Kind:           ledger.AccountKind(req.Kind),
		InitialBalance: req.InitialBalance,
		SetDefault:     req.SetDefault,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	audit.LogEvent(r.Context(), "account_create", map[string]any{
		"account_id":      acc.ID,
		"initial_balance": req.InitialBalance,
	})
	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.ledger.ListAccounts(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []ledger.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": accounts})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, id string) {
	bal, err := a.ledger.GetBalance(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"balance":    bal,
	})
}

func (a *API) listMovements(w http.ResponseWriter, r *http.Request, id string) {
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
	}

	movements, err := a.ledger.ListMovements(r.Context(), id, from, to, limit)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if movements == nil {
		movements = []ledger.Movement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": movements})
}

func (a *API) setDefault(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.ledger.SetDefault(r.Context(), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "account_set_default", map[string]any{"account_id": id})
	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) deactivate(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.ledger.Deactivate(r.Context(), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "account_deactivate", map[string]any{"account_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "active": false})
}

func (a *API) unfreeze(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireAdmin(w, r) {
		return
	}
	if err := a.ledger.Unfreeze(r.Context(), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "account_unfreeze", map[string]any{"account_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "frozen": false})
}

func isLedgerError(err error) bool {
	for _, e := range []error{
		ledger.ErrInvalidAmount, ledger.ErrInvalidDirection, ledger.ErrEmptyBatch,
		ledger.ErrInsufficientFunds, ledger.ErrAccountInactive, ledger.ErrAccountFrozen,
		ledger.ErrAlreadyReversed, ledger.ErrConsistency,
		ledger.ErrAccountNotFound, ledger.ErrMovementNotFound,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidDirection),
		errors.Is(err, ledger.ErrEmptyBatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrAccountInactive),
		errors.Is(err, ledger.ErrAccountFrozen),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrConsistency):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrMovementNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
