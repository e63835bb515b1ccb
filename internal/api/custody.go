package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/coldstorage"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/health"
)

type walletBody struct {
	Name         string            `json:"name"`
	Chain        domain.ChainID    `json:"chain"`
	Currency     string            `json:"currency"`
	Address      string            `json:"address"`
	Type         domain.WalletType `json:"type"`
	DailyLimit   decimal.Decimal   `json:"daily_limit"`
	MonthlyLimit decimal.Decimal   `json:"monthly_limit"`
}

func (h *handler) createWallet(w http.ResponseWriter, r *http.Request) {
	var body walletBody
	if !decode(w, r, &body) {
		return
	}
	wl, err := h.Wallets.CreateWallet(r.Context(), adminID(r.Context()), domain.Wallet{
		Name:         body.Name,
		Chain:        body.Chain,
		Currency:     body.Currency,
		Address:      body.Address,
		Type:         body.Type,
		DailyLimit:   body.DailyLimit,
		MonthlyLimit: body.MonthlyLimit,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, wl)
}

func (h *handler) listWallets(w http.ResponseWriter, r *http.Request) {
	list, err := h.Wallets.ListWallets(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.Wallets.GetWallet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

type limitsBody struct {
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
}

func (h *handler) updateLimits(w http.ResponseWriter, r *http.Request) {
	var body limitsBody
	if !decode(w, r, &body) {
		return
	}
	wl, err := h.Wallets.UpdateLimits(r.Context(), adminID(r.Context()), chi.URLParam(r, "id"), body.DailyLimit, body.MonthlyLimit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

func (h *handler) deactivateWallet(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}
	wl, err := h.Wallets.Deactivate(r.Context(), adminID(r.Context()), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

type vaultBody struct {
	Name            string            `json:"name"`
	Chain           domain.ChainID    `json:"chain"`
	Currency        string            `json:"currency"`
	Address         string            `json:"address"`
	Type            domain.VaultType  `json:"type"`
	StorageProtocol string            `json:"storage_protocol"`
	Location        map[string]string `json:"location"`
	RecordedBalance decimal.Decimal   `json:"recorded_balance"`
	Insurance       domain.Insurance  `json:"insurance"`
}

func (h *handler) createVault(w http.ResponseWriter, r *http.Request) {
	var body vaultBody
	if !decode(w, r, &body) {
		return
	}
	v, err := h.Vaults.CreateVault(r.Context(), adminID(r.Context()), domain.Vault{
		Name:            body.Name,
		Chain:           body.Chain,
		Currency:        body.Currency,
		Address:         body.Address,
		Type:            body.Type,
		StorageProtocol: body.StorageProtocol,
		Location:        body.Location,
		RecordedBalance: body.RecordedBalance,
		Insurance:       body.Insurance,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) listVaults(w http.ResponseWriter, r *http.Request) {
	list, err := h.Vaults.ListVaults(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.Vaults.GetVault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) deactivateVault(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}
	v, err := h.Vaults.Deactivate(r.Context(), adminID(r.Context()), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type vaultTransferBody struct {
	Type          domain.RequestType `json:"type"`
	Chain         domain.ChainID     `json:"chain"`
	Amount        decimal.Decimal    `json:"amount"`
	Destination   string             `json:"destination"`
	Description   string             `json:"description"`
	Urgency       domain.Urgency     `json:"urgency"`
	Justification string             `json:"justification"`
}

func (h *handler) initiateVaultTransfer(w http.ResponseWriter, r *http.Request) {
	var body vaultTransferBody
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Vaults.InitiateColdStorageTransfer(r.Context(), chi.URLParam(r, "id"), approval.Intent{
		Type:          body.Type,
		Chain:         body.Chain,
		Amount:        body.Amount,
		Destination:   body.Destination,
		Description:   body.Description,
		Urgency:       body.Urgency,
		Justification: body.Justification,
	}, adminID(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	respondRequest(w, http.StatusCreated, req)
}

type balanceCheckBody struct {
	PhysicallyVerified bool             `json:"physically_verified"`
	ObservedBalance    *decimal.Decimal `json:"observed_balance"`
}

func (h *handler) balanceCheck(w http.ResponseWriter, r *http.Request) {
	var body balanceCheckBody
	if !decode(w, r, &body) {
		return
	}
	check, err := h.Vaults.PerformBalanceCheck(r.Context(), coldstorage.BalanceCheckInput{
		VaultID:            chi.URLParam(r, "id"),
		VerifierID:         adminID(r.Context()),
		PhysicallyVerified: body.PhysicallyVerified,
		Observed:           body.ObservedBalance,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, check)
}

func (h *handler) latestBalanceCheck(w http.ResponseWriter, r *http.Request) {
	check, err := h.Vaults.LatestCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if check == nil {
		writeProblem(w, http.StatusNotFound, domain.CodeNotFound, "vault was never checked")
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id := adminID(r.Context())
	q := r.URL.Query()
	scope := q.Get("wallet_id")
	if scope == "" {
		scope = q.Get("scope_id")
	}
	if err := h.Authz.Require(r.Context(), id, domain.RoleAuditor); err != nil {
		writeError(w, r, h.Trail.Deny(r.Context(), id, domain.OpAuditQueried, "", scope, err), nil)
		return
	}

	f := domain.AuditFilter{
		ScopeID:   scope,
		SubjectID: q.Get("subject_id"),
		ActorID:   q.Get("actor_id"),
		Operation: q.Get("operation"),
		Severity:  domain.Severity(q.Get("severity")),
	}
	var err error
	if f.Since, f.Until, err = timeRange(q.Get("since"), q.Get("until")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if f.Limit, f.Offset, err = page(q.Get("limit"), q.Get("offset")); err != nil {
		writeError(w, r, err, nil)
		return
	}

	entries, err := h.Trail.Trail(r.Context(), f)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) overrideReport(w http.ResponseWriter, r *http.Request) {
	id := adminID(r.Context())
	if err := h.Authz.Require(r.Context(), id, domain.RoleAuditor); err != nil {
		writeError(w, r, h.Trail.Deny(r.Context(), id, domain.OpAuditQueried, domain.OpEmergencyOverride, "", err), nil)
		return
	}
	q := r.URL.Query()
	since, until, err := timeRange(q.Get("since"), q.Get("until"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	limit, offset, err := page(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	entries, err := h.Wallets.OverrideReport(r.Context(), since, until, limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func timeRange(since, until string) (time.Time, time.Time, error) {
	var s, u time.Time
	var err error
	if since != "" {
		if s, err = time.Parse(time.RFC3339, since); err != nil {
			return s, u, domain.Validationf("since must be RFC 3339")
		}
	}
	if until != "" {
		if u, err = time.Parse(time.RFC3339, until); err != nil {
			return s, u, domain.Validationf("until must be RFC 3339")
		}
	}
	return s, u, nil
}

func page(limit, offset string) (int, int, error) {
	var l, o int
	var err error
	if limit != "" {
		if l, err = strconv.Atoi(limit); err != nil {
			return 0, 0, domain.Validationf("limit must be an integer")
		}
	}
	if offset != "" {
		if o, err = strconv.Atoi(offset); err != nil {
			return 0, 0, domain.Validationf("offset must be an integer")
		}
	}
	return l, o, nil
}

func (h *handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
		return
	}
	report := h.Health.CheckHealth(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}
