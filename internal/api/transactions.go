package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/domain"
)

// requestResponse inlines the request with the id under the name clients
// submit it back with.
type requestResponse struct {
	RequestID string `json:"request_id"`
	*domain.Request
}

func respondRequest(w http.ResponseWriter, status int, req *domain.Request) {
	writeJSON(w, status, requestResponse{RequestID: req.ID, Request: req})
}

type initiateBody struct {
	WalletID    string             `json:"wallet_id"`
	Type        domain.RequestType `json:"type"`
	Amount      decimal.Decimal    `json:"amount"`
	Destination string             `json:"destination"`
	Description string             `json:"description"`
	Urgency     domain.Urgency     `json:"urgency"`
	Chain       domain.ChainID     `json:"chain"`
}

func (h *handler) initiateTransaction(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Wallets.InitiateTransfer(r.Context(), body.WalletID, approval.Intent{
		Type:        body.Type,
		Amount:      body.Amount,
		Destination: body.Destination,
		Description: body.Description,
		Urgency:     body.Urgency,
		Chain:       body.Chain,
	}, adminID(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	respondRequest(w, http.StatusCreated, req)
}

type approvalBody struct {
	Decision domain.Decision `json:"decision"`
	Proof    domain.Proof    `json:"proof"`
}

func (h *handler) submitApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Workflow.SubmitApproval(r.Context(), chi.URLParam(r, "id"), adminID(r.Context()), body.Decision, body.Proof)
	if err != nil {
		writeError(w, r, err, req)
		return
	}
	respondRequest(w, http.StatusOK, req)
}

type pendingView struct {
	*domain.Request
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func (h *handler) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	items, err := h.Workflow.GetPending(r.Context(), adminID(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]pendingView, 0, len(items))
	for _, it := range items {
		out = append(out, pendingView{Request: it.Request, RemainingSeconds: int64(it.RemainingTTL.Seconds())})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) executeTransaction(w http.ResponseWriter, r *http.Request) {
	req, err := h.Workflow.Execute(r.Context(), chi.URLParam(r, "id"), adminID(r.Context()))
	if err != nil {
		writeError(w, r, err, req)
		return
	}
	respondRequest(w, http.StatusOK, req)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Workflow.Cancel(r.Context(), chi.URLParam(r, "id"), adminID(r.Context()), body.Reason)
	if err != nil {
		writeError(w, r, err, req)
		return
	}
	respondRequest(w, http.StatusOK, req)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	view, err := h.Workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type reversalBody struct {
	Reason        string           `json:"reason"`
	PartialAmount *decimal.Decimal `json:"partial_amount"`
}

func (h *handler) initiateReversal(w http.ResponseWriter, r *http.Request) {
	var body reversalBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.Reversals.InitiateReversal(r.Context(), chi.URLParam(r, "id"), body.Reason, adminID(r.Context()), body.PartialAmount)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) listReversals(w http.ResponseWriter, r *http.Request) {
	revs, err := h.Reversals.GetReversal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

type overrideBody struct {
	Reason string `json:"reason"`
	// MFAProof must not be the code already spent on the step-up.
	MFAProof string `json:"mfa_proof"`
}

func (h *handler) emergencyOverride(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Wallets.EmergencyOverride(r.Context(), chi.URLParam(r, "id"), adminID(r.Context()), body.Reason, body.MFAProof)
	if err != nil {
		writeError(w, r, err, req)
		return
	}
	respondRequest(w, http.StatusOK, req)
}

type mfaBody struct {
	Code string `json:"code"`
}

func (h *handler) confirmMFA(w http.ResponseWriter, r *http.Request) {
	var body mfaBody
	if !decode(w, r, &body) {
		return
	}
	if err := h.StepUp.Confirm(r.Context(), adminID(r.Context()), body.Code); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"window_seconds": int64(h.StepUp.Window().Seconds()),
	})
}
