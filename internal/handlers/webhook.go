package handlers

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/medic-monitor/medic/internal/api"
	"github.com/medic-monitor/medic/internal/playbook"
)

// Signature headers for the signed approval callback.
const (
	headerTimestamp = "X-Medic-Timestamp"
	headerSignature = "X-Medic-Signature"
)

// maxCallbackBody bounds the signed callback body size.
const maxCallbackBody = 64 * 1024

// WebhookHandler handles the signed external approval-decision callback:
// automation that is not Slack (chatops bridges, internal tooling) decides
// approvals here, authenticated by an HMAC signature over the raw body.
type WebhookHandler struct {
	approvals     *playbook.ApprovalService
	signingSecret string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(approvals *playbook.ApprovalService, signingSecret string) *WebhookHandler {
	return &WebhookHandler{
		approvals:     approvals,
		signingSecret: signingSecret,
	}
}

// SetupRoutes sets up the signed callback route
func (h *WebhookHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/approvals/{id}", h.handleDecision)
}

type decisionRequest struct {
	Decision  string `json:"decision"` // approve or reject
	DecidedBy string `json:"decided_by"`
}

// handleDecision handles POST /webhook/approvals/{id}
func (h *WebhookHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	err = playbook.VerifySignature(h.signingSecret,
		r.Header.Get(headerTimestamp), r.Header.Get(headerSignature), body, time.Now())
	if err != nil {
		log.Printf("Approval callback signature rejected from %s: %v", r.RemoteAddr, err)
		api.RespondErrorWithCode(w, http.StatusUnauthorized, "signature_invalid",
			"signature verification failed")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if err := api.DecodeJSONBytes(body, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DecidedBy == "" {
		api.RespondError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		api.RespondError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}

	approval, err := h.approvals.Decide(r.Context(), id, approve, req.DecidedBy)
	if err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, approval)
}
