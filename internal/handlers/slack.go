package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/medic-monitor/medic/internal/api"
	"github.com/medic-monitor/medic/internal/medicerr"
	"github.com/medic-monitor/medic/internal/playbook"
)

// SlackHandler handles interactive callbacks from approval prompt buttons
type SlackHandler struct {
	approvals     *playbook.ApprovalService
	signingSecret string
}

// NewSlackHandler creates a new Slack interaction handler
func NewSlackHandler(approvals *playbook.ApprovalService, signingSecret string) *SlackHandler {
	return &SlackHandler{
		approvals:     approvals,
		signingSecret: signingSecret,
	}
}

// SetupRoutes sets up the Slack webhook route
func (h *SlackHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/slack/interaction", h.handleInteraction)
}

// handleInteraction handles POST /webhook/slack/interaction. Slack signs
// requests with its own timestamped HMAC scheme; verification covers the
// raw body before any parsing.
func (h *SlackHandler) handleInteraction(w http.ResponseWriter, r *http.Request) {
	verifier, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Missing Slack signature headers")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if _, err := verifier.Write(body); err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to verify request")
		return
	}
	if err := verifier.Ensure(); err != nil {
		log.Printf("Slack interaction signature rejected from %s: %v", r.RemoteAddr, err)
		api.RespondError(w, http.StatusUnauthorized, "Signature verification failed")
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(values.Get("payload")), &callback); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid interaction payload")
		return
	}

	decidedBy := callback.User.Name
	if decidedBy == "" {
		decidedBy = callback.User.ID
	}

	for _, action := range callback.ActionCallback.BlockActions {
		var approve bool
		switch action.ActionID {
		case "approve_playbook":
			approve = true
		case "reject_playbook":
			approve = false
		default:
			continue
		}

		approvalID, err := strconv.ParseUint(action.Value, 10, 32)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "Malformed approval reference")
			return
		}

		_, err = h.approvals.Decide(r.Context(), uint(approvalID), approve, decidedBy)
		if err != nil {
			// Slack renders the text we return, so give the operator the
			// concrete reason (already decided, expired, gone)
			text := "Could not apply the decision."
			switch {
			case medicerr.IsConflict(err):
				text = fmt.Sprintf("Too late: %v", err)
			case medicerr.IsNotFound(err):
				text = "This approval request no longer exists."
			}
			api.RespondJSON(w, http.StatusOK, map[string]string{
				"response_type": "ephemeral",
				"text":          text,
			})
			return
		}

		verb := "rejected"
		if approve {
			verb = "approved"
		}
		api.RespondJSON(w, http.StatusOK, map[string]string{
			"response_type": "in_channel",
			"text":          fmt.Sprintf("Playbook execution %s by %s.", verb, decidedBy),
		})
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]string{"text": "No actionable interaction found."})
}
