package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/medic-monitor/medic/internal/api"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/middleware"
	"github.com/medic-monitor/medic/internal/playbook"
	"github.com/medic-monitor/medic/internal/snapshot"
)

// APIHandler handles the operator-facing snapshot and approval endpoints
type APIHandler struct {
	snapshots *snapshot.Service
	approvals *playbook.ApprovalService
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(snapshots *snapshot.Service, approvals *playbook.ApprovalService) *APIHandler {
	return &APIHandler{
		snapshots: snapshots,
		approvals: approvals,
	}
}

// SetupRoutes sets up the admin API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/snapshots", h.handleListSnapshots)
	mux.HandleFunc("POST /v2/snapshots", h.handleCaptureAction)
	mux.HandleFunc("POST /v2/snapshots/{id}/restore", h.handleRestoreSnapshot)

	mux.HandleFunc("POST /v2/approvals/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /v2/approvals/{id}/reject", h.handleReject)
}

// handleListSnapshots handles GET /v2/snapshots
func (h *APIHandler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := snapshot.ListFilter{
		ActionType: database.SnapshotAction(q.Get("action_type")),
	}
	if v := q.Get("service_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "service_id must be an integer")
			return
		}
		filter.ServiceID = uint(id)
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = &ts
	}

	page := api.ParsePagination(r)
	snaps, total, err := h.snapshots.List(r.Context(), filter, page)
	if err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots":  snaps,
		"pagination": page.Meta(total),
	})
}

// captureActionRequest is the body for POST /v2/snapshots: one snapshot-
// guarded mutation, identified by its action type.
type captureActionRequest struct {
	ServiceID  uint                    `json:"service_id"`
	ServiceIDs []uint                  `json:"service_ids,omitempty"` // bulk_edit only
	ActionType database.SnapshotAction `json:"action_type"`
	Priority   string                  `json:"priority,omitempty"`
	Team       string                  `json:"team,omitempty"`
	Updates    map[string]interface{}  `json:"updates,omitempty"`
}

// handleCaptureAction handles POST /v2/snapshots. Every branch captures its
// snapshot inside the mutation's transaction.
func (h *APIHandler) handleCaptureAction(w http.ResponseWriter, r *http.Request) {
	var req captureActionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	actor := actorFrom(r)
	ctx := r.Context()

	var (
		svc *database.Service
		err error
	)
	switch req.ActionType {
	case database.SnapshotActionDeactivate:
		svc, err = h.snapshots.Deactivate(ctx, req.ServiceID, actor)
	case database.SnapshotActionActivate:
		svc, err = h.snapshots.Activate(ctx, req.ServiceID, actor)
	case database.SnapshotActionMute:
		svc, err = h.snapshots.Mute(ctx, req.ServiceID, actor)
	case database.SnapshotActionUnmute:
		svc, err = h.snapshots.Unmute(ctx, req.ServiceID, actor)
	case database.SnapshotActionPriorityChange:
		svc, err = h.snapshots.ChangePriority(ctx, req.ServiceID, req.Priority, actor)
	case database.SnapshotActionTeamChange:
		svc, err = h.snapshots.ChangeTeam(ctx, req.ServiceID, req.Team, actor)
	case database.SnapshotActionEdit:
		svc, err = h.snapshots.Edit(ctx, req.ServiceID, req.Updates, actor)
	case database.SnapshotActionBulkEdit:
		var edited int
		edited, err = h.snapshots.BulkEdit(ctx, req.ServiceIDs, req.Updates, actor)
		if err == nil {
			api.RespondJSON(w, http.StatusOK, map[string]interface{}{"edited": edited})
			return
		}
	case database.SnapshotActionDelete:
		err = h.snapshots.Delete(ctx, req.ServiceID, actor)
		if err == nil {
			api.RespondNoContent(w)
			return
		}
	default:
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, "invalid",
			"action_type must be one of the nine guarded actions")
		return
	}

	if err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, svc)
}

// handleRestoreSnapshot handles POST /v2/snapshots/{id}/restore
func (h *APIHandler) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	svc, err := h.snapshots.Restore(r.Context(), id, actorFrom(r))
	if err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, svc)
}

// handleApprove handles POST /v2/approvals/{id}/approve
func (h *APIHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// handleReject handles POST /v2/approvals/{id}/reject
func (h *APIHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *APIHandler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	decidedBy := middleware.GetUserFromContext(r.Context())
	if decidedBy == "" {
		decidedBy = actorFrom(r)
	}

	approval, err := h.approvals.Decide(r.Context(), id, approve, decidedBy)
	if err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, approval)
}

// pathID parses the {id} path segment, responding 400 on garbage.
func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "id must be an integer")
		return 0, false
	}
	return uint(id), true
}

// actorFrom attributes a mutation: the authenticated user when present, the
// X-Actor header otherwise.
func actorFrom(r *http.Request) string {
	if user := middleware.GetUserFromContext(r.Context()); user != "" {
		return user
	}
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "unknown"
}
