package handlers

import (
	"errors"
	"log"
	"net/http"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/api"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/playbook"
)

// PlaybookHandler handles playbook and trigger management. Definitions and
// trigger patterns are validated at save time; a playbook that stores
// successfully will parse at execution time.
type PlaybookHandler struct {
	db *gorm.DB
}

// NewPlaybookHandler creates a new playbook handler
func NewPlaybookHandler(db *gorm.DB) *PlaybookHandler {
	return &PlaybookHandler{db: db}
}

// SetupRoutes sets up the playbook management routes
func (h *PlaybookHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/playbooks", h.handleList)
	mux.HandleFunc("POST /v2/playbooks", h.handleCreate)
	mux.HandleFunc("PUT /v2/playbooks/{id}", h.handleUpdate)
	mux.HandleFunc("POST /v2/playbooks/{id}/triggers", h.handleCreateTrigger)
	mux.HandleFunc("GET /v2/executions", h.handleListExecutions)
}

type playbookRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	YAMLContent string `json:"yaml_content"`
}

// handleList handles GET /v2/playbooks
func (h *PlaybookHandler) handleList(w http.ResponseWriter, r *http.Request) {
	var playbooks []database.Playbook
	if err := h.db.Order("name").Find(&playbooks).Error; err != nil {
		log.Printf("Failed to list playbooks: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list playbooks")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"playbooks": playbooks})
}

// handleCreate handles POST /v2/playbooks
func (h *PlaybookHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req playbookRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		api.RespondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := playbook.ParseDefinition(req.YAMLContent); err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}

	pb := database.Playbook{
		Name:        req.Name,
		Description: req.Description,
		YAMLContent: req.YAMLContent,
		Version:     1,
	}
	if err := h.db.Create(&pb).Error; err != nil {
		log.Printf("Failed to create playbook %s: %v", req.Name, err)
		api.RespondErrorWithCode(w, http.StatusConflict, "conflict", "playbook name already exists")
		return
	}
	api.RespondJSON(w, http.StatusCreated, pb)
}

// handleUpdate handles PUT /v2/playbooks/{id}. Every accepted edit bumps the
// version.
func (h *PlaybookHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req playbookRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := playbook.ParseDefinition(req.YAMLContent); err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}

	var pb database.Playbook
	if err := h.db.First(&pb, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondErrorWithCode(w, http.StatusNotFound, "not_found", "playbook not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load playbook")
		return
	}

	updates := map[string]interface{}{
		"yaml_content": req.YAMLContent,
		"version":      pb.Version + 1,
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if err := h.db.Model(&pb).Updates(updates).Error; err != nil {
		log.Printf("Failed to update playbook %d: %v", id, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to update playbook")
		return
	}
	api.RespondJSON(w, http.StatusOK, pb)
}

type triggerRequest struct {
	ServicePattern      string `json:"service_pattern"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Enabled             *bool  `json:"enabled,omitempty"`
}

// handleCreateTrigger handles POST /v2/playbooks/{id}/triggers
func (h *PlaybookHandler) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req triggerRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := playbook.ValidatePattern(req.ServicePattern); err != nil {
		api.RespondTaxonomyError(w, err)
		return
	}
	if req.ConsecutiveFailures < 1 {
		req.ConsecutiveFailures = 1
	}

	var pb database.Playbook
	if err := h.db.First(&pb, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondErrorWithCode(w, http.StatusNotFound, "not_found", "playbook not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load playbook")
		return
	}

	trig := database.PlaybookTrigger{
		PlaybookID:          pb.ID,
		ServicePattern:      req.ServicePattern,
		ConsecutiveFailures: req.ConsecutiveFailures,
		Enabled:             true,
	}
	if req.Enabled != nil {
		trig.Enabled = *req.Enabled
	}
	if err := h.db.Create(&trig).Error; err != nil {
		log.Printf("Failed to create trigger for playbook %d: %v", id, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to create trigger")
		return
	}
	api.RespondJSON(w, http.StatusCreated, trig)
}

// handleListExecutions handles GET /v2/executions
func (h *PlaybookHandler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	page := api.ParsePagination(r)

	q := h.db.Model(&database.PlaybookExecution{})
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to count executions")
		return
	}
	var executions []database.PlaybookExecution
	if err := q.Order("started_at DESC, id DESC").
		Offset(page.Offset()).Limit(page.PerPage).
		Find(&executions).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"pagination": page.Meta(total),
	})
}
