package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
)

func newPlaybookMux(db *gorm.DB) *http.ServeMux {
	h := NewPlaybookHandler(db)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	return mux
}

const validPlaybookYAML = "steps:\n  - type: wait\n    seconds: 5\n"

func TestCreatePlaybookValidatesAtSaveTime(t *testing.T) {
	db := setupTestDB(t)
	mux := newPlaybookMux(db)

	rec := postJSON(t, mux, "/v2/playbooks", map[string]string{
		"name":         "restart-workers",
		"yaml_content": validPlaybookYAML,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Malformed definitions never reach the store
	rec = postJSON(t, mux, "/v2/playbooks", map[string]string{
		"name":         "broken",
		"yaml_content": "steps:\n  - type: teleport\n",
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed playbook status = %d, want 422", rec.Code)
	}
	var count int64
	db.Model(&database.Playbook{}).Where("name = ?", "broken").Count(&count)
	if count != 0 {
		t.Error("invalid playbook must not be stored")
	}
}

func TestUpdatePlaybookBumpsVersion(t *testing.T) {
	db := setupTestDB(t)
	mux := newPlaybookMux(db)

	postJSON(t, mux, "/v2/playbooks", map[string]string{
		"name": "evolving", "yaml_content": validPlaybookYAML,
	}, nil)
	var pb database.Playbook
	db.Where("name = ?", "evolving").First(&pb)

	body, _ := json.Marshal(map[string]string{
		"yaml_content": "steps:\n  - type: wait\n    seconds: 10\n",
	})
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/v2/playbooks/%d", pb.ID),
		bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}

	var fresh database.Playbook
	db.First(&fresh, pb.ID)
	if fresh.Version != 2 {
		t.Errorf("version = %d, want 2", fresh.Version)
	}
}

func TestCreateTriggerValidatesPattern(t *testing.T) {
	db := setupTestDB(t)
	mux := newPlaybookMux(db)

	postJSON(t, mux, "/v2/playbooks", map[string]string{
		"name": "triggered", "yaml_content": validPlaybookYAML,
	}, nil)
	var pb database.Playbook
	db.Where("name = ?", "triggered").First(&pb)

	rec := postJSON(t, mux, fmt.Sprintf("/v2/playbooks/%d/triggers", pb.ID), map[string]interface{}{
		"service_pattern":      "billing-*",
		"consecutive_failures": 2,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, mux, fmt.Sprintf("/v2/playbooks/%d/triggers", pb.ID), map[string]interface{}{
		"service_pattern": "[unclosed",
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed pattern status = %d, want 422", rec.Code)
	}
}

func TestListExecutionsFilterAndPaginate(t *testing.T) {
	db := setupTestDB(t)
	mux := newPlaybookMux(db)
	svc := createHTTPTestService(t, db, "exec-svc")
	pb := database.Playbook{Name: "noisy", YAMLContent: validPlaybookYAML}
	db.Create(&pb)

	for i := 0; i < 3; i++ {
		db.Create(&database.PlaybookExecution{
			UUID:       fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i),
			PlaybookID: pb.ID,
			ServiceID:  svc.ID,
			Status:     database.ExecutionStatusCompleted,
		})
	}
	db.Create(&database.PlaybookExecution{
		UUID:       "00000000-0000-0000-0000-0000000000ff",
		PlaybookID: pb.ID,
		ServiceID:  svc.ID,
		Status:     database.ExecutionStatusFailed,
	})

	req := httptest.NewRequest(http.MethodGet, "/v2/executions?status=completed&per_page=2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Executions []database.PlaybookExecution `json:"executions"`
		Pagination struct {
			TotalCount int64 `json:"total_count"`
			HasMore    bool  `json:"has_more"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Pagination.TotalCount != 3 {
		t.Errorf("total = %d, want 3 completed", resp.Pagination.TotalCount)
	}
	if len(resp.Executions) != 2 || !resp.Pagination.HasMore {
		t.Errorf("page = %d items, has_more = %v", len(resp.Executions), resp.Pagination.HasMore)
	}
}
