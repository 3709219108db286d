package playbook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
)

func createExecution(t *testing.T, db *gorm.DB, playbookID, serviceID uint) *database.PlaybookExecution {
	t.Helper()
	execution := &database.PlaybookExecution{
		UUID:       uuid.NewString(),
		PlaybookID: playbookID,
		ServiceID:  serviceID,
		Status:     database.ExecutionStatusRunning,
	}
	if err := db.Create(execution).Error; err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
	return execution
}

func reloadExecution(t *testing.T, db *gorm.DB, id uint) *database.PlaybookExecution {
	t.Helper()
	var execution database.PlaybookExecution
	if err := db.First(&execution, id).Error; err != nil {
		t.Fatalf("failed to reload execution: %v", err)
	}
	return &execution
}

func TestRunnerWebhookStep(t *testing.T) {
	var gotBody string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := httptestHost(t, srv.URL)
	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	pb := createTestPlaybook(t, db, "notify-ops",
		fmt.Sprintf("steps:\n  - type: webhook\n    url: %s/restart\n    body: '{\"svc\":\"billing\"}'\n", srv.URL))
	execution := createExecution(t, db, pb.ID, svc.ID)

	r := NewRunner(db, []string{host})
	r.Run(context.Background(), execution.ID)

	got := reloadExecution(t, db, execution.ID)
	if got.Status != database.ExecutionStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if gotMethod != http.MethodPost {
		t.Errorf("webhook default method = %s, want POST", gotMethod)
	}
	if gotBody != `{"svc":"billing"}` {
		t.Errorf("webhook body = %q", gotBody)
	}
}

func TestRunnerWebhookHostNotAllowlisted(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	pb := createTestPlaybook(t, db, "ssrf-attempt",
		fmt.Sprintf("steps:\n  - type: webhook\n    url: %s/internal\n", srv.URL))
	execution := createExecution(t, db, pb.ID, svc.ID)

	// Allowlist does not include the test server's host
	r := NewRunner(db, []string{"hooks.example.com"})
	r.Run(context.Background(), execution.ID)

	got := reloadExecution(t, db, execution.ID)
	if got.Status != database.ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "not allowlisted") {
		t.Errorf("error = %q, want allowlist rejection", got.Error)
	}
	if requests != 0 {
		t.Errorf("rejection must happen before any network call, saw %d requests", requests)
	}
}

func TestRunnerStepFailureHaltsRemainingSteps(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	host := httptestHost(t, srv.URL)
	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	pb := createTestPlaybook(t, db, "fail-fast",
		fmt.Sprintf("steps:\n  - type: webhook\n    url: %s/a\n  - type: webhook\n    url: %s/b\n", srv.URL, srv.URL))
	execution := createExecution(t, db, pb.ID, svc.ID)

	r := NewRunner(db, []string{host})
	r.Run(context.Background(), execution.ID)

	got := reloadExecution(t, db, execution.ID)
	if got.Status != database.ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if requests != 1 {
		t.Errorf("remaining steps must not run after a failure, saw %d requests", requests)
	}
	if got.CurrentStep != 0 {
		t.Errorf("failed step must not advance progress, current_step = %d", got.CurrentStep)
	}
}

func TestRunnerScriptStep(t *testing.T) {
	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	pb := createTestPlaybook(t, db, "run-true", "steps:\n  - type: script\n    command: /bin/sh\n    args: [\"-c\", \"exit 0\"]\n")
	execution := createExecution(t, db, pb.ID, svc.ID)

	r := NewRunner(db, nil)
	r.Run(context.Background(), execution.ID)

	if got := reloadExecution(t, db, execution.ID); got.Status != database.ExecutionStatusCompleted {
		t.Errorf("status = %s, want completed (error: %s)", got.Status, got.Error)
	}
}

func TestRunnerScriptFailureRecordsOutput(t *testing.T) {
	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	pb := createTestPlaybook(t, db, "run-false", "steps:\n  - type: script\n    command: /bin/sh\n    args: [\"-c\", \"echo nope; exit 3\"]\n")
	execution := createExecution(t, db, pb.ID, svc.ID)

	r := NewRunner(db, nil)
	r.Run(context.Background(), execution.ID)

	got := reloadExecution(t, db, execution.ID)
	if got.Status != database.ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "nope") {
		t.Errorf("error should carry script output, got %q", got.Error)
	}
}

func TestRunnerConditionOnFalsePolicies(t *testing.T) {
	tests := []struct {
		name       string
		onFalse    string
		wantStatus database.ExecutionStatus
	}{
		{"abort completes cleanly", "abort", database.ExecutionStatusCompleted},
		{"fail marks failed", "fail", database.ExecutionStatusFailed},
		{"continue runs next step", "continue", database.ExecutionStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests++
			}))
			defer srv.Close()

			db := setupTestDB(t)
			svc := createTestService(t, db, "billing-sync") // miss_count 0, so the condition is false
			yaml := fmt.Sprintf("steps:\n"+
				"  - type: condition\n    field: service.miss_count\n    operator: gte\n    value: \"5\"\n    on_false: %s\n"+
				"  - type: webhook\n    url: %s/next\n", tt.onFalse, srv.URL)
			pb := createTestPlaybook(t, db, "conditional-"+tt.onFalse, yaml)
			execution := createExecution(t, db, pb.ID, svc.ID)

			r := NewRunner(db, []string{httptestHost(t, srv.URL)})
			r.Run(context.Background(), execution.ID)

			got := reloadExecution(t, db, execution.ID)
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (error: %s)", got.Status, tt.wantStatus, got.Error)
			}
			wantNext := 0
			if tt.onFalse == "continue" {
				wantNext = 1
			}
			if requests != wantNext {
				t.Errorf("next step ran %d times, want %d", requests, wantNext)
			}
		})
	}
}

func TestRunnerConditionTrueProceeds(t *testing.T) {
	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	db.Model(svc).Update("priority", database.PriorityP1)
	pb := createTestPlaybook(t, db, "only-p1",
		"steps:\n  - type: condition\n    field: service.priority\n    operator: eq\n    value: p1\n")
	execution := createExecution(t, db, pb.ID, svc.ID)

	r := NewRunner(db, nil)
	r.Run(context.Background(), execution.ID)

	if got := reloadExecution(t, db, execution.ID); got.Status != database.ExecutionStatusCompleted {
		t.Errorf("status = %s, want completed (error: %s)", got.Status, got.Error)
	}
}

func TestRunnerLeavesPendingApprovalAlone(t *testing.T) {
	db := setupTestDB(t)
	svc := createTestService(t, db, "billing-sync")
	pb := createTestPlaybook(t, db, "gated", approvalPlaybook)
	execution := createExecution(t, db, pb.ID, svc.ID)
	db.Model(execution).Update("status", database.ExecutionStatusPendingApproval)

	r := NewRunner(db, nil)
	r.Run(context.Background(), execution.ID)

	if got := reloadExecution(t, db, execution.ID); got.Status != database.ExecutionStatusPendingApproval {
		t.Errorf("runner must not advance an unapproved execution, status = %s", got.Status)
	}
}

func httptestHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	return u.Hostname()
}
