package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/playbook"
)

const testSigningSecret = "test-signing-secret"

func newWebhookMux(db *gorm.DB) *http.ServeMux {
	runner := playbook.NewRunner(db, nil)
	approvals := playbook.NewApprovalService(db, runner, nil)
	h := NewWebhookHandler(approvals, testSigningSecret)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	return mux
}

func signedDecisionRequest(approvalID uint, body string, secret string, ts int64) *http.Request {
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/webhook/approvals/%d", approvalID), bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, playbook.Sign(secret, ts, []byte(body)))
	return req
}

func TestSignedCallbackApproves(t *testing.T) {
	db := setupTestDB(t)
	approval := setupPendingApproval(t, db)
	mux := newWebhookMux(db)

	body := `{"decision":"approve","decided_by":"bridge-bot"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, signedDecisionRequest(approval.ID, body, testSigningSecret, time.Now().Unix()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}

	var fresh database.ApprovalRequest
	db.First(&fresh, approval.ID)
	if fresh.Status != database.ApprovalStatusApproved || fresh.DecidedBy != "bridge-bot" {
		t.Errorf("approval = %s by %q", fresh.Status, fresh.DecidedBy)
	}
}

func TestSignedCallbackRejectsBadSignature(t *testing.T) {
	db := setupTestDB(t)
	approval := setupPendingApproval(t, db)
	mux := newWebhookMux(db)

	body := `{"decision":"approve","decided_by":"bridge-bot"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, signedDecisionRequest(approval.ID, body, "wrong-secret", time.Now().Unix()))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var fresh database.ApprovalRequest
	db.First(&fresh, approval.ID)
	if fresh.Status != database.ApprovalStatusPending {
		t.Error("unverified callback must not decide anything")
	}
}

func TestSignedCallbackRejectsStaleTimestamp(t *testing.T) {
	db := setupTestDB(t)
	approval := setupPendingApproval(t, db)
	mux := newWebhookMux(db)

	body := `{"decision":"approve","decided_by":"bridge-bot"}`
	stale := time.Now().Add(-10 * time.Minute).Unix()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, signedDecisionRequest(approval.ID, body, testSigningSecret, stale))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replayed request status = %d, want 401", rec.Code)
	}
}

func TestSignedCallbackRejectsTamperedBody(t *testing.T) {
	db := setupTestDB(t)
	approval := setupPendingApproval(t, db)
	mux := newWebhookMux(db)

	ts := time.Now().Unix()
	signed := `{"decision":"reject","decided_by":"bridge-bot"}`
	tampered := `{"decision":"approve","decided_by":"bridge-bot"}`

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/webhook/approvals/%d", approval.ID), bytes.NewReader([]byte(tampered)))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, playbook.Sign(testSigningSecret, ts, []byte(signed)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered body status = %d, want 401", rec.Code)
	}
}

func TestSignedCallbackUnknownDecision(t *testing.T) {
	db := setupTestDB(t)
	approval := setupPendingApproval(t, db)
	mux := newWebhookMux(db)

	body := `{"decision":"maybe","decided_by":"bridge-bot"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, signedDecisionRequest(approval.ID, body, testSigningSecret, time.Now().Unix()))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
