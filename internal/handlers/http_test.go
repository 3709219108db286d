package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medic-monitor/medic/internal/alerting"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/ratelimit"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.AutoMigrateOn(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type noopNotifier struct {
	recoveries int
}

func (n *noopNotifier) DispatchDown(ctx context.Context, svc *database.Service, alert *database.Alert) error {
	return nil
}

func (n *noopNotifier) DispatchRecovered(ctx context.Context, svc *database.Service, alert *database.Alert) error {
	n.recoveries++
	return nil
}

func createHTTPTestService(t *testing.T, db *gorm.DB, name string) *database.Service {
	t.Helper()
	svc := &database.Service{
		HeartbeatName:     name,
		ServiceName:       name,
		Active:            true,
		Priority:          database.PriorityP3,
		AlertIntervalMins: 5,
		Threshold:         1,
	}
	if err := db.Create(svc).Error; err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func newHeartbeatMux(db *gorm.DB, notifier alerting.Notifier, limit int) *http.ServeMux {
	manager := alerting.NewManager(db, notifier, nil)
	limiter := ratelimit.NewMemoryLimiter(limit, time.Minute)
	h := NewHTTPHandler(db, manager, limiter)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	return mux
}

func TestHealthEndpoint(t *testing.T) {
	mux := newHeartbeatMux(setupTestDB(t), &noopNotifier{}, 100)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status field = %q", resp["status"])
	}
}

func TestHeartbeatRecordsEvent(t *testing.T) {
	db := setupTestDB(t)
	svc := createHTTPTestService(t, db, "worker-7")
	mux := newHeartbeatMux(db, &noopNotifier{}, 100)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/heartbeat/worker-7", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	var count int64
	db.Model(&database.HeartbeatEvent{}).Where("service_id = ?", svc.ID).Count(&count)
	if count != 1 {
		t.Errorf("event count = %d, want 1", count)
	}

	var fresh database.Service
	db.First(&fresh, svc.ID)
	if fresh.LastBeatAt == nil {
		t.Error("last_beat_at should be updated")
	}
}

func TestHeartbeatGetVariant(t *testing.T) {
	db := setupTestDB(t)
	createHTTPTestService(t, db, "cron-job")
	mux := newHeartbeatMux(db, &noopNotifier{}, 100)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/heartbeat/cron-job", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("GET heartbeat status = %d, want 200", rec.Code)
	}
}

func TestHeartbeatUnknownNameIs404(t *testing.T) {
	mux := newHeartbeatMux(setupTestDB(t), &noopNotifier{}, 100)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/heartbeat/ghost", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHeartbeatRateLimited(t *testing.T) {
	db := setupTestDB(t)
	svc := createHTTPTestService(t, db, "chatty-svc")
	mux := newHeartbeatMux(db, &noopNotifier{}, 2)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/heartbeat/chatty-svc", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("beat %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/heartbeat/chatty-svc", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "rate_limited" {
		t.Errorf("code = %q, want rate_limited", body.Code)
	}

	// The rejected beat must not be recorded as accepted
	var count int64
	db.Model(&database.HeartbeatEvent{}).Where("service_id = ?", svc.ID).Count(&count)
	if count != 2 {
		t.Errorf("event count = %d, want 2 (rejected beat must not persist)", count)
	}
}

func TestHeartbeatRecoversDownService(t *testing.T) {
	db := setupTestDB(t)
	notifier := &noopNotifier{}
	svc := createHTTPTestService(t, db, "down-svc")

	// Service is down with an open alert
	manager := alerting.NewManager(db, notifier, nil)
	if _, err := manager.HandleDown(context.Background(), svc); err != nil {
		t.Fatalf("failed to open alert: %v", err)
	}
	db.Model(svc).Updates(map[string]interface{}{"down": true, "miss_count": 2})

	mux := newHeartbeatMux(db, notifier, 100)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/heartbeat/down-svc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	alert, err := database.GetActiveAlert(db, svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert != nil {
		t.Error("beat from a down service should close the alert immediately")
	}
	var fresh database.Service
	db.First(&fresh, svc.ID)
	if fresh.Down {
		t.Error("beat from a down service should clear the down flag")
	}
	if notifier.recoveries != 1 {
		t.Errorf("recovery notifications = %d, want 1", notifier.recoveries)
	}
}
