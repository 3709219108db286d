package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPagerDutyTriggerPayload(t *testing.T) {
	var got eventPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewPagerDutyClient("rk-123", srv.URL)
	err := c.Trigger(context.Background(), PagerEvent{
		DedupKey: "medic-heartbeat-billing-sync",
		Summary:  "billing-sync missed 2 heartbeat interval(s)",
		Severity: SeverityCritical,
		Source:   "billing-sync",
		Runbook:  "https://runbooks.example.com/billing",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.RoutingKey != "rk-123" {
		t.Errorf("routing_key = %q", got.RoutingKey)
	}
	if got.EventAction != "trigger" {
		t.Errorf("event_action = %q, want trigger", got.EventAction)
	}
	if got.DedupKey != "medic-heartbeat-billing-sync" {
		t.Errorf("dedup_key = %q", got.DedupKey)
	}
	if got.Payload == nil {
		t.Fatal("payload missing")
	}
	if got.Payload.Severity != "critical" {
		t.Errorf("severity = %q", got.Payload.Severity)
	}
	if got.Payload.CustomDetails["runbook"] != "https://runbooks.example.com/billing" {
		t.Errorf("runbook detail = %q", got.Payload.CustomDetails["runbook"])
	}
}

func TestPagerDutyResolveOmitsPayload(t *testing.T) {
	var got eventPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewPagerDutyClient("rk-123", srv.URL)
	if err := c.Resolve(context.Background(), "medic-heartbeat-billing-sync"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.EventAction != "resolve" {
		t.Errorf("event_action = %q, want resolve", got.EventAction)
	}
	if got.DedupKey != "medic-heartbeat-billing-sync" {
		t.Errorf("dedup_key = %q", got.DedupKey)
	}
	if got.Payload != nil {
		t.Error("resolve events must not carry a payload")
	}
}

func TestPagerDutyNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad routing key", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewPagerDutyClient("bogus", srv.URL)
	if err := c.Resolve(context.Background(), "k"); err == nil {
		t.Fatal("expected error on 400 response")
	}
}
