package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/medic-monitor/medic/internal/database"
)

// Severity levels accepted by the paging system.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// SeverityForPriority maps a service priority to a paging severity:
// p1 -> critical, p2 -> error, p3 -> warning, p4/p5 -> info.
func SeverityForPriority(priority string) Severity {
	switch priority {
	case database.PriorityP1:
		return SeverityCritical
	case database.PriorityP2:
		return SeverityError
	case database.PriorityP3:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// PagerEvent is one trigger event for the paging system.
type PagerEvent struct {
	DedupKey string
	Summary  string
	Severity Severity
	Source   string
	Runbook  string
}

// Pager sends trigger/resolve events keyed by a dedup string. The paging
// system auto-resolves the incident matching the dedup key on resolve.
type Pager interface {
	Trigger(ctx context.Context, ev PagerEvent) error
	Resolve(ctx context.Context, dedupKey string) error
}

// PagerDutyClient sends events to the PagerDuty Events API v2.
type PagerDutyClient struct {
	routingKey string
	eventsURL  string
	httpClient *http.Client
}

// NewPagerDutyClient creates a client for the given routing key.
func NewPagerDutyClient(routingKey, eventsURL string) *PagerDutyClient {
	return &PagerDutyClient{
		routingKey: routingKey,
		eventsURL:  eventsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// eventPayload is the Events API v2 request body.
type eventPayload struct {
	RoutingKey  string        `json:"routing_key"`
	EventAction string        `json:"event_action"` // trigger or resolve
	DedupKey    string        `json:"dedup_key"`
	Payload     *eventDetails `json:"payload,omitempty"`
}

type eventDetails struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

// Trigger implements Pager.
func (c *PagerDutyClient) Trigger(ctx context.Context, ev PagerEvent) error {
	payload := eventPayload{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    ev.DedupKey,
		Payload: &eventDetails{
			Summary:  ev.Summary,
			Source:   ev.Source,
			Severity: string(ev.Severity),
		},
	}
	if ev.Runbook != "" {
		payload.Payload.CustomDetails = map[string]string{"runbook": ev.Runbook}
	}
	return c.enqueue(ctx, payload)
}

// Resolve implements Pager. The dedup key must be the one used to trigger.
func (c *PagerDutyClient) Resolve(ctx context.Context, dedupKey string) error {
	return c.enqueue(ctx, eventPayload{
		RoutingKey:  c.routingKey,
		EventAction: "resolve",
		DedupKey:    dedupKey,
	})
}

func (c *PagerDutyClient) enqueue(ctx context.Context, payload eventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal pager event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build pager request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pager request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pager returned status %d for %s event %s", resp.StatusCode, payload.EventAction, payload.DedupKey)
	}
	return nil
}
