package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/medic-monitor/medic/internal/breaker"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/ratelimit"
)

// notifyRateKey is the shared rate-limit key for outbound notifications.
const notifyRateKey = "notify"

// Dispatcher formats and sends paging/chat events. Outbound sends are gated
// by the circuit breaker (alert-open volume per service) and the rate
// limiter (global notification budget). Suppressed sends are deliberate
// no-ops, not errors.
type Dispatcher struct {
	pager   Pager
	chat    Chat
	breaker *breaker.CircuitBreaker
	limiter ratelimit.Limiter
}

// NewDispatcher wires the dispatcher. pager and chat may be nil when the
// corresponding channel is not configured.
func NewDispatcher(pager Pager, chat Chat, cb *breaker.CircuitBreaker, limiter ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		pager:   pager,
		chat:    chat,
		breaker: cb,
		limiter: limiter,
	}
}

// DispatchDown sends the trigger path for a newly opened (or still-open)
// alert. The breaker is always consulted for bookkeeping even when no
// channel is configured.
func (d *Dispatcher) DispatchDown(ctx context.Context, svc *database.Service, alert *database.Alert) error {
	severity := SeverityForPriority(svc.Priority)

	if !d.breaker.Allow(svc.ID) {
		log.Printf("Notification for service %s suppressed by circuit breaker (trips=%d)",
			svc.ServiceName, d.breaker.TripCount(svc.ID))
		return nil
	}

	if !d.allowRate(ctx) {
		log.Printf("Notification for service %s suppressed by rate limiter", svc.ServiceName)
		return nil
	}

	var firstErr error
	if d.pager != nil {
		ev := PagerEvent{
			DedupKey: alert.ExternalReferenceID,
			Summary:  fmt.Sprintf("%s missed %d heartbeat interval(s)", svc.ServiceName, alert.AlertCycle),
			Severity: severity,
			Source:   svc.HeartbeatName,
			Runbook:  svc.Runbook,
		}
		if err := d.pager.Trigger(ctx, ev); err != nil {
			log.Printf("Pager trigger failed for %s: %v", svc.ServiceName, err)
			firstErr = err
		}
	}

	if d.chat != nil {
		if err := d.chat.SendFailure(ctx, svc, alert, severity); err != nil {
			log.Printf("Chat failure message failed for %s: %v", svc.ServiceName, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// DispatchRecovered sends the resolve path using the identical dedup key
// that opened the incident. The breaker does not gate resolves; resolving
// an incident is never storm-amplifying.
func (d *Dispatcher) DispatchRecovered(ctx context.Context, svc *database.Service, alert *database.Alert) error {
	if !d.allowRate(ctx) {
		log.Printf("Recovery notification for service %s suppressed by rate limiter", svc.ServiceName)
		return nil
	}

	var firstErr error
	if d.pager != nil {
		if err := d.pager.Resolve(ctx, alert.ExternalReferenceID); err != nil {
			log.Printf("Pager resolve failed for %s: %v", svc.ServiceName, err)
			firstErr = err
		}
	}

	if d.chat != nil {
		downFor := time.Duration(0)
		if alert.ClosedDate != nil {
			downFor = alert.ClosedDate.Sub(alert.CreatedDate)
		}
		if err := d.chat.SendRecovery(ctx, svc, alert, downFor); err != nil {
			log.Printf("Chat recovery message failed for %s: %v", svc.ServiceName, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (d *Dispatcher) allowRate(ctx context.Context) bool {
	decision, err := d.limiter.Allow(ctx, notifyRateKey)
	if err != nil {
		// Limiter backends degrade internally; an error here is unexpected,
		// but notifications are too important to drop on it.
		log.Printf("Notification rate limiter error: %v", err)
		return true
	}
	return decision.Allowed
}
