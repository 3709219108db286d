package alerting

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/utils"
)

// dedupKeyPrefix prefixes every incident dedup key. The paging system uses
// the key to collapse repeat triggers and to match the resolve to the open
// incident, so it must be stable for the lifetime of the alert.
const dedupKeyPrefix = "medic-heartbeat-"

// Notifier delivers down/recovered events for an alert.
type Notifier interface {
	DispatchDown(ctx context.Context, svc *database.Service, alert *database.Alert) error
	DispatchRecovered(ctx context.Context, svc *database.Service, alert *database.Alert) error
}

// Remediator is informed whenever an alert opens or its missed-interval
// count grows, so trigger matching can re-run against the new cycle count.
type Remediator interface {
	OnAlertCycle(ctx context.Context, svc *database.Service, alert *database.Alert)
}

// Manager owns the alert lifecycle: at most one active alert per service,
// opened when the staleness detector confirms a miss streak and closed on
// the first heartbeat after. Notification and remediation hang off the
// state transitions, never off raw heartbeats.
type Manager struct {
	db         *gorm.DB
	notifier   Notifier
	remediator Remediator
}

// NewManager wires the lifecycle manager. remediator may be nil when no
// playbook engine is configured.
func NewManager(db *gorm.DB, notifier Notifier, remediator Remediator) *Manager {
	return &Manager{db: db, notifier: notifier, remediator: remediator}
}

// DedupKey derives the stable incident key for a service.
func DedupKey(svc *database.Service) string {
	return dedupKeyPrefix + utils.Slugify(svc.ServiceName)
}

// HandleDown is called once per missed interval while a service is down.
// The first call opens the alert and notifies; subsequent calls bump the
// alert cycle. Both paths re-run playbook trigger matching so triggers
// keyed on longer miss streaks get their chance to fire.
func (m *Manager) HandleDown(ctx context.Context, svc *database.Service) (*database.Alert, error) {
	alert, created, err := database.OpenAlertIfNone(m.db, svc.ID, DedupKey(svc))
	if err != nil {
		return nil, fmt.Errorf("failed to open alert for service %s: %w", svc.ServiceName, err)
	}

	if created {
		log.Printf("Alert opened for service %s (key=%s)", svc.ServiceName, alert.ExternalReferenceID)
		if err := m.notifier.DispatchDown(ctx, svc, alert); err != nil {
			// Notification failure never rolls back the alert row; the
			// alert is the source of truth, the page is best-effort.
			log.Printf("Down notification failed for %s: %v", svc.ServiceName, err)
		}
	} else {
		alert, err = database.IncrementAlertCycle(m.db, alert.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to increment alert cycle for service %s: %w", svc.ServiceName, err)
		}
		log.Printf("Service %s still down (cycle=%d)", svc.ServiceName, alert.AlertCycle)
	}

	if m.remediator != nil {
		m.remediator.OnAlertCycle(ctx, svc, alert)
	}
	return alert, nil
}

// HandleRecovery closes the active alert, resets the service's down state
// and sends the resolve with the key that opened the incident. Calling it
// for a service with no open alert is a no-op.
func (m *Manager) HandleRecovery(ctx context.Context, svc *database.Service) (*database.Alert, error) {
	alert, err := database.CloseActiveAlert(m.db, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to close alert for service %s: %w", svc.ServiceName, err)
	}

	if svc.Down || svc.MissCount != 0 {
		if err := m.db.Model(&database.Service{}).Where("id = ?", svc.ID).
			Updates(map[string]interface{}{"down": false, "miss_count": 0}).Error; err != nil {
			return nil, fmt.Errorf("failed to reset down state for service %s: %w", svc.ServiceName, err)
		}
		svc.Down = false
		svc.MissCount = 0
	}

	if alert == nil {
		return nil, nil
	}

	log.Printf("Alert closed for service %s (key=%s)", svc.ServiceName, alert.ExternalReferenceID)
	if err := m.notifier.DispatchRecovered(ctx, svc, alert); err != nil {
		log.Printf("Recovery notification failed for %s: %v", svc.ServiceName, err)
	}
	return alert, nil
}
