package jobs

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/alerting"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/snapshot"
)

// autoUnmuteActor attributes forced unmutes in the snapshot audit trail.
const autoUnmuteActor = "system:auto-unmute"

// approvalSweeper expires overdue approval requests. Implemented by the
// playbook approval service; the sweep rides the detector tick so expiry
// latency is bounded by the tick interval.
type approvalSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// StalenessDetector is the worker loop: on every tick it force-unmutes
// overdue mutes, sweeps expired approvals and evaluates every active,
// unmuted service against its heartbeat deadline.
type StalenessDetector struct {
	db              *gorm.DB
	manager         *alerting.Manager
	snapshots       *snapshot.Service
	approvals       approvalSweeper
	autoUnmuteHours int
	now             func() time.Time
}

// NewStalenessDetector creates the detector. approvals may be nil when no
// playbook engine is configured; autoUnmuteHours <= 0 disables auto-unmute.
func NewStalenessDetector(db *gorm.DB, manager *alerting.Manager, snapshots *snapshot.Service, approvals approvalSweeper, autoUnmuteHours int) *StalenessDetector {
	return &StalenessDetector{
		db:              db,
		manager:         manager,
		snapshots:       snapshots,
		approvals:       approvals,
		autoUnmuteHours: autoUnmuteHours,
		now:             time.Now,
	}
}

// Tick runs one full evaluation pass. Per-service errors are logged and
// isolated; one malformed service never aborts the pass for the rest.
func (d *StalenessDetector) Tick(ctx context.Context) error {
	if unmuted, err := d.autoUnmute(ctx); err != nil {
		log.Printf("Auto-unmute pass error: %v", err)
	} else if unmuted > 0 {
		log.Printf("Auto-unmute: returned %d services to detection", unmuted)
	}

	if d.approvals != nil {
		if expired, err := d.approvals.SweepExpired(ctx); err != nil {
			log.Printf("Approval expiry sweep error: %v", err)
		} else if expired > 0 {
			log.Printf("Approval sweep: expired %d requests", expired)
		}
	}

	var services []database.Service
	if err := d.db.Where("active = ? AND muted = ?", true, false).Find(&services).Error; err != nil {
		return err
	}

	for i := range services {
		if err := d.evaluate(ctx, &services[i]); err != nil {
			log.Printf("Evaluation error for service %s: %v", services[i].ServiceName, err)
		}
	}
	return nil
}

// evaluate checks one service against its deadline:
//
//	deadline = last beat + alert interval + grace period
//
// A miss is one full missed alert interval, not one detector tick: with
// threshold N the service goes down when the Nth interval of silence
// completes, regardless of how often the detector looks. Once down, the
// alert cycle advances only when a further full interval of silence has
// elapsed.
func (d *StalenessDetector) evaluate(ctx context.Context, svc *database.Service) error {
	now := d.now()

	lastBeat := svc.DateAdded // a service that never beat is measured from creation
	if svc.LastBeatAt != nil {
		lastBeat = *svc.LastBeatAt
	}
	interval := time.Duration(svc.AlertIntervalMins) * time.Minute
	deadline := lastBeat.Add(interval + time.Duration(svc.GracePeriodSeconds)*time.Second)

	if !now.After(deadline) {
		if svc.Down {
			_, err := d.manager.HandleRecovery(ctx, svc)
			return err
		}
		if svc.MissCount != 0 {
			// Streak broken before reaching the threshold
			svc.MissCount = 0
			return d.db.Model(svc).Update("miss_count", 0).Error
		}
		return nil
	}

	// Full intervals of silence past the first deadline, inclusive of the
	// interval the deadline closed
	misses := 1
	if interval > 0 {
		misses += int(now.Sub(deadline) / interval)
	}

	if !svc.Down {
		if misses < svc.Threshold {
			if svc.MissCount != misses {
				svc.MissCount = misses
				return d.db.Model(svc).Update("miss_count", misses).Error
			}
			return nil
		}
		svc.MissCount = misses
		svc.Down = true
		if err := d.db.Model(svc).Updates(map[string]interface{}{
			"miss_count": misses,
			"down":       true,
		}).Error; err != nil {
			return err
		}
		log.Printf("Service %s is down: no heartbeat since %s", svc.ServiceName, lastBeat.Format(time.RFC3339))
		_, err := d.manager.HandleDown(ctx, svc)
		return err
	}

	// Already down. Re-evaluating must not open a second alert; cycle 1 is
	// the interval that completed the threshold streak, so the open alert
	// lags only when further intervals have passed since.
	expectedCycle := misses - svc.Threshold + 1
	if expectedCycle < 1 {
		expectedCycle = 1
	}
	alert, err := database.GetActiveAlert(d.db, svc.ID)
	if err != nil {
		return err
	}
	if alert == nil || alert.AlertCycle < expectedCycle {
		_, err := d.manager.HandleDown(ctx, svc)
		return err
	}
	return nil
}

// autoUnmute forces services whose mute deadline has passed back into
// detection, through the snapshot layer so the forced change is auditable.
func (d *StalenessDetector) autoUnmute(ctx context.Context) (int, error) {
	if d.autoUnmuteHours <= 0 {
		return 0, nil
	}
	cutoff := d.now().Add(-time.Duration(d.autoUnmuteHours) * time.Hour)

	var overdue []database.Service
	err := d.db.Where("muted = ? AND date_muted IS NOT NULL AND date_muted < ?", true, cutoff).
		Find(&overdue).Error
	if err != nil {
		return 0, err
	}

	unmuted := 0
	for _, svc := range overdue {
		if _, err := d.snapshots.Unmute(ctx, svc.ID, autoUnmuteActor); err != nil {
			log.Printf("Failed to auto-unmute service %s: %v", svc.ServiceName, err)
			continue
		}
		log.Printf("Service %s auto-unmuted after %dh", svc.ServiceName, d.autoUnmuteHours)
		unmuted++
	}
	return unmuted, nil
}

// Start begins the periodic detection loop
func (d *StalenessDetector) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.Tick(context.Background()); err != nil {
				log.Printf("Staleness detector error: %v", err)
			}
		case <-stop:
			log.Println("Staleness detector stopped")
			return
		}
	}
}
