package playbook

import (
	"context"
	"log"
	"path"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
)

// Engine matches triggers against alert cycles and creates executions. It
// plugs into the alert lifecycle as the remediation hook.
type Engine struct {
	db        *gorm.DB
	runner    *Runner
	approvals *ApprovalService
}

// NewEngine wires the playbook engine.
func NewEngine(db *gorm.DB, runner *Runner, approvals *ApprovalService) *Engine {
	return &Engine{db: db, runner: runner, approvals: approvals}
}

// MatchTriggers returns the triggers that fire for a service at the given
// alert cycle: enabled, glob pattern matches the service name, and the cycle
// has reached the trigger's consecutive-failure floor. All matches fire, not
// just the first. Matching itself is side-effect free.
func MatchTriggers(triggers []database.PlaybookTrigger, serviceName string, alertCycle int) []database.PlaybookTrigger {
	var matched []database.PlaybookTrigger
	for _, trig := range triggers {
		if !trig.Enabled {
			continue
		}
		if alertCycle < trig.ConsecutiveFailures {
			continue
		}
		ok, err := path.Match(trig.ServicePattern, serviceName)
		if err != nil {
			// Save-time validation should make this unreachable; a
			// malformed pattern that slipped through just never matches.
			log.Printf("Trigger %d has malformed pattern %q: %v", trig.ID, trig.ServicePattern, err)
			continue
		}
		if ok {
			matched = append(matched, trig)
		}
	}
	return matched
}

// OnAlertCycle re-runs trigger matching for the alert's current cycle count.
// It is called on alert open (cycle 1) and on every later miss, so triggers
// keyed on longer streaks fire when their floor is reached. One playbook
// runs at most once per alert.
func (e *Engine) OnAlertCycle(ctx context.Context, svc *database.Service, alert *database.Alert) {
	var triggers []database.PlaybookTrigger
	if err := e.db.Preload("Playbook").Where("enabled = ?", true).Find(&triggers).Error; err != nil {
		log.Printf("Failed to load playbook triggers: %v", err)
		return
	}

	for _, trig := range MatchTriggers(triggers, svc.ServiceName, alert.AlertCycle) {
		if err := e.fire(ctx, trig, svc, alert); err != nil {
			log.Printf("Trigger %d (playbook %s) failed to fire for service %s: %v",
				trig.ID, trig.Playbook.Name, svc.ServiceName, err)
		}
	}
}

// fire creates one execution for a matched trigger unless the playbook
// already ran for this alert or is still in flight for this service.
func (e *Engine) fire(ctx context.Context, trig database.PlaybookTrigger, svc *database.Service, alert *database.Alert) error {
	def, err := ParseDefinition(trig.Playbook.YAMLContent)
	if err != nil {
		return err
	}

	var count int64
	if err := e.db.Model(&database.PlaybookExecution{}).
		Where("playbook_id = ? AND alert_id = ?", trig.PlaybookID, alert.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil // already fired for this alert
	}

	// Suppress overlap: never start a second run while one is still
	// running or waiting on approval for the same service.
	if err := e.db.Model(&database.PlaybookExecution{}).
		Where("playbook_id = ? AND service_id = ? AND status IN ?",
			trig.PlaybookID, svc.ID,
			[]database.ExecutionStatus{database.ExecutionStatusRunning, database.ExecutionStatusPendingApproval}).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		log.Printf("Playbook %s already in flight for service %s, skipping", trig.Playbook.Name, svc.ServiceName)
		return nil
	}

	status := database.ExecutionStatusRunning
	if def.RequireApproval {
		status = database.ExecutionStatusPendingApproval
	}

	execution := database.PlaybookExecution{
		UUID:       uuid.NewString(),
		PlaybookID: trig.PlaybookID,
		TriggerID:  trig.ID,
		ServiceID:  svc.ID,
		AlertID:    alert.ID,
		Status:     status,
	}
	if err := e.db.Create(&execution).Error; err != nil {
		return err
	}
	log.Printf("Playbook %s fired for service %s (execution %s, status %s)",
		trig.Playbook.Name, svc.ServiceName, execution.UUID, status)

	if def.RequireApproval {
		_, err := e.approvals.Create(ctx, &execution, trig.Playbook.Name, svc.ServiceName, def.ApprovalTimeoutMinutes)
		return err
	}

	go e.runner.Run(context.WithoutCancel(ctx), execution.ID)
	return nil
}
