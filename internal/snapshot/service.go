package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/api"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/medicerr"
)

// editableFields are the Service columns an edit (and a restore) may touch.
// heartbeat_name is immutable for the row's lifetime; identity and detector
// bookkeeping columns are off limits.
var editableFields = map[string]bool{
	"service_name":         true,
	"priority":             true,
	"team":                 true,
	"alert_interval":       true,
	"threshold":            true,
	"grace_period_seconds": true,
	"runbook":              true,
	"active":               true,
	"muted":                true,
}

// Service guards every destructive service mutation with a point-in-time
// snapshot, captured in the same transaction as the mutation itself. A
// failed mutation rolls the snapshot back with it.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService creates the snapshot-guarded mutation layer.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// capture records the service's full current state inside tx.
func (s *Service) capture(tx *gorm.DB, svc *database.Service, action database.SnapshotAction, actor string) error {
	raw, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("failed to serialize service %d: %w", svc.ID, err)
	}
	var data database.JSON
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to build snapshot data: %w", err)
	}

	snap := database.ServiceSnapshot{
		ServiceID:    svc.ID,
		SnapshotData: data,
		ActionType:   action,
		Actor:        actor,
	}
	if err := tx.Create(&snap).Error; err != nil {
		return fmt.Errorf("failed to capture snapshot: %w", err)
	}
	return nil
}

// mutate loads the service, captures a snapshot and applies updates, all in
// one transaction.
func (s *Service) mutate(ctx context.Context, serviceID uint, action database.SnapshotAction, actor string, updates map[string]interface{}) (*database.Service, error) {
	var svc database.Service
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&svc, serviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return medicerr.NotFoundf("service %d not found", serviceID)
			}
			return err
		}
		if err := s.capture(tx, &svc, action, actor); err != nil {
			return err
		}
		if err := tx.Model(&svc).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to apply %s: %w", action, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Service %d: %s by %s", svc.ID, action, actor)
	return &svc, nil
}

// Deactivate takes a service out of monitoring entirely.
func (s *Service) Deactivate(ctx context.Context, serviceID uint, actor string) (*database.Service, error) {
	return s.mutate(ctx, serviceID, database.SnapshotActionDeactivate, actor,
		map[string]interface{}{"active": false})
}

// Activate returns a service to monitoring.
func (s *Service) Activate(ctx context.Context, serviceID uint, actor string) (*database.Service, error) {
	return s.mutate(ctx, serviceID, database.SnapshotActionActivate, actor,
		map[string]interface{}{"active": true})
}

// Mute suspends detection (heartbeat ingestion continues) and stamps the
// mute time for the auto-unmute deadline.
func (s *Service) Mute(ctx context.Context, serviceID uint, actor string) (*database.Service, error) {
	return s.mutate(ctx, serviceID, database.SnapshotActionMute, actor,
		map[string]interface{}{"muted": true, "date_muted": s.now()})
}

// Unmute returns a service to detection.
func (s *Service) Unmute(ctx context.Context, serviceID uint, actor string) (*database.Service, error) {
	return s.mutate(ctx, serviceID, database.SnapshotActionUnmute, actor,
		map[string]interface{}{"muted": false, "date_muted": nil})
}

// ChangePriority moves a service between priority levels.
func (s *Service) ChangePriority(ctx context.Context, serviceID uint, priority, actor string) (*database.Service, error) {
	if !database.ValidPriority(priority) {
		return nil, medicerr.Invalidf("invalid priority %q", priority)
	}
	return s.mutate(ctx, serviceID, database.SnapshotActionPriorityChange, actor,
		map[string]interface{}{"priority": priority})
}

// ChangeTeam reassigns a service's owning team.
func (s *Service) ChangeTeam(ctx context.Context, serviceID uint, team, actor string) (*database.Service, error) {
	return s.mutate(ctx, serviceID, database.SnapshotActionTeamChange, actor,
		map[string]interface{}{"team": team})
}

// Edit applies a set of field updates. Only editable columns are accepted.
func (s *Service) Edit(ctx context.Context, serviceID uint, updates map[string]interface{}, actor string) (*database.Service, error) {
	if err := validateUpdates(updates); err != nil {
		return nil, err
	}
	return s.mutate(ctx, serviceID, database.SnapshotActionEdit, actor, updates)
}

// BulkEdit applies the same updates to many services, capturing one snapshot
// per affected service. Unknown service IDs fail the whole batch.
func (s *Service) BulkEdit(ctx context.Context, serviceIDs []uint, updates map[string]interface{}, actor string) (int, error) {
	if len(serviceIDs) == 0 {
		return 0, medicerr.Invalidf("bulk edit requires at least one service id")
	}
	if err := validateUpdates(updates); err != nil {
		return 0, err
	}

	edited := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range serviceIDs {
			var svc database.Service
			if err := tx.First(&svc, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return medicerr.NotFoundf("service %d not found", id)
				}
				return err
			}
			if err := s.capture(tx, &svc, database.SnapshotActionBulkEdit, actor); err != nil {
				return err
			}
			if err := tx.Model(&svc).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to edit service %d: %w", id, err)
			}
			edited++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("Bulk edit applied to %d services by %s", edited, actor)
	return edited, nil
}

// Delete removes the service row. The snapshot is the only surviving copy;
// restore cannot bring a deleted service back (its row is gone), so the
// snapshot serves as an audit record here.
func (s *Service) Delete(ctx context.Context, serviceID uint, actor string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var svc database.Service
		if err := tx.First(&svc, serviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return medicerr.NotFoundf("service %d not found", serviceID)
			}
			return err
		}
		if err := s.capture(tx, &svc, database.SnapshotActionDelete, actor); err != nil {
			return err
		}
		return tx.Delete(&svc).Error
	})
	if err != nil {
		return err
	}
	log.Printf("Service %d deleted by %s", serviceID, actor)
	return nil
}

// Restore overwrites the live service's editable fields from a snapshot and
// marks the snapshot consumed. A snapshot restores at most once.
func (s *Service) Restore(ctx context.Context, snapshotID uint, actor string) (*database.Service, error) {
	var svc database.Service
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var snap database.ServiceSnapshot
		if err := tx.First(&snap, snapshotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return medicerr.NotFoundf("snapshot %d not found", snapshotID)
			}
			return err
		}
		if snap.RestoredAt != nil {
			return medicerr.Conflictf("snapshot %d already restored at %s",
				snapshotID, snap.RestoredAt.Format(time.RFC3339))
		}

		if err := tx.First(&svc, snap.ServiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return medicerr.NotFoundf("service %d for snapshot %d no longer exists", snap.ServiceID, snapshotID)
			}
			return err
		}

		updates := restorableUpdates(snap.SnapshotData)
		if len(updates) == 0 {
			return medicerr.Invalidf("snapshot %d carries no restorable fields", snapshotID)
		}
		if err := tx.Model(&svc).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to restore service %d: %w", svc.ID, err)
		}

		return tx.Model(&snap).Update("restored_at", s.now()).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Service %d restored from snapshot %d by %s", svc.ID, snapshotID, actor)
	return &svc, nil
}

// restorableUpdates projects snapshot data onto the editable column set.
// date_muted travels with the muted flag: it is restored when the snapshot
// carries it and cleared when it does not, so a restored mute keeps its
// auto-unmute deadline.
func restorableUpdates(data database.JSON) map[string]interface{} {
	updates := make(map[string]interface{}, len(editableFields)+1)
	for field := range editableFields {
		if v, ok := data[field]; ok {
			updates[field] = v
		}
	}
	if len(updates) == 0 {
		return updates
	}
	if v, ok := data["date_muted"]; ok {
		if s, isString := v.(string); isString {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				v = ts
			}
		}
		updates["date_muted"] = v
	} else {
		updates["date_muted"] = nil
	}
	return updates
}

func validateUpdates(updates map[string]interface{}) error {
	if len(updates) == 0 {
		return medicerr.Invalidf("edit requires at least one field")
	}
	for field := range updates {
		if !editableFields[field] {
			return medicerr.Invalidf("field %q is not editable", field)
		}
	}
	if v, ok := updates["threshold"]; ok {
		if n, isNum := numeric(v); !isNum || n < 1 {
			return medicerr.Invalidf("threshold must be a number >= 1, got %v", v)
		}
	}
	if v, ok := updates["grace_period_seconds"]; ok {
		if n, isNum := numeric(v); !isNum || n < 0 {
			return medicerr.Invalidf("grace period must be a number >= 0, got %v", v)
		}
	}
	if v, ok := updates["priority"]; ok {
		p, isString := v.(string)
		if !isString || !database.ValidPriority(p) {
			return medicerr.Invalidf("invalid priority %v", v)
		}
	}
	return nil
}

// numeric accepts the types a JSON edit body or a direct caller can carry.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ListFilter narrows a snapshot listing.
type ListFilter struct {
	ServiceID  uint
	ActionType database.SnapshotAction
	From       *time.Time
	To         *time.Time
}

// List returns snapshots newest first, filtered and paginated.
func (s *Service) List(ctx context.Context, filter ListFilter, page api.PaginationParams) ([]database.ServiceSnapshot, int64, error) {
	if filter.ActionType != "" && !database.ValidSnapshotAction(filter.ActionType) {
		return nil, 0, medicerr.Invalidf("unknown action type %q", filter.ActionType)
	}

	q := s.db.WithContext(ctx).Model(&database.ServiceSnapshot{})
	if filter.ServiceID != 0 {
		q = q.Where("service_id = ?", filter.ServiceID)
	}
	if filter.ActionType != "" {
		q = q.Where("action_type = ?", filter.ActionType)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count snapshots: %w", err)
	}

	var snaps []database.ServiceSnapshot
	err := q.Order("created_at DESC, id DESC").
		Offset(page.Offset()).Limit(page.PerPage).
		Find(&snaps).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, total, nil
}
