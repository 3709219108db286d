package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetActiveAlert returns the single open alert for a service, or nil
func GetActiveAlert(db *gorm.DB, serviceID uint) (*Alert, error) {
	var alert Alert
	err := db.Where("service_id = ? AND active = ?", serviceID, true).First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// OpenAlertIfNone inserts a new active alert for the service only if none is
// currently open. The service row is locked for the duration of the
// transaction so concurrent evaluations of the same service serialize here
// instead of double-firing. Returns the open alert and whether this call
// created it.
func OpenAlertIfNone(db *gorm.DB, serviceID uint, dedupKey string) (*Alert, bool, error) {
	var alert Alert
	created := false

	err := db.Transaction(func(tx *gorm.DB) error {
		// Row-level lock on the service serializes open/close writes per
		// service_id. SQLite (tests) ignores the clause, which is fine:
		// its writes are serialized globally.
		var svc Service
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&svc, serviceID).Error; err != nil {
			return fmt.Errorf("failed to lock service %d: %w", serviceID, err)
		}

		err := tx.Where("service_id = ? AND active = ?", serviceID, true).First(&alert).Error
		if err == nil {
			return nil // Alert already open, nothing to do
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		alert = Alert{
			ServiceID:           serviceID,
			Active:              true,
			ExternalReferenceID: dedupKey,
			AlertCycle:          1,
		}
		if err := tx.Create(&alert).Error; err != nil {
			return fmt.Errorf("failed to create alert: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &alert, created, nil
}

// IncrementAlertCycle bumps the consecutive-missed-interval counter on an
// open alert and returns the updated row.
func IncrementAlertCycle(db *gorm.DB, alertID uint) (*Alert, error) {
	var alert Alert
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&alert, alertID).Error; err != nil {
			return err
		}
		if !alert.Active {
			return fmt.Errorf("alert %d is closed", alertID)
		}
		alert.AlertCycle++
		return tx.Model(&alert).Update("alert_cycle", alert.AlertCycle).Error
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// CloseActiveAlert closes the open alert for a service, setting ClosedDate.
// Returns the closed alert, or nil if no alert was open.
func CloseActiveAlert(db *gorm.DB, serviceID uint) (*Alert, error) {
	var alert Alert
	closed := false

	err := db.Transaction(func(tx *gorm.DB) error {
		var svc Service
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&svc, serviceID).Error; err != nil {
			return fmt.Errorf("failed to lock service %d: %w", serviceID, err)
		}

		err := tx.Where("service_id = ? AND active = ?", serviceID, true).First(&alert).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Model(&alert).Updates(map[string]interface{}{
			"active":      false,
			"closed_date": now,
		}).Error; err != nil {
			return err
		}
		alert.Active = false
		alert.ClosedDate = &now
		closed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, nil
	}
	return &alert, nil
}

// FindServiceByHeartbeatName looks up a service by its unique heartbeat name
func FindServiceByHeartbeatName(db *gorm.DB, name string) (*Service, error) {
	var svc Service
	if err := db.Where("heartbeat_name = ?", name).First(&svc).Error; err != nil {
		return nil, err
	}
	return &svc, nil
}

// RecordHeartbeat appends a heartbeat event and updates the service's
// last-beat timestamp. Ingestion is never suspended by muting; only
// detection is.
func RecordHeartbeat(db *gorm.DB, serviceID uint, status string, at time.Time) error {
	return db.Transaction(func(tx *gorm.DB) error {
		event := HeartbeatEvent{
			ServiceID: serviceID,
			Time:      at,
			Status:    status,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("failed to record heartbeat event: %w", err)
		}
		return tx.Model(&Service{}).Where("id = ?", serviceID).
			Update("last_beat_at", at).Error
	})
}
