package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSON is a custom type for JSON columns (JSONB on PostgreSQL)
type JSON map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Priority levels for monitored services
const (
	PriorityP1 = "p1"
	PriorityP2 = "p2"
	PriorityP3 = "p3"
	PriorityP4 = "p4"
	PriorityP5 = "p5"
)

// ValidPriority reports whether p is a recognized priority level
func ValidPriority(p string) bool {
	switch p {
	case PriorityP1, PriorityP2, PriorityP3, PriorityP4, PriorityP5:
		return true
	}
	return false
}

// Service is a monitored target. A service is considered down once it has
// missed `Threshold` consecutive evaluation cycles past its heartbeat
// deadline (alert interval plus grace period).
type Service struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	HeartbeatName      string     `gorm:"uniqueIndex;size:128;not null" json:"heartbeat_name"` // Immutable once created
	ServiceName        string     `gorm:"size:255;not null" json:"service_name"`
	Active             bool       `gorm:"default:true" json:"active"`
	Muted              bool       `gorm:"default:false" json:"muted"`
	Priority           string     `gorm:"type:varchar(4);default:'p3'" json:"priority"` // p1..p5
	Team               string     `gorm:"size:128" json:"team"`
	AlertIntervalMins  int        `gorm:"column:alert_interval;default:5" json:"alert_interval"`
	Threshold          int        `gorm:"default:1" json:"threshold"`             // Minimum consecutive missed cycles before alerting
	GracePeriodSeconds int        `gorm:"default:0" json:"grace_period_seconds"`
	Runbook            string     `gorm:"type:text" json:"runbook"`
	Down               bool       `gorm:"default:false" json:"down"`
	MissCount          int        `gorm:"default:0" json:"miss_count"` // Consecutive missed cycles observed by the detector
	LastBeatAt         *time.Time `json:"last_beat_at,omitempty"`
	DateAdded          time.Time  `gorm:"autoCreateTime" json:"date_added"`
	DateModified       time.Time  `gorm:"autoUpdateTime" json:"date_modified"`
	DateMuted          *time.Time `json:"date_muted,omitempty"`
}

// BeforeCreate applies defaults and validates invariants the store cannot
// express portably. This runs on inserts only: a save hook would also fire
// on partial column updates against a zero-value model and misread unset
// fields as violations. Field updates are validated by the mutation layer.
func (s *Service) BeforeCreate(tx *gorm.DB) error {
	if s.Threshold == 0 {
		s.Threshold = 1
	}
	if s.Threshold < 1 {
		return fmt.Errorf("service threshold must be >= 1, got %d", s.Threshold)
	}
	if s.GracePeriodSeconds < 0 {
		return fmt.Errorf("grace period must be >= 0, got %d", s.GracePeriodSeconds)
	}
	if s.Priority != "" && !ValidPriority(s.Priority) {
		return fmt.Errorf("invalid priority %q", s.Priority)
	}
	return nil
}

func (Service) TableName() string {
	return "services"
}

// HeartbeatEvent is an append-only liveness fact. Rows are never mutated;
// deletion happens only through external retention pruning.
type HeartbeatEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ServiceID uint      `gorm:"not null;index" json:"service_id"`
	Time      time.Time `gorm:"not null;index" json:"time"`
	Status    string    `gorm:"type:varchar(32);default:'ok'" json:"status"`
}

func (HeartbeatEvent) TableName() string {
	return "heartbeat_events"
}

// Alert is one logical incident. At most one row with Active=true may exist
// per service at any time; the alert lifecycle manager enforces this with a
// locked conditional insert (see OpenAlertIfNone), not the store schema.
type Alert struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	ServiceID           uint       `gorm:"not null;index" json:"service_id"`
	Active              bool       `gorm:"default:true;index" json:"active"`
	ExternalReferenceID string     `gorm:"size:255;not null" json:"external_reference_id"` // Dedup key: medic-heartbeat-{slug}
	AlertCycle          int        `gorm:"default:1" json:"alert_cycle"`                   // Consecutive missed intervals
	CreatedDate         time.Time  `gorm:"autoCreateTime" json:"created_date"`
	ClosedDate          *time.Time `json:"closed_date,omitempty"`
}

func (Alert) TableName() string {
	return "alerts"
}

// Playbook is a remediation definition. The ordered step list lives in
// YAMLContent and is validated at save time by the playbook package.
type Playbook struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	YAMLContent string    `gorm:"type:text;not null" json:"yaml_content"`
	Version     int       `gorm:"default:1" json:"version"` // Incremented on every edit
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Playbook) TableName() string {
	return "playbooks"
}

// PlaybookTrigger is a matching rule: glob pattern over service names plus a
// minimum consecutive-failure count.
type PlaybookTrigger struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	PlaybookID          uint      `gorm:"not null;index" json:"playbook_id"`
	ServicePattern      string    `gorm:"size:255;not null" json:"service_pattern"`
	ConsecutiveFailures int       `gorm:"default:1" json:"consecutive_failures"`
	Enabled             bool      `gorm:"default:true" json:"enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	Playbook Playbook `gorm:"foreignKey:PlaybookID" json:"playbook,omitempty"`
}

// BeforeSave enforces the consecutive_failures >= 1 invariant
func (t *PlaybookTrigger) BeforeSave(tx *gorm.DB) error {
	if t.ConsecutiveFailures < 1 {
		return fmt.Errorf("trigger consecutive_failures must be >= 1, got %d", t.ConsecutiveFailures)
	}
	return nil
}

func (PlaybookTrigger) TableName() string {
	return "playbook_triggers"
}

// ExecutionStatus represents the status of a playbook execution
type ExecutionStatus string

const (
	ExecutionStatusRunning         ExecutionStatus = "running"
	ExecutionStatusPendingApproval ExecutionStatus = "pending_approval"
	ExecutionStatusCompleted       ExecutionStatus = "completed"
	ExecutionStatusFailed          ExecutionStatus = "failed"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// PlaybookExecution is one run of a playbook against a service
type PlaybookExecution struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	UUID        string          `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	PlaybookID  uint            `gorm:"not null;index" json:"playbook_id"`
	TriggerID   uint            `gorm:"index" json:"trigger_id"`
	ServiceID   uint            `gorm:"not null;index" json:"service_id"`
	AlertID     uint            `gorm:"index" json:"alert_id"`
	Status      ExecutionStatus `gorm:"type:varchar(32);not null;default:'running';index" json:"status"`
	CurrentStep int             `gorm:"default:0" json:"current_step"`
	Error       string          `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time       `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	Playbook Playbook `gorm:"foreignKey:PlaybookID" json:"playbook,omitempty"`
}

func (PlaybookExecution) TableName() string {
	return "playbook_executions"
}

// ApprovalStatus represents the status of an approval request
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is the 1:1 human sign-off record for an execution
type ApprovalRequest struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ExecutionID uint           `gorm:"uniqueIndex;not null" json:"execution_id"`
	Status      ApprovalStatus `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	RequestedAt time.Time      `gorm:"autoCreateTime" json:"requested_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	DecidedBy   string         `gorm:"size:128" json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`

	Execution PlaybookExecution `gorm:"foreignKey:ExecutionID" json:"execution,omitempty"`
}

// Validate enforces the decided-field consistency invariant:
//
//	pending            => DecidedBy == "" and DecidedAt == nil
//	approved, rejected => DecidedBy != "" and DecidedAt != nil
//	expired            => DecidedBy == "" and DecidedAt != nil
func (a *ApprovalRequest) Validate() error {
	switch a.Status {
	case ApprovalStatusPending:
		if a.DecidedBy != "" || a.DecidedAt != nil {
			return fmt.Errorf("pending approval %d must have no decided fields", a.ID)
		}
	case ApprovalStatusApproved, ApprovalStatusRejected:
		if a.DecidedBy == "" || a.DecidedAt == nil {
			return fmt.Errorf("%s approval %d must have decided_by and decided_at set", a.Status, a.ID)
		}
	case ApprovalStatusExpired:
		if a.DecidedBy != "" || a.DecidedAt == nil {
			return fmt.Errorf("expired approval %d must have decided_at set and decided_by empty", a.ID)
		}
	default:
		return fmt.Errorf("unknown approval status %q", a.Status)
	}
	return nil
}

// BeforeSave makes the state-consistency invariant a hard check, not advisory
func (a *ApprovalRequest) BeforeSave(tx *gorm.DB) error {
	return a.Validate()
}

func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// SnapshotAction identifies the destructive action a snapshot guards
type SnapshotAction string

const (
	SnapshotActionDeactivate     SnapshotAction = "deactivate"
	SnapshotActionActivate       SnapshotAction = "activate"
	SnapshotActionMute           SnapshotAction = "mute"
	SnapshotActionUnmute         SnapshotAction = "unmute"
	SnapshotActionEdit           SnapshotAction = "edit"
	SnapshotActionBulkEdit       SnapshotAction = "bulk_edit"
	SnapshotActionPriorityChange SnapshotAction = "priority_change"
	SnapshotActionTeamChange     SnapshotAction = "team_change"
	SnapshotActionDelete         SnapshotAction = "delete"
)

// ValidSnapshotAction reports whether a is one of the nine guarded actions
func ValidSnapshotAction(a SnapshotAction) bool {
	switch a {
	case SnapshotActionDeactivate, SnapshotActionActivate, SnapshotActionMute,
		SnapshotActionUnmute, SnapshotActionEdit, SnapshotActionBulkEdit,
		SnapshotActionPriorityChange, SnapshotActionTeamChange, SnapshotActionDelete:
		return true
	}
	return false
}

// ServiceSnapshot is a point-in-time copy of a Service row, captured before a
// destructive mutation. RestoredAt is set exactly once when the snapshot is
// restored; it is never cleared.
type ServiceSnapshot struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ServiceID    uint           `gorm:"not null;index" json:"service_id"`
	SnapshotData JSON           `gorm:"type:jsonb" json:"snapshot_data"`
	ActionType   SnapshotAction `gorm:"type:varchar(32);not null;index" json:"action_type"`
	Actor        string         `gorm:"size:128" json:"actor"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	RestoredAt   *time.Time     `json:"restored_at,omitempty"`
}

func (ServiceSnapshot) TableName() string {
	return "service_snapshots"
}
