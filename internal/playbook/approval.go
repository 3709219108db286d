package playbook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/medicerr"
)

// Prompter notifies a human that an execution is waiting for a decision.
type Prompter interface {
	SendApprovalPrompt(ctx context.Context, approvalID uint, playbookName, serviceName string, expiresAt *time.Time) error
}

// ApprovalService owns the approval request state machine:
// pending -> approved | rejected | expired, all terminal.
type ApprovalService struct {
	db       *gorm.DB
	runner   *Runner
	prompter Prompter
	now      func() time.Time

	// DefaultTimeoutMinutes applies when a playbook requires approval but
	// does not set its own timeout. Zero disables the fallback.
	DefaultTimeoutMinutes int
}

// NewApprovalService wires the approval workflow. prompter may be nil when
// no chat channel is configured; decisions then arrive via the API only.
func NewApprovalService(db *gorm.DB, runner *Runner, prompter Prompter) *ApprovalService {
	return &ApprovalService{
		db:       db,
		runner:   runner,
		prompter: prompter,
		now:      time.Now,
	}
}

// Create opens a pending approval request for an execution already in
// pending_approval and sends the prompt. timeoutMinutes <= 0 falls back to
// DefaultTimeoutMinutes; if that is also zero the request never expires on
// its own.
func (s *ApprovalService) Create(ctx context.Context, execution *database.PlaybookExecution, playbookName, serviceName string, timeoutMinutes int) (*database.ApprovalRequest, error) {
	approval := database.ApprovalRequest{
		ExecutionID: execution.ID,
		Status:      database.ApprovalStatusPending,
	}
	if timeoutMinutes <= 0 {
		timeoutMinutes = s.DefaultTimeoutMinutes
	}
	if timeoutMinutes > 0 {
		expires := s.now().Add(time.Duration(timeoutMinutes) * time.Minute)
		approval.ExpiresAt = &expires
	}
	if err := s.db.Create(&approval).Error; err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	if s.prompter != nil {
		if err := s.prompter.SendApprovalPrompt(ctx, approval.ID, playbookName, serviceName, approval.ExpiresAt); err != nil {
			// Prompt delivery is best-effort; the request stays decidable
			// through the API either way.
			log.Printf("Approval prompt for request %d failed: %v", approval.ID, err)
		}
	}
	return &approval, nil
}

// Decide applies a human decision to a pending request. An approval resumes
// the execution; a rejection cancels it. Decisions on non-pending requests
// (including requests that expired while the decision was in flight) fail
// with a conflict.
func (s *ApprovalService) Decide(ctx context.Context, approvalID uint, approve bool, decidedBy string) (*database.ApprovalRequest, error) {
	var approval database.ApprovalRequest
	if err := s.db.First(&approval, approvalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, medicerr.NotFoundf("approval request %d not found", approvalID)
		}
		return nil, err
	}

	now := s.now()

	// A decision arriving after the deadline is stale even if the sweep
	// has not run yet; expire the request instead of honoring it.
	if approval.Status == database.ApprovalStatusPending &&
		approval.ExpiresAt != nil && now.After(*approval.ExpiresAt) {
		if err := s.expire(&approval, now); err != nil {
			return nil, err
		}
		return nil, medicerr.Conflictf("approval request %d expired at %s", approvalID, approval.ExpiresAt.Format(time.RFC3339))
	}

	if approval.Status != database.ApprovalStatusPending {
		return nil, medicerr.Conflictf("approval request %d already %s", approvalID, approval.Status)
	}
	if decidedBy == "" {
		return nil, medicerr.Invalidf("decided_by must not be empty")
	}

	if approve {
		approval.Status = database.ApprovalStatusApproved
	} else {
		approval.Status = database.ApprovalStatusRejected
	}
	approval.DecidedBy = decidedBy
	approval.DecidedAt = &now
	if err := s.db.Save(&approval).Error; err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	if approve {
		if err := s.db.Model(&database.PlaybookExecution{}).
			Where("id = ? AND status = ?", approval.ExecutionID, database.ExecutionStatusPendingApproval).
			Update("status", database.ExecutionStatusRunning).Error; err != nil {
			return nil, fmt.Errorf("failed to resume execution %d: %w", approval.ExecutionID, err)
		}
		log.Printf("Approval request %d approved by %s, resuming execution %d", approval.ID, decidedBy, approval.ExecutionID)
		go s.runner.Run(context.WithoutCancel(ctx), approval.ExecutionID)
	} else {
		if err := s.cancelExecution(approval.ExecutionID, fmt.Sprintf("rejected by %s", decidedBy)); err != nil {
			return nil, err
		}
		log.Printf("Approval request %d rejected by %s, execution %d cancelled", approval.ID, decidedBy, approval.ExecutionID)
	}
	return &approval, nil
}

// SweepExpired transitions past-deadline pending requests to expired and
// cancels their executions. Safe to run every tick; already-expired rows
// are never touched twice.
func (s *ApprovalService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	var stale []database.ApprovalRequest
	err := s.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?",
		database.ApprovalStatusPending, now).Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired approvals: %w", err)
	}

	expired := 0
	for i := range stale {
		if err := s.expire(&stale[i], now); err != nil {
			log.Printf("Failed to expire approval request %d: %v", stale[i].ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *ApprovalService) expire(approval *database.ApprovalRequest, now time.Time) error {
	approval.Status = database.ApprovalStatusExpired
	approval.DecidedAt = &now
	approval.DecidedBy = ""
	if err := s.db.Save(approval).Error; err != nil {
		return fmt.Errorf("failed to expire approval %d: %w", approval.ID, err)
	}
	if err := s.cancelExecution(approval.ExecutionID, "approval expired"); err != nil {
		return err
	}
	log.Printf("Approval request %d expired, execution %d cancelled", approval.ID, approval.ExecutionID)
	return nil
}

func (s *ApprovalService) cancelExecution(executionID uint, reason string) error {
	now := s.now()
	err := s.db.Model(&database.PlaybookExecution{}).
		Where("id = ? AND status = ?", executionID, database.ExecutionStatusPendingApproval).
		Updates(map[string]interface{}{
			"status":       database.ExecutionStatusCancelled,
			"error":        reason,
			"completed_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to cancel execution %d: %w", executionID, err)
	}
	return nil
}
