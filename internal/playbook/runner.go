package playbook

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/medicerr"
	"github.com/medic-monitor/medic/internal/utils"
)

const (
	defaultStepTimeout = 30 * time.Second
	maxStepTimeout     = 10 * time.Minute
)

// Runner executes playbook steps for one execution at a time. Each execution
// runs in its own goroutine so wait steps and slow webhooks never stall the
// detector tick.
type Runner struct {
	db           *gorm.DB
	allowedHosts map[string]bool
	httpClient   *http.Client
}

// NewRunner creates a runner. allowedHosts is the webhook host allowlist;
// hostnames are compared case-insensitively without ports.
func NewRunner(db *gorm.DB, allowedHosts []string) *Runner {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return &Runner{
		db:           db,
		allowedHosts: allowed,
		httpClient:   &http.Client{Timeout: maxStepTimeout},
	}
}

// Run drives the execution from its current step to a terminal state. It is
// safe to call again on an execution resumed after approval; finished
// executions are left untouched.
func (r *Runner) Run(ctx context.Context, executionID uint) {
	var execution database.PlaybookExecution
	if err := r.db.Preload("Playbook").First(&execution, executionID).Error; err != nil {
		log.Printf("Execution %d not loadable: %v", executionID, err)
		return
	}
	if execution.Status.IsTerminal() {
		return
	}
	if execution.Status == database.ExecutionStatusPendingApproval {
		log.Printf("Execution %s is awaiting approval, not running", execution.UUID)
		return
	}

	def, err := ParseDefinition(execution.Playbook.YAMLContent)
	if err != nil {
		r.finish(&execution, database.ExecutionStatusFailed, fmt.Sprintf("playbook definition invalid: %v", err))
		return
	}

	var svc database.Service
	if err := r.db.First(&svc, execution.ServiceID).Error; err != nil {
		r.finish(&execution, database.ExecutionStatusFailed, fmt.Sprintf("service %d not loadable: %v", execution.ServiceID, err))
		return
	}
	var alert database.Alert
	if execution.AlertID != 0 {
		if err := r.db.First(&alert, execution.AlertID).Error; err != nil {
			log.Printf("Execution %s: alert %d not loadable: %v", execution.UUID, execution.AlertID, err)
		}
	}

	for i := execution.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]
		log.Printf("Execution %s: running step %d/%d (%s)", execution.UUID, i+1, len(def.Steps), step.Type)

		halt, err := r.runStep(ctx, &step, &svc, &alert)
		if err != nil {
			r.finish(&execution, database.ExecutionStatusFailed,
				fmt.Sprintf("step %d (%s): %v", i+1, step.Type, err))
			return
		}

		execution.CurrentStep = i + 1
		if err := r.db.Model(&execution).Update("current_step", execution.CurrentStep).Error; err != nil {
			log.Printf("Execution %s: failed to persist step progress: %v", execution.UUID, err)
		}
		if halt {
			break
		}
	}

	r.finish(&execution, database.ExecutionStatusCompleted, "")
}

func (r *Runner) finish(execution *database.PlaybookExecution, status database.ExecutionStatus, errMsg string) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
		log.Printf("Execution %s failed: %s", execution.UUID, errMsg)
	} else {
		log.Printf("Execution %s finished with status %s", execution.UUID, status)
	}
	if err := r.db.Model(execution).Updates(updates).Error; err != nil {
		log.Printf("Execution %s: failed to persist terminal state: %v", execution.UUID, err)
	}
	execution.Status = status
	execution.CompletedAt = &now
}

// runStep executes a single step. halt=true means stop remaining steps
// without failing the execution (condition abort).
func (r *Runner) runStep(ctx context.Context, step *Step, svc *database.Service, alert *database.Alert) (halt bool, err error) {
	switch step.Type {
	case StepWebhook:
		return false, r.runWebhook(ctx, step)
	case StepScript:
		return false, r.runScript(ctx, step)
	case StepWait:
		return false, r.runWait(ctx, step)
	case StepCondition:
		return r.runCondition(step, svc, alert)
	default:
		return false, medicerr.Invalidf("unknown step type %q", step.Type)
	}
}

func (r *Runner) runWebhook(ctx context.Context, step *Step) error {
	u, err := url.Parse(step.URL)
	if err != nil {
		return medicerr.Invalidf("webhook url does not parse: %v", err)
	}
	// Allowlist check happens before any network traffic
	host := strings.ToLower(u.Hostname())
	if !r.allowedHosts[host] {
		return medicerr.StepFailedf("webhook host %q is not allowlisted", host)
	}

	method := step.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout(step.TimeoutSeconds))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, step.URL, bytes.NewReader([]byte(step.Body)))
	if err != nil {
		return medicerr.StepFailedf("failed to build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range step.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return medicerr.StepFailedf("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return medicerr.StepFailedf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *Runner) runScript(ctx context.Context, step *Step) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout(step.TimeoutSeconds))
	defer cancel()

	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Stored on the execution row; keep runaway output out of the store
		return medicerr.StepFailedf("script %q failed: %v (output: %s)",
			step.Command, err, utils.TruncateText(string(output), 512))
	}
	return nil
}

func (r *Runner) runWait(ctx context.Context, step *Step) error {
	timer := time.NewTimer(time.Duration(step.Seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return medicerr.StepFailedf("wait interrupted: %v", ctx.Err())
	}
}

// runCondition evaluates the predicate. A false result follows the step's
// on_false policy: abort halts cleanly, fail errors the execution, continue
// moves on.
func (r *Runner) runCondition(step *Step, svc *database.Service, alert *database.Alert) (halt bool, err error) {
	actual := conditionFieldValue(step.Field, svc, alert)
	ok := compare(actual, step.Operator, step.Value)
	if ok {
		return false, nil
	}

	switch step.OnFalse {
	case OnFalseContinue:
		return false, nil
	case OnFalseFail:
		return false, medicerr.StepFailedf("condition %s %s %q is false (actual %q)",
			step.Field, step.Operator, step.Value, actual)
	default: // abort
		return true, nil
	}
}

func conditionFieldValue(field string, svc *database.Service, alert *database.Alert) string {
	switch field {
	case "service.down":
		return strconv.FormatBool(svc.Down)
	case "service.miss_count":
		return strconv.Itoa(svc.MissCount)
	case "service.priority":
		return svc.Priority
	case "service.team":
		return svc.Team
	case "alert.cycle":
		return strconv.Itoa(alert.AlertCycle)
	}
	return ""
}

// compare evaluates actual <op> expected, numerically when both sides parse
// as numbers, lexicographically otherwise.
func compare(actual, op, expected string) bool {
	an, errA := strconv.ParseFloat(actual, 64)
	en, errB := strconv.ParseFloat(expected, 64)
	if errA == nil && errB == nil {
		switch op {
		case "eq":
			return an == en
		case "ne":
			return an != en
		case "gt":
			return an > en
		case "gte":
			return an >= en
		case "lt":
			return an < en
		case "lte":
			return an <= en
		}
		return false
	}

	switch op {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	case "gt":
		return actual > expected
	case "gte":
		return actual >= expected
	case "lt":
		return actual < expected
	case "lte":
		return actual <= expected
	}
	return false
}

func stepTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultStepTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d > maxStepTimeout {
		return maxStepTimeout
	}
	return d
}
