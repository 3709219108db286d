package playbook

import (
	"net/url"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/medic-monitor/medic/internal/medicerr"
)

// Step kinds. The vocabulary is closed: anything else is rejected at save
// time so malformed playbooks never reach execution.
const (
	StepWebhook   = "webhook"
	StepScript    = "script"
	StepWait      = "wait"
	StepCondition = "condition"
)

// Condition on_false policies.
const (
	OnFalseAbort    = "abort"    // stop remaining steps, execution completes
	OnFalseFail     = "fail"     // mark the execution failed
	OnFalseContinue = "continue" // skip to the next step
)

// Definition is the parsed body of a playbook's YAML content.
type Definition struct {
	RequireApproval        bool   `yaml:"require_approval"`
	ApprovalTimeoutMinutes int    `yaml:"approval_timeout_minutes"`
	Steps                  []Step `yaml:"steps"`
}

// Step is one entry in a playbook's ordered step list. Exactly one kind's
// field group is meaningful depending on Type; Validate enforces it.
type Step struct {
	Type string `yaml:"type"`

	// webhook
	URL            string            `yaml:"url,omitempty"`
	Method         string            `yaml:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Body           string            `yaml:"body,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`

	// script
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// wait
	Seconds int `yaml:"seconds,omitempty"`

	// condition
	Field    string `yaml:"field,omitempty"`
	Operator string `yaml:"operator,omitempty"`
	Value    string `yaml:"value,omitempty"`
	OnFalse  string `yaml:"on_false,omitempty"`
}

// conditionFields are the service/alert attributes a condition step may test.
var conditionFields = map[string]bool{
	"service.down":       true,
	"service.miss_count": true,
	"service.priority":   true,
	"service.team":       true,
	"alert.cycle":        true,
}

var conditionOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
}

// ParseDefinition parses and validates playbook YAML. All errors wrap
// medicerr.ErrInvalid so callers can map them to a 422.
func ParseDefinition(yamlContent string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(yamlContent), &def); err != nil {
		return nil, medicerr.Invalidf("playbook yaml does not parse: %v", err)
	}
	if len(def.Steps) == 0 {
		return nil, medicerr.Invalidf("playbook has no steps")
	}
	if def.ApprovalTimeoutMinutes < 0 {
		return nil, medicerr.Invalidf("approval_timeout_minutes must be >= 0")
	}
	for i := range def.Steps {
		if err := def.Steps[i].Validate(); err != nil {
			return nil, medicerr.Invalidf("step %d: %v", i+1, err)
		}
	}
	return &def, nil
}

// Validate checks the step's parameters for its declared kind.
func (s *Step) Validate() error {
	switch s.Type {
	case StepWebhook:
		if s.URL == "" {
			return medicerr.Invalidf("webhook step requires url")
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.Hostname() == "" {
			return medicerr.Invalidf("webhook url %q is not a valid absolute URL", s.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return medicerr.Invalidf("webhook url scheme must be http or https, got %q", u.Scheme)
		}
		if s.TimeoutSeconds < 0 {
			return medicerr.Invalidf("webhook timeout_seconds must be >= 0")
		}
	case StepScript:
		if s.Command == "" {
			return medicerr.Invalidf("script step requires command")
		}
		if s.TimeoutSeconds < 0 {
			return medicerr.Invalidf("script timeout_seconds must be >= 0")
		}
	case StepWait:
		if s.Seconds < 1 {
			return medicerr.Invalidf("wait step requires seconds >= 1")
		}
	case StepCondition:
		if !conditionFields[s.Field] {
			return medicerr.Invalidf("condition field %q is not recognized", s.Field)
		}
		if !conditionOperators[s.Operator] {
			return medicerr.Invalidf("condition operator %q is not recognized", s.Operator)
		}
		if s.Value == "" {
			return medicerr.Invalidf("condition step requires value")
		}
		switch s.OnFalse {
		case "", OnFalseAbort, OnFalseFail, OnFalseContinue:
		default:
			return medicerr.Invalidf("condition on_false must be abort, fail or continue, got %q", s.OnFalse)
		}
	default:
		return medicerr.Invalidf("unknown step type %q", s.Type)
	}
	return nil
}

// ValidatePattern checks a trigger's glob pattern at save time. path.Match
// only reports bad patterns when they fail to match, so probe explicitly.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return medicerr.Invalidf("trigger pattern must not be empty")
	}
	if _, err := path.Match(pattern, "probe"); err != nil {
		return medicerr.Invalidf("trigger pattern %q is malformed: %v", pattern, err)
	}
	return nil
}
