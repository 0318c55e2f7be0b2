// Package model declares the domain types shared by the board engine:
// scenarios, runs, batches, attack vectors, prompt versions, and the
// status/severity enums that form the wire contract with the dashboard.
package model

import "time"

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusGrading   RunStatus = "grading"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the run state machine permits moving from
// one status to another. Transitions are monotonic: nothing leaves a
// terminal status, and cancellation is reachable from any non-terminal one.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCanceled {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusGrading || to == StatusFailed
	case StatusGrading:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Weight maps severity onto the numeric scale accumulated by attack
// counters and blended into grading scores.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.25
	}
	return 0
}

func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityNone:
		return Severity(raw)
	}
	return SeverityNone
}

// RubricCriterion is one scored evaluation item attached to a scenario.
// Critical criteria scoring zero force a failing verdict regardless of the
// blended score.
type RubricCriterion struct {
	Criterion          string   `json:"criterion"`
	Points             float64  `json:"points"`
	Tags               []string `json:"tags,omitempty"`
	ComplianceCategory string   `json:"compliance_category,omitempty"`
	IsCritical         bool     `json:"is_critical,omitempty"`
}

// AgentContext describes the target agent the scenario is meant to
// exercise; the compliance audit checks the transcript against it.
type AgentContext struct {
	Role           string   `json:"role,omitempty"`
	Specialty      string   `json:"specialty,omitempty"`
	LicensedStates []string `json:"licensed_states,omitempty"`
	PatientState   string   `json:"patient_state,omitempty"`
	Modality       string   `json:"modality,omitempty"`
}

type Scenario struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	SourceType        string            `json:"source_type"`
	State             string            `json:"state,omitempty"`
	Specialty         string            `json:"specialty,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Rubric            []RubricCriterion `json:"rubric,omitempty"`
	ClinicianApproved bool              `json:"clinician_approved"`
	Agent             AgentContext      `json:"agent,omitempty"`
	CreatedAt         string            `json:"created_at"`
}

func (s Scenario) MaxRubricPoints() float64 {
	total := 0.0
	for _, item := range s.Rubric {
		total += item.Points
	}
	return total
}

type TranscriptEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type Run struct {
	ID          string    `json:"run_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	ScenarioIDs []string  `json:"scenario_ids"`
	Mode        string    `json:"mode"`
	AgentType   string    `json:"agent_type"`
	Status      RunStatus `json:"status"`
	Turns       int       `json:"turns"`
	CreatedAt   string    `json:"created_at"`
	StartedAt   string    `json:"started_at,omitempty"`
	FinishedAt  string    `json:"finished_at,omitempty"`
	GradedAt    string    `json:"graded_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type BatchRun struct {
	ID          string    `json:"batch_id"`
	ScenarioIDs []string  `json:"scenario_ids"`
	RunIDs      []string  `json:"run_ids"`
	AgentType   string    `json:"agent_type"`
	Concurrency int       `json:"concurrency"`
	Turns       int       `json:"turns"`
	Status      RunStatus `json:"status"`
	Total       int       `json:"total_scenarios"`
	Completed   int       `json:"completed_count"`
	Failed      int       `json:"failed_count"`
	Canceled    int       `json:"canceled_count"`
	CreatedAt   string    `json:"created_at"`
	FinishedAt  string    `json:"finished_at,omitempty"`
}

// TerminalChildren reports the number of children counted into a terminal
// status so far.
func (b BatchRun) TerminalChildren() int {
	return b.Completed + b.Failed + b.Canceled
}

// AttackVector is an adversarial prompt template. The identity is a content
// hash so re-registering the same prompt/category pair is idempotent;
// counters live in AttackStats and only ever move forward.
type AttackVector struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at"`
}

type AttackStats struct {
	Attempts      int64   `json:"attempts"`
	Successes     int64   `json:"successes"`
	SeveritySum   float64 `json:"severity_sum"`
	LastOutcomeAt string  `json:"last_outcome_at,omitempty"`
}

func (s AttackStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// MeanSuccessfulSeverity is the average severity weight across successful
// attempts; zero when nothing succeeded yet.
func (s AttackStats) MeanSuccessfulSeverity() float64 {
	if s.Successes == 0 {
		return 0
	}
	return s.SeveritySum / float64(s.Successes)
}

type AttackCandidate struct {
	Vector AttackVector `json:"vector"`
	Stats  AttackStats  `json:"stats"`
	Score  float64      `json:"score"`
}

// PromptVersion is one versioned template in the registry. Exactly one
// version per key carries IsActive at any time; Promote enforces that.
type PromptVersion struct {
	Key          string  `json:"key"`
	Version      string  `json:"version"`
	Content      string  `json:"content"`
	IsBaseline   bool    `json:"is_baseline"`
	IsActive     bool    `json:"is_active"`
	UsageCount   int64   `json:"usage_count"`
	SuccessCount int64   `json:"success_count"`
	ScoreSum     float64 `json:"score_sum"`
	CreatedAt    string  `json:"created_at"`
}

func (p PromptVersion) SuccessRate() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

func (p PromptVersion) AvgScore() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return p.ScoreSum / float64(p.UsageCount)
}

// Overlay is short-lived advisory strategy text for a tag set. Expired
// overlays are treated as absent; nothing depends on them for correctness.
type Overlay struct {
	TagKey     string  `json:"tag_key"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	ExpiresAt  string  `json:"expires_at"`
}

func (o Overlay) Expired(now time.Time) bool {
	at, err := time.Parse(time.RFC3339, o.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(at)
}

func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
