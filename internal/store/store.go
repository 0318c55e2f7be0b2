// Package store defines the persistence contract for the board engine and
// provides two implementations: an in-memory store for tests and single-node
// fallback, and a PostgreSQL store for production.
package store

import (
	"encoding/json"
	"errors"

	"healthboard/internal/model"
)

var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by create operations on duplicate ids.
	ErrAlreadyExists = errors.New("already exists")
)

// RunEvent is one entry in a run's stage-tagged event log, streamed to the
// dashboard over SSE.
type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	Detail    string `json:"detail,omitempty"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt    string  `json:"generated_at"`
	TotalRuns      int     `json:"total_runs"`
	ActiveRuns     int     `json:"active_runs"`
	CompletedRuns  int     `json:"completed_runs"`
	FailedRuns     int     `json:"failed_runs"`
	CanceledRuns   int     `json:"canceled_runs"`
	TotalBatches   int     `json:"total_batches"`
	TotalAttacks   int     `json:"total_attacks"`
	PromptVersions int     `json:"prompt_versions"`
	AvgFinalScore  float64 `json:"avg_final_score"`
	GradedRuns     int     `json:"graded_runs"`
}

// ScoreFunc computes an attack's ranking score from its updated counters.
// The store applies it inside the same operation that increments the
// counters so every tag index the attack belongs to re-ranks atomically.
type ScoreFunc func(model.AttackStats) float64

// Store is the single persistence contract. The mutate-callback update
// methods run the callback against the current row under exclusive access;
// returning an error from the callback aborts the update without writing.
type Store interface {
	CreateScenario(sc model.Scenario) error
	GetScenario(id string) (model.Scenario, bool)
	ListScenarios(approvedOnly bool, limit int) []model.Scenario

	CreateRun(run model.Run) error
	GetRun(id string) (model.Run, bool)
	ListRuns(status model.RunStatus, limit int) []model.Run
	UpdateRun(runID string, mutate func(*model.Run) error) (model.Run, error)

	AppendTranscript(runID string, entries ...model.TranscriptEntry) error
	GetTranscript(runID string) []model.TranscriptEntry

	PutGrading(runID string, doc json.RawMessage) error
	GetGrading(runID string) (json.RawMessage, bool)

	CreateBatch(batch model.BatchRun) error
	GetBatch(id string) (model.BatchRun, bool)
	ListBatches(limit int) []model.BatchRun
	UpdateBatch(batchID string, mutate func(*model.BatchRun) error) (model.BatchRun, error)

	RegisterAttack(vector model.AttackVector) error
	GetAttack(id string) (model.AttackVector, model.AttackStats, bool)
	RecordAttackOutcome(attackID string, success bool, severityWeight float64, score ScoreFunc) (model.AttackStats, error)
	TopAttacksByTag(tag string, limit int) []model.AttackCandidate
	ListAttacks(limit int) []model.AttackCandidate

	CreatePromptVersion(v model.PromptVersion) error
	GetActivePrompt(key string) (model.PromptVersion, bool)
	GetPromptVersion(key, version string) (model.PromptVersion, bool)
	ListPromptVersions(key string) []model.PromptVersion
	ListPromptKeys() []string
	RecordPromptUsage(key, version string, success bool, score float64) error
	PromotePrompt(key, version string) error
	DeletePromptVersion(key, version string) error

	PutOverlay(o model.Overlay) error
	GetOverlay(tagKey string) (model.Overlay, bool)

	AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error)
	ListRunEvents(runID string, sinceSeq int64) []RunEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent

	MetricsOverview() MetricsOverview
}
