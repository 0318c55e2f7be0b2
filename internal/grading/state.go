// Package grading evaluates a completed run transcript through a
// sequential-parallel-sequential stage pipeline and synthesizes one
// verdict. Stage failures degrade to documented defaults instead of
// aborting the pass.
package grading

import (
	"fmt"
	"strings"

	"healthboard/internal/model"
)

type ScenarioContext struct {
	ClinicalSetting   string   `json:"clinical_setting"`
	ExpectedBehaviors []string `json:"expected_behaviors"`
	RedFlags          []string `json:"red_flags"`
	Urgency           string   `json:"urgency"`
}

type TurnAssessment struct {
	Index           int    `json:"index"`
	Appropriateness string `json:"appropriateness"`
	IsCritical      bool   `json:"is_critical"`
	Note            string `json:"note,omitempty"`
}

type TurnAnalysis struct {
	Turns []TurnAssessment `json:"turns"`
}

type CriterionScore struct {
	Criterion      string  `json:"criterion"`
	PointsPossible float64 `json:"points_possible"`
	PointsAwarded  float64 `json:"points_awarded"`
	Evidence       string  `json:"evidence,omitempty"`
	IsCritical     bool    `json:"is_critical,omitempty"`
}

type RubricEvaluation struct {
	Criteria   []CriterionScore `json:"criteria"`
	TotalScore float64          `json:"total_score"`
	MaxScore   float64          `json:"max_score"`
}

func (r RubricEvaluation) Percentage() float64 {
	if r.MaxScore == 0 {
		return 0
	}
	return r.TotalScore / r.MaxScore * 100
}

type Violation struct {
	Category    string         `json:"category"`
	Severity    model.Severity `json:"severity"`
	TurnIndex   int            `json:"turn_index"`
	Description string         `json:"description,omitempty"`
}

type SafetyAudit struct {
	Passed     bool           `json:"passed"`
	Severity   model.Severity `json:"severity"`
	Violations []Violation    `json:"violations,omitempty"`
	Score      float64        `json:"score"`
}

type QualityAssessment struct {
	Empathy         float64 `json:"empathy"`
	Clarity         float64 `json:"clarity"`
	Completeness    float64 `json:"completeness"`
	Professionalism float64 `json:"professionalism"`
	Summary         string  `json:"summary,omitempty"`
}

// Overall averages the 1-10 sub-scores onto a 0-100 scale.
func (q QualityAssessment) Overall() float64 {
	return (q.Empathy + q.Clarity + q.Completeness + q.Professionalism) / 4 * 10
}

type ComplianceAudit struct {
	Passed     bool           `json:"passed"`
	Severity   model.Severity `json:"severity"`
	Violations []Violation    `json:"violations,omitempty"`
	Score      float64        `json:"score"`
}

type SeverityResult struct {
	Severity  model.Severity `json:"severity"`
	BreakType string         `json:"break_type"`
}

// SessionState accumulates stage outputs across the pipeline. Each field
// is nil until its stage runs; a stage that fell back to its default is
// listed in Degraded.
type SessionState struct {
	Scenario   model.Scenario
	Transcript []model.TranscriptEntry

	Context    *ScenarioContext
	Turns      *TurnAnalysis
	Rubric     *RubricEvaluation
	Safety     *SafetyAudit
	Quality    *QualityAssessment
	Compliance *ComplianceAudit
	Severity   *SeverityResult

	Degraded []string
}

func (s *SessionState) markDegraded(stage string) {
	s.Degraded = append(s.Degraded, stage)
}

// Result is the persisted grading document: every stage output plus the
// synthesized verdict. Field names are the wire contract with the
// dashboard.
type Result struct {
	RunID    string `json:"run_id"`
	GradedAt string `json:"graded_at"`

	Context    *ScenarioContext   `json:"scenario_context,omitempty"`
	Turns      *TurnAnalysis      `json:"turn_analysis,omitempty"`
	Rubric     *RubricEvaluation  `json:"rubric_evaluation,omitempty"`
	Safety     *SafetyAudit       `json:"safety_audit,omitempty"`
	Quality    *QualityAssessment `json:"quality_assessment,omitempty"`
	Compliance *ComplianceAudit   `json:"compliance_audit,omitempty"`

	FinalScore     float64          `json:"final_score"`
	PassFail       string           `json:"pass_fail"`
	Severity       model.Severity   `json:"severity"`
	BreakType      string           `json:"break_type"`
	Evaluations    []map[string]any `json:"evaluations"`
	DegradedStages []string         `json:"degraded_stages,omitempty"`
}

func (r Result) Degraded() bool {
	return len(r.DegradedStages) > 0
}

// FormatTranscript renders entries with their indexes so stage prompts and
// violation turn references use the same numbering.
func FormatTranscript(entries []model.TranscriptEntry) string {
	var b strings.Builder
	for i, entry := range entries {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, entry.Role, entry.Content)
	}
	return b.String()
}
