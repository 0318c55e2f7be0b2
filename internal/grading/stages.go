package grading

import (
	"context"
	"fmt"
	"strings"

	"healthboard/internal/inference"
	"healthboard/internal/model"
	"healthboard/internal/registry"
)

// Stage names as they appear in degraded lists and metrics.
const (
	StageContext    = "scenario_context"
	StageTurns      = "turn_analysis"
	StageRubric     = "rubric_evaluation"
	StageSafety     = "safety_audit"
	StageQuality    = "quality_assessment"
	StageCompliance = "compliance_audit"
)

// evaluate renders the stage's registry prompts, calls the model in JSON
// mode, and decodes into out. Usage is booked against the served versions
// so experiments on grader prompts attribute correctly.
func (p *Pipeline) evaluate(ctx context.Context, runID, stage string, vars map[string]string, out any) error {
	system, err := p.registry.GetForRun("grader."+stage+".system", runID)
	if err != nil {
		return err
	}
	user, err := p.registry.GetForRun("grader."+stage+".user", runID)
	if err != nil {
		return err
	}
	callErr := p.gateway.ChatJSON(ctx, inference.ChatRequest{
		System: system.Content,
		User:   registry.Render(user.Content, vars),
	}, out)

	success := callErr == nil
	score := 0.0
	if success {
		score = 1
	}
	_ = p.registry.RecordUsage(system, success, score)
	_ = p.registry.RecordUsage(user, success, score)
	return callErr
}

func (p *Pipeline) runContextStage(ctx context.Context, runID string, state *SessionState) {
	var out ScenarioContext
	err := p.evaluate(ctx, runID, StageContext, map[string]string{
		"scenario_title":       state.Scenario.Title,
		"scenario_description": state.Scenario.Description,
	}, &out)
	if err != nil {
		p.degrade(ctx, state, StageContext, err)
		state.Context = &ScenarioContext{ClinicalSetting: "unknown", Urgency: "routine"}
		return
	}
	if out.Urgency == "" {
		out.Urgency = "routine"
	}
	state.Context = &out
}

func (p *Pipeline) runTurnStage(ctx context.Context, runID string, state *SessionState) {
	var out TurnAnalysis
	err := p.evaluate(ctx, runID, StageTurns, map[string]string{
		"clinical_setting": state.Context.ClinicalSetting,
		"red_flags":        strings.Join(state.Context.RedFlags, "; "),
		"transcript":       FormatTranscript(state.Transcript),
	}, &out)
	if err != nil {
		p.degrade(ctx, state, StageTurns, err)
		state.Turns = &TurnAnalysis{Turns: []TurnAssessment{}}
		return
	}
	state.Turns = &out
}

func (p *Pipeline) runRubricStage(ctx context.Context, runID string, state *SessionState) {
	var out struct {
		Criteria []CriterionScore `json:"criteria"`
	}
	err := p.evaluate(ctx, runID, StageRubric, map[string]string{
		"rubric":     formatRubric(state.Scenario.Rubric),
		"transcript": FormatTranscript(state.Transcript),
	}, &out)

	evaluation := &RubricEvaluation{MaxScore: state.Scenario.MaxRubricPoints()}
	if err != nil || len(out.Criteria) == 0 {
		if err != nil {
			p.degrade(ctx, state, StageRubric, err)
		}
		// Zero-score every criterion so the verdict still reflects the
		// rubric's shape.
		for _, item := range state.Scenario.Rubric {
			evaluation.Criteria = append(evaluation.Criteria, CriterionScore{
				Criterion:      item.Criterion,
				PointsPossible: item.Points,
				IsCritical:     item.IsCritical,
			})
		}
		state.Rubric = evaluation
		return
	}

	critical := map[string]bool{}
	points := map[string]float64{}
	for _, item := range state.Scenario.Rubric {
		critical[item.Criterion] = item.IsCritical
		points[item.Criterion] = item.Points
	}
	for _, scored := range out.Criteria {
		scored.IsCritical = critical[scored.Criterion]
		if expected, ok := points[scored.Criterion]; ok {
			scored.PointsPossible = expected
		}
		if scored.PointsAwarded > scored.PointsPossible {
			scored.PointsAwarded = scored.PointsPossible
		}
		evaluation.Criteria = append(evaluation.Criteria, scored)
		evaluation.TotalScore += scored.PointsAwarded
	}
	state.Rubric = evaluation
}

func (p *Pipeline) safetyStage(ctx context.Context, runID string, state *SessionState) (*SafetyAudit, error) {
	var out struct {
		Passed     bool   `json:"passed"`
		Severity   string `json:"severity"`
		Violations []struct {
			Category    string `json:"category"`
			Severity    string `json:"severity"`
			TurnIndex   int    `json:"turn_index"`
			Description string `json:"description"`
		} `json:"violations"`
		Score float64 `json:"score"`
	}
	err := p.evaluate(ctx, runID, StageSafety, map[string]string{
		"expected_behaviors": strings.Join(state.Context.ExpectedBehaviors, "; "),
		"red_flags":          strings.Join(state.Context.RedFlags, "; "),
		"transcript":         FormatTranscript(state.Transcript),
	}, &out)
	if err != nil {
		return nil, err
	}
	audit := &SafetyAudit{
		Passed:   out.Passed,
		Severity: model.ParseSeverity(out.Severity),
		Score:    out.Score,
	}
	for _, v := range out.Violations {
		audit.Violations = append(audit.Violations, Violation{
			Category:    v.Category,
			Severity:    model.ParseSeverity(v.Severity),
			TurnIndex:   v.TurnIndex,
			Description: v.Description,
		})
	}
	reconcileAuditSeverity(&audit.Severity, audit.Violations)
	return audit, nil
}

func (p *Pipeline) qualityStage(ctx context.Context, runID string, state *SessionState) (*QualityAssessment, error) {
	var out QualityAssessment
	err := p.evaluate(ctx, runID, StageQuality, map[string]string{
		"transcript": FormatTranscript(state.Transcript),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Pipeline) complianceStage(ctx context.Context, runID string, state *SessionState) (*ComplianceAudit, error) {
	var out struct {
		Passed     bool   `json:"passed"`
		Severity   string `json:"severity"`
		Violations []struct {
			Category    string `json:"category"`
			Severity    string `json:"severity"`
			TurnIndex   int    `json:"turn_index"`
			Description string `json:"description"`
		} `json:"violations"`
		Score float64 `json:"score"`
	}
	err := p.evaluate(ctx, runID, StageCompliance, map[string]string{
		"agent_role":      state.Scenario.Agent.Role,
		"licensed_states": strings.Join(state.Scenario.Agent.LicensedStates, ", "),
		"patient_state":   state.Scenario.Agent.PatientState,
		"transcript":      FormatTranscript(state.Transcript),
	}, &out)
	if err != nil {
		return nil, err
	}
	audit := &ComplianceAudit{
		Passed:   out.Passed,
		Severity: model.ParseSeverity(out.Severity),
		Score:    out.Score,
	}
	for _, v := range out.Violations {
		audit.Violations = append(audit.Violations, Violation{
			Category:    v.Category,
			Severity:    model.ParseSeverity(v.Severity),
			TurnIndex:   v.TurnIndex,
			Description: v.Description,
		})
	}
	reconcileAuditSeverity(&audit.Severity, audit.Violations)
	return audit, nil
}

// reconcileAuditSeverity lifts the audit severity to the worst violation
// when the model under-reports the headline field.
func reconcileAuditSeverity(severity *model.Severity, violations []Violation) {
	for _, v := range violations {
		*severity = model.MaxSeverity(*severity, v.Severity)
	}
}

// Neutral defaults substituted for failed audit stages: a failed safety or
// compliance call must not fabricate violations, and a failed quality call
// scores mid-scale.
func fallbackSafety() *SafetyAudit {
	return &SafetyAudit{Passed: true, Severity: model.SeverityNone, Score: 100}
}

func fallbackQuality() *QualityAssessment {
	return &QualityAssessment{Empathy: 5, Clarity: 5, Completeness: 5, Professionalism: 5,
		Summary: "quality assessment unavailable"}
}

func fallbackCompliance() *ComplianceAudit {
	return &ComplianceAudit{Passed: true, Severity: model.SeverityNone, Score: 100}
}

func formatRubric(rubric []model.RubricCriterion) string {
	var b strings.Builder
	for _, item := range rubric {
		fmt.Fprintf(&b, "- %s (%.0f points", item.Criterion, item.Points)
		if item.IsCritical {
			b.WriteString(", critical")
		}
		b.WriteString(")\n")
	}
	return b.String()
}
