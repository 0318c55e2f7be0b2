package grading

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"healthboard/internal/inference"
	"healthboard/internal/model"
	"healthboard/internal/registry"
)

type Config struct {
	// StageTimeout bounds each evaluator call.
	StageTimeout time.Duration
	// PassCutoff and ReviewCutoff are the final-score thresholds of the
	// pass / needs_review / fail ladder.
	PassCutoff   float64
	ReviewCutoff float64
}

func (c *Config) normalize() {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 90 * time.Second
	}
	if c.PassCutoff <= 0 {
		c.PassCutoff = 70
	}
	if c.ReviewCutoff <= 0 {
		c.ReviewCutoff = 50
	}
}

// StageObserver receives per-stage timing for metrics; nil is fine.
type StageObserver func(ctx context.Context, stage string, durationMS int64, degraded bool)

type Pipeline struct {
	gateway  inference.Gateway
	registry *registry.Registry
	cfg      Config
	observe  StageObserver
}

func NewPipeline(gateway inference.Gateway, reg *registry.Registry, cfg Config, observe StageObserver) *Pipeline {
	cfg.normalize()
	return &Pipeline{gateway: gateway, registry: reg, cfg: cfg, observe: observe}
}

// Grade runs the full pipeline over a transcript: context, turn analysis,
// and rubric sequentially; the three audits concurrently with a fixed
// merge order; then severity determination and synthesis, both
// deterministic. Cancellation is honored at stage boundaries; a canceled
// pass returns the context error and writes nothing.
func (p *Pipeline) Grade(ctx context.Context, runID string, sc model.Scenario, transcript []model.TranscriptEntry) (Result, error) {
	state := &SessionState{Scenario: sc, Transcript: transcript}

	sequential := []struct {
		name string
		run  func(context.Context, string, *SessionState)
	}{
		{StageContext, p.runContextStage},
		{StageTurns, p.runTurnStage},
		{StageRubric, p.runRubricStage},
	}
	for _, stage := range sequential {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		p.timed(ctx, stage.name, state, func(stageCtx context.Context) {
			stage.run(stageCtx, runID, state)
		})
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.runAudits(ctx, runID, state)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	determineSeverity(state)
	result := synthesize(runID, state, p.cfg)
	slog.Info("grading pass finished",
		"run_id", runID,
		"final_score", result.FinalScore,
		"pass_fail", result.PassFail,
		"severity", result.Severity,
		"degraded", result.DegradedStages,
	)
	return result, nil
}

// runAudits fans the three audits out concurrently. Each goroutine
// captures its own result and error; the merge below happens in a fixed
// order regardless of which audit finished first, and a failed audit
// degrades to its documented default without disturbing the others.
func (p *Pipeline) runAudits(ctx context.Context, runID string, state *SessionState) {
	var (
		safety        *SafetyAudit
		quality       *QualityAssessment
		compliance    *ComplianceAudit
		safetyErr     error
		qualityErr    error
		complianceErr error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		p.timedAudit(groupCtx, StageSafety, func(stageCtx context.Context) bool {
			safety, safetyErr = p.safetyStage(stageCtx, runID, state)
			return safetyErr != nil
		})
		return nil
	})
	group.Go(func() error {
		p.timedAudit(groupCtx, StageQuality, func(stageCtx context.Context) bool {
			quality, qualityErr = p.qualityStage(stageCtx, runID, state)
			return qualityErr != nil
		})
		return nil
	})
	group.Go(func() error {
		p.timedAudit(groupCtx, StageCompliance, func(stageCtx context.Context) bool {
			compliance, complianceErr = p.complianceStage(stageCtx, runID, state)
			return complianceErr != nil
		})
		return nil
	})
	_ = group.Wait()

	// Fixed merge order: safety, quality, compliance.
	if safetyErr != nil {
		p.logDegraded(runID, StageSafety, safetyErr)
		state.markDegraded(StageSafety)
		safety = fallbackSafety()
	}
	state.Safety = safety
	if qualityErr != nil {
		p.logDegraded(runID, StageQuality, qualityErr)
		state.markDegraded(StageQuality)
		quality = fallbackQuality()
	}
	state.Quality = quality
	if complianceErr != nil {
		p.logDegraded(runID, StageCompliance, complianceErr)
		state.markDegraded(StageCompliance)
		compliance = fallbackCompliance()
	}
	state.Compliance = compliance
}

func (p *Pipeline) timed(ctx context.Context, stage string, state *SessionState, run func(context.Context)) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	before := len(state.Degraded)
	start := time.Now()
	run(stageCtx)
	if p.observe != nil {
		p.observe(ctx, stage, time.Since(start).Milliseconds(), len(state.Degraded) > before)
	}
}

func (p *Pipeline) timedAudit(ctx context.Context, stage string, run func(context.Context) bool) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	start := time.Now()
	degraded := run(stageCtx)
	if p.observe != nil {
		p.observe(ctx, stage, time.Since(start).Milliseconds(), degraded)
	}
}

// degrade records a sequential-stage fallback.
func (p *Pipeline) degrade(_ context.Context, state *SessionState, stage string, err error) {
	state.markDegraded(stage)
	slog.Warn("grading stage degraded", "stage", stage, "error", err)
}

func (p *Pipeline) logDegraded(runID, stage string, err error) {
	slog.Warn("grading stage degraded", "run_id", runID, "stage", stage, "error", err)
}
