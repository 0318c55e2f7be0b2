package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"healthboard/internal/grading"
	"healthboard/internal/inference"
	"healthboard/internal/memory"
	"healthboard/internal/model"
	"healthboard/internal/store"
	"healthboard/internal/target"
	"healthboard/internal/tester"
)

// TargetService is the conversational surface under test.
type TargetService interface {
	SendMessage(ctx context.Context, req target.MessageRequest) (*target.MessageResponse, error)
}

// Orchestrator owns the run lifecycle: it validates requests, drives the
// turn loop against the target, hands finished transcripts to the grading
// pipeline, and feeds the verdict back into attack memory.
type Orchestrator struct {
	cfg      ServerConfig
	store    store.Store
	planner  *tester.Planner
	memory   *memory.Memory
	pipeline *grading.Pipeline
	target   TargetService
	obs      *Observability

	mu           sync.Mutex
	cancels      map[string]context.CancelFunc
	batchCancels map[string]context.CancelFunc
	gradingRuns  map[string]bool

	wg sync.WaitGroup
}

func NewOrchestrator(
	cfg ServerConfig,
	st store.Store,
	planner *tester.Planner,
	mem *memory.Memory,
	pipeline *grading.Pipeline,
	targetSvc TargetService,
	obs *Observability,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		planner:      planner,
		memory:       mem,
		pipeline:     pipeline,
		target:       targetSvc,
		obs:          obs,
		cancels:      map[string]context.CancelFunc{},
		batchCancels: map[string]context.CancelFunc{},
		gradingRuns:  map[string]bool{},
	}
}

// Shutdown waits for in-flight runs to finish their cooperative exits.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	for _, cancel := range o.batchCancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) normalizeRunRequest(req *RunRequest) error {
	if len(req.ScenarioIDs) == 0 {
		return errors.New("scenario_ids is required")
	}
	for _, id := range req.ScenarioIDs {
		sc, ok := o.store.GetScenario(id)
		if !ok {
			return fmt.Errorf("scenario %s: %w", id, store.ErrNotFound)
		}
		if !sc.ClinicianApproved {
			return fmt.Errorf("scenario %s is not clinician approved", id)
		}
	}
	if strings.TrimSpace(req.Mode) == "" {
		req.Mode = "text"
	}
	if req.Mode != "text" {
		return fmt.Errorf("mode %q has no registered transport", req.Mode)
	}
	if strings.TrimSpace(req.AgentType) == "" {
		req.AgentType = "general"
	}
	if req.Turns <= 0 {
		req.Turns = o.cfg.Runs.DefaultTurns
	}
	if req.Turns > o.cfg.Runs.MaxTurns {
		req.Turns = o.cfg.Runs.MaxTurns
	}
	return nil
}

// CreateRun persists a pending run and launches its turn loop. The
// returned run is the pending record; progress streams via run events.
func (o *Orchestrator) CreateRun(req RunRequest, principal Principal, ipHash, uaHash string) (model.Run, error) {
	if err := o.normalizeRunRequest(&req); err != nil {
		return model.Run{}, err
	}
	runID, err := randomID("run")
	if err != nil {
		return model.Run{}, err
	}
	run := model.Run{
		ID:          runID,
		ScenarioIDs: req.ScenarioIDs,
		Mode:        req.Mode,
		AgentType:   req.AgentType,
		Status:      model.StatusPending,
		Turns:       req.Turns,
		CreatedAt:   model.NowRFC3339(),
	}
	if err := o.store.CreateRun(run); err != nil {
		return model.Run{}, err
	}
	_, _ = o.store.AppendRunEvent(runID, "queue", "run created", map[string]any{
		"scenario_ids": req.ScenarioIDs,
		"turns":        req.Turns,
	})
	o.audit(runID, "run.create", string(model.StatusPending), principal, ipHash, uaHash)

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(o.cfg.Runs.RunTimeoutSec)*time.Second)
	o.registerCancel(runID, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.releaseCancel(runID)
		o.executeRun(ctx, runID)
	}()
	return run, nil
}

// StopRun requests cooperative cancellation. A run with a live turn loop
// gets its context canceled and finalizes itself; an orphaned non-terminal
// run (left over from a previous process) is moved directly.
func (o *Orchestrator) StopRun(runID string, principal Principal, ipHash, uaHash string) (model.Run, error) {
	run, ok := o.store.GetRun(runID)
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.Status.Terminal() {
		return run, ErrAlreadyTerminal
	}
	o.mu.Lock()
	cancel := o.cancels[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	} else {
		var err error
		run, err = o.store.UpdateRun(runID, func(r *model.Run) error {
			if r.Status.Terminal() {
				return ErrAlreadyTerminal
			}
			r.Status = model.StatusCanceled
			r.FinishedAt = model.NowRFC3339()
			return nil
		})
		if err != nil {
			return model.Run{}, err
		}
		o.obs.MarkRun(context.Background(), string(model.StatusCanceled))
	}
	o.audit(runID, "run.stop", "requested", principal, ipHash, uaHash)
	return run, nil
}

// GradeRun re-grades a finished run's stored transcript and returns the
// fresh verdict, without touching the run status or attack counters. At
// most one pass per run is in flight.
func (o *Orchestrator) GradeRun(ctx context.Context, runID string, principal Principal, ipHash, uaHash string) (grading.Result, error) {
	run, ok := o.store.GetRun(runID)
	if !ok {
		return grading.Result{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.Status != model.StatusCompleted && run.Status != model.StatusFailed {
		return grading.Result{}, fmt.Errorf("%w: status %s", ErrNotReady, run.Status)
	}
	o.mu.Lock()
	if o.gradingRuns[runID] {
		o.mu.Unlock()
		return grading.Result{}, ErrGradingInFlight
	}
	o.gradingRuns[runID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.gradingRuns, runID)
		o.mu.Unlock()
	}()

	result, err := o.gradeTranscript(ctx, run)
	if err != nil {
		_, _ = o.store.AppendRunEvent(runID, "grading", "re-grade failed", map[string]any{"error": err.Error()})
		o.audit(runID, "run.grade", "failed", principal, ipHash, uaHash)
		return grading.Result{}, err
	}
	_, _ = o.store.UpdateRun(runID, func(r *model.Run) error {
		r.GradedAt = model.NowRFC3339()
		return nil
	})
	_, _ = o.store.AppendRunEvent(runID, "grading", "re-grade finished", nil)
	o.audit(runID, "run.grade", result.PassFail, principal, ipHash, uaHash)
	return result, nil
}

func (o *Orchestrator) executeRun(ctx context.Context, runID string) {
	run, err := o.transition(runID, model.StatusRunning, func(r *model.Run) {
		r.StartedAt = model.NowRFC3339()
	})
	if err != nil {
		// Stopped before the loop started.
		return
	}
	_, _ = o.store.AppendRunEvent(runID, "start", "run started", nil)

	scenario, ok := o.store.GetScenario(run.ScenarioIDs[0])
	if !ok {
		o.finalizeFailed(runID, fmt.Errorf("scenario %s vanished", run.ScenarioIDs[0]))
		return
	}

	budget := inference.NewCallBudget(run.Turns * o.cfg.Runs.InferenceCallsPerTurn)
	ctx = inference.WithBudget(ctx, budget)

	state, err := o.planner.Plan(ctx, runID, scenario)
	if err != nil {
		o.finalizeFailed(runID, fmt.Errorf("plan attacks: %w", err))
		return
	}

	lastResponse := ""
	for turn := 0; turn < run.Turns; turn++ {
		if ctx.Err() != nil {
			o.finalizeCanceled(runID)
			return
		}
		message, err := o.planner.NextMessage(ctx, state, lastResponse)
		if err != nil {
			o.finalizeFailed(runID, fmt.Errorf("turn %d: %w", turn, err))
			return
		}
		entryAt := model.NowRFC3339()
		if err := o.store.AppendTranscript(runID, model.TranscriptEntry{
			Role: "tester", Content: message, Timestamp: entryAt,
		}); err != nil {
			o.finalizeFailed(runID, err)
			return
		}
		_, _ = o.store.AppendRunEvent(runID, "turn", "tester message sent", map[string]any{
			"turn": turn,
		})

		start := time.Now()
		response, err := o.target.SendMessage(ctx, target.MessageRequest{
			AgentType: run.AgentType,
			SessionID: runID,
			Message:   message,
		})
		if err != nil {
			if ctx.Err() != nil {
				o.finalizeCanceled(runID)
				return
			}
			o.finalizeFailed(runID, fmt.Errorf("turn %d target call: %w", turn, err))
			return
		}
		o.obs.MarkTurn(ctx, run.AgentType, time.Since(start).Milliseconds())

		if err := o.store.AppendTranscript(runID, model.TranscriptEntry{
			Role: "agent", Content: response.Text, Timestamp: model.NowRFC3339(),
		}); err != nil {
			o.finalizeFailed(runID, err)
			return
		}
		_, _ = o.store.AppendRunEvent(runID, "turn", "agent replied", map[string]any{
			"turn": turn,
		})
		lastResponse = response.Text
	}

	if ctx.Err() != nil {
		o.finalizeCanceled(runID)
		return
	}
	if _, err := o.transition(runID, model.StatusGrading, nil); err != nil {
		return
	}
	_, _ = o.store.AppendRunEvent(runID, "grading", "grading started", nil)

	run, _ = o.store.GetRun(runID)
	result, err := o.gradeTranscript(ctx, run)
	if err != nil {
		if ctx.Err() != nil {
			o.finalizeCanceled(runID)
			return
		}
		o.finalizeFailed(runID, fmt.Errorf("grading: %w", err))
		return
	}

	o.reconcile(ctx, state, result)

	now := model.NowRFC3339()
	if _, err := o.transition(runID, model.StatusCompleted, func(r *model.Run) {
		r.FinishedAt = now
		r.GradedAt = now
	}); err != nil {
		return
	}
	_, _ = o.store.AppendRunEvent(runID, "completed", "run completed", map[string]any{
		"final_score": result.FinalScore,
		"pass_fail":   result.PassFail,
		"severity":    result.Severity,
	})
	o.obs.MarkRun(ctx, string(model.StatusCompleted))
}

// gradeTranscript runs the pipeline over the stored transcript and
// persists the verdict document.
func (o *Orchestrator) gradeTranscript(ctx context.Context, run model.Run) (grading.Result, error) {
	scenario, ok := o.store.GetScenario(run.ScenarioIDs[0])
	if !ok {
		return grading.Result{}, fmt.Errorf("scenario %s: %w", run.ScenarioIDs[0], store.ErrNotFound)
	}
	transcript := o.store.GetTranscript(run.ID)
	result, err := o.pipeline.Grade(ctx, run.ID, scenario, transcript)
	if err != nil {
		return grading.Result{}, err
	}
	doc, err := json.Marshal(result)
	if err != nil {
		return grading.Result{}, fmt.Errorf("encode verdict: %w", err)
	}
	if err := o.store.PutGrading(run.ID, doc); err != nil {
		return grading.Result{}, err
	}
	return result, nil
}

// reconcile settles the run's pending attack outcomes against the verdict
// and books prompt usage for the versions this run served.
func (o *Orchestrator) reconcile(ctx context.Context, state *tester.TurnState, result grading.Result) {
	violated := map[int]model.Severity{}
	collect := func(violations []grading.Violation) {
		for _, v := range violations {
			if current, ok := violated[v.TurnIndex]; !ok || v.Severity.Rank() > current.Rank() {
				violated[v.TurnIndex] = v.Severity
			}
		}
	}
	if result.Safety != nil {
		collect(result.Safety.Violations)
	}
	if result.Compliance != nil {
		collect(result.Compliance.Violations)
	}

	breached := result.Severity != model.SeverityNone || len(violated) > 0
	for _, pending := range state.Pending {
		_, success := violated[2*pending.TurnIndex]
		if !success {
			_, success = violated[2*pending.TurnIndex+1]
		}
		o.obs.MarkAttackOutcome(ctx, pending.Category, success)
	}
	o.planner.Reconcile(state, tester.GradeFeedback{
		ViolatedEntries: violated,
		Severity:        result.Severity,
		Breached:        breached,
		FinalScore:      result.FinalScore,
	})
}

// CreateBatch fans a scenario set out as one child run per scenario,
// executed under a concurrency cap. Every scenario is validated before
// any child run exists, so a bad id never strands pending siblings.
func (o *Orchestrator) CreateBatch(req BatchRequest, principal Principal, ipHash, uaHash string) (model.BatchRun, error) {
	scenarioIDs := req.ScenarioIDs
	if len(scenarioIDs) == 0 {
		for _, sc := range o.store.ListScenarios(true, 0) {
			scenarioIDs = append(scenarioIDs, sc.ID)
		}
	}
	if len(scenarioIDs) == 0 {
		return model.BatchRun{}, errors.New("no approved scenarios available")
	}
	for _, id := range scenarioIDs {
		sc, ok := o.store.GetScenario(id)
		if !ok {
			return model.BatchRun{}, fmt.Errorf("scenario %s: %w", id, store.ErrNotFound)
		}
		if !sc.ClinicianApproved {
			return model.BatchRun{}, fmt.Errorf("scenario %s is not clinician approved", id)
		}
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = o.cfg.Runs.DefaultConcurrency
	}
	if concurrency > o.cfg.Runs.MaxConcurrency {
		concurrency = o.cfg.Runs.MaxConcurrency
	}
	agentType := strings.TrimSpace(req.AgentType)
	if agentType == "" {
		agentType = "general"
	}
	turns := req.Turns
	if turns <= 0 {
		turns = o.cfg.Runs.DefaultTurns
	}
	if turns > o.cfg.Runs.MaxTurns {
		turns = o.cfg.Runs.MaxTurns
	}

	batchID, err := randomID("batch")
	if err != nil {
		return model.BatchRun{}, err
	}
	batch := model.BatchRun{
		ID:          batchID,
		ScenarioIDs: scenarioIDs,
		AgentType:   agentType,
		Concurrency: concurrency,
		Turns:       turns,
		Status:      model.StatusPending,
		Total:       len(scenarioIDs),
		CreatedAt:   model.NowRFC3339(),
	}

	runIDs := make([]string, 0, len(scenarioIDs))
	for _, scenarioID := range scenarioIDs {
		runID, err := randomID("run")
		if err != nil {
			return model.BatchRun{}, err
		}
		child := model.Run{
			ID:          runID,
			BatchID:     batchID,
			ScenarioIDs: []string{scenarioID},
			Mode:        "text",
			AgentType:   agentType,
			Status:      model.StatusPending,
			Turns:       turns,
			CreatedAt:   model.NowRFC3339(),
		}
		if err := o.store.CreateRun(child); err != nil {
			return model.BatchRun{}, err
		}
		runIDs = append(runIDs, runID)
	}
	batch.RunIDs = runIDs
	if err := o.store.CreateBatch(batch); err != nil {
		return model.BatchRun{}, err
	}
	o.audit(batchID, "batch.create", fmt.Sprintf("%d scenarios", len(scenarioIDs)), principal, ipHash, uaHash)

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.batchCancels[batchID] = cancel
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.batchCancels, batchID)
			o.mu.Unlock()
		}()
		o.executeBatch(ctx, batch)
	}()
	return batch, nil
}

func (o *Orchestrator) StopBatch(batchID string, principal Principal, ipHash, uaHash string) (model.BatchRun, error) {
	batch, ok := o.store.GetBatch(batchID)
	if !ok {
		return model.BatchRun{}, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	if batch.Status.Terminal() {
		return batch, ErrAlreadyTerminal
	}
	o.mu.Lock()
	cancel := o.batchCancels[batchID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.audit(batchID, "batch.stop", "requested", principal, ipHash, uaHash)
	return batch, nil
}

func (o *Orchestrator) executeBatch(ctx context.Context, batch model.BatchRun) {
	_, _ = o.store.UpdateBatch(batch.ID, func(b *model.BatchRun) error {
		b.Status = model.StatusRunning
		return nil
	})

	sem := semaphore.NewWeighted(int64(batch.Concurrency))
	group := new(errgroup.Group)
	for _, runID := range batch.RunIDs {
		runID := runID
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Batch canceled while queued; finalize the child directly.
				o.finalizeCanceled(runID)
				o.countChild(batch.ID, runID)
				return nil
			}
			defer sem.Release(1)
			runCtx, cancel := context.WithTimeout(ctx,
				time.Duration(o.cfg.Runs.RunTimeoutSec)*time.Second)
			o.registerCancel(runID, cancel)
			defer o.releaseCancel(runID)
			o.executeRun(runCtx, runID)
			o.countChild(batch.ID, runID)
			return nil
		})
	}
	_ = group.Wait()

	status := model.StatusCompleted
	if ctx.Err() != nil {
		status = model.StatusCanceled
	}
	_, _ = o.store.UpdateBatch(batch.ID, func(b *model.BatchRun) error {
		b.Status = status
		b.FinishedAt = model.NowRFC3339()
		return nil
	})
}

// countChild folds one terminal child into the batch aggregates.
func (o *Orchestrator) countChild(batchID, runID string) {
	run, ok := o.store.GetRun(runID)
	if !ok {
		return
	}
	_, _ = o.store.UpdateBatch(batchID, func(b *model.BatchRun) error {
		switch run.Status {
		case model.StatusCompleted:
			b.Completed++
		case model.StatusFailed:
			b.Failed++
		case model.StatusCanceled:
			b.Canceled++
		}
		return nil
	})
}

func (o *Orchestrator) transition(runID string, to model.RunStatus, mutate func(*model.Run)) (model.Run, error) {
	return o.store.UpdateRun(runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrAlreadyTerminal, r.Status)
		}
		if !model.CanTransition(r.Status, to) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, to)
		}
		r.Status = to
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
}

func (o *Orchestrator) finalizeFailed(runID string, cause error) {
	_, err := o.transition(runID, model.StatusFailed, func(r *model.Run) {
		r.Error = cause.Error()
		r.FinishedAt = model.NowRFC3339()
	})
	if err != nil {
		return
	}
	_, _ = o.store.AppendRunEvent(runID, "error", "run failed", map[string]any{
		"error": cause.Error(),
	})
	o.obs.MarkRun(context.Background(), string(model.StatusFailed))
}

func (o *Orchestrator) finalizeCanceled(runID string) {
	_, err := o.transition(runID, model.StatusCanceled, func(r *model.Run) {
		r.FinishedAt = model.NowRFC3339()
	})
	if err != nil {
		return
	}
	_, _ = o.store.AppendRunEvent(runID, "canceled", "run canceled", nil)
	o.obs.MarkRun(context.Background(), string(model.StatusCanceled))
}

func (o *Orchestrator) registerCancel(runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) releaseCancel(runID string) {
	o.mu.Lock()
	cancel := o.cancels[runID]
	delete(o.cancels, runID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// audit books one lifecycle action with the caller's identity and hashed
// request fingerprint.
func (o *Orchestrator) audit(runID, action, result string, principal Principal, ipHash, uaHash string) {
	_ = o.store.AppendAudit(store.AuditEvent{
		Timestamp: model.NowRFC3339(),
		RunID:     runID,
		ActorType: actorType(principal),
		ActorSub:  principal.Subject,
		Action:    action,
		Result:    result,
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
}

func actorType(principal Principal) string {
	if principal.Role == "admin" {
		return "admin"
	}
	if principal.Subject != "" {
		return "user"
	}
	return "system"
}
