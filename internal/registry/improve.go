package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"healthboard/internal/inference"
	"healthboard/internal/model"
)

type ImproveConfig struct {
	// MinUsage is how many recorded usages a version needs before its
	// performance is analyzed.
	MinUsage int64
	// MinSamples is how many usages an experiment candidate needs before
	// the experiment is decided.
	MinSamples int64
	// PromoteThreshold is the success-rate improvement over the active
	// version required to promote; the mirrored negative value discards.
	PromoteThreshold float64
	// SuccessFloor and ScoreFloor mark an active version as worth
	// improving when it performs below either.
	SuccessFloor float64
	ScoreFloor   float64
	Interval     time.Duration
}

func (c *ImproveConfig) normalize() {
	if c.MinUsage <= 0 {
		c.MinUsage = 10
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 30
	}
	if c.PromoteThreshold <= 0 {
		c.PromoteThreshold = 0.05
	}
	if c.SuccessFloor <= 0 {
		c.SuccessFloor = 0.7
	}
	if c.ScoreFloor <= 0 {
		c.ScoreFloor = 0.6
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// Improver drives the prompt self-improvement cycle: analyze active
// versions, generate candidate variants, and decide experiments once
// enough samples accumulate.
type Improver struct {
	registry *Registry
	gateway  inference.Gateway
	cfg      ImproveConfig
}

func NewImprover(registry *Registry, gateway inference.Gateway, cfg ImproveConfig) *Improver {
	cfg.normalize()
	return &Improver{registry: registry, gateway: gateway, cfg: cfg}
}

type CycleAction struct {
	Key     string `json:"key"`
	Action  string `json:"action"`
	Version string `json:"version,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type CycleReport struct {
	StartedAt string        `json:"started_at"`
	Actions   []CycleAction `json:"actions"`
}

// RunCycle walks every known key: experiments with enough samples get
// decided; keys without a candidate whose active version underperforms get
// a freshly generated variant.
func (i *Improver) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{StartedAt: model.NowRFC3339(), Actions: []CycleAction{}}
	for _, key := range i.registry.Keys() {
		if ctx.Err() != nil {
			return report
		}
		action := i.improveKey(ctx, key)
		if action.Action != "" {
			report.Actions = append(report.Actions, action)
		}
	}
	return report
}

func (i *Improver) improveKey(ctx context.Context, key string) CycleAction {
	if candidate, ok := i.registry.Candidate(key); ok {
		return i.decideExperiment(key, candidate)
	}

	active, ok := i.registry.store.GetActivePrompt(key)
	if !ok {
		// Key exists only in the defaults table; nothing to improve yet.
		return CycleAction{}
	}
	weaknesses, eligible := i.analyze(active)
	if !eligible {
		return CycleAction{}
	}
	version, err := i.generateVariant(ctx, active, weaknesses)
	if err != nil {
		slog.Warn("variant generation failed", "prompt_key", key, "error", err)
		return CycleAction{Key: key, Action: "generate_failed", Detail: err.Error()}
	}
	slog.Info("prompt variant generated", "prompt_key", key, "version", version.Version)
	return CycleAction{Key: key, Action: "variant_generated", Version: version.Version, Detail: weaknesses}
}

// analyze reports whether the active version has enough usage and weak
// enough metrics to justify an experiment, with a short weakness summary.
func (i *Improver) analyze(active model.PromptVersion) (string, bool) {
	if active.UsageCount < i.cfg.MinUsage {
		return "", false
	}
	var weaknesses []string
	if active.SuccessRate() < i.cfg.SuccessFloor {
		weaknesses = append(weaknesses, fmt.Sprintf("success rate %.2f below %.2f", active.SuccessRate(), i.cfg.SuccessFloor))
	}
	if active.AvgScore() < i.cfg.ScoreFloor {
		weaknesses = append(weaknesses, fmt.Sprintf("average score %.2f below %.2f", active.AvgScore(), i.cfg.ScoreFloor))
	}
	if len(weaknesses) == 0 {
		return "", false
	}
	return strings.Join(weaknesses, "; "), true
}

type variantProposal struct {
	ImprovedPrompt      string   `json:"improved_prompt"`
	ChangesMade         []string `json:"changes_made"`
	ExpectedImprovement string   `json:"expected_improvement"`
}

func (i *Improver) generateVariant(ctx context.Context, active model.PromptVersion, weaknesses string) (model.PromptVersion, error) {
	if i.gateway == nil {
		return model.PromptVersion{}, fmt.Errorf("no gateway configured")
	}
	template, err := i.registry.Get("improve.variant")
	if err != nil {
		return model.PromptVersion{}, err
	}
	var proposal variantProposal
	err = i.gateway.ChatJSON(ctx, inference.ChatRequest{
		System: "You improve prompt templates. Respond with a single JSON object.",
		User: Render(template.Content, map[string]string{
			"key":          active.Key,
			"success_rate": fmt.Sprintf("%.2f", active.SuccessRate()),
			"avg_score":    fmt.Sprintf("%.2f", active.AvgScore()),
			"content":      active.Content,
			"weaknesses":   weaknesses,
		}),
	}, &proposal)
	if err != nil {
		return model.PromptVersion{}, err
	}
	if strings.TrimSpace(proposal.ImprovedPrompt) == "" {
		return model.PromptVersion{}, fmt.Errorf("empty variant proposal")
	}

	version := model.PromptVersion{
		Key:       active.Key,
		Version:   i.nextVersion(active.Key),
		Content:   proposal.ImprovedPrompt,
		CreatedAt: model.NowRFC3339(),
	}
	if err := i.registry.store.CreatePromptVersion(version); err != nil {
		return model.PromptVersion{}, err
	}
	return version, nil
}

// decideExperiment promotes, discards, or keeps collecting based on the
// candidate's success rate relative to the active version.
func (i *Improver) decideExperiment(key string, candidate model.PromptVersion) CycleAction {
	if candidate.UsageCount < i.cfg.MinSamples {
		return CycleAction{Key: key, Action: "collecting", Version: candidate.Version,
			Detail: fmt.Sprintf("%d/%d samples", candidate.UsageCount, i.cfg.MinSamples)}
	}
	active, ok := i.registry.store.GetActivePrompt(key)
	if !ok {
		return CycleAction{Key: key, Action: "no_active", Version: candidate.Version}
	}
	delta := candidate.SuccessRate() - active.SuccessRate()
	switch {
	case delta > i.cfg.PromoteThreshold:
		if err := i.registry.store.PromotePrompt(key, candidate.Version); err != nil {
			return CycleAction{Key: key, Action: "promote_failed", Version: candidate.Version, Detail: err.Error()}
		}
		slog.Info("prompt variant promoted", "prompt_key", key, "version", candidate.Version, "delta", delta)
		return CycleAction{Key: key, Action: "promoted", Version: candidate.Version,
			Detail: fmt.Sprintf("success rate +%.3f", delta)}
	case delta < -i.cfg.PromoteThreshold:
		if err := i.registry.store.DeletePromptVersion(key, candidate.Version); err != nil {
			return CycleAction{Key: key, Action: "discard_failed", Version: candidate.Version, Detail: err.Error()}
		}
		slog.Info("prompt variant discarded", "prompt_key", key, "version", candidate.Version, "delta", delta)
		return CycleAction{Key: key, Action: "discarded", Version: candidate.Version,
			Detail: fmt.Sprintf("success rate %.3f", delta)}
	}
	return CycleAction{Key: key, Action: "inconclusive", Version: candidate.Version,
		Detail: fmt.Sprintf("success rate delta %.3f within threshold", delta)}
}

func (i *Improver) nextVersion(key string) string {
	versions := i.registry.store.ListPromptVersions(key)
	n := len(versions) + 1
	for {
		candidate := fmt.Sprintf("v%d", n)
		if _, exists := i.registry.store.GetPromptVersion(key, candidate); !exists {
			return candidate
		}
		n++
	}
}
