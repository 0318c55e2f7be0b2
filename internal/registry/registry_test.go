package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"healthboard/internal/inference"
	"healthboard/internal/model"
	"healthboard/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st, err := store.NewMemoryStore("")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return New(st), st
}

func TestGetCreatesBaseline(t *testing.T) {
	r, st := newTestRegistry(t)
	served, err := r.Get("tester.system")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if served.Version != "v1" || served.Content == "" {
		t.Fatalf("served = %+v", served)
	}
	v, ok := st.GetActivePrompt("tester.system")
	if !ok || !v.IsBaseline || !v.IsActive {
		t.Fatalf("baseline = %+v, %v", v, ok)
	}

	// Second call serves the stored baseline, no new version.
	if _, err := r.Get("tester.system"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if n := len(st.ListPromptVersions("tester.system")); n != 1 {
		t.Fatalf("versions = %d, want 1", n)
	}
}

func TestGetUnknownKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestGetForRunSplitsDeterministically(t *testing.T) {
	r, st := newTestRegistry(t)
	if _, err := r.Get("tester.system"); err != nil {
		t.Fatal(err)
	}
	candidate := model.PromptVersion{
		Key: "tester.system", Version: "v2", Content: "candidate content", CreatedAt: "2026-01-02T00:00:00Z",
	}
	if err := st.CreatePromptVersion(candidate); err != nil {
		t.Fatal(err)
	}

	seenActive, seenCandidate := false, false
	for i := 0; i < 64; i++ {
		runID := "run_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		first, err := r.GetForRun("tester.system", runID)
		if err != nil {
			t.Fatalf("GetForRun: %v", err)
		}
		second, _ := r.GetForRun("tester.system", runID)
		if first.Version != second.Version {
			t.Fatalf("run %s flapped arms: %s then %s", runID, first.Version, second.Version)
		}
		switch first.Version {
		case "v1":
			seenActive = true
		case "v2":
			seenCandidate = true
		default:
			t.Fatalf("unexpected version %s", first.Version)
		}
	}
	if !seenActive || !seenCandidate {
		t.Fatalf("split did not cover both arms: active=%v candidate=%v", seenActive, seenCandidate)
	}
}

func TestRenderPlaceholders(t *testing.T) {
	got := Render("Hello {name}, {name} from {place}", map[string]string{"name": "a", "place": "b"})
	if got != "Hello a, a from b" {
		t.Fatalf("Render = %q", got)
	}
	if got := Render("no vars", nil); got != "no vars" {
		t.Fatalf("Render = %q", got)
	}
}

type scriptedGateway struct {
	json string
	err  error
}

func (g scriptedGateway) Chat(context.Context, inference.ChatRequest) (string, error) {
	return "", errors.New("not used")
}

func (g scriptedGateway) ChatJSON(_ context.Context, _ inference.ChatRequest, out any) error {
	if g.err != nil {
		return g.err
	}
	return json.Unmarshal([]byte(g.json), out)
}

func seedActive(t *testing.T, st *store.MemoryStore, key string, usage, success int64, scoreSum float64) {
	t.Helper()
	err := st.CreatePromptVersion(model.PromptVersion{
		Key: key, Version: "v1", Content: "base {x}", IsBaseline: true, IsActive: true,
		UsageCount: usage, SuccessCount: success, ScoreSum: scoreSum,
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestImproverGeneratesVariantForWeakPrompt(t *testing.T) {
	r, st := newTestRegistry(t)
	seedActive(t, st, "tester.system", 20, 4, 8) // 20% success, 0.4 avg score

	improver := NewImprover(r, scriptedGateway{json: `{"improved_prompt":"improved {x}","changes_made":["tightened persona"]}`}, ImproveConfig{})
	report := improver.RunCycle(context.Background())

	var generated *CycleAction
	for i := range report.Actions {
		if report.Actions[i].Action == "variant_generated" {
			generated = &report.Actions[i]
		}
	}
	if generated == nil {
		t.Fatalf("no variant generated: %+v", report.Actions)
	}
	if generated.Key != "tester.system" {
		t.Fatalf("generated for %s", generated.Key)
	}
	candidate, ok := r.Candidate("tester.system")
	if !ok {
		t.Fatal("candidate version missing after generation")
	}
	if candidate.IsActive || candidate.IsBaseline {
		t.Fatalf("candidate flags = %+v", candidate)
	}
}

func TestImproverSkipsHealthyPrompt(t *testing.T) {
	r, st := newTestRegistry(t)
	seedActive(t, st, "tester.system", 50, 45, 45) // 90% success, 0.9 avg

	improver := NewImprover(r, scriptedGateway{json: "improved"}, ImproveConfig{})
	report := improver.RunCycle(context.Background())
	for _, action := range report.Actions {
		if action.Key == "tester.system" {
			t.Fatalf("healthy prompt acted on: %+v", action)
		}
	}
}

func TestImproverPromotesWinningCandidate(t *testing.T) {
	r, st := newTestRegistry(t)
	seedActive(t, st, "tester.system", 100, 50, 50)
	err := st.CreatePromptVersion(model.PromptVersion{
		Key: "tester.system", Version: "v2", Content: "better",
		UsageCount: 40, SuccessCount: 30, ScoreSum: 28,
		CreatedAt: "2026-01-02T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	improver := NewImprover(r, scriptedGateway{}, ImproveConfig{})
	report := improver.RunCycle(context.Background())

	promoted := false
	for _, action := range report.Actions {
		if action.Action == "promoted" && action.Version == "v2" {
			promoted = true
		}
	}
	if !promoted {
		t.Fatalf("candidate not promoted: %+v", report.Actions)
	}
	active, ok := st.GetActivePrompt("tester.system")
	if !ok || active.Version != "v2" {
		t.Fatalf("active = %+v, want v2", active)
	}
	count := 0
	for _, v := range st.ListPromptVersions("tester.system") {
		if v.IsActive {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("active versions = %d, want exactly 1", count)
	}
}

func TestImproverDiscardsLosingCandidate(t *testing.T) {
	r, st := newTestRegistry(t)
	seedActive(t, st, "tester.system", 100, 80, 80)
	err := st.CreatePromptVersion(model.PromptVersion{
		Key: "tester.system", Version: "v2", Content: "worse",
		UsageCount: 40, SuccessCount: 10, ScoreSum: 10,
		CreatedAt: "2026-01-02T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	improver := NewImprover(r, scriptedGateway{}, ImproveConfig{})
	improver.RunCycle(context.Background())

	if _, ok := st.GetPromptVersion("tester.system", "v2"); ok {
		t.Fatal("losing candidate still present")
	}
	active, _ := st.GetActivePrompt("tester.system")
	if active.Version != "v1" {
		t.Fatalf("active = %s, want v1", active.Version)
	}
}

func TestImproverCollectsUnderSampledCandidate(t *testing.T) {
	r, st := newTestRegistry(t)
	seedActive(t, st, "tester.system", 100, 50, 50)
	err := st.CreatePromptVersion(model.PromptVersion{
		Key: "tester.system", Version: "v2", Content: "new",
		UsageCount: 5, SuccessCount: 5, ScoreSum: 5,
		CreatedAt: "2026-01-02T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	improver := NewImprover(r, scriptedGateway{}, ImproveConfig{})
	report := improver.RunCycle(context.Background())
	for _, action := range report.Actions {
		if action.Key == "tester.system" {
			if action.Action != "collecting" {
				t.Fatalf("action = %+v, want collecting", action)
			}
			return
		}
	}
	t.Fatal("no action recorded for under-sampled experiment")
}
