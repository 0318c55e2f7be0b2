package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"healthboard/internal/model"
)

func confidence(stats model.AttackStats) float64 {
	return stats.SuccessRate()
}

func TestMemoryStoreRunLifecycle(t *testing.T) {
	s, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}

	run := model.Run{ID: "run_a", Status: model.StatusPending, CreatedAt: model.NowRFC3339()}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(run); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate CreateRun err = %v, want ErrAlreadyExists", err)
	}

	updated, err := s.UpdateRun("run_a", func(r *model.Run) error {
		if !model.CanTransition(r.Status, model.StatusRunning) {
			return fmt.Errorf("cannot start run in status %s", r.Status)
		}
		r.Status = model.StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if updated.Status != model.StatusRunning {
		t.Fatalf("status = %s, want running", updated.Status)
	}

	// A mutate error must leave the stored run untouched.
	_, err = s.UpdateRun("run_a", func(r *model.Run) error {
		r.Status = model.StatusCompleted
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected mutate error to propagate")
	}
	got, _ := s.GetRun("run_a")
	if got.Status != model.StatusRunning {
		t.Fatalf("aborted mutate leaked: status = %s", got.Status)
	}

	if _, err := s.UpdateRun("run_missing", func(*model.Run) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing run err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTranscriptAndGrading(t *testing.T) {
	s, _ := NewMemoryStore("")
	if err := s.CreateRun(model.Run{ID: "run_a", Status: model.StatusPending}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTranscript("run_a",
		model.TranscriptEntry{Role: "tester", Content: "hello"},
		model.TranscriptEntry{Role: "agent", Content: "hi"},
	); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	entries := s.GetTranscript("run_a")
	if len(entries) != 2 || entries[1].Role != "agent" {
		t.Fatalf("transcript = %+v", entries)
	}

	doc := json.RawMessage(`{"final_score":83.5,"pass_fail":"pass"}`)
	if err := s.PutGrading("run_a", doc); err != nil {
		t.Fatalf("PutGrading: %v", err)
	}
	stored, ok := s.GetGrading("run_a")
	if !ok || string(stored) != string(doc) {
		t.Fatalf("GetGrading = %s, %v", stored, ok)
	}

	overview := s.MetricsOverview()
	if overview.GradedRuns != 1 || overview.AvgFinalScore != 83.5 {
		t.Fatalf("overview = %+v", overview)
	}
}

func TestMemoryStoreAttackOutcomeConcurrent(t *testing.T) {
	s, _ := NewMemoryStore("")
	vector := model.AttackVector{ID: "atk1", Prompt: "p", Category: "scope_creep", Tags: []string{"specialty:cardiology"}}
	if err := s.RegisterAttack(vector); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				success := (w+i)%2 == 0
				weight := 0.0
				if success {
					weight = 0.75
				}
				if _, err := s.RecordAttackOutcome("atk1", success, weight, confidence); err != nil {
					t.Errorf("RecordAttackOutcome: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	_, stats, ok := s.GetAttack("atk1")
	if !ok {
		t.Fatal("attack vanished")
	}
	if stats.Attempts != workers*perWorker {
		t.Fatalf("attempts = %d, want %d", stats.Attempts, workers*perWorker)
	}
	if stats.Successes != workers*perWorker/2 {
		t.Fatalf("successes = %d, want %d", stats.Successes, workers*perWorker/2)
	}
}

func TestMemoryStoreTopAttacksByTagOrdering(t *testing.T) {
	s, _ := NewMemoryStore("")
	for _, id := range []string{"low", "high"} {
		if err := s.RegisterAttack(model.AttackVector{ID: id, Prompt: id, Category: "scope_creep", Tags: []string{"state:ca"}}); err != nil {
			t.Fatal(err)
		}
	}
	// "high" succeeds often, "low" rarely.
	for i := 0; i < 10; i++ {
		s.RecordAttackOutcome("high", i < 8, 0.75, confidence)
		s.RecordAttackOutcome("low", i < 2, 0.5, confidence)
	}

	top := s.TopAttacksByTag("state:ca", 10)
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top[0].Vector.ID != "high" {
		t.Fatalf("top attack = %s, want high", top[0].Vector.ID)
	}
	if top[0].Score <= top[1].Score {
		t.Fatalf("scores not descending: %.3f <= %.3f", top[0].Score, top[1].Score)
	}

	if got := s.TopAttacksByTag("state:ny", 10); len(got) != 0 {
		t.Fatalf("unknown tag returned %d candidates", len(got))
	}
}

func TestMemoryStorePromotePromptExactlyOneActive(t *testing.T) {
	s, _ := NewMemoryStore("")
	for _, v := range []string{"v1", "v2", "v3"} {
		err := s.CreatePromptVersion(model.PromptVersion{
			Key: "tester.system", Version: v, Content: "c " + v, IsActive: v == "v1",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	const workers = 6
	var wg sync.WaitGroup
	versions := []string{"v1", "v2", "v3"}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := s.PromotePrompt("tester.system", versions[(w+i)%len(versions)]); err != nil {
					t.Errorf("PromotePrompt: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	active := 0
	for _, v := range s.ListPromptVersions("tester.system") {
		if v.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active versions = %d, want exactly 1", active)
	}
}

func TestMemoryStoreDeleteActivePromptRefused(t *testing.T) {
	s, _ := NewMemoryStore("")
	s.CreatePromptVersion(model.PromptVersion{Key: "k", Version: "v1", Content: "c", IsActive: true})
	if err := s.DeletePromptVersion("k", "v1"); err == nil {
		t.Fatal("deleting the active version must be refused")
	}
	s.CreatePromptVersion(model.PromptVersion{Key: "k", Version: "v2", Content: "c2"})
	if err := s.DeletePromptVersion("k", "v2"); err != nil {
		t.Fatalf("DeletePromptVersion inactive: %v", err)
	}
}

func TestMemoryStoreRunEventsMonotonic(t *testing.T) {
	s, _ := NewMemoryStore("")
	s.CreateRun(model.Run{ID: "run_a", Status: model.StatusPending})
	for i := 0; i < 3; i++ {
		if _, err := s.AppendRunEvent("run_a", "turn", "message", map[string]any{"i": i}); err != nil {
			t.Fatalf("AppendRunEvent: %v", err)
		}
	}
	events := s.ListRunEvents("run_a", 0)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, event := range events {
		if event.Seq != int64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, event.Seq, i+1)
		}
	}
	if tail := s.ListRunEvents("run_a", 2); len(tail) != 1 || tail[0].Seq != 3 {
		t.Fatalf("sinceSeq tail = %+v", tail)
	}
}

func TestMemoryStoreSnapshotRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewMemoryStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.CreateScenario(model.Scenario{ID: "sc_1", Title: "t", ClinicianApproved: true})
	s.CreateRun(model.Run{ID: "run_a", Status: model.StatusCompleted})
	s.RegisterAttack(model.AttackVector{ID: "atk1", Prompt: "p", Category: "scope_creep", Tags: []string{"state:ca"}})
	s.RecordAttackOutcome("atk1", true, 0.75, confidence)

	reloaded, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.GetScenario("sc_1"); !ok {
		t.Fatal("scenario missing after reload")
	}
	if _, ok := reloaded.GetRun("run_a"); !ok {
		t.Fatal("run missing after reload")
	}
	_, stats, ok := reloaded.GetAttack("atk1")
	if !ok || stats.Attempts != 1 || stats.Successes != 1 {
		t.Fatalf("attack stats after reload = %+v, %v", stats, ok)
	}
}
