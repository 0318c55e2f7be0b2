package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"healthboard/internal/model"
)

// attackCounters holds one attack's lifetime counters. The fields are
// atomics so concurrent outcome records never lose increments; severity is
// accumulated in thousandths to stay integral.
type attackCounters struct {
	attempts      atomic.Int64
	successes     atomic.Int64
	severityMilli atomic.Int64
	lastOutcome   atomic.Int64
}

func (c *attackCounters) snapshot() model.AttackStats {
	stats := model.AttackStats{
		Attempts:    c.attempts.Load(),
		Successes:   c.successes.Load(),
		SeveritySum: float64(c.severityMilli.Load()) / 1000.0,
	}
	if at := c.lastOutcome.Load(); at > 0 {
		stats.LastOutcomeAt = time.Unix(0, at).UTC().Format(time.RFC3339)
	}
	return stats
}

// MemoryStore is the in-memory Store used by tests and as the single-node
// fallback when no database is configured. An optional snapshot path makes
// state survive restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	path        string
	scenarios   map[string]model.Scenario
	runs        map[string]model.Run
	transcripts map[string][]model.TranscriptEntry
	gradings    map[string]json.RawMessage
	batches     map[string]model.BatchRun
	attacks     map[string]model.AttackVector
	counters    map[string]*attackCounters
	scores      map[string]float64
	tagIndex    map[string][]string
	prompts     map[string]map[string]model.PromptVersion
	overlays    map[string]model.Overlay
	events      map[string][]RunEvent
	nextSeq     map[string]int64
	audit       []AuditEvent
}

func NewMemoryStore(path string) (*MemoryStore, error) {
	s := &MemoryStore{
		path:        path,
		scenarios:   map[string]model.Scenario{},
		runs:        map[string]model.Run{},
		transcripts: map[string][]model.TranscriptEntry{},
		gradings:    map[string]json.RawMessage{},
		batches:     map[string]model.BatchRun{},
		attacks:     map[string]model.AttackVector{},
		counters:    map[string]*attackCounters{},
		scores:      map[string]float64{},
		tagIndex:    map[string][]string{},
		prompts:     map[string]map[string]model.PromptVersion{},
		overlays:    map[string]model.Overlay{},
		events:      map[string][]RunEvent{},
		nextSeq:     map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) CreateScenario(sc model.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scenarios[sc.ID]; exists {
		return fmt.Errorf("scenario %s: %w", sc.ID, ErrAlreadyExists)
	}
	s.scenarios[sc.ID] = sc
	return s.persistLocked()
}

func (s *MemoryStore) GetScenario(id string) (model.Scenario, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	return sc, ok
}

func (s *MemoryStore) ListScenarios(approvedOnly bool, limit int) []model.Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		if approvedOnly && !sc.ClinicianApproved {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) CreateRun(run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	s.runs[run.ID] = run
	if _, ok := s.events[run.ID]; !ok {
		s.events[run.ID] = []RunEvent{}
	}
	if _, ok := s.nextSeq[run.ID]; !ok {
		s.nextSeq[run.ID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryStore) GetRun(id string) (model.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

func (s *MemoryStore) ListRuns(status model.RunStatus, limit int) []model.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) UpdateRun(runID string, mutate func(*model.Run) error) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if mutate != nil {
		if err := mutate(&run); err != nil {
			return model.Run{}, err
		}
	}
	s.runs[runID] = run
	if err := s.persistLocked(); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func (s *MemoryStore) AppendTranscript(runID string, entries ...model.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s.transcripts[runID] = append(s.transcripts[runID], entries...)
	return s.persistLocked()
}

func (s *MemoryStore) GetTranscript(runID string) []model.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.transcripts[runID]
	out := make([]model.TranscriptEntry, len(entries))
	copy(out, entries)
	return out
}

func (s *MemoryStore) PutGrading(runID string, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	copied := make(json.RawMessage, len(doc))
	copy(copied, doc)
	s.gradings[runID] = copied
	return s.persistLocked()
}

func (s *MemoryStore) GetGrading(runID string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.gradings[runID]
	return doc, ok
}

func (s *MemoryStore) CreateBatch(batch model.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s: %w", batch.ID, ErrAlreadyExists)
	}
	s.batches[batch.ID] = batch
	return s.persistLocked()
}

func (s *MemoryStore) GetBatch(id string) (model.BatchRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	return batch, ok
}

func (s *MemoryStore) ListBatches(limit int) []model.BatchRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.BatchRun, 0, len(s.batches))
	for _, batch := range s.batches {
		out = append(out, batch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) UpdateBatch(batchID string, mutate func(*model.BatchRun) error) (model.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return model.BatchRun{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if mutate != nil {
		if err := mutate(&batch); err != nil {
			return model.BatchRun{}, err
		}
	}
	s.batches[batchID] = batch
	if err := s.persistLocked(); err != nil {
		return model.BatchRun{}, err
	}
	return batch, nil
}

func (s *MemoryStore) RegisterAttack(vector model.AttackVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attacks[vector.ID]; exists {
		return nil
	}
	s.attacks[vector.ID] = vector
	s.counters[vector.ID] = &attackCounters{}
	s.scores[vector.ID] = 0
	for _, tag := range vector.Tags {
		s.tagIndex[tag] = append(s.tagIndex[tag], vector.ID)
	}
	return s.persistLocked()
}

func (s *MemoryStore) GetAttack(id string) (model.AttackVector, model.AttackStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vector, ok := s.attacks[id]
	if !ok {
		return model.AttackVector{}, model.AttackStats{}, false
	}
	return vector, s.counters[id].snapshot(), true
}

func (s *MemoryStore) RecordAttackOutcome(attackID string, success bool, severityWeight float64, score ScoreFunc) (model.AttackStats, error) {
	s.mu.RLock()
	counters, ok := s.counters[attackID]
	s.mu.RUnlock()
	if !ok {
		return model.AttackStats{}, fmt.Errorf("attack %s: %w", attackID, ErrNotFound)
	}

	// Lock-free increments; interleavings of concurrent writers commute.
	counters.attempts.Add(1)
	if success {
		counters.successes.Add(1)
		counters.severityMilli.Add(int64(severityWeight * 1000))
	}
	counters.lastOutcome.Store(time.Now().UnixNano())
	stats := counters.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if score != nil {
		s.scores[attackID] = score(stats)
	}
	vector := s.attacks[attackID]
	for _, tag := range vector.Tags {
		s.sortTagLocked(tag)
	}
	if err := s.persistLocked(); err != nil {
		return model.AttackStats{}, err
	}
	return stats, nil
}

// sortTagLocked re-ranks one tag index: descending score, ties broken by
// more attempts, then by most recent outcome.
func (s *MemoryStore) sortTagLocked(tag string) {
	ids := s.tagIndex[tag]
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if s.scores[a] != s.scores[b] {
			return s.scores[a] > s.scores[b]
		}
		ca, cb := s.counters[a], s.counters[b]
		if ca.attempts.Load() != cb.attempts.Load() {
			return ca.attempts.Load() > cb.attempts.Load()
		}
		return ca.lastOutcome.Load() > cb.lastOutcome.Load()
	})
}

func (s *MemoryStore) TopAttacksByTag(tag string, limit int) []model.AttackCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.tagIndex[tag]
	out := make([]model.AttackCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.AttackCandidate{
			Vector: s.attacks[id],
			Stats:  s.counters[id].snapshot(),
			Score:  s.scores[id],
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) ListAttacks(limit int) []model.AttackCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AttackCandidate, 0, len(s.attacks))
	for id, vector := range s.attacks {
		out = append(out, model.AttackCandidate{
			Vector: vector,
			Stats:  s.counters[id].snapshot(),
			Score:  s.scores[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) CreatePromptVersion(v model.PromptVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.prompts[v.Key]
	if !ok {
		versions = map[string]model.PromptVersion{}
		s.prompts[v.Key] = versions
	}
	if _, exists := versions[v.Version]; exists {
		return fmt.Errorf("prompt %s/%s: %w", v.Key, v.Version, ErrAlreadyExists)
	}
	if v.IsActive {
		for version, existing := range versions {
			existing.IsActive = false
			versions[version] = existing
		}
	}
	versions[v.Version] = v
	return s.persistLocked()
}

func (s *MemoryStore) GetActivePrompt(key string) (model.PromptVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.prompts[key] {
		if v.IsActive {
			return v, true
		}
	}
	return model.PromptVersion{}, false
}

func (s *MemoryStore) GetPromptVersion(key, version string) (model.PromptVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.prompts[key][version]
	return v, ok
}

func (s *MemoryStore) ListPromptVersions(key string) []model.PromptVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PromptVersion, 0, len(s.prompts[key]))
	for _, v := range s.prompts[key] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (s *MemoryStore) ListPromptKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prompts))
	for key := range s.prompts {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) RecordPromptUsage(key, version string, success bool, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.prompts[key][version]
	if !ok {
		return fmt.Errorf("prompt %s/%s: %w", key, version, ErrNotFound)
	}
	v.UsageCount++
	if success {
		v.SuccessCount++
	}
	v.ScoreSum += score
	s.prompts[key][version] = v
	return s.persistLocked()
}

// PromotePrompt activates one version and clears the flag on every other
// version of the key in the same critical section, so readers never observe
// zero or two active versions.
func (s *MemoryStore) PromotePrompt(key, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.prompts[key]
	if !ok {
		return fmt.Errorf("prompt key %s: %w", key, ErrNotFound)
	}
	if _, ok := versions[version]; !ok {
		return fmt.Errorf("prompt %s/%s: %w", key, version, ErrNotFound)
	}
	for id, v := range versions {
		v.IsActive = id == version
		versions[id] = v
	}
	return s.persistLocked()
}

func (s *MemoryStore) DeletePromptVersion(key, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.prompts[key][version]
	if !ok {
		return fmt.Errorf("prompt %s/%s: %w", key, version, ErrNotFound)
	}
	if v.IsActive {
		return fmt.Errorf("prompt %s/%s is active", key, version)
	}
	delete(s.prompts[key], version)
	return s.persistLocked()
}

func (s *MemoryStore) PutOverlay(o model.Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[o.TagKey] = o
	return s.persistLocked()
}

func (s *MemoryStore) GetOverlay(tagKey string) (model.Overlay, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overlays[tagKey]
	if !ok || o.Expired(time.Now()) {
		return model.Overlay{}, false
	}
	return o, true
}

func (s *MemoryStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return RunEvent{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	seq := s.nextSeq[runID]
	if seq < 1 {
		seq = 1
	}
	event := RunEvent{
		Seq:       seq,
		Timestamp: model.NowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}
	s.nextSeq[runID] = seq + 1
	s.events[runID] = append(s.events[runID], event)
	if err := s.persistLocked(); err != nil {
		return RunEvent{}, err
	}
	return event, nil
}

func (s *MemoryStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	out := make([]RunEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = model.NowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > 5000 {
		s.audit = s.audit[len(s.audit)-5000:]
	}
	return nil
}

func (s *MemoryStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) MetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{GeneratedAt: model.NowRFC3339()}
	for _, run := range s.runs {
		overview.TotalRuns++
		switch run.Status {
		case model.StatusCompleted:
			overview.CompletedRuns++
		case model.StatusFailed:
			overview.FailedRuns++
		case model.StatusCanceled:
			overview.CanceledRuns++
		default:
			overview.ActiveRuns++
		}
	}
	overview.TotalBatches = len(s.batches)
	overview.TotalAttacks = len(s.attacks)
	for _, versions := range s.prompts {
		overview.PromptVersions += len(versions)
	}
	var scoreTotal float64
	for _, doc := range s.gradings {
		var verdict struct {
			FinalScore float64 `json:"final_score"`
		}
		if json.Unmarshal(doc, &verdict) != nil {
			continue
		}
		scoreTotal += verdict.FinalScore
		overview.GradedRuns++
	}
	if overview.GradedRuns > 0 {
		overview.AvgFinalScore = scoreTotal / float64(overview.GradedRuns)
	}
	return overview
}

type memorySnapshot struct {
	Scenarios   []model.Scenario                   `json:"scenarios"`
	Runs        []model.Run                        `json:"runs"`
	Transcripts map[string][]model.TranscriptEntry `json:"transcripts"`
	Gradings    map[string]json.RawMessage         `json:"gradings"`
	Batches     []model.BatchRun                   `json:"batches"`
	Attacks     []model.AttackVector               `json:"attacks"`
	Stats       map[string]model.AttackStats       `json:"stats"`
	Prompts     map[string][]model.PromptVersion   `json:"prompts"`
	Overlays    map[string]model.Overlay           `json:"overlays"`
	Events      map[string][]RunEvent              `json:"events"`
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, sc := range snapshot.Scenarios {
		s.scenarios[sc.ID] = sc
	}
	for _, run := range snapshot.Runs {
		s.runs[run.ID] = run
	}
	for runID, entries := range snapshot.Transcripts {
		s.transcripts[runID] = entries
	}
	for runID, doc := range snapshot.Gradings {
		s.gradings[runID] = doc
	}
	for _, batch := range snapshot.Batches {
		s.batches[batch.ID] = batch
	}
	for _, vector := range snapshot.Attacks {
		s.attacks[vector.ID] = vector
		counters := &attackCounters{}
		if stats, ok := snapshot.Stats[vector.ID]; ok {
			counters.attempts.Store(stats.Attempts)
			counters.successes.Store(stats.Successes)
			counters.severityMilli.Store(int64(stats.SeveritySum * 1000))
			if at, err := time.Parse(time.RFC3339, stats.LastOutcomeAt); err == nil {
				counters.lastOutcome.Store(at.UnixNano())
			}
		}
		s.counters[vector.ID] = counters
		for _, tag := range vector.Tags {
			s.tagIndex[tag] = append(s.tagIndex[tag], vector.ID)
		}
	}
	for key, versions := range snapshot.Prompts {
		s.prompts[key] = map[string]model.PromptVersion{}
		for _, v := range versions {
			s.prompts[key][v.Version] = v
		}
	}
	for tagKey, overlay := range snapshot.Overlays {
		s.overlays[tagKey] = overlay
	}
	for runID, events := range snapshot.Events {
		s.events[runID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[runID] = maxSeq + 1
	}
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	snapshot := memorySnapshot{
		Transcripts: s.transcripts,
		Gradings:    s.gradings,
		Stats:       map[string]model.AttackStats{},
		Prompts:     map[string][]model.PromptVersion{},
		Overlays:    s.overlays,
		Events:      s.events,
	}
	for _, sc := range s.scenarios {
		snapshot.Scenarios = append(snapshot.Scenarios, sc)
	}
	for _, run := range s.runs {
		snapshot.Runs = append(snapshot.Runs, run)
	}
	for _, batch := range s.batches {
		snapshot.Batches = append(snapshot.Batches, batch)
	}
	for id, vector := range s.attacks {
		snapshot.Attacks = append(snapshot.Attacks, vector)
		snapshot.Stats[id] = s.counters[id].snapshot()
	}
	for key, versions := range s.prompts {
		for _, v := range versions {
			snapshot.Prompts[key] = append(snapshot.Prompts[key], v)
		}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
