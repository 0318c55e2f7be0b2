package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"healthboard/internal/model"
)

// PgStore persists documents as JSONB with a few indexed columns for the
// query paths. Counter updates happen server-side so concurrent writers
// never lose increments.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateScenario(sc model.Scenario) error {
	doc, _ := json.Marshal(sc)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO scenarios (id, clinician_approved, doc, created_at) VALUES ($1,$2,$3,$4)`,
		sc.ID, sc.ClinicianApproved, doc, sc.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("scenario %s: %w", sc.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PgStore) GetScenario(id string) (model.Scenario, bool) {
	var doc []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT doc FROM scenarios WHERE id=$1`, id).Scan(&doc)
	if err != nil {
		return model.Scenario{}, false
	}
	var sc model.Scenario
	if json.Unmarshal(doc, &sc) != nil {
		return model.Scenario{}, false
	}
	return sc, true
}

func (s *PgStore) ListScenarios(approvedOnly bool, limit int) []model.Scenario {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT doc FROM scenarios WHERE ($1 = false OR clinician_approved) ORDER BY id LIMIT $2`,
		approvedOnly, limit)
	if err != nil {
		return []model.Scenario{}
	}
	defer rows.Close()
	out := []model.Scenario{}
	for rows.Next() {
		var doc []byte
		if rows.Scan(&doc) != nil {
			continue
		}
		var sc model.Scenario
		if json.Unmarshal(doc, &sc) == nil {
			out = append(out, sc)
		}
	}
	return out
}

func (s *PgStore) CreateRun(run model.Run) error {
	doc, _ := json.Marshal(run)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO runs (run_id, status, batch_id, doc, created_at) VALUES ($1,$2,$3,$4,$5)`,
		run.ID, string(run.Status), nullStr(run.BatchID), doc, run.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PgStore) GetRun(id string) (model.Run, bool) {
	var doc []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT doc FROM runs WHERE run_id=$1`, id).Scan(&doc)
	if err != nil {
		return model.Run{}, false
	}
	var run model.Run
	if json.Unmarshal(doc, &run) != nil {
		return model.Run{}, false
	}
	return run, true
}

func (s *PgStore) ListRuns(status model.RunStatus, limit int) []model.Run {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT doc FROM runs WHERE ($1 = '' OR status=$1) ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return []model.Run{}
	}
	defer rows.Close()
	out := []model.Run{}
	for rows.Next() {
		var doc []byte
		if rows.Scan(&doc) != nil {
			continue
		}
		var run model.Run
		if json.Unmarshal(doc, &run) == nil {
			out = append(out, run)
		}
	}
	return out
}

func (s *PgStore) UpdateRun(runID string, mutate func(*model.Run) error) (model.Run, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM runs WHERE run_id=$1 FOR UPDATE`, runID).Scan(&doc); err != nil {
		return model.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	var run model.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return model.Run{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	if mutate != nil {
		if err := mutate(&run); err != nil {
			return model.Run{}, err
		}
	}
	updated, _ := json.Marshal(run)
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status=$1, batch_id=$2, doc=$3 WHERE run_id=$4`,
		string(run.Status), nullStr(run.BatchID), updated, runID); err != nil {
		return model.Run{}, err
	}
	return run, tx.Commit(ctx)
}

func (s *PgStore) AppendTranscript(runID string, entries ...model.TranscriptEntry) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, entry := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transcript_entries (run_id, seq, role, content, entry_at)
			 VALUES ($1, COALESCE((SELECT MAX(seq) FROM transcript_entries WHERE run_id=$1),0)+1, $2, $3, $4)`,
			runID, entry.Role, entry.Content, entry.Timestamp); err != nil {
			return fmt.Errorf("append transcript %s: %w", runID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) GetTranscript(runID string) []model.TranscriptEntry {
	rows, err := s.pool.Query(context.Background(),
		`SELECT role, content, entry_at FROM transcript_entries WHERE run_id=$1 ORDER BY seq`, runID)
	if err != nil {
		return []model.TranscriptEntry{}
	}
	defer rows.Close()
	out := []model.TranscriptEntry{}
	for rows.Next() {
		var entry model.TranscriptEntry
		if rows.Scan(&entry.Role, &entry.Content, &entry.Timestamp) == nil {
			out = append(out, entry)
		}
	}
	return out
}

func (s *PgStore) PutGrading(runID string, doc json.RawMessage) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO gradings (run_id, doc) VALUES ($1,$2)
		 ON CONFLICT (run_id) DO UPDATE SET doc=$2, graded_at=now()`, runID, []byte(doc))
	return err
}

func (s *PgStore) GetGrading(runID string) (json.RawMessage, bool) {
	var doc []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT doc FROM gradings WHERE run_id=$1`, runID).Scan(&doc)
	if err != nil {
		return nil, false
	}
	return doc, true
}

func (s *PgStore) CreateBatch(batch model.BatchRun) error {
	doc, _ := json.Marshal(batch)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO batches (batch_id, status, doc, created_at) VALUES ($1,$2,$3,$4)`,
		batch.ID, string(batch.Status), doc, batch.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("batch %s: %w", batch.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PgStore) GetBatch(id string) (model.BatchRun, bool) {
	var doc []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT doc FROM batches WHERE batch_id=$1`, id).Scan(&doc)
	if err != nil {
		return model.BatchRun{}, false
	}
	var batch model.BatchRun
	if json.Unmarshal(doc, &batch) != nil {
		return model.BatchRun{}, false
	}
	return batch, true
}

func (s *PgStore) ListBatches(limit int) []model.BatchRun {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT doc FROM batches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []model.BatchRun{}
	}
	defer rows.Close()
	out := []model.BatchRun{}
	for rows.Next() {
		var doc []byte
		if rows.Scan(&doc) != nil {
			continue
		}
		var batch model.BatchRun
		if json.Unmarshal(doc, &batch) == nil {
			out = append(out, batch)
		}
	}
	return out
}

func (s *PgStore) UpdateBatch(batchID string, mutate func(*model.BatchRun) error) (model.BatchRun, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.BatchRun{}, err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM batches WHERE batch_id=$1 FOR UPDATE`, batchID).Scan(&doc); err != nil {
		return model.BatchRun{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	var batch model.BatchRun
	if err := json.Unmarshal(doc, &batch); err != nil {
		return model.BatchRun{}, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	if mutate != nil {
		if err := mutate(&batch); err != nil {
			return model.BatchRun{}, err
		}
	}
	updated, _ := json.Marshal(batch)
	if _, err := tx.Exec(ctx,
		`UPDATE batches SET status=$1, doc=$2 WHERE batch_id=$3`,
		string(batch.Status), updated, batchID); err != nil {
		return model.BatchRun{}, err
	}
	return batch, tx.Commit(ctx)
}

func (s *PgStore) RegisterAttack(vector model.AttackVector) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO attacks (id, prompt, category, tags, created_at)
		 VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING`,
		vector.ID, vector.Prompt, vector.Category, vector.Tags, vector.CreatedAt)
	return err
}

func (s *PgStore) GetAttack(id string) (model.AttackVector, model.AttackStats, bool) {
	var vector model.AttackVector
	var stats model.AttackStats
	var lastOutcome *time.Time
	err := s.pool.QueryRow(context.Background(),
		`SELECT id, prompt, category, tags, created_at, attempts, successes, severity_sum, last_outcome_at
		 FROM attacks WHERE id=$1`, id).Scan(
		&vector.ID, &vector.Prompt, &vector.Category, &vector.Tags, &vector.CreatedAt,
		&stats.Attempts, &stats.Successes, &stats.SeveritySum, &lastOutcome)
	if err != nil {
		return model.AttackVector{}, model.AttackStats{}, false
	}
	if lastOutcome != nil {
		stats.LastOutcomeAt = lastOutcome.UTC().Format(time.RFC3339)
	}
	return vector, stats, true
}

// RecordAttackOutcome increments the counters in a single server-side
// UPDATE, then writes the recomputed ranking score in the same transaction.
func (s *PgStore) RecordAttackOutcome(attackID string, success bool, severityWeight float64, score ScoreFunc) (model.AttackStats, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.AttackStats{}, err
	}
	defer tx.Rollback(ctx)

	var stats model.AttackStats
	var lastOutcome time.Time
	err = tx.QueryRow(ctx,
		`UPDATE attacks SET
			attempts = attempts + 1,
			successes = successes + CASE WHEN $2 THEN 1 ELSE 0 END,
			severity_sum = severity_sum + CASE WHEN $2 THEN $3 ELSE 0 END,
			last_outcome_at = now()
		 WHERE id=$1
		 RETURNING attempts, successes, severity_sum, last_outcome_at`,
		attackID, success, severityWeight).Scan(
		&stats.Attempts, &stats.Successes, &stats.SeveritySum, &lastOutcome)
	if err != nil {
		return model.AttackStats{}, fmt.Errorf("attack %s: %w", attackID, ErrNotFound)
	}
	stats.LastOutcomeAt = lastOutcome.UTC().Format(time.RFC3339)
	if score != nil {
		if _, err := tx.Exec(ctx, `UPDATE attacks SET score=$2 WHERE id=$1`, attackID, score(stats)); err != nil {
			return model.AttackStats{}, err
		}
	}
	return stats, tx.Commit(ctx)
}

func (s *PgStore) TopAttacksByTag(tag string, limit int) []model.AttackCandidate {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT id, prompt, category, tags, created_at, attempts, successes, severity_sum, last_outcome_at, score
		 FROM attacks WHERE $1 = ANY(tags)
		 ORDER BY score DESC, attempts DESC, last_outcome_at DESC NULLS LAST
		 LIMIT $2`, tag, limit)
	if err != nil {
		return []model.AttackCandidate{}
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func (s *PgStore) ListAttacks(limit int) []model.AttackCandidate {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT id, prompt, category, tags, created_at, attempts, successes, severity_sum, last_outcome_at, score
		 FROM attacks ORDER BY score DESC, attempts DESC LIMIT $1`, limit)
	if err != nil {
		return []model.AttackCandidate{}
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func (s *PgStore) CreatePromptVersion(v model.PromptVersion) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if v.IsActive {
		if _, err := tx.Exec(ctx, `UPDATE prompt_versions SET is_active=false WHERE key=$1`, v.Key); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO prompt_versions (key, version, content, is_baseline, is_active, usage_count, success_count, score_sum, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		v.Key, v.Version, v.Content, v.IsBaseline, v.IsActive, v.UsageCount, v.SuccessCount, v.ScoreSum, v.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("prompt %s/%s: %w", v.Key, v.Version, ErrAlreadyExists)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) GetActivePrompt(key string) (model.PromptVersion, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT key, version, content, is_baseline, is_active, usage_count, success_count, score_sum, created_at
		 FROM prompt_versions WHERE key=$1 AND is_active`, key)
	return scanPromptVersion(row)
}

func (s *PgStore) GetPromptVersion(key, version string) (model.PromptVersion, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT key, version, content, is_baseline, is_active, usage_count, success_count, score_sum, created_at
		 FROM prompt_versions WHERE key=$1 AND version=$2`, key, version)
	return scanPromptVersion(row)
}

func (s *PgStore) ListPromptVersions(key string) []model.PromptVersion {
	rows, err := s.pool.Query(context.Background(),
		`SELECT key, version, content, is_baseline, is_active, usage_count, success_count, score_sum, created_at
		 FROM prompt_versions WHERE key=$1 ORDER BY created_at`, key)
	if err != nil {
		return []model.PromptVersion{}
	}
	defer rows.Close()
	out := []model.PromptVersion{}
	for rows.Next() {
		if v, ok := scanPromptVersion(rows); ok {
			out = append(out, v)
		}
	}
	return out
}

func (s *PgStore) ListPromptKeys() []string {
	rows, err := s.pool.Query(context.Background(),
		`SELECT DISTINCT key FROM prompt_versions ORDER BY key`)
	if err != nil {
		return []string{}
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var key string
		if rows.Scan(&key) == nil {
			out = append(out, key)
		}
	}
	return out
}

func (s *PgStore) RecordPromptUsage(key, version string, success bool, score float64) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE prompt_versions SET
			usage_count = usage_count + 1,
			success_count = success_count + CASE WHEN $3 THEN 1 ELSE 0 END,
			score_sum = score_sum + $4
		 WHERE key=$1 AND version=$2`, key, version, success, score)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prompt %s/%s: %w", key, version, ErrNotFound)
	}
	return nil
}

// PromotePrompt clears and sets the active flag inside one transaction so
// observers never see zero or two active versions for the key.
func (s *PgStore) PromotePrompt(key, version string) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM prompt_versions WHERE key=$1 AND version=$2)`,
		key, version).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("prompt %s/%s: %w", key, version, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `UPDATE prompt_versions SET is_active=false WHERE key=$1`, key); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE prompt_versions SET is_active=true WHERE key=$1 AND version=$2`, key, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) DeletePromptVersion(key, version string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM prompt_versions WHERE key=$1 AND version=$2 AND NOT is_active`, key, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prompt %s/%s not deletable: %w", key, version, ErrNotFound)
	}
	return nil
}

func (s *PgStore) PutOverlay(o model.Overlay) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO overlays (tag_key, strategy, confidence, expires_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (tag_key) DO UPDATE SET strategy=$2, confidence=$3, expires_at=$4`,
		o.TagKey, o.Strategy, o.Confidence, o.ExpiresAt)
	return err
}

func (s *PgStore) GetOverlay(tagKey string) (model.Overlay, bool) {
	var o model.Overlay
	var expires time.Time
	err := s.pool.QueryRow(context.Background(),
		`SELECT tag_key, strategy, confidence, expires_at FROM overlays
		 WHERE tag_key=$1 AND expires_at > now()`, tagKey).Scan(
		&o.TagKey, &o.Strategy, &o.Confidence, &expires)
	if err != nil {
		return model.Overlay{}, false
	}
	o.ExpiresAt = expires.UTC().Format(time.RFC3339)
	return o, true
}

func (s *PgStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO run_events (run_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM run_events WHERE run_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, event_at`, runID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, event_at, stage, message, data
		 FROM run_events WHERE run_id=$1 AND seq>$2 ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return []RunEvent{}
	}
	defer rows.Close()
	out := []RunEvent{}
	for rows.Next() {
		var e RunEvent
		var ts time.Time
		var dataJSON []byte
		if rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON) != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = model.NowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (event_at, run_id, actor_type, actor_sub, action, result, detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		event.Timestamp, nullStr(event.RunID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT event_at, run_id, actor_type, actor_sub, action, result, detail
		 FROM audit_events ORDER BY event_at DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	out := []AuditEvent{}
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var runID, actorSub, detail *string
		if rows.Scan(&ts, &runID, &a.ActorType, &actorSub, &a.Action, &a.Result, &detail) != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.RunID = deref(runID)
		a.ActorSub = deref(actorSub)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	return out
}

func (s *PgStore) MetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: model.NowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status NOT IN ('completed','failed','canceled')),
			COUNT(*) FILTER (WHERE status='completed'),
			COUNT(*) FILTER (WHERE status='failed'),
			COUNT(*) FILTER (WHERE status='canceled')
		 FROM runs`).Scan(
		&overview.TotalRuns, &overview.ActiveRuns, &overview.CompletedRuns,
		&overview.FailedRuns, &overview.CanceledRuns)
	_ = s.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM batches`).Scan(&overview.TotalBatches)
	_ = s.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM attacks`).Scan(&overview.TotalAttacks)
	_ = s.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM prompt_versions`).Scan(&overview.PromptVersions)
	_ = s.pool.QueryRow(context.Background(),
		`SELECT COUNT(*), COALESCE(AVG((doc->>'final_score')::float), 0) FROM gradings`).Scan(
		&overview.GradedRuns, &overview.AvgFinalScore)
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanCandidates(rows interface {
	Next() bool
	Scan(dest ...any) error
}) []model.AttackCandidate {
	out := []model.AttackCandidate{}
	for rows.Next() {
		var c model.AttackCandidate
		var lastOutcome *time.Time
		if rows.Scan(&c.Vector.ID, &c.Vector.Prompt, &c.Vector.Category, &c.Vector.Tags,
			&c.Vector.CreatedAt, &c.Stats.Attempts, &c.Stats.Successes, &c.Stats.SeveritySum,
			&lastOutcome, &c.Score) != nil {
			continue
		}
		if lastOutcome != nil {
			c.Stats.LastOutcomeAt = lastOutcome.UTC().Format(time.RFC3339)
		}
		out = append(out, c)
	}
	return out
}

func scanPromptVersion(row scannable) (model.PromptVersion, bool) {
	var v model.PromptVersion
	err := row.Scan(&v.Key, &v.Version, &v.Content, &v.IsBaseline, &v.IsActive,
		&v.UsageCount, &v.SuccessCount, &v.ScoreSum, &v.CreatedAt)
	if err != nil {
		return model.PromptVersion{}, false
	}
	return v, true
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

var _ Store = (*PgStore)(nil)
