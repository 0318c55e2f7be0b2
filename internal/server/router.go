package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"healthboard/internal/model"
	"healthboard/internal/registry"
	"healthboard/internal/store"
)

type API struct {
	auth     *Auth
	store    store.Store
	orch     *Orchestrator
	improver *registry.Improver
	obs      *Observability
}

func NewAPI(auth *Auth, st store.Store, orch *Orchestrator, improver *registry.Improver, obs *Observability) *API {
	return &API{
		auth:     auth,
		store:    st,
		orch:     orch,
		improver: improver,
		obs:      obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, a.auth.RequireAdmin(h))
	}
	admin("POST /api/v1/runs", a.handleCreateRun)
	admin("GET /api/v1/runs", a.handleListRuns)
	admin("GET /api/v1/runs/{id}", a.handleGetRun)
	admin("POST /api/v1/runs/{id}/stop", a.handleStopRun)
	admin("GET /api/v1/runs/{id}/transcript", a.handleGetTranscript)
	admin("POST /api/v1/runs/{id}/grade", a.handleGradeRun)
	admin("GET /api/v1/runs/{id}/report", a.handleGetReport)
	admin("GET /api/v1/runs/{id}/events", a.handleRunEventsSSE)

	admin("POST /api/v1/batches", a.handleCreateBatch)
	admin("GET /api/v1/batches", a.handleListBatches)
	admin("GET /api/v1/batches/{id}", a.handleGetBatch)
	admin("POST /api/v1/batches/{id}/stop", a.handleStopBatch)

	admin("POST /api/v1/scenarios", a.handleCreateScenario)
	admin("GET /api/v1/scenarios", a.handleListScenarios)
	admin("GET /api/v1/attacks", a.handleListAttacks)
	admin("GET /api/v1/prompts", a.handleListPrompts)
	admin("POST /api/v1/improve", a.handleImprove)
	admin("GET /api/v1/metrics/overview", a.handleOverview)
	admin("GET /api/v1/audit", a.handleAudit)

	wrapped := otelhttp.NewHandler(mux, "board-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": model.NowRFC3339(),
	})
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("board-api").Start(r.Context(), "runs.create")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	run, err := a.orch.CreateRun(req, principal, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := model.RunStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.store.ListRuns(status, parseLimit(r, 100)),
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	run, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleStopRun(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	ipHash, uaHash := actorHashes(r)
	run, err := a.orch.StopRun(strings.TrimSpace(r.PathValue("id")), principal, ipHash, uaHash)
	if err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	// An accepted stop always reports canceled; the worker observes the
	// cancellation and finalizes the stored run on its own schedule.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": model.StatusCanceled,
	})
}

func (a *API) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     id,
		"transcript": a.store.GetTranscript(id),
	})
}

func (a *API) handleGradeRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("board-api").Start(r.Context(), "runs.grade")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	ipHash, uaHash := actorHashes(r)
	result, err := a.orch.GradeRun(ctx, strings.TrimSpace(r.PathValue("id")), principal, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	doc, ok := a.store.GetGrading(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run has no grading report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (a *API) handleRunEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []store.RunEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: run_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListRunEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListRunEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("board-api").Start(r.Context(), "batches.create")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req BatchRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	batch, err := a.orch.CreateBatch(req, principal, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	span.SetAttributes(attribute.Int("batch.total", batch.Total))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batch.ID,
		"status":   batch.Status,
		"total":    batch.Total,
	})
}

func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": a.store.ListBatches(parseLimit(r, 50)),
	})
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := a.store.GetBatch(strings.TrimSpace(r.PathValue("id")))
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleStopBatch(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	ipHash, uaHash := actorHashes(r)
	batch, err := a.orch.StopBatch(strings.TrimSpace(r.PathValue("id")), principal, ipHash, uaHash)
	if err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batch.ID,
		"status":   batch.Status,
	})
}

func (a *API) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var sc model.Scenario
	if err := decodeJSONBody(r, &sc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(sc.Title) == "" || strings.TrimSpace(sc.Description) == "" {
		writeError(w, http.StatusBadRequest, "title and description are required")
		return
	}
	for _, item := range sc.Rubric {
		if item.Points <= 0 {
			writeError(w, http.StatusBadRequest, "rubric points must be positive")
			return
		}
	}
	if strings.TrimSpace(sc.ID) == "" {
		id, err := randomID("scn")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "id generation failed")
			return
		}
		sc.ID = id
	}
	if sc.SourceType == "" {
		sc.SourceType = "manual"
	}
	sc.CreatedAt = model.NowRFC3339()
	if err := a.store.CreateScenario(sc); err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (a *API) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	approvedOnly := r.URL.Query().Get("approved") == "true"
	writeJSON(w, http.StatusOK, map[string]any{
		"scenarios": a.store.ListScenarios(approvedOnly, parseLimit(r, 100)),
	})
}

func (a *API) handleListAttacks(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	limit := parseLimit(r, 50)
	var attacks []model.AttackCandidate
	if tag != "" {
		attacks = a.store.TopAttacksByTag(tag, limit)
	} else {
		attacks = a.store.ListAttacks(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attacks": attacks})
}

func (a *API) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"keys": a.store.ListPromptKeys(),
		})
		return
	}
	versions := a.store.ListPromptVersions(key)
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "prompt key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      key,
		"versions": versions,
	})
}

func (a *API) handleImprove(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("board-api").Start(r.Context(), "improve.cycle")
	defer span.End()
	report := a.improver.RunCycle(ctx)
	for _, action := range report.Actions {
		if action.Action == "promoted" {
			a.obs.MarkPromotion(ctx, action.Key)
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.MetricsOverview())
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(parseLimit(r, 200)),
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
