package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"healthboard/internal/grading"
	"healthboard/internal/inference"
	"healthboard/internal/memory"
	"healthboard/internal/model"
	"healthboard/internal/registry"
	"healthboard/internal/server"
	"healthboard/internal/store"
	"healthboard/internal/target"
	"healthboard/internal/tester"
)

func main() {
	scenarioPath := flag.String("scenario", "", "Path to scenario JSON file")
	targetURL := flag.String("target-url", envOr("BOARD_TARGET_URL", ""), "Base URL of the agent under test")
	targetKey := flag.String("target-key", envOr("BOARD_TARGET_KEY", ""), "API key for the target (optional)")
	inferenceURL := flag.String("inference-url", envOr("BOARD_INFERENCE_URL", ""), "OpenAI-compatible base URL for the evaluator model")
	inferenceKey := flag.String("inference-key", envOr("BOARD_INFERENCE_KEY", ""), "API key for the evaluator model")
	modelID := flag.String("model", envOr("BOARD_MODEL", ""), "Evaluator model ID")
	agentType := flag.String("agent-type", "general", "Agent type routed to the target")
	turns := flag.Int("turns", 5, "Adversarial turns to run")
	timeout := flag.Duration("timeout", 15*time.Minute, "Overall run timeout")
	snapshotPath := flag.String("snapshot", envOr("BOARD_SNAPSHOT", ""), "Attack memory snapshot file (persists learned attacks across invocations)")
	force := flag.Bool("force", false, "Run a scenario that is not clinician approved")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write the full grading report JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero unless the verdict is pass")
	flag.Parse()

	if strings.TrimSpace(*scenarioPath) == "" {
		exitWith("-scenario is required")
	}
	if strings.TrimSpace(*targetURL) == "" {
		exitWith("BOARD_TARGET_URL or -target-url is required")
	}
	if strings.TrimSpace(*inferenceKey) == "" {
		exitWith("BOARD_INFERENCE_KEY or -inference-key is required")
	}

	raw, err := os.ReadFile(*scenarioPath)
	if err != nil {
		exitWith("read scenario: " + err.Error())
	}
	var scenario model.Scenario
	if err := json.Unmarshal(raw, &scenario); err != nil {
		exitWith("parse scenario: " + err.Error())
	}
	if strings.TrimSpace(scenario.ID) == "" {
		scenario.ID = "scn_local"
	}
	if strings.TrimSpace(scenario.Title) == "" || strings.TrimSpace(scenario.Description) == "" {
		exitWith("scenario needs a title and description")
	}
	if !scenario.ClinicianApproved {
		if !*force {
			exitWith("scenario is not clinician approved; pass -force to run it anyway")
		}
		scenario.ClinicianApproved = true
	}
	if scenario.CreatedAt == "" {
		scenario.CreatedAt = model.NowRFC3339()
	}

	st, err := store.NewMemoryStore(*snapshotPath)
	if err != nil {
		exitWith("open snapshot store: " + err.Error())
	}
	if _, ok := st.GetScenario(scenario.ID); !ok {
		if err := st.CreateScenario(scenario); err != nil {
			exitWith("register scenario: " + err.Error())
		}
	}

	cfg := server.DefaultServerConfig()
	cfg.Runs.DefaultTurns = *turns
	if *turns > cfg.Runs.MaxTurns {
		cfg.Runs.MaxTurns = *turns
	}
	cfg.Runs.RunTimeoutSec = int(timeout.Seconds())

	gateway := inference.NewClient(inference.Config{
		BaseURL: *inferenceURL,
		APIKey:  *inferenceKey,
		Model:   *modelID,
	})
	targetClient := target.NewClient(target.Config{
		BaseURL: *targetURL,
		APIKey:  *targetKey,
	})

	mem := memory.New(st, gateway, memory.Config{})
	reg := registry.New(st)
	planner := tester.New(mem, reg, gateway)
	pipeline := grading.NewPipeline(gateway, reg, grading.Config{}, nil)
	orch := server.NewOrchestrator(cfg, st, planner, mem, pipeline, targetClient, nil)
	defer orch.Shutdown()

	run, err := orch.CreateRun(server.RunRequest{
		ScenarioIDs: []string{scenario.ID},
		AgentType:   *agentType,
		Turns:       *turns,
	}, server.Principal{Subject: "board-runner", Role: "admin"}, "", "")
	if err != nil {
		exitWith("create run: " + err.Error())
	}

	deadline := time.Now().Add(*timeout + 30*time.Second)
	for {
		current, ok := st.GetRun(run.ID)
		if ok && current.Status.Terminal() {
			run = current
			break
		}
		if time.Now().After(deadline) {
			exitWith("run did not finish before the deadline")
		}
		time.Sleep(250 * time.Millisecond)
	}

	if run.Status != model.StatusCompleted {
		exitWith(fmt.Sprintf("run finished %s: %s", run.Status, run.Error))
	}
	doc, ok := st.GetGrading(run.ID)
	if !ok {
		exitWith("run completed without a grading report")
	}
	var report grading.Result
	if err := json.Unmarshal(doc, &report); err != nil {
		exitWith("decode grading report: " + err.Error())
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, doc, 0o644); err != nil {
			exitWith("write report: " + err.Error())
		}
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		data, marshalErr := json.MarshalIndent(report, "", "  ")
		if marshalErr != nil {
			exitWith("encode report: " + marshalErr.Error())
		}
		fmt.Println(string(data))
	default:
		printText(run, scenario, report, st.GetTranscript(run.ID))
	}

	if *strict && report.PassFail != "pass" {
		os.Exit(1)
	}
}

func printText(run model.Run, scenario model.Scenario, report grading.Result, transcript []model.TranscriptEntry) {
	fmt.Printf("Scenario: %s (%s)\n", scenario.Title, scenario.ID)
	fmt.Printf("Run: %s  turns=%d  agent=%s\n", run.ID, run.Turns, run.AgentType)
	fmt.Printf("Verdict: %s  score=%.1f  severity=%s", report.PassFail, report.FinalScore, report.Severity)
	if report.BreakType != "" && report.BreakType != "none" {
		fmt.Printf("  break=%s", report.BreakType)
	}
	fmt.Println()
	if len(report.DegradedStages) > 0 {
		fmt.Printf("Degraded stages: %s\n", strings.Join(report.DegradedStages, ", "))
	}
	if report.Rubric != nil {
		fmt.Printf("Rubric: %.1f%%\n", report.Rubric.Percentage())
	}
	fmt.Printf("Transcript (%d entries):\n", len(transcript))
	for i, entry := range transcript {
		fmt.Printf("  [%d] %s: %s\n", i, entry.Role, entry.Content)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
