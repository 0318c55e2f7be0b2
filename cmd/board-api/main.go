package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"healthboard/internal/grading"
	"healthboard/internal/inference"
	"healthboard/internal/memory"
	"healthboard/internal/registry"
	"healthboard/internal/server"
	"healthboard/internal/store"
	"healthboard/internal/target"
	"healthboard/internal/tester"
)

func main() {
	configPath := flag.String("config", "", "Path to server config YAML/JSON")
	listen := flag.String("listen", "", "Optional listen address override")
	seedUser := flag.Bool("seed-user", false, "Create/update user and exit")
	username := flag.String("username", "", "Username for seed-user")
	password := flag.String("password", "", "Password for seed-user")
	role := flag.String("role", "admin", "Role for seed-user (admin|user)")
	flag.Parse()

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st   store.Store
		pool *pgxpool.Pool
	)
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		slog.Warn("no database DSN configured, using in-memory store",
			"snapshot", cfg.Database.SnapshotPath)
		memStore, err := store.NewMemoryStore(cfg.Database.SnapshotPath)
		if err != nil {
			slog.Error("open snapshot store failed", "error", err)
			os.Exit(1)
		}
		st = memStore
	} else {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			slog.Error("parse database DSN failed", "error", err)
			os.Exit(1)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err = pgxpool.NewWithConfig(rootCtx, poolCfg)
		if err != nil {
			slog.Error("connect database failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := store.RunMigrations(rootCtx, pool, cfg.Database.MigrationsPath); err != nil {
			slog.Error("run migrations failed", "error", err)
			os.Exit(1)
		}
		st = store.NewPgStore(pool)
	}

	if *seedUser {
		if pool == nil {
			fmt.Fprintln(os.Stderr, "seed-user requires a database DSN")
			os.Exit(1)
		}
		if *username == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "seed-user requires -username and -password")
			os.Exit(1)
		}
		if err := server.SeedUser(rootCtx, pool, *username, *password, *role); err != nil {
			slog.Error("seed user failed", "error", err)
			os.Exit(1)
		}
		slog.Info("user seeded", "username", *username, "role", *role)
		return
	}

	obs, err := server.SetupObservability(rootCtx, cfg.Observer)
	if err != nil {
		slog.Error("setup observability failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(ctx)
	}()

	gateway := inference.NewClient(inference.Config{
		BaseURL:     cfg.Inference.BaseURL,
		APIKey:      cfg.Inference.APIKey,
		Model:       cfg.Inference.Model,
		Temperature: cfg.Inference.Temperature,
		MaxTokens:   cfg.Inference.MaxTokens,
		Timeout:     time.Duration(cfg.Inference.TimeoutSec) * time.Second,
		MaxTries:    uint(cfg.Inference.MaxTries),
		RPM:         cfg.Inference.RPM,
	})
	targetClient := target.NewClient(target.Config{
		BaseURL:  cfg.Target.BaseURL,
		APIKey:   cfg.Target.APIKey,
		Timeout:  time.Duration(cfg.Target.TimeoutSec) * time.Second,
		MaxTries: uint(cfg.Target.MaxTries),
	})

	mem := memory.New(st, gateway, memory.Config{
		Alpha:          cfg.Memory.Alpha,
		Beta:           cfg.Memory.Beta,
		CandidateLimit: cfg.Memory.CandidateLimit,
		OverlayTTL:     time.Duration(cfg.Memory.OverlayTTLHr) * time.Hour,
	})
	reg := registry.New(st)
	planner := tester.New(mem, reg, gateway)
	pipeline := grading.NewPipeline(gateway, reg, grading.Config{
		StageTimeout: time.Duration(cfg.Grading.StageTimeoutSec) * time.Second,
		PassCutoff:   cfg.Grading.PassCutoff,
		ReviewCutoff: cfg.Grading.ReviewCutoff,
	}, obs.MarkGradingStage)
	improver := registry.NewImprover(reg, gateway, registry.ImproveConfig{
		MinUsage:         cfg.Improvement.MinUsage,
		MinSamples:       cfg.Improvement.MinSamples,
		PromoteThreshold: cfg.Improvement.PromoteThreshold,
		SuccessFloor:     cfg.Improvement.SuccessFloor,
		ScoreFloor:       cfg.Improvement.ScoreFloor,
	})

	orch := server.NewOrchestrator(cfg, st, planner, mem, pipeline, targetClient, obs)
	defer orch.Shutdown()

	if cfg.Improvement.Enabled {
		interval := time.Duration(cfg.Improvement.IntervalMin) * time.Minute
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					report := improver.RunCycle(rootCtx)
					for _, action := range report.Actions {
						if action.Action == "promoted" {
							obs.MarkPromotion(rootCtx, action.Key)
						}
					}
					slog.Info("improvement cycle finished", "actions", len(report.Actions))
				}
			}
		}()
	}

	auth := server.NewAuth(pool, cfg)
	api := server.NewAPI(auth, st, orch, improver, obs)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	slog.Info("board API listening",
		"listen", cfg.ListenAddr,
		"target", cfg.Target.BaseURL,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
