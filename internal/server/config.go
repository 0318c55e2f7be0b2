package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr  string              `json:"listen_addr" yaml:"listen_addr"`
	Database    DatabaseConfig      `json:"database" yaml:"database"`
	Auth        AuthConfig          `json:"auth" yaml:"auth"`
	Security    SecurityConfig      `json:"security" yaml:"security"`
	Inference   InferenceConfig     `json:"inference" yaml:"inference"`
	Target      TargetConfig        `json:"target" yaml:"target"`
	Memory      MemoryConfig        `json:"memory" yaml:"memory"`
	Improvement ImprovementConfig   `json:"improvement" yaml:"improvement"`
	Grading     GradingConfig       `json:"grading" yaml:"grading"`
	Runs        RunConfig           `json:"runs" yaml:"runs"`
	Observer    ObservabilityConfig `json:"observability" yaml:"observability"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
	SnapshotPath   string `json:"snapshot_path" yaml:"snapshot_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type InferenceConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSec  int     `json:"timeout_sec" yaml:"timeout_sec"`
	MaxTries    int     `json:"max_tries" yaml:"max_tries"`
	RPM         int     `json:"rpm" yaml:"rpm"`
}

type TargetConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
	MaxTries   int    `json:"max_tries" yaml:"max_tries"`
}

type MemoryConfig struct {
	Alpha          float64 `json:"alpha" yaml:"alpha"`
	Beta           float64 `json:"beta" yaml:"beta"`
	CandidateLimit int     `json:"candidate_limit" yaml:"candidate_limit"`
	OverlayTTLHr   int     `json:"overlay_ttl_hours" yaml:"overlay_ttl_hours"`
}

type ImprovementConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	IntervalMin      int     `json:"interval_minutes" yaml:"interval_minutes"`
	MinUsage         int64   `json:"min_usage" yaml:"min_usage"`
	MinSamples       int64   `json:"min_samples" yaml:"min_samples"`
	PromoteThreshold float64 `json:"promote_threshold" yaml:"promote_threshold"`
	SuccessFloor     float64 `json:"success_floor" yaml:"success_floor"`
	ScoreFloor       float64 `json:"score_floor" yaml:"score_floor"`
}

type GradingConfig struct {
	StageTimeoutSec int     `json:"stage_timeout_sec" yaml:"stage_timeout_sec"`
	PassCutoff      float64 `json:"pass_cutoff" yaml:"pass_cutoff"`
	ReviewCutoff    float64 `json:"review_cutoff" yaml:"review_cutoff"`
}

type RunConfig struct {
	DefaultTurns          int `json:"default_turns" yaml:"default_turns"`
	MaxTurns              int `json:"max_turns" yaml:"max_turns"`
	RunTimeoutSec         int `json:"run_timeout_sec" yaml:"run_timeout_sec"`
	DefaultConcurrency    int `json:"default_concurrency" yaml:"default_concurrency"`
	MaxConcurrency        int `json:"max_concurrency" yaml:"max_concurrency"`
	InferenceCallsPerTurn int `json:"inference_calls_per_turn" yaml:"inference_calls_per_turn"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "board_session",
		},
		Inference: InferenceConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			Temperature: 0.7,
			MaxTokens:   1024,
			TimeoutSec:  60,
			MaxTries:    3,
			RPM:         60,
		},
		Target: TargetConfig{
			TimeoutSec: 60,
			MaxTries:   3,
		},
		Memory: MemoryConfig{
			Alpha:          1,
			Beta:           3,
			CandidateLimit: 10,
			OverlayTTLHr:   24,
		},
		Improvement: ImprovementConfig{
			Enabled:          true,
			IntervalMin:      60,
			MinUsage:         10,
			MinSamples:       30,
			PromoteThreshold: 0.05,
			SuccessFloor:     0.7,
			ScoreFloor:       0.6,
		},
		Grading: GradingConfig{
			StageTimeoutSec: 90,
			PassCutoff:      70,
			ReviewCutoff:    50,
		},
		Runs: RunConfig{
			DefaultTurns:          5,
			MaxTurns:              20,
			RunTimeoutSec:         900,
			DefaultConcurrency:    2,
			MaxConcurrency:        8,
			InferenceCallsPerTurn: 4,
		},
		Observer: ObservabilityConfig{
			ServiceName: "board-api",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "board_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Inference.TimeoutSec <= 0 {
		cfg.Inference.TimeoutSec = 60
	}
	if cfg.Inference.MaxTries <= 0 {
		cfg.Inference.MaxTries = 3
	}
	if cfg.Target.TimeoutSec <= 0 {
		cfg.Target.TimeoutSec = 60
	}
	if cfg.Target.MaxTries <= 0 {
		cfg.Target.MaxTries = 3
	}
	if cfg.Improvement.IntervalMin <= 0 {
		cfg.Improvement.IntervalMin = 60
	}
	if cfg.Grading.StageTimeoutSec <= 0 {
		cfg.Grading.StageTimeoutSec = 90
	}
	if cfg.Grading.PassCutoff <= 0 {
		cfg.Grading.PassCutoff = 70
	}
	if cfg.Grading.ReviewCutoff <= 0 {
		cfg.Grading.ReviewCutoff = 50
	}
	if cfg.Runs.DefaultTurns <= 0 {
		cfg.Runs.DefaultTurns = 5
	}
	if cfg.Runs.MaxTurns <= 0 {
		cfg.Runs.MaxTurns = 20
	}
	if cfg.Runs.RunTimeoutSec <= 0 {
		cfg.Runs.RunTimeoutSec = 900
	}
	if cfg.Runs.DefaultConcurrency <= 0 {
		cfg.Runs.DefaultConcurrency = 2
	}
	if cfg.Runs.MaxConcurrency <= 0 {
		cfg.Runs.MaxConcurrency = 8
	}
	if cfg.Runs.InferenceCallsPerTurn <= 0 {
		cfg.Runs.InferenceCallsPerTurn = 4
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "board-api"
	}
}
