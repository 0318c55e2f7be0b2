package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider

	RunCounter       metric.Int64Counter
	TurnLatency      metric.Int64Histogram
	GradingDuration  metric.Int64Histogram
	AttackOutcomes   metric.Int64Counter
	PromptPromotions metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "board-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	runCounter, _ := meter.Int64Counter("board_run_total")
	turnLatency, _ := meter.Int64Histogram("board_turn_latency_ms")
	gradingDuration, _ := meter.Int64Histogram("board_grading_stage_duration_ms")
	attackOutcomes, _ := meter.Int64Counter("board_attack_outcomes_total")
	promptPromotions, _ := meter.Int64Counter("board_prompt_promotions_total")
	return &Observability{
		Tracer:           tracer,
		Meter:            meter,
		traceProvider:    tp,
		RunCounter:       runCounter,
		TurnLatency:      turnLatency,
		GradingDuration:  gradingDuration,
		AttackOutcomes:   attackOutcomes,
		PromptPromotions: promptPromotions,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkRun(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkTurn(ctx context.Context, agentType string, durationMS int64) {
	if o == nil {
		return
	}
	o.TurnLatency.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("agent_type", agentType),
	))
}

func (o *Observability) MarkGradingStage(ctx context.Context, stage string, durationMS int64, degraded bool) {
	if o == nil {
		return
	}
	o.GradingDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("degraded", degraded),
	))
}

func (o *Observability) MarkAttackOutcome(ctx context.Context, category string, success bool) {
	if o == nil {
		return
	}
	o.AttackOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.Bool("success", success),
	))
}

func (o *Observability) MarkPromotion(ctx context.Context, key string) {
	if o == nil {
		return
	}
	o.PromptPromotions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("prompt_key", key),
	))
}
