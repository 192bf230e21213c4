// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modelserver exposes the model registry over HTTP.
//
// This is the standalone prediction surface deployed as a CML application:
// a gin server with health, prediction, and model listing endpoints plus the
// observability stack (OTLP tracing, Prometheus metrics, request IDs).
package modelserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cloudera-cai/guardrails-cai/services/models"
	"github.com/cloudera-cai/guardrails-cai/services/modelserver/observability"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the model server.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying gin engine for testing.
	Router() *gin.Engine
}

// Config holds the model server settings.
//
// # Fields
//
//   - Host, Port: Bind address. CDSW_APP_PORT is resolved by the CLI, not
//     here.
//   - RateLimitRPS: Per-client request rate on /predict; zero disables
//     limiting.
//   - RateLimitBurst: Burst allowance when limiting is enabled.
type Config struct {
	Host           string
	Port           int
	RateLimitRPS   float64
	RateLimitBurst int
}

type modelServer struct {
	cfg      Config
	registry *models.Registry
	metrics  *observability.Metrics
	promReg  *prometheus.Registry
	router   *gin.Engine
}

// New creates the model server around an existing registry.
//
// # Inputs
//
//   - cfg: Server settings; zero-valued fields get defaults (host "0.0.0.0",
//     port 8081, burst 10).
//   - registry: Model registry to serve. Must be non-nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if registry is nil.
func New(cfg Config, registry *models.Registry) (Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}

	promReg := prometheus.NewRegistry()
	s := &modelServer{
		cfg:      cfg,
		registry: registry,
		metrics:  observability.NewMetrics(promReg),
		promReg:  promReg,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *modelServer) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("model-server"))
	router.Use(requestIDMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/models", s.handleListModels)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	predict := router.Group("/")
	if s.cfg.RateLimitRPS > 0 {
		predict.Use(rateLimitMiddleware(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}
	predict.POST("/predict", s.handlePredict)

	return router
}

// Run starts the HTTP server. Blocks until the server stops.
func (s *modelServer) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	slog.Info("Starting model server", "addr", addr)
	if err := s.router.Run(addr); err != nil {
		return fmt.Errorf("model server failed: %w", err)
	}
	return nil
}

// Router returns the underlying gin engine for testing.
func (s *modelServer) Router() *gin.Engine {
	return s.router
}

var _ Service = (*modelServer)(nil)

// =============================================================================
// Tracing
// =============================================================================

// InitTracer wires the OTLP gRPC exporter when a collector endpoint is
// configured.
//
// # Description
//
// Reads OTEL_EXPORTER_OTLP_ENDPOINT; when unset, tracing stays on the no-op
// provider and the returned cleanup is a no-op. The returned function flushes
// and shuts the exporter down.
func InitTracer(serviceName string) (func(context.Context), error) {
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}

	ctx := context.Background()
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to OTLP collector: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("creating trace resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
