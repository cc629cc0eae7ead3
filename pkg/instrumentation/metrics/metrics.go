// Copyright The Memkit Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics starts and stops our metrics exporting: either the
// prometheus endpoint on the shared HTTP mux, or periodic OTLP push.
package metrics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/virtmm/memkit/pkg/http"
	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/metrics"
)

// Option is an option for Start.
type Option func() error

const (
	promExporter = "prometheus"
	httpExporter = "otlp-http"
	grpcExporter = "otlp-grpc"
)

var (
	exporter     string
	provider     *metric.MeterProvider
	enabled      []string
	reportPeriod time.Duration
	mux          *http.ServeMux
	log          = logger.Get("metrics")
)

// WithExporter sets the type of metrics exporter to use.
func WithExporter(v string) Option {
	return func() error {
		if v != "" && exporter != "" && v != exporter {
			return fmt.Errorf("conflicting metrics exporter: %q and %q requested",
				exporter, v)
		}

		if v != "" {
			exporter = v
		}
		return nil
	}
}

// WithReportPeriod sets the reporting period for periodic metric
// exporters (otlp-http and otlp-grpc).
func WithReportPeriod(v time.Duration) Option {
	return func() error {
		reportPeriod = v
		return nil
	}
}

// WithMetrics sets the enabled metrics by glob patterns.
func WithMetrics(patterns []string) Option {
	return func() error {
		enabled = slices.Clone(patterns)
		return nil
	}
}

// Start metrics collection and exporting.
func Start(m *http.ServeMux, res *resource.Resource, opts ...Option) error {
	Stop()

	for _, opt := range opts {
		if err := opt(); err != nil {
			return err
		}
	}

	metrics.Configure(enabled)

	if exporter == "" {
		log.Info("no metrics exporter configured, metrics exporting disabled")
		return nil
	}
	if m == nil {
		log.Info("no mux provided, metrics exporting disabled")
		return nil
	}

	ctx := context.Background()

	switch exporter {
	case promExporter:
		log.Info("using prometheus metrics exporter")

		handlerOpts := promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}
		m.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), handlerOpts))
		mux = m

	case httpExporter:
		log.Info("using OpenTelemetry HTTP exporter")

		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry HTTP exporter: %w", err)
		}

		provider = metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(
				metric.NewPeriodicReader(exp, metric.WithInterval(reportPeriod)),
			),
		)
		metrics.SetProvider(provider, reportPeriod)

	case grpcExporter:
		log.Info("using OpenTelemetry gRPC exporter")

		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry gRPC exporter: %w", err)
		}

		provider = metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(
				metric.NewPeriodicReader(exp, metric.WithInterval(reportPeriod)),
			),
		)
		metrics.SetProvider(provider, reportPeriod)

	default:
		return fmt.Errorf("unsupported metrics exporter %q", exporter)
	}

	log.Info("metrics exporting started")
	return nil
}

// Stop metrics collection and exporting.
func Stop() {
	if mux != nil {
		mux.Unregister("/metrics")
		mux = nil
	}

	metrics.SetProvider(nil, 0)
	if provider != nil {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Error("failed to shut down metrics provider: %v", err)
		}
		provider = nil
	}

	exporter = ""
	enabled = nil
	reportPeriod = 0
}
