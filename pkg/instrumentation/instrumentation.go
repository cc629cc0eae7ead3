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

// Package instrumentation bundles our observability services: the shared
// HTTP endpoint, trace exporting and metrics exporting.
package instrumentation

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/virtmm/memkit/pkg/http"
	"github.com/virtmm/memkit/pkg/instrumentation/metrics"
	"github.com/virtmm/memkit/pkg/instrumentation/tracing"
	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/version"
)

// ServiceName is our service name in external tracing and metrics services.
const ServiceName = "memkit"

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

// Attribute aliases tracing.Attribute(), for SetIdentity().
var Attribute = tracing.Attribute

// Config holds the instrumentation configuration.
type Config struct {
	// HTTPEndpoint is the address the shared HTTP server listens on.
	// Empty disables the server and everything it would serve.
	HTTPEndpoint string `json:"httpEndpoint"`
	// TracingCollector is the tracing collector endpoint URL, or one of
	// the scheme shorthands otlp-http, otlp-grpc. Empty disables tracing.
	TracingCollector string `json:"tracingCollector"`
	// SamplingRatePerMillion is how many traces per million to sample.
	SamplingRatePerMillion int64 `json:"samplingRatePerMillion"`
	// MetricsExporter selects prometheus, otlp-http or otlp-grpc.
	MetricsExporter string `json:"metricsExporter"`
	// ReportPeriod is the reporting interval of periodic exporters.
	ReportPeriod time.Duration `json:"reportPeriod"`
	// Metrics selects the enabled collectors by glob patterns.
	Metrics []string `json:"metrics,omitempty"`
}

var (
	// Our runtime configuration.
	cfg = &Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server instance.
	srv = http.NewServer()
	// Our logger instance.
	log = logger.Get("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue
	resource *otelresource.Resource
	resOnce  sync.Once
)

// HTTPServer returns our HTTP server.
func HTTPServer() *http.Server {
	return srv
}

// SetIdentity sets (extra) process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// GetResource returns our process identity as an OTEL resource.
func GetResource() (*otelresource.Resource, error) {
	var err error

	resOnce.Do(func() {
		hostname, _ := os.Hostname()
		resource, err = otelresource.Merge(
			otelresource.Default(),
			otelresource.NewWithAttributes(
				semconv.SchemaURL,
				append(
					[]attribute.KeyValue{
						semconv.ServiceName(ServiceName),
						semconv.HostNameKey.String(hostname),
						semconv.ProcessPIDKey.Int64(int64(os.Getpid())),
						attribute.String("Version", version.Version),
						attribute.String("Build", version.Build),
					},
					identity...,
				)...,
			),
		)
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}
	if resource == nil {
		return nil, fmt.Errorf("failed to create OTEL resource")
	}

	return resource, nil
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *Config) error {
	lock.Lock()
	cfg = newCfg
	lock.Unlock()
	return Restart()
}

func start() error {
	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %v", err)
	}

	resource, err := GetResource()
	if err != nil {
		return err
	}

	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithIdentity(identity...),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(float64(cfg.SamplingRatePerMillion)/float64(1000000)),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %v", err)
	}

	if err := metrics.Start(
		srv.GetMux(),
		resource,
		metrics.WithExporter(cfg.MetricsExporter),
		metrics.WithReportPeriod(cfg.ReportPeriod),
		metrics.WithMetrics(cfg.Metrics),
	); err != nil {
		return fmt.Errorf("failed to start metrics: %v", err)
	}

	return nil
}

func stop() {
	metrics.Stop()
	tracing.Stop()
	srv.Stop()
}
