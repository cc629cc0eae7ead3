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

package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	model "github.com/prometheus/client_model/go"
)

// bridge periodically republishes the gathered prometheus metrics
// through an OpenTelemetry meter, for OTLP export paths. Every sample is
// recorded as a gauge; OTLP-side aggregation handles counters well
// enough for our monotonic diagnostics.
type bridge struct {
	sync.Mutex
	meter  otelmetric.Meter
	gauges map[string]otelmetric.Float64Gauge
	period time.Duration
	stop   chan struct{}
	done   chan struct{}
}

var otelBridge *bridge

// SetProvider starts or stops bridging metrics to the given provider.
func SetProvider(provider *sdkmetric.MeterProvider, period time.Duration) {
	if otelBridge != nil {
		close(otelBridge.stop)
		<-otelBridge.done
		otelBridge = nil
	}
	if provider == nil {
		return
	}
	if period <= 0 {
		period = 30 * time.Second
	}

	b := &bridge{
		meter:  provider.Meter(Namespace),
		gauges: map[string]otelmetric.Float64Gauge{},
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	otelBridge = b
	go b.run()
}

func (b *bridge) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.republish()
		}
	}
}

// republish gathers the enabled metrics and records them.
func (b *bridge) republish() {
	families, err := Gather()
	if err != nil {
		log.Error("failed to gather metrics for OTLP bridge: %v", err)
		return
	}

	ctx := context.Background()
	for _, mf := range families {
		gauge, err := b.gaugeFor(mf)
		if err != nil {
			log.Error("failed to create instrument %q: %v", mf.GetName(), err)
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := sampleValue(mf.GetType(), m)
			if !ok {
				continue
			}
			gauge.Record(ctx, value, otelmetric.WithAttributes(labelAttrs(m)...))
		}
	}
}

// gaugeFor returns (creating on first use) the instrument for a family.
func (b *bridge) gaugeFor(mf *model.MetricFamily) (otelmetric.Float64Gauge, error) {
	b.Lock()
	defer b.Unlock()

	name := mf.GetName()
	if g, ok := b.gauges[name]; ok {
		return g, nil
	}
	g, err := b.meter.Float64Gauge(name, otelmetric.WithDescription(mf.GetHelp()))
	if err != nil {
		return nil, err
	}
	b.gauges[name] = g
	return g, nil
}

// sampleValue extracts the scalar sample of one metric, if it has one.
func sampleValue(t model.MetricType, m *model.Metric) (float64, bool) {
	switch t {
	case model.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case model.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case model.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	}
	return 0, false
}

// labelAttrs converts prometheus labels to otel attributes.
func labelAttrs(m *model.Metric) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		attrs = append(attrs, attribute.String(lp.GetName(), lp.GetValue()))
	}
	return attrs
}
