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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func testGauge(name string, value float64) prometheus.Collector {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "test gauge",
	})
	g.Set(value)
	return g
}

func gatherNames(t *testing.T) map[string]*model.MetricFamily {
	t.Helper()

	families, err := Gather()
	require.NoError(t, err)

	byName := map[string]*model.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func TestRegisterAndGather(t *testing.T) {
	Configure(nil)
	require.NoError(t, Register("free_pages", testGauge("free_pages", 42)))
	require.Error(t, Register("free_pages", testGauge("free_pages", 42)))

	byName := gatherNames(t)
	mf, ok := byName["memkit_free_pages"]
	require.True(t, ok)
	require.Equal(t, float64(42), mf.GetMetric()[0].GetGauge().GetValue())
}

func TestGroupsAndGlobs(t *testing.T) {
	require.NoError(t, Register("rounds", testGauge("rounds", 1),
		WithGroup("sched")))
	require.NoError(t, Register("frames", testGauge("frames", 2),
		WithGroup("share")))

	// Nil enables everything.
	Configure(nil)
	require.True(t, IsEnabled("sched", "rounds"))
	require.True(t, IsEnabled("share", "frames"))

	// A bare group name enables its whole group.
	Configure([]string{"sched"})
	require.True(t, IsEnabled("sched", "rounds"))
	require.False(t, IsEnabled("share", "frames"))

	byName := gatherNames(t)
	require.Contains(t, byName, "memkit_rounds")
	require.NotContains(t, byName, "memkit_frames")

	// Glob patterns match group-qualified names.
	Configure([]string{"*/frames"})
	require.False(t, IsEnabled("sched", "rounds"))
	require.True(t, IsEnabled("share", "frames"))

	Configure(nil)
}

func TestWithoutNamespace(t *testing.T) {
	Configure(nil)
	require.NoError(t, Register("plain", testGauge("plain_total", 7),
		WithCollectorOptions(WithoutNamespace())))

	byName := gatherNames(t)
	require.Contains(t, byName, "plain_total")
	require.NotContains(t, byName, "memkit_plain_total")
}
