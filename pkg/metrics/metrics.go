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
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/virtmm/memkit/pkg/log"
)

// our logger instance
var log = logger.Get("metrics")

// Namespace is the common prefix of our metric names.
const Namespace = "memkit"

// DefaultName is the name of the default group, an alias for "".
const DefaultName = "default"

// Collector is a registered prometheus.Collector.
type Collector struct {
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	prefixed  bool
}

// CollectorOption is an option for a registered collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables name prefixing for a collector. Standard
// runtime collectors use this so their well-known names stay intact.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.prefixed = false
	}
}

// RegisterOption is an option for Register.
type RegisterOption func(*register)

type register struct {
	group   string
	options []CollectorOption
}

// WithGroup registers the collector into the given group.
func WithGroup(group string) RegisterOption {
	return func(r *register) {
		r.group = group
	}
}

// WithCollectorOptions passes collector options through Register.
func WithCollectorOptions(options ...CollectorOption) RegisterOption {
	return func(r *register) {
		r.options = append(r.options, options...)
	}
}

type registry struct {
	sync.Mutex
	collectors map[string]*Collector
	enabled    []string
	registered *prometheus.Registry
	stale      bool
}

var reg = &registry{
	collectors: map[string]*Collector{},
	registered: prometheus.NewRegistry(),
}

// Register registers a named prometheus collector.
func Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	r := &register{}
	for _, o := range options {
		o(r)
	}

	c := &Collector{
		collector: collector,
		name:      name,
		group:     r.group,
		prefixed:  true,
	}
	for _, o := range r.options {
		o(c)
	}

	reg.Lock()
	defer reg.Unlock()

	id := c.id()
	if _, ok := reg.collectors[id]; ok {
		return fmt.Errorf("metrics: collector %q already registered", id)
	}
	reg.collectors[id] = c
	reg.stale = true

	log.Debug("registered collector %q", id)
	return nil
}

// id returns the group-qualified collector name.
func (c *Collector) id() string {
	if c.group == "" || c.group == DefaultName {
		return c.name
	}
	return c.group + "/" + c.name
}

// Configure sets the enabled collectors by glob patterns matched against
// group-qualified names. Nil enables the default set: everything.
func Configure(enabled []string) {
	reg.Lock()
	defer reg.Unlock()

	reg.enabled = enabled
	reg.stale = true
}

// IsEnabled returns true if the named collector is currently enabled.
func IsEnabled(group, name string) bool {
	reg.Lock()
	defer reg.Unlock()
	return reg.isEnabled((&Collector{group: group, name: name}).id())
}

func (r *registry) isEnabled(id string) bool {
	if r.enabled == nil {
		return true
	}
	for _, pattern := range r.enabled {
		if ok, _ := path.Match(pattern, id); ok {
			return true
		}
		// allow enabling a whole group by its bare name
		if !strings.Contains(pattern, "/") && strings.HasPrefix(id, pattern+"/") {
			return true
		}
	}
	return false
}

// Gatherer returns a prometheus gatherer serving the enabled collectors.
func Gatherer() prometheus.Gatherer {
	reg.Lock()
	defer reg.Unlock()

	reg.refresh()
	return reg.registered
}

// refresh rebuilds the backing prometheus registry when the enabled set
// or the collector set changed. Caller holds the lock.
func (r *registry) refresh() {
	if !r.stale {
		return
	}

	r.registered = prometheus.NewRegistry()
	prefixed := prometheus.WrapRegistererWithPrefix(Namespace+"_", r.registered)

	for id, c := range r.collectors {
		c.enabled = r.isEnabled(id)
		if !c.enabled {
			continue
		}

		var err error
		if c.prefixed {
			err = prefixed.Register(c.collector)
		} else {
			err = r.registered.Register(c.collector)
		}
		if err != nil {
			log.Error("failed to register collector %q: %v", id, err)
		}
	}
	r.stale = false
}

// Gather collects the enabled metrics as metric families.
func Gather() ([]*model.MetricFamily, error) {
	return Gatherer().Gather()
}
