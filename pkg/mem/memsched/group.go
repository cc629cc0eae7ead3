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

package memsched

import (
	"fmt"
)

// RootGroupName is the name of the root admission group.
const RootGroupName = "host"

// Group is one node of the hierarchical admission tree. A group's
// effective reservation (baseEMin, baseEMax) is the sum over its clients
// and child groups, clamped by its own limits; admission succeeds when
// the recomputed root reservation still fits the schedulable pool.
type Group struct {
	name     string
	parent   *Group
	children []*Group
	clients  []*Client

	// limits cap the subtree reservation; zero means unlimited
	limitMin uint64
	limitMax uint64

	// effective subtree reservation, recomputed bottom-up
	baseEMin uint64
	baseEMax uint64
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// reservedMin returns the subtree's guaranteed-page demand before limits.
func (g *Group) reservedMin() uint64 {
	total := uint64(0)
	for _, c := range g.clients {
		total += c.size.Min + c.usage.Overhead
	}
	for _, child := range g.children {
		total += child.baseEMin
	}
	return total
}

// reservedMax returns the subtree's maximum-page demand before limits.
func (g *Group) reservedMax() uint64 {
	total := uint64(0)
	for _, c := range g.clients {
		total += c.size.Max + c.usage.Overhead
	}
	for _, child := range g.children {
		total += child.baseEMax
	}
	return total
}

// recompute refreshes the effective reservations from this group up to
// the root. Limits clamp, they never inflate.
func (g *Group) recompute() {
	for node := g; node != nil; node = node.parent {
		emin, emax := node.reservedMin(), node.reservedMax()
		if node.limitMin != 0 && emin > node.limitMin {
			emin = node.limitMin
		}
		if node.limitMax != 0 && emax > node.limitMax {
			emax = node.limitMax
		}
		node.baseEMin, node.baseEMax = emin, emax
	}
}

// checkLimits verifies that no group on the path to the root exceeds its
// configured limits with the current (tentative) memberships.
func (g *Group) checkLimits() error {
	for node := g; node != nil; node = node.parent {
		if node.limitMin != 0 && node.reservedMin() > node.limitMin {
			return fmt.Errorf("%w: group %q min reservation %d over limit %d",
				ErrAdmission, node.name, node.reservedMin(), node.limitMin)
		}
	}
	return nil
}

// addClient links a client into the group.
func (g *Group) addClient(c *Client) {
	g.clients = append(g.clients, c)
	c.group = g
}

// removeClient unlinks a client from the group.
func (g *Group) removeClient(c *Client) {
	for i, cand := range g.clients {
		if cand == c {
			g.clients = append(g.clients[:i], g.clients[i+1:]...)
			break
		}
	}
	c.group = nil
}

// NewGroup creates a child admission group under the named parent.
func (s *MemSched) NewGroup(parent, name string, limitMin, limitMax uint64) (*Group, error) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.groups[name]; ok {
		return nil, fmt.Errorf("%w: group %q", ErrAlreadyExists, name)
	}
	p, ok := s.groups[parent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, parent)
	}

	g := &Group{
		name:     name,
		parent:   p,
		limitMin: limitMin,
		limitMax: limitMax,
	}
	p.children = append(p.children, g)
	s.groups[name] = g
	g.recompute()

	return g, nil
}

// DeleteGroup removes an empty admission group.
func (s *MemSched) DeleteGroup(name string) error {
	s.Lock()
	defer s.Unlock()

	g, ok := s.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	if g.parent == nil {
		return fmt.Errorf("%w: cannot delete the root group", ErrUnknownGroup)
	}
	if len(g.clients) != 0 || len(g.children) != 0 {
		return fmt.Errorf("%w: group %q not empty", ErrAdmission, name)
	}

	p := g.parent
	for i, child := range p.children {
		if child == g {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	delete(s.groups, name)
	p.recompute()

	return nil
}
