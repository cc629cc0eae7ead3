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

package page

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

type (
	// NodeID is the ID of one NUMA node.
	NodeID = int
	// NodeMask represents a set of NUMA node IDs as a bit mask.
	NodeMask uint64
)

const (
	// MaxNodeID is the maximum node ID that can be stored in a NodeMask.
	MaxNodeID = 63
	// AnyNode requests allocation from whatever node the policy picks.
	AnyNode = NodeID(-1)
)

// NewNodeMask returns a NodeMask with the given ids.
func NewNodeMask(ids ...NodeID) NodeMask {
	return NodeMask(0).Set(ids...)
}

// ParseNodeMask parses the given string representation of a NodeMask.
func ParseNodeMask(str string) (NodeMask, error) {
	m := NodeMask(0)
	for _, s := range strings.Split(str, ",") {
		switch minmax := strings.SplitN(s, "-", 2); len(minmax) {
		case 2:
			beg, err := strconv.ParseInt(minmax[0], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("%w: failed to parse node mask %q: %w",
					ErrInvalidNodeMask, str, err)
			}
			end, err := strconv.ParseInt(minmax[1], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("%w: failed to parse node mask %q: %w",
					ErrInvalidNodeMask, str, err)
			}
			if end < beg {
				return 0, fmt.Errorf("%w: invalid range (%d - %d) in node mask %q",
					ErrInvalidNodeMask, beg, end, str)
			}
			for id := beg; id <= end; id++ {
				if id > MaxNodeID {
					return 0, fmt.Errorf("%w: invalid node ID in mask %q (range %d-%d)",
						ErrInvalidNodeMask, str, beg, end)
				}
				m |= (1 << id)
			}
		case 1:
			id, err := strconv.ParseInt(minmax[0], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("%w: failed to parse node mask %q: %w",
					ErrInvalidNodeMask, str, err)
			}
			if id > MaxNodeID {
				return 0, fmt.Errorf("%w: invalid node ID (%d) in mask %q",
					ErrInvalidNodeMask, id, str)
			}
			m |= (1 << id)
		default:
			return 0, fmt.Errorf("%w: failed to parse node mask %q", ErrInvalidNodeMask, str)
		}
	}
	return m, nil
}

// MustParseNodeMask parses the given string representation of a NodeMask.
// It panicks on failure.
func MustParseNodeMask(str string) NodeMask {
	m, err := ParseNodeMask(str)
	if err == nil {
		return m
	}

	panic(err)
}

// Slice returns the node IDs stored in the NodeMask as a slice in increasing order.
func (m NodeMask) Slice() []NodeID {
	var ids []NodeID
	m.Foreach(func(id NodeID) bool {
		ids = append(ids, id)
		return ForeachMore
	})
	return ids
}

// Set returns a NodeMask with both the original and the given IDs added.
func (m NodeMask) Set(ids ...NodeID) NodeMask {
	for _, id := range ids {
		m |= (1 << id)
	}
	return m
}

// Clear returns a NodeMask with the given IDs removed.
func (m NodeMask) Clear(ids ...NodeID) NodeMask {
	for _, id := range ids {
		m &^= (1 << id)
	}
	return m
}

// Contains returns true if all the given IDs are present in the NodeMask.
func (m NodeMask) Contains(ids ...NodeID) bool {
	for _, id := range ids {
		if (m & (1 << id)) == 0 {
			return false
		}
	}
	return true
}

// ContainsAny returns true if any of the given IDs are present in the NodeMask.
func (m NodeMask) ContainsAny(ids ...NodeID) bool {
	for _, id := range ids {
		if (m & (1 << id)) != 0 {
			return true
		}
	}
	return false
}

// And returns a NodeMask with all IDs which are present in both NodeMasks.
func (m NodeMask) And(o NodeMask) NodeMask {
	return m & o
}

// Or returns a NodeMask with all IDs which are present at least in one of the NodeMasks.
func (m NodeMask) Or(o NodeMask) NodeMask {
	return m | o
}

// AndNot returns a NodeMask with all IDs which are present in m but not in o.
func (m NodeMask) AndNot(o NodeMask) NodeMask {
	return m &^ o
}

// Size returns the number of IDs present in the NodeMask.
func (m NodeMask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// String returns a string representation of the NodeMask.
func (m NodeMask) String() string {
	b := strings.Builder{}
	b.WriteString("nodes{")
	b.WriteString(m.RangeString())
	b.WriteString("}")

	return b.String()
}

// RangeString returns a compact a,b-c style string representation of the
// NodeMask.
func (m NodeMask) RangeString() string {
	var (
		b         = strings.Builder{}
		sep       = ""
		beg       = -1
		end       = -1
		dumpRange = func() {
			switch {
			case beg < 0:
			case beg == end:
				b.WriteString(sep)
				b.WriteString(strconv.Itoa(beg))
				sep = ","
			case beg <= end-1:
				b.WriteString(sep)
				b.WriteString(strconv.Itoa(beg))
				b.WriteString("-")
				b.WriteString(strconv.Itoa(end))
				sep = ","
			}
		}
	)

	m.Foreach(func(id NodeID) bool {
		switch {
		case beg < 0:
			beg, end = id, id
		case beg >= 0 && id == end+1:
			end = id
		default:
			dumpRange()
			beg, end = id, id
		}
		return ForeachMore
	})

	dumpRange()

	return b.String()
}

// Foreach calls the given function for each ID set in the NodeMask until
// the function returns false, or ForeachDone. Iteration continues if the
// returned value is true, or ForeachMore.
func (m NodeMask) Foreach(fn func(NodeID) bool) {
	for b := 0; m != 0; b, m = b+8, m>>8 {
		if m&0xff != 0 {
			for bit := 0; bit < 8; bit++ {
				if m&(1<<bit) != 0 {
					if !fn(b + bit) {
						return
					}
				}
			}
		}
	}
}

// MarshalJSON is the json.Marshaller for NodeMask.
func (m NodeMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.RangeString())
}

// UnmarshalJSON is the json.Unmarshaller for NodeMask.
func (m *NodeMask) UnmarshalJSON(data []byte) error {
	i := uint64(0)
	if err := json.Unmarshal(data, &i); err == nil {
		*m = NodeMask(i)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNodeMask, err)
	}

	parsed, err := ParseNodeMask(str)
	if err != nil {
		return err
	}

	*m = parsed
	return nil
}
