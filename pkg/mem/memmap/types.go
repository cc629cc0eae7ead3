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

package memmap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/virtmm/memkit/pkg/mem/page"
)

// MemType selects which memory pool an allocation may come from.
type MemType int

const (
	// TypeAny lets the policy pick low or high memory.
	TypeAny MemType = iota
	// TypeHigh restricts the allocation to pages above the 4GB boundary.
	TypeHigh
	// TypeLow restricts the allocation to pages below the 4GB boundary,
	// excluding the reserved-low pool.
	TypeLow
	// TypeLowReserved allows dipping into the reserved-low pool. Only
	// DMA-constrained callers ask for this.
	TypeLowReserved
)

// AnyColor requests whatever cache color the policy picks next.
const AnyColor = -1

var (
	typeToString = map[MemType]string{
		TypeAny:         "any",
		TypeHigh:        "high",
		TypeLow:         "low",
		TypeLowReserved: "lowreserved",
	}
	stringToType = map[string]MemType{
		"any":         TypeAny,
		"high":        TypeHigh,
		"low":         TypeLow,
		"lowreserved": TypeLowReserved,
	}
)

// ParseMemType parses the given string into a memory type.
func ParseMemType(str string) (MemType, error) {
	if t, ok := stringToType[strings.ToLower(str)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidType, str)
}

// IsValid returns true if the memory type is known.
func (t MemType) IsValid() bool {
	_, ok := typeToString[t]
	return ok
}

// String returns a string representation of the memory type.
func (t MemType) String() string {
	if str, ok := typeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memmap:Bad-Type %d)", int(t))
}

// MarshalJSON is the json.Marshaller for MemType.
func (t MemType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON is the json.Unmarshaller for MemType.
func (t *MemType) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidType, err)
	}
	parsed, err := ParseMemType(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PolicyInput is one allocation request as seen by the placement policy.
// It is stateless per call and never persisted.
type PolicyInput struct {
	// World is the owner of the allocation.
	World page.WorldID
	// PPN is the guest physical page being backed, or invalid for
	// overhead allocations.
	PPN page.PPN
	// NumPages is the number of physically contiguous pages wanted.
	NumPages uint64
	// NodeMask restricts candidate nodes. Zero means all valid nodes.
	NodeMask page.NodeMask
	// Color is the requested cache color, or AnyColor.
	Color int
	// Type is the requested memory type.
	Type MemType
	// UseAffinity applies the owner's node affinity, when it has one.
	UseAffinity bool
}

// String returns a diagnostic representation of the request.
func (in *PolicyInput) String() string {
	return fmt.Sprintf("req{world=%d,%s,n=%d,%s,color=%d,type=%s,aff=%v}",
		in.World, in.PPN, in.NumPages, in.NodeMask, in.Color, in.Type, in.UseAffinity)
}

// PolicyOutput is the result of one placement-policy run.
type PolicyOutput struct {
	// Node is the node the pages came from.
	Node page.NodeID
	// Color is the color of the first allocated page.
	Color int
	// Type is the pool the pages came from.
	Type MemType
	// MPN is the first allocated machine page.
	MPN page.MPN
	// Pages is the actual (power-of-two rounded) allocation size.
	Pages uint64
}
