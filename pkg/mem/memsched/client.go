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
	"time"

	"github.com/virtmm/memkit/pkg/mem/page"
)

// Kind distinguishes the two client flavors the scheduler manages.
type Kind int

const (
	// KindVM is a guest with a balloon driver and swappable pages.
	KindVM Kind = iota
	// KindUserworld is a management process: no balloon, its pinned
	// pages are counted once as part of its reservation.
	KindUserworld
)

// String returns a string representation of the client kind.
func (k Kind) String() string {
	if k == KindVM {
		return "vm"
	}
	return "userworld"
}

// MemSize holds the admission-time memory parameters of a client.
type MemSize struct {
	// Min is the number of pages the client is guaranteed.
	Min uint64 `json:"min"`
	// Max is the number of pages the client can ever use.
	Max uint64 `json:"max"`
	// Shares is the client's proportional-share weight.
	Shares uint64 `json:"shares"`
	// BalloonMax is the most pages the balloon driver may take back.
	// Zero for clients without a balloon.
	BalloonMax uint64 `json:"balloonMax"`
	// AutoMin marks Min as computed rather than configured. Admission
	// treats auto-min pages as reclaimable through swap when sizing up
	// guarantees for other clients.
	AutoMin bool `json:"autoMin"`
}

// Validate checks the parameters for internal consistency.
func (sz *MemSize) Validate() error {
	if sz.Max == 0 || sz.Min > sz.Max {
		return fmt.Errorf("%w: min %d, max %d", ErrInvalidSize, sz.Min, sz.Max)
	}
	if sz.BalloonMax > sz.Max {
		return fmt.Errorf("%w: balloon max %d > max %d", ErrInvalidSize, sz.BalloonMax, sz.Max)
	}
	return nil
}

// Usage is one sample of a client's memory consumption, reported by its
// driver. All counts are in pages.
type Usage struct {
	// Locked is the number of machine pages currently backing the client.
	Locked uint64
	// Mapped is the number of guest pages the client has touched ever.
	Mapped uint64
	// Swapped is the number of pages currently swapped out.
	Swapped uint64
	// Ballooned is the number of pages currently held by the balloon.
	Ballooned uint64
	// CowPages is the number of pages shared copy-on-write.
	CowPages uint64
	// ZeroPages is the number of CowPages backed by the zero page.
	ZeroPages uint64
	// TouchedPct is the sampled estimate of actively used memory, in
	// percent of the non-ballooned size.
	TouchedPct uint64
	// Overhead is the kernel overhead charged to the client.
	Overhead uint64
}

// Driver is the scheduler's handle to one client's enforcement
// mechanisms. Calls may block briefly but must not call back into the
// scheduler.
type Driver interface {
	// SampleUsage returns the client's current memory usage.
	SampleUsage() Usage
	// SetBalloonTarget asks the balloon driver to grow or shrink to the
	// given number of pages. Asynchronous and best effort.
	SetBalloonTarget(pages uint64)
	// StartSwap asks the client to swap out until its swap level reaches
	// target pages. The generation tags the request; a swap pass aborts
	// when the scheduler has moved on to a newer generation.
	StartSwap(target uint64, generation uint64)
}

// Client is one scheduled memory consumer.
type Client struct {
	world  page.WorldID
	name   string
	kind   Kind
	size   MemSize
	group  *Group
	driver Driver

	// latest usage sample and when it was taken
	usage    Usage
	sampled  time.Time
	responsive bool

	// derived per-round state
	shared      uint64
	touched     uint64
	pps         uint64
	adjustedMin uint64

	// scheduler outputs
	target        uint64
	alloc         uint64
	balloonTarget uint64
	swapTarget    uint64
}

// World returns the client's world ID.
func (c *Client) World() page.WorldID {
	return c.world
}

// Name returns the client's name.
func (c *Client) Name() string {
	return c.name
}

// Kind returns the client's kind.
func (c *Client) Kind() Kind {
	return c.kind
}

// Size returns the client's admission parameters.
func (c *Client) Size() MemSize {
	return c.size
}

// Target returns the client's current allocation target in pages.
func (c *Client) Target() uint64 {
	return c.target
}

// String returns a short identification of the client.
func (c *Client) String() string {
	return fmt.Sprintf("%s/%d(%s)", c.name, c.world, c.kind)
}

// dumpString returns the client's scheduling state for DumpState.
func (c *Client) dumpString() string {
	return fmt.Sprintf(
		"min=%d max=%d shares=%d locked=%d swapped=%d ballooned=%d "+
			"shared=%d touched=%d pps=%d target=%d alloc=%d "+
			"balloonTarget=%d swapTarget=%d responsive=%v",
		c.size.Min, c.size.Max, c.size.Shares,
		c.usage.Locked, c.usage.Swapped, c.usage.Ballooned,
		c.shared, c.touched, c.pps, c.target, c.alloc,
		c.balloonTarget, c.swapTarget, c.responsive)
}

// minTarget is the floor below which the client's target never drops.
// Reallocation scales it below the admitted guarantee while the client
// is unresponsive and the admitted guarantees no longer all fit.
func (c *Client) minTarget() uint64 {
	return c.adjustedMin
}

// maxTarget is the ceiling above which growing the target is pointless.
func (c *Client) maxTarget() uint64 {
	return c.size.Max
}

// snapshot derives the per-round estimates from the latest usage sample.
//
// Shared pages are charged at a discount: zero pages are nearly free and
// other copy-on-write pages are charged half, since on average two
// clients reference each. The touched estimate scales the sampled active
// percentage over the non-ballooned size. It is deliberately not capped
// at currently-backed pages: pages-per-share evaluates idle against a
// proposed target, so the estimate must stay comparable at targets above
// what the client holds today.
func (c *Client) snapshot(now time.Time, unresponsiveAfter time.Duration) {
	u := c.usage

	cow := u.CowPages
	zero := u.ZeroPages
	if zero > cow {
		zero = cow
	}
	c.shared = zero + (cow-zero)/2

	sz := uint64(0)
	if u.Ballooned < c.size.Max {
		sz = c.size.Max - u.Ballooned
	}
	c.touched = sz * u.TouchedPct / 100

	c.responsive = now.Sub(c.sampled) <= unresponsiveAfter
}
