// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
)

// Guarded wraps backing memory so that only accepted pages can be read or written. It stands in
// for the trap handler boundary: touching a page before acceptance is an error, never a silent
// read of host-controlled data.
type Guarded struct {
	backing  Memory
	accepted *RangeSet
}

// NewGuarded returns guarded memory over backing where the given regions are already private to
// the guest, such as the measured firmware and temporary memory the hypervisor added at build time.
func NewGuarded(backing Memory, private ...GuestPhysicalRegion) *Guarded {
	return &Guarded{backing: backing, accepted: NewRangeSet(private...)}
}

// Accept moves the page-aligned region into the trust boundary. Accepting a page twice is an
// error, as it is for the hardware.
func (g *Guarded) Accept(gpr GuestPhysicalRegion) error {
	if !gpr.PageAligned() {
		return fmt.Errorf("accept of unaligned region %v", gpr)
	}
	if g.accepted.Overlaps(gpr) {
		return fmt.Errorf("region %v already accepted", gpr)
	}
	g.accepted.Add(gpr)
	return nil
}

// Accepted reports whether every page of the region is accepted.
func (g *Guarded) Accepted(gpr GuestPhysicalRegion) bool {
	return g.accepted.Contains(gpr)
}

// AcceptedRegions returns the accepted address ranges.
func (g *Guarded) AcceptedRegions() []GuestPhysicalRegion {
	return g.accepted.Regions()
}

func (g *Guarded) check(n int, off int64) error {
	gpr := GuestPhysicalRegion{Start: abi.EFIPhysicalAddress(off), Length: uint64(n)}
	if !g.accepted.Contains(gpr) {
		return fmt.Errorf("%w: %v", ErrUnaccepted, g.accepted.Missing(gpr)[0])
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (g *Guarded) ReadAt(p []byte, off int64) (int, error) {
	if err := g.check(len(p), off); err != nil {
		return 0, err
	}
	return g.backing.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (g *Guarded) WriteAt(p []byte, off int64) (int, error) {
	if err := g.check(len(p), off); err != nil {
		return 0, err
	}
	return g.backing.WriteAt(p, off)
}
