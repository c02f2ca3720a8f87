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

package ovmf

import (
	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// MaterialGuestPhysicalRegion represents the memory contents for a region of a guest VM's memory.
type MaterialGuestPhysicalRegion struct {
	GPR memory.GuestPhysicalRegion
	// HostBuffer is the initial content. It is shorter than the region, or nil, when the rest of
	// the region starts zeroed.
	HostBuffer []byte
	// TDVFAttributes is a bitset of directives for the VMM.
	TDVFAttributes uint32
}

// PrivateRegions returns the regions' address ranges sorted by start address.
func PrivateRegions(regions []*MaterialGuestPhysicalRegion) []memory.GuestPhysicalRegion {
	result := make([]memory.GuestPhysicalRegion, 0, len(regions))
	for _, r := range regions {
		result = append(result, r.GPR)
	}
	slices.SortFunc(result, memory.Compare)
	return result
}

// Populate writes each region's contents into guest memory the way a VMM adds pages to a guest
// before its first instruction. Memory outside the host buffers is zeroed.
func Populate(mem memory.Memory, regions []*MaterialGuestPhysicalRegion) error {
	for _, r := range regions {
		if uint64(len(r.HostBuffer)) > r.GPR.Length {
			return errors.Errorf("region %v has 0x%x bytes of content", r.GPR, len(r.HostBuffer))
		}
		if err := memory.Write(mem, r.GPR.Start, r.HostBuffer); err != nil {
			return errors.Wrapf(err, "populate %v", r.GPR)
		}
		rest := memory.Range(r.GPR.Start+abi.EFIPhysicalAddress(len(r.HostBuffer)), r.GPR.End())
		if err := memory.Zero(mem, rest); err != nil {
			return errors.Wrapf(err, "populate %v", r.GPR)
		}
		logger.V(2).Infof("Populated %v with 0x%x bytes, attributes 0x%x", r.GPR, len(r.HostBuffer), r.TDVFAttributes)
	}
	return nil
}
