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

package ipl

import (
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/eventlog"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/tdx"
)

// SelectPool picks the memory the new HOB list is built in: the largest system memory range that
// ends at or below 4GiB, the first one winning ties. When every range lies above 4GiB the largest
// of them is used. A pool starting at address 0 loses its first page.
func SelectPool(resources []*hob.ResourceDescriptor) (memory.GuestPhysicalRegion, error) {
	var low, largest memory.GuestPhysicalRegion
	for _, r := range resources {
		gpr := r.Region()
		if r.ResourceType != abi.EFIResourceSystemMemory || gpr.Empty() {
			continue
		}
		if gpr.Below4GiB() && gpr.Length > low.Length {
			low = gpr
		}
		if gpr.Length > largest.Length {
			largest = gpr
		}
	}
	pool := low
	if pool.Empty() {
		if largest.Empty() {
			return memory.GuestPhysicalRegion{}, ErrNoSystemMemory
		}
		logger.Warningf("No system memory below 4GiB, using %v", largest)
		pool = largest
	}
	if pool.Start == 0 {
		pool.Start += memory.PageSize
		pool.Length -= min(pool.Length, memory.PageSize)
	}
	if pool.Empty() {
		return memory.GuestPhysicalRegion{}, fmt.Errorf("pool is only page 0: %w", ErrNoSystemMemory)
	}
	return pool, nil
}

func checkResources(resources []*hob.ResourceDescriptor) error {
	for _, r := range resources {
		if r.PhysicalStart+abi.EFIPhysicalAddress(r.ResourceLength) < r.PhysicalStart {
			return fmt.Errorf("resource at offset 0x%x wraps the address space: %w", r.Offset(), hob.ErrCorrupted)
		}
	}
	return nil
}

// ProcessInput reads the hypervisor's HOB list at addr, accepts every system memory range it
// describes and builds the new HOB list in the pool. Nothing outside the list itself is touched
// before it is accepted.
func (c *Context) ProcessInput(addr abi.EFIPhysicalAddress) error {
	if err := c.require(Uninitialized); err != nil {
		return err
	}
	limit := c.InputLimit
	if limit == 0 {
		limit = DefaultInputLimit
	}
	raw, err := hob.ReadList(c.Memory, addr, limit)
	if err != nil {
		return fmt.Errorf("read HOB list at 0x%x: %w", uint64(addr), err)
	}
	input, err := hob.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode HOB list at 0x%x: %w", uint64(addr), err)
	}
	resources := hob.Select[*hob.ResourceDescriptor](input.Records)
	if err := checkResources(resources); err != nil {
		return err
	}
	c.inputAddr, c.input = addr, input
	if err := c.advance(Uninitialized, HobReceived); err != nil {
		return err
	}

	for _, r := range resources {
		logger.V(1).Infof("ResourceType: 0x%x", uint32(r.ResourceType))
		if r.ResourceType != abi.EFIResourceSystemMemory {
			continue
		}
		logger.V(1).Infof("ResourceAttribute: 0x%x PhysicalStart: 0x%x ResourceLength: 0x%x Owner: %v",
			uint32(r.ResourceAttribute), uint64(r.PhysicalStart), r.ResourceLength, r.Owner)
		if err := c.Acceptor.AcceptRange(r.PhysicalStart, r.Region().End()); err != nil {
			return fmt.Errorf("accept system memory %v: %w", r.Region(), err)
		}
	}
	if err := c.advance(HobReceived, MemoryAccepted); err != nil {
		return err
	}

	pool, err := SelectPool(resources)
	if err != nil {
		return err
	}
	list, err := hob.Construct(c.Memory, pool.Start, pool.Length, pool.Start, pool.End())
	if err != nil {
		return fmt.Errorf("construct HOB list in %v: %w", pool, err)
	}
	c.pool, c.list = pool, list
	return c.advance(MemoryAccepted, PoolEstablished)
}

// TransferInput copies the resource descriptors and memory allocations of the hypervisor's list
// into the new list. Accepted system memory below 4GiB is marked encrypted. A processor HOB with the
// guest physical address width and, when configured, the boot firmware volume are added after
// them.
func (c *Context) TransferInput() error {
	if err := c.require(PoolEstablished); err != nil {
		return err
	}
	for _, record := range c.input.Records {
		switch r := record.(type) {
		case *hob.ResourceDescriptor:
			attributes := r.ResourceAttribute
			if r.ResourceType == abi.EFIResourceSystemMemory && r.Region().Below4GiB() {
				attributes |= abi.EFIResourceAttributeEncrypted
			}
			if err := c.list.BuildResourceDescriptor(r.ResourceType, attributes, r.PhysicalStart, r.ResourceLength); err != nil {
				return fmt.Errorf("transfer resource descriptor at offset 0x%x: %w", r.Offset(), err)
			}
		case *hob.MemoryAllocation:
			d := r.AllocDescriptor
			if err := c.list.BuildMemoryAllocation(d.MemoryBaseAddress, d.MemoryLength, d.MemoryType); err != nil {
				return fmt.Errorf("transfer memory allocation at offset 0x%x: %w", r.Offset(), err)
			}
		}
	}
	width, err := tdx.GuestPhysicalAddressWidth(c.Acceptor.Gateway)
	if err != nil {
		return err
	}
	if err := c.list.BuildCPU(width, 16); err != nil {
		return err
	}
	if !c.BootFirmwareVolume.Empty() {
		if err := c.list.BuildFirmwareVolume(c.BootFirmwareVolume.Start, c.BootFirmwareVolume.Length); err != nil {
			return err
		}
	}
	if records, err := c.list.Records(); err == nil {
		hob.LogRecords(c.list.Address(), records)
	}
	return nil
}

// LogInput reports the hypervisor's HOB list to the measurement sink. The measured bytes run from
// the list's start up to its end record.
func (c *Context) LogInput() error {
	if c.input == nil {
		return fmt.Errorf("no HOB list received: %w", ErrBadTransition)
	}
	if c.Sink == nil {
		logger.V(1).Info("No measurement sink, HOB list not measured")
		return nil
	}
	e, err := eventlog.HandoffTablesEvent(memory.GuestPhysicalRegion{Start: c.inputAddr, Length: c.input.Size})
	if err != nil {
		return err
	}
	return c.Sink.Measure(e)
}
