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

// Package paging builds identity-mapped 4-level x86-64 page tables in guest memory.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
)

// Entry flags.
const (
	Present  = 1 << 0
	Writable = 1 << 1
	PageSize = 1 << 7 // 2MiB page when set in a PD entry
	NoExec   = 1 << 63
)

const (
	entries    = 512
	tableSize  = entries * 8
	size2MiB   = 1 << 21
	size1GiB   = 1 << 30
	maxMapped  = entries * size1GiB
	addrMask   = 0x000ffffffffff000
	large2Mask = 0x000fffffffe00000
)

// ErrNotMapped is returned when a translation reaches a non-present entry.
var ErrNotMapped = errors.New("address not mapped")

// Allocator provides the pages the tables live in.
type Allocator interface {
	AllocatePages(pages uint64) (abi.EFIPhysicalAddress, error)
}

// Options select what the tables map.
type Options struct {
	// Top is the end of the identity map. It is rounded up to 1GiB and defaults to 4GiB.
	Top abi.EFIPhysicalAddress
	// Stack is the hand-off stack. It is always mapped.
	Stack memory.GuestPhysicalRegion
	// NXStack marks the stack pages non-executable.
	NXStack bool
	// StackGuard leaves the lowest stack page unmapped.
	StackGuard bool
	// NullGuard leaves page 0 unmapped.
	NullGuard bool
}

// Tables describes built page tables.
type Tables struct {
	// Root is the value to load into CR3.
	Root abi.EFIPhysicalAddress
	// Region holds every table page.
	Region memory.GuestPhysicalRegion
	// Top is the end of the identity map.
	Top abi.EFIPhysicalAddress
}

type table [entries]uint64

func (t *table) bytes() []byte {
	data := make([]byte, tableSize)
	for i, e := range t {
		binary.LittleEndian.PutUint64(data[i*8:], e)
	}
	return data
}

// Build allocates and writes identity-mapped page tables: 2MiB pages everywhere, split into 4KiB
// pages around the stack when it needs its own permissions and around page 0 when it is guarded.
func Build(mem memory.Memory, alloc Allocator, opts Options) (*Tables, error) {
	top := opts.Top
	if top == 0 {
		top = memory.Base4GiB
	}
	top = max(top, opts.Stack.End())
	top = abi.EFIPhysicalAddress(abi.AlignUp(uint64(top), size1GiB))
	if top > maxMapped {
		return nil, fmt.Errorf("identity map top 0x%x exceeds one page directory pointer table", uint64(top))
	}
	gibs := uint64(top) / size1GiB
	var split []uint64
	if opts.NullGuard {
		split = append(split, 0)
	}
	if (opts.NXStack || opts.StackGuard) && !opts.Stack.Empty() {
		for slot := uint64(opts.Stack.Start) / size2MiB; slot*size2MiB < uint64(opts.Stack.End()); slot++ {
			if len(split) == 0 || split[len(split)-1] != slot {
				split = append(split, slot)
			}
		}
	}
	pages := 2 + gibs + uint64(len(split))
	base, err := alloc.AllocatePages(pages)
	if err != nil {
		return nil, fmt.Errorf("allocate 0x%x page table pages: %w", pages, err)
	}
	next := base
	take := func() abi.EFIPhysicalAddress {
		at := next
		next += tableSize
		return at
	}
	var pml4, pdpt table
	pml4Addr, pdptAddr := take(), take()
	pml4[0] = uint64(pdptAddr) | Present | Writable
	pds := make([]table, gibs)
	pdAddrs := make([]abi.EFIPhysicalAddress, gibs)
	for g := range pds {
		pdAddrs[g] = take()
		pdpt[g] = uint64(pdAddrs[g]) | Present | Writable
		for i := range pds[g] {
			pds[g][i] = uint64(g)*size1GiB | uint64(i)*size2MiB | Present | Writable | PageSize
		}
	}
	write := func(at abi.EFIPhysicalAddress, t *table) error {
		return memory.Write(mem, at, t.bytes())
	}
	guard := memory.GuestPhysicalRegion{Start: opts.Stack.Start, Length: memory.PageSize}
	for _, slot := range split {
		var pt table
		ptAddr := take()
		for i := range pt {
			page := memory.GuestPhysicalRegion{
				Start:  abi.EFIPhysicalAddress(slot*size2MiB + uint64(i)*memory.PageSize),
				Length: memory.PageSize,
			}
			pt[i] = uint64(page.Start) | Present | Writable
			if opts.NXStack && opts.Stack.Contains(page) {
				pt[i] |= NoExec
			}
			if (opts.StackGuard && page == guard) || (opts.NullGuard && page.Start == 0) {
				pt[i] &^= Present
			}
		}
		if err := write(ptAddr, &pt); err != nil {
			return nil, err
		}
		pds[slot/entries][slot%entries] = uint64(ptAddr) | Present | Writable
	}
	if err := write(pml4Addr, &pml4); err != nil {
		return nil, err
	}
	if err := write(pdptAddr, &pdpt); err != nil {
		return nil, err
	}
	for g := range pds {
		if err := write(pdAddrs[g], &pds[g]); err != nil {
			return nil, err
		}
	}
	logger.V(1).Infof("Page tables at 0x%x map [0, 0x%x) with %d split 2MiB pages", uint64(pml4Addr), uint64(top), len(split))
	return &Tables{
		Root:   pml4Addr,
		Region: memory.GuestPhysicalRegion{Start: base, Length: memory.PagesToSize(pages)},
		Top:    top,
	}, nil
}

// Translate walks the tables at root and returns the physical address and leaf entry for va.
func Translate(mem memory.Memory, root abi.EFIPhysicalAddress, va uint64) (abi.EFIPhysicalAddress, uint64, error) {
	at := uint64(root) & addrMask
	for level, shift := range []uint{39, 30, 21, 12} {
		entry, err := memory.ReadUint64(mem, abi.EFIPhysicalAddress(at+(va>>shift)%entries*8))
		if err != nil {
			return 0, 0, err
		}
		if entry&Present == 0 {
			return 0, entry, fmt.Errorf("%w: 0x%x at level %d", ErrNotMapped, va, 4-level)
		}
		if shift == 21 && entry&PageSize != 0 {
			return abi.EFIPhysicalAddress(entry&large2Mask | va%size2MiB), entry, nil
		}
		if shift == 12 {
			return abi.EFIPhysicalAddress(entry&addrMask | va%memory.PageSize), entry, nil
		}
		at = entry & addrMask
	}
	panic("unreachable")
}
