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

// Package cpu abstracts the processor operations the boot path needs and provides an emulated
// processor that records them.
package cpu

import (
	"errors"
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
)

// CPU is the boot processor.
type CPU interface {
	// WriteCR3 loads the page table root.
	WriteCR3(root abi.EFIPhysicalAddress)
	// InvalidateInstructionCache discards cached instructions for a range of memory.
	InvalidateInstructionCache(base abi.EFIPhysicalAddress, length uint64)
	// SwitchStack jumps to entry with arg as the only argument and stackTop as the stack pointer.
	// It does not return.
	SwitchStack(entry abi.EFIPhysicalAddress, arg uint64, stackTop abi.EFIPhysicalAddress)
	// DeadLoop reports err and stops the processor. It does not return.
	DeadLoop(err error)
}

var (
	// ErrHalted is wrapped by the error of a halted emulated processor.
	ErrHalted = errors.New("processor halted")
	// ErrNoHandoff is returned when an emulated run ends without a control transfer.
	ErrNoHandoff = errors.New("run ended without a control transfer")
)

// Handoff is a control transfer made by an emulated processor.
type Handoff struct {
	Entry    abi.EFIPhysicalAddress
	Arg      uint64
	StackTop abi.EFIPhysicalAddress
	// CR3 is the page table root at the time of the transfer, 0 when paging was never set up.
	CR3 abi.EFIPhysicalAddress
}

type halt struct {
	err error
}

// Emulated records processor operations. SwitchStack and DeadLoop unwind to Run.
type Emulated struct {
	CR3         abi.EFIPhysicalAddress
	Invalidated []memory.GuestPhysicalRegion
}

// WriteCR3 implements CPU.
func (e *Emulated) WriteCR3(root abi.EFIPhysicalAddress) {
	e.CR3 = root
}

// InvalidateInstructionCache implements CPU.
func (e *Emulated) InvalidateInstructionCache(base abi.EFIPhysicalAddress, length uint64) {
	e.Invalidated = append(e.Invalidated, memory.GuestPhysicalRegion{Start: base, Length: length})
}

// SwitchStack implements CPU.
func (e *Emulated) SwitchStack(entry abi.EFIPhysicalAddress, arg uint64, stackTop abi.EFIPhysicalAddress) {
	panic(&Handoff{Entry: entry, Arg: arg, StackTop: stackTop, CR3: e.CR3})
}

// DeadLoop implements CPU.
func (e *Emulated) DeadLoop(err error) {
	logger.Errorf("CpuDeadLoop: %v", err)
	panic(halt{err})
}

// Run calls fn, which is expected to end in SwitchStack or DeadLoop, and returns the control
// transfer or the reason the processor halted.
func (e *Emulated) Run(fn func() error) (handoff *Handoff, err error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case *Handoff:
			handoff, err = r, nil
		case halt:
			handoff, err = nil, fmt.Errorf("%w: %w", ErrHalted, r.err)
		default:
			panic(r)
		}
	}()
	if err := fn(); err != nil {
		return nil, err
	}
	return nil, ErrNoHandoff
}
