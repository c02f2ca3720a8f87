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

// Package ipl is the initial program loader of the shim. It takes the hypervisor's HOB list,
// accepts guest memory, builds the HOB list for the next stage, then loads the next stage from the
// boot firmware volume and transfers control to it.
package ipl

import (
	"errors"
	"fmt"

	"github.com/google/tdshim/cpu"
	"github.com/google/tdshim/eventlog"
	"github.com/google/tdshim/fv"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/pecoff"
	"github.com/google/tdshim/tdx"
	"github.com/google/uuid"
	"golang.org/x/net/context"
)

const (
	// StackSize is the size of the stack the next stage starts on.
	StackSize = 0x20000
	// StackAlignment is the alignment of the initial stack pointer.
	StackAlignment = 16
	// DefaultInputLimit bounds the walk of the hypervisor's HOB list when no limit is configured.
	DefaultInputLimit = 0x10000
)

var (
	// ErrNoContext is returned when a function requires an ipl.Context that is missing from the
	// context.
	ErrNoContext = errors.New("no ipl context found")
	// ErrBadTransition is returned when an operation runs out of boot order.
	ErrBadTransition = errors.New("invalid boot state transition")
	// ErrNoSystemMemory is returned when the HOB list describes no usable system memory.
	ErrNoSystemMemory = errors.New("no system memory")
	// ErrReturned is returned when the next stage returns, which it must never do.
	ErrReturned = errors.New("next stage returned")
	// ErrConfig is returned for inconsistent boot options.
	ErrConfig = errors.New("invalid boot options")
)

// State is a step of the boot path. Steps are taken in order and never skipped.
type State int

// States in boot order.
const (
	Uninitialized State = iota
	HobReceived
	MemoryAccepted
	PoolEstablished
	VolumeSearched
	ImageLoaded
	ControlTransferred
)

var stateNames = [...]string{
	"Uninitialized",
	"HobReceived",
	"MemoryAccepted",
	"PoolEstablished",
	"VolumeSearched",
	"ImageLoaded",
	"ControlTransferred",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Options are the build-time choices of the boot path.
type Options struct {
	// BuildPageTables builds identity-mapped page tables for the next stage. Without them
	// SetNxForStack and CPUStackGuard must be off.
	BuildPageTables      bool
	SetNxForStack        bool
	CPUStackGuard        bool
	NullPointerDetection bool
	// FvInstance selects which firmware volume HOB holds the next stage.
	FvInstance int
	// PayloadName selects the next stage file by name instead of by the DXE core file type.
	PayloadName uuid.UUID
	// InputLimit bounds the walk of the hypervisor's HOB list. Zero means DefaultInputLimit.
	InputLimit uint64
	// BootFirmwareVolume is recorded as a firmware volume HOB for the next stage to search.
	BootFirmwareVolume memory.GuestPhysicalRegion
}

// Validate checks the option combinations the boot path relies on.
func (o *Options) Validate() error {
	if !o.BuildPageTables && (o.SetNxForStack || o.CPUStackGuard) {
		return fmt.Errorf("%w: stack protection requires page tables", ErrConfig)
	}
	if o.FvInstance < 0 {
		return fmt.Errorf("%w: firmware volume instance %d", ErrConfig, o.FvInstance)
	}
	return nil
}

// Context is the state of one boot. It is owned by the boot processor and is not safe for
// concurrent use.
type Context struct {
	Memory memory.Memory
	// Acceptor accepts memory ranges. Its Gateway also answers processor information requests.
	Acceptor *tdx.Engine
	CPU      cpu.CPU
	// Sink receives measurements. Measurement is skipped when nil.
	Sink eventlog.Sink
	Options

	state     State
	inputAddr abi.EFIPhysicalAddress
	input     *hob.Snapshot
	pool      memory.GuestPhysicalRegion
	list      *hob.List
	file      *fv.File
	image     *pecoff.Image
}

// State returns the last boot step reached.
func (c *Context) State() State {
	return c.state
}

// HobList returns the list built for the next stage, or nil before the pool is established.
func (c *Context) HobList() *hob.List {
	return c.list
}

// Pool returns the memory the next stage's HOB list and allocations live in.
func (c *Context) Pool() memory.GuestPhysicalRegion {
	return c.pool
}

// DxeCoreFile returns the file the next stage was loaded from, or nil before the volume is
// searched.
func (c *Context) DxeCoreFile() *fv.File {
	return c.file
}

// Image returns the loaded next stage, or nil before it is loaded.
func (c *Context) Image() *pecoff.Image {
	return c.image
}

func (c *Context) advance(from, to State) error {
	if c.state != from || to != from+1 {
		return fmt.Errorf("%w: %v -> %v in state %v", ErrBadTransition, from, to, c.state)
	}
	c.state = to
	return nil
}

func (c *Context) require(state State) error {
	if c.state != state {
		return fmt.Errorf("%w: need state %v, in %v", ErrBadTransition, state, c.state)
	}
	return nil
}

type iplKeyType struct{}

var iplKey iplKeyType

// NewContext returns the context extended with the given ipl.Context.
func NewContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, iplKey, c)
}

// FromContext returns the ipl.Context in the context or an error.
func FromContext(ctx context.Context) (*Context, error) {
	if c, ok := ctx.Value(iplKey).(*Context); ok {
		return c, nil
	}
	return nil, ErrNoContext
}
