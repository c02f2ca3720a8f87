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

package ipl_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/tdshim/cpu"
	"github.com/google/tdshim/eventlog"
	"github.com/google/tdshim/fv"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/ipl"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/paging"
	"github.com/google/tdshim/pecoff"
	"github.com/google/tdshim/tdx"
	"github.com/google/tdshim/testing/fakefv"
	"github.com/google/tdshim/testing/fakehob"
	"github.com/google/tdshim/testing/faketdx"
	"github.com/google/tdshim/testing/match"
	"github.com/google/uuid"
	"golang.org/x/net/context"
)

const (
	hobBase abi.EFIPhysicalAddress = 0x100000
	hobSize                        = 0x10000
	bfvBase abi.EFIPhysicalAddress = 0x200000
	memSize                        = 0x100200000
)

var dxeCoreName = uuid.MustParse("d6a2cb7f-6a18-4e2f-b43b-9920a733700a")

type env struct {
	mem  *memory.Guarded
	gw   *faketdx.Gateway
	cpu  *cpu.Emulated
	sink *eventlog.Recorder
	ctx  *ipl.Context
	bfv  memory.GuestPhysicalRegion
}

func dxeVolume() []byte {
	return (&fakefv.Volume{ErasePolarity: 1, Files: []fakefv.File{{
		Name:     dxeCoreName,
		Type:     abi.EFIFvFileTypeDXECore,
		Sections: []fakefv.Section{{Type: abi.EFISectionPE32, Body: fakefv.PE(fakefv.PEOptions{})}},
	}}}).Bytes()
}

// standardList describes low memory below the HOB region, a large range above the firmware and a
// small range above 4GiB.
func standardList() []byte {
	return fakehob.New(memSize).
		SystemMemory(0, 0x100000).
		Resource(abi.EFIResourceMemoryReserved, 0, hobBase, hobSize).
		Resource(abi.EFIResourceFirmwareDevice, 0, bfvBase, 0x200000).
		SystemMemory(0x400000, 0x1c00000).
		SystemMemory(0x100000000, 0x200000).
		Allocation(hobBase, hobSize, abi.EfiBootServicesData).
		Bytes()
}

func newEnv(t *testing.T, list, volume []byte, opts ipl.Options) *env {
	t.Helper()
	bfv := memory.GuestPhysicalRegion{Start: bfvBase, Length: uint64(len(volume))}
	mem := memory.NewGuarded(memory.NewSparse(memSize), memory.GuestPhysicalRegion{Start: hobBase, Length: hobSize}, bfv)
	if err := memory.Write(mem, hobBase, list); err != nil {
		t.Fatalf("Write(HOB list) = %v", err)
	}
	if err := memory.Write(mem, bfvBase, volume); err != nil {
		t.Fatalf("Write(volume) = %v", err)
	}
	if opts.BootFirmwareVolume.Empty() {
		opts.BootFirmwareVolume = bfv
	}
	e := &env{mem: mem, gw: faketdx.New(mem), cpu: &cpu.Emulated{}, sink: &eventlog.Recorder{}, bfv: bfv}
	e.ctx = &ipl.Context{
		Memory:   mem,
		Acceptor: &tdx.Engine{Gateway: e.gw, Memory: mem},
		CPU:      e.cpu,
		Sink:     e.sink,
		Options:  opts,
	}
	return e
}

func (e *env) boot() (*cpu.Handoff, error) {
	return e.cpu.Run(func() error { return e.ctx.Boot(hobBase) })
}

func resourceDescriptor(t abi.EFIResourceType, start abi.EFIPhysicalAddress, length uint64) *hob.ResourceDescriptor {
	return &hob.ResourceDescriptor{EFIHOBResourceDescriptor: abi.EFIHOBResourceDescriptor{
		ResourceType:   t,
		PhysicalStart:  start,
		ResourceLength: length,
	}}
}

func TestSelectPool(t *testing.T) {
	sys := abi.EFIResourceSystemMemory
	tcs := []struct {
		name      string
		resources []*hob.ResourceDescriptor
		want      memory.GuestPhysicalRegion
		wantErr   error
	}{
		{
			name:      "page 0 is skipped",
			resources: []*hob.ResourceDescriptor{resourceDescriptor(sys, 0, 0x100000)},
			want:      memory.GuestPhysicalRegion{Start: 0x1000, Length: 0xff000},
		},
		{
			name: "largest below 4GiB",
			resources: []*hob.ResourceDescriptor{
				resourceDescriptor(sys, 0, 0x80000),
				resourceDescriptor(sys, 0x100000, 0x7ff00000),
				resourceDescriptor(sys, 0x100000000, 0x100000000),
				resourceDescriptor(abi.EFIResourceMemoryReserved, 0x80000000, 0x80000000),
			},
			want: memory.GuestPhysicalRegion{Start: 0x100000, Length: 0x7ff00000},
		},
		{
			name: "first wins a tie",
			resources: []*hob.ResourceDescriptor{
				resourceDescriptor(sys, 0x200000, 0x100000),
				resourceDescriptor(sys, 0x400000, 0x100000),
			},
			want: memory.GuestPhysicalRegion{Start: 0x200000, Length: 0x100000},
		},
		{
			name: "ending exactly at 4GiB is low",
			resources: []*hob.ResourceDescriptor{
				resourceDescriptor(sys, 0xc0000000, 0x40000000),
				resourceDescriptor(sys, 0x100000000, 0x200000000),
			},
			want: memory.GuestPhysicalRegion{Start: 0xc0000000, Length: 0x40000000},
		},
		{
			name: "falls back to the largest above 4GiB",
			resources: []*hob.ResourceDescriptor{
				resourceDescriptor(sys, 0x100000000, 0x1000000),
				resourceDescriptor(sys, 0x200000000, 0x2000000),
				resourceDescriptor(sys, 0xfff00000, 0x200000),
			},
			want: memory.GuestPhysicalRegion{Start: 0x200000000, Length: 0x2000000},
		},
		{
			name: "zero length contributes nothing",
			resources: []*hob.ResourceDescriptor{
				resourceDescriptor(sys, 0x100000, 0),
			},
			wantErr: ipl.ErrNoSystemMemory,
		},
		{
			name:      "only page 0",
			resources: []*hob.ResourceDescriptor{resourceDescriptor(sys, 0, 0x1000)},
			wantErr:   ipl.ErrNoSystemMemory,
		},
		{
			name:      "no system memory",
			resources: []*hob.ResourceDescriptor{resourceDescriptor(abi.EFIResourceMemoryMappedIO, 0, 0x1000)},
			wantErr:   ipl.ErrNoSystemMemory,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ipl.SelectPool(tc.resources)
			if !match.ErrorIs(err, tc.wantErr) {
				t.Fatalf("SelectPool() = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("SelectPool() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProcessInputLowMemoryOnly(t *testing.T) {
	list := fakehob.New(0x100000).SystemMemory(0, 0x100000).Bytes()
	e := newEnv(t, list, dxeVolume(), ipl.Options{})
	if err := e.ctx.ProcessInput(hobBase); err != nil {
		t.Fatalf("ProcessInput() = %v", err)
	}
	want := memory.GuestPhysicalRegion{Start: 0x1000, Length: 0xff000}
	if got := e.ctx.Pool(); got != want {
		t.Errorf("Pool() = %v, want %v", got, want)
	}
	if got := e.ctx.HobList().Address(); got != 0x1000 {
		t.Errorf("HobList().Address() = 0x%x, want 0x1000", uint64(got))
	}
	if diff := cmp.Diff(e.gw.Accepted(), []memory.GuestPhysicalRegion{{Start: 0, Length: 0x100000}}); diff != "" {
		t.Errorf("accepted diff (-got +want): %s", diff)
	}
	if e.ctx.State() != ipl.PoolEstablished {
		t.Errorf("State() = %v, want PoolEstablished", e.ctx.State())
	}
}

func TestTransferInput(t *testing.T) {
	e := newEnv(t, standardList(), dxeVolume(), ipl.Options{})
	if err := e.ctx.ProcessInput(hobBase); err != nil {
		t.Fatalf("ProcessInput() = %v", err)
	}
	if err := e.ctx.TransferInput(); err != nil {
		t.Fatalf("TransferInput() = %v", err)
	}
	records, err := e.ctx.HobList().Records()
	if err != nil {
		t.Fatalf("Records() = %v", err)
	}
	type resource struct {
		Type      abi.EFIResourceType
		Encrypted bool
		Region    memory.GuestPhysicalRegion
	}
	var got []resource
	for _, r := range hob.Select[*hob.ResourceDescriptor](records) {
		got = append(got, resource{r.ResourceType, r.ResourceAttribute&abi.EFIResourceAttributeEncrypted != 0, r.Region()})
	}
	want := []resource{
		{abi.EFIResourceSystemMemory, true, memory.GuestPhysicalRegion{Start: 0, Length: 0x100000}},
		{abi.EFIResourceMemoryReserved, false, memory.GuestPhysicalRegion{Start: hobBase, Length: hobSize}},
		{abi.EFIResourceFirmwareDevice, false, memory.GuestPhysicalRegion{Start: bfvBase, Length: 0x200000}},
		{abi.EFIResourceSystemMemory, true, memory.GuestPhysicalRegion{Start: 0x400000, Length: 0x1c00000}},
		{abi.EFIResourceSystemMemory, false, memory.GuestPhysicalRegion{Start: 0x100000000, Length: 0x200000}},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("resource descriptors diff (-got +want): %s", diff)
	}
	allocations := hob.Select[*hob.MemoryAllocation](records)
	if len(allocations) != 1 || allocations[0].Region() != (memory.GuestPhysicalRegion{Start: hobBase, Length: hobSize}) {
		t.Errorf("memory allocations = %v, want the HOB region", allocations)
	}
	cpuHob, err := hob.First[*hob.CPU](records)
	if err != nil || cpuHob.SizeOfMemorySpace != 48 {
		t.Errorf("CPU HOB = %v, %v, want 48 address bits", cpuHob, err)
	}
	fvHob, err := hob.First[*hob.FirmwareVolume](records)
	if err != nil || fvHob.BaseAddress != bfvBase || fvHob.Length != e.bfv.Length {
		t.Errorf("firmware volume HOB = %v, %v, want %v", fvHob, err, e.bfv)
	}
}

func TestBoot(t *testing.T) {
	tcs := []struct {
		name       string
		opts       ipl.Options
		wantTables bool
	}{
		{name: "no page tables"},
		{name: "payload by name", opts: ipl.Options{PayloadName: dxeCoreName}},
		{name: "page tables", opts: ipl.Options{BuildPageTables: true}, wantTables: true},
		{
			name:       "protected stack",
			opts:       ipl.Options{BuildPageTables: true, SetNxForStack: true, CPUStackGuard: true, NullPointerDetection: true},
			wantTables: true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, standardList(), dxeVolume(), tc.opts)
			handoff, err := e.boot()
			if err != nil {
				t.Fatalf("Boot() = %v", err)
			}
			if e.ctx.State() != ipl.ControlTransferred {
				t.Errorf("State() = %v, want ControlTransferred", e.ctx.State())
			}
			pool := e.ctx.Pool()
			if want := (memory.GuestPhysicalRegion{Start: 0x400000, Length: 0x1c00000}); pool != want {
				t.Errorf("Pool() = %v, want %v", pool, want)
			}
			image := e.ctx.Image()
			if !image.Region().PageAligned() || !pool.Contains(image.Region()) || image.ImageSize < fakefv.PEImageSize {
				t.Errorf("image %v is not a large enough page-aligned region of the pool %v", image, pool)
			}
			if image.EntryPoint < image.LoadAddress || image.EntryPoint >= image.Region().End() {
				t.Errorf("entry point 0x%x outside %v", uint64(image.EntryPoint), image.Region())
			}
			if handoff.Entry != image.EntryPoint || handoff.Arg != uint64(pool.Start) {
				t.Errorf("handoff %+v, want entry 0x%x and HOB list 0x%x", handoff, uint64(image.EntryPoint), uint64(pool.Start))
			}
			pointer, err := memory.ReadUint64(e.mem, image.LoadAddress+fakefv.PEPointerRVA)
			if err != nil || pointer != uint64(image.LoadAddress)+fakefv.PETextRVA {
				t.Errorf("relocated pointer = 0x%x, %v, want 0x%x", pointer, err, uint64(image.LoadAddress)+fakefv.PETextRVA)
			}
			if e.ctx.DxeCoreFile() == nil || e.ctx.DxeCoreFile().Header.Name != abi.FromUUID(dxeCoreName) {
				t.Errorf("DxeCoreFile() = %v, want %v", e.ctx.DxeCoreFile(), dxeCoreName)
			}

			records, err := e.ctx.HobList().Records()
			if err != nil {
				t.Fatalf("Records() = %v", err)
			}
			stackGUID := abi.MustEFIGUID(abi.HobMemoryAllocStackGUID)
			var stack memory.GuestPhysicalRegion
			for _, a := range hob.Select[*hob.MemoryAllocation](records) {
				if a.AllocDescriptor.Name == stackGUID {
					stack = a.Region()
				}
			}
			if stack.Length != ipl.StackSize || !pool.Contains(stack) {
				t.Fatalf("stack allocation %v, want 0x%x bytes in the pool", stack, ipl.StackSize)
			}
			if want := stack.End() - 16; handoff.StackTop != want {
				t.Errorf("StackTop = 0x%x, want 0x%x", uint64(handoff.StackTop), uint64(want))
			}
			if _, err := hob.FindGUID(records, abi.MustEFIGUID(abi.MemoryTypeInformationGUID)); err != nil {
				t.Errorf("memory type information HOB: %v", err)
			}
			if got := len(e.cpu.Invalidated); got != 1 {
				t.Errorf("instruction cache invalidated %d times, want 1", got)
			}

			if (handoff.CR3 != 0) != tc.wantTables {
				t.Fatalf("CR3 = 0x%x, want tables %v", uint64(handoff.CR3), tc.wantTables)
			}
			if tc.wantTables {
				for _, va := range []uint64{uint64(image.EntryPoint), uint64(handoff.StackTop)} {
					if pa, _, err := paging.Translate(e.mem, handoff.CR3, va); err != nil || pa != abi.EFIPhysicalAddress(va) {
						t.Errorf("Translate(0x%x) = 0x%x, %v, want identity", va, uint64(pa), err)
					}
				}
				_, _, err := paging.Translate(e.mem, handoff.CR3, 0)
				if got := errors.Is(err, paging.ErrNotMapped); got != tc.opts.NullPointerDetection {
					t.Errorf("Translate(0) = %v, want unmapped %v", err, tc.opts.NullPointerDetection)
				}
			}

			if len(e.sink.Events) != 2 {
				t.Fatalf("measured %d events, want 2", len(e.sink.Events))
			}
			tables, blob := e.sink.Events[0], e.sink.Events[1]
			wantHobRegion := memory.GuestPhysicalRegion{Start: hobBase, Length: uint64(len(standardList()) - abi.SizeofHOBGenericHeader)}
			if tables.EventType != eventlog.EvEFIHandoffTables2 || tables.Region != wantHobRegion {
				t.Errorf("first event %+v, want handoff tables over %v", tables, wantHobRegion)
			}
			if blob.EventType != eventlog.EvEFIPlatformFirmwareBlob2 || blob.Region != e.bfv {
				t.Errorf("second event %+v, want firmware blob over %v", blob, e.bfv)
			}
		})
	}
}

func TestBootFailures(t *testing.T) {
	noDxeCore := (&fakefv.Volume{ErasePolarity: 1, Files: []fakefv.File{{
		Name:     dxeCoreName,
		Type:     abi.EFIFvFileTypeDriver,
		Sections: []fakefv.Section{{Type: abi.EFISectionPE32, Body: fakefv.PE(fakefv.PEOptions{})}},
	}}}).Bytes()
	compressed := (&fakefv.Volume{ErasePolarity: 1, Files: []fakefv.File{{
		Name:     dxeCoreName,
		Type:     abi.EFIFvFileTypeDXECore,
		Sections: []fakefv.Section{{Type: abi.EFISectionCompression, Body: []byte("packed")}},
	}}}).Bytes()
	badChecksum := (&fakefv.Volume{ErasePolarity: 1, Files: []fakefv.File{{
		Name:        dxeCoreName,
		Type:        abi.EFIFvFileTypeDXECore,
		BadChecksum: true,
		Sections:    []fakefv.Section{{Type: abi.EFISectionPE32, Body: fakefv.PE(fakefv.PEOptions{})}},
	}}}).Bytes()
	notAnImage := (&fakefv.Volume{ErasePolarity: 1, Files: []fakefv.File{{
		Name:     dxeCoreName,
		Type:     abi.EFIFvFileTypeDXECore,
		Sections: []fakefv.Section{{Type: abi.EFISectionPE32, Body: make([]byte, 0x200)}},
	}}}).Bytes()
	tcs := []struct {
		name      string
		list      []byte
		volume    []byte
		opts      ipl.Options
		failAt    int
		wantErr   error
		wantState ipl.State
	}{
		{
			name:      "stack protection without page tables",
			list:      standardList(),
			opts:      ipl.Options{SetNxForStack: true},
			wantErr:   ipl.ErrConfig,
			wantState: ipl.Uninitialized,
		},
		{
			name:      "zero length record",
			list:      fakehob.New(0x100000).SystemMemory(0, 0x100000).Header(abi.EFIHOBTypeResourceDescriptor, 0).Bytes(),
			wantErr:   hob.ErrCorrupted,
			wantState: ipl.Uninitialized,
		},
		{
			name:      "wrapping resource",
			list:      fakehob.New(0x100000).SystemMemory(0xfffffffffffff000, 0x2000).Bytes(),
			wantErr:   hob.ErrCorrupted,
			wantState: ipl.Uninitialized,
		},
		{
			name:      "accept failure",
			list:      standardList(),
			failAt:    2,
			wantErr:   tdx.ErrCallFailed,
			wantState: ipl.HobReceived,
		},
		{
			name:      "no system memory",
			list:      fakehob.New(0x100000).Resource(abi.EFIResourceMemoryMappedIO, 0, 0xfec00000, 0x1000).Bytes(),
			wantErr:   ipl.ErrNoSystemMemory,
			wantState: ipl.MemoryAccepted,
		},
		{
			name:      "unknown payload name",
			list:      standardList(),
			opts:      ipl.Options{PayloadName: uuid.MustParse("0c95a928-a006-11de-a5f8-0013d4a7d8c4")},
			wantErr:   fv.ErrNotFound,
			wantState: ipl.PoolEstablished,
		},
		{
			name:      "missing firmware volume",
			list:      standardList(),
			opts:      ipl.Options{FvInstance: 1},
			wantErr:   fv.ErrNotFound,
			wantState: ipl.PoolEstablished,
		},
		{
			name:      "no DXE core",
			list:      standardList(),
			volume:    noDxeCore,
			wantErr:   fv.ErrNotFound,
			wantState: ipl.PoolEstablished,
		},
		{
			name:      "corrupted DXE core",
			list:      standardList(),
			volume:    badChecksum,
			wantErr:   fv.ErrCorrupted,
			wantState: ipl.PoolEstablished,
		},
		{
			name:      "compressed image",
			list:      standardList(),
			volume:    compressed,
			wantErr:   fv.ErrUnsupported,
			wantState: ipl.VolumeSearched,
		},
		{
			name:      "not an image",
			list:      standardList(),
			volume:    notAnImage,
			wantErr:   pecoff.ErrUnsupported,
			wantState: ipl.VolumeSearched,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			volume := tc.volume
			if volume == nil {
				volume = dxeVolume()
			}
			e := newEnv(t, tc.list, volume, tc.opts)
			e.gw.FailAt = tc.failAt
			e.gw.FailStatus = tdx.StatusOperandInvalid
			handoff, err := e.boot()
			if handoff != nil {
				t.Fatalf("Boot() transferred control to %+v", handoff)
			}
			if !errors.Is(err, cpu.ErrHalted) || !errors.Is(err, tc.wantErr) {
				t.Errorf("Boot() = %v, want a halt caused by %v", err, tc.wantErr)
			}
			if e.ctx.State() != tc.wantState {
				t.Errorf("State() = %v, want %v", e.ctx.State(), tc.wantState)
			}
		})
	}
}

type returningCPU struct {
	cpu.Emulated
	switched bool
}

func (c *returningCPU) SwitchStack(abi.EFIPhysicalAddress, uint64, abi.EFIPhysicalAddress) {
	c.switched = true
}

func TestBadTransitions(t *testing.T) {
	e := newEnv(t, standardList(), dxeVolume(), ipl.Options{})
	if err := e.ctx.TransferInput(); !errors.Is(err, ipl.ErrBadTransition) {
		t.Errorf("TransferInput() before ProcessInput = %v, want ErrBadTransition", err)
	}
	if err := e.ctx.LogInput(); !errors.Is(err, ipl.ErrBadTransition) {
		t.Errorf("LogInput() before ProcessInput = %v, want ErrBadTransition", err)
	}
	if err := e.ctx.DxeLoadCore(); !errors.Is(err, ipl.ErrBadTransition) {
		t.Errorf("DxeLoadCore() before ProcessInput = %v, want ErrBadTransition", err)
	}
	if err := e.ctx.ProcessInput(hobBase); err != nil {
		t.Fatalf("ProcessInput() = %v", err)
	}
	if err := e.ctx.ProcessInput(hobBase); !errors.Is(err, ipl.ErrBadTransition) {
		t.Errorf("second ProcessInput() = %v, want ErrBadTransition", err)
	}
	if err := e.ctx.TransferControl(0x1000); !errors.Is(err, ipl.ErrBadTransition) {
		t.Errorf("TransferControl() before the image is loaded = %v, want ErrBadTransition", err)
	}
}

func TestNextStageReturns(t *testing.T) {
	e := newEnv(t, standardList(), dxeVolume(), ipl.Options{})
	c := &returningCPU{}
	e.ctx.CPU = c
	if err := e.ctx.ProcessInput(hobBase); err != nil {
		t.Fatalf("ProcessInput() = %v", err)
	}
	if err := e.ctx.TransferInput(); err != nil {
		t.Fatalf("TransferInput() = %v", err)
	}
	if err := e.ctx.DxeLoadCore(); !errors.Is(err, ipl.ErrReturned) {
		t.Errorf("DxeLoadCore() = %v, want ErrReturned", err)
	}
	if !c.switched || e.ctx.State() != ipl.ControlTransferred {
		t.Errorf("switched %v in state %v, want a switch in ControlTransferred", c.switched, e.ctx.State())
	}
}

func TestContext(t *testing.T) {
	c := &ipl.Context{}
	ctx := ipl.NewContext(context.Background(), c)
	if got, err := ipl.FromContext(ctx); err != nil || got != c {
		t.Errorf("FromContext() = %v, %v, want %v", got, err, c)
	}
	if _, err := ipl.FromContext(context.Background()); !errors.Is(err, ipl.ErrNoContext) {
		t.Errorf("FromContext(empty) = %v, want ErrNoContext", err)
	}
	if got := ipl.State(42).String(); got != "State(42)" {
		t.Errorf("State(42).String() = %q", got)
	}
}
