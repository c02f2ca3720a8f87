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
	"github.com/google/tdshim/fv"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/paging"
	"github.com/google/tdshim/pecoff"
	"github.com/google/uuid"
)

// FindNextVolume returns the firmware volume named by the instance-th firmware volume HOB of the
// new HOB list.
func (c *Context) FindNextVolume(instance int) (*fv.Volume, error) {
	if c.list == nil {
		return nil, fmt.Errorf("no HOB list to search: %w", ErrBadTransition)
	}
	records, err := c.list.Records()
	if err != nil {
		return nil, err
	}
	volumes := hob.Select[*hob.FirmwareVolume](records)
	if instance < 0 || instance >= len(volumes) {
		return nil, fmt.Errorf("firmware volume instance %d of %d: %w", instance, len(volumes), fv.ErrNotFound)
	}
	h := volumes[instance]
	data, err := memory.Read(c.Memory, h.BaseAddress, h.Length)
	if err != nil {
		return nil, fmt.Errorf("read firmware volume at 0x%x: %w", uint64(h.BaseAddress), err)
	}
	v, err := fv.NewVolume(h.BaseAddress, data)
	if err != nil {
		return nil, err
	}
	logger.V(1).Infof("Firmware volume %d at 0x%x", instance, uint64(v.Base))
	return v, nil
}

// MeasureFirmwareVolume reports the volume to the measurement sink.
func (c *Context) MeasureFirmwareVolume(v *fv.Volume) error {
	if c.Sink == nil {
		return nil
	}
	e, err := eventlog.FirmwareBlobEvent(eventlog.FirmwareBlobDescription,
		memory.GuestPhysicalRegion{Start: v.Base, Length: v.Length()})
	if err != nil {
		return err
	}
	return c.Sink.Measure(e)
}

// DxeLoadCore measures and searches the configured firmware volume for the DXE core, loads its
// PE32 image and transfers control to it. It only returns on failure.
func (c *Context) DxeLoadCore() error {
	if err := c.require(PoolEstablished); err != nil {
		return err
	}
	volume, err := c.FindNextVolume(c.FvInstance)
	if err != nil {
		return fmt.Errorf("find firmware volume: %w", err)
	}
	if err := c.MeasureFirmwareVolume(volume); err != nil {
		return fmt.Errorf("measure firmware volume: %w", err)
	}
	var file *fv.File
	if c.PayloadName != uuid.Nil {
		file, err = volume.FindFileByName(abi.FromUUID(c.PayloadName))
	} else {
		file, err = volume.FindFile(abi.EFIFvFileTypeDXECore, nil)
	}
	if err != nil {
		return fmt.Errorf("find DXE core: %w", err)
	}
	logger.V(1).Infof("DXE core file at 0x%x", uint64(volume.Base)+file.Offset)
	c.file = file
	if err := c.advance(PoolEstablished, VolumeSearched); err != nil {
		return err
	}

	body, err := fv.FindSection(file.Data, abi.EFISectionPE32)
	if err != nil {
		return fmt.Errorf("find DXE core image: %w", err)
	}
	image, err := pecoff.Load(body, c.Memory, c.list, c.CPU)
	if err != nil {
		return fmt.Errorf("load DXE core: %w", err)
	}
	info := file.Info()
	logger.V(1).Infof("Loading DXE core %v at 0x%x EntryPoint=0x%x", info.Name, uint64(image.LoadAddress), uint64(image.EntryPoint))
	memoryTypes := abi.MemoryTypeInformationBytes(abi.DefaultMemoryTypeInformation)
	if err := c.list.BuildGUIDData(uuid.MustParse(abi.MemoryTypeInformationGUID), memoryTypes); err != nil {
		return fmt.Errorf("build memory type information: %w", err)
	}
	c.image = image
	if err := c.advance(VolumeSearched, ImageLoaded); err != nil {
		return err
	}
	return c.TransferControl(image.EntryPoint)
}

// TransferControl switches to a fresh stack and jumps to entry with the HOB list address as its
// only argument. It only returns on failure, and a return from the next stage is ErrReturned.
func (c *Context) TransferControl(entry abi.EFIPhysicalAddress) error {
	if err := c.require(ImageLoaded); err != nil {
		return err
	}
	if err := c.Options.Validate(); err != nil {
		return err
	}
	if c.NullPointerDetection {
		if err := c.list.BuildMemoryAllocation(0, memory.PageSize, abi.EfiBootServicesData); err != nil {
			return err
		}
	}
	pages := memory.SizeToPages(StackSize)
	base, err := c.list.AllocatePages(pages)
	if err != nil {
		return fmt.Errorf("allocate stack: %w", err)
	}
	stack := memory.GuestPhysicalRegion{Start: base, Length: StackSize}
	top := (stack.End() - StackAlignment) &^ (StackAlignment - 1)
	if c.BuildPageTables {
		tables, err := paging.Build(c.Memory, c.list, paging.Options{
			Stack:      stack,
			NXStack:    c.SetNxForStack,
			StackGuard: c.CPUStackGuard,
			NullGuard:  c.NullPointerDetection,
		})
		if err != nil {
			return fmt.Errorf("build page tables: %w", err)
		}
		c.CPU.WriteCR3(tables.Root)
	}
	if err := c.list.UpdateStackHob(base, StackSize); err != nil {
		return fmt.Errorf("update stack HOB: %w", err)
	}
	if err := c.advance(ImageLoaded, ControlTransferred); err != nil {
		return err
	}
	logger.V(1).Infof("Switching to 0x%x, stack top 0x%x, HOB list 0x%x", uint64(entry), uint64(top), uint64(c.list.Address()))
	c.CPU.SwitchStack(entry, uint64(c.list.Address()), top)
	return ErrReturned
}

// Boot runs the whole boot path from the hypervisor's HOB list at addr. Every failure ends in
// CPU.DeadLoop, so Boot never returns on a real processor.
func (c *Context) Boot(addr abi.EFIPhysicalAddress) error {
	err := c.boot(addr)
	if err == nil {
		err = ErrReturned
	}
	err = fmt.Errorf("boot stopped in state %v: %w", c.state, err)
	c.CPU.DeadLoop(err)
	return err
}

func (c *Context) boot(addr abi.EFIPhysicalAddress) error {
	if err := c.Options.Validate(); err != nil {
		return err
	}
	if err := c.ProcessInput(addr); err != nil {
		return err
	}
	if err := c.LogInput(); err != nil {
		return err
	}
	if err := c.TransferInput(); err != nil {
		return err
	}
	return c.DxeLoadCore()
}
