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

// Package config holds the platform layout and build options of the shim.
package config

import (
	"fmt"
	"os"

	"github.com/google/tdshim/ipl"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/tdx"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Layout is the memory layout the VMM must provide, as recorded in the shim's metadata block.
type Layout struct {
	MailboxBase uint64 `yaml:"mailbox_base"`
	MailboxSize uint64 `yaml:"mailbox_size"`
	HobBase     uint64 `yaml:"hob_base"`
	HobSize     uint64 `yaml:"hob_size"`
	StackBase   uint64 `yaml:"stack_base"`
	StackSize   uint64 `yaml:"stack_size"`
	HeapBase    uint64 `yaml:"heap_base"`
	HeapSize    uint64 `yaml:"heap_size"`
	BfvBase     uint64 `yaml:"bfv_base"`
	BfvSize     uint32 `yaml:"bfv_size"`
}

// Config is the shim's build configuration.
type Config struct {
	Layout Layout `yaml:"layout"`

	BuildPageTables      bool `yaml:"build_page_tables"`
	SetNxForStack        bool `yaml:"set_nx_for_stack"`
	CPUStackGuard        bool `yaml:"cpu_stack_guard"`
	NullPointerDetection bool `yaml:"null_pointer_detection"`
	// MaxAcceptPagesPerCall bounds each page acceptance run.
	MaxAcceptPagesPerCall uint64 `yaml:"max_accept_pages_per_call"`
	FvInstance            int    `yaml:"fv_instance"`
	// PayloadName is the GUID of the next stage file. Empty selects the DXE core by file type.
	PayloadName string `yaml:"payload_name"`
	// InputLimit bounds the walk of the hypervisor's HOB list.
	InputLimit uint64 `yaml:"input_limit"`
	// LazyAcceptHigh leaves RAM above 4GiB unaccepted when simulating a VMM.
	LazyAcceptHigh bool `yaml:"lazy_accept_high"`
}

// Default returns the configuration the shim is normally built with.
func Default() *Config {
	return &Config{
		Layout: Layout{
			MailboxBase: 0x800000,
			MailboxSize: 0x1000,
			HobBase:     0x801000,
			HobSize:     0x10000,
			StackBase:   0x811000,
			StackSize:   0x20000,
			HeapBase:    0x831000,
			HeapSize:    0x20000,
			BfvBase:     0xfffe0000,
			BfvSize:     0x20000,
		},
		BuildPageTables:       true,
		MaxAcceptPagesPerCall: tdx.DefaultMaxPagesPerCall,
		InputLimit:            ipl.DefaultInputLimit,
	}
}

// Load reads a YAML configuration. Fields the file leaves out keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse decodes a YAML configuration read from name.
func Parse(name string, data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("could not parse config %q: %v", name, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", name, err)
	}
	return c, nil
}

func (l *Layout) regions() map[string]memory.GuestPhysicalRegion {
	return map[string]memory.GuestPhysicalRegion{
		"mailbox": {Start: abi.EFIPhysicalAddress(l.MailboxBase), Length: l.MailboxSize},
		"hob":     {Start: abi.EFIPhysicalAddress(l.HobBase), Length: l.HobSize},
		"stack":   {Start: abi.EFIPhysicalAddress(l.StackBase), Length: l.StackSize},
		"heap":    {Start: abi.EFIPhysicalAddress(l.HeapBase), Length: l.HeapSize},
		"bfv":     {Start: abi.EFIPhysicalAddress(l.BfvBase), Length: uint64(l.BfvSize)},
	}
}

var regionOrder = []string{"mailbox", "hob", "stack", "heap", "bfv"}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs error
	regions := c.Layout.regions()
	for i, name := range regionOrder {
		gpr := regions[name]
		if gpr.Empty() {
			errs = multierr.Append(errs, fmt.Errorf("%s region is empty", name))
			continue
		}
		if !gpr.PageAligned() {
			errs = multierr.Append(errs, fmt.Errorf("%s region %v is not page aligned", name, gpr))
		}
		for _, other := range regionOrder[:i] {
			if !gpr.Intersect(regions[other]).Empty() {
				errs = multierr.Append(errs, fmt.Errorf("%s region %v overlaps the %s region", name, gpr, other))
			}
		}
	}
	if c.MaxAcceptPagesPerCall == 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_accept_pages_per_call must be positive"))
	}
	opts, err := c.bootOptions()
	if err == nil {
		err = opts.Validate()
	}
	return multierr.Append(errs, err)
}

func (c *Config) bootOptions() (ipl.Options, error) {
	opts := ipl.Options{
		BuildPageTables:      c.BuildPageTables,
		SetNxForStack:        c.SetNxForStack,
		CPUStackGuard:        c.CPUStackGuard,
		NullPointerDetection: c.NullPointerDetection,
		FvInstance:           c.FvInstance,
		InputLimit:           c.InputLimit,
	}
	if c.PayloadName != "" {
		name, err := uuid.Parse(c.PayloadName)
		if err != nil {
			return opts, fmt.Errorf("payload name %q: %v", c.PayloadName, err)
		}
		opts.PayloadName = name
	}
	return opts, nil
}

// BootOptions returns the options of the boot path. The boot firmware volume is taken from the
// layout.
func (c *Config) BootOptions() (ipl.Options, error) {
	opts, err := c.bootOptions()
	if err != nil {
		return opts, err
	}
	opts.BootFirmwareVolume = c.Layout.regions()["bfv"]
	return opts, opts.Validate()
}

// Metadata returns the metadata block that records the layout.
func (c *Config) Metadata() *abi.ShimMetadata {
	m := abi.NewShimMetadata()
	l := c.Layout
	m.MailboxBase, m.MailboxSize = l.MailboxBase, l.MailboxSize
	m.HobBase, m.HobSize = l.HobBase, l.HobSize
	m.StackBase, m.StackSize = l.StackBase, l.StackSize
	m.HeapBase, m.HeapSize = l.HeapBase, l.HeapSize
	m.BfvBase, m.BfvSize = l.BfvBase, l.BfvSize
	return m
}

// FromMetadata returns the layout a metadata block records.
func FromMetadata(m *abi.ShimMetadata) Layout {
	return Layout{
		MailboxBase: m.MailboxBase,
		MailboxSize: m.MailboxSize,
		HobBase:     m.HobBase,
		HobSize:     m.HobSize,
		StackBase:   m.StackBase,
		StackSize:   m.StackSize,
		HeapBase:    m.HeapBase,
		HeapSize:    m.HeapSize,
		BfvBase:     m.BfvBase,
		BfvSize:     m.BfvSize,
	}
}
