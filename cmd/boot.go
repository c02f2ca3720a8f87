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

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/tdshim/cmd/output"
	"github.com/google/tdshim/config"
	"github.com/google/tdshim/cpu"
	"github.com/google/tdshim/eventlog"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/ipl"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/tdx"
	"github.com/hako/durafmt"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

const (
	// defaultRAM is the guest memory size when --ram is not given.
	defaultRAM = 256 << 20
	// lowRAMLimit is where RAM beyond it is moved above 4GiB, as a q35 machine lays it out.
	lowRAMLimit = 0x80000000
)

type bootCommand struct {
	root *rootCommand
	app  *AppComponents

	Firmware       string
	RAM            uint64
	LazyAcceptHigh bool
}

// ramBanks splits size bytes of guest RAM into the bank below lowRAMLimit and the rest at 4GiB.
func ramBanks(size uint64) []memory.GuestPhysicalRegion {
	low := min(size, lowRAMLimit)
	banks := []memory.GuestPhysicalRegion{{Start: 0, Length: low}}
	if size > low {
		banks = append(banks, memory.GuestPhysicalRegion{Start: memory.Base4GiB, Length: size - low})
	}
	return banks
}

// toAccept returns how much RAM the shim is expected to accept.
func toAccept(banks, private []memory.GuestPhysicalRegion, lazyHigh bool) uint64 {
	claimed := memory.NewRangeSet(private...)
	var total uint64
	for _, bank := range banks {
		if lazyHigh && !bank.Below4GiB() {
			continue
		}
		for _, r := range claimed.Missing(bank) {
			total += r.Length
		}
	}
	return total
}

// loadImage returns the image with a TDVF descriptor, injecting one when the image has none.
func loadImage(ctx context.Context, root *rootCommand, path string) ([]byte, *abi.TDVFMetadata, error) {
	image, err := root.read(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	m, err := ovmf.ExtractTDVFMetadata(image)
	if errors.Is(err, ovmf.ErrNoTDVFMetadata) {
		output.Warningf(ctx, "%q has no TDVF descriptor, building one from its shim metadata block", path)
		image, m, err = ovmf.InjectTDVFMetadata(image)
	}
	if err != nil {
		return nil, nil, err
	}
	return image, m, nil
}

func (c *bootCommand) checkLayout(ctx context.Context, cfg *config.Config, image []byte) {
	block, _, err := ovmf.FindMetadata(image, 0)
	if err != nil {
		output.Debugf(ctx, "%v", err)
		return
	}
	if got := config.FromMetadata(ovmf.InitializeMetadata(block)); got != cfg.Layout {
		output.Warningf(ctx, "the image's shim metadata block differs from the configured layout")
		reportLayout(ctx, got)
	}
}

func newProgress(ctx context.Context, total uint64) func(uint64) {
	w := output.Progress(ctx)
	if w == nil || total == 0 {
		return nil
	}
	bar := progressbar.NewOptions64(int64(total),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("accepting"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(50*time.Millisecond))
	return func(accepted uint64) {
		_ = bar.Add64(int64(accepted))
	}
}

func (c *bootCommand) run(ctx context.Context) error {
	if c.Firmware == "" {
		return errors.New("expected --fd path")
	}
	cfg := c.root.Config()
	image, metadata, err := loadImage(ctx, c.root, c.Firmware)
	if err != nil {
		return err
	}
	c.checkLayout(ctx, cfg, image)
	tdHOB, err := ovmf.TDHOBRegion(metadata)
	if err != nil {
		return err
	}
	bfv, err := ovmf.BootFirmwareVolume(metadata)
	if err != nil {
		return err
	}
	opts, err := cfg.BootOptions()
	if err != nil {
		return err
	}
	opts.BootFirmwareVolume = bfv

	lazyHigh := cfg.LazyAcceptHigh || c.LazyAcceptHigh
	banks := ramBanks(c.RAM)
	regions, err := ovmf.ExtractMaterialGuestPhysicalRegions(image, banks, ovmf.TDHOBOptions{LazyAcceptHigh: lazyHigh})
	if err != nil {
		return err
	}
	private := ovmf.PrivateRegions(regions)
	top := max(memory.Base4GiB, banks[len(banks)-1].End())
	mem := memory.NewGuarded(memory.NewSparse(uint64(top)), private...)
	if err := ovmf.Populate(mem, regions); err != nil {
		return err
	}
	output.Debugf(ctx, "Guest memory of %s with %d private regions, TD HOB at %v", humanize.IBytes(c.RAM), len(private), tdHOB)

	total := toAccept(banks, private, lazyHigh)
	var accepted uint64
	progress := newProgress(ctx, total)
	processor := &cpu.Emulated{}
	sink := c.app.sink()
	boot := &ipl.Context{
		Memory: mem,
		Acceptor: &tdx.Engine{
			Gateway:         c.app.gateway(mem),
			Memory:          mem,
			MaxPagesPerCall: cfg.MaxAcceptPagesPerCall,
			Progress: func(n uint64) {
				accepted += n
				if progress != nil {
					progress(n)
				}
			},
		},
		CPU:     processor,
		Sink:    sink,
		Options: opts,
	}
	ctx = ipl.NewContext(ctx, boot)
	start := time.Now()
	handoff, err := processor.Run(func() error { return boot.Boot(tdHOB.Start) })
	elapsed := durafmt.Parse(time.Since(start)).LimitFirstN(2)
	if err != nil {
		return fmt.Errorf("boot stopped in state %v after %s: %w", boot.State(), elapsed, err)
	}
	if err := c.report(ctx, handoff, accepted, elapsed); err != nil {
		return err
	}
	if r, ok := sink.(*eventlog.Recorder); ok {
		for _, e := range r.Events {
			output.Infof(ctx, "  PCR[%d] %-28s %v", e.PCRIndex, eventlog.EventTypeName(e.EventType), e.Region)
		}
	}
	return nil
}

// report prints the hand-off and the HOB list the next stage receives, read back from guest memory.
func (c *bootCommand) report(ctx context.Context, h *cpu.Handoff, accepted uint64, elapsed fmt.Stringer) error {
	boot, err := ipl.FromContext(ctx)
	if err != nil {
		return err
	}
	list, err := hob.Open(boot.Memory, abi.EFIPhysicalAddress(h.Arg))
	if err != nil {
		return fmt.Errorf("next stage HOB list at 0x%x: %w", h.Arg, err)
	}
	records, err := list.Records()
	if err != nil {
		return fmt.Errorf("next stage HOB list at 0x%x: %w", h.Arg, err)
	}
	output.Infof(ctx, "Control transferred after %s", elapsed)
	output.Infof(ctx, "  entry point     0x%x", uint64(h.Entry))
	output.Infof(ctx, "  HOB list        0x%x, %d records, %s free", h.Arg, len(records),
		humanize.IBytes(list.Free().Length))
	output.Infof(ctx, "  stack top       0x%x", uint64(h.StackTop))
	if h.CR3 != 0 {
		output.Infof(ctx, "  page tables     0x%x", uint64(h.CR3))
	}
	output.Infof(ctx, "  accepted        %s", humanize.IBytes(accepted))
	output.Infof(ctx, "  pool            %v", boot.Pool())
	if img := boot.Image(); img != nil {
		output.Infof(ctx, "  image           %v", img)
	}
	return nil
}

func makeBootCmd(ctx context.Context, root *rootCommand, app *AppComponents) *cobra.Command {
	c := &bootCommand{root: root, app: app}
	cmd := &cobra.Command{
		Use:   "boot --fd FILE",
		Short: "Simulate booting a shim image",
		Long: `Lays out an image in emulated guest memory the way a VMM does, runs the shim's boot path and
reports the hand-off to the next stage.

Images without a TDVF descriptor get one built from their shim metadata block.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context())
		},
	}
	cmd.SetContext(ctx)
	cmd.Flags().StringVar(&c.Firmware, "fd", "", "Path to the firmware device image.")
	cmd.Flags().AddGoFlag(sizeVar(&c.RAM, "ram", defaultRAM, "Guest memory size, such as 512MiB or 4GiB."))
	cmd.Flags().BoolVar(&c.LazyAcceptHigh, "lazy_accept_high", false,
		"Leave memory above 4GiB unaccepted. Also set by lazy_accept_high in the configuration.")
	return cmd
}
