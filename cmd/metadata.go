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
	"bytes"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/google/tdshim/cmd/output"
	"github.com/google/tdshim/config"
	"github.com/google/tdshim/ovmf"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
)

func reportLayout(ctx context.Context, l config.Layout) {
	for _, r := range []struct {
		name string
		base uint64
		size uint64
	}{
		{"mailbox", l.MailboxBase, l.MailboxSize},
		{"hob", l.HobBase, l.HobSize},
		{"stack", l.StackBase, l.StackSize},
		{"heap", l.HeapBase, l.HeapSize},
		{"bfv", l.BfvBase, uint64(l.BfvSize)},
	} {
		output.Infof(ctx, "  %-8s 0x%08x %9s", r.name, r.base, humanize.IBytes(r.size))
	}
}

func metadataDump(ctx context.Context, root *rootCommand, path string) error {
	image, err := root.read(ctx, path)
	if err != nil {
		return err
	}
	if block, offset, err := ovmf.FindMetadata(image, 0); err == nil {
		output.Infof(ctx, "Shim metadata block at 0x%x:", offset)
		reportLayout(ctx, config.FromMetadata(block))
	} else {
		output.Debugf(ctx, "%v", err)
	}
	m, err := ovmf.DecodeTDVFMetadata(image)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := ovmf.DumpTDVFMetadata(&buf, m); err != nil {
		return err
	}
	output.Infof(ctx, "%s", bytes.TrimRight(buf.Bytes(), "\n"))
	verr := ovmf.ValidateTDVFMetadata(uint64(len(image)), m)
	if verr == nil {
		return nil
	}
	if !output.AllowRecoverableError(ctx) {
		return verr
	}
	for _, err := range multierr.Errors(verr) {
		output.Warningf(ctx, "%v", err)
	}
	return nil
}

type metadataInjectCommand struct {
	root *rootCommand
	Out  string
}

func (c *metadataInjectCommand) run(ctx context.Context, path string) error {
	if c.Out == "" {
		return errors.New("expected --out path")
	}
	image, err := c.root.read(ctx, path)
	if err != nil {
		return err
	}
	result, m, err := ovmf.InjectTDVFMetadata(image)
	if err != nil {
		return err
	}
	output.Infof(ctx, "Injected a TDVF descriptor with %d sections", len(m.Sections))
	return c.root.write(ctx, c.Out, result)
}

type metadataBlockCommand struct {
	root *rootCommand
	Out  string
}

func (c *metadataBlockCommand) run(ctx context.Context) error {
	cfg := c.root.Config()
	data := make([]byte, abi.SizeofShimMetadata)
	if err := cfg.Metadata().Put(data); err != nil {
		return err
	}
	output.Infof(ctx, "Shim metadata block:")
	reportLayout(ctx, cfg.Layout)
	if c.Out == "" {
		output.Infof(ctx, "%x", data)
		return nil
	}
	return c.root.write(ctx, c.Out, data)
}

func makeMetadataCmd(ctx context.Context, root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect and produce the metadata a VMM lays out a shim image by",
	}
	cmd.SetContext(ctx)

	dump := &cobra.Command{
		Use:   "dump FILE",
		Short: "Print the shim metadata block and TDVF descriptor of an image",
		Long: `Prints the shim's own metadata block, if the image has one, and the TDVF descriptor.

The descriptor is checked against the image. With --keep_going every problem is reported as a
warning instead of failing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return metadataDump(cmd.Context(), root, args[0])
		},
	}
	dump.SetContext(ctx)

	inject := &metadataInjectCommand{root: root}
	injectCmd := &cobra.Command{
		Use:   "inject FILE",
		Short: "Add a TDVF descriptor built from the shim metadata block",
		Long: `Builds a TDVF descriptor from the image's shim metadata block and writes it into the first
large padding file of the boot firmware volume. The image with the descriptor is written to --out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inject.run(cmd.Context(), args[0])
		},
	}
	injectCmd.SetContext(ctx)
	addOutFlag(injectCmd, &inject.Out)

	block := &metadataBlockCommand{root: root}
	blockCmd := &cobra.Command{
		Use:   "block",
		Short: "Produce the shim metadata block for the configured layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return block.run(cmd.Context())
		},
	}
	blockCmd.SetContext(ctx)
	addOutFlag(blockCmd, &block.Out)

	cmd.AddCommand(dump, injectCmd, blockCmd)
	return cmd
}
