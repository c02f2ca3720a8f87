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

	"github.com/dustin/go-humanize"
	"github.com/google/tdshim/cmd/output"
	"github.com/google/tdshim/fv"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

// bootVolume returns the image's boot firmware volume. The image is assumed to end at 4GiB.
func bootVolume(image []byte) (*ovmf.Layout, *fv.Volume, error) {
	layout, err := ovmf.ScanImage(image, ovmf.DefaultScanStep)
	if err != nil {
		return layout, nil, err
	}
	base := memory.Base4GiB - abi.EFIPhysicalAddress(uint64(len(image))-layout.BFV.Offset)
	v, err := fv.NewVolume(base, image[layout.BFV.Offset:layout.BFV.End()])
	if err != nil {
		return layout, nil, err
	}
	return layout, v, nil
}

func listSections(ctx context.Context, f *fv.File) {
	if f.Header.Type == abi.EFIFvFileTypeRaw || f.Header.Type == abi.EFIFvFileTypeFFSPad {
		return
	}
	sections, err := fv.Sections(f.Data)
	if err != nil {
		output.Warningf(ctx, "    sections of %v: %v", f.Header.Name, err)
		return
	}
	for _, s := range sections {
		output.Infof(ctx, "    %-13v %9s", s.Header.Type, humanize.IBytes(uint64(len(s.Body))))
	}
}

func fvList(ctx context.Context, root *rootCommand, path string) error {
	image, err := root.read(ctx, path)
	if err != nil {
		return err
	}
	layout, volume, err := bootVolume(image)
	if layout != nil {
		for _, r := range layout.Regions {
			output.Infof(ctx, "%v at 0x%08x, %s", r.Kind, r.Offset, humanize.IBytes(r.Size))
		}
	}
	if err != nil {
		return err
	}
	if err := volume.Verify(); err != nil {
		if !output.AllowRecoverableError(ctx) {
			return err
		}
		output.Warningf(ctx, "%v", err)
	}
	files, err := volume.Files()
	if err != nil {
		return err
	}
	output.Infof(ctx, "Boot firmware volume at 0x%x holds %d files:", uint64(volume.Base), len(files))
	for _, f := range files {
		output.Infof(ctx, "  %v %-9v %9s", f.Header.Name, f.Header.Type, humanize.IBytes(uint64(len(f.Data))))
		listSections(ctx, f)
	}
	return nil
}

type fvFindCommand struct {
	root        *rootCommand
	FileType    abi.EFIFvFileType
	SectionType abi.EFISectionType
	hasSection  bool
	Name        string
	Out         string
}

func (c *fvFindCommand) find(volume *fv.Volume) (*fv.File, []byte, error) {
	if c.Name != "" {
		name, err := uuid.Parse(c.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("could not parse --name: %v", err)
		}
		f, err := volume.FindFileByName(abi.FromUUID(name))
		if err != nil || !c.hasSection {
			return f, nil, err
		}
		body, err := fv.FindSection(f.Data, c.SectionType)
		return f, body, err
	}
	if c.hasSection {
		return volume.FindFileAndSection(c.FileType, c.SectionType)
	}
	f, err := volume.FindFile(c.FileType, nil)
	return f, nil, err
}

func (c *fvFindCommand) run(ctx context.Context, path string) error {
	image, err := c.root.read(ctx, path)
	if err != nil {
		return err
	}
	_, volume, err := bootVolume(image)
	if err != nil {
		return err
	}
	f, body, err := c.find(volume)
	if errors.Is(err, fv.ErrNotFound) {
		return fmt.Errorf("no matching file in the boot firmware volume: %w", err)
	}
	if err != nil {
		return err
	}
	if !c.hasSection {
		body = f.Data
	}
	output.Infof(ctx, "%v %v at volume offset 0x%x, %s", f.Header.Name, f.Header.Type, f.Offset,
		humanize.IBytes(uint64(len(body))))
	if c.Out == "" {
		return nil
	}
	return c.root.write(ctx, c.Out, body)
}

func makeFvCmd(ctx context.Context, root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fv",
		Short: "Inspect the firmware volumes of an image",
	}
	cmd.SetContext(ctx)
	ls := &cobra.Command{
		Use:   "ls FILE",
		Short: "List the regions of an image and the files of its boot firmware volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fvList(cmd.Context(), root, args[0])
		},
	}
	ls.SetContext(ctx)

	c := &fvFindCommand{root: root, FileType: abi.EFIFvFileTypeDXECore}
	find := &cobra.Command{
		Use:   "find FILE",
		Short: "Find a file in the boot firmware volume",
		Long: `Finds the first file of --type, or the file called --name, in the image's boot firmware
volume. With --section only that section's body is reported. The contents are written to --out
when given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args[0])
		},
	}
	find.SetContext(ctx)
	find.Flags().AddGoFlag(goFlag("type", &fileTypeFlag{v: &c.FileType},
		"File type to search for, by name (dxe.core, sec, raw, ...) or number."))
	find.Flags().AddGoFlag(goFlag("section", &sectionTypeFlag{v: &c.SectionType, set: &c.hasSection},
		"Section type to extract from the file, by name (pe32, raw, ...) or number."))
	find.Flags().StringVar(&c.Name, "name", "", "GUID of the file to find instead of searching by type.")
	addOutFlag(find, &c.Out)

	cmd.AddCommand(ls)
	cmd.AddCommand(find)
	return cmd
}
