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
	"github.com/dustin/go-humanize"
	"github.com/google/tdshim/cmd/output"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

type hobDumpCommand struct {
	root *rootCommand
	Base abi.EFIPhysicalAddress
}

func (c *hobDumpCommand) run(ctx context.Context, path string) error {
	data, err := c.root.read(ctx, path)
	if err != nil {
		return err
	}
	list, err := hob.Decode(data)
	if err != nil {
		if !output.AllowRecoverableError(ctx) || list == nil {
			return err
		}
		output.Warningf(ctx, "%v", err)
	}
	if w := output.Writer(ctx); w != nil {
		if err := hob.Dump(w, c.Base, list.Records); err != nil {
			return err
		}
	} else {
		hob.LogRecords(c.Base, list.Records)
	}
	output.Infof(ctx, "%d HOBs, %s before the end of the list", len(list.Records), humanize.IBytes(list.Size))
	return nil
}

func makeHobCmd(ctx context.Context, root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hob",
		Short: "Inspect hand-off block lists",
	}
	cmd.SetContext(ctx)
	c := &hobDumpCommand{root: root}
	dump := &cobra.Command{
		Use:   "dump FILE",
		Short: "Print every record of a HOB list",
		Long: `Decodes the HOB list at the start of FILE and prints each record.

Addresses are reported relative to --base, the physical address the list was read from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args[0])
		},
	}
	dump.SetContext(ctx)
	dump.Flags().AddGoFlag(addressVar(&c.Base, "base", 0, "Physical address of the list."))
	cmd.AddCommand(dump)
	return cmd
}
