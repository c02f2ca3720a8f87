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

// Package cmd implements the tdshim command line tool.
package cmd

import (
	"errors"
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/cmd/output"
	"github.com/google/tdshim/config"
	"github.com/google/tdshim/storage/local"
	"github.com/google/tdshim/storage/ops"
	"github.com/google/tdshim/storage/storagei"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

// rootCommand holds the flags and file system every subcommand shares.
type rootCommand struct {
	ConfigPath string
	Storage    storagei.Client
	config     *config.Config
}

// Config returns the configuration loaded for this invocation.
func (r *rootCommand) Config() *config.Config {
	if r.config == nil {
		return config.Default()
	}
	return r.config
}

func (r *rootCommand) storage() storagei.Client {
	if r.Storage == nil {
		return &local.StorageClient{}
	}
	return r.Storage
}

func (r *rootCommand) read(ctx context.Context, name string) ([]byte, error) {
	return ops.ReadFile(ctx, r.storage(), name)
}

// write stores a command's result, refusing to replace a file unless --overwrite is given.
func (r *rootCommand) write(ctx context.Context, name string, data []byte) error {
	if err := ops.WriteNew(ctx, r.storage(), name, data, output.AllowOverwrite(ctx)); err != nil {
		if errors.Is(err, ops.ErrExists) {
			return fmt.Errorf("%w, use --overwrite to replace it", err)
		}
		return err
	}
	output.Debugf(ctx, "Wrote %d bytes to %s", len(data), name)
	return nil
}

func (r *rootCommand) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	if r.ConfigPath == "" {
		r.config = config.Default()
		return nil
	}
	data, err := r.read(cmd.Context(), r.ConfigPath)
	if err != nil {
		return err
	}
	c, err := config.Parse(r.ConfigPath, data)
	if err != nil {
		return err
	}
	r.config = c
	return nil
}

// makeRootCmd creates an entrypoint for tdshim.
func makeRootCmd(ctx0 context.Context, root *rootCommand) *cobra.Command {
	flags := &output.Options{}
	ctx := output.NewContext(ctx0, flags)
	cmd := &cobra.Command{
		Use: "tdshim",
		Long: `Command line tool for the trust domain firmware shim

Inspect HOB lists, firmware volumes and TDVF descriptors, prepare shim images for a VMM, and
simulate a boot of an image in emulated guest memory.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(cmd); err != nil {
				return err
			}
			if flags.UseLogs && flags.Verbose {
				logger.SetLevel(1)
			}
			if flags.Out == nil {
				flags.Out = cmd.OutOrStdout()
			}
			return root.PersistentPreRunE(cmd, args)
		},
	}
	cmd.SetContext(ctx)
	cmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "",
		"Path to a YAML shim configuration. The built-in configuration is used when empty.")
	flags.AddFlags(cmd)
	return cmd
}
