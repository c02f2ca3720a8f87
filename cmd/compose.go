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
	"github.com/google/tdshim/eventlog"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/storage/storagei"
	"github.com/google/tdshim/tdx"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

// AppComponents contains the file system the tool works on and the platform the boot command runs
// an image on. Missing fields are replaced with local disk and emulated ones.
type AppComponents struct {
	// Storage holds input images and receives results.
	Storage storagei.Client
	// Gateway returns the privileged call interface for guest memory. The default emulates the
	// isolation layer over mem.
	Gateway func(mem *memory.Guarded) tdx.Gateway
	// Sink receives the boot's measurements. The default records them for the boot report.
	Sink func() eventlog.Sink
}

func (app *AppComponents) gateway(mem *memory.Guarded) tdx.Gateway {
	if app == nil || app.Gateway == nil {
		return &tdx.Emulator{Memory: mem}
	}
	return app.Gateway(mem)
}

func (app *AppComponents) sink() eventlog.Sink {
	if app == nil || app.Sink == nil {
		return &eventlog.Recorder{}
	}
	return app.Sink()
}

// MakeApp returns an initialized cobra root command for a CLI tool that includes all expected
// subcommands.
func MakeApp(ctx context.Context, app *AppComponents) *cobra.Command {
	r := &rootCommand{}
	if app != nil {
		r.Storage = app.Storage
	}
	root := makeRootCmd(ctx, r)
	root.AddCommand(makeHobCmd(root.Context(), r))
	root.AddCommand(makeFvCmd(root.Context(), r))
	root.AddCommand(makeMetadataCmd(root.Context(), r))
	root.AddCommand(makeBootCmd(root.Context(), r, app))
	return root
}
