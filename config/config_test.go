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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/tdshim/ipl"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/testing/fakeovmf"
	"github.com/google/tdshim/testing/match"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if diff := cmp.Diff(c.Metadata(), fakeovmf.DefaultMetadata()); diff != "" {
		t.Errorf("Default().Metadata() diff (-got +want): %s", diff)
	}
	if diff := cmp.Diff(FromMetadata(c.Metadata()), c.Layout); diff != "" {
		t.Errorf("FromMetadata() diff (-got +want): %s", diff)
	}
}

func TestValidate(t *testing.T) {
	tcs := []struct {
		name     string
		mutate   func(c *Config)
		wantErrs []string
	}{
		{
			name:     "empty region",
			mutate:   func(c *Config) { c.Layout.MailboxSize = 0 },
			wantErrs: []string{"mailbox region is empty"},
		},
		{
			name:     "unaligned and overlapping",
			mutate:   func(c *Config) { c.Layout.HeapBase = 0x820800 },
			wantErrs: []string{"heap region [0x820800, 0x840800) is not page aligned", "overlaps the stack region"},
		},
		{
			name:     "bad payload name",
			mutate:   func(c *Config) { c.PayloadName = "dxe" },
			wantErrs: []string{`payload name "dxe"`},
		},
		{
			name:     "stack guard without page tables",
			mutate:   func(c *Config) { c.BuildPageTables, c.CPUStackGuard = false, true },
			wantErrs: []string{"stack protection requires page tables"},
		},
		{
			name:     "zero accept run",
			mutate:   func(c *Config) { c.MaxAcceptPagesPerCall = 0 },
			wantErrs: []string{"max_accept_pages_per_call must be positive"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			errs := multierr.Errors(c.Validate())
			if len(errs) != len(tc.wantErrs) {
				t.Fatalf("Validate() = %v, want %d errors", errs, len(tc.wantErrs))
			}
			for i, want := range tc.wantErrs {
				if !match.Error(errs[i], want) {
					t.Errorf("Validate() error %d = %v, want %q", i, errs[i], want)
				}
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, contents string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	payload := "d6a2cb7f-6a18-4e2f-b43b-9920a733700a"
	path := write("shim.yaml", `
layout:
  hob_base: 0x901000
set_nx_for_stack: true
null_pointer_detection: true
fv_instance: 1
payload_name: `+payload+`
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	want := Default()
	want.Layout.HobBase = 0x901000
	want.SetNxForStack = true
	want.NullPointerDetection = true
	want.FvInstance = 1
	want.PayloadName = payload
	if diff := cmp.Diff(c, want); diff != "" {
		t.Errorf("Load() diff (-got +want): %s", diff)
	}
	opts, err := c.BootOptions()
	if err != nil {
		t.Fatalf("BootOptions() = %v", err)
	}
	wantOpts := ipl.Options{
		BuildPageTables:      true,
		SetNxForStack:        true,
		NullPointerDetection: true,
		FvInstance:           1,
		PayloadName:          uuid.MustParse(payload),
		InputLimit:           ipl.DefaultInputLimit,
		BootFirmwareVolume:   memory.Range(0xfffe0000, 0x100000000),
	}
	if diff := cmp.Diff(opts, wantOpts); diff != "" {
		t.Errorf("BootOptions() diff (-got +want): %s", diff)
	}

	if _, err := Load(write("bad.yaml", "layout: [")); !match.Error(err, "could not parse config") {
		t.Errorf("Load(malformed) = %v", err)
	}
	if _, err := Load(write("invalid.yaml", "build_page_tables: false\ncpu_stack_guard: true\n")); !match.Error(err, "stack protection requires page tables") {
		t.Errorf("Load(invalid) = %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) = nil, want an error")
	}
}
