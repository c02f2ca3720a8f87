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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/tdshim/config"
	"github.com/google/tdshim/cpu"
	"github.com/google/tdshim/hob"
	"github.com/google/tdshim/ipl"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/tdx"
	"github.com/google/tdshim/testing/faketdx"
	"github.com/google/tdshim/testing/fakefv"
	"github.com/google/tdshim/testing/fakehob"
	"github.com/google/tdshim/testing/fakeovmf"
	"github.com/google/tdshim/testing/match"
	"github.com/google/tdshim/testing/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

var dxeCoreName = uuid.MustParse("d6a2cb7f-6a18-4e2f-b43b-9920a733700a")

func dxeCore() fakefv.File {
	return fakefv.File{
		Name:     dxeCoreName,
		Type:     abi.EFIFvFileTypeDXECore,
		Sections: []fakefv.Section{{Type: abi.EFISectionPE32, Body: fakefv.PE(fakefv.PEOptions{})}},
	}
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func shimImage(t *testing.T) string {
	t.Helper()
	return writeTemp(t, "shim.fd", fakeovmf.Image(fakeovmf.ImageOptions{Files: []fakefv.File{dxeCore()}}))
}

// execute runs the tool with args and returns what it printed.
func execute(app *AppComponents, args ...string) (string, error) {
	cmd := MakeApp(context.Background(), app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootFlags(t *testing.T) {
	tcs := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name: "happy path",
			args: []string{},
		},
		{
			name:    "output conflict",
			args:    []string{"--verbose", "--quiet"},
			wantErr: "cannot specify both --quiet and --verbose",
		},
		{
			name:    "missing config",
			args:    []string{"--config", filepath.Join(t.TempDir(), "none.yaml")},
			wantErr: "no such file",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cmd := makeRootCmd(context.Background(), &rootCommand{})
			// Avoid the usage error by defining a Run function.
			cmd.RunE = func(c *cobra.Command, args []string) error { return nil }
			cmd.SetArgs(tc.args)
			if err := cmd.Execute(); !match.Error(err, tc.wantErr) {
				t.Fatal(err)
			}
		})
	}
}

func TestAddressFlag(t *testing.T) {
	var v abi.EFIPhysicalAddress
	tcs := []struct {
		name    string
		args    []string
		want    abi.EFIPhysicalAddress
		wantErr string
	}{
		{name: "default", want: 0x1000},
		{name: "hex", args: []string{"--addr=0xfffe0000"}, want: 0xfffe0000},
		{name: "decimal", args: []string{"--addr=4096"}, want: 4096},
		{name: "garbage", args: []string{"--addr=high"}, wantErr: `"high" is not an address`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			c := &cobra.Command{RunE: func(*cobra.Command, []string) error { return nil }}
			c.Flags().AddGoFlag(addressVar(&v, "addr", 0x1000, "address"))
			c.SetArgs(tc.args)
			if err := c.Execute(); !match.Error(err, tc.wantErr) {
				t.Fatalf("Execute() = %v, want %q", err, tc.wantErr)
			}
			if tc.wantErr == "" && v != tc.want {
				t.Errorf("--addr = 0x%x, want 0x%x", uint64(v), uint64(tc.want))
			}
		})
	}
}

func TestSizeFlag(t *testing.T) {
	var v uint64
	tcs := []struct {
		name    string
		args    []string
		want    uint64
		wantErr string
	}{
		{name: "default", want: defaultRAM},
		{name: "binary units", args: []string{"--ram=2GiB"}, want: 2 << 30},
		{name: "decimal units", args: []string{"--ram=512MB"}, want: 512000000},
		{name: "zero", args: []string{"--ram=0"}, wantErr: "size must be positive"},
		{name: "garbage", args: []string{"--ram=lots"}, wantErr: `"lots" is not a size`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			c := &cobra.Command{RunE: func(*cobra.Command, []string) error { return nil }}
			c.Flags().AddGoFlag(sizeVar(&v, "ram", defaultRAM, "size"))
			c.SetArgs(tc.args)
			if err := c.Execute(); !match.Error(err, tc.wantErr) {
				t.Fatalf("Execute() = %v, want %q", err, tc.wantErr)
			}
			if tc.wantErr == "" && v != tc.want {
				t.Errorf("--ram = %d, want %d", v, tc.want)
			}
		})
	}
}

func TestHobDump(t *testing.T) {
	list := fakehob.New(0x10000000).
		SystemMemory(0, 0x800000).
		Allocation(0x801000, 0x10000, abi.EfiBootServicesData).
		Bytes()
	path := writeTemp(t, "hob.bin", list)
	out, err := execute(nil, "hob", "dump", path, "--base=0x801000")
	if err != nil {
		t.Fatalf("hob dump = %v", err)
	}
	for _, want := range []string{"HOB(0x801000)", "3 HOBs"} {
		if !strings.Contains(out, want) {
			t.Errorf("hob dump output %q does not contain %q", out, want)
		}
	}

	corrupt := writeTemp(t, "corrupt.bin", list[:len(list)-8])
	if _, err := execute(nil, "hob", "dump", corrupt); err == nil {
		t.Errorf("hob dump(truncated) = nil, want an error")
	}
	out, err = execute(nil, "--keep_going", "hob", "dump", corrupt)
	if err != nil || !strings.Contains(out, "WARNING: ") {
		t.Errorf("hob dump --keep_going (truncated) = %q, %v, want a warning", out, err)
	}
}

func TestFvList(t *testing.T) {
	out, err := execute(nil, "fv", "ls", shimImage(t))
	if err != nil {
		t.Fatalf("fv ls = %v", err)
	}
	for _, want := range []string{"bfv at 0x00000000, 128 KiB", "holds 3 files", "dxe.core", "pe32"} {
		if !strings.Contains(out, want) {
			t.Errorf("fv ls output %q does not contain %q", out, want)
		}
	}
	if _, err := execute(nil, "fv", "ls", writeTemp(t, "erased.fd", bytes.Repeat([]byte{0xff}, 0x1000))); !match.Error(err, "no boot firmware volume") {
		t.Errorf("fv ls(erased) = %v, want no boot firmware volume", err)
	}
}

func TestFvFind(t *testing.T) {
	image := shimImage(t)
	out := filepath.Join(t.TempDir(), "dxe.efi")
	if _, err := execute(nil, "fv", "find", image, "--section=pe32", "--out", out); err != nil {
		t.Fatalf("fv find = %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, fakefv.PE(fakefv.PEOptions{})); diff != "" {
		t.Errorf("fv find --section=pe32 diff (-got +want): %s", diff)
	}

	tcs := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "by type", args: []string{"--type=sec"}, want: "sec at volume offset 0x48"},
		{name: "by name", args: []string{"--name", dxeCoreName.String()}, want: dxeCoreName.String()},
		{name: "missing type", args: []string{"--type=peim"}, wantErr: "no matching file"},
		{name: "bad name", args: []string{"--name=nope"}, wantErr: "could not parse --name"},
		{name: "bad type", args: []string{"--type=nope"}, wantErr: `unknown file type "nope"`},
		{name: "existing out", args: []string{"--out", out}, wantErr: "file exists"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := execute(nil, append([]string{"fv", "find", image}, tc.args...)...)
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("fv find %v = %v, want %q", tc.args, err, tc.wantErr)
			}
			if !strings.Contains(got, tc.want) {
				t.Errorf("fv find %v output %q does not contain %q", tc.args, got, tc.want)
			}
		})
	}
}

func TestMetadataInjectAndDump(t *testing.T) {
	image := shimImage(t)
	if _, err := execute(nil, "metadata", "dump", image); !errors.Is(err, ovmf.ErrNoTDVFMetadata) {
		t.Fatalf("metadata dump(no descriptor) = %v, want %v", err, ovmf.ErrNoTDVFMetadata)
	}
	injected := filepath.Join(t.TempDir(), "injected.fd")
	out, err := execute(nil, "metadata", "inject", image, "--out", injected)
	if err != nil {
		t.Fatalf("metadata inject = %v", err)
	}
	if !strings.Contains(out, "with 5 sections") {
		t.Errorf("metadata inject output %q does not report 5 sections", out)
	}
	if _, err := execute(nil, "metadata", "inject", image, "--out", injected); !match.Error(err, "file exists") {
		t.Errorf("metadata inject again = %v, want file exists", err)
	}
	if _, err := execute(nil, "metadata", "inject", image); !match.Error(err, "expected --out") {
		t.Errorf("metadata inject without --out = %v", err)
	}
	out, err = execute(nil, "metadata", "dump", injected)
	if err != nil {
		t.Fatalf("metadata dump = %v", err)
	}
	for _, want := range []string{"Shim metadata block at 0x", "hob      0x00801000", "Signature             : TDVF", "<-- TD_HOB"} {
		if !strings.Contains(out, want) {
			t.Errorf("metadata dump output %q does not contain %q", out, want)
		}
	}
}

func TestMetadataDumpInvalid(t *testing.T) {
	data := fakeovmf.Image(fakeovmf.ImageOptions{})
	bad := abi.NewTDVFMetadata(&abi.TDVFSection{
		MemoryBase:  0x801000,
		MemorySize:  0x10000,
		SectionType: abi.TDVFSectionTypeTDHOB,
	})
	bad.Header.Version = 9
	if err := fakeovmf.PlaceTDVFMetadata(data, 0x1000, bad); err != nil {
		t.Fatal(err)
	}
	path := writeTemp(t, "bad.fd", data)
	if _, err := execute(nil, "metadata", "dump", path); !match.Error(err, "version mismatch") {
		t.Errorf("metadata dump(bad) = %v, want version mismatch", err)
	}
	out, err := execute(nil, "--keep_going", "metadata", "dump", path)
	if err != nil {
		t.Fatalf("metadata dump --keep_going (bad) = %v", err)
	}
	for _, want := range []string{"WARNING: TDVF descriptor version mismatch", "WARNING: TDVF descriptor doesn't contain a boot firmware volume section"} {
		if !strings.Contains(out, want) {
			t.Errorf("metadata dump --keep_going output %q does not contain %q", out, want)
		}
	}
}

func TestMetadataBlock(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTemp(t, "shim.yaml", []byte("layout:\n  hob_base: 0x900000\n  hob_size: 0x8000\n"))
	out := filepath.Join(dir, "block.bin")
	if _, err := execute(nil, "--config", cfg, "metadata", "block", "--out", out); err != nil {
		t.Fatalf("metadata block = %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	m, err := abi.ShimMetadataFromBytes(got)
	if err != nil {
		t.Fatal(err)
	}
	want := config.Default().Layout
	want.HobBase, want.HobSize = 0x900000, 0x8000
	if diff := cmp.Diff(config.FromMetadata(m), want); diff != "" {
		t.Errorf("metadata block layout diff (-got +want): %s", diff)
	}
	if m.Signature != abi.ShimMetadataSignature {
		t.Errorf("metadata block signature = 0x%x, want 0x%x", m.Signature, abi.ShimMetadataSignature)
	}
}

func TestBoot(t *testing.T) {
	tcs := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "descriptor injected",
			want: []string{
				"has no TDVF descriptor",
				"Control transferred after",
				"HOB list        0x",
				" records, ",
				"page tables     0x",
				"EV_EFI_HANDOFF_TABLES2",
			},
		},
		{
			name: "memory above 4GiB left unaccepted",
			args: []string{"--ram=2050MiB", "--lazy_accept_high"},
			want: []string{"Control transferred after"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(nil, append([]string{"boot", "--fd", shimImage(t)}, tc.args...)...)
			if err != nil {
				t.Fatalf("boot = %v, output %q", err, out)
			}
			for _, want := range tc.want {
				if !strings.Contains(out, want) {
					t.Errorf("boot output %q does not contain %q", out, want)
				}
			}
		})
	}
}

func TestBootAccepted(t *testing.T) {
	var gw *faketdx.Gateway
	app := &AppComponents{Gateway: func(mem *memory.Guarded) tdx.Gateway {
		gw = faketdx.New(mem)
		return gw
	}}
	if _, err := execute(app, "boot", "--fd", shimImage(t), "--ram=64MiB"); err != nil {
		t.Fatalf("boot = %v", err)
	}
	var got uint64
	for _, r := range gw.Accepted() {
		got += r.Length
	}
	m := fakeovmf.DefaultMetadata()
	want := uint64(64<<20) - (m.MailboxSize + m.HobSize + m.StackSize + m.HeapSize)
	if got != want {
		t.Errorf("boot accepted 0x%x bytes, want 0x%x", got, want)
	}
}

func TestBootFailures(t *testing.T) {
	tcs := []struct {
		name    string
		app     *AppComponents
		args    []string
		wantErr string
		wantIs  error
	}{
		{name: "no firmware", args: []string{}, wantErr: "expected --fd"},
		{
			name: "accept fails",
			app: &AppComponents{Gateway: func(*memory.Guarded) tdx.Gateway {
				return &faketdx.Gateway{FailAt: 1, FailStatus: 1}
			}},
			args:    []string{"--fd", shimImage(t)},
			wantErr: "boot stopped in state HobReceived",
			wantIs:  tdx.ErrCallFailed,
		},
		{
			name:    "no next stage",
			args:    []string{"--fd", writeTemp(t, "empty.fd", fakeovmf.Image(fakeovmf.ImageOptions{}))},
			wantErr: "boot stopped in state PoolEstablished",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(tc.app, append([]string{"boot"}, tc.args...)...)
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("boot %v = %v, want %q", tc.args, err, tc.wantErr)
			}
			if tc.wantIs != nil && !errors.Is(err, tc.wantIs) {
				t.Errorf("boot %v = %v, want %v", tc.args, err, tc.wantIs)
			}
		})
	}
}

func TestBootReport(t *testing.T) {
	c := &bootCommand{}
	handoff := &cpu.Handoff{Entry: 0x201000, Arg: 0x1000, StackTop: 0x7f0000}
	if err := c.report(context.Background(), handoff, 0, time.Duration(0)); !errors.Is(err, ipl.ErrNoContext) {
		t.Errorf("report() without a boot = %v, want ErrNoContext", err)
	}
	ctx := ipl.NewContext(context.Background(), &ipl.Context{Memory: memory.NewSparse(0x10000)})
	err := c.report(ctx, handoff, 0, time.Duration(0))
	if !errors.Is(err, hob.ErrCorrupted) || !match.Error(err, "next stage HOB list at 0x1000") {
		t.Errorf("report() with no HOB list at the hand-off argument = %v, want ErrCorrupted", err)
	}
}

func TestRamBanks(t *testing.T) {
	tcs := []struct {
		size uint64
		want []memory.GuestPhysicalRegion
	}{
		{size: 1 << 30, want: []memory.GuestPhysicalRegion{memory.Range(0, 1<<30)}},
		{size: lowRAMLimit, want: []memory.GuestPhysicalRegion{memory.Range(0, lowRAMLimit)}},
		{size: 3 << 30, want: []memory.GuestPhysicalRegion{
			memory.Range(0, lowRAMLimit),
			memory.Range(memory.Base4GiB, memory.Base4GiB+1<<30),
		}},
	}
	for _, tc := range tcs {
		if diff := cmp.Diff(ramBanks(tc.size), tc.want); diff != "" {
			t.Errorf("ramBanks(0x%x) diff (-got +want): %s", tc.size, diff)
		}
	}
	private := []memory.GuestPhysicalRegion{memory.Range(0x800000, 0x851000)}
	if got, want := toAccept(ramBanks(3<<30), private, true), uint64(lowRAMLimit-0x51000); got != want {
		t.Errorf("toAccept(lazy) = 0x%x, want 0x%x", got, want)
	}
	if got, want := toAccept(ramBanks(3<<30), private, false), uint64(3<<30-0x51000); got != want {
		t.Errorf("toAccept() = 0x%x, want 0x%x", got, want)
	}
}

func TestStorage(t *testing.T) {
	image := fakeovmf.Image(fakeovmf.ImageOptions{})
	diskFull := errors.New("disk full")
	store := storage.WithInitialContents(map[string][]byte{"shim.fd": image, "full.fd": nil})
	store.Objects["full.fd"].WriteErr = diskFull
	app := &AppComponents{Storage: store}

	if _, err := execute(app, "metadata", "inject", "shim.fd", "--out", "new.fd"); err != nil {
		t.Fatalf("metadata inject = %v", err)
	}
	if _, err := ovmf.ExtractTDVFMetadata(store.Objects["new.fd"].Data); err != nil {
		t.Errorf("ExtractTDVFMetadata(new.fd) = %v", err)
	}
	if _, err := execute(app, "--overwrite", "metadata", "inject", "shim.fd", "--out", "full.fd"); !errors.Is(err, diskFull) {
		t.Errorf("metadata inject --out full.fd = %v, want %v", err, diskFull)
	}
	if _, err := execute(app, "fv", "ls", "missing.fd"); !match.Error(err, `file "missing.fd" does not exist`) {
		t.Errorf("fv ls missing.fd = %v", err)
	}
}
