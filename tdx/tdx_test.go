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

package tdx_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/tdx"
	"github.com/google/tdshim/testing/faketdx"
	"github.com/google/tdshim/testing/match"
)

func TestAcceptRange(t *testing.T) {
	tcs := []struct {
		name     string
		base     abi.EFIPhysicalAddress
		end      abi.EFIPhysicalAddress
		maxPages uint64
		want     []memory.GuestPhysicalRegion
		wantErr  string
	}{
		{
			name:     "single run",
			base:     0x100000,
			end:      0x104000,
			maxPages: 8,
			want:     []memory.GuestPhysicalRegion{memory.Range(0x100000, 0x104000)},
		},
		{
			name:     "bounded runs with remainder",
			base:     0x0,
			end:      0x5000,
			maxPages: 2,
			want: []memory.GuestPhysicalRegion{
				memory.Range(0x0, 0x2000),
				memory.Range(0x2000, 0x4000),
				memory.Range(0x4000, 0x5000),
			},
		},
		{
			name: "default bound",
			base: 0x200000,
			end:  0x600000,
			want: []memory.GuestPhysicalRegion{
				memory.Range(0x200000, 0x400000),
				memory.Range(0x400000, 0x600000),
			},
		},
		{
			name: "empty",
			base: 0x1000,
			end:  0x1000,
		},
		{
			name:    "inverted",
			base:    0x2000,
			end:     0x1000,
			wantErr: "below base",
		},
		{
			name:    "unaligned",
			base:    0x1001,
			end:     0x3000,
			wantErr: "not page aligned",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			g := &faketdx.Gateway{}
			e := &tdx.Engine{Gateway: g, Memory: memory.NewSparse(0x1000000), MaxPagesPerCall: tc.maxPages}
			err := e.AcceptRange(tc.base, tc.end)
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("AcceptRange(0x%x, 0x%x) = %v, want %q", tc.base, tc.end, err, tc.wantErr)
			}
			if diff := cmp.Diff(g.Accepted(), tc.want); diff != "" {
				t.Errorf("accepted runs diff (-got +want): %s", diff)
			}
			// Runs must tile the range exactly.
			cursor := tc.base
			for _, run := range g.Accepted() {
				if run.Start != cursor {
					t.Errorf("run %v does not start at 0x%x", run, cursor)
				}
				if run.Pages() > e.MaxPagesPerCall && e.MaxPagesPerCall != 0 {
					t.Errorf("run %v exceeds %d pages", run, e.MaxPagesPerCall)
				}
				cursor = run.End()
			}
			if tc.wantErr == "" && cursor != tc.end {
				t.Errorf("runs end at 0x%x, want 0x%x", cursor, tc.end)
			}
		})
	}
}

func TestAcceptRangeZeroes(t *testing.T) {
	backing := memory.NewSparse(0x10000)
	dirty := bytes.Repeat([]byte{0xaa}, 0x3000)
	if err := memory.Write(backing, 0x1000, dirty); err != nil {
		t.Fatal(err)
	}
	guarded := memory.NewGuarded(backing)
	var progress uint64
	e := &tdx.Engine{
		Gateway:         faketdx.New(guarded),
		Memory:          guarded,
		MaxPagesPerCall: 2,
		Progress:        func(n uint64) { progress += n },
	}
	if err := e.AcceptRange(0x1000, 0x4000); err != nil {
		t.Fatalf("AcceptRange() = %v", err)
	}
	got, err := memory.Read(guarded, 0x1000, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 0x3000)
	// The first byte of every run is left alone.
	want[0] = 0xaa
	want[0x2000] = 0xaa
	if !bytes.Equal(got, want) {
		t.Errorf("accepted memory not cleared as expected")
	}
	if progress != 0x3000 {
		t.Errorf("progress = 0x%x, want 0x3000", progress)
	}
	if _, err := memory.Read(guarded, 0x4000, 1); !errors.Is(err, memory.ErrUnaccepted) {
		t.Errorf("Read(0x4000) = %v, want ErrUnaccepted", err)
	}
}

func TestAcceptRangeFailure(t *testing.T) {
	g := &faketdx.Gateway{FailAt: 2, FailStatus: tdx.StatusOperandInvalid}
	e := &tdx.Engine{Gateway: g, Memory: memory.NewSparse(0x10000), MaxPagesPerCall: 1}
	err := e.AcceptRange(0, 0x4000)
	if !errors.Is(err, tdx.ErrCallFailed) {
		t.Fatalf("AcceptRange() = %v, want ErrCallFailed", err)
	}
	if len(g.Calls) != 2 {
		t.Errorf("made %d calls after failure, want 2 (no retry)", len(g.Calls))
	}
}

func TestEmulator(t *testing.T) {
	m := memory.NewGuarded(memory.NewSparse(0x10000))
	e := &tdx.Emulator{Memory: m}
	if s := e.Call(tdx.RequestAcceptPages, [4]uint64{0x1000, 1}, nil); s != tdx.StatusSuccess {
		t.Errorf("accept = 0x%x, want success", uint64(s))
	}
	if s := e.Call(tdx.RequestAcceptPages, [4]uint64{0x1000, 1}, nil); s != tdx.StatusPageAlreadyAccepted {
		t.Errorf("second accept = 0x%x, want already accepted", uint64(s))
	}
	if s := e.Call(tdx.RequestAcceptPages, [4]uint64{0x1001, 1}, nil); s != tdx.StatusOperandInvalid {
		t.Errorf("unaligned accept = 0x%x, want operand invalid", uint64(s))
	}
	width, err := tdx.GuestPhysicalAddressWidth(e)
	if err != nil || width != 48 {
		t.Errorf("GuestPhysicalAddressWidth() = %d, %v, want 48", width, err)
	}
	if _, err := tdx.GuestPhysicalAddressWidth(&faketdx.Gateway{FailAt: 1, FailStatus: 1}); !errors.Is(err, tdx.ErrCallFailed) {
		t.Errorf("GuestPhysicalAddressWidth(failing) = %v, want ErrCallFailed", err)
	}
}
