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

package cpu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/tdshim/memory"
)

func TestRun(t *testing.T) {
	boom := errors.New("boom")
	tcs := []struct {
		name    string
		fn      func(e *Emulated) error
		want    *Handoff
		wantErr error
	}{
		{
			name: "switch stack",
			fn: func(e *Emulated) error {
				e.WriteCR3(0x9000)
				e.SwitchStack(0x201000, 0x800000, 0x7f0000)
				return nil
			},
			want: &Handoff{Entry: 0x201000, Arg: 0x800000, StackTop: 0x7f0000, CR3: 0x9000},
		},
		{
			name: "dead loop",
			fn: func(e *Emulated) error {
				e.DeadLoop(boom)
				return nil
			},
			wantErr: ErrHalted,
		},
		{
			name:    "error",
			fn:      func(*Emulated) error { return boom },
			wantErr: boom,
		},
		{
			name:    "returns",
			fn:      func(*Emulated) error { return nil },
			wantErr: ErrNoHandoff,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			e := &Emulated{}
			got, err := e.Run(func() error { return tc.fn(e) })
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Run() = %v, want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Run() diff (-got +want): %s", diff)
			}
		})
	}
}

func TestDeadLoopKeepsCause(t *testing.T) {
	cause := errors.New("accept failed")
	e := &Emulated{}
	_, err := e.Run(func() error {
		e.DeadLoop(cause)
		return nil
	})
	if !errors.Is(err, cause) || !errors.Is(err, ErrHalted) {
		t.Errorf("Run() = %v, want both ErrHalted and the cause", err)
	}
}

func TestInvalidate(t *testing.T) {
	e := &Emulated{}
	e.InvalidateInstructionCache(0x1000, 0x2000)
	if diff := cmp.Diff(e.Invalidated, []memory.GuestPhysicalRegion{memory.Range(0x1000, 0x3000)}); diff != "" {
		t.Errorf("Invalidated diff (-got +want): %s", diff)
	}
}
