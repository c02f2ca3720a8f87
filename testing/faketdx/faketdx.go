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

// Package faketdx provides a privileged-call gateway for tests that records every call.
package faketdx

import (
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/tdx"
)

// Call is one recorded privileged call.
type Call struct {
	Request  tdx.Request
	Operands [4]uint64
}

// Gateway records calls and forwards them to Next, or succeeds when Next is nil.
type Gateway struct {
	Calls []Call
	Next  tdx.Gateway
	// FailAt is the 1-based index of the call that returns FailStatus. Zero never fails.
	FailAt     int
	FailStatus tdx.Status
}

// Call implements tdx.Gateway.
func (g *Gateway) Call(req tdx.Request, operands [4]uint64, value *uint64) tdx.Status {
	g.Calls = append(g.Calls, Call{Request: req, Operands: operands})
	if g.FailAt == len(g.Calls) {
		return g.FailStatus
	}
	if g.Next != nil {
		return g.Next.Call(req, operands, value)
	}
	if req == tdx.RequestInfo && value != nil {
		*value = 48
	}
	return tdx.StatusSuccess
}

// Accepted returns the regions of every recorded accept call in call order.
func (g *Gateway) Accepted() []memory.GuestPhysicalRegion {
	var result []memory.GuestPhysicalRegion
	for _, c := range g.Calls {
		if c.Request != tdx.RequestAcceptPages {
			continue
		}
		result = append(result, memory.GuestPhysicalRegion{
			Start:  abi.EFIPhysicalAddress(c.Operands[0]),
			Length: memory.PagesToSize(c.Operands[1]),
		})
	}
	return result
}

// New returns a gateway that accepts into guarded memory as the isolation layer would.
func New(m *memory.Guarded) *Gateway {
	return &Gateway{Next: &tdx.Emulator{Memory: m}}
}
