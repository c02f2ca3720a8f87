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

package tdx

import (
	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
)

// Emulator services privileged calls in-process against guarded memory. It lets the boot path run
// outside a trust domain.
type Emulator struct {
	Memory *memory.Guarded
	// AddressWidth is reported by RequestInfo. Zero reports 48.
	AddressWidth uint8
}

// Call implements Gateway.
func (e *Emulator) Call(req Request, operands [4]uint64, value *uint64) Status {
	switch req {
	case RequestInfo:
		if value == nil {
			return StatusOperandInvalid
		}
		*value = uint64(e.AddressWidth)
		if *value == 0 {
			*value = 48
		}
		return StatusSuccess
	case RequestAcceptPages:
		gpr := memory.GuestPhysicalRegion{
			Start:  abi.EFIPhysicalAddress(operands[0]),
			Length: memory.PagesToSize(operands[1]),
		}
		if gpr.Empty() || !gpr.PageAligned() {
			return StatusOperandInvalid
		}
		if err := e.Memory.Accept(gpr); err != nil {
			logger.V(2).Infof("Emulated accept of %v: %v", gpr, err)
			return StatusPageAlreadyAccepted
		}
		return StatusSuccess
	}
	return StatusOperandInvalid
}
