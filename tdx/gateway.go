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

// Package tdx drives the privileged calls a trust domain makes into the isolation layer, most
// importantly the acceptance of private memory pages.
package tdx

import (
	"errors"
	"fmt"
)

// Request is the leaf function number of a privileged call.
type Request uint64

const (
	// RequestVMCall is TDG.VP.VMCALL, a call forwarded to the hypervisor.
	RequestVMCall Request = 0
	// RequestInfo is TDG.VP.INFO. On success the value slot holds the guest physical address width.
	RequestInfo Request = 1
	// RequestAcceptPages is TDG.MEM.PAGE.ACCEPT. Operand 0 is the first page's physical address and
	// operand 1 is the page count.
	RequestAcceptPages Request = 6
)

func (r Request) String() string {
	switch r {
	case RequestVMCall:
		return "VP.VMCALL"
	case RequestInfo:
		return "VP.INFO"
	case RequestAcceptPages:
		return "MEM.PAGE.ACCEPT"
	}
	return fmt.Sprintf("Request(%d)", uint64(r))
}

// Status is the completion status of a privileged call. Any non-zero status is a failure.
type Status uint64

const (
	// StatusSuccess is the only successful status.
	StatusSuccess Status = 0
	// StatusOperandInvalid reports a malformed request.
	StatusOperandInvalid Status = 0xC000010000000000
	// StatusPageAlreadyAccepted reports that a page in the range was accepted before.
	StatusPageAlreadyAccepted Status = 0x00000B0A00000000
)

// ErrCallFailed wraps every non-zero status. Callers must treat it as fatal.
var ErrCallFailed = errors.New("privileged call failed")

// Gateway is the opaque transport for privileged calls. Calls are synchronous and cannot be
// cancelled.
type Gateway interface {
	Call(req Request, operands [4]uint64, value *uint64) Status
}

// GuestPhysicalAddressWidth asks the isolation layer for the number of physical address bits.
func GuestPhysicalAddressWidth(g Gateway) (uint8, error) {
	var value uint64
	if status := g.Call(RequestInfo, [4]uint64{}, &value); status != StatusSuccess {
		return 0, fmt.Errorf("%w: %v returned status 0x%x", ErrCallFailed, RequestInfo, uint64(status))
	}
	if value == 0 || value > 64 {
		return 0, fmt.Errorf("%w: %v returned address width %d", ErrCallFailed, RequestInfo, value)
	}
	return uint8(value), nil
}
