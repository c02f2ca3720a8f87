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
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
)

// DefaultMaxPagesPerCall is the largest run accepted by one call, 2MiB.
const DefaultMaxPagesPerCall = 512

// Engine accepts private memory into the trust domain.
type Engine struct {
	Gateway Gateway
	// Memory is written only after the pages it touches are accepted.
	Memory memory.Memory
	// MaxPagesPerCall bounds each run. Zero means DefaultMaxPagesPerCall.
	MaxPagesPerCall uint64
	// Progress, if set, is told the number of bytes accepted after every run.
	Progress func(accepted uint64)
}

func (e *Engine) maxPages() uint64 {
	if e.MaxPagesPerCall == 0 {
		return DefaultMaxPagesPerCall
	}
	return e.MaxPagesPerCall
}

// AcceptRange accepts [base, end) in runs of at most MaxPagesPerCall pages. After each run is
// accepted it is cleared, skipping its first byte. A failed call is returned wrapping
// ErrCallFailed and is never retried.
func (e *Engine) AcceptRange(base, end abi.EFIPhysicalAddress) error {
	if end == base {
		return nil
	}
	if end < base {
		return fmt.Errorf("accept range end 0x%x below base 0x%x", uint64(end), uint64(base))
	}
	if uint64(base)%memory.PageSize != 0 || uint64(end)%memory.PageSize != 0 {
		return fmt.Errorf("accept range [0x%x, 0x%x) is not page aligned", uint64(base), uint64(end))
	}
	logger.V(1).Infof("Accepting [0x%x, 0x%x)", uint64(base), uint64(end))
	maxRun := memory.PagesToSize(e.maxPages())
	for runStart := base; runStart < end; {
		runEnd := runStart + abi.EFIPhysicalAddress(min(uint64(end-runStart), maxRun))
		pages := memory.SizeToPages(uint64(runEnd - runStart))
		status := e.Gateway.Call(RequestAcceptPages, [4]uint64{uint64(runStart), pages}, nil)
		if status != StatusSuccess {
			logger.Errorf("Accepting 0x%x pages at 0x%x failed with status 0x%x", pages, uint64(runStart), uint64(status))
			return fmt.Errorf("%w: %v of 0x%x pages at 0x%x returned status 0x%x",
				ErrCallFailed, RequestAcceptPages, pages, uint64(runStart), uint64(status))
		}
		if err := memory.Zero(e.Memory, memory.Range(runStart+1, runEnd)); err != nil {
			return fmt.Errorf("could not clear accepted run %v: %w", memory.Range(runStart, runEnd), err)
		}
		if e.Progress != nil {
			e.Progress(uint64(runEnd - runStart))
		}
		runStart = runEnd
	}
	return nil
}
