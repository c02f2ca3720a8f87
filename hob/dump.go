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

package hob

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/logger"
	"github.com/google/tdshim/ovmf/abi"
)

// ResourceClass returns the four character label of a resource type.
func ResourceClass(t abi.EFIResourceType) string {
	switch t {
	case abi.EFIResourceSystemMemory:
		return "Mem "
	case abi.EFIResourceMemoryMappedIO:
		return "Mmio"
	case abi.EFIResourceIO:
		return "Io  "
	case abi.EFIResourceFirmwareDevice:
		return "Firm"
	case abi.EFIResourceMemoryReserved:
		return "Rsvd"
	}
	return "<??>"
}

// Dump writes one line per record, plus a detail line for resource descriptors and memory
// allocations. base is the address the list was read from.
func Dump(w io.Writer, base abi.EFIPhysicalAddress, records []Record) error {
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "HOB(0x%x) : HobType - %x\n", uint64(base)+r.Offset(), r.HobType()); err != nil {
			return err
		}
		var detail string
		switch r := r.(type) {
		case *ResourceDescriptor:
			detail = fmt.Sprintf("\t%s:ResType-%x, 0x%016x-0x%016x (Attribute-%x)\n", ResourceClass(r.ResourceType),
				uint32(r.ResourceType), uint64(r.PhysicalStart), r.ResourceLength, uint32(r.ResourceAttribute))
		case *MemoryAllocation:
			detail = fmt.Sprintf("\tAllo: 0x%016x-0x%016x (Type-%x)\n", uint64(r.AllocDescriptor.MemoryBaseAddress),
				r.AllocDescriptor.MemoryLength, uint32(r.AllocDescriptor.MemoryType))
		case *GUIDExtension:
			detail = fmt.Sprintf("\tGuid: %v (0x%x bytes)\n", r.GUID, len(r.Data))
		case *FirmwareVolume:
			detail = fmt.Sprintf("\tFv  : 0x%016x-0x%016x\n", uint64(r.BaseAddress), r.Length)
		}
		if _, err := io.WriteString(w, detail); err != nil {
			return err
		}
	}
	return nil
}

// LogRecords writes the dump of records to the verbose log.
func LogRecords(base abi.EFIPhysicalAddress, records []Record) {
	var sb strings.Builder
	_ = Dump(&sb, base, records)
	for _, line := range strings.Split(strings.TrimRight(sb.String(), "\n"), "\n") {
		logger.V(2).Info(line)
	}
}
