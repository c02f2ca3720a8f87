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

	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
)

// Cursor walks the records of a HOB list held in a byte slice. It never reads past the slice and
// stops at the first structural problem.
type Cursor struct {
	data   []byte
	offset uint64
	record Record
	err    error
	done   bool
}

// NewCursor returns a cursor positioned before the first record of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Next advances to the next record. It returns false at the end record or on error.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	record, end, err := decodeAt(c.data, c.offset)
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	if end {
		c.done = true
		return false
	}
	c.record = record
	c.offset += uint64(record.HobLength())
	return true
}

// Record returns the record most recently decoded by Next.
func (c *Cursor) Record() Record {
	return c.record
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Offset is the position of the next undecoded record. Once Next has returned false without
// error it is the offset of the end record.
func (c *Cursor) Offset() uint64 {
	return c.offset
}

func corrupted(offset uint64, format string, args ...any) error {
	return fmt.Errorf("%w: at offset 0x%x: %s", ErrCorrupted, offset, fmt.Sprintf(format, args...))
}

func decodeAt(data []byte, offset uint64) (Record, bool, error) {
	if offset > uint64(len(data)) || uint64(len(data))-offset < abi.SizeofHOBGenericHeader {
		return nil, false, corrupted(offset, "list ends without an end record")
	}
	rest := data[offset:]
	header, _ := abi.EFIHOBGenericHeaderFromBytes(rest)
	if header.HobType == abi.EFIHOBTypeEndOfHOBList {
		return nil, true, nil
	}
	if header.HobLength < abi.SizeofHOBGenericHeader {
		return nil, false, corrupted(offset, "record length %d below header size", header.HobLength)
	}
	if int(header.HobLength) > len(rest) {
		return nil, false, corrupted(offset, "record length %d exceeds remaining 0x%x bytes", header.HobLength, len(rest))
	}
	raw := rest[:header.HobLength]
	pos := position{offset: offset, hobType: header.HobType, hobLength: header.HobLength}
	need := func(size int) error {
		if len(raw) < size {
			return corrupted(offset, "type %d record length %d below %d", header.HobType, len(raw), size)
		}
		return nil
	}
	switch header.HobType {
	case abi.EFIHOBTypeHandoff:
		if err := need(abi.SizeOfEFIHOBHandoffInfoTable); err != nil {
			return nil, false, err
		}
		t, _ := abi.EFIHOBHandoffInfoTableFromBytes(raw)
		return &Handoff{position: pos, EFIHOBHandoffInfoTable: *t}, false, nil
	case abi.EFIHOBTypeMemoryAllocation:
		if err := need(abi.SizeofEFIHOBMemoryAllocation); err != nil {
			return nil, false, err
		}
		a, _ := abi.EFIHOBMemoryAllocationFromBytes(raw)
		return &MemoryAllocation{position: pos, EFIHOBMemoryAllocation: *a}, false, nil
	case abi.EFIHOBTypeResourceDescriptor:
		if err := need(abi.SizeofEFIHOBResourceDescriptor); err != nil {
			return nil, false, err
		}
		d, _ := abi.EFIHOBResourceDescriptorFromBytes(raw)
		return &ResourceDescriptor{position: pos, EFIHOBResourceDescriptor: *d}, false, nil
	case abi.EFIHOBTypeGUIDExtension:
		if err := need(abi.SizeofHOBGUID); err != nil {
			return nil, false, err
		}
		g, err := abi.EFIHOBGUIDFromBytes(raw)
		if err != nil {
			return nil, false, corrupted(offset, "%v", err)
		}
		return &GUIDExtension{position: pos, EFIHOBGUID: *g}, false, nil
	case abi.EFIHOBTypeFirmwareVolume:
		if err := need(abi.SizeofEFIHOBFirmwareVolume); err != nil {
			return nil, false, err
		}
		v, _ := abi.EFIHOBFirmwareVolumeFromBytes(raw)
		return &FirmwareVolume{position: pos, EFIHOBFirmwareVolume: *v}, false, nil
	case abi.EFIHOBTypeCPU:
		if err := need(abi.SizeofEFIHOBCPU); err != nil {
			return nil, false, err
		}
		cpu, _ := abi.EFIHOBCPUFromBytes(raw)
		return &CPU{position: pos, EFIHOBCPU: *cpu}, false, nil
	case abi.EFIHOBTypeUnused:
		return &Unused{position: pos}, false, nil
	}
	return &Unknown{position: pos, Data: raw}, false, nil
}

// Snapshot is a fully decoded HOB list.
type Snapshot struct {
	Records []Record
	// Size is the length of the list up to, but excluding, the end record.
	Size uint64
}

// Decode decodes every record of the list in data. On a corrupted list the records before the
// corruption are returned along with the error.
func Decode(data []byte) (*Snapshot, error) {
	c := NewCursor(data)
	var records []Record
	for c.Next() {
		records = append(records, c.Record())
	}
	return &Snapshot{Records: records, Size: c.Offset()}, c.Err()
}

// ReadList copies a HOB list out of memory, including its end record. Only the record headers
// within [addr, addr+limit) are followed.
func ReadList(m memory.Memory, addr abi.EFIPhysicalAddress, limit uint64) ([]byte, error) {
	var offset uint64
	for {
		if limit < abi.SizeofHOBGenericHeader || offset > limit-abi.SizeofHOBGenericHeader {
			return nil, corrupted(offset, "list exceeds its 0x%x byte bound", limit)
		}
		raw, err := memory.Read(m, addr+abi.EFIPhysicalAddress(offset), abi.SizeofHOBGenericHeader)
		if err != nil {
			return nil, err
		}
		header, _ := abi.EFIHOBGenericHeaderFromBytes(raw)
		if header.HobType == abi.EFIHOBTypeEndOfHOBList {
			return memory.Read(m, addr, offset+abi.SizeofHOBGenericHeader)
		}
		if header.HobLength < abi.SizeofHOBGenericHeader {
			return nil, corrupted(offset, "record length %d below header size", header.HobLength)
		}
		offset += uint64(header.HobLength)
	}
}
