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

package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/tdshim/ovmf/abi"
)

var (
	// ErrUnaccepted is returned for any access that touches a page outside the trust boundary.
	ErrUnaccepted = errors.New("access to unaccepted memory")
	// ErrOutOfRange is returned for accesses beyond the end of physical memory.
	ErrOutOfRange = errors.New("address out of range")
)

// Memory is guest-physical memory addressed by offset from physical address 0.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Read returns a copy of the size bytes at addr.
func Read(m Memory, addr abi.EFIPhysicalAddress, size uint64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := m.ReadAt(data, int64(addr)); err != nil {
		return nil, fmt.Errorf("could not read 0x%x bytes at 0x%x: %w", size, uint64(addr), err)
	}
	return data, nil
}

// ReadRegion returns a copy of the region's bytes.
func ReadRegion(m Memory, gpr GuestPhysicalRegion) ([]byte, error) {
	return Read(m, gpr.Start, gpr.Length)
}

// Write stores data at addr.
func Write(m Memory, addr abi.EFIPhysicalAddress, data []byte) error {
	if _, err := m.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("could not write 0x%x bytes at 0x%x: %w", len(data), uint64(addr), err)
	}
	return nil
}

// ReadUint64 reads a little endian 64-bit value.
func ReadUint64(m Memory, addr abi.EFIPhysicalAddress) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("could not read uint64 at 0x%x: %w", uint64(addr), err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little endian 64-bit value.
func WriteUint64(m Memory, addr abi.EFIPhysicalAddress, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return Write(m, addr, buf[:])
}

// Zero clears the region one page-sized chunk at a time.
func Zero(m Memory, gpr GuestPhysicalRegion) error {
	zeros := make([]byte, PageSize)
	for addr := gpr.Start; addr < gpr.End(); {
		n := min(uint64(gpr.End()-addr), PageSize)
		if err := Write(m, addr, zeros[:n]); err != nil {
			return err
		}
		addr += abi.EFIPhysicalAddress(n)
	}
	return nil
}
