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

package abi

import (
	"encoding/binary"
	"fmt"
)

// EFIMemoryType is an EFI_MEMORY_TYPE.
type EFIMemoryType uint32

// EFI memory types in UEFI specification order.
const (
	EfiReservedMemoryType EFIMemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiPersistentMemory
	EfiUnacceptedMemoryType
	EfiMaxMemoryType
)

var memoryTypeNames = [...]string{
	"Reserved",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"Conventional",
	"Unusable",
	"ACPIReclaim",
	"ACPINVS",
	"MMIO",
	"MMIOPortSpace",
	"PalCode",
	"Persistent",
	"Unaccepted",
}

func (t EFIMemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("EFIMemoryType(%d)", uint32(t))
}

// SizeofEFIMemoryTypeInformation is the ABI size of an EFI_MEMORY_TYPE_INFORMATION entry.
const SizeofEFIMemoryTypeInformation = 8

// EFIMemoryTypeInformation is one entry of the memory type information table the next stage uses
// to size its memory map buckets.
type EFIMemoryTypeInformation struct {
	Type          EFIMemoryType
	NumberOfPages uint32
}

// DefaultMemoryTypeInformation is the page budget handed to the next stage when the platform does
// not provide one. The table ends with an EfiMaxMemoryType entry.
var DefaultMemoryTypeInformation = []EFIMemoryTypeInformation{
	{Type: EfiACPIMemoryNVS, NumberOfPages: 4},
	{Type: EfiACPIReclaimMemory, NumberOfPages: 8},
	{Type: EfiReservedMemoryType, NumberOfPages: 4},
	{Type: EfiRuntimeServicesData, NumberOfPages: 0x24},
	{Type: EfiRuntimeServicesCode, NumberOfPages: 0x30},
	{Type: EfiBootServicesCode, NumberOfPages: 0x180},
	{Type: EfiBootServicesData, NumberOfPages: 0xF00},
	{Type: EfiMaxMemoryType, NumberOfPages: 0},
}

// MemoryTypeInformationBytes encodes the table as packed little endian entries.
func MemoryTypeInformationBytes(table []EFIMemoryTypeInformation) []byte {
	data := make([]byte, len(table)*SizeofEFIMemoryTypeInformation)
	for i, entry := range table {
		off := i * SizeofEFIMemoryTypeInformation
		binary.LittleEndian.PutUint32(data[off:off+4], uint32(entry.Type))
		binary.LittleEndian.PutUint32(data[off+4:off+8], entry.NumberOfPages)
	}
	return data
}

// MemoryTypeInformationFromBytes decodes packed entries. Trailing bytes that do not form a whole
// entry are an error.
func MemoryTypeInformationFromBytes(data []byte) ([]EFIMemoryTypeInformation, error) {
	if len(data)%SizeofEFIMemoryTypeInformation != 0 {
		return nil, fmt.Errorf("memory type information size %d is not a multiple of %d", len(data),
			SizeofEFIMemoryTypeInformation)
	}
	var result []EFIMemoryTypeInformation
	for off := 0; off < len(data); off += SizeofEFIMemoryTypeInformation {
		result = append(result, EFIMemoryTypeInformation{
			Type:          EFIMemoryType(binary.LittleEndian.Uint32(data[off : off+4])),
			NumberOfPages: binary.LittleEndian.Uint32(data[off+4 : off+8]),
		})
	}
	return result, nil
}
