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

// Package ovmf inspects and prepares shim firmware images: the GUIDed table at the end of the
// image, the TDVF descriptor a VMM reads to lay out the trust domain, the metadata block linked
// into the shim, and the hand-off block list a VMM builds from them.
package ovmf

import (
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
)

// GetFwGUIDTable returns the GUIDed table embedded at the end of the image, without its footer.
// The footer entry ends FwGUIDTableEndOffset bytes before the end of the image and carries the
// size of the whole table.
func GetFwGUIDTable(firmware []byte) ([]byte, error) {
	footerOffsetFromEnd := abi.FwGUIDTableEndOffset + abi.SizeofFwGUIDEntry
	if len(firmware) < footerOffsetFromEnd {
		return nil, fmt.Errorf("firmware is too small: found size 0x%x < 0x%x", len(firmware),
			footerOffsetFromEnd)
	}

	footerBytes := firmware[len(firmware)-footerOffsetFromEnd:]
	footer := new(abi.FwGUIDEntry)
	if err := footer.PopulateFromBytes(footerBytes); err != nil {
		return nil, err
	}
	if footer.GUID != uuid.MustParse(abi.FwGUIDTableFooterGUID) {
		return nil, fmt.Errorf("invalid firmware image without the GUIDed table. Got %v, want %v",
			footer.GUID, abi.FwGUIDTableFooterGUID)
	}

	if footer.Size < abi.SizeofFwGUIDEntry || len(firmware) < int(footer.Size)+abi.FwGUIDTableEndOffset {
		return nil, fmt.Errorf("invalid GUIDed table size: found size %d fw_size: %d", footer.Size,
			len(firmware))
	}

	contentsLength := int(footer.Size) - abi.SizeofFwGUIDEntry
	start := len(firmware) - abi.FwGUIDTableEndOffset - int(footer.Size)
	return firmware[start : start+contentsLength], nil
}

// GetFwGUIDToBlockMap returns each block of the GUIDed table keyed by the GUID string that ends
// it. Blocks include their trailing GUID entry.
func GetFwGUIDToBlockMap(firmware []byte) (map[string][]byte, error) {
	table, err := GetFwGUIDTable(firmware)
	if err != nil {
		return nil, err
	}

	remaining := len(table)
	blocks := make(map[string][]byte)

	// Entries are found from the bottom up.
	for remaining > 0 {
		if remaining < abi.SizeofFwGUIDEntry {
			return nil, fmt.Errorf("GUIDed table size unexpected, min exp size: %d remaining size: %d table length: %d",
				abi.SizeofFwGUIDEntry, remaining, len(table))
		}

		entryPos := remaining - abi.SizeofFwGUIDEntry
		entry := new(abi.FwGUIDEntry)
		if err := entry.PopulateFromBytes(table[entryPos:remaining]); err != nil {
			return nil, err
		}
		size := int(entry.Size)
		if remaining < size || size < abi.SizeofFwGUIDEntry {
			return nil, fmt.Errorf("GUIDed table entries are corrupted, remaining size: %d, size found: %d, table length: %d",
				remaining, size, len(table))
		}

		key := entry.GUID.String()
		if _, ok := blocks[key]; ok {
			return nil, fmt.Errorf("duplicate GUIDs in the table, repeated GUID: %s", key)
		}
		blocks[key] = table[remaining-size : remaining]
		remaining -= size
	}

	return blocks, nil
}
