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

// Package eventlog encodes the measurement events the boot path reports and provides the sink
// they are reported to.
package eventlog

import (
	"bytes"
	"fmt"
	"io"
)

const (
	// HandoffTableDescription names the HOB list in a handoff tables event.
	HandoffTableDescription = "TdxTable"
	// FirmwareBlobDescription names the boot firmware volume in a firmware blob event.
	FirmwareBlobDescription = "Fv(BFV)"
)

// ConfigurationTable is an EFI_CONFIGURATION_TABLE entry with a 64-bit table pointer.
type ConfigurationTable struct {
	VendorGUID  EfiGUID
	VendorTable uint64
}

// Marshal writes the table entry.
func (c *ConfigurationTable) Marshal(w io.Writer) error {
	if err := littleWrite(w, "VendorGuid", &c.VendorGUID); err != nil {
		return err
	}
	return littleWrite(w, "VendorTable", c.VendorTable)
}

// HandoffTablePointers2 is the UEFI_HANDOFF_TABLE_POINTERS2 event data of an
// EV_EFI_HANDOFF_TABLES2 event.
type HandoffTablePointers2 struct {
	TableDescription ByteSizedCStr
	Tables           []ConfigurationTable
}

// Marshal returns the packed event data.
func (h *HandoffTablePointers2) Marshal() ([]byte, error) {
	w := &bytes.Buffer{}
	if err := littleWrite(w, "TableDescription", &h.TableDescription); err != nil {
		return nil, err
	}
	if err := littleWrite(w, "NumberOfTables", uint64(len(h.Tables))); err != nil {
		return nil, err
	}
	for i := range h.Tables {
		if err := littleWrite(w, fmt.Sprintf("TableEntry[%d]", i), &h.Tables[i]); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// UnmarshalFromBytes reads UEFI_HANDOFF_TABLE_POINTERS2 from the whole of the input slice.
func (h *HandoffTablePointers2) UnmarshalFromBytes(data []byte) error {
	r := bytes.NewBuffer(data)
	if err := littleRead(r, "TableDescription", &h.TableDescription); err != nil {
		return err
	}
	var count uint64
	if err := littleRead(r, "NumberOfTables", &count); err != nil {
		return err
	}
	if count > uint64(r.Len()) {
		return fmt.Errorf("%d tables cannot fit in %d bytes", count, r.Len())
	}
	h.Tables = make([]ConfigurationTable, count)
	for i := range h.Tables {
		if err := littleRead(r, "VendorGuid", &h.Tables[i].VendorGUID); err != nil {
			return err
		}
		if err := littleRead(r, "VendorTable", &h.Tables[i].VendorTable); err != nil {
			return err
		}
	}
	if r.Len() > 0 {
		return fmt.Errorf("%d bytes remaining of HandoffTablePointers2. Want EOF", r.Len())
	}
	return nil
}

// PlatformFirmwareBlob2 is the UEFI_PLATFORM_FIRMWARE_BLOB2 event data of an
// EV_EFI_PLATFORM_FIRMWARE_BLOB2 event.
type PlatformFirmwareBlob2 struct {
	BlobDescription ByteSizedArray
	BlobBase        uint64
	BlobLength      uint64
}

// Marshal returns the packed event data.
func (b *PlatformFirmwareBlob2) Marshal() ([]byte, error) {
	w := &bytes.Buffer{}
	if err := littleWrite(w, "BlobDescription", &b.BlobDescription); err != nil {
		return nil, err
	}
	if err := littleWrite(w, "BlobBase", b.BlobBase); err != nil {
		return nil, err
	}
	if err := littleWrite(w, "BlobLength", b.BlobLength); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// UnmarshalFromBytes reads UEFI_PLATFORM_FIRMWARE_BLOB2 from the whole of the input slice.
func (b *PlatformFirmwareBlob2) UnmarshalFromBytes(data []byte) error {
	r := bytes.NewBuffer(data)
	if err := littleRead(r, "BlobDescription", &b.BlobDescription); err != nil {
		return err
	}
	if err := littleRead(r, "BlobBase", &b.BlobBase); err != nil {
		return err
	}
	if err := littleRead(r, "BlobLength", &b.BlobLength); err != nil {
		return err
	}
	if r.Len() > 0 {
		return fmt.Errorf("%d bytes remaining of PlatformFirmwareBlob2. Want EOF", r.Len())
	}
	return nil
}
