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

package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
)

// Unmarshallable is an interface for populating the object by unmarshalling data.
type Unmarshallable interface {
	Unmarshal(io.Reader) error
}

// ByteSizedArray represents an array of bytes no longer than 255 entries that is serialized first
// with a single byte specifying the array size.
type ByteSizedArray struct {
	Data []byte
}

// Unmarshal reads an array of bytes no longer than 255 entries that is serialized first
// with a single byte specifying the array size.
func (b *ByteSizedArray) Unmarshal(r io.Reader) error {
	size := byte(0)
	return readSizedArray(r, &size, &b.Data)
}

// Unmarshal reads a byte sized string and drops its NUL terminator.
func (b *ByteSizedCStr) Unmarshal(r io.Reader) error {
	var data []byte
	size := byte(0)
	if err := readSizedArray(r, &size, &data); err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] != 0 {
		return fmt.Errorf("ByteSizedCStr %q is not NUL terminated", data)
	}
	b.Data = strings.TrimRight(string(data), "\x00")
	return nil
}

func makeSized[T any](size any) ([]T, error) {
	switch s := size.(type) {
	case *byte:
		return make([]T, *s), nil
	case *uint32:
		return make([]T, *s), nil
	default:
		return nil, fmt.Errorf("unsupported array size type %T", size)
	}
}

func readSizedArray(r io.Reader, size any, data *[]byte) error {
	if err := binary.Read(r, binary.LittleEndian, size); err != nil {
		return fmt.Errorf("failed to read array size as %T: %w", size, err)
	}
	result, err := makeSized[byte](size)
	if err != nil {
		return err
	}
	if n, err := io.ReadFull(r, result); err != nil {
		return fmt.Errorf("failed to read array sized %d (read %d bytes): %w", len(result), n, err)
	}
	*data = result
	return nil
}

// EfiGUID represents a UUID that is marshalled as an EFI_GUID.
type EfiGUID struct {
	UUID uuid.UUID
}

func littleRead(r io.Reader, field string, data any) (err error) {
	um, ok := data.(Unmarshallable)
	if ok {
		err = um.Unmarshal(r)
	} else {
		err = binary.Read(r, binary.LittleEndian, data)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s as %T: %w", field, data, err)
	}
	return nil
}

// Unmarshal reads an EFI_GUID field.
func (g *EfiGUID) Unmarshal(r io.Reader) error {
	var efiguid [abi.SizeofEFIGUID]byte
	if i, err := io.ReadFull(r, efiguid[:]); err != nil {
		return fmt.Errorf("failed to read EFI_GUID (read %d bytes): %w", i, err)
	}
	result, _ := abi.FromEFIGUID(efiguid[:])
	g.UUID = result
	return nil
}
