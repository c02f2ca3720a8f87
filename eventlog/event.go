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
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
)

var (
	hobListGUID = uuid.MustParse(abi.HobListGUID)

	eventFactories = map[uint32]func() UnmarshallableFromBytes{
		EvEFIHandoffTables2:        func() UnmarshallableFromBytes { return &HandoffTablePointers2{} },
		EvEFIPlatformFirmwareBlob2: func() UnmarshallableFromBytes { return &PlatformFirmwareBlob2{} },
	}
)

// UnmarshallableFromBytes is an interface for populating the object by interpreting all given
// bytes as representing the object.
type UnmarshallableFromBytes interface {
	// UnmarshalFromBytes populates the current object from the totality of the given data or errors.
	UnmarshalFromBytes(data []byte) error
}

// UnknownEvent is a catch-all for EventData of an event type without a decoder.
type UnknownEvent struct {
	Data []byte
}

// UnmarshalFromBytes stores the given data is the object's representation.
func (e *UnknownEvent) UnmarshalFromBytes(data []byte) error {
	e.Data = data
	return nil
}

// Event is one measurement: the event data describing what was measured and the guest memory the
// digest is computed over.
type Event struct {
	PCRIndex  uint32
	EventType uint32
	Data      []byte
	Region    memory.GuestPhysicalRegion
}

// Decode interprets the event data according to the event type.
func (e *Event) Decode() (UnmarshallableFromBytes, error) {
	factory, ok := eventFactories[e.EventType]
	if !ok {
		return &UnknownEvent{Data: e.Data}, nil
	}
	result := factory()
	if err := result.UnmarshalFromBytes(e.Data); err != nil {
		return nil, fmt.Errorf("could not decode %s event data: %w", EventTypeName(e.EventType), err)
	}
	return result, nil
}

// Sink receives measurement events. Hashing and extending the measurement registers is up to the
// implementation.
type Sink interface {
	Measure(e *Event) error
}

// Recorder is a Sink that keeps every event in order.
type Recorder struct {
	Events []*Event
}

// Measure implements Sink.
func (r *Recorder) Measure(e *Event) error {
	logger.V(1).Infof("Measure %s into PCR[%d] over %v", EventTypeName(e.EventType), e.PCRIndex, e.Region)
	r.Events = append(r.Events, e)
	return nil
}

// HandoffTablesEvent returns the event that measures a HOB list handed to the next stage. region
// covers the list up to its end record.
func HandoffTablesEvent(region memory.GuestPhysicalRegion) (*Event, error) {
	h := &HandoffTablePointers2{
		TableDescription: ByteSizedCStr{Data: HandoffTableDescription},
		Tables:           []ConfigurationTable{{VendorGUID: EfiGUID{UUID: hobListGUID}, VendorTable: uint64(region.Start)}},
	}
	data, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	return &Event{PCRIndex: PCRPlatformConfig, EventType: EvEFIHandoffTables2, Data: data, Region: region}, nil
}

// FirmwareBlobEvent returns the event that measures a firmware volume.
func FirmwareBlobEvent(description string, region memory.GuestPhysicalRegion) (*Event, error) {
	b := &PlatformFirmwareBlob2{
		BlobDescription: ByteSizedArray{Data: []byte(description)},
		BlobBase:        uint64(region.Start),
		BlobLength:      region.Length,
	}
	data, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	return &Event{PCRIndex: PCRPlatformCode, EventType: EvEFIPlatformFirmwareBlob2, Data: data, Region: region}, nil
}
