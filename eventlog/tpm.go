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

import "fmt"

// Event types from the TCG PC Client Platform Firmware Profile.
const (
	// EvNoAction is an EventType indicating the event is not measured to any PCR.
	EvNoAction = 0x00000003
	// EvEFIPlatformFirmwareBlob2 describes a firmware volume by description, base and length.
	EvEFIPlatformFirmwareBlob2 = 0x8000000A
	// EvEFIHandoffTables2 describes configuration tables handed to the next stage.
	EvEFIHandoffTables2 = 0x8000000B
)

// PCR indices the boot path measures into.
const (
	// PCRPlatformCode holds firmware code measurements.
	PCRPlatformCode = 0
	// PCRPlatformConfig holds platform configuration measurements.
	PCRPlatformConfig = 1
)

// EventTypeName returns a readable name for the event types this package produces.
func EventTypeName(eventType uint32) string {
	switch eventType {
	case EvNoAction:
		return "EV_NO_ACTION"
	case EvEFIPlatformFirmwareBlob2:
		return "EV_EFI_PLATFORM_FIRMWARE_BLOB2"
	case EvEFIHandoffTables2:
		return "EV_EFI_HANDOFF_TABLES2"
	}
	return fmt.Sprintf("EV_0x%08x", eventType)
}
