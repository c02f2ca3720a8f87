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

package ovmf

import (
	"bytes"
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TDHOBOptions select how the VMM side describes guest memory in the TD HOB.
type TDHOBOptions struct {
	// LazyAcceptHigh reports RAM above 4GiB as unaccepted memory left to the next stage rather
	// than system memory the shim accepts.
	LazyAcceptHigh bool
	// MeasureAllRegions marks every section for measurement, not only the ones the descriptor
	// asks for.
	MeasureAllRegions bool
}

type tdvfParser struct {
	TDHOBOptions
	Regions     []*MaterialGuestPhysicalRegion
	TDHOBRegion *MaterialGuestPhysicalRegion
}

func (p *tdvfParser) parse(firmware []byte, metadata *abi.TDVFMetadata, ramBanks []memory.GuestPhysicalRegion) ([]*MaterialGuestPhysicalRegion, error) {
	var tdHOBIndex *wrapperspb.Int32Value
	var resources []*abi.EFIHOBResourceDescriptor
	private := memory.NewRangeSet()
	for index, section := range metadata.Sections {
		gpr := sectionRegion(section)
		if private.Overlaps(gpr) {
			return nil, fmt.Errorf("TDVF section %d (%s) at %v overlaps another section",
				index, abi.TDVFSectionTypeName(section.SectionType), gpr)
		}
		private.Add(gpr)
		attributes := section.Attributes
		if p.MeasureAllRegions {
			attributes |= abi.TDVFAttributeExtendMR
		}
		region := &MaterialGuestPhysicalRegion{GPR: gpr, TDVFAttributes: attributes}
		resourceType := abi.EFIResourceMemoryReserved
		switch section.SectionType {
		case abi.TDVFSectionTypeTDHOB:
			tdHOBIndex = wrapperspb.Int32(int32(index))
		case abi.TDVFSectionTypeTempMem:
		case abi.TDVFSectionTypeBFV, abi.TDVFSectionTypeCFV:
			end := uint64(section.DataOffset) + uint64(section.RawDataSize)
			if end > uint64(len(firmware)) || uint64(section.RawDataSize) > gpr.Length {
				return nil, fmt.Errorf("TDVF section %d raw data [0x%x, 0x%x) does not fit the image or its memory",
					index, section.DataOffset, end)
			}
			region.HostBuffer = firmware[section.DataOffset:end]
			resourceType = abi.EFIResourceFirmwareDevice
		default:
			return nil, fmt.Errorf("unsupported TDVF section type: %v", section.SectionType)
		}
		p.Regions = append(p.Regions, region)
		resources = append(resources, tdHOBResource(resourceType, abi.EFIResourceAttributeBase, gpr))
	}
	if tdHOBIndex == nil {
		return nil, fmt.Errorf("TDVF descriptor doesn't contain a section for the TD HOB")
	}
	// Keep the pointer so the list is written into the region the caller receives.
	p.TDHOBRegion = p.Regions[tdHOBIndex.GetValue()]

	banks := slices.Clone(ramBanks)
	slices.SortFunc(banks, memory.Compare)
	for _, bank := range banks {
		for _, gpr := range private.Missing(bank) {
			resources = append(resources, p.ramResource(gpr))
		}
	}
	return p.Regions, p.writeTDHOB(resources)
}

func (p *tdvfParser) ramResource(gpr memory.GuestPhysicalRegion) *abi.EFIHOBResourceDescriptor {
	if p.LazyAcceptHigh && !gpr.Below4GiB() {
		return tdHOBResource(abi.EFIResourceMemoryUnaccepted, abi.EFIResourceAttributeBase, gpr)
	}
	return tdHOBResource(abi.EFIResourceSystemMemory,
		abi.EFIResourceAttributeBase|abi.EFIResourceAttributeNeedsEarlyAccept, gpr)
}

func tdHOBResource(resourceType abi.EFIResourceType, attributes abi.EFIResourceAttributeType,
	gpr memory.GuestPhysicalRegion) *abi.EFIHOBResourceDescriptor {
	return &abi.EFIHOBResourceDescriptor{
		Header: abi.EFIHOBGenericHeader{
			HobType:   abi.EFIHOBTypeResourceDescriptor,
			HobLength: abi.SizeofEFIHOBResourceDescriptor,
		},
		ResourceType:      resourceType,
		ResourceAttribute: attributes,
		PhysicalStart:     gpr.Start,
		ResourceLength:    gpr.Length,
	}
}

func (p *tdvfParser) writeTDHOB(resources []*abi.EFIHOBResourceDescriptor) error {
	gpr := p.TDHOBRegion.GPR
	endOffset := abi.SizeOfEFIHOBHandoffInfoTable + abi.SizeofEFIHOBResourceDescriptor*len(resources)
	var buf bytes.Buffer
	buf.Grow(endOffset + abi.SizeofHOBGenericHeader)

	handoffInfo := abi.EFIHOBHandoffInfoTable{
		Header: abi.EFIHOBGenericHeader{
			HobType:   abi.EFIHOBTypeHandoff,
			HobLength: abi.SizeOfEFIHOBHandoffInfoTable,
		},
		Version:         abi.EFIHOBHandoffTableVersion,
		BootMode:        abi.BootWithFullConfiguration,
		EfiEndOfHobList: gpr.Start + abi.EFIPhysicalAddress(endOffset),
	}
	if _, err := handoffInfo.WriteTo(&buf); err != nil {
		return err
	}
	for _, r := range resources {
		if _, err := r.WriteTo(&buf); err != nil {
			return err
		}
	}
	endOfList := abi.EFIHOBGenericHeader{
		HobType:   abi.EFIHOBTypeEndOfHOBList,
		HobLength: abi.SizeofHOBGenericHeader,
	}
	if _, err := endOfList.WriteTo(&buf); err != nil {
		return err
	}

	if uint64(buf.Len()) > gpr.Length {
		return fmt.Errorf("TD HOB buffer is overflowing GPR length, max length: 0x%x, actual length: 0x%x", gpr.Length, buf.Len())
	}
	logger.V(1).Infof("TD HOB at %v holds %d resource descriptors", gpr, len(resources))
	p.TDHOBRegion.HostBuffer = buf.Bytes()
	return nil
}

// ExtractMaterialGuestPhysicalRegions returns the memory a VMM adds to a trust domain for the
// image: the firmware volumes, zeroed temporary memory and a TD HOB describing the RAM banks.
// RAM not claimed by a section is reported for acceptance.
func ExtractMaterialGuestPhysicalRegions(firmware []byte, ramBanks []memory.GuestPhysicalRegion, opts TDHOBOptions) ([]*MaterialGuestPhysicalRegion, error) {
	metadata, err := ExtractTDVFMetadata(firmware)
	if err != nil {
		return nil, err
	}
	return (&tdvfParser{TDHOBOptions: opts}).parse(firmware, metadata, ramBanks)
}

// TDHOBRegion returns the TD HOB section of the descriptor.
func TDHOBRegion(m *abi.TDVFMetadata) (memory.GuestPhysicalRegion, error) {
	hobs := sectionsOfType(m, abi.TDVFSectionTypeTDHOB)
	if len(hobs) != 1 {
		return memory.GuestPhysicalRegion{}, fmt.Errorf("TDVF descriptor has %d TD HOB sections, want 1", len(hobs))
	}
	return sectionRegion(hobs[0]), nil
}

// BootFirmwareVolume returns the memory the first BFV section is loaded at.
func BootFirmwareVolume(m *abi.TDVFMetadata) (memory.GuestPhysicalRegion, error) {
	bfvs := sectionsOfType(m, abi.TDVFSectionTypeBFV)
	if len(bfvs) == 0 {
		return memory.GuestPhysicalRegion{}, fmt.Errorf("TDVF descriptor has no boot firmware volume")
	}
	return sectionRegion(bfvs[0]), nil
}
