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
	"github.com/google/tdshim/fv"
	"github.com/google/tdshim/ovmf/abi"
)

// RegionKind classifies a stretch of a firmware device image.
type RegionKind int

const (
	// RegionRaw is data that is not a recognized firmware volume, usually erased padding.
	RegionRaw RegionKind = iota
	// RegionBFV is the boot firmware volume.
	RegionBFV
	// RegionCFV is the configuration firmware volume holding non-volatile variables.
	RegionCFV
)

func (k RegionKind) String() string {
	switch k {
	case RegionBFV:
		return "bfv"
	case RegionCFV:
		return "cfv"
	}
	return "raw"
}

const (
	// DefaultScanStep is the granularity raw data is walked at between volumes.
	DefaultScanStep = 1024
	// minPadding is the smallest BFV padding file the descriptor is placed in.
	minPadding = 4096
	// paddingSkip is how far into a padding file the descriptor is placed.
	paddingSkip = 1024
)

// ImageRegion is a classified part of an image.
type ImageRegion struct {
	Kind   RegionKind
	Offset uint64
	Size   uint64
}

// End returns the offset just past the region.
func (r ImageRegion) End() uint64 { return r.Offset + r.Size }

// Layout is the result of walking a firmware device image.
type Layout struct {
	Regions []ImageRegion
	// BFV and CFV are the last volume of each kind, zero when absent.
	BFV ImageRegion
	CFV ImageRegion
	// Free is the first padding file of the BFV larger than 4KiB, image relative. Zero when the BFV
	// has none.
	Free ImageRegion
}

// volumeAt classifies a firmware volume header at offset. It reports false for anything that is
// not an FFS2 or NV variable volume fitting in the image.
func volumeAt(image []byte, offset uint64) (ImageRegion, bool) {
	header, err := abi.EFIFirmwareVolumeHeaderFromBytes(image[offset:])
	if err != nil || header.Signature != abi.FvSignature || header.FvLength == 0 {
		return ImageRegion{}, false
	}
	if header.FvLength > uint64(len(image))-offset {
		return ImageRegion{}, false
	}
	region := ImageRegion{Offset: offset, Size: header.FvLength}
	switch header.FileSystemGUID.String() {
	case abi.FirmwareFileSystem2GUID:
		region.Kind = RegionBFV
	case abi.SystemNvDataFvGUID:
		region.Kind = RegionCFV
	default:
		return ImageRegion{}, false
	}
	return region, true
}

// ScanImage walks a firmware device image. Leading erased space is skipped in step sized chunks,
// then volumes are recognized by their headers and anything between them is recorded as raw data.
// The BFV's padding files are searched for free space.
func ScanImage(image []byte, step int) (*Layout, error) {
	if step <= 0 {
		step = DefaultScanStep
	}
	size := uint64(len(image))
	chunk := uint64(step)
	erased := bytes.Repeat([]byte{0xff}, step)
	offset := uint64(0)
	for offset+chunk <= size && bytes.Equal(image[offset:offset+chunk], erased) {
		offset += chunk
	}
	layout := &Layout{}
	for offset < size {
		if volume, ok := volumeAt(image, offset); ok {
			logger.V(1).Infof("%v at 0x%08x, size 0x%08x", volume.Kind, volume.Offset, volume.Size)
			layout.Regions = append(layout.Regions, volume)
			switch volume.Kind {
			case RegionBFV:
				layout.BFV = volume
			case RegionCFV:
				layout.CFV = volume
			}
			offset = volume.End()
			continue
		}
		raw := ImageRegion{Kind: RegionRaw, Offset: offset}
		for raw.End() < size {
			if raw.Size > 0 {
				if _, ok := volumeAt(image, raw.End()); ok {
					break
				}
			}
			raw.Size += min(chunk, size-raw.End())
		}
		logger.V(1).Infof("raw data at 0x%08x, size 0x%08x", raw.Offset, raw.Size)
		layout.Regions = append(layout.Regions, raw)
		offset = raw.End()
	}
	if layout.BFV.Size == 0 {
		return layout, fmt.Errorf("%w: image has no boot firmware volume", fv.ErrNotFound)
	}
	free, err := bfvPadding(image[layout.BFV.Offset:layout.BFV.End()])
	if err != nil {
		return layout, err
	}
	if free.Size != 0 {
		free.Offset += layout.BFV.Offset
		layout.Free = free
	}
	return layout, nil
}

// bfvPadding returns the first padding file of the volume larger than 4KiB, volume relative.
func bfvPadding(volume []byte) (ImageRegion, error) {
	v, err := fv.NewVolume(0, volume)
	if err != nil {
		return ImageRegion{}, err
	}
	files, err := v.Files()
	if err != nil {
		return ImageRegion{}, err
	}
	for _, f := range files {
		size := abi.AlignUp(uint64(f.Header.FileSize()), abi.FileAlignment)
		logger.V(2).Infof("  %s %v size 0x%x", f.Header.Type, f.Header.Name, size)
		if f.Header.Type == abi.EFIFvFileTypeFFSPad && size > minPadding {
			return ImageRegion{Kind: RegionRaw, Offset: f.Offset, Size: size}, nil
		}
	}
	return ImageRegion{}, nil
}
