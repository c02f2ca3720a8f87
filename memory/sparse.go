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
	"fmt"
)

// Sparse is zero-initialized physical memory of a fixed size that only holds the pages that have
// been written. Reads of unwritten pages return zeros.
type Sparse struct {
	size  uint64
	pages map[uint64][]byte
}

// NewSparse returns memory spanning [0, size).
func NewSparse(size uint64) *Sparse {
	return &Sparse{size: size, pages: make(map[uint64][]byte)}
}

// Size returns the physical address limit.
func (s *Sparse) Size() uint64 {
	return s.size
}

// ResidentPages returns the number of pages that have been written.
func (s *Sparse) ResidentPages() int {
	return len(s.pages)
}

func (s *Sparse) check(n int, off int64) error {
	if off < 0 || uint64(off) > s.size || uint64(n) > s.size-uint64(off) {
		return fmt.Errorf("%w: 0x%x bytes at 0x%x exceeds 0x%x", ErrOutOfRange, n, off, s.size)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	if err := s.check(len(p), off); err != nil {
		return 0, err
	}
	done := 0
	for done < len(p) {
		addr := uint64(off) + uint64(done)
		page, inPage := addr/PageSize, addr%PageSize
		n := min(uint64(len(p)-done), PageSize-inPage)
		if data, ok := s.pages[page]; ok {
			copy(p[done:done+int(n)], data[inPage:])
		} else {
			clear(p[done : done+int(n)])
		}
		done += int(n)
	}
	return done, nil
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// WriteAt implements io.WriterAt. Zeros written to an unwritten page leave it unwritten.
func (s *Sparse) WriteAt(p []byte, off int64) (int, error) {
	if err := s.check(len(p), off); err != nil {
		return 0, err
	}
	done := 0
	for done < len(p) {
		addr := uint64(off) + uint64(done)
		page, inPage := addr/PageSize, addr%PageSize
		n := min(uint64(len(p)-done), PageSize-inPage)
		data, ok := s.pages[page]
		if !ok && allZero(p[done:done+int(n)]) {
			done += int(n)
			continue
		}
		if !ok {
			data = make([]byte, PageSize)
			s.pages[page] = data
		}
		copy(data[inPage:], p[done:done+int(n)])
		done += int(n)
	}
	return done, nil
}
