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

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/spf13/cobra"
)

// Lets this command write its result to a file.
func addOutFlag(cmd *cobra.Command, f *string) {
	cmd.Flags().StringVar(f, "out", "", "Path to write the result to.")
}

func goFlag(name string, value flag.Value, usage string) *flag.Flag {
	return &flag.Flag{Name: name, Value: value, Usage: usage, DefValue: value.String()}
}

// addressFlag accepts a physical address in any base strconv understands, usually 0x-prefixed hex.
type addressFlag struct {
	v *abi.EFIPhysicalAddress
}

func (a *addressFlag) String() string {
	if a.v == nil {
		return "<unset>"
	}
	return fmt.Sprintf("0x%x", uint64(*a.v))
}

func (a *addressFlag) Set(value string) error {
	v, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return fmt.Errorf("%q is not an address", value)
	}
	*a.v = abi.EFIPhysicalAddress(v)
	return nil
}

func addressVar(v *abi.EFIPhysicalAddress, name string, defaultValue abi.EFIPhysicalAddress, usage string) *flag.Flag {
	*v = defaultValue
	return goFlag(name, &addressFlag{v: v}, usage)
}

// sizeFlag accepts a byte count such as "2GiB" or "512MB".
type sizeFlag struct {
	v *uint64
}

func (s *sizeFlag) String() string {
	if s.v == nil {
		return "<unset>"
	}
	return humanize.IBytes(*s.v)
}

func (s *sizeFlag) Set(value string) error {
	v, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("%q is not a size: %v", value, err)
	}
	if v == 0 {
		return errors.New("size must be positive")
	}
	*s.v = v
	return nil
}

func sizeVar(v *uint64, name string, defaultValue uint64, usage string) *flag.Flag {
	*v = defaultValue
	return goFlag(name, &sizeFlag{v: v}, usage)
}

type fileTypeFlag struct {
	v *abi.EFIFvFileType
}

func (t *fileTypeFlag) String() string {
	if t.v == nil {
		return "<unset>"
	}
	return t.v.String()
}

func (t *fileTypeFlag) Set(value string) error {
	v, err := abi.ParseFileType(value)
	if err != nil {
		return err
	}
	*t.v = v
	return nil
}

type sectionTypeFlag struct {
	v   *abi.EFISectionType
	set *bool
}

func (s *sectionTypeFlag) String() string {
	if s.v == nil || s.set == nil || !*s.set {
		return ""
	}
	return s.v.String()
}

func (s *sectionTypeFlag) Set(value string) error {
	v, err := abi.ParseSectionType(value)
	if err != nil {
		return err
	}
	*s.v, *s.set = v, true
	return nil
}
