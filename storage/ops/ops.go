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

// Package ops provides common operations on a storagei.Client.
package ops

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/tdshim/storage/storagei"
	"golang.org/x/net/context"
)

// ErrExists is returned by WriteNew when the file is already there.
var ErrExists = errors.New("file exists")

// WriteFile writes (over) contents of file `name` with `contents`. Creates the file if it doesn't
// already exist.
func WriteFile(ctx context.Context, s storagei.Client, name string, contents []byte) error {
	w, err := s.Writer(ctx, name)
	if err != nil {
		return err
	}
	// The file needs its contents.
	closer := func() error {
		if err := w.Close(); err != nil {
			return fmt.Errorf("could not close file %q: %w", name, err)
		}
		return nil
	}
	n, err := w.Write(contents)
	if n != len(contents) || err != nil {
		if err := closer(); err != nil {
			return err
		}
		return fmt.Errorf("could not write file %q: %w", name, err)
	}
	return closer()
}

// WriteNew is WriteFile that refuses to replace an existing file unless overwrite is true.
func WriteNew(ctx context.Context, s storagei.Client, name string, contents []byte, overwrite bool) error {
	if !overwrite {
		exists, err := s.Exists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %q", ErrExists, name)
		}
	}
	return WriteFile(ctx, s, name, contents)
}

// ReadFile returns the file's contents.
func ReadFile(ctx context.Context, s storagei.Client, name string) ([]byte, error) {
	reader, err := s.Reader(ctx, name)
	if err != nil && s.IsNotExists(err) {
		return nil, fmt.Errorf("file %q does not exist: %w", name, err)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read file %q: %w", name, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
