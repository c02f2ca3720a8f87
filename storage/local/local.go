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

// Package local provides a storagei.Client implementation for local disk file management.
package local

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/logger"
	"golang.org/x/net/context"
)

const (
	filePerm os.FileMode = 0644
	dirPerm  os.FileMode = 0755
)

// StorageClient provides storagei.Client on local disk. Relative names are resolved against Root,
// or the working directory when Root is empty.
type StorageClient struct {
	Root string
}

func (s *StorageClient) localPath(name string) string {
	if filepath.IsAbs(name) || s.Root == "" {
		return name
	}
	return filepath.Join(s.Root, name)
}

// Reader returns an open ReadCloser object for reading the given file.
func (s *StorageClient) Reader(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(s.localPath(name))
}

// Writer returns an open WriteCloser object for replacing the given file. Missing parent
// directories are created.
func (s *StorageClient) Writer(_ context.Context, name string) (io.WriteCloser, error) {
	p := s.localPath(name)
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("could not prepare directory for %s: %w", name, err)
		}
	}
	w, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, err
	}
	logger.V(1).Infof("opened writer for %s", p)
	return w, nil
}

// Exists returns whether a particular file exists, or an error.
func (s *StorageClient) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.localPath(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsNotExists returns whether an error from StorageClient indicates the file in question does not
// exist.
func (s *StorageClient) IsNotExists(err error) bool {
	return os.IsNotExist(err)
}
