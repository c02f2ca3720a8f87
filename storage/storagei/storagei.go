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

// Package storagei provides a storage interface type that can be used for file management.
package storagei

import (
	"io"

	"golang.org/x/net/context"
)

// Client defines the slice of a file system the tool reads images from and writes results to.
type Client interface {
	Reader(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	Writer(ctx context.Context, name string) (io.WriteCloser, error)
	IsNotExists(err error) bool
}
