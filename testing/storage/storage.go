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

// Package storage provides an in-memory storagei.Client for tests.
package storage

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/net/context"
)

// FakeObject is a cell that readers and writers alike use to manipulate a file's contents.
type FakeObject struct {
	Data []byte
	// ReadErr and WriteErr are returned by Reader and by the writer's Write when non-nil.
	ReadErr  error
	WriteErr error
}

// Mock implements storagei.Client over named FakeObjects.
type Mock struct {
	Objects map[string]*FakeObject
	// Return this error from all operations for simple error specification.
	err error
}

type nopCloser struct {
	io.Reader
}

func (n *nopCloser) Close() error { return nil }

// ObjectWriter is an io.WriteCloser that replaces a file's contents on Close.
type ObjectWriter struct {
	M        *Mock
	Name     string
	Content  []byte
	WriteErr error
}

// Write appends b to the pending contents, or returns a canned error.
func (w *ObjectWriter) Write(b []byte) (int, error) {
	if w.WriteErr != nil {
		return 0, w.WriteErr
	}
	w.Content = append(w.Content, b...)
	return len(b), nil
}

// Close commits Writer changes back to the Mock.
func (w *ObjectWriter) Close() error {
	if w.M.Objects == nil {
		w.M.Objects = make(map[string]*FakeObject)
	}
	obj, ok := w.M.Objects[w.Name]
	if !ok {
		obj = &FakeObject{}
		w.M.Objects[w.Name] = obj
	}
	obj.Data = w.Content
	return nil
}

// Reader returns the contents of the named file.
func (s *Mock) Reader(_ context.Context, name string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	obj, ok := s.Objects[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	if obj.ReadErr != nil {
		return nil, obj.ReadErr
	}
	return &nopCloser{bytes.NewReader(obj.Data)}, nil
}

// Exists returns whether the named file exists.
func (s *Mock) Exists(_ context.Context, name string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.Objects[name]
	return ok, nil
}

// Writer returns a writer that replaces the named file when closed.
func (s *Mock) Writer(_ context.Context, name string) (io.WriteCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	w := &ObjectWriter{M: s, Name: name}
	if obj, ok := s.Objects[name]; ok {
		w.WriteErr = obj.WriteErr
	}
	return w, nil
}

// IsNotExists returns whether err means the file does not exist.
func (s *Mock) IsNotExists(err error) bool {
	return os.IsNotExist(err)
}

// WithInitialContents returns a Mock holding the given files.
func WithInitialContents(files map[string][]byte) *Mock {
	m := &Mock{Objects: make(map[string]*FakeObject)}
	for name, data := range files {
		m.Objects[name] = &FakeObject{Data: bytes.Clone(data)}
	}
	return m
}

// WithError returns a Mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{err: err}
}
