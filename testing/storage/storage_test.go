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

package storage

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"golang.org/x/net/context"
)

func TestReadSimple(t *testing.T) {
	ctx := context.Background()
	want := []byte(`a contents`)
	m := WithInitialContents(map[string][]byte{"a": want})

	r, err := m.Reader(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Error(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("simple reader static contents got %v, want %v", got, want)
	}
	if err := r.Close(); err != nil {
		t.Error(err)
	}
	if _, err := m.Reader(ctx, "b"); !m.IsNotExists(err) {
		t.Errorf("Reader(b) = %v, want not exists", err)
	}
}

func TestReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	want := []byte(`a contents`)
	for _, initial := range []map[string][]byte{nil, {"a": []byte(`previous`)}} {
		m := WithInitialContents(initial)
		w, err := m.Writer(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(want); err != nil {
			t.Errorf("writer.Write(%v) = %v, want nil", want, err)
		}
		if err := w.Close(); err != nil {
			t.Error(err)
		}
		if ok, err := m.Exists(ctx, "a"); !ok || err != nil {
			t.Errorf("Exists(a) = %v, %v, want true", ok, err)
		}
		r, err := m.Reader(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Error(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("read after write got %v, want %v", got, want)
		}
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m := WithError(boom)
	if _, err := m.Reader(ctx, "a"); !errors.Is(err, boom) {
		t.Errorf("Reader() = %v, want %v", err, boom)
	}
	if _, err := m.Writer(ctx, "a"); !errors.Is(err, boom) {
		t.Errorf("Writer() = %v, want %v", err, boom)
	}
	m = WithInitialContents(map[string][]byte{"a": nil})
	m.Objects["a"].WriteErr = boom
	w, err := m.Writer(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, boom) {
		t.Errorf("Write() = %v, want %v", err, boom)
	}
}
