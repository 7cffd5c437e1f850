// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package blob implements streaming writers for large
// objects produced during query execution (for example
// the result of a LIST aggregate).
//
// Objects are written once through a Writer and referenced
// afterwards through an opaque Handle. The backing storage
// is a directory of files owned by a Store.
package blob

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Handle references a sealed large object.
type Handle struct {
	ID     uuid.UUID
	Size   int64
	Digest [blake2b.Size256]byte
}

// Zero indicates whether h references no object.
func (h Handle) Zero() bool { return h.ID == uuid.Nil }

// Store owns the backing files of a set of large objects.
type Store struct {
	dir string

	lock    sync.Mutex
	objects map[uuid.UUID]string
}

// NewStore creates a store backed by files under dir.
// An empty dir uses the default temp directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: store dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("blob: %s is not a directory", dir)
	}
	return &Store{dir: dir, objects: make(map[uuid.UUID]string)}, nil
}

// Create starts a new large object.
func (s *Store) Create() (*Writer, error) {
	id := uuid.New()
	path := filepath.Join(s.dir, "blob-"+id.String())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("blob: create: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("blob: create: %w", err)
	}
	return &Writer{store: s, id: id, path: path, f: f, sum: h}, nil
}

// Open returns a reader over a sealed object.
func (s *Store) Open(h Handle) (io.ReadCloser, error) {
	s.lock.Lock()
	path, ok := s.objects[h.ID]
	s.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("blob: no object %s", h.ID)
	}
	return os.Open(path)
}

// Remove deletes a sealed object.
func (s *Store) Remove(h Handle) error {
	s.lock.Lock()
	path, ok := s.objects[h.ID]
	delete(s.objects, h.ID)
	s.lock.Unlock()
	if !ok {
		return nil
	}
	return os.Remove(path)
}

func (s *Store) seal(id uuid.UUID, path string) {
	s.lock.Lock()
	s.objects[id] = path
	s.lock.Unlock()
}

// Writer is a streaming writer for one large object.
// Write appends; Close seals the object and records its
// content digest; Discard abandons it. Close and Discard
// are idempotent.
type Writer struct {
	store  *Store
	id     uuid.UUID
	path   string
	f      *os.File
	sum    hash.Hash
	size   int64
	sealed bool
	gone   bool
}

var errWriterDone = errors.New("blob: write after Close")

func (w *Writer) Write(p []byte) (int, error) {
	if w.sealed || w.gone {
		return 0, errWriterDone
	}
	n, err := w.f.Write(p)
	w.sum.Write(p[:n])
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("blob: write: %w", err)
	}
	return n, nil
}

// WriteString appends a string to the object.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Close seals the object. The object becomes readable
// through the store under w.Handle().
func (w *Writer) Close() error {
	if w.sealed || w.gone {
		return nil
	}
	w.sealed = true
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("blob: close: %w", err)
	}
	w.store.seal(w.id, w.path)
	return nil
}

// Discard abandons the object and removes its backing file.
func (w *Writer) Discard() {
	if w.sealed || w.gone {
		return
	}
	w.gone = true
	w.f.Close()
	os.Remove(w.path)
}

// Handle returns the reference to the (sealed) object.
func (w *Writer) Handle() Handle {
	h := Handle{ID: w.id, Size: w.size}
	copy(h.Digest[:], w.sum.Sum(nil))
	return h
}
