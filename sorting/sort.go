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

// Package sorting implements an external sort over
// fixed-width records with caller-declared key layouts.
//
// Records are handed out by Put as in-place slots, sorted
// ascending by the raw bytes of their keys, and replayed by
// Get. When the in-memory run exceeds the configured budget
// it is spilled to a compressed temp file and merged back
// during the read phase. A Sorter may be configured to
// suppress records whose full key repeats the previously
// emitted one.
package sorting

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
)

// KeyDesc declares one key segment of a record.
type KeyDesc struct {
	Offset int
	Length int
}

// Config declares the record and key layout of a sort.
type Config struct {
	// RecordLength is the fixed width of every record.
	RecordLength int
	// Keys are compared in order, ascending, byte-wise.
	Keys []KeyDesc
	// RejectDuplicates suppresses records whose composite
	// key equals the previously emitted record's key.
	RejectDuplicates bool
	// UniqueKeys is how many leading key segments the
	// duplicate predicate compares; zero means all of them.
	// Ordering always uses every segment.
	UniqueKeys int
	// MemoryLimit bounds the in-memory run, in bytes.
	// Zero selects a default.
	MemoryLimit int
	// TempDir is where spilled runs are written.
	// Empty selects the default temp directory.
	TempDir string
	// Log, when set, receives spill diagnostics.
	Log *log.Logger
}

const defaultMemoryLimit = 1 << 20

var (
	// ErrCorruptSpill indicates a spilled run failed its
	// checksum on read-back.
	ErrCorruptSpill = errors.New("sorting: spilled run checksum mismatch")

	errSorted   = errors.New("sorting: Put after Sort")
	errNotReady = errors.New("sorting: Get before Sort")
	errClosed   = errors.New("sorting: use after Close")
)

type sortState uint8

const (
	stateFilling sortState = iota
	stateDraining
	stateClosed
)

// Sorter is a single-use external sort.
type Sorter struct {
	cfg   Config
	state sortState

	buf  []byte // current in-memory run
	runs []spillRun

	cursors []runCursor
	order   cursorHeap
	out     []byte // record returned by the last Get
	last    []byte // key of the last emitted record
	seen    bool
}

// New validates cfg and returns an empty Sorter.
func New(cfg Config) (*Sorter, error) {
	if cfg.RecordLength <= 0 {
		return nil, fmt.Errorf("sorting: record length %d", cfg.RecordLength)
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("sorting: no key segments")
	}
	for _, k := range cfg.Keys {
		if k.Offset < 0 || k.Length <= 0 || k.Offset+k.Length > cfg.RecordLength {
			return nil, fmt.Errorf("sorting: key segment [%d:%d] outside record of %d bytes",
				k.Offset, k.Offset+k.Length, cfg.RecordLength)
		}
	}
	if cfg.UniqueKeys <= 0 || cfg.UniqueKeys > len(cfg.Keys) {
		cfg.UniqueKeys = len(cfg.Keys)
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	if cfg.MemoryLimit < cfg.RecordLength {
		cfg.MemoryLimit = cfg.RecordLength
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Sorter{cfg: cfg}, nil
}

// Put appends one record and returns its zeroed slot.
// The slot is valid until the next call on the Sorter.
func (s *Sorter) Put() ([]byte, error) {
	switch s.state {
	case stateDraining:
		return nil, errSorted
	case stateClosed:
		return nil, errClosed
	}
	rl := s.cfg.RecordLength
	if len(s.buf)+rl > s.cfg.MemoryLimit && len(s.buf) > 0 {
		if err := s.spill(); err != nil {
			return nil, err
		}
	}
	n := len(s.buf)
	if cap(s.buf) < n+rl {
		grown := make([]byte, n, n+rl+n/2)
		copy(grown, s.buf)
		s.buf = grown
	}
	s.buf = s.buf[:n+rl]
	slot := s.buf[n : n+rl]
	for i := range slot {
		slot[i] = 0
	}
	return slot, nil
}

// Sort ends the fill phase and prepares the merge.
func (s *Sorter) Sort() error {
	switch s.state {
	case stateDraining:
		return errSorted
	case stateClosed:
		return errClosed
	}
	s.state = stateDraining
	s.sortRun(s.buf)
	s.cursors = append(s.cursors, runCursor{data: s.buf, width: s.cfg.RecordLength})
	for i := range s.runs {
		data, err := s.runs[i].load()
		if err != nil {
			return err
		}
		s.cursors = append(s.cursors, runCursor{data: data, width: s.cfg.RecordLength})
	}
	s.order = cursorHeap{s: s}
	for i := range s.cursors {
		if s.cursors[i].valid() {
			s.order.idx = append(s.order.idx, i)
		}
	}
	heap.Init(&s.order)
	s.out = make([]byte, s.cfg.RecordLength)
	s.last = make([]byte, 0, s.cfg.RecordLength)
	s.seen = false
	return nil
}

// Get returns the next record in key order, or io.EOF.
// The returned slice is valid until the next call on the
// Sorter.
func (s *Sorter) Get() ([]byte, error) {
	switch s.state {
	case stateFilling:
		return nil, errNotReady
	case stateClosed:
		return nil, errClosed
	}
	for len(s.order.idx) > 0 {
		i := s.order.idx[0]
		cur := &s.cursors[i]
		copy(s.out, cur.record())
		cur.advance()
		if cur.valid() {
			heap.Fix(&s.order, 0)
		} else {
			heap.Pop(&s.order)
		}
		if s.cfg.RejectDuplicates && s.seen && s.keyEqual(s.out, s.last) {
			continue
		}
		s.last = s.appendKey(s.last[:0], s.out)
		s.seen = true
		return s.out, nil
	}
	return nil, io.EOF
}

// Close releases all sort state, including spill files.
// It is idempotent.
func (s *Sorter) Close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	var err error
	for i := range s.runs {
		if e := s.runs[i].remove(); e != nil && err == nil {
			err = e
		}
	}
	s.buf = nil
	s.runs = nil
	s.cursors = nil
	s.order.idx = nil
	return err
}

func (s *Sorter) compareKeys(a, b []byte) int {
	for _, k := range s.cfg.Keys {
		if c := bytes.Compare(a[k.Offset:k.Offset+k.Length], b[k.Offset:k.Offset+k.Length]); c != 0 {
			return c
		}
	}
	return 0
}

func (s *Sorter) keyEqual(a, b []byte) bool {
	n := 0
	for _, k := range s.cfg.Keys[:s.cfg.UniqueKeys] {
		if !bytes.Equal(a[k.Offset:k.Offset+k.Length], b[n:n+k.Length]) {
			return false
		}
		n += k.Length
	}
	return true
}

func (s *Sorter) appendKey(dst, rec []byte) []byte {
	for _, k := range s.cfg.Keys {
		dst = append(dst, rec[k.Offset:k.Offset+k.Length]...)
	}
	return dst
}

func (s *Sorter) sortRun(run []byte) {
	rl := s.cfg.RecordLength
	rs := &recordSlice{
		data:  run,
		width: rl,
		less: func(a, b []byte) bool {
			return s.compareKeys(a, b) < 0
		},
		tmp: make([]byte, rl),
	}
	sort.Stable(rs)
}

type recordSlice struct {
	data  []byte
	width int
	less  func(a, b []byte) bool
	tmp   []byte
}

func (r *recordSlice) Len() int { return len(r.data) / r.width }

func (r *recordSlice) at(i int) []byte {
	return r.data[i*r.width : (i+1)*r.width]
}

func (r *recordSlice) Less(i, j int) bool { return r.less(r.at(i), r.at(j)) }

func (r *recordSlice) Swap(i, j int) {
	a, b := r.at(i), r.at(j)
	copy(r.tmp, a)
	copy(a, b)
	copy(b, r.tmp)
}

type runCursor struct {
	data  []byte
	width int
	pos   int
}

func (c *runCursor) valid() bool    { return c.pos+c.width <= len(c.data) }
func (c *runCursor) record() []byte { return c.data[c.pos : c.pos+c.width] }
func (c *runCursor) advance()       { c.pos += c.width }

// cursorHeap orders cursor indices by their current record.
type cursorHeap struct {
	s   *Sorter
	idx []int
}

func (h *cursorHeap) Len() int { return len(h.idx) }

func (h *cursorHeap) Less(i, j int) bool {
	a := h.s.cursors[h.idx[i]].record()
	b := h.s.cursors[h.idx[j]].record()
	if c := h.s.compareKeys(a, b); c != 0 {
		return c < 0
	}
	// stable-ish tie-break so that replay is deterministic
	return h.idx[i] < h.idx[j]
}

func (h *cursorHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *cursorHeap) Push(x interface{}) { h.idx = append(h.idx, x.(int)) }

func (h *cursorHeap) Pop() interface{} {
	n := len(h.idx)
	v := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return v
}
