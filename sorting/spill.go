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

package sorting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
)

// siphash key for run checksums; any fixed key works, the
// checksum only guards against torn or truncated files.
const (
	spillKey0 = 0x736f7274696e6700
	spillKey1 = 0x7370696c6c72756e
)

type spillRun struct {
	path     string
	count    int
	rawLen   int
	checksum uint64
	width    int
}

// spill sorts the current in-memory run and writes it to a
// compressed temp file.
func (s *Sorter) spill() error {
	s.sortRun(s.buf)
	sum := siphash.Hash(spillKey0, spillKey1, s.buf)
	packed := s2.Encode(nil, s.buf)
	path := filepath.Join(s.cfg.TempDir, "sort-"+uuid.NewString())
	if err := os.WriteFile(path, packed, 0600); err != nil {
		return fmt.Errorf("sorting: spill: %w", err)
	}
	if s.cfg.Log != nil {
		s.cfg.Log.Printf("sorting: spilled %d records (%d -> %d bytes) to %s",
			len(s.buf)/s.cfg.RecordLength, len(s.buf), len(packed), path)
	}
	s.runs = append(s.runs, spillRun{
		path:     path,
		count:    len(s.buf) / s.cfg.RecordLength,
		rawLen:   len(s.buf),
		checksum: sum,
		width:    s.cfg.RecordLength,
	})
	s.buf = s.buf[:0]
	return nil
}

// load reads a spilled run back, decompresses it, and
// verifies its checksum.
func (r *spillRun) load() ([]byte, error) {
	packed, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("sorting: read spill: %w", err)
	}
	data, err := s2.Decode(make([]byte, 0, r.rawLen), packed)
	if err != nil {
		return nil, fmt.Errorf("sorting: decode spill: %w", err)
	}
	if len(data) != r.rawLen || siphash.Hash(spillKey0, spillKey1, data) != r.checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorruptSpill, r.path)
	}
	return data, nil
}

func (r *spillRun) remove() error {
	if r.path == "" {
		return nil
	}
	err := os.Remove(r.path)
	r.path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sorting: remove spill: %w", err)
	}
	return nil
}
