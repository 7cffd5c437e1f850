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

package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/jucapablanca/firebird/sorting"
	"github.com/jucapablanca/firebird/value"
)

// SortKeyDesc describes the record layout of a distinct
// sort: an optional fixed-width collation key prefix,
// followed by the serialized value payload.
type SortKeyDesc struct {
	// Intl prepends a collation-derived key covering the
	// value. Set for text under a non-binary collation.
	Intl bool
	// KeyLength is the width of the collation prefix.
	KeyLength int
	// PayloadOffset is where the serialized value starts.
	PayloadOffset int
	// RecordLength is the total fixed record width.
	RecordLength int
	// TextLength is the payload capacity for text values.
	TextLength int
}

// defaultTextLength is the key capacity used for text
// arguments with no declared length.
const defaultTextLength = 64

// MakeSortKey derives the distinct-sort record layout from
// the declared argument type.
func MakeSortKey(arg value.Desc) SortKeyDesc {
	textLen := 0
	if arg.Kind == value.TextType {
		textLen = arg.Length
		if textLen <= 0 {
			textLen = defaultTextLength
		}
	}
	kd := SortKeyDesc{TextLength: textLen}
	if arg.Kind == value.TextType && arg.Coll != value.Binary {
		kd.Intl = true
		kd.KeyLength = textLen
		kd.PayloadOffset = textLen
	}
	kd.RecordLength = kd.PayloadOffset + value.RecordSize(textLen)
	return kd
}

func (k SortKeyDesc) segments() []sorting.KeyDesc {
	if k.Intl {
		return []sorting.KeyDesc{
			{Offset: 0, Length: k.KeyLength},
			{Offset: k.PayloadOffset, Length: k.RecordLength - k.PayloadOffset},
		}
	}
	return []sorting.KeyDesc{{Offset: 0, Length: k.RecordLength}}
}

// distinctSet buffers the values fed to one DISTINCT
// aggregate and replays them deduplicated at finalize time.
//
// The backing sort rejects records whose full key repeats,
// so duplicate values never reach the replay visitor.
type distinctSet struct {
	spec *AggregateSpec
	env  *Env
	srt  *sorting.Sorter
}

func newDistinctSet(spec *AggregateSpec, env *Env) *distinctSet {
	return &distinctSet{spec: spec, env: env}
}

// open initializes the backing sort, discarding any sort
// left over from a previous group.
func (d *distinctSet) open() error {
	d.reset()
	srt, err := sorting.New(sorting.Config{
		RecordLength:     d.spec.SortKey.RecordLength,
		Keys:             d.spec.SortKey.segments(),
		RejectDuplicates: true,
		// with an intl prefix, uniqueness is decided by the
		// collation key alone; the payload only orders ties
		UniqueKeys: 1,
		MemoryLimit:      d.env.Params.SortMemory,
		TempDir:          d.env.Params.TempDir,
		Log:              d.env.Log,
	})
	if err != nil {
		return resourceErr(err)
	}
	d.srt = srt
	return nil
}

// put serializes one non-null value into a sort record.
func (d *distinctSet) put(v value.Value) error {
	if d.srt == nil {
		return fmt.Errorf("%w: put on a closed distinct set", ErrInternal)
	}
	moved, err := value.Move(v, d.spec.ArgType)
	if err != nil {
		return err
	}
	slot, err := d.srt.Put()
	if err != nil {
		return err
	}
	key := d.spec.SortKey
	if key.Intl {
		if err := value.SortKey(moved, slot[:key.KeyLength]); err != nil {
			return err
		}
	}
	return value.EncodeRecord(moved, slot[key.PayloadOffset:], key.TextLength)
}

// finalize sorts the buffered values and invokes visit once
// per unique non-null value. The backing sort is closed on
// all exit paths.
func (d *distinctSet) finalize(visit func(value.Value) error) error {
	if d.srt == nil {
		return nil
	}
	defer d.reset()
	if err := d.srt.Sort(); err != nil {
		return err
	}
	for {
		rec, err := d.srt.Get()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := value.DecodeRecord(rec[d.spec.SortKey.PayloadOffset:])
		if err != nil {
			return err
		}
		if v.IsNull() {
			continue
		}
		if err := visit(v); err != nil {
			return err
		}
	}
}

// reset closes the backing sort and forgets all state.
func (d *distinctSet) reset() {
	if d.srt != nil {
		d.srt.Close()
		d.srt = nil
	}
}
