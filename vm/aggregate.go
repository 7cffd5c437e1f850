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
	"math"

	"github.com/jucapablanca/firebird/blob"
	"github.com/jucapablanca/firebird/expr"
	"github.com/jucapablanca/firebird/value"
)

var (
	// ErrResourceExhausted indicates that a sort, a
	// large-object writer, or an allocation could not be
	// obtained.
	ErrResourceExhausted = errors.New("vm: resource exhausted")

	// ErrInternal indicates an accumulator reached a state
	// its contract rules out.
	ErrInternal = errors.New("vm: internal invariant violated")
)

func resourceErr(err error) error {
	return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
}

// AggKind identifies an aggregate operation.
type AggKind uint8

const (
	AggCountAll AggKind = iota
	AggCount
	AggCountDistinct
	AggSumInt
	AggSumIntDistinct
	AggSumFloat
	AggSumFloatDistinct
	AggAvgInt
	AggAvgIntDistinct
	AggAvgFloat
	AggAvgFloatDistinct
	AggMin
	AggMax
	AggMinIndexed
	AggMaxIndexed
	AggList
	AggListDistinct
	// AggConst copies a constant expression into the output
	// row once per group.
	AggConst
	// AggPass assigns a non-aggregate expression (typically
	// a grouping column) row by row; the last assigned
	// value of the group is emitted.
	AggPass
)

func (k AggKind) String() string {
	switch k {
	case AggCountAll:
		return "COUNT(*)"
	case AggCount:
		return "COUNT"
	case AggCountDistinct:
		return "COUNT DISTINCT"
	case AggSumInt:
		return "SUM"
	case AggSumIntDistinct:
		return "SUM DISTINCT"
	case AggSumFloat:
		return "SUM/float"
	case AggSumFloatDistinct:
		return "SUM DISTINCT/float"
	case AggAvgInt:
		return "AVG"
	case AggAvgIntDistinct:
		return "AVG DISTINCT"
	case AggAvgFloat:
		return "AVG/float"
	case AggAvgFloatDistinct:
		return "AVG DISTINCT/float"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggMinIndexed:
		return "MIN/indexed"
	case AggMaxIndexed:
		return "MAX/indexed"
	case AggList:
		return "LIST"
	case AggListDistinct:
		return "LIST DISTINCT"
	case AggConst:
		return "CONST"
	case AggPass:
		return "PASS"
	default:
		return fmt.Sprintf("<AggKind=%d>", int(k))
	}
}

// Distinct indicates whether k deduplicates its input.
func (k AggKind) Distinct() bool {
	switch k {
	case AggCountDistinct, AggSumIntDistinct, AggSumFloatDistinct,
		AggAvgIntDistinct, AggAvgFloatDistinct, AggListDistinct:
		return true
	}
	return false
}

// Indexed indicates whether k is satisfied by the first row
// of an ordered child stream.
func (k AggKind) Indexed() bool {
	return k == AggMinIndexed || k == AggMaxIndexed
}

// AggregateSpec is the plan-time description of one
// aggregate.
type AggregateSpec struct {
	Kind AggKind

	// Arg produces the aggregated value. Absent for
	// COUNT(*).
	Arg expr.Node

	// Delimiter produces the separator of LIST kinds.
	Delimiter expr.Node

	// Target is the output column the finalized value is
	// written to.
	Target int

	// Scale is the fixed decimal scale of the integer
	// SUM/AVG kinds.
	Scale int8

	// ArgType is the declared type of Arg. Distinct kinds
	// coerce values to it before feeding the sort; the
	// zero Desc accepts values as-is.
	ArgType value.Desc

	// Out is the declared type of the output column; the
	// zero Desc writes finalized values unchanged.
	Out value.Desc

	// SortKey is the distinct-sort record layout. Populated
	// by the planner; newAggregator derives it from ArgType
	// when left zero.
	SortKey SortKeyDesc
}

func (a *AggregateSpec) check() error {
	if a.Target < 0 {
		return fmt.Errorf("aggregate %s: negative target column %d", a.Kind, a.Target)
	}
	if a.Kind != AggCountAll && a.Arg == nil {
		return fmt.Errorf("aggregate %s: missing argument expression", a.Kind)
	}
	if (a.Kind == AggList || a.Kind == AggListDistinct) && a.Delimiter == nil {
		return fmt.Errorf("aggregate %s: missing delimiter expression", a.Kind)
	}
	return nil
}

// aggregator is the per-group running state of one
// aggregate.
type aggregator interface {
	// beginGroup resets the running state to the kind's
	// identity.
	beginGroup() error
	// absorb folds one input row into the running state.
	absorb(row expr.Row) error
	// finalize writes the result (or NULL) into the output
	// row and releases per-group resources.
	finalize(out expr.Row) error
	// cleanup releases per-group resources on the error
	// path. It must be safe to call at any time.
	cleanup()
}

// updater is implemented by the non-distinct accumulators;
// the distinct decorator replays unique values through it.
type updater interface {
	aggregator
	update(v value.Value) error
}

// newAggregator builds the accumulator for one spec.
func newAggregator(spec *AggregateSpec, env *Env) (aggregator, error) {
	if err := spec.check(); err != nil {
		return nil, err
	}
	var inner updater
	switch spec.Kind {
	case AggCountAll:
		return &countAgg{spec: spec, all: true}, nil
	case AggCount, AggCountDistinct:
		inner = &countAgg{spec: spec}
	case AggSumInt, AggSumIntDistinct:
		inner = &sumAgg{spec: spec}
	case AggAvgInt, AggAvgIntDistinct:
		inner = &sumAgg{spec: spec, avg: true}
	case AggSumFloat, AggSumFloatDistinct:
		inner = &sumAgg{spec: spec, floatKind: true}
	case AggAvgFloat, AggAvgFloatDistinct:
		inner = &sumAgg{spec: spec, floatKind: true, avg: true}
	case AggMin, AggMinIndexed:
		inner = &minmaxAgg{spec: spec}
	case AggMax, AggMaxIndexed:
		inner = &minmaxAgg{spec: spec, max: true}
	case AggList, AggListDistinct:
		inner = &listAgg{spec: spec, env: env}
	case AggConst:
		return &constAgg{spec: spec}, nil
	case AggPass:
		return &passAgg{spec: spec}, nil
	default:
		return nil, fmt.Errorf("unsupported aggregate kind %s", spec.Kind)
	}
	if !spec.Kind.Distinct() {
		return inner, nil
	}
	if spec.SortKey.RecordLength == 0 {
		spec.SortKey = MakeSortKey(spec.ArgType)
	}
	return &distinctAgg{spec: spec, inner: inner, set: newDistinctSet(spec, env)}, nil
}

// emit writes v into the spec's target column, coercing to
// the declared output type.
func emit(out expr.Row, spec *AggregateSpec, v value.Value) error {
	moved, err := value.Move(v, spec.Out)
	if err != nil {
		return err
	}
	if spec.Target >= len(out) {
		return fmt.Errorf("%w: target column %d of %s outside output row of %d",
			ErrInternal, spec.Target, spec.Kind, len(out))
	}
	out[spec.Target] = moved
	return nil
}

// countAgg implements COUNT(*) and COUNT(expr).
type countAgg struct {
	spec  *AggregateSpec
	all   bool
	count int64
}

func (c *countAgg) beginGroup() error {
	c.count = 0
	return nil
}

func (c *countAgg) absorb(row expr.Row) error {
	if c.all {
		c.count++
		return nil
	}
	v, err := c.spec.Arg.Eval(row)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	return c.update(v)
}

func (c *countAgg) update(value.Value) error {
	c.count++
	return nil
}

func (c *countAgg) finalize(out expr.Row) error {
	// COUNT of an empty group is 0, never NULL
	return emit(out, c.spec, value.Int(c.count))
}

func (c *countAgg) cleanup() {}

// sumAgg implements SUM and AVG for both numeric families.
// The integer family runs as a 64-bit scaled integer and is
// promoted to double for the rest of the group when an
// input is floating or the addition overflows.
type sumAgg struct {
	spec      *AggregateSpec
	avg       bool
	floatKind bool

	isFloat bool
	i       int64
	f       float64
	n       uint64
}

func (s *sumAgg) beginGroup() error {
	s.isFloat = s.floatKind
	s.i = 0
	s.f = 0
	s.n = 0
	return nil
}

func (s *sumAgg) absorb(row expr.Row) error {
	v, err := s.spec.Arg.Eval(row)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	return s.update(v)
}

func (s *sumAgg) update(v value.Value) error {
	fv, ok := v.AsFloat()
	if !ok {
		return fmt.Errorf("%s: argument of kind %s is not numeric", s.spec.Kind, v.Kind())
	}
	s.n++
	if !s.isFloat {
		if iv, isInt := v.Int(); isInt {
			if add, ok := value.Rescale(iv, v.Scale(), s.spec.Scale); ok {
				if sum, ok := addInt64(s.i, add); ok {
					s.i = sum
					return nil
				}
			}
		}
		// floating input or overflow: promote the running
		// value to double for the remainder of the group
		s.f = float64(s.i) / math.Pow10(int(s.spec.Scale))
		s.isFloat = true
	}
	s.f += fv
	return nil
}

func (s *sumAgg) finalize(out expr.Row) error {
	if s.n == 0 {
		return emit(out, s.spec, value.Null())
	}
	if s.avg {
		if s.isFloat {
			return emit(out, s.spec, value.Float(s.f/float64(s.n)))
		}
		return emit(out, s.spec, value.Decimal(s.i/int64(s.n), s.spec.Scale))
	}
	if s.isFloat {
		return emit(out, s.spec, value.Float(s.f))
	}
	return emit(out, s.spec, value.Decimal(s.i, s.spec.Scale))
}

func (s *sumAgg) cleanup() {}

func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
		return 0, false
	}
	return sum, true
}

// minmaxAgg implements MIN and MAX (indexed or not).
type minmaxAgg struct {
	spec *AggregateSpec
	max  bool

	val  value.Value
	init bool
	n    uint64
}

func (m *minmaxAgg) beginGroup() error {
	m.val = value.Null()
	m.init = false
	m.n = 0
	return nil
}

func (m *minmaxAgg) absorb(row expr.Row) error {
	v, err := m.spec.Arg.Eval(row)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	return m.update(v)
}

func (m *minmaxAgg) update(v value.Value) error {
	m.n++
	if !m.init {
		m.val = v
		m.init = true
		return nil
	}
	c, err := value.Compare(v, m.val)
	if err != nil {
		return err
	}
	if (m.max && c > 0) || (!m.max && c < 0) {
		m.val = v
	}
	return nil
}

func (m *minmaxAgg) finalize(out expr.Row) error {
	if m.n == 0 {
		return emit(out, m.spec, value.Null())
	}
	return emit(out, m.spec, m.val)
}

func (m *minmaxAgg) cleanup() {}

// listAgg implements LIST: values rendered as text into a
// large object, separated by the delimiter expression.
//
// A NULL delimiter taints the accumulator: the result is
// NULL for the whole group and further appends are skipped,
// without affecting sibling accumulators.
type listAgg struct {
	spec *AggregateSpec
	env  *Env

	w       *blob.Writer
	n       uint64
	tainted bool
	row     expr.Row // context for delimiter evaluation
}

func (l *listAgg) beginGroup() error {
	if l.w != nil {
		// finalize or cleanup must have run
		return fmt.Errorf("%w: LIST writer alive across groups", ErrInternal)
	}
	l.n = 0
	l.tainted = false
	l.row = nil
	return nil
}

func (l *listAgg) absorb(row expr.Row) error {
	v, err := l.spec.Arg.Eval(row)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	l.row = row
	return l.update(v)
}

func (l *listAgg) setRow(row expr.Row) { l.row = row }

func (l *listAgg) update(v value.Value) error {
	if l.tainted {
		return nil
	}
	if l.w == nil {
		w, err := l.env.Blobs.Create()
		if err != nil {
			return resourceErr(err)
		}
		l.w = w
	}
	if l.n > 0 {
		d, err := l.spec.Delimiter.Eval(l.row)
		if err != nil {
			return err
		}
		if d.IsNull() {
			l.tainted = true
			return nil
		}
		ds, err := value.Format(d)
		if err != nil {
			return err
		}
		if _, err := l.w.WriteString(ds); err != nil {
			return err
		}
	}
	l.n++
	vs, err := value.Format(v)
	if err != nil {
		return err
	}
	_, err = l.w.WriteString(vs)
	return err
}

func (l *listAgg) finalize(out expr.Row) error {
	w := l.w
	l.w = nil
	if w != nil {
		if err := w.Close(); err != nil {
			return err
		}
	}
	if l.n == 0 || l.tainted {
		if w != nil {
			l.env.Blobs.Remove(w.Handle())
		}
		return emit(out, l.spec, value.Null())
	}
	return emit(out, l.spec, value.FromBlob(w.Handle()))
}

func (l *listAgg) cleanup() {
	if l.w != nil {
		l.w.Discard()
		l.w = nil
	}
}

// constAgg copies a constant into the output row.
type constAgg struct {
	spec *AggregateSpec
}

func (c *constAgg) beginGroup() error     { return nil }
func (c *constAgg) absorb(expr.Row) error { return nil }
func (c *constAgg) cleanup()              {}

func (c *constAgg) finalize(out expr.Row) error {
	v, err := c.spec.Arg.Eval(nil)
	if err != nil {
		return err
	}
	return emit(out, c.spec, v)
}

// passAgg assigns an expression row by row, the way
// non-aggregate map entries (grouping columns) are
// delivered into the output record.
type passAgg struct {
	spec *AggregateSpec
	val  value.Value
}

func (p *passAgg) beginGroup() error {
	p.val = value.Null()
	return nil
}

func (p *passAgg) absorb(row expr.Row) error {
	v, err := p.spec.Arg.Eval(row)
	if err != nil {
		return err
	}
	p.val = v
	return nil
}

func (p *passAgg) finalize(out expr.Row) error {
	return emit(out, p.spec, p.val)
}

func (p *passAgg) cleanup() {}

// distinctAgg decorates an updater with a sort-backed
// deduplicating buffer; unique values are replayed through
// the wrapped update rule at finalize time.
type distinctAgg struct {
	spec  *AggregateSpec
	inner updater
	set   *distinctSet
}

// rowContext is implemented by accumulators that evaluate
// secondary expressions against the current row.
type rowContext interface {
	setRow(expr.Row)
}

func (d *distinctAgg) beginGroup() error {
	if err := d.inner.beginGroup(); err != nil {
		return err
	}
	d.set.reset()
	return d.set.open()
}

func (d *distinctAgg) absorb(row expr.Row) error {
	v, err := d.spec.Arg.Eval(row)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	if rc, ok := d.inner.(rowContext); ok {
		rc.setRow(row)
	}
	return d.set.put(v)
}

func (d *distinctAgg) finalize(out expr.Row) error {
	if err := d.set.finalize(d.inner.update); err != nil {
		return err
	}
	return d.inner.finalize(out)
}

func (d *distinctAgg) cleanup() {
	d.set.reset()
	d.inner.cleanup()
}
