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
	"io"
	"path/filepath"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/jucapablanca/firebird/expr"
	"github.com/jucapablanca/firebird/value"
)

// sliceSource is a RowSource over in-memory rows. It can be
// told to fail after a number of rows to model upstream
// errors.
type sliceSource struct {
	rows []expr.Row
	pos  int

	failAfter int // fail once this many rows were produced; 0 = never
	failErr   error

	opened      bool
	closed      int
	invalidated bool
}

func (s *sliceSource) Open() error {
	s.opened = true
	s.pos = 0
	return nil
}

func (s *sliceSource) Next() (expr.Row, error) {
	if s.failAfter > 0 && s.pos >= s.failAfter {
		return nil, s.failErr
	}
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

func (s *sliceSource) Close() error {
	s.closed++
	return nil
}

func (s *sliceSource) Invalidate() { s.invalidated = true }

// mkrow builds a row from untyped literals; nil is NULL.
func mkrow(vals ...interface{}) expr.Row {
	row := make(expr.Row, len(vals))
	for i, v := range vals {
		switch v := v.(type) {
		case nil:
			row[i] = value.Null()
		case int:
			row[i] = value.Int(int64(v))
		case int64:
			row[i] = value.Int(v)
		case float64:
			row[i] = value.Float(v)
		case string:
			row[i] = value.String(v)
		case value.Value:
			row[i] = v
		default:
			panic("mkrow: unsupported literal")
		}
	}
	return row
}

func testEnv(t *testing.T) *Env {
	t.Helper()
	params := DefaultExecParams()
	params.TempDir = t.TempDir()
	env, err := NewEnv(params)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// runAll drains the driver, copying every emitted row.
func runAll(t *testing.T, g *GroupAggregate) []expr.Row {
	t.Helper()
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	var out []expr.Row
	for {
		row, err := g.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, slices.Clone(row))
	}
}

func checkRows(t *testing.T, got, want []expr.Row) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d: got %v, want %v", i, got[i], want[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("row %d col %d: got %s, want %s", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestEmptyInputNoGrouping(t *testing.T) {
	child := &sliceSource{}
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggCountAll, Target: 0},
		{Kind: AggSumInt, Arg: expr.Field(0), Target: 1},
		{Kind: AggMin, Arg: expr.Field(0), Target: 2},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{mkrow(0, nil, nil)})
}

func TestEmptyInputWithGrouping(t *testing.T) {
	child := &sliceSource{}
	g, err := NewGroupAggregate(child, []expr.Node{expr.Field(0)}, []AggregateSpec{
		{Kind: AggCountAll, Target: 0},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %v", got)
	}
}

func TestSingleGroupMixedNulls(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(1, 10),
		mkrow(1, nil),
		mkrow(1, 30),
	}}
	g, err := NewGroupAggregate(child, []expr.Node{expr.Field(0)}, []AggregateSpec{
		{Kind: AggPass, Arg: expr.Field(0), Target: 0},
		{Kind: AggCount, Arg: expr.Field(1), Target: 1},
		{Kind: AggSumInt, Arg: expr.Field(1), Target: 2},
		{Kind: AggAvgInt, Arg: expr.Field(1), Target: 3},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{mkrow(1, 2, 40, 20)})
}

func TestMultipleGroups(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(1, 5),
		mkrow(1, 7),
		mkrow(2, 3),
		mkrow(2, 3),
		mkrow(3, nil),
	}}
	g, err := NewGroupAggregate(child, []expr.Node{expr.Field(0)}, []AggregateSpec{
		{Kind: AggPass, Arg: expr.Field(0), Target: 0},
		{Kind: AggCount, Arg: expr.Field(1), Target: 1},
		{Kind: AggSumInt, Arg: expr.Field(1), Target: 2},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{
		mkrow(1, 2, 12),
		mkrow(2, 2, 6),
		mkrow(3, 0, nil),
	})
	if child.closed != 0 {
		t.Error("child closed prematurely")
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Error("Close should be idempotent")
	}
	if child.closed != 1 {
		t.Errorf("child closed %d times", child.closed)
	}
}

// non-consecutive key runs are distinct groups: the driver
// never re-merges, it trusts the child's ordering
func TestNonConsecutiveRuns(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(1), mkrow(2), mkrow(1),
	}}
	g, err := NewGroupAggregate(child, []expr.Node{expr.Field(0)}, []AggregateSpec{
		{Kind: AggPass, Arg: expr.Field(0), Target: 0},
		{Kind: AggCountAll, Target: 1},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{
		mkrow(1, 1),
		mkrow(2, 1),
		mkrow(1, 1),
	})
}

func TestNullGroupKeys(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(nil, 1),
		mkrow(nil, 2),
		mkrow(1, 3),
	}}
	g, err := NewGroupAggregate(child, []expr.Node{expr.Field(0)}, []AggregateSpec{
		{Kind: AggPass, Arg: expr.Field(0), Target: 0},
		{Kind: AggCount, Arg: expr.Field(1), Target: 1},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{
		mkrow(nil, 2),
		mkrow(1, 1),
	})
}

func TestDistinctAggregates(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(1), mkrow(2), mkrow(2), mkrow(3), mkrow(1),
	}}
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggSumIntDistinct, Arg: expr.Field(0), Target: 0},
		{Kind: AggCountDistinct, Arg: expr.Field(0), Target: 1},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{mkrow(6, 3)})
}

func TestListNullDelimiterTaintsResult(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow("a"),
		mkrow("b"),
	}}
	delim := expr.Func(func(row expr.Row) (value.Value, error) {
		if s, _ := row[0].Text(); s == "b" {
			return value.Null(), nil
		}
		return value.String("-"), nil
	})
	env := testEnv(t)
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggList, Arg: expr.Field(0), Delimiter: delim, Target: 0},
		{Kind: AggCountAll, Target: 1},
	}, env)
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{mkrow(nil, 2)})
	// the abandoned writer must not leak its backing file
	left, err := filepath.Glob(filepath.Join(env.Params.TempDir, "blob-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("blob files left behind: %v", left)
	}
}

func TestListConcatenation(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(1, "a"), mkrow(1, "b"), mkrow(1, "c"),
		mkrow(2, "z"),
	}}
	env := testEnv(t)
	g, err := NewGroupAggregate(child, []expr.Node{expr.Field(0)}, []AggregateSpec{
		{Kind: AggPass, Arg: expr.Field(0), Target: 0},
		{Kind: AggList, Arg: expr.Field(1), Delimiter: expr.Const(value.String(",")), Target: 1},
	}, env)
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	if len(got) != 2 {
		t.Fatalf("got %d rows", len(got))
	}
	for i, want := range []string{"a,b,c", "z"} {
		if s := readBlob(t, env, got[i][1]); s != want {
			t.Errorf("group %d: got %q, want %q", i, s, want)
		}
	}
}

func TestListDistinct(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow("b"), mkrow("a"), mkrow("b"),
	}}
	env := testEnv(t)
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggListDistinct, Arg: expr.Field(0),
			Delimiter: expr.Const(value.String(",")),
			ArgType:   value.Desc{Kind: value.TextType, Length: 8},
			Target:    0},
	}, env)
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	if len(got) != 1 {
		t.Fatalf("got %d rows", len(got))
	}
	// unique values replay in ascending key order
	if s := readBlob(t, env, got[0][0]); s != "a,b" {
		t.Errorf("got %q, want %q", s, "a,b")
	}
}

func TestIndexedMinShortCircuits(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(2), mkrow(9), mkrow(1),
	}}
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggMinIndexed, Arg: expr.Field(0), Target: 0},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{mkrow(2)})
	if child.pos != 1 {
		t.Errorf("driver pulled %d rows, want 1", child.pos)
	}
}

func TestUpstreamErrorCleansUp(t *testing.T) {
	boom := errors.New("disk on fire")
	child := &sliceSource{
		rows:      []expr.Row{mkrow(1), mkrow(2), mkrow(3), mkrow(4)},
		failAfter: 3,
		failErr:   boom,
	}
	params := DefaultExecParams()
	params.TempDir = t.TempDir()
	// one record per run so every distinct put spills
	params.SortMemory = 1
	env, err := NewEnv(params)
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggSumIntDistinct, Arg: expr.Field(0), Target: 0},
		{Kind: AggList, Arg: expr.Field(0), Delimiter: expr.Const(value.String(",")), Target: 1},
	}, env)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Next(); !errors.Is(err, boom) {
		t.Fatalf("got %v, want upstream error", err)
	}
	// terminal: further calls see end-of-stream
	if _, err := g.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v after failure, want io.EOF", err)
	}
	// every sort and large-object file must be gone
	left, err := filepath.Glob(filepath.Join(params.TempDir, "*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("files left behind after error: %v", left)
	}
}

func TestExpressionErrorPropagates(t *testing.T) {
	bad := errors.New("bad expression")
	child := &sliceSource{rows: []expr.Row{mkrow(1)}}
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggSumInt, Arg: expr.Func(func(expr.Row) (value.Value, error) {
			return value.Value{}, bad
		}), Target: 0},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Next(); !errors.Is(err, bad) {
		t.Fatalf("got %v, want expression error", err)
	}
}

type countingSched struct{ yields int }

func (c *countingSched) Reschedule() { c.yields++ }

func TestCooperativeYield(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{
		mkrow(1), mkrow(1), mkrow(1), mkrow(1), mkrow(1),
	}}
	env := testEnv(t)
	env.Params.Quantum = 1
	sched := &countingSched{}
	env.Sched = sched
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggCountAll, Target: 0},
	}, env)
	if err != nil {
		t.Fatal(err)
	}
	got := runAll(t, g)
	checkRows(t, got, []expr.Row{mkrow(5)})
	if sched.yields == 0 {
		t.Error("expected at least one cooperative yield")
	}
}

func TestInvalidateRecurses(t *testing.T) {
	child := &sliceSource{rows: []expr.Row{mkrow(1)}}
	g, err := NewGroupAggregate(child, nil, []AggregateSpec{
		{Kind: AggCountAll, Target: 0},
	}, testEnv(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Open(); err != nil {
		t.Fatal(err)
	}
	g.Invalidate()
	if !child.invalidated {
		t.Error("Invalidate did not reach the child")
	}
}

func readBlob(t *testing.T, env *Env, v value.Value) string {
	t.Helper()
	h, ok := v.BlobHandle()
	if !ok {
		t.Fatalf("%s is not a blob", v)
	}
	r, err := env.Blobs.Open(h)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf)
}
