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
	"fmt"
	"io"

	"golang.org/x/exp/slices"

	"github.com/jucapablanca/firebird/expr"
	"github.com/jucapablanca/firebird/value"
)

type driverState uint8

const (
	// stateInit: no child iteration started yet.
	stateInit driverState = iota
	// statePending: holding a row that belongs to the next
	// group.
	statePending
	// stateDrained: child exhausted; the last group has
	// been emitted.
	stateDrained
	// stateDone: terminal; all output emitted.
	stateDone
)

func (s driverState) String() string {
	switch s {
	case stateInit:
		return "init"
	case statePending:
		return "pending"
	case stateDrained:
		return "drained"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("<driverState=%d>", int(s))
	}
}

// GroupAggregate consumes an ordered child stream and emits
// one row per run of equal grouping keys, carrying the
// finalized aggregate values of that run.
//
// The child must be sorted on the grouping expressions;
// with no grouping expressions the whole input is a single
// group and exactly one row is emitted (even for an empty
// child).
type GroupAggregate struct {
	child RowSource
	group []expr.Node
	specs []*AggregateSpec
	aggs  []aggregator
	env   *Env

	width      int
	hasIndexed bool
	quantum    int
	quantumMax int

	keys    []value.Value // last observed grouping values
	out     expr.Row
	pending expr.Row
	state   driverState

	childOpen bool
}

// NewGroupAggregate builds the aggregation driver over
// child. groupBy may be empty (single-group aggregation).
// A nil env selects defaults.
func NewGroupAggregate(child RowSource, groupBy []expr.Node, specs []AggregateSpec, env *Env) (*GroupAggregate, error) {
	if env == nil {
		var err error
		env, err = NewEnv(DefaultExecParams())
		if err != nil {
			return nil, err
		}
	}
	g := &GroupAggregate{
		child: child,
		group: groupBy,
		env:   env,
		keys:  make([]value.Value, len(groupBy)),
	}
	width := 0
	for i := range specs {
		spec := &specs[i]
		agg, err := newAggregator(spec, env)
		if err != nil {
			return nil, err
		}
		g.specs = append(g.specs, spec)
		g.aggs = append(g.aggs, agg)
		if spec.Target+1 > width {
			width = spec.Target + 1
		}
		if spec.Kind.Indexed() {
			g.hasIndexed = true
		}
	}
	g.width = width
	g.quantumMax = env.Params.Quantum
	if g.quantumMax <= 0 {
		g.quantumMax = DefaultExecParams().Quantum
	}
	g.quantum = g.quantumMax
	return g, nil
}

// Open allocates the output record. The child is opened
// lazily on the first Next.
func (g *GroupAggregate) Open() error {
	g.out = make(expr.Row, g.width)
	g.pending = nil
	g.state = stateInit
	return nil
}

// Next returns the next aggregated row, or io.EOF.
//
// On any error the driver releases every open distinct set
// and large-object writer, transitions to its terminal
// state, and propagates; no partial row is returned.
func (g *GroupAggregate) Next() (expr.Row, error) {
	switch g.state {
	case stateDone:
		return nil, io.EOF
	case stateDrained:
		g.state = stateDone
		return nil, io.EOF
	}
	if g.out == nil {
		return nil, fmt.Errorf("%w: Next before Open", ErrInternal)
	}
	for i := range g.aggs {
		if err := g.aggs[i].beginGroup(); err != nil {
			return nil, g.fail(err)
		}
	}

	var row expr.Row
	switch g.state {
	case stateInit:
		if err := g.child.Open(); err != nil {
			return nil, g.fail(err)
		}
		g.childOpen = true
		var err error
		row, err = g.child.Next()
		if err == io.EOF {
			if len(g.group) > 0 {
				g.cleanup()
				g.state = stateDone
				return nil, io.EOF
			}
			// no grouping: one row even for empty input
			g.state = stateDrained
			return g.emit()
		}
		if err != nil {
			return nil, g.fail(err)
		}
	case statePending:
		row = g.pending
		g.pending = nil
	}

	if err := g.loadKeys(row); err != nil {
		return nil, g.fail(err)
	}
	if err := g.absorb(row); err != nil {
		return nil, g.fail(err)
	}
	injectEOS := g.hasIndexed

	for {
		g.tick()
		if injectEOS {
			g.state = stateDrained
			break
		}
		next, err := g.child.Next()
		if err == io.EOF {
			g.state = stateDrained
			break
		}
		if err != nil {
			return nil, g.fail(err)
		}
		if len(g.group) > 0 {
			changed, err := g.keyChanged(next)
			if err != nil {
				return nil, g.fail(err)
			}
			if changed {
				// the row belongs to the next group; the
				// child owns its buffer, so keep a copy
				g.pending = slices.Clone(next)
				g.state = statePending
				break
			}
		}
		if err := g.absorb(next); err != nil {
			return nil, g.fail(err)
		}
	}
	return g.emit()
}

// Close releases all per-group resources and closes the
// child. It is idempotent.
func (g *GroupAggregate) Close() error {
	g.cleanup()
	g.state = stateDone
	if !g.childOpen {
		return nil
	}
	g.childOpen = false
	return g.child.Close()
}

// Invalidate marks the output row invalid and recursively
// invalidates the child's bookmarks.
func (g *GroupAggregate) Invalidate() {
	for i := range g.out {
		g.out[i] = value.Null()
	}
	g.child.Invalidate()
}

func (g *GroupAggregate) absorb(row expr.Row) error {
	for i := range g.aggs {
		if err := g.aggs[i].absorb(row); err != nil {
			return err
		}
	}
	return nil
}

func (g *GroupAggregate) emit() (expr.Row, error) {
	for i := range g.aggs {
		if err := g.aggs[i].finalize(g.out); err != nil {
			return nil, g.fail(err)
		}
	}
	return g.out, nil
}

// loadKeys populates the grouping-key cache from the first
// row of a group.
func (g *GroupAggregate) loadKeys(row expr.Row) error {
	for i, e := range g.group {
		v, err := e.Eval(row)
		if err != nil {
			return err
		}
		g.keys[i] = v
	}
	return nil
}

// keyChanged reports whether row starts a new group. The
// key cache is updated as it compares, so after a change it
// reflects the group of row, not the group just emitted.
func (g *GroupAggregate) keyChanged(row expr.Row) (bool, error) {
	for i, e := range g.group {
		prev := g.keys[i]
		v, err := e.Eval(row)
		if err != nil {
			return false, err
		}
		g.keys[i] = v
		if v.IsNull() || prev.IsNull() {
			// two NULLs group together
			if v.IsNull() != prev.IsNull() {
				return true, nil
			}
			continue
		}
		c, err := value.Compare(prev, v)
		if err != nil {
			return false, err
		}
		if c != 0 {
			return true, nil
		}
	}
	return false, nil
}

// tick consumes one unit of the scheduling quantum,
// yielding to the host scheduler when it runs out.
func (g *GroupAggregate) tick() {
	g.quantum--
	if g.quantum <= 0 {
		g.env.scheduler().Reschedule()
		g.quantum = g.quantumMax
	}
}

// fail releases per-group resources and parks the driver in
// its terminal state; err is returned for convenience.
func (g *GroupAggregate) fail(err error) error {
	g.cleanup()
	g.state = stateDone
	return err
}

func (g *GroupAggregate) cleanup() {
	for i := range g.aggs {
		g.aggs[i].cleanup()
	}
}
