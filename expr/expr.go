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

// Package expr defines the expression evaluation surface
// consumed by the execution operators.
//
// Query compilation produces Nodes; the operators only ever
// evaluate them against a row. SQL NULL is carried in the
// value itself rather than through out-of-band state.
package expr

import (
	"fmt"

	"github.com/jucapablanca/firebird/value"
)

// Row is one record: a value per column.
type Row []value.Value

// Node is a compiled scalar expression.
type Node interface {
	// Eval computes the expression over row.
	// A NULL result is a NULL value, not an error.
	Eval(row Row) (value.Value, error)
}

// Field is a reference to a column by position.
type Field int

// Eval returns the referenced column of row.
func (f Field) Eval(row Row) (value.Value, error) {
	if int(f) < 0 || int(f) >= len(row) {
		return value.Value{}, fmt.Errorf("expr: field %d out of range (row has %d columns)", int(f), len(row))
	}
	return row[int(f)], nil
}

// Constant is a literal expression.
type Constant struct {
	Value value.Value
}

// Const returns a literal node for v.
func Const(v value.Value) Constant {
	return Constant{Value: v}
}

// Eval returns the literal value.
func (c Constant) Eval(Row) (value.Value, error) {
	return c.Value, nil
}

// Func adapts an arbitrary function to a Node. It is the
// escape hatch for callers that compile expressions
// elsewhere (and for tests modeling row-dependent or
// failing expressions).
type Func func(Row) (value.Value, error)

// Eval invokes the function.
func (f Func) Eval(row Row) (value.Value, error) {
	return f(row)
}
