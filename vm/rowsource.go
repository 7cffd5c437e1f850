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

// Package vm implements the streaming execution operators.
package vm

import (
	"github.com/jucapablanca/firebird/expr"
)

// RowSource is a pull-based iterator over records.
//
// The row returned by Next is owned by the source and is
// only valid until the next call; callers that hold on to a
// row across calls must copy it.
type RowSource interface {
	// Open prepares the source for iteration.
	Open() error

	// Next returns the next record, or io.EOF once the
	// stream is exhausted.
	Next() (expr.Row, error)

	// Close releases the source's resources. Close is
	// idempotent.
	Close() error

	// Invalidate discards iteration bookmarks, recursively.
	Invalidate()
}

// Scheduler is the cooperative-yield capability. The driver
// calls Reschedule each time its scheduling quantum is
// exhausted.
type Scheduler interface {
	Reschedule()
}

type nopScheduler struct{}

func (nopScheduler) Reschedule() {}
