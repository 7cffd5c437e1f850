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

package expr

import (
	"testing"

	"github.com/jucapablanca/firebird/value"
)

func TestField(t *testing.T) {
	row := Row{value.Int(1), value.String("x")}
	v, err := Field(1).Eval(row)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.Text(); s != "x" {
		t.Errorf("got %s", v)
	}
	if _, err := Field(2).Eval(row); err == nil {
		t.Error("out-of-range field should fail")
	}
	if _, err := Field(-1).Eval(row); err == nil {
		t.Error("negative field should fail")
	}
}

func TestConstAndFunc(t *testing.T) {
	v, err := Const(value.Float(2.5)).Eval(nil)
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := v.Float(); f != 2.5 {
		t.Errorf("got %s", v)
	}

	fn := Func(func(row Row) (value.Value, error) {
		return row[0], nil
	})
	v, err = fn.Eval(Row{value.Int(9)})
	if err != nil {
		t.Fatal(err)
	}
	if i, _ := v.Int(); i != 9 {
		t.Errorf("got %s", v)
	}
}
