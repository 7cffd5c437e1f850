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
	"log"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/jucapablanca/firebird/blob"
)

// ExecParams are the tunables of an execution context.
type ExecParams struct {
	// Quantum is the number of absorb-loop iterations
	// between cooperative yields.
	Quantum int `json:"quantum"`
	// SortMemory bounds the in-memory run of each
	// distinct-aggregate sort, in bytes.
	SortMemory int `json:"sort_memory"`
	// TempDir hosts sort spill files and large objects.
	// Empty selects the default temp directory.
	TempDir string `json:"temp_dir"`
}

// DefaultExecParams returns the default tunables.
func DefaultExecParams() ExecParams {
	return ExecParams{
		Quantum:    100,
		SortMemory: 1 << 20,
	}
}

// ParseExecParams decodes yaml-encoded tunables, applying
// defaults for absent fields.
func ParseExecParams(buf []byte) (ExecParams, error) {
	p := DefaultExecParams()
	if err := yaml.Unmarshal(buf, &p); err != nil {
		return ExecParams{}, fmt.Errorf("vm: parsing exec params: %w", err)
	}
	if p.Quantum <= 0 {
		p.Quantum = DefaultExecParams().Quantum
	}
	if p.SortMemory <= 0 {
		p.SortMemory = DefaultExecParams().SortMemory
	}
	return p, nil
}

// Env is the execution environment shared by the operators
// of one request: tunables, the scheduler, and the
// large-object store.
type Env struct {
	Params ExecParams
	Sched  Scheduler
	Blobs  *blob.Store
	Log    *log.Logger
}

// NewEnv builds an environment from params, creating the
// backing large-object store.
func NewEnv(params ExecParams) (*Env, error) {
	dir := params.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	store, err := blob.NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &Env{Params: params, Sched: nopScheduler{}, Blobs: store}, nil
}

func (e *Env) scheduler() Scheduler {
	if e.Sched == nil {
		return nopScheduler{}
	}
	return e.Sched
}
