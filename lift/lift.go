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

package lift

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/llir/llvm/ir/value"
)

// Lift translates a mapping from function name to decompilation artifact
// into one LLVM-compatible IR module. It runs single-threaded and
// synchronously: every signature is installed, then every global is
// discovered, before any function body is translated, and functions are
// themselves lifted in sorted name order so that two lifts of identical
// input produce structurally identical output.
func Lift(filename string, artifacts map[string]*Artifact, opts Options) (*Builder, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	b := NewBuilder(filename)

	if err := synthesizeSignatures(b, artifacts); err != nil {
		return nil, err
	}
	discoverGlobals(b, artifacts)

	names := maps.Keys(artifacts)
	slices.Sort(names)

	for _, name := range names {
		if err := liftOneFunction(b, name, artifacts[name], opts); err != nil {
			return nil, fmt.Errorf("lift %s: %w", name, err)
		}
	}
	return b, nil
}

// liftOneFunction materializes one function's entry block (locals,
// registers, and the branch into the first artifact block), builds its
// CFG, and drives the operation translator across its body.
func liftOneFunction(b *Builder, name string, a *Artifact, opts Options) error {
	sig, ok := b.sigs[name]
	if !ok {
		return fmt.Errorf("no signature installed for %q", name)
	}

	entry := sig.Func.NewBlock("entry")
	locals, err := materializeLocals(b, sig.Func, entry, name, a, opts)
	if err != nil {
		return err
	}
	blocks, err := buildCFG(sig.Func, entry, name, a)
	if err != nil {
		return err
	}

	fs := &funcState{
		b:      b,
		sig:    sig,
		locals: locals,
		blocks: blocks,
		temps:  make(map[string]value.Value),
		name:   name,
		opts:   opts,
	}
	return fs.translateFunction()
}
