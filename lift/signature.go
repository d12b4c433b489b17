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
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

// synthesizeSignatures walks every function artifact once and installs a
// pre-declared IR function handle for it, so that intra-module calls
// resolve regardless of lifting order. Functions are processed in sorted
// name order: signature synthesis has no order dependency of its own,
// but iterating a Go map in its native (randomized) order would make the
// resulting module's function declaration order, and therefore its
// textual diff, nondeterministic between runs.
func synthesizeSignatures(b *Builder, artifacts map[string]*Artifact) error {
	names := maps.Keys(artifacts)
	slices.Sort(names)

	for _, name := range names {
		a := artifacts[name]
		sig, err := buildSignature(b, name, a)
		if err != nil {
			return err
		}
		b.sigs[name] = sig
	}
	return nil
}

func buildSignature(b *Builder, name string, a *Artifact) (*funcSig, error) {
	var retType types.Type
	isVoid := false
	undefined := false
	switch a.Return.Type {
	case "void":
		retType = types.Void
		isVoid = true
	case "undefined8":
		retType = intType(64)
		undefined = true
	default:
		retType = intType(8 * a.Return.Size)
	}

	params := make([]*ir.Param, 0, len(a.Args.Vars))
	for _, arg := range a.Args.Vars {
		params = append(params, ir.NewParam(arg.Name, intType(8*arg.Size)))
	}

	fn := b.Module.NewFunc(name, retType, params...)

	byName := make(map[string]*ir.Param, len(fn.Params))
	for _, p := range fn.Params {
		byName[p.Name()] = p
	}

	return &funcSig{
		Func:      fn,
		Params:    byName,
		IsVoid:    isVoid,
		Undefined: undefined,
	}, nil
}
