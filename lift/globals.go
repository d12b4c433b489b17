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
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// isObjectSymbol reports whether name is an object-global symbol: names
// beginning with "obj" or "_obj".
func isObjectSymbol(name string) bool {
	return strings.HasPrefix(name, "obj") || strings.HasPrefix(name, "_obj")
}

// discoverGlobals scans every function artifact for object symbols and
// materializes a zero-initialized global integer for each one discovered.
// A symbol seen in multiple functions, or multiple times within
// one function, is created once, regardless of which function's op
// stream mentions it first.
func discoverGlobals(b *Builder, artifacts map[string]*Artifact) {
	names := maps.Keys(artifacts)
	slices.Sort(names)

	for _, name := range names {
		for _, blk := range artifacts[name].Graph.Blocks {
			for _, op := range blk.Ops {
				for _, in := range op.Inputs {
					declareGlobalIfObject(b, in.Symbol.Name, in.Size)
				}
				if op.Output != nil {
					declareGlobalIfObject(b, op.Output.Symbol.Name, op.Output.Size)
				}
			}
		}
	}
}

func declareGlobalIfObject(b *Builder, symbol string, sizeBytes int) {
	if !isObjectSymbol(symbol) {
		return
	}
	b.globalFor(symbol, 8*sizeBytes)
}
