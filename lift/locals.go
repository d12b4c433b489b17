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

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// localKind distinguishes the two storage shapes a name in the combined
// local/register table can have.
type localKind int

const (
	// aggregateField is a GEP'd field of the single_struct identified
	// type: already precisely typed to the local's declared width, so a
	// read or write always targets the whole field directly.
	aggregateField localKind = iota
	// independentAlloca is a byte_addressable local's bitcast pointer into
	// the shared byte aggregate, a no_option local's own alloca, or a
	// register slot: all three support the offset/size sub-field access
	// path when a varnode use carries those attributes.
	independentAlloca
)

// localEntry is one slot in the combined local/register table: a pointer
// to its storage, its declared bit width, and how the resolver should
// address it.
type localEntry struct {
	Ptr  value.Value
	Bits int
	Kind localKind
}

// Locals is the per-function local/register storage materialized in the
// entry block. It is looked up by the varnode resolver for every
// var*/bVar*/register0x* varnode.
type Locals struct {
	vars       map[string]*localEntry
	structType *types.StructType // non-nil for single_struct and byte_addressable
}

func localBits(v NamedVar) int {
	if strings.HasPrefix(v.Name, "bVar") {
		return 1
	}
	return 8 * v.Size
}

// registerBits sizes a register slot: a register observed with declared
// size 1 is a 1-bit flag-like register, not a 1-byte one; every other
// declared size is in bytes.
func registerBits(sizeBytes int) int {
	if sizeBytes == 1 {
		return 1
	}
	return 8 * sizeBytes
}

// materializeLocals allocates storage for one function's locals (under
// opts.Stack) and registers, entirely within the entry block, so the
// entry block is complete before any artifact block is entered.
func materializeLocals(b *Builder, fn *ir.Func, entry *ir.Block, name string, a *Artifact, opts Options) (*Locals, error) {
	vars := make(map[string]*localEntry)
	var structType *types.StructType

	switch opts.Stack {
	case SingleStruct:
		fieldTypes := make([]types.Type, 0, len(a.Locals.Vars))
		fieldNames := make([]string, 0, len(a.Locals.Vars))
		for _, lv := range a.Locals.Vars {
			fieldTypes = append(fieldTypes, intType(localBits(lv)))
			fieldNames = append(fieldNames, lv.Name)
		}
		structType = types.NewStruct(fieldTypes...)
		named := b.Module.NewTypeDef(localStructName(b.Filename, name), structType)
		base := entry.NewAlloca(named)
		zero := constant.NewInt(types.I32, 0)
		for i, nm := range fieldNames {
			idx := constant.NewInt(types.I32, int64(i))
			fieldPtr := entry.NewGetElementPtr(named, base, zero, idx)
			vars[nm] = &localEntry{Ptr: fieldPtr, Bits: bitWidthOf(fieldTypes[i]), Kind: aggregateField}
		}

	case ByteAddressable:
		total := 0
		for _, lv := range a.Locals.Vars {
			if strings.HasPrefix(lv.Name, "bVar") {
				total++
			} else {
				total += lv.Size
			}
		}
		fields := make([]types.Type, total)
		for i := range fields {
			fields[i] = types.I8
		}
		structType = types.NewStruct(fields...)
		named := b.Module.NewTypeDef(localStructName(b.Filename, name), structType)
		base := entry.NewAlloca(named)
		zero := constant.NewInt(types.I32, 0)
		offset := 0
		for _, lv := range a.Locals.Vars {
			var sizeBytes, bits int
			if strings.HasPrefix(lv.Name, "bVar") {
				sizeBytes, bits = 1, 1
			} else {
				sizeBytes, bits = lv.Size, 8*lv.Size
			}
			idx := constant.NewInt(types.I32, int64(offset))
			bytePtr := entry.NewGetElementPtr(named, base, zero, idx)
			cast := entry.NewBitCast(bytePtr, types.NewPointer(intType(bits)))
			vars[lv.Name] = &localEntry{Ptr: cast, Bits: bits, Kind: independentAlloca}
			offset += sizeBytes
		}

	case NoOption:
		for _, lv := range a.Locals.Vars {
			bits := localBits(lv)
			ptr := entry.NewAlloca(intType(bits))
			vars[lv.Name] = &localEntry{Ptr: ptr, Bits: bits, Kind: independentAlloca}
		}

	default:
		return nil, &InvariantViolationError{Function: name, Reason: "unknown stack option"}
	}

	regBits := registerSizes(a)
	regNames := maps.Keys(regBits)
	slices.Sort(regNames)
	for _, reg := range regNames {
		bits := regBits[reg]
		ptr := entry.NewAlloca(intType(bits))
		vars[reg] = &localEntry{Ptr: ptr, Bits: bits, Kind: independentAlloca}
	}

	return &Locals{vars: vars, structType: structType}, nil
}

// registerSizes scans every operation of the artifact once and records,
// per distinct register0x* varnode, the maximum declared width observed
// across the function.
func registerSizes(a *Artifact) map[string]int {
	sizes := make(map[string]int)
	record := func(v Varnode) {
		if !strings.HasPrefix(v.Symbol.Name, "register0x") {
			return
		}
		bits := registerBits(v.Size)
		if cur, ok := sizes[v.Symbol.Name]; !ok || bits > cur {
			sizes[v.Symbol.Name] = bits
		}
	}
	for _, blk := range a.Graph.Blocks {
		for _, op := range blk.Ops {
			for _, in := range op.Inputs {
				record(in)
			}
			if op.Output != nil {
				record(*op.Output)
			}
		}
	}
	return sizes
}

func bitWidthOf(t types.Type) int {
	if it, ok := t.(*types.IntType); ok {
		return int(it.BitSize)
	}
	return 0
}
