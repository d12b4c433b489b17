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

// Package lift translates a per-function P-code decompilation artifact
// into a typed, SSA-style LLVM module.
package lift

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// intType returns the integer type of the given bit width, reusing the
// predeclared widths llir/llvm interns for the common cases.
func intType(bits int) *types.IntType {
	switch bits {
	case 1:
		return types.I1
	case 8:
		return types.I8
	case 16:
		return types.I16
	case 32:
		return types.I32
	case 64:
		return types.I64
	default:
		return types.NewInt(uint64(bits))
	}
}

// bitWidth returns the bit width of v's type, or -1 if v is not
// integer-typed.
func bitWidth(v value.Value) int {
	it, ok := v.Type().(*types.IntType)
	if !ok {
		return -1
	}
	return int(it.BitSize)
}

// zeroConst returns a zero constant of the given bit width.
func zeroConst(bits int) *constant.Int {
	return constant.NewInt(intType(bits), 0)
}

// reconcileWidths implements width "reconciliation": when two integer
// operands of a binary operation have unequal declared widths, the
// narrower operand's type is punned to the wider one in place. No
// extension instruction is inserted; this is a retype, not a value
// conversion. It is semantically questionable (a narrower bit pattern is
// simply reinterpreted as the wider type) but it is the behavior
// downstream consumers depend on, so it is preserved exactly. When the
// artifact grows signedness information this is the seam to substitute a
// proper extension at.
//
// Values are never mutated in place; a lightweight wrapper substitutes
// the retyped view instead.
func reconcileWidths(lhs, rhs value.Value) (value.Value, value.Value) {
	lw, rw := bitWidth(lhs), bitWidth(rhs)
	if lw < 0 || rw < 0 || lw == rw {
		return lhs, rhs
	}
	if lw > rw {
		return lhs, retype(rhs, intType(lw))
	}
	return retype(lhs, intType(rw)), rhs
}

// retypedValue reinterprets an existing value as having a different
// (here: wider) integer type without emitting any conversion instruction.
// It exists solely to reproduce reconcileWidths' type-punning behavior.
type retypedValue struct {
	value.Value
	typ types.Type
}

func (r *retypedValue) Type() types.Type { return r.typ }

// String prints the value as a type-value pair under its retyped type, so
// instructions that print an operand with its type show the wider width.
func (r *retypedValue) String() string { return r.typ.String() + " " + r.Ident() }

func retype(v value.Value, typ types.Type) value.Value {
	if v.Type() == typ {
		return v
	}
	return &retypedValue{Value: v, typ: typ}
}

// zextTo zero-extends v to the given bit width, truncating instead if v is
// already wider (used by callers that only know a target width, not
// whether it is wider or narrower than the source).
func zextTo(blk *ir.Block, v value.Value, bits int) value.Value {
	w := bitWidth(v)
	target := intType(bits)
	switch {
	case w == bits:
		return v
	case w < bits:
		return blk.NewZExt(v, target)
	default:
		return blk.NewTrunc(v, target)
	}
}

// truncTo truncates v to the given bit width if it is wider; narrower or
// equal-width values are returned unchanged (callers resolving a temp or a
// local to a requested width only ever need to narrow, never widen).
func truncTo(blk *ir.Block, v value.Value, bits int) value.Value {
	w := bitWidth(v)
	if w <= bits {
		return v
	}
	return blk.NewTrunc(v, intType(bits))
}

// bitcastPointer bitcasts ptr (itself a pointer) to a pointer-to-typ,
// a no-op when it is already of that type.
func bitcastPointer(blk *ir.Block, ptr value.Value, typ types.Type) value.Value {
	want := types.NewPointer(typ)
	if pt, ok := ptr.Type().(*types.PointerType); ok && types.Equal(pt.ElemType, typ) {
		return ptr
	}
	return blk.NewBitCast(ptr, want)
}
