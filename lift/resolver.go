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
	"strconv"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// funcState is the per-function mutable state the operation translator and
// varnode resolver share: the temporaries table, the local/register
// table, the block map, and a read-only view of the module-level Builder
// and this function's own signature. Its lifetime is exactly one function's
// lifting pass.
type funcState struct {
	b      *Builder
	sig    *funcSig
	locals *Locals
	blocks *cfgBlocks
	temps  map[string]value.Value
	name   string
	opts   Options
}

// stripLocalName drops the dotted sub-field suffix from a var-named
// varnode symbol ("var2._4_4_" resolves against the "var2" local).
func stripLocalName(name string) string {
	if strings.Contains(name, "var") {
		if i := strings.IndexByte(name, '.'); i >= 0 {
			return name[:i]
		}
	}
	return name
}

// inputBits is the declared width (in bits) the varnode resolver should
// treat a read-side varnode as having: 1 bit for bVar*-named varnodes, 1
// bit also when the declared byte size is itself 1 (a flag-like varnode
// whose size field is already a bit count, the same convention
// registerBits uses for registers), otherwise 8x the declared byte size.
func inputBits(v Varnode) int {
	if strings.HasPrefix(v.Symbol.Name, "bVar") {
		return 1
	}
	if v.Size == 1 {
		return 1
	}
	return 8 * v.Size
}

// outputBits is the declared width of a store-side varnode: always 8x the
// declared byte size, with no bVar/1-byte special case (store resolution
// never special-cases the output size the way input resolution does).
func outputBits(v Varnode) int {
	return 8 * v.Size
}

// resolveInput implements the varnode resolver's input-resolution order:
// argc/argv is fatal, then parameters, globals, locals,
// temporaries, true/false literals, and finally numeric constant parsing
// with a zero fallback. A varnode with an empty symbol resolves to the
// "no-value" sentinel (nil, nil): CALL's argument collection drops these.
func (fs *funcState) resolveInput(blk *ir.Block, v Varnode) (value.Value, error) {
	raw := v.Symbol.Name
	if raw == "" {
		return nil, nil
	}
	name := stripLocalName(raw)
	bits := inputBits(v)

	if strings.Contains(name, "argv") || strings.Contains(name, "argc") {
		return nil, &UnsupportedVarnodeError{Function: fs.name, Symbol: raw}
	}
	if strings.Contains(name, "arg") {
		if p, ok := fs.sig.Params[name]; ok {
			return p, nil
		}
	}
	if g, ok := fs.b.globals[name]; ok {
		return blk.NewLoad(g.ContentType, g), nil
	}
	if entry, ok := fs.locals.vars[name]; ok {
		return fs.loadLocal(blk, entry, v, bits), nil
	}
	if val, ok := fs.temps[name]; ok {
		w := bitWidth(val)
		if w < 0 {
			// A void-typed placeholder: an instrumentation call with no
			// return value was stored through a register/unique target.
			return zeroConst(1), nil
		}
		if w != bits && w != 1 {
			return truncTo(blk, val, bits), nil
		}
		return val, nil
	}
	if name == "true" {
		return constant.NewInt(types.I1, 1), nil
	}
	if name == "false" {
		return constant.NewInt(types.I1, 0), nil
	}
	return parseConstOrZero(name, bits), nil
}

// loadLocal reads a local or register slot. Under single_struct layout
// (aggregateField), the field is already precisely typed and addressed,
// so it is simply loaded. Otherwise, when the varnode carries an explicit
// offset/size sub-field, a byte-offset access computes the sub-field
// pointer before loading; the loaded value is truncated down to the
// requested width when it is wider.
func (fs *funcState) loadLocal(blk *ir.Block, entry *localEntry, v Varnode, bits int) value.Value {
	if entry.Kind == aggregateField {
		return blk.NewLoad(intType(entry.Bits), entry.Ptr)
	}
	target := bits
	ptr := entry.Ptr
	if v.HasOffset() {
		offsetBits := 8 * *v.Symbol.Offset
		target = 8 * *v.Symbol.Size
		idx := constant.NewInt(intType(target), int64(offsetBits))
		ptr = blk.NewGetElementPtr(intType(entry.Bits), entry.Ptr, idx)
	}
	loaded := blk.NewLoad(intType(entry.Bits), ptr)
	return truncTo(blk, loaded, target)
}

// storeOutput implements store resolution: a local target uses the
// same offset path as the read side and bitcasts to the result type when
// widths disagree; a global target is stored directly; a register*/unique*
// target updates the temporaries table (even with a void-typed result;
// this is how a placeholder later reads back as a zero 1-bit constant);
// parameter targets and anything else are silently ignored.
func (fs *funcState) storeOutput(blk *ir.Block, out *Varnode, result value.Value) error {
	if out == nil || result == nil {
		return nil
	}
	name := stripLocalName(out.Symbol.Name)

	if entry, ok := fs.locals.vars[name]; ok {
		if bitWidth(result) < 0 {
			return nil
		}
		ptr := entry.Ptr
		if entry.Kind != aggregateField && out.HasOffset() {
			offsetBits := 8 * *out.Symbol.Offset
			idx := constant.NewInt(intType(entry.Bits), int64(offsetBits))
			ptr = blk.NewGetElementPtr(intType(entry.Bits), entry.Ptr, idx)
		}
		ptr = bitcastPointer(blk, ptr, result.Type())
		blk.NewStore(result, ptr)
		return nil
	}
	if g, ok := fs.b.globals[name]; ok {
		blk.NewStore(result, g)
		return nil
	}
	if strings.HasPrefix(name, "register") || strings.HasPrefix(name, "unique") {
		fs.temps[name] = result
		return nil
	}
	// arg targets and anything unrecognized are ignored.
	return nil
}

// parseConstOrZero parses a literal varnode symbol as an integer constant
// (decimal, or hex when "0x" appears, with a trailing "U" suffix
// stripped). Parse failure is not an error: it silently yields a zero
// constant of the requested width, an intentional permissiveness toward
// the source artifact.
func parseConstOrZero(symbol string, bits int) *constant.Int {
	s := symbol
	if i := strings.IndexByte(s, 'U'); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "0x"); i >= 0 {
		if v, err := strconv.ParseUint(s[i+2:], 16, 64); err == nil {
			return constant.NewInt(intType(bits), int64(v))
		}
		return zeroConst(bits)
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return constant.NewInt(intType(bits), v)
	}
	return zeroConst(bits)
}
