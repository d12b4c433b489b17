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

	"github.com/google/uuid"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

const (
	dataLayout   = "e-m:e-i64:64-f80:128-n8:16:32:64-S128"
	targetTriple = "x86_64-pc-linux-gnu"
)

// instrumentationList holds the only symbols a CALL is permitted to
// redirect through the instrumentation protocol.
var instrumentationList = map[string]bool{
	"sym.path_start":   true,
	"sym.path_goal":    true,
	"sym.path_nongoal": true,
	"sym.imp.rand":     true,
}

// funcSig is the pre-declared handle for one function, installed by the
// signature synthesizer before any body is translated.
type funcSig struct {
	Func      *ir.Func
	Params    map[string]*ir.Param
	IsVoid    bool
	Undefined bool // return type text was "undefined8"
}

// Builder owns the module-level, write-once-or-write-at-first-use state
// shared across every function lifted in one pass: the output module,
// the global-variable table, the per-function signature table, and the
// instrumentation-intrinsic cache. None of it is safe for concurrent
// use; lifting is single-threaded and synchronous, so Builder carries
// no locks.
type Builder struct {
	Filename string
	Module   *ir.Module
	// BuildID tags this lifting pass so that repeated lifts of the same
	// filename within one process (e.g. after a decompiler re-run) are
	// distinguishable in logs and diffed output.
	BuildID uuid.UUID

	globals         map[string]*ir.Global
	sigs            map[string]*funcSig
	instrumentation map[string]*ir.Func
	callind         map[string]*ir.Func
}

// NewBuilder creates the output module shell for one lifting pass.
func NewBuilder(filename string) *Builder {
	m := ir.NewModule()
	m.SourceFilename = filename
	m.DataLayout = dataLayout
	m.TargetTriple = targetTriple
	return &Builder{
		Filename:        filename,
		Module:          m,
		BuildID:         uuid.New(),
		globals:         make(map[string]*ir.Global),
		sigs:            make(map[string]*funcSig),
		instrumentation: make(map[string]*ir.Func),
		callind:         make(map[string]*ir.Func),
	}
}

// String renders the module's textual LLVM IR, prefixed with a comment
// identifying the build that produced it.
func (b *Builder) String() string {
	return fmt.Sprintf("; lift-build-id: %s\n%s", b.BuildID, b.Module.String())
}

// globalFor returns the global variable for symbol, creating a
// zero-initialized integer global of the given bit width the first time
// the symbol is seen; a symbol seen in multiple functions is created
// once.
func (b *Builder) globalFor(symbol string, bits int) *ir.Global {
	if g, ok := b.globals[symbol]; ok {
		return g
	}
	typ := intType(bits)
	g := b.Module.NewGlobal(symbol, typ)
	g.Init = zeroConst(bits)
	b.globals[symbol] = g
	return g
}

// localStructName names the identified aggregate type holding one
// function's locals.
func localStructName(filename, function string) string {
	return fmt.Sprintf("struct.locals.%s.%s", filename, function)
}

// instrumentTarget resolves a CALL target that appears on the
// instrumentation list to its canonical intrinsic declaration,
// memoizing the result per emitted target so repeated calls reuse one
// declaration. sym.path_start suppresses the call entirely and returns
// (nil, nil).
func (b *Builder) instrumentTarget(symbol string) (*ir.Func, error) {
	var target string
	var retType types.Type
	switch symbol {
	case "sym.path_start":
		return nil, nil
	case "sym.path_goal", "sym.path_nongoal":
		target, retType = "verifier.error", types.Void
	case "sym.imp.rand":
		target, retType = "nd", types.I32
	default:
		return nil, &UnsupportedInstrumentationError{Symbol: symbol}
	}
	if f, ok := b.instrumentation[target]; ok {
		return f, nil
	}
	f := b.Module.NewFunc(target, retType)
	b.instrumentation[target] = f
	return f, nil
}

// callindTarget returns the on-demand void-of-no-arguments external
// declaration for an indirect-call literal symbol, creating it the first
// time that literal symbol is seen.
func (b *Builder) callindTarget(symbol string) *ir.Func {
	if f, ok := b.callind[symbol]; ok {
		return f
	}
	f := b.Module.NewFunc(symbol, types.Void)
	b.callind[symbol] = f
	return f
}
