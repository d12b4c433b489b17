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
	"testing"
)

func mustLift(t *testing.T, a *Artifact, opts Options) *Builder {
	t.Helper()
	b, err := Lift("test.bin", map[string]*Artifact{"f": a}, opts)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}
	return b
}

func block(addr string, ops []Op, out ...string) Block {
	b := Block{Ops: ops, OutBranches: out}
	b.Label.Address = addr
	return b
}

func op(name string, output *Varnode, inputs ...Varnode) Op {
	return Op{Name: name, Inputs: inputs, Output: output}
}

func vn(name string, size int) Varnode {
	return Varnode{Symbol: symbolField{Name: name}, Size: size}
}

// TestMinimalVoidFunction: a void function with one
// block containing only RETURN gets a void-returning IR function preceded
// by an entry block branching into that block.
func TestMinimalVoidFunction(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{op("RETURN", nil)}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if !strings.Contains(out, "define void @f()") {
		t.Errorf("expected a void-returning function f, got:\n%s", out)
	}
	if !strings.Contains(out, "entry:") {
		t.Errorf("expected an entry block, got:\n%s", out)
	}
	if !strings.Contains(out, "ret void") {
		t.Errorf("expected a void return, got:\n%s", out)
	}
}

// TestUndefined8Return covers the "undefined8" return-type mapping:
// it becomes a 64-bit integer return, and RETURN is expected to carry a
// value.
func TestUndefined8Return(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "undefined8"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("RETURN", nil, vn("", 0), vn("0x2a", 8)),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if !strings.Contains(out, "define i64 @f()") {
		t.Errorf("expected an i64-returning function f, got:\n%s", out)
	}
	if !strings.Contains(out, "ret i64 42") {
		t.Errorf("expected `ret i64 42`, got:\n%s", out)
	}
}

// TestWidthReconciliationIsRetypeNotConversion: reconciling an i8 and an i32 operand of
// INT_ADD must not insert any zext/sext/trunc instruction; the narrower
// operand is simply punned to the wider type.
func TestWidthReconciliationIsRetypeNotConversion(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Args: varList{Vars: []NamedVar{
			{Name: "arg1", Size: 1},
			{Name: "arg2", Size: 4},
		}},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("INT_ADD", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 4}, vn("arg1", 1), vn("arg2", 4)),
				op("RETURN", nil),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if strings.Contains(out, "zext") || strings.Contains(out, "sext") || strings.Contains(out, "trunc") {
		t.Errorf("width reconciliation must not emit a conversion instruction, got:\n%s", out)
	}
	if !strings.Contains(out, "add i32") {
		t.Errorf("expected an i32 add (the narrower operand punned up), got:\n%s", out)
	}
}

// TestCBranchOperandOrderAndOffByOne: the emitted conditional
// branch steers to the false block when the condition is true (operand
// order (cond, falseBlock, trueBlock)), and a CBRANCH true-target that is
// off by one from an out-edge still matches that edge as true.
func TestCBranchOperandOrderAndOffByOne(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("INT_EQUAL", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 1}, vn("arg1", 4), vn("0x5", 4)),
				op("CBRANCH", nil, vn("0x1007", 0), vn("unique0x10", 1)),
			}, "0x1020", "0x1008"),
			block("0x1008", []Op{op("RETURN", nil)}),
			block("0x1020", []Op{op("RETURN", nil)}),
		}},
		Args: varList{Vars: []NamedVar{{Name: "arg1", Size: 4}}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	// True target 0x1007 is off-by-one from out-edge 0x1008, so 0x1008 is
	// true and 0x1020 is false; the emitted br must list the false label
	// (0x1020) before the true label (0x1008).
	idx := strings.Index(out, "br i1")
	if idx < 0 {
		t.Fatalf("expected a conditional branch, got:\n%s", out)
	}
	line := out[idx:]
	line = line[:strings.IndexByte(line, '\n')]
	falsePos := strings.Index(line, "0x00001020")
	truePos := strings.Index(line, "0x00001008")
	if falsePos < 0 || truePos < 0 || falsePos > truePos {
		t.Errorf("expected false-block (0x1020) before true-block (0x1008) in %q", line)
	}
}

// TestInstrumentationDeclaredOnce: two distinct
// source symbols that resolve to the same instrumentation target
// (sym.path_goal, sym.path_nongoal -> verifier.error) must result in
// exactly one declaration of that target.
func TestInstrumentationDeclaredOnce(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("CALL", nil, vn("sym.path_goal", 0)),
				op("CALL", nil, vn("sym.path_nongoal", 0)),
				op("RETURN", nil),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if n := strings.Count(out, "declare void @verifier.error()"); n != 1 {
		t.Errorf("expected exactly one declaration of verifier.error, found %d in:\n%s", n, out)
	}
	if n := strings.Count(out, "call void @verifier.error()"); n != 2 {
		t.Errorf("expected two calls to verifier.error, found %d in:\n%s", n, out)
	}
}

// TestPathStartSuppressed: sym.path_start is dropped entirely
// rather than declared and called.
func TestPathStartSuppressed(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("CALL", nil, vn("sym.path_start", 0)),
				op("RETURN", nil),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if strings.Contains(out, "path_start") {
		t.Errorf("sym.path_start must not appear in the output at all, got:\n%s", out)
	}
}

// TestPieceConcatenation: PIECE shifts the
// most-significant half left by the least-significant half's bit width
// and ORs them together.
func TestPieceConcatenation(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Args: varList{Vars: []NamedVar{
			{Name: "arg1", Size: 2},
			{Name: "arg2", Size: 2},
		}},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("PIECE", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 4}, vn("arg1", 2), vn("arg2", 2)),
				op("RETURN", nil),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if !strings.Contains(out, "shl i32") || !strings.Contains(out, "or i32") {
		t.Errorf("expected an i32 shl followed by an i32 or, got:\n%s", out)
	}
}

// TestIntLessEqualCompatQuirks covers the CompatQuirks gate: default
// behavior stores INT_LESSEQUAL's result; CompatQuirks=true reproduces
// the attested missing-store bug.
func TestIntLessEqualCompatQuirks(t *testing.T) {
	newArtifact := func() *Artifact {
		return &Artifact{
			Return: returnInfo{Type: "void"},
			Args: varList{Vars: []NamedVar{
				{Name: "arg1", Size: 4},
				{Name: "arg2", Size: 4},
			}},
			Locals: varList{Vars: []NamedVar{{Name: "local1", Size: 1}}},
			Graph: blockGraph{Blocks: []Block{
				block("0x1000", []Op{
					op("INT_LESSEQUAL", &Varnode{Symbol: symbolField{Name: "local1"}, Size: 1}, vn("arg1", 4), vn("arg2", 4)),
					op("RETURN", nil),
				}),
			}},
		}
	}

	t.Run("default stores the result", func(t *testing.T) {
		b := mustLift(t, newArtifact(), Options{Stack: SingleStruct})
		out := b.String()
		if !strings.Contains(out, "icmp ule") || !strings.Contains(out, "store") {
			t.Errorf("expected an icmp ule followed by a store, got:\n%s", out)
		}
	})

	t.Run("CompatQuirks drops the store", func(t *testing.T) {
		b := mustLift(t, newArtifact(), Options{Stack: SingleStruct, CompatQuirks: true})
		out := b.String()
		if !strings.Contains(out, "icmp ule") {
			t.Errorf("expected an icmp ule, got:\n%s", out)
		}
		if strings.Contains(out, "store") {
			t.Errorf("CompatQuirks should drop the output store, got:\n%s", out)
		}
	})
}

// TestSignatureSynthesisIsDeterministic: running the signature
// synthesizer twice on identical input yields identical function types
// and parameter names.
func TestSignatureSynthesisIsDeterministic(t *testing.T) {
	artifacts := map[string]*Artifact{
		"g": {
			Return: returnInfo{Type: "void"},
			Args:   varList{Vars: []NamedVar{{Name: "arg1", Size: 4}}},
			Graph:  blockGraph{Blocks: []Block{block("0x1000", []Op{op("RETURN", nil)})}},
		},
		"f": {
			Return: returnInfo{Type: "undefined8"},
			Args:   varList{Vars: []NamedVar{{Name: "arg1", Size: 8}, {Name: "arg2", Size: 4}}},
			Graph: blockGraph{Blocks: []Block{
				block("0x1000", []Op{op("RETURN", nil, vn("", 0), vn("0", 8))}),
			}},
		},
	}
	b1, err := Lift("x.bin", artifacts, Options{Stack: SingleStruct})
	if err != nil {
		t.Fatalf("first Lift: %v", err)
	}
	b2, err := Lift("x.bin", artifacts, Options{Stack: SingleStruct})
	if err != nil {
		t.Fatalf("second Lift: %v", err)
	}
	if b1.Module.String() != b2.Module.String() {
		t.Errorf("two lifts of identical input produced different IR:\n--- first ---\n%s\n--- second ---\n%s", b1.Module.String(), b2.Module.String())
	}
}

// TestGlobalDiscoverySharedAcrossFunctions: an object symbol
// seen in two functions is declared exactly once.
func TestGlobalDiscoverySharedAcrossFunctions(t *testing.T) {
	artifacts := map[string]*Artifact{
		"f": {
			Return: returnInfo{Type: "void"},
			Graph: blockGraph{Blocks: []Block{
				block("0x1000", []Op{
					op("COPY", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 4}, vn("obj.counter", 4)),
					op("RETURN", nil),
				}),
			}},
		},
		"g": {
			Return: returnInfo{Type: "void"},
			Graph: blockGraph{Blocks: []Block{
				block("0x2000", []Op{
					op("COPY", &Varnode{Symbol: symbolField{Name: "unique0x20"}, Size: 4}, vn("obj.counter", 4)),
					op("RETURN", nil),
				}),
			}},
		},
	}
	b, err := Lift("x.bin", artifacts, Options{Stack: SingleStruct})
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}
	out := b.String()
	if n := strings.Count(out, "@\"obj.counter\" = ") + strings.Count(out, "@obj.counter = "); n != 1 {
		t.Errorf("expected exactly one declaration of obj.counter, found %d in:\n%s", n, out)
	}
}

// TestUnsupportedOpcodeIsFatal: an unknown opcode aborts the
// lifting pass with UnsupportedOpcodeError.
func TestUnsupportedOpcodeIsFatal(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("FLOAT_ADD", nil, vn("arg1", 4), vn("arg2", 4)),
				op("RETURN", nil),
			}),
		}},
	}
	_, err := Lift("x.bin", map[string]*Artifact{"f": a}, Options{Stack: SingleStruct})
	if err == nil {
		t.Fatal("expected an error for an unsupported opcode")
	}
	var unsupported *UnsupportedOpcodeError
	found := false
	for e := err; e != nil; e = unwrap(e) {
		if u, ok := e.(*UnsupportedOpcodeError); ok {
			unsupported = u
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected the error chain to contain *UnsupportedOpcodeError, got: %v", err)
	}
	if unsupported.Opcode != "FLOAT_ADD" {
		t.Errorf("expected opcode FLOAT_ADD, got %q", unsupported.Opcode)
	}
}

// unwrap is a tiny local helper so this test doesn't need to import
// "errors" just to walk one %w chain.
func unwrap(err error) error {
	type wrapper interface{ Unwrap() error }
	if w, ok := err.(wrapper); ok {
		return w.Unwrap()
	}
	return nil
}

// TestParseConstOrZeroFallback: a varnode symbol that doesn't
// parse as a number silently yields a zero constant rather than an
// error.
func TestParseConstOrZeroFallback(t *testing.T) {
	got := parseConstOrZero("not-a-number", 32)
	if got.String() != "i32 0" {
		t.Errorf("expected a zero constant, got %v", got.String())
	}
	hex := parseConstOrZero("0x2a", 32)
	if hex.String() != "i32 42" {
		t.Errorf("expected 42 from 0x2a, got %v", hex.String())
	}
}

// TestRegisterSlotWidestUse: a register varnode observed at
// several widths gets exactly one stack slot, sized to the widest use.
func TestRegisterSlotWidestUse(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("COPY", &Varnode{Symbol: symbolField{Name: "register0x20"}, Size: 8}, vn("0x1", 8)),
				op("COPY", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 4}, vn("register0x20", 4)),
				op("RETURN", nil),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: NoOption})
	out := b.String()
	if !strings.Contains(out, "alloca i64") {
		t.Errorf("expected a single i64 slot for register0x20, got:\n%s", out)
	}
	if strings.Contains(out, "alloca i32") {
		t.Errorf("expected no narrower slot for register0x20, got:\n%s", out)
	}
	// The 4-byte read of the 8-byte slot narrows the loaded value.
	if !strings.Contains(out, "trunc i64") {
		t.Errorf("expected the narrow read to truncate the loaded slot, got:\n%s", out)
	}
}

// TestCopyRoundTrip: a COPY from X into a temporary followed by
// a read of that temporary yields the same IR value as reading X directly.
func TestCopyRoundTrip(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "int", Size: 4},
		Args:   varList{Vars: []NamedVar{{Name: "arg1", Size: 4}}},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("COPY", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 4}, vn("arg1", 4)),
				op("RETURN", nil, vn("", 0), vn("unique0x10", 4)),
			}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	if !strings.Contains(b.String(), "ret i32 %arg1") {
		t.Errorf("expected the temporary to read back as the copied value itself, got:\n%s", b.String())
	}
}

// TestBranchOutEdgesWin covers BRANCH: when the operation's literal
// target disagrees with the block's out-edges, the out-edges win.
func TestBranchOutEdgesWin(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("BRANCH", nil, vn("0x9999", 0)),
			}, "0x2000"),
			block("0x2000", []Op{op("RETURN", nil)}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	out := b.String()
	if strings.Contains(out, "0x00009999") {
		t.Errorf("the literal branch target should have been overridden by the out-edge, got:\n%s", out)
	}
	if !strings.Contains(out, "0x00002000") {
		t.Errorf("expected a branch to the out-edge target, got:\n%s", out)
	}
}

// TestFallbackTerminator: a block
// whose operations emit no terminator gets an unconditional branch to its
// single out-edge appended.
func TestFallbackTerminator(t *testing.T) {
	a := &Artifact{
		Return: returnInfo{Type: "void"},
		Graph: blockGraph{Blocks: []Block{
			block("0x1000", []Op{
				op("COPY", &Varnode{Symbol: symbolField{Name: "unique0x10"}, Size: 4}, vn("0x7", 4)),
			}, "0x2000"),
			block("0x2000", []Op{op("RETURN", nil)}),
		}},
	}
	b := mustLift(t, a, Options{Stack: SingleStruct})
	if !strings.Contains(b.String(), "0x00002000") {
		t.Errorf("expected the fallback branch to the single out-edge, got:\n%s", b.String())
	}
}

// TestStackLayouts: all three locals layouts must lift the
// same minimal function successfully, each allocating stack storage.
func TestStackLayouts(t *testing.T) {
	for _, layout := range []StackLayout{SingleStruct, ByteAddressable, NoOption} {
		layout := layout
		t.Run(string(layout), func(t *testing.T) {
			a := &Artifact{
				Return: returnInfo{Type: "void"},
				Locals: varList{Vars: []NamedVar{{Name: "local1", Size: 4}}},
				Graph: blockGraph{Blocks: []Block{
					block("0x1000", []Op{
						op("COPY", &Varnode{Symbol: symbolField{Name: "local1"}, Size: 4}, vn("0x1", 4)),
						op("RETURN", nil),
					}),
				}},
			}
			b := mustLift(t, a, Options{Stack: layout})
			if !strings.Contains(b.String(), "alloca") {
				t.Errorf("expected an alloca under %s layout, got:\n%s", layout, b.String())
			}
		})
	}
}
