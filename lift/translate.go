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
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"
)

// translateFunction drives the operation translator over one function's
// blocks and operations in artifact order: each block's ops are emitted
// in sequence, and a block that never emits a terminator gets the
// fallback unconditional branch to its single out-edge.
func (fs *funcState) translateFunction() error {
	for _, label := range fs.blocks.order {
		irBlk := fs.blocks.ir[label]
		artBlk := fs.blocks.artifact[label]
		terminated := false
		for _, op := range artBlk.Ops {
			done, err := fs.translateOp(irBlk, label, op, artBlk)
			if err != nil {
				return err
			}
			if done {
				terminated = true
			}
		}
		if !terminated {
			if len(artBlk.OutBranches) == 0 {
				return &CFGInconsistencyError{Function: fs.name, Block: label, Reason: "block has no terminator and no out-edges"}
			}
			target := formatLabel(artBlk.OutBranches[0])
			tgt, ok := fs.blocks.ir[target]
			if !ok {
				return &CFGInconsistencyError{Function: fs.name, Block: label, Reason: "unknown out-edge target " + target}
			}
			irBlk.NewBr(tgt)
		}
	}
	return nil
}

// binaryInts resolves a binary integer operation's two inputs and
// applies width reconciliation, the shared front half of every
// arithmetic/comparison/bitwise opcode below.
func (fs *funcState) binaryInts(blk *ir.Block, op Op) (value.Value, value.Value, error) {
	lhs, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return nil, nil, err
	}
	rhs, err := fs.resolveInput(blk, op.Inputs[1])
	if err != nil {
		return nil, nil, err
	}
	lhs, rhs = reconcileWidths(lhs, rhs)
	return lhs, rhs, nil
}

// binArithOp is an emitter for a binary integer instruction: NewAdd,
// NewSub, NewMul, ... wrapped as a common function value so binArith can
// dispatch any of them through one helper.
type binArithOp func(*ir.Block, value.Value, value.Value) value.Value

// binArith resolves a binary op's two inputs, reconciles their widths,
// emits the instruction via emit, and stores the result, collapsing
// every INT_*/bitwise opcode to one line in the dispatch.
func (fs *funcState) binArith(blk *ir.Block, op Op, emit binArithOp) error {
	if len(op.Inputs) < 2 {
		return &InvariantViolationError{Function: fs.name, Reason: "binary op needs two inputs"}
	}
	lhs, rhs, err := fs.binaryInts(blk, op)
	if err != nil {
		return err
	}
	result := emit(blk, lhs, rhs)
	return fs.storeOutput(blk, op.Output, result)
}

// boolBin resolves a binary boolean op's two inputs WITHOUT width
// reconciliation. BOOL_AND/BOOL_OR/BOOL_XOR skip reconciliation in the
// upstream lifter, unlike the arithmetic/bitwise/compare family; the
// asymmetry is preserved, not fixed.
func (fs *funcState) boolBin(blk *ir.Block, op Op, emit binArithOp) error {
	if len(op.Inputs) < 2 {
		return &InvariantViolationError{Function: fs.name, Reason: "boolean op needs two inputs"}
	}
	lhs, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return err
	}
	rhs, err := fs.resolveInput(blk, op.Inputs[1])
	if err != nil {
		return err
	}
	result := emit(blk, lhs, rhs)
	return fs.storeOutput(blk, op.Output, result)
}

// offByOneLabel formats addr+1 the same way formatLabel formats addr.
// Some producers emit a CBRANCH true-target one byte before the actual
// block address; the matcher tolerates that.
func offByOneLabel(addr string) string {
	hexPart := strings.TrimPrefix(strings.ToLower(addr), "0x")
	v, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return formatLabel(addr)
	}
	return formatLabel(strconv.FormatUint(v+1, 16))
}

// translateOp emits the IR for one P-code operation into blk and reports
// whether it was a terminator (branch, conditional branch, or return).
// Opcodes outside the supported integer subset, floating point
// included, are fatal.
func (fs *funcState) translateOp(blk *ir.Block, label string, op Op, artBlk *Block) (bool, error) {
	switch op.Name {

	case "COPY", "CAST":
		// Passthrough: CAST carries no conversion of its own, so both
		// map to the same single-input, single-output shape.
		if len(op.Inputs) == 0 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: op.Name + " has no input"}
		}
		v, err := fs.resolveInput(blk, op.Inputs[0])
		if err != nil {
			return false, err
		}
		return false, fs.storeOutput(blk, op.Output, v)

	case "LOAD", "STORE":
		return false, nil

	case "BRANCH":
		if len(op.Inputs) == 0 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "BRANCH has no input"}
		}
		target := formatLabel(op.Inputs[0].Symbol.Name)
		if len(artBlk.OutBranches) > 0 {
			// Out-edges win when they disagree with the operation's
			// literal input.
			target = formatLabel(artBlk.OutBranches[0])
		}
		tgt, ok := fs.blocks.ir[target]
		if !ok {
			return false, &CFGInconsistencyError{Function: fs.name, Block: label, Reason: "unknown branch target " + target}
		}
		blk.NewBr(tgt)
		return true, nil

	case "CBRANCH":
		return fs.translateCBranch(blk, label, op, artBlk)

	case "BRANCHIND":
		// Best-effort: treated as a direct branch, valid only when the
		// target value names a block of this function.
		if len(op.Inputs) == 0 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "BRANCHIND has no input"}
		}
		target := formatLabel(op.Inputs[0].Symbol.Name)
		tgt, ok := fs.blocks.ir[target]
		if !ok {
			return false, &CFGInconsistencyError{Function: fs.name, Block: label, Reason: "branchind target is not a block handle: " + op.Inputs[0].Symbol.Name}
		}
		blk.NewBr(tgt)
		return true, nil

	case "CALL":
		return fs.translateCall(blk, label, op)

	case "CALLIND":
		if len(op.Inputs) == 0 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "CALLIND has no input"}
		}
		target := fs.b.callindTarget(op.Inputs[0].Symbol.Name)
		blk.NewCall(target)
		return false, nil

	case "RETURN":
		if fs.sig.IsVoid {
			blk.NewRet(nil)
			return true, nil
		}
		if len(op.Inputs) < 2 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "RETURN missing value input"}
		}
		v, err := fs.resolveInput(blk, op.Inputs[1])
		if err != nil {
			return false, err
		}
		blk.NewRet(v)
		return true, nil

	case "INT_EQUAL":
		return false, fs.compare(blk, op, enum.IPredEQ, false)
	case "INT_NOTEQUAL":
		return false, fs.compare(blk, op, enum.IPredNE, false)
	case "INT_LESS":
		return false, fs.compare(blk, op, enum.IPredULT, false)
	case "INT_LESSEQUAL":
		// The upstream lifter omits this one comparison's output store;
		// CompatQuirks reproduces that bug-for-bug, the default stores it.
		return false, fs.compare(blk, op, enum.IPredULE, fs.opts.CompatQuirks)
	case "INT_SLESS":
		return false, fs.compare(blk, op, enum.IPredSLT, false)
	case "INT_SLESSEQUAL":
		return false, fs.compare(blk, op, enum.IPredSLE, false)

	case "INT_ZEXT":
		return false, fs.widen(blk, label, op, true)
	case "INT_SEXT":
		return false, fs.widen(blk, label, op, false)

	case "SUBPIECE":
		return false, fs.subpiece(blk, label, op)

	case "INT_ADD":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewAdd(x, y) })
	case "INT_SUB":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewSub(x, y) })
	case "INT_MULT":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewMul(x, y) })
	case "INT_DIV":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewUDiv(x, y) })
	case "INT_SDIV":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewSDiv(x, y) })
	case "INT_REM":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewURem(x, y) })
	case "INT_SREM":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewSRem(x, y) })

	case "INT_2COMP":
		if len(op.Inputs) == 0 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "INT_2COMP has no input"}
		}
		v, err := fs.resolveInput(blk, op.Inputs[0])
		if err != nil {
			return false, err
		}
		result := blk.NewSub(zeroConst(bitWidth(v)), v)
		return false, fs.storeOutput(blk, op.Output, result)

	case "INT_AND":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewAnd(x, y) })
	case "INT_OR":
		// The op's own operands are always reconciled here, not the
		// stale previous iteration's lhs/rhs the upstream lifter checks.
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewOr(x, y) })
	case "INT_XOR":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewXor(x, y) })
	case "INT_LEFT":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewShl(x, y) })
	case "INT_RIGHT":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewLShr(x, y) })
	case "INT_SRIGHT":
		return false, fs.binArith(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewAShr(x, y) })

	case "BOOL_NEGATE":
		if len(op.Inputs) == 0 {
			return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "BOOL_NEGATE has no input"}
		}
		v, err := fs.resolveInput(blk, op.Inputs[0])
		if err != nil {
			return false, err
		}
		ones := constant.NewInt(intType(bitWidth(v)), -1)
		result := blk.NewXor(v, ones)
		return false, fs.storeOutput(blk, op.Output, result)
	case "BOOL_AND":
		return false, fs.boolBin(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewAnd(x, y) })
	case "BOOL_OR":
		return false, fs.boolBin(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewOr(x, y) })
	case "BOOL_XOR":
		return false, fs.boolBin(blk, op, func(b *ir.Block, x, y value.Value) value.Value { return b.NewXor(x, y) })

	case "PIECE":
		return false, fs.piece(blk, label, op)

	case "PTRADD":
		return false, fs.ptrAdd(blk, label, op)
	case "PTRSUB":
		return false, fs.ptrSub(blk, label, op)

	default:
		return false, &UnsupportedOpcodeError{Function: fs.name, Block: label, Opcode: op.Name}
	}
}

func (fs *funcState) translateCBranch(blk *ir.Block, label string, op Op, artBlk *Block) (bool, error) {
	if len(op.Inputs) < 2 {
		return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "CBRANCH needs a target and a condition input"}
	}
	trueSym := formatLabel(op.Inputs[0].Symbol.Name)
	cond, err := fs.resolveInput(blk, op.Inputs[1])
	if err != nil {
		return false, err
	}
	edges := artBlk.OutBranches
	if len(edges) != 2 {
		return false, &CFGInconsistencyError{Function: fs.name, Block: label, Reason: "cbranch block does not have exactly two out-edges"}
	}
	e0, e1 := formatLabel(edges[0]), formatLabel(edges[1])
	offByOne := offByOneLabel(trueSym)

	var trueLabel, falseLabel string
	switch {
	case e0 == trueSym:
		trueLabel, falseLabel = e0, e1
	case e1 == trueSym:
		trueLabel, falseLabel = e1, e0
	case e0 == offByOne:
		trueLabel, falseLabel = e0, e1
	case e1 == offByOne:
		trueLabel, falseLabel = e1, e0
	default:
		// Neither edge matches: positional fallback.
		trueLabel, falseLabel = e0, e1
	}

	trueBlk, ok1 := fs.blocks.ir[trueLabel]
	falseBlk, ok2 := fs.blocks.ir[falseLabel]
	if !ok1 || !ok2 {
		return false, &CFGInconsistencyError{Function: fs.name, Block: label, Reason: "no matching false branch"}
	}
	// (condition, false-block, true-block) operand order: the
	// condition steers to the false block when true.
	blk.NewCondBr(cond, falseBlk, trueBlk)
	return true, nil
}

func (fs *funcState) translateCall(blk *ir.Block, label string, op Op) (bool, error) {
	if len(op.Inputs) == 0 {
		return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "CALL has no target input"}
	}
	target := op.Inputs[0].Symbol.Name

	var args []value.Value
	for _, in := range op.Inputs[1:] {
		v, err := fs.resolveInput(blk, in)
		if err != nil {
			return false, err
		}
		if v == nil {
			// no-value sentinel: dropped from the argument list.
			continue
		}
		args = append(args, v)
	}

	if instrumentationList[target] {
		fn, err := fs.b.instrumentTarget(target)
		if err != nil {
			return false, err
		}
		if fn == nil {
			// sym.path_start: suppressed, no call emitted.
			return false, nil
		}
		result := blk.NewCall(fn)
		if op.Output != nil {
			return false, fs.storeOutput(blk, op.Output, result)
		}
		return false, nil
	}

	callee, ok := fs.b.sigs[target]
	if !ok {
		return false, &InvariantViolationError{Function: fs.name, Block: label, Reason: "call to undeclared function " + target}
	}
	callArgs := args
	if len(callee.Func.Params) == 0 {
		// Zero-parameter callee: emitted with no arguments regardless of
		// what was collected.
		callArgs = nil
	}
	result := blk.NewCall(callee.Func, callArgs...)
	if !callee.IsVoid && op.Output != nil {
		return false, fs.storeOutput(blk, op.Output, result)
	}
	return false, nil
}

func (fs *funcState) compare(blk *ir.Block, op Op, pred enum.IPred, skipStore bool) error {
	if len(op.Inputs) < 2 {
		return &InvariantViolationError{Function: fs.name, Reason: "comparison needs two inputs"}
	}
	lhs, rhs, err := fs.binaryInts(blk, op)
	if err != nil {
		return err
	}
	result := blk.NewICmp(pred, lhs, rhs)
	if skipStore {
		return nil
	}
	return fs.storeOutput(blk, op.Output, result)
}

// widen implements INT_ZEXT (zeroExt=true) and INT_SEXT (zeroExt=false):
// extend the single input to the output's declared width and store the
// result.
func (fs *funcState) widen(blk *ir.Block, label string, op Op, zeroExt bool) error {
	if len(op.Inputs) == 0 || op.Output == nil {
		return &InvariantViolationError{Function: fs.name, Block: label, Reason: "width-change op needs an input and an output"}
	}
	v, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return err
	}
	target := intType(outputBits(*op.Output))
	var result value.Value
	if zeroExt {
		result = blk.NewZExt(v, target)
	} else {
		result = blk.NewSExt(v, target)
	}
	return fs.storeOutput(blk, op.Output, result)
}

// subpiece implements SUBPIECE: a zero offset truncates to the width
// given by the second input's declared size; any other offset is fatal.
func (fs *funcState) subpiece(blk *ir.Block, label string, op Op) error {
	if len(op.Inputs) < 2 {
		return &InvariantViolationError{Function: fs.name, Block: label, Reason: "SUBPIECE needs two inputs"}
	}
	v, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return err
	}
	if offsetSym := op.Inputs[1].Symbol.Name; offsetSym != "0" {
		return &InvariantViolationError{Function: fs.name, Block: label, Reason: "unexpected non-zero SUBPIECE offset: " + offsetSym}
	}
	bits := 8 * op.Inputs[1].Size
	result := blk.NewTrunc(v, intType(bits))
	return fs.storeOutput(blk, op.Output, result)
}

// piece implements PIECE: concatenate [most, least] into the output's
// declared width by zero-extending both halves, left-shifting the
// most-significant half by the least-significant half's bit width, and
// OR-ing them together.
func (fs *funcState) piece(blk *ir.Block, label string, op Op) error {
	if len(op.Inputs) < 2 || op.Output == nil {
		return &InvariantViolationError{Function: fs.name, Block: label, Reason: "PIECE needs two inputs and an output"}
	}
	outBits := outputBits(*op.Output)
	leastBits := 8 * op.Inputs[1].Size

	most, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return err
	}
	least, err := fs.resolveInput(blk, op.Inputs[1])
	if err != nil {
		return err
	}
	most = zextTo(blk, most, outBits)
	least = zextTo(blk, least, outBits)
	shifted := blk.NewShl(most, constant.NewInt(intType(outBits), int64(leastBits)))
	result := blk.NewOr(shifted, least)
	return fs.storeOutput(blk, op.Output, result)
}

// ptrAdd implements PTRADD: base + index*stride, computed as plain
// integer arithmetic with no width reconciliation; only
// the arithmetic/comparison/bitwise families reconcile.
func (fs *funcState) ptrAdd(blk *ir.Block, label string, op Op) error {
	if len(op.Inputs) < 3 {
		return &InvariantViolationError{Function: fs.name, Block: label, Reason: "PTRADD needs three inputs"}
	}
	base, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return err
	}
	index, err := fs.resolveInput(blk, op.Inputs[1])
	if err != nil {
		return err
	}
	stride, err := fs.resolveInput(blk, op.Inputs[2])
	if err != nil {
		return err
	}
	scaled := blk.NewMul(index, stride)
	result := blk.NewAdd(base, scaled)
	return fs.storeOutput(blk, op.Output, result)
}

// ptrSub implements PTRSUB: emitted as integer addition of its two
// inputs; the artifact's sign convention is already encoded in the
// second input.
func (fs *funcState) ptrSub(blk *ir.Block, label string, op Op) error {
	if len(op.Inputs) < 2 {
		return &InvariantViolationError{Function: fs.name, Block: label, Reason: "PTRSUB needs two inputs"}
	}
	lhs, err := fs.resolveInput(blk, op.Inputs[0])
	if err != nil {
		return err
	}
	rhs, err := fs.resolveInput(blk, op.Inputs[1])
	if err != nil {
		return err
	}
	result := blk.NewAdd(lhs, rhs)
	return fs.storeOutput(blk, op.Output, result)
}
