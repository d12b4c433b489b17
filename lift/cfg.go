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

	"github.com/llir/llvm/ir"
)

// formatLabel normalizes a block address to the canonical label form:
// "0x" followed by the lowercase hex digits, left-padded with zeros to
// eight digits.
func formatLabel(address string) string {
	addr := strings.TrimPrefix(strings.ToLower(address), "0x")
	if len(addr) < 8 {
		addr = strings.Repeat("0", 8-len(addr)) + addr
	}
	return "0x" + addr
}

// cfgBlocks is the artifact-block-label-keyed set of IR basic blocks for
// one function, alongside the artifact block each one carries the
// operations of.
type cfgBlocks struct {
	ir       map[string]*ir.Block
	artifact map[string]*Block
	order    []string // artifact order, for the translator's single pass
}

// buildCFG creates one empty IR block per artifact block, keyed by
// its formatted address label, and appends an unconditional branch from
// the entry block to the first artifact block in artifact order. It does
// not emit any body instructions.
func buildCFG(fn *ir.Func, entry *ir.Block, name string, a *Artifact) (*cfgBlocks, error) {
	blocks := &cfgBlocks{
		ir:       make(map[string]*ir.Block, len(a.Graph.Blocks)),
		artifact: make(map[string]*Block, len(a.Graph.Blocks)),
		order:    make([]string, 0, len(a.Graph.Blocks)),
	}
	if len(a.Graph.Blocks) == 0 {
		return nil, &InvariantViolationError{Function: name, Reason: "function has no basic blocks"}
	}
	for i := range a.Graph.Blocks {
		blk := &a.Graph.Blocks[i]
		label := formatLabel(blk.Label.Address)
		irBlock := fn.NewBlock(label)
		blocks.ir[label] = irBlock
		blocks.artifact[label] = blk
		blocks.order = append(blocks.order, label)
	}
	entry.NewBr(blocks.ir[blocks.order[0]])
	return blocks, nil
}
