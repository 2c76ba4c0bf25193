package decoder

import (
	"fmt"

	"github.com/arcturus-re/vmdevirt/internal/instr"
)

// offsetKey is the (offset, key) pair a self-modifying stream decodes
// under; the same offset can carry different bytes under different keys.
type offsetKey struct {
	Offset uint64
	Key    uint32
}

type entry struct {
	instruction instr.Instruction
	nextKey     uint32
}

// Program is a hand-built, in-memory instruction stream used by tests and
// by the CLI's demo mode when no real host-binary reader is wired up. It
// implements Decoder directly.
type Program struct {
	entries map[offsetKey]entry
}

// NewProgram creates an empty mock instruction stream.
func NewProgram() *Program {
	return &Program{entries: make(map[offsetKey]entry)}
}

// Add registers the instruction decoded at (offset, key), and the key the
// following instruction will be decoded under.
func (p *Program) Add(offset uint64, key uint32, ins instr.Instruction, nextKey uint32) {
	p.entries[offsetKey{Offset: offset, Key: key}] = entry{instruction: ins, nextKey: nextKey}
}

// Decode implements Decoder.
func (p *Program) Decode(offset uint64, key uint32) (instr.Instruction, uint32, error) {
	e, ok := p.entries[offsetKey{Offset: offset, Key: key}]
	if !ok {
		return instr.Instruction{}, 0, fmt.Errorf("decoder: no instruction registered at offset 0x%x under key 0x%x", offset, key)
	}
	return e.instruction, e.nextKey, nil
}
