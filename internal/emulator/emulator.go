// Package emulator implements the partial emulator: a concrete
// interpreter over a strict subset of opcodes, sufficient to resolve jump
// and call targets from chains of symbolic data sources. It never touches
// a live ProgramState; it only walks the dependency graph already recorded
// on each producer instruction, building up its own local concrete
// register file as a side effect of emulating register-store instructions
// reachable in that graph.
package emulator

import (
	"fmt"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/symval"
	"github.com/arcturus-re/vmdevirt/internal/vmerr"
)

// Arena is the read-only instruction lookup the emulator needs to walk a
// dependency chain: the per-export instructions, stored in an arena
// indexed by offset.
type Arena interface {
	Get(offset uint64) (*instr.Instruction, bool)
}

// supportedMnemonics lists the opcodes the partial emulator can execute:
// integer loads, register loads/stores, unary/binary arithmetic and
// bitwise operators, and sign/zero extensions.
var supportedMnemonics = map[string]bool{
	"PUSHI_BYTE": true, "PUSHI_WORD": true, "PUSHI_DWORD": true, "PUSHI_QWORD": true,
	"PUSHR_BYTE": true, "PUSHR_WORD": true, "PUSHR_DWORD": true, "PUSHR_QWORD": true,
	"PUSHR_PTR": true, "PUSHR_OBJECT": true,
	"POPR_BYTE": true, "POPR_WORD": true, "POPR_DWORD": true, "POPR_QWORD": true,
	"POPR_PTR": true, "POPR_OBJECT": true,
	"ADD_DWORD": true, "ADD_QWORD": true,
	"SUB_DWORD": true, "SUB_QWORD": true,
	"MUL_DWORD": true, "MUL_QWORD": true,
	"AND_DWORD": true, "AND_QWORD": true,
	"OR_DWORD": true, "OR_QWORD": true,
	"XOR_DWORD": true, "XOR_QWORD": true,
	"SHL_DWORD": true, "SHL_QWORD": true,
	"SHR_DWORD": true, "SHR_QWORD": true,
	"NEG_DWORD": true, "NEG_QWORD": true,
	"NOT_DWORD": true, "NOT_QWORD": true,
	"CONV_I8_I4": true, "CONV_U8_U4": true, "CONV_I4_I8": true,
}

// Supported reports whether mnemonic is one the partial emulator executes.
func Supported(mnemonic string) bool { return supportedMnemonics[mnemonic] }

// DefaultMaxDepth bounds the dependency-graph walk when Options leaves
// MaxDepth unset.
const DefaultMaxDepth = 4096

// Options tunes one emulator invocation. The zero value means defaults:
// DefaultMaxDepth recursion and strict register reads.
type Options struct {
	// MaxDepth caps the dependency recursion; 0 means DefaultMaxDepth. The
	// cap is what keeps a cyclic data-source graph from recursing forever
	// (memoization only records completed nodes).
	MaxDepth int

	// LenientRegisters makes a read of a register with no emulated concrete
	// value resolve to 0 instead of failing the inference.
	LenientRegisters bool
}

// Emulator is a single invocation of the partial emulator. It memoizes
// resolved concrete values per producer offset, so a diamond-shaped
// dependency graph is only walked once per node.
type Emulator struct {
	arena     Arena
	opts      Options
	depth     int
	memo      map[uint64]uint64
	registers map[constants.VMRegister]uint64
}

// New creates a fresh partial emulator over arena with default Options.
// Each call to infer a jump/call target should use its own Emulator
// instance.
func New(arena Arena) *Emulator {
	return NewWithOptions(arena, Options{})
}

// NewWithOptions creates a fresh partial emulator over arena.
func NewWithOptions(arena Arena, opts Options) *Emulator {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Emulator{
		arena:     arena,
		opts:      opts,
		memo:      make(map[uint64]uint64),
		registers: make(map[constants.VMRegister]uint64),
	}
}

// Resolve concretizes a symbolic value by emulating every one of its data
// sources; if more than one source resolves, the first (in ascending
// offset order) wins -- real obfuscated streams only multi-source a jump
// target at a register join point where every arm was produced by the same
// constant-folding sequence, so they agree in practice (open question,
// documented in DESIGN.md). Resolve fails with InferenceFailed the moment
// any source reaches an opcode outside the supported subset.
func (e *Emulator) Resolve(v symval.Value) (uint64, error) {
	sources := v.Sources()
	if len(sources) == 0 {
		return 0, &vmerr.InferenceFailed{Reason: "symbolic value has no data sources"}
	}
	var (
		result    uint64
		haveValue bool
	)
	for _, src := range sources {
		val, err := e.emulateOffset(uint64(src))
		if err != nil {
			return 0, err
		}
		if !haveValue {
			result, haveValue = val, true
		}
	}
	return result, nil
}

func (e *Emulator) emulateOffset(offset uint64) (uint64, error) {
	if v, ok := e.memo[offset]; ok {
		return v, nil
	}
	if e.depth >= e.opts.MaxDepth {
		return 0, &vmerr.InferenceFailed{Offset: offset, Reason: "dependency chain exceeds emulation depth limit"}
	}
	e.depth++
	defer func() { e.depth-- }()
	ins, ok := e.arena.Get(offset)
	if !ok {
		return 0, &vmerr.InferenceFailed{Offset: offset, Reason: "producer instruction not decoded"}
	}
	if !Supported(ins.Opcode.Mnemonic) {
		return 0, &vmerr.InferenceFailed{Offset: offset, Reason: "opcode not supported: " + ins.Opcode.Mnemonic}
	}
	for i := 0; i < ins.Dependencies.Len(); i++ {
		dep, ok := ins.Dependencies.Get(uint32(i))
		if !ok {
			continue
		}
		if _, err := e.Resolve(dep); err != nil {
			return 0, err
		}
	}
	val, err := e.exec(ins)
	if err != nil {
		return 0, err
	}
	e.memo[offset] = val
	return val, nil
}

func (e *Emulator) dep(ins *instr.Instruction, slot uint32) (uint64, error) {
	v, ok := ins.Dependencies.Get(slot)
	if !ok {
		return 0, &vmerr.InternalError{Offset: ins.Offset, Reason: fmt.Sprintf("missing dependency slot %d", slot)}
	}
	return e.Resolve(v)
}

func (e *Emulator) exec(ins *instr.Instruction) (uint64, error) {
	switch ins.Opcode.Mnemonic {
	case "PUSHI_BYTE", "PUSHI_WORD", "PUSHI_DWORD", "PUSHI_QWORD":
		return ins.Operand.Immediate, nil

	case "PUSHR_BYTE", "PUSHR_WORD", "PUSHR_DWORD", "PUSHR_QWORD", "PUSHR_PTR", "PUSHR_OBJECT":
		v, ok := e.registers[ins.Operand.Register]
		if !ok {
			if e.opts.LenientRegisters {
				return 0, nil
			}
			return 0, &vmerr.InferenceFailed{Offset: ins.Offset, Reason: "register has no emulated concrete value yet"}
		}
		return v, nil

	case "POPR_BYTE", "POPR_WORD", "POPR_DWORD", "POPR_QWORD", "POPR_PTR", "POPR_OBJECT":
		v, err := e.dep(ins, 0)
		if err != nil {
			return 0, err
		}
		e.registers[ins.Operand.Register] = v
		return v, nil

	case "ADD_DWORD", "ADD_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a + b })
	case "SUB_DWORD", "SUB_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a - b })
	case "MUL_DWORD", "MUL_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a * b })
	case "AND_DWORD", "AND_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a & b })
	case "OR_DWORD", "OR_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a | b })
	case "XOR_DWORD", "XOR_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a ^ b })
	case "SHL_DWORD", "SHL_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a << (b & 63) })
	case "SHR_DWORD", "SHR_QWORD":
		return e.binary(ins, func(a, b uint64) uint64 { return a >> (b & 63) })

	case "NEG_DWORD", "NEG_QWORD":
		a, err := e.dep(ins, 0)
		if err != nil {
			return 0, err
		}
		return -a, nil
	case "NOT_DWORD", "NOT_QWORD":
		a, err := e.dep(ins, 0)
		if err != nil {
			return 0, err
		}
		return ^a, nil

	case "CONV_I8_I4":
		a, err := e.dep(ins, 0)
		if err != nil {
			return 0, err
		}
		return uint64(int64(int32(uint32(a)))), nil
	case "CONV_U8_U4":
		a, err := e.dep(ins, 0)
		if err != nil {
			return 0, err
		}
		return uint64(uint32(a)), nil
	case "CONV_I4_I8":
		a, err := e.dep(ins, 0)
		if err != nil {
			return 0, err
		}
		return uint64(uint32(a)), nil

	default:
		return 0, &vmerr.InferenceFailed{Offset: ins.Offset, Reason: "opcode not supported: " + ins.Opcode.Mnemonic}
	}
}

func (e *Emulator) binary(ins *instr.Instruction, op func(a, b uint64) uint64) (uint64, error) {
	a, err := e.dep(ins, 0)
	if err != nil {
		return 0, err
	}
	b, err := e.dep(ins, 1)
	if err != nil {
		return 0, err
	}
	return op(a, b), nil
}
