package xref_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/decoder"
	"github.com/arcturus-re/vmdevirt/internal/diag"
	"github.com/arcturus-re/vmdevirt/internal/disasm"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/metadata"
	"github.com/arcturus-re/vmdevirt/internal/xref"
)

const (
	opPushImmDword constants.ILCode = 1
	opRet          constants.ILCode = 2
	opCall         constants.ILCode = 3
)

func xrefConsts() *constants.VMConstants {
	return &constants.VMConstants{
		Registers: constants.RegisterSet{FL: 200, R0: 201},
		Opcodes: constants.OpcodeTable{
			ByCode: map[constants.ILCode]constants.OpCodeDescriptor{
				opPushImmDword: {Code: opPushImmDword, Mnemonic: "PUSHI_DWORD", Pop: constants.None, Push: constants.PushDword, OperandType: constants.OperandImmediate, Flow: constants.FlowNext},
				opRet:          {Code: opRet, Mnemonic: "RET", Flow: constants.FlowReturn},
				opCall:         {Code: opCall, Mnemonic: "CALL", Pop: constants.PopVar, Push: constants.PushVar, Flow: constants.FlowCall},
			},
			Call: opCall,
			Ret:  opRet,
		},
	}
}

// TestBuild_MutualRecursionSurfacedAsCycle covers two exports that call each
// other: Build must report the pair as a cycle, and Run must still complete
// without error -- mutual recursion is legal, never a fault.
func TestBuild_MutualRecursionSurfacedAsCycle(t *testing.T) {
	consts := xrefConsts()
	ops := consts.Opcodes.ByCode

	const (
		export1Key  = 0x10000000
		export2Key  = 0x20000000
		export1Exit = 0x1EEEEEEE
		export2Exit = 0x2EEEEEEE
	)

	prog := decoder.NewProgram()
	// export 1 calls export 2
	prog.Add(0x10, export1Key, instr.Instruction{Offset: 0x10, Size: 5, Opcode: ops[opPushImmDword], Operand: instr.Operand{Immediate: 0x200}}, export1Key)
	prog.Add(0x15, export1Key, instr.Instruction{Offset: 0x15, Size: 1, Opcode: ops[opCall]}, export1Key)
	prog.Add(0x16, export2Exit, instr.Instruction{Offset: 0x16, Size: 1, Opcode: ops[opRet]}, export1Exit)

	// export 2 calls export 1
	prog.Add(0x200, export2Key, instr.Instruction{Offset: 0x200, Size: 5, Opcode: ops[opPushImmDword], Operand: instr.Operand{Immediate: 0x10}}, export2Key)
	prog.Add(0x205, export2Key, instr.Instruction{Offset: 0x205, Size: 1, Opcode: ops[opCall]}, export2Key)
	prog.Add(0x206, export1Exit, instr.Instruction{Offset: 0x206, Size: 1, Opcode: ops[opRet]}, export2Exit)

	drv := disasm.New(consts, prog, metadata.NewMockImage(), diag.Nop)
	drv.RegisterExport(1, &instr.ExportInfo{EntryOffset: 0x10, EntryKey: export1Key})
	drv.RegisterExport(2, &instr.ExportInfo{EntryOffset: 0x200, EntryKey: export2Key})

	require.NoError(t, drv.Run())

	report := xref.Build(drv)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, []uint32{1, 2}, report.Cycles[0])
}

// TestBuild_DirectSelfRecursionIsACycle covers an export that calls itself.
func TestBuild_DirectSelfRecursionIsACycle(t *testing.T) {
	consts := xrefConsts()
	ops := consts.Opcodes.ByCode

	const key = 0x30000000

	prog := decoder.NewProgram()
	prog.Add(0x10, key, instr.Instruction{Offset: 0x10, Size: 5, Opcode: ops[opPushImmDword], Operand: instr.Operand{Immediate: 0x10}}, key)
	prog.Add(0x15, key, instr.Instruction{Offset: 0x15, Size: 1, Opcode: ops[opCall]}, key)
	prog.Add(0x16, key, instr.Instruction{Offset: 0x16, Size: 1, Opcode: ops[opRet]}, key)

	drv := disasm.New(consts, prog, metadata.NewMockImage(), diag.Nop)
	drv.RegisterExport(1, &instr.ExportInfo{EntryOffset: 0x10, EntryKey: key})

	require.NoError(t, drv.Run())

	report := xref.Build(drv)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, []uint32{1}, report.Cycles[0])
}

// TestBuild_NoCyclesInLinearCallChain covers a straight-line caller/callee
// pair with no recursion: Cycles must stay empty.
func TestBuild_NoCyclesInLinearCallChain(t *testing.T) {
	consts := xrefConsts()
	ops := consts.Opcodes.ByCode

	const (
		callerKey  = 0x40000000
		calleeKey  = 0x50000000
		calleeExit = 0x5EEEEEEE
		callerExit = 0x4EEEEEEE
	)

	prog := decoder.NewProgram()
	prog.Add(0x10, callerKey, instr.Instruction{Offset: 0x10, Size: 5, Opcode: ops[opPushImmDword], Operand: instr.Operand{Immediate: 0x100}}, callerKey)
	prog.Add(0x15, callerKey, instr.Instruction{Offset: 0x15, Size: 1, Opcode: ops[opCall]}, callerKey)
	prog.Add(0x16, calleeExit, instr.Instruction{Offset: 0x16, Size: 1, Opcode: ops[opRet]}, callerExit)

	prog.Add(0x100, calleeKey, instr.Instruction{Offset: 0x100, Size: 1, Opcode: ops[opRet]}, calleeExit)

	drv := disasm.New(consts, prog, metadata.NewMockImage(), diag.Nop)
	drv.RegisterExport(1, &instr.ExportInfo{EntryOffset: 0x10, EntryKey: callerKey})
	drv.RegisterExport(2, &instr.ExportInfo{EntryOffset: 0x100, EntryKey: calleeKey})

	require.NoError(t, drv.Run())

	report := xref.Build(drv)
	assert.Empty(t, report.Cycles)
}
