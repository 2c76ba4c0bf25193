package vcall_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/diag"
	"github.com/arcturus-re/vmdevirt/internal/emulator"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/metadata"
	"github.com/arcturus-re/vmdevirt/internal/state"
	"github.com/arcturus-re/vmdevirt/internal/symval"
	"github.com/arcturus-re/vmdevirt/internal/vcall"
)

// fakeArena is a hand-built instruction arena, addressed by offset exactly
// like instr.VMExportDisassembly.Get, used so these tests don't need a full
// driver run to exercise the v-call sub-dispatcher in isolation.
type fakeArena struct {
	instructions map[uint64]*instr.Instruction
}

func newFakeArena() *fakeArena {
	return &fakeArena{instructions: make(map[uint64]*instr.Instruction)}
}

func (a *fakeArena) Get(offset uint64) (*instr.Instruction, bool) {
	ins, ok := a.instructions[offset]
	return ins, ok
}

func (a *fakeArena) put(ins *instr.Instruction) {
	a.instructions[ins.Offset] = ins
}

func pushImm(arena *fakeArena, offset uint64, value uint64) {
	arena.put(&instr.Instruction{
		Offset:  offset,
		Opcode:  constants.OpCodeDescriptor{Mnemonic: "PUSHI_DWORD"},
		Operand: instr.Operand{Immediate: value},
	})
}

// valueOf builds the singleton symbolic value produced by the instruction
// at offset, typed Unknown (the type never matters to the v-call
// sub-dispatcher, which only needs a producer to resolve through).
func valueOf(offset uint64) symval.Value {
	return symval.New(symval.Source(offset), constants.TypeUnknown)
}

func TestVCall_ECall(t *testing.T) {
	arena := newFakeArena()
	s := state.New(0, 0)

	const selectorOffset, idOffset, argOffset = 0x01, 0x02, 0x03
	pushImm(arena, selectorOffset, 0) // selector 0 => ECALL
	pushImm(arena, idOffset, 5)       // ecall id 5
	pushImm(arena, argOffset, 99)     // one native-helper argument

	// Operands pop in the order selector, id, arg, so (LIFO) they must be
	// pushed in the reverse of that order.
	s.Stack.Push(valueOf(argOffset))
	s.Stack.Push(valueOf(idOffset))
	s.Stack.Push(valueOf(selectorOffset))

	consts := &constants.VMConstants{
		VCalls:       map[uint8]constants.VCallOp{0: constants.VCallECall},
		ECallOpcodes: map[uint8]constants.ECallDescriptor{5: {Name: "StringConcat", ArgCount: 1}},
	}
	ins := &instr.Instruction{Offset: 0x10}

	successors, err := vcall.Process(arena, emulator.Options{}, s, ins, consts, metadata.NewMockImage(), diag.Nop)
	require.NoError(t, err)
	require.Len(t, successors, 1)

	ann, ok := ins.Annotation.(instr.VCallAnnotation)
	require.True(t, ok)
	assert.Equal(t, constants.VCallECall, ann.Op)
	assert.EqualValues(t, 1, ann.InferredPush)
	assert.Equal(t, "StringConcat", ann.Payload.FieldName)
	assert.Equal(t, 1, successors[0].Stack.Depth())
}

func TestVCall_Box(t *testing.T) {
	arena := newFakeArena()
	s := state.New(0, 0)

	const selectorOffset, typeIDOffset, valueOffset = 0x01, 0x02, 0x03
	pushImm(arena, selectorOffset, 1) // selector 1 => BOX
	pushImm(arena, typeIDOffset, 42)
	arena.put(&instr.Instruction{Offset: valueOffset, Opcode: constants.OpCodeDescriptor{Mnemonic: "NOP_UNRESOLVABLE"}})

	// Operands pop in the order selector, type id, boxed value, so they're
	// pushed in the reverse of that order.
	s.Stack.Push(valueOf(valueOffset)) // the boxed value, never concretized
	s.Stack.Push(valueOf(typeIDOffset))
	s.Stack.Push(valueOf(selectorOffset))

	meta := metadata.NewMockImage()
	meta.AddReference(42, 777)
	meta.AddMember(777, metadata.Member{Type: &metadata.TypeRef{Name: "Int32"}})

	consts := &constants.VMConstants{VCalls: map[uint8]constants.VCallOp{1: constants.VCallBox}}
	ins := &instr.Instruction{Offset: 0x10}

	successors, err := vcall.Process(arena, emulator.Options{}, s, ins, consts, meta, diag.Nop)
	require.NoError(t, err)
	require.Len(t, successors, 1)

	ann := ins.Annotation.(instr.VCallAnnotation)
	assert.Equal(t, constants.VCallBox, ann.Op)
	assert.EqualValues(t, 777, ann.Payload.Token)
	require.NotNil(t, ann.Payload.Type)
	assert.Equal(t, "Int32", ann.Payload.Type.Name)
}

func TestVCall_ThrowYieldsNoSuccessor(t *testing.T) {
	arena := newFakeArena()
	s := state.New(0, 0)

	const selectorOffset, excOffset = 0x01, 0x02
	pushImm(arena, selectorOffset, 9) // selector 9 => THROW
	arena.put(&instr.Instruction{Offset: excOffset, Opcode: constants.OpCodeDescriptor{Mnemonic: "NOP_UNRESOLVABLE"}})

	s.Stack.Push(valueOf(excOffset)) // the exception object, popped last
	s.Stack.Push(valueOf(selectorOffset))

	consts := &constants.VMConstants{VCalls: map[uint8]constants.VCallOp{9: constants.VCallThrow}}
	ins := &instr.Instruction{Offset: 0x10}

	successors, err := vcall.Process(arena, emulator.Options{}, s, ins, consts, metadata.NewMockImage(), diag.Nop)
	require.NoError(t, err)
	assert.Empty(t, successors, "THROW must never yield a fall-through successor")
	assert.Equal(t, 0, s.Stack.Depth())
}

func TestVCall_UnrecognizedSelectorIsUnsupported(t *testing.T) {
	arena := newFakeArena()
	s := state.New(0, 0)
	pushImm(arena, 0x01, 250)
	s.Stack.Push(valueOf(0x01))

	consts := &constants.VMConstants{VCalls: map[uint8]constants.VCallOp{}}
	ins := &instr.Instruction{Offset: 0x10}

	_, err := vcall.Process(arena, emulator.Options{}, s, ins, consts, metadata.NewMockImage(), diag.Nop)
	assert.Error(t, err)
}
