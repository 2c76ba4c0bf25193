// Package vcall implements the V-call sub-dispatcher: VCALL encodes its real
// operation as a selector byte popped off the VM stack rather than in the
// instruction's own operand, so the instruction processor (package disasm)
// delegates the entire opcode to this package once it has advanced past the
// VCALL instruction itself. Each sub-opcode declares its own pop shape over
// metadata tokens and stack operands, infers the operands that must be
// concrete (token ids, type ids, field ids) through the partial emulator,
// resolves them against the host binary's metadata image, and rewrites the
// instruction's annotation to a VCallAnnotation carrying a sub-opcode-specific
// payload.
package vcall

import (
	"fmt"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/diag"
	"github.com/arcturus-re/vmdevirt/internal/emulator"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/metadata"
	"github.com/arcturus-re/vmdevirt/internal/state"
	"github.com/arcturus-re/vmdevirt/internal/symval"
	"github.com/arcturus-re/vmdevirt/internal/vmerr"
)

// allTokenKinds is used by the two v-call sub-opcodes (LDTOKEN, TOKEN) that
// can reference any metadata category rather than one restricted set.
const allTokenKinds = metadata.KindTypeDef | metadata.KindTypeRef | metadata.KindTypeSpec |
	metadata.KindMethodDef | metadata.KindMethodRef | metadata.KindFieldDef | metadata.KindMemberRef

// resolver concretizes symbolic operands through a fresh partial emulator
// per value, under the emulator options the caller's driver was configured
// with.
type resolver struct {
	arena emulator.Arena
	opts  emulator.Options
}

func (r resolver) resolve(v symval.Value) (uint64, error) {
	return emulator.NewWithOptions(r.arena, r.opts).Resolve(v)
}

// Process pops and resolves a VCALL instruction's selector and
// sub-opcode-specific operands against next's symbolic stack, annotates ins
// in place, and returns the successor states reachable from it. Every
// sub-opcode yields exactly one successor (the fallthrough next) except
// THROW, which yields none.
func Process(arena emulator.Arena, emuOpts emulator.Options, next *state.State, ins *instr.Instruction, consts *constants.VMConstants, meta metadata.Image, log diag.Logger) ([]*state.State, error) {
	r := resolver{arena: arena, opts: emuOpts}
	selectorVal, err := popInto(next, ins, 0)
	if err != nil {
		return nil, err
	}
	selector, err := r.resolve(selectorVal)
	if err != nil {
		return nil, err
	}
	op, ok := consts.ResolveVCall(uint8(selector))
	if !ok {
		return nil, &vmerr.Unsupported{Offset: ins.Offset, What: fmt.Sprintf("vcall selector %d not recognized", selector)}
	}
	log.Debugf("vcall at 0x%x resolved to %s", ins.Offset, op)

	var (
		payload instr.VCallPayload
		pushes  int
		opErr   error
	)
	switch op {
	case constants.VCallECall:
		payload, pushes, opErr = ecall(r, next, ins, consts, log)
	case constants.VCallBox:
		payload, pushes, opErr = box(r, next, ins, meta, log)
	case constants.VCallUnbox:
		payload, pushes, opErr = unbox(r, next, ins, meta, log)
	case constants.VCallCast:
		payload, pushes, opErr = cast(r, next, ins, meta, log)
	case constants.VCallNewObj:
		payload, pushes, opErr = newObj(r, next, ins, meta, log)
	case constants.VCallLdFld:
		payload, pushes, opErr = ldFld(r, next, ins, meta, log)
	case constants.VCallStFld:
		payload, pushes, opErr = stFld(r, next, ins, meta, log)
	case constants.VCallLdToken:
		payload, pushes, opErr = ldToken(r, next, ins, meta, log)
	case constants.VCallToken:
		payload, pushes, opErr = token(r, next, ins, meta, log)
	case constants.VCallThrow:
		payload, opErr = throwOp(next, ins)
		if opErr != nil {
			return nil, opErr
		}
		ins.Annotation = instr.VCallAnnotation{
			AnnotationHeader: instr.AnnotationHeader{InferredPop: uint32(ins.Dependencies.Len()), InferredPush: 0},
			Op:               op,
			Payload:          payload,
		}
		return nil, nil
	case constants.VCallSizeOf:
		payload, pushes, opErr = sizeOf(r, next, ins, meta, log)
	case constants.VCallInitObj:
		payload, pushes, opErr = initObj(r, next, ins, meta, log)
	default:
		return nil, &vmerr.Unsupported{Offset: ins.Offset, What: fmt.Sprintf("vcall op %s not implemented", op)}
	}
	return finish(next, ins, op, payload, pushes, opErr)
}

// finish is the shared tail for every non-terminal sub-opcode: it turns a
// (payload, pushes, error) result into the annotated instruction and the
// single fallthrough successor.
func finish(next *state.State, ins *instr.Instruction, op constants.VCallOp, payload instr.VCallPayload, pushes int, err error) ([]*state.State, error) {
	if err != nil {
		return nil, err
	}
	for i := 0; i < pushes; i++ {
		next.Stack.Push(symval.New(symval.Source(ins.Offset), constants.TypeUnknown))
	}
	ins.Annotation = instr.VCallAnnotation{
		AnnotationHeader: instr.AnnotationHeader{
			InferredPop:  uint32(ins.Dependencies.Len()),
			InferredPush: uint32(pushes),
		},
		Op:      op,
		Payload: payload,
	}
	return []*state.State{next}, nil
}

// popInto pops one value off next's stack and records it as dependency slot
// i on ins, in pop order (slot 0 is the selector, slot 1 the first operand
// popped after it, and so on -- a simpler, non-reversed convention than the
// default instruction processor's, since v-call operand order never needs
// to read as left-to-right source syntax).
func popInto(next *state.State, ins *instr.Instruction, i uint32) (symval.Value, error) {
	v, err := next.Stack.Pop(ins.Offset)
	if err != nil {
		return symval.Value{}, err
	}
	ins.Dependencies.AddOrMerge(i, v)
	return v, nil
}

func resolveToken(meta metadata.Image, log diag.Logger, offset uint64, id uint32, allowed metadata.TokenKind) (metadata.Token, metadata.Member, error) {
	tok, ok := meta.ResolveReference(log, offset, id, allowed)
	if !ok {
		return 0, metadata.Member{}, &vmerr.InferenceFailed{Offset: offset, Reason: fmt.Sprintf("metadata id %d did not resolve", id)}
	}
	member, ok := meta.ResolveMember(tok)
	if !ok {
		return tok, metadata.Member{}, &vmerr.InferenceFailed{Offset: offset, Reason: fmt.Sprintf("token %d has no member record", tok)}
	}
	return tok, member, nil
}

func ecall(r resolver, next *state.State, ins *instr.Instruction, consts *constants.VMConstants, log diag.Logger) (instr.VCallPayload, int, error) {
	idVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	id, err := r.resolve(idVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	desc, ok := consts.ECallOpcodes[uint8(id)]
	if !ok {
		return instr.VCallPayload{}, 0, &vmerr.Unsupported{Offset: ins.Offset, What: fmt.Sprintf("ecall id %d not recognized", id)}
	}
	for i := 0; i < desc.ArgCount; i++ {
		if _, err := popInto(next, ins, uint32(2+i)); err != nil {
			return instr.VCallPayload{}, 0, err
		}
	}
	log.Debugf("ecall at 0x%x resolved to helper %q (%d args)", ins.Offset, desc.Name, desc.ArgCount)
	return instr.VCallPayload{RawOperand: id, FieldName: desc.Name}, 1, nil
}

func box(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	typeIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	typeID, err := r.resolve(typeIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 2); err != nil { // value being boxed, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(typeID), metadata.KindTypeDef|metadata.KindTypeRef|metadata.KindTypeSpec)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	return instr.VCallPayload{Token: tok, Type: member.Type}, 1, nil
}

func unbox(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	typeIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	typeID, err := r.resolve(typeIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 2); err != nil { // boxed object, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(typeID), metadata.KindTypeDef|metadata.KindTypeRef|metadata.KindTypeSpec)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	return instr.VCallPayload{Token: tok, Type: member.Type}, 1, nil
}

func cast(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	typeIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	typeID, err := r.resolve(typeIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 2); err != nil { // object being cast, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(typeID), metadata.KindTypeDef|metadata.KindTypeRef|metadata.KindTypeSpec)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	return instr.VCallPayload{Token: tok, Type: member.Type}, 1, nil
}

func newObj(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	ctorIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	ctorID, err := r.resolve(ctorIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(ctorID), metadata.KindMethodDef|metadata.KindMethodRef|metadata.KindMemberRef)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	argCount := 0
	if member.Method != nil {
		argCount = member.Method.ParameterCount
	}
	for i := 0; i < argCount; i++ {
		if _, err := popInto(next, ins, uint32(2+i)); err != nil {
			return instr.VCallPayload{}, 0, err
		}
	}
	var declType *metadata.TypeRef
	if member.Method != nil {
		declType = &member.Method.DeclaringType
	}
	return instr.VCallPayload{Token: tok, Type: declType, Method: member.Method}, 1, nil
}

func ldFld(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	fieldIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	fieldID, err := r.resolve(fieldIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 2); err != nil { // receiver object, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(fieldID), metadata.KindFieldDef|metadata.KindMemberRef)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	name := ""
	if member.Field != nil {
		name = member.Field.Name
	}
	return instr.VCallPayload{Token: tok, Type: member.Field, FieldName: name}, 1, nil
}

func stFld(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	fieldIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	fieldID, err := r.resolve(fieldIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 2); err != nil { // receiver object, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 3); err != nil { // value being stored, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(fieldID), metadata.KindFieldDef|metadata.KindMemberRef)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	name := ""
	if member.Field != nil {
		name = member.Field.Name
	}
	return instr.VCallPayload{Token: tok, Type: member.Field, FieldName: name}, 0, nil
}

func ldToken(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	idVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	id, err := r.resolve(idVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	tok, _, err := resolveToken(meta, log, ins.Offset, uint32(id), allTokenKinds)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	return instr.VCallPayload{Token: tok}, 1, nil
}

func token(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	idVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	id, err := r.resolve(idVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	tok, _, err := resolveToken(meta, log, ins.Offset, uint32(id), allTokenKinds)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	return instr.VCallPayload{Token: tok, RawOperand: uint64(tok)}, 1, nil
}

func throwOp(next *state.State, ins *instr.Instruction) (instr.VCallPayload, error) {
	if _, err := popInto(next, ins, 1); err != nil { // exception object, purely symbolic
		return instr.VCallPayload{}, err
	}
	return instr.VCallPayload{}, nil
}

func sizeOf(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	typeIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	typeID, err := r.resolve(typeIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(typeID), metadata.KindTypeDef|metadata.KindTypeRef|metadata.KindTypeSpec)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	// The byte size of the referenced type is not itself modeled; only the
	// reference is recorded for report/xref purposes.
	return instr.VCallPayload{Token: tok, Type: member.Type}, 1, nil
}

func initObj(r resolver, next *state.State, ins *instr.Instruction, meta metadata.Image, log diag.Logger) (instr.VCallPayload, int, error) {
	typeIDVal, err := popInto(next, ins, 1)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	typeID, err := r.resolve(typeIDVal)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	if _, err := popInto(next, ins, 2); err != nil { // destination pointer, purely symbolic
		return instr.VCallPayload{}, 0, err
	}
	tok, member, err := resolveToken(meta, log, ins.Offset, uint32(typeID), metadata.KindTypeDef|metadata.KindTypeRef|metadata.KindTypeSpec)
	if err != nil {
		return instr.VCallPayload{}, 0, err
	}
	return instr.VCallPayload{Token: tok, Type: member.Type}, 0, nil
}
