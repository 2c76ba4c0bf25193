// Package disasm is the devirtualizer's core: the instruction processor (the
// per-instruction symbolic transfer function) and the worklist driver that
// fans states out across one export's obfuscated instruction stream until it
// reaches a fixed point. Every other internal package exists to serve this
// one; the CLI wires a constants table, a decoder, and a metadata image into
// a Driver and reads back a finished VMExportDisassembly per export.
package disasm

import (
	"fmt"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/decoder"
	"github.com/arcturus-re/vmdevirt/internal/diag"
	"github.com/arcturus-re/vmdevirt/internal/ehframe"
	"github.com/arcturus-re/vmdevirt/internal/emulator"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/metadata"
	"github.com/arcturus-re/vmdevirt/internal/state"
	"github.com/arcturus-re/vmdevirt/internal/symval"
	"github.com/arcturus-re/vmdevirt/internal/vcall"
	"github.com/arcturus-re/vmdevirt/internal/vmerr"
)

// ExportEntry bundles one export's static identity with the disassembly
// record the driver mutates as it explores it.
type ExportEntry struct {
	ID     uint32
	Info   *instr.ExportInfo
	Disasm *instr.VMExportDisassembly
}

// pendingCall records a CALL instruction whose callee's exit key was not yet
// known at the time it was visited; next is the successor state it would
// have yielded had the key already been known, held back until it is.
type pendingCall struct {
	callerID     uint32
	offset       uint64
	next         *state.State
	returnsValue bool
}

type agendaItem struct {
	exportID uint32
	state    *state.State
}

// Options tunes one Driver. The zero value means defaults: a LIFO agenda,
// unlimited re-seed iterations, and default emulator behavior.
type Options struct {
	// FIFOAgenda drains the agenda front-first instead of LIFO. The
	// reported instructions, block headers, and annotations are the same
	// either way; only the exploration order changes.
	FIFOAgenda bool

	// MaxReseedIterations caps the outer fixed-point loop; 0 means no cap.
	// The loop terminates on its own because every iteration strictly
	// shrinks the pending-call set, so the cap is a backstop against a
	// misbehaving decoder, not a correctness requirement.
	MaxReseedIterations int

	// Emulator is applied to every partial-emulator invocation the driver
	// makes while resolving jump, call, and v-call operands.
	Emulator emulator.Options
}

// Driver runs the fixed-point worklist over a set of registered exports. One
// Driver explores exactly the exports registered on it; independent Drivers
// may run concurrently over the same read-only VMConstants and metadata
// image (they share nothing else).
type Driver struct {
	consts  *constants.VMConstants
	decoder decoder.Decoder
	meta    metadata.Image
	log     diag.Logger
	opts    Options

	byAddress map[uint64]*ExportEntry
	byID      map[uint32]*ExportEntry
	visited   map[uint32]map[state.Key]int
	pending   map[uint32][]pendingCall
}

// New creates a Driver over the given resolved constants table, instruction
// decoder, and metadata image, with default Options.
func New(consts *constants.VMConstants, dec decoder.Decoder, meta metadata.Image, log diag.Logger) *Driver {
	return NewWithOptions(consts, dec, meta, log, Options{})
}

// NewWithOptions creates a Driver with explicit worklist and emulator
// tuning.
func NewWithOptions(consts *constants.VMConstants, dec decoder.Decoder, meta metadata.Image, log diag.Logger, opts Options) *Driver {
	if log == nil {
		log = diag.Nop
	}
	return &Driver{
		consts:    consts,
		decoder:   dec,
		meta:      meta,
		log:       log,
		opts:      opts,
		byAddress: make(map[uint64]*ExportEntry),
		byID:      make(map[uint32]*ExportEntry),
		visited:   make(map[uint32]map[state.Key]int),
		pending:   make(map[uint32][]pendingCall),
	}
}

// RegisterExport adds one export to be disassembled, keyed by id, and
// returns the disassembly record that Run will populate. Every export that
// CALL instructions may target must be registered before Run is invoked.
func (d *Driver) RegisterExport(id uint32, info *instr.ExportInfo) *instr.VMExportDisassembly {
	disasm := instr.NewVMExportDisassembly(info)
	entry := &ExportEntry{ID: id, Info: info, Disasm: disasm}
	d.byAddress[info.EntryOffset] = entry
	d.byID[id] = entry
	d.visited[id] = make(map[state.Key]int)
	return disasm
}

// Export returns the entry registered under id, if any.
func (d *Driver) Export(id uint32) (*ExportEntry, bool) {
	e, ok := d.byID[id]
	return e, ok
}

// Exports returns every registered export, keyed by id. Callers (the report
// and explorer packages) must treat the returned map as read-only.
func (d *Driver) Exports() map[uint32]*ExportEntry {
	return d.byID
}

// Run explores every registered export to a fixed point: the agenda drains,
// then any call site still waiting on a now-resolved callee's exit key is
// re-seeded, and the agenda runs again. It terminates when neither step
// makes further progress. A decode failure at a seeded export entry is
// fatal and aborts the whole run; every other failure is contained to the
// one state that hit it.
func (d *Driver) Run() error {
	var agenda []agendaItem
	for id, entry := range d.byID {
		agenda = append(agenda, agendaItem{
			exportID: id,
			state:    state.New(entry.Info.EntryOffset, entry.Info.EntryKey),
		})
	}

	for iteration := 0; ; iteration++ {
		if err := d.drain(&agenda); err != nil {
			return err
		}
		if max := d.opts.MaxReseedIterations; max > 0 && iteration >= max {
			d.log.Warnf("stopping after %d re-seed iterations with %d callees still pending", iteration, len(d.pending))
			return nil
		}
		if !d.reseed(&agenda) {
			return nil
		}
	}
}

func (d *Driver) drain(agenda *[]agendaItem) error {
	for len(*agenda) > 0 {
		var item agendaItem
		if d.opts.FIFOAgenda {
			item = (*agenda)[0]
			*agenda = (*agenda)[1:]
		} else {
			n := len(*agenda) - 1
			item = (*agenda)[n]
			*agenda = (*agenda)[:n]
		}

		entry := d.byID[item.exportID]
		key := item.state.AgendaKey()
		if depth, seen := d.visited[item.exportID][key]; seen {
			if depth != item.state.Stack.Depth() {
				d.log.Errorf("stack depth %d at (0x%x, key 0x%x) disagrees with first visit's depth %d", item.state.Stack.Depth(), key.IP, key.Key, depth)
			}
			continue
		}
		d.visited[item.exportID][key] = item.state.Stack.Depth()

		decoded, nextKey, err := d.decoder.Decode(item.state.IP, item.state.StreamKey)
		if err != nil {
			if item.state.IP == entry.Info.EntryOffset && item.state.StreamKey == entry.Info.EntryKey {
				return &vmerr.Fatal{Reason: fmt.Sprintf("failed to decode export entry at 0x%x", item.state.IP), Cause: err}
			}
			d.log.Errorf("decode failed at 0x%x (key 0x%x): %v", item.state.IP, item.state.StreamKey, err)
			continue
		}
		ins := entry.Disasm.Put(&decoded)

		successors, perr := d.nextStates(item.exportID, entry.Disasm, item.state, ins, nextKey)
		if perr != nil {
			logFailure(d.log, perr)
			if _, unsupported := perr.(*vmerr.Unsupported); unsupported {
				entry.Disasm.AddUnresolved(ins.Offset)
			}
			continue
		}
		for _, s := range successors {
			*agenda = append(*agenda, agendaItem{exportID: item.exportID, state: s})
		}
	}
	return nil
}

// reseed resolves every pending call whose callee's exit key has become
// known since it was parked, re-enqueues its successor, and reports whether
// it made any progress at all.
func (d *Driver) reseed(agenda *[]agendaItem) bool {
	progressed := false
	for calleeID, waiting := range d.pending {
		callee := d.byID[calleeID]
		exitKey, known := callee.Info.ExitKey()
		if !known {
			continue
		}
		for _, pc := range waiting {
			caller := d.byID[pc.callerID]
			pc.next.StreamKey = exitKey
			if pc.returnsValue {
				pc.next.SetRegister(d.consts.Registers.R0, symval.New(symval.Source(pc.offset), constants.TypeUnknown))
			}
			caller.Disasm.RemoveUnresolved(pc.offset)
			*agenda = append(*agenda, agendaItem{exportID: pc.callerID, state: pc.next})
		}
		delete(d.pending, calleeID)
		progressed = true
	}
	return progressed
}

func logFailure(log diag.Logger, err error) {
	switch err.(type) {
	case *vmerr.Unsupported, *vmerr.InferenceFailed:
		log.Warnf("%v", err)
	default:
		log.Errorf("%v", err)
	}
}

// nextStates is the per-instruction symbolic transfer function: it pops and
// pushes symbolic values against a fresh copy of state, records data
// dependencies, branches the program state, and annotates ins.
func (d *Driver) nextStates(exportID uint32, disasm *instr.VMExportDisassembly, cur *state.State, ins *instr.Instruction, nextKey uint32) ([]*state.State, error) {
	next := cur.Clone()
	next.IP = cur.IP + uint64(ins.Size)
	next.StreamKey = nextKey

	if ins.Opcode.AffectsFlags {
		next.SetRegister(d.consts.Registers.FL, symval.New(symval.Source(ins.Offset), constants.TypeByte))
	}

	switch ins.Opcode.Code {
	case d.consts.Opcodes.Call:
		return d.processCall(exportID, disasm, next, ins)
	case d.consts.Opcodes.Ret:
		return d.processRet(disasm, next, ins)
	case d.consts.Opcodes.Try:
		return d.processTry(disasm, next, ins)
	case d.consts.Opcodes.Leave:
		return d.processLeave(next, ins)
	case d.consts.Opcodes.VCall:
		return vcall.Process(disasm, d.opts.Emulator, next, ins, d.consts, d.meta, d.log)
	default:
		return d.processDefault(disasm, next, ins)
	}
}

// popper pops values off a state's symbolic stack and records each as the
// next sequential dependency slot on an instruction.
type popper struct {
	next *state.State
	ins  *instr.Instruction
	emu  emulator.Options
	slot uint32
}

func (p *popper) pop() (symval.Value, error) {
	v, err := p.next.Stack.Pop(p.ins.Offset)
	if err != nil {
		return symval.Value{}, err
	}
	p.ins.Dependencies.AddOrMerge(p.slot, v)
	p.slot++
	return v, nil
}

func (p *popper) popConcrete(arena emulator.Arena) (uint64, error) {
	v, err := p.pop()
	if err != nil {
		return 0, err
	}
	return emulator.NewWithOptions(arena, p.emu).Resolve(v)
}

func (d *Driver) processCall(exportID uint32, disasm *instr.VMExportDisassembly, next *state.State, ins *instr.Instruction) ([]*state.State, error) {
	p := &popper{next: next, ins: ins, emu: d.opts.Emulator}
	address, err := p.popConcrete(disasm)
	if err != nil {
		return nil, err
	}
	callee, ok := d.byAddress[address]
	if !ok {
		return nil, &vmerr.Unsupported{Offset: ins.Offset, What: fmt.Sprintf("call target 0x%x is not a registered export", address)}
	}
	sig := callee.Info.Signature

	argCount := sig.ParameterCount
	if sig.IsInstance {
		argCount++
	}
	popped := make([]symval.Value, argCount)
	for i := 0; i < argCount; i++ {
		v, err := next.Stack.Pop(ins.Offset)
		if err != nil {
			return nil, err
		}
		popped[i] = v
	}
	// popped is in pop order (rightmost argument first); dependency slots
	// after the call target read left to right, so reverse it. Each slot is
	// written exactly once here -- p.pop() above only covers the call target.
	for i, v := range popped {
		ins.Dependencies.AddOrMerge(uint32(1+argCount-1-i), v)
	}

	returnsValue := sig.ReturnsValue
	ins.Annotation = instr.CallAnnotation{
		AnnotationHeader: instr.AnnotationHeader{
			InferredPop:  uint32(1 + argCount),
			InferredPush: boolToUint32(returnsValue),
		},
		Address:      address,
		Signature:    sig,
		ExportID:     callee.ID,
		ReturnsValue: returnsValue,
	}

	if exitKey, known := callee.Info.ExitKey(); known {
		disasm.RemoveUnresolved(ins.Offset)
		next.StreamKey = exitKey
		if returnsValue {
			next.SetRegister(d.consts.Registers.R0, symval.New(symval.Source(ins.Offset), constants.TypeUnknown))
		}
		return []*state.State{next}, nil
	}

	disasm.AddUnresolved(ins.Offset)
	d.pending[callee.ID] = append(d.pending[callee.ID], pendingCall{
		callerID:     exportID,
		offset:       ins.Offset,
		next:         next,
		returnsValue: returnsValue,
	})
	return nil, nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (d *Driver) processRet(disasm *instr.VMExportDisassembly, next *state.State, ins *instr.Instruction) ([]*state.State, error) {
	p := &popper{next: next, ins: ins, emu: d.opts.Emulator}
	if _, err := p.pop(); err != nil { // return address; not emulated
		return nil, err
	}

	if existing, known := disasm.Export.ExitKey(); !known {
		disasm.Export.SetExitKey(next.StreamKey)
		d.log.Debugf("export exit key resolved to 0x%x at ret 0x%x", next.StreamKey, ins.Offset)
	} else if existing != next.StreamKey {
		d.log.Warnf("ret at 0x%x reaches key 0x%x, disagreeing with already-resolved exit key 0x%x", ins.Offset, next.StreamKey, existing)
	}

	ins.Annotation = instr.PlainAnnotation{AnnotationHeader: instr.AnnotationHeader{InferredPop: 1, InferredPush: 0}}
	return nil, nil
}

func (d *Driver) processTry(disasm *instr.VMExportDisassembly, next *state.State, ins *instr.Instruction) ([]*state.State, error) {
	p := &popper{next: next, ins: ins, emu: d.opts.Emulator}
	rawType, err := p.popConcrete(disasm)
	if err != nil {
		return nil, err
	}
	ehType, ok := d.consts.ResolveEHType(uint8(rawType))
	if !ok {
		return nil, &vmerr.Unsupported{Offset: ins.Offset, What: fmt.Sprintf("eh type %d not recognized", rawType)}
	}

	var catchType *uint32
	var filterAddr uint64

	switch ehType {
	case constants.EHCatch:
		rawCatch, err := p.popConcrete(disasm)
		if err != nil {
			return nil, err
		}
		tok, ok := d.meta.ResolveReference(d.log, ins.Offset, uint32(rawCatch), metadata.KindTypeDef|metadata.KindTypeRef|metadata.KindTypeSpec)
		if !ok {
			return nil, &vmerr.InferenceFailed{Offset: ins.Offset, Reason: fmt.Sprintf("catch type id %d did not resolve", rawCatch)}
		}
		t := uint32(tok)
		catchType = &t
	case constants.EHFilter:
		addr, err := p.popConcrete(disasm)
		if err != nil {
			return nil, err
		}
		filterAddr = addr
	case constants.EHFinally:
		// no extra operand
	case constants.EHFault:
		return nil, &vmerr.Unsupported{Offset: ins.Offset, What: "FAULT exception clause"}
	default:
		return nil, &vmerr.Unsupported{Offset: ins.Offset, What: fmt.Sprintf("eh type %s", ehType)}
	}

	handlerAddr, err := p.popConcrete(disasm)
	if err != nil {
		return nil, err
	}

	next.EH.Push(ehframe.Frame{
		Type:           ehType,
		TryStart:       next.IP,
		HandlerAddress: handlerAddr,
		FilterAddress:  filterAddr,
		CatchType:      catchType,
	})
	disasm.MarkBlockHeader(handlerAddr)

	ins.Annotation = instr.PlainAnnotation{AnnotationHeader: instr.AnnotationHeader{InferredPop: uint32(ins.Dependencies.Len()), InferredPush: 0}}

	successors := []*state.State{next}

	handlerState := next.Clone()
	handlerState.IP = handlerAddr
	handlerState.StreamKey = 0
	successors = append(successors, handlerState)

	if ehType == constants.EHFilter {
		disasm.MarkBlockHeader(filterAddr)
		filterState := next.Clone()
		filterState.IP = filterAddr
		filterState.StreamKey = 0
		successors = append(successors, filterState)
	}

	return successors, nil
}

func (d *Driver) processLeave(next *state.State, ins *instr.Instruction) ([]*state.State, error) {
	p := &popper{next: next, ins: ins, emu: d.opts.Emulator}
	if _, err := p.pop(); err != nil { // handler marker; sanity check only, not emulated
		return nil, err
	}
	if _, ok := next.EH.Pop(); !ok {
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: "leave with no active protected region"}
	}
	ins.Annotation = instr.PlainAnnotation{AnnotationHeader: instr.AnnotationHeader{InferredPop: 1, InferredPush: 0}}
	return []*state.State{next}, nil
}

func (d *Driver) processDefault(disasm *instr.VMExportDisassembly, next *state.State, ins *instr.Instruction) ([]*state.State, error) {
	pop := ins.Opcode.Pop
	if pop.IsVariadic() {
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: "variable-arity pop reached the default instruction path"}
	}
	arity := pop.Arity()

	popped := make([]symval.Value, arity)
	for i := 0; i < arity; i++ {
		v, err := next.Stack.Pop(ins.Offset)
		if err != nil {
			return nil, err
		}
		if t := pop.SlotType(i); t != constants.TypeUnknown {
			v.Type = t
		}
		popped[i] = v
	}
	// Dependencies are recorded in reverse pop order so slot 0 holds the
	// leftmost (deepest-pushed) operand.
	for i, v := range popped {
		ins.Dependencies.AddOrMerge(uint32(arity-1-i), v)
	}
	if arity > 0 && ins.Opcode.OperandType == constants.OperandRegister {
		next.SetRegister(ins.Operand.Register, symval.New(symval.Source(ins.Offset), constants.TypeUnknown))
	}

	push := ins.Opcode.Push
	var pushCount uint32
	switch {
	case push.IsVariadic():
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: "compound push variant reached the default instruction path"}
	case push.Arity() == 0:
		// no push
	case push.Arity() == 1:
		next.Stack.Push(symval.New(symval.Source(ins.Offset), push.SlotType(0)))
		pushCount = 1
	default:
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: "compound push variant reached the default instruction path"}
	}

	header := instr.AnnotationHeader{InferredPop: uint32(arity), InferredPush: pushCount}

	switch ins.Opcode.Flow {
	case constants.FlowNext:
		ins.Annotation = instr.PlainAnnotation{AnnotationHeader: header}
		return []*state.State{next}, nil

	case constants.FlowJump:
		disasm.MarkBlockHeader(next.IP)
		targets, err := inferJumpTargets(disasm, d.opts.Emulator, ins)
		if err != nil {
			d.log.Warnf("jump target inference failed at 0x%x: %v", ins.Offset, err)
			ins.Annotation = instr.JumpAnnotation{AnnotationHeader: header}
			return nil, nil
		}
		next.IP = targets[0]
		disasm.MarkBlockHeader(next.IP)
		ins.Annotation = instr.JumpAnnotation{AnnotationHeader: header, InferredTargets: targets}
		return []*state.State{next}, nil

	case constants.FlowConditionalJump:
		var successors []*state.State
		targets, err := inferJumpTargets(disasm, d.opts.Emulator, ins)
		if err != nil {
			d.log.Warnf("conditional jump target inference failed at 0x%x: %v", ins.Offset, err)
		} else {
			for _, t := range targets {
				clone := next.Clone()
				clone.IP = t
				disasm.MarkBlockHeader(t)
				successors = append(successors, clone)
			}
		}
		disasm.MarkBlockHeader(next.IP)
		successors = append(successors, next)
		ins.Annotation = instr.JumpAnnotation{AnnotationHeader: header, InferredTargets: targets}
		return successors, nil

	default:
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: fmt.Sprintf("flow control %v reached the default instruction path", ins.Opcode.Flow)}
	}
}

// inferJumpTargets resolves the address-valued final dependency slot to one
// concrete target per data source. A source outside the partial emulator's
// supported subset fails the whole inference (the caller treats the targets
// as unknown rather than reporting a partial set).
func inferJumpTargets(arena emulator.Arena, emuOpts emulator.Options, ins *instr.Instruction) ([]uint64, error) {
	if ins.Dependencies.Len() == 0 {
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: "jump instruction has no address dependency"}
	}
	addr, ok := ins.Dependencies.Get(uint32(ins.Dependencies.Len() - 1))
	if !ok {
		return nil, &vmerr.InternalError{Offset: ins.Offset, Reason: "jump address dependency slot missing"}
	}
	var targets []uint64
	for _, src := range addr.Sources() {
		t, err := emulator.NewWithOptions(arena, emuOpts).Resolve(symval.New(src, constants.TypeUnknown))
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}
