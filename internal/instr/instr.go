// Package instr holds the disassembler's data model: the per-instruction
// record, its operand and dependency bookkeeping, the tagged annotation
// produced by the instruction processor, and the per-export disassembly
// record the worklist driver assembles one instruction at a time.
package instr

import (
	"sort"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/metadata"
	"github.com/arcturus-re/vmdevirt/internal/symval"
)

// Operand is the instruction-local operand the raw byte reader decoded.
// Which field is meaningful is determined by Instruction.Opcode.OperandType.
type Operand struct {
	Register  constants.VMRegister
	Immediate uint64
	Token     uint32
}

// Dependencies is the ordered slot-index -> symbolic value mapping built up
// by the instruction processor as it pops operands. On the default
// instruction path slot 0 is the leftmost logical operand; TRY and VCALL
// number their slots in pop order instead.
type Dependencies struct {
	slots   []symval.Value
	present []bool
}

// AddOrMerge creates slot i if absent, otherwise merges v into the existing
// value at that slot.
func (d *Dependencies) AddOrMerge(i uint32, v symval.Value) {
	idx := int(i)
	for len(d.slots) <= idx {
		d.slots = append(d.slots, symval.Value{})
		d.present = append(d.present, false)
	}
	if d.present[idx] {
		d.slots[idx] = d.slots[idx].Merge(v)
		return
	}
	d.slots[idx] = v
	d.present[idx] = true
}

// Get returns the value at slot i, if any.
func (d *Dependencies) Get(i uint32) (symval.Value, bool) {
	idx := int(i)
	if idx < 0 || idx >= len(d.present) || !d.present[idx] {
		return symval.Value{}, false
	}
	return d.slots[idx], true
}

// Len reports how many dependency slots have been recorded. By invariant
// this equals the instruction's inferred_pop after the processor runs.
func (d *Dependencies) Len() int {
	n := 0
	for _, p := range d.present {
		if p {
			n++
		}
	}
	return n
}

// AnnotationHeader is the common fields every annotation flavor exposes.
type AnnotationHeader struct {
	InferredPop  uint32
	InferredPush uint32
}

// Annotation is implemented by every tagged annotation flavor; all
// expose the shared header uniformly regardless of flavor.
type Annotation interface {
	Header() AnnotationHeader
}

// PlainAnnotation is attached to ordinary arithmetic/load/store/branch
// instructions.
type PlainAnnotation struct {
	AnnotationHeader
}

func (a PlainAnnotation) Header() AnnotationHeader { return a.AnnotationHeader }

// JumpAnnotation is attached to Jump and ConditionalJump instructions once
// their targets have been inferred (or left empty on inference failure).
type JumpAnnotation struct {
	AnnotationHeader
	InferredTargets []uint64
}

func (a JumpAnnotation) Header() AnnotationHeader { return a.AnnotationHeader }

// CallAnnotation is attached to a resolved CALL instruction.
type CallAnnotation struct {
	AnnotationHeader
	Address      uint64
	Signature    metadata.MethodSignature
	ExportID     uint32
	ReturnsValue bool
}

func (a CallAnnotation) Header() AnnotationHeader { return a.AnnotationHeader }

// VCallPayload carries whichever fields a particular VCALL sub-opcode
// needed once its operands were inferred to concrete values. Only the
// fields relevant to Op are populated; the rest are zero.
type VCallPayload struct {
	Token      metadata.Token
	Type       *metadata.TypeRef
	Method     *metadata.MethodSignature
	FieldName  string
	Size       uint32
	RawOperand uint64
}

// VCallAnnotation is attached to a resolved VCALL instruction. It
// shares the same header shape as every other annotation; only the payload
// is sub-opcode specific.
type VCallAnnotation struct {
	AnnotationHeader
	Op      constants.VCallOp
	Payload VCallPayload
}

func (a VCallAnnotation) Header() AnnotationHeader { return a.AnnotationHeader }

// Instruction is one decoded instruction. Its shape is immutable after
// decode; Dependencies and Annotation are filled incrementally as the
// processor visits it.
type Instruction struct {
	Offset       uint64
	Size         uint8
	Opcode       constants.OpCodeDescriptor
	Operand      Operand
	Dependencies Dependencies
	Annotation   Annotation
}

// ExportInfo is the entry-point record for one devirtualized method.
type ExportInfo struct {
	EntryOffset uint64
	EntryKey    uint32
	Signature   metadata.MethodSignature

	exitKey      uint32
	exitKeyKnown bool
}

// ExitKey returns the resolved exit key, if any.
func (e *ExportInfo) ExitKey() (uint32, bool) {
	return e.exitKey, e.exitKeyKnown
}

// SetExitKey pins the export's exit key the first time a RET reaches it.
// It reports whether this call was the one that pinned it (true) versus an
// already-known key being confirmed or contradicted (false); in the latter
// case the known key is left in place.
func (e *ExportInfo) SetExitKey(key uint32) (pinned bool) {
	if !e.exitKeyKnown {
		e.exitKey = key
		e.exitKeyKnown = true
		return true
	}
	return false
}

// VMExportDisassembly is the per-export disassembly record mutated in place
// by the worklist driver and the instruction processor. It also serves as
// the instruction arena referenced by symbolic values' data sources.
type VMExportDisassembly struct {
	Export            *ExportInfo
	Instructions      map[uint64]*Instruction
	BlockHeaders      map[uint64]struct{}
	UnresolvedOffsets map[uint64]struct{}
}

// NewVMExportDisassembly seeds an empty disassembly record for an export,
// with the entry offset pre-registered as a block header.
func NewVMExportDisassembly(export *ExportInfo) *VMExportDisassembly {
	d := &VMExportDisassembly{
		Export:            export,
		Instructions:      make(map[uint64]*Instruction),
		BlockHeaders:      make(map[uint64]struct{}),
		UnresolvedOffsets: make(map[uint64]struct{}),
	}
	d.MarkBlockHeader(export.EntryOffset)
	return d
}

// Get implements the emulator's Arena contract: it looks up a previously
// decoded instruction by offset.
func (d *VMExportDisassembly) Get(offset uint64) (*Instruction, bool) {
	i, ok := d.Instructions[offset]
	return i, ok
}

// Put records a newly decoded instruction and returns the canonical record
// at that offset. Instructions form a partial function from offsets: a
// re-visit under a different key hands back the already-recorded
// instruction, so dependencies and annotations accumulate on the one arena
// entry every symbolic value's data sources point at.
func (d *VMExportDisassembly) Put(i *Instruction) *Instruction {
	if existing, exists := d.Instructions[i.Offset]; exists {
		return existing
	}
	d.Instructions[i.Offset] = i
	return i
}

// MarkBlockHeader records offset as beginning a basic block.
func (d *VMExportDisassembly) MarkBlockHeader(offset uint64) {
	d.BlockHeaders[offset] = struct{}{}
}

// AddUnresolved records offset as unresolved: a call site whose callee's
// exit key is not yet known, or an instruction whose state was dropped as
// Unsupported.
func (d *VMExportDisassembly) AddUnresolved(offset uint64) {
	d.UnresolvedOffsets[offset] = struct{}{}
}

// RemoveUnresolved clears offset once its callee's exit key becomes known.
func (d *VMExportDisassembly) RemoveUnresolved(offset uint64) {
	delete(d.UnresolvedOffsets, offset)
}

// SortedOffsets returns every recorded instruction offset in ascending
// order, the natural listing order for disassembly output.
func (d *VMExportDisassembly) SortedOffsets() []uint64 {
	out := make([]uint64, 0, len(d.Instructions))
	for off := range d.Instructions {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortedBlockHeaders returns every recorded block header in ascending
// order.
func (d *VMExportDisassembly) SortedBlockHeaders() []uint64 {
	out := make([]uint64, 0, len(d.BlockHeaders))
	for off := range d.BlockHeaders {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
