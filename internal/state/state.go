// Package state implements the program state the worklist driver fans out
// across the agenda. A state is owned exclusively by whichever agenda slot
// holds it; forking it for a successor is always an explicit, deep Clone.
package state

import (
	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/ehframe"
	"github.com/arcturus-re/vmdevirt/internal/symval"
)

// Key identifies a worklist agenda slot: the decode position plus the
// stream-cipher key needed to decode the instruction there. Two states
// scheduled at the same Key must agree on stack depth; a
// mismatch is a processor or decoder bug, not something the core recovers
// from at runtime.
type Key struct {
	IP  uint64
	Key uint32
}

// State is one point in the symbolic exploration of an export's
// instruction stream.
type State struct {
	IP        uint64
	StreamKey uint32
	Stack     *symval.Stack
	EH        *ehframe.Stack
	Registers map[constants.VMRegister]symval.Value
}

// New creates the initial state seeded at an export's entry point:
// empty stacks, empty registers.
func New(ip uint64, streamKey uint32) *State {
	return &State{
		IP:        ip,
		StreamKey: streamKey,
		Stack:     symval.NewStack(),
		EH:        ehframe.NewStack(),
		Registers: make(map[constants.VMRegister]symval.Value),
	}
}

// AgendaKey returns the (ip, key) pair used to dedupe the worklist's
// visited set.
func (s *State) AgendaKey() Key { return Key{IP: s.IP, Key: s.StreamKey} }

// Clone performs the deep copy required before fanning a state out into
// multiple successors: the stacks are copied, and the register map is
// copied shallowly (its symval.Value entries are immutable, so sharing
// them across clones is safe).
func (s *State) Clone() *State {
	regs := make(map[constants.VMRegister]symval.Value, len(s.Registers))
	for k, v := range s.Registers {
		regs[k] = v
	}
	return &State{
		IP:        s.IP,
		StreamKey: s.StreamKey,
		Stack:     s.Stack.Clone(),
		EH:        s.EH.Clone(),
		Registers: regs,
	}
}

// SetRegister writes a symbolic value into a VM register.
func (s *State) SetRegister(r constants.VMRegister, v symval.Value) {
	s.Registers[r] = v
}

// Register reads the current symbolic value of a VM register, if written.
func (s *State) Register(r constants.VMRegister) (symval.Value, bool) {
	v, ok := s.Registers[r]
	return v, ok
}
