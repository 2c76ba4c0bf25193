// Package decoder defines the contract with the instruction decoder:
// a function that decrypts one instruction at a given offset under a given
// stream-cipher key and reports the key the next instruction will use. The
// core never implements this itself -- it is provided by the host binary's
// embedded instruction-stream reader.
package decoder

import "github.com/arcturus-re/vmdevirt/internal/instr"

// Decoder decodes one instruction at offset under the stream-cipher state
// key, returning the decoded instruction and the key the instruction that
// follows it will be decoded under. Because the stream is self-modifying,
// the same offset may legitimately decode to different instructions under
// different keys. The worklist driver nevertheless keeps one instruction
// record per offset: the first decode at an offset fixes it, and later
// decodes there only supply the next key.
type Decoder interface {
	Decode(offset uint64, key uint32) (instr.Instruction, uint32, error)
}
