// Package xref builds a cross-reference report over a finished set of
// export disassemblies: the inter-export call graph, every jump/branch edge
// discovered within each export, and the call sites still waiting on an
// unresolved callee. It reads a disasm.Driver after Run has reached a fixed
// point and produces a report; it never mutates the driver's state.
package xref

import (
	"sort"

	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/disasm"
	"github.com/arcturus-re/vmdevirt/internal/instr"
)

// ReferenceType classifies one edge in the cross-reference graph.
type ReferenceType uint8

const (
	RefCall ReferenceType = iota
	RefJump
	RefConditionalJump
)

func (t ReferenceType) String() string {
	switch t {
	case RefCall:
		return "call"
	case RefJump:
		return "jump"
	case RefConditionalJump:
		return "conditional-jump"
	default:
		return "unknown"
	}
}

// CallEdge records one resolved CALL site and the export it targets.
type CallEdge struct {
	FromExport uint32
	FromOffset uint64
	ToExport   uint32
	ToAddress  uint64
}

// JumpEdge records one intra-export branch and its inferred targets. Targets
// is empty when inference failed.
type JumpEdge struct {
	Export      uint32
	FromOffset  uint64
	Targets     []uint64
	Conditional bool
}

// UnresolvedCall records an offset still unresolved when the report was
// built: a call site whose callee's exit key was never resolved, or an
// instruction whose state was dropped as Unsupported.
type UnresolvedCall struct {
	Export uint32
	Offset uint64
}

// Report is the complete cross-reference over a set of exports.
type Report struct {
	Calls      []CallEdge
	Jumps      []JumpEdge
	Unresolved []UnresolvedCall

	// Cycles lists every strongly-connected set of two or more exports found
	// in the call graph, plus any export that calls itself directly. Mutual
	// recursion is legal; this is informational, never an error.
	Cycles [][]uint32

	callers map[uint32][]CallEdge
	callees map[uint32][]CallEdge
}

// Build walks every registered export's finished disassembly and assembles
// the cross-reference report. Call Build only after the driver's Run has
// returned.
func Build(d *disasm.Driver) *Report {
	r := &Report{
		callers: make(map[uint32][]CallEdge),
		callees: make(map[uint32][]CallEdge),
	}

	exports := d.Exports()
	ids := make([]uint32, 0, len(exports))
	for id := range exports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		entry := exports[id]
		for _, offset := range entry.Disasm.SortedOffsets() {
			ins := entry.Disasm.Instructions[offset]
			switch a := ins.Annotation.(type) {
			case instr.CallAnnotation:
				edge := CallEdge{FromExport: id, FromOffset: offset, ToExport: a.ExportID, ToAddress: a.Address}
				r.Calls = append(r.Calls, edge)
				r.callees[id] = append(r.callees[id], edge)
				r.callers[a.ExportID] = append(r.callers[a.ExportID], edge)
			case instr.JumpAnnotation:
				r.Jumps = append(r.Jumps, JumpEdge{
					Export:      id,
					FromOffset:  offset,
					Targets:     a.InferredTargets,
					Conditional: ins.Opcode.Flow == constants.FlowConditionalJump,
				})
			}
		}
		for offset := range entry.Disasm.UnresolvedOffsets {
			r.Unresolved = append(r.Unresolved, UnresolvedCall{Export: id, Offset: offset})
		}
	}

	sort.Slice(r.Unresolved, func(i, j int) bool {
		if r.Unresolved[i].Export != r.Unresolved[j].Export {
			return r.Unresolved[i].Export < r.Unresolved[j].Export
		}
		return r.Unresolved[i].Offset < r.Unresolved[j].Offset
	})

	r.Cycles = findCycles(ids, r.callees)

	return r
}

// sccFinder runs Tarjan's strongly-connected-components algorithm over the
// call graph so mutual recursion among exports can be surfaced without
// ever treating it as an error.
type sccFinder struct {
	adj     map[uint32][]uint32
	index   map[uint32]int
	lowlink map[uint32]int
	onStack map[uint32]bool
	stack   []uint32
	counter int
	out     [][]uint32
}

// findCycles returns every strongly-connected component of size >= 2 among
// exports, plus any export with a direct self-call, each sorted ascending.
// ids fixes iteration order so the result is deterministic.
func findCycles(ids []uint32, callees map[uint32][]CallEdge) [][]uint32 {
	adj := make(map[uint32][]uint32, len(callees))
	for from, edges := range callees {
		seen := make(map[uint32]bool, len(edges))
		for _, e := range edges {
			if !seen[e.ToExport] {
				seen[e.ToExport] = true
				adj[from] = append(adj[from], e.ToExport)
			}
		}
	}

	f := &sccFinder{
		adj:     adj,
		index:   make(map[uint32]int),
		lowlink: make(map[uint32]int),
		onStack: make(map[uint32]bool),
	}
	for _, id := range ids {
		if _, visited := f.index[id]; !visited {
			f.strongConnect(id)
		}
	}

	sort.Slice(f.out, func(i, j int) bool { return f.out[i][0] < f.out[j][0] })
	return f.out
}

func (f *sccFinder) strongConnect(v uint32) {
	f.index[v] = f.counter
	f.lowlink[v] = f.counter
	f.counter++
	f.stack = append(f.stack, v)
	f.onStack[v] = true

	for _, w := range f.adj[v] {
		if _, visited := f.index[w]; !visited {
			f.strongConnect(w)
			if f.lowlink[w] < f.lowlink[v] {
				f.lowlink[v] = f.lowlink[w]
			}
		} else if f.onStack[w] {
			if f.index[w] < f.lowlink[v] {
				f.lowlink[v] = f.index[w]
			}
		}
	}

	if f.lowlink[v] != f.index[v] {
		return
	}

	var component []uint32
	for {
		n := len(f.stack) - 1
		w := f.stack[n]
		f.stack = f.stack[:n]
		f.onStack[w] = false
		component = append(component, w)
		if w == v {
			break
		}
	}

	selfLoop := len(component) == 1 && hasEdge(f.adj[v], v)
	if len(component) > 1 || selfLoop {
		sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
		f.out = append(f.out, component)
	}
}

func hasEdge(targets []uint32, to uint32) bool {
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// CallersOf returns every call edge targeting exportID.
func (r *Report) CallersOf(exportID uint32) []CallEdge {
	return r.callers[exportID]
}

// CalleesOf returns every call edge originating from exportID.
func (r *Report) CalleesOf(exportID uint32) []CallEdge {
	return r.callees[exportID]
}

// IsComplete reports whether no offset was left unresolved: every call site
// resolved to a known exit key and no state was dropped as Unsupported.
func (r *Report) IsComplete() bool {
	return len(r.Unresolved) == 0
}
