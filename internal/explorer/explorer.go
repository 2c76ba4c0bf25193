// Package explorer is a read-only terminal browser over a finished set of
// export disassemblies: a list of exports on the left, the annotated
// instruction listing of the selected export in the middle, and its callers
// and callees on the right. It
// never mutates a disasm.Driver -- there is no live, steppable session here,
// only a static view over results the worklist driver already produced.
package explorer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/arcturus-re/vmdevirt/internal/config"
	"github.com/arcturus-re/vmdevirt/internal/disasm"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/xref"
)

// Browser is a single read-only tview session over one driver's finished
// results.
type Browser struct {
	app    *tview.Application
	driver *disasm.Driver
	report *xref.Report
	cfg    *config.Config

	exportList *tview.List
	listing    *tview.TextView
	detail     *tview.TextView
}

// New builds a Browser over driver's registered exports and the
// cross-reference report computed from them.
func New(driver *disasm.Driver, report *xref.Report, cfg *config.Config) *Browser {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	b := &Browser{
		app:    tview.NewApplication(),
		driver: driver,
		report: report,
		cfg:    cfg,
	}
	b.build()
	return b
}

// Run starts the terminal UI event loop. It blocks until the user quits
// (q or Ctrl-C).
func (b *Browser) Run() error {
	return b.app.Run()
}

func (b *Browser) build() {
	b.exportList = tview.NewList().ShowSecondaryText(true)
	b.exportList.SetBorder(true).SetTitle(" Exports ")

	b.listing = tview.NewTextView().SetDynamicColors(b.cfg.Explorer.ColorOutput).SetScrollable(true)
	b.listing.SetBorder(true).SetTitle(" Instructions ")

	b.detail = tview.NewTextView().SetDynamicColors(b.cfg.Explorer.ColorOutput)
	b.detail.SetBorder(true).SetTitle(" Cross-references ")

	exports := b.driver.Exports()
	ids := make([]uint32, 0, len(exports))
	for id := range exports {
		ids = append(ids, id)
	}
	for _, id := range sortUint32(ids) {
		entry := exports[id]
		id := id
		secondary := entry.Info.Signature.Name
		if _, known := entry.Info.ExitKey(); !known {
			secondary += " (exit key unresolved)"
		}
		b.exportList.AddItem(fmt.Sprintf("export #%d @ 0x%x", id, entry.Info.EntryOffset), secondary, 0, func() {
			b.showExport(id)
		})
	}

	flex := tview.NewFlex().
		AddItem(b.exportList, 36, 0, true).
		AddItem(b.listing, 0, 2, false).
		AddItem(b.detail, 36, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q':
			b.app.Stop()
			return nil
		}
		return event
	})

	b.app.SetRoot(flex, true)

	if len(ids) > 0 {
		b.showExport(sortUint32(ids)[0])
	}
}

func (b *Browser) showExport(id uint32) {
	entry, ok := b.driver.Export(id)
	if !ok {
		return
	}

	var listing strings.Builder
	for _, offset := range entry.Disasm.SortedOffsets() {
		ins := entry.Disasm.Instructions[offset]
		if _, isHeader := entry.Disasm.BlockHeaders[offset]; isHeader {
			fmt.Fprintf(&listing, "[yellow]block_0x%x:[-]\n", offset)
		}
		fmt.Fprintf(&listing, "  0x%08x  %-16s %s\n", offset, ins.Opcode.Mnemonic, annotationSummary(ins))
	}
	b.listing.SetText(listing.String())

	var detail strings.Builder
	fmt.Fprintf(&detail, "callers:\n")
	for _, c := range b.report.CallersOf(id) {
		fmt.Fprintf(&detail, "  #%d @ 0x%x\n", c.FromExport, c.FromOffset)
	}
	fmt.Fprintf(&detail, "\ncallees:\n")
	for _, c := range b.report.CalleesOf(id) {
		fmt.Fprintf(&detail, "  #%d @ 0x%x\n", c.ToExport, c.FromOffset)
	}
	b.detail.SetText(detail.String())
}

func annotationSummary(ins *instr.Instruction) string {
	switch a := ins.Annotation.(type) {
	case instr.CallAnnotation:
		return fmt.Sprintf("-> export #%d (0x%x)", a.ExportID, a.Address)
	case instr.JumpAnnotation:
		if len(a.InferredTargets) == 0 {
			return "-> ? (unresolved)"
		}
		parts := make([]string, len(a.InferredTargets))
		for i, t := range a.InferredTargets {
			parts[i] = fmt.Sprintf("0x%x", t)
		}
		return "-> " + strings.Join(parts, ", ")
	case instr.VCallAnnotation:
		return fmt.Sprintf("vcall %s", a.Op)
	default:
		return ""
	}
}

func sortUint32(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
