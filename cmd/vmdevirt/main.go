// Command vmdevirt runs the devirtualization worklist over a set of exports
// and reports the recovered control-flow and data dependencies. Without a
// real host-binary reader wired in, it falls back to a small in-memory demo
// program exercising a conditional branch and a cross-export call -- enough
// to see the driver, the partial emulator, and the exit-key re-seeding loop
// all run end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/arcturus-re/vmdevirt/internal/config"
	"github.com/arcturus-re/vmdevirt/internal/constants"
	"github.com/arcturus-re/vmdevirt/internal/decoder"
	"github.com/arcturus-re/vmdevirt/internal/diag"
	"github.com/arcturus-re/vmdevirt/internal/disasm"
	"github.com/arcturus-re/vmdevirt/internal/emulator"
	"github.com/arcturus-re/vmdevirt/internal/explorer"
	"github.com/arcturus-re/vmdevirt/internal/hostimage"
	"github.com/arcturus-re/vmdevirt/internal/instr"
	"github.com/arcturus-re/vmdevirt/internal/metadata"
	"github.com/arcturus-re/vmdevirt/internal/xref"
)

// Build-time metadata, set via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config.toml (defaults to the platform config path)")
		verbose     = flag.Bool("verbose", false, "enable debug-level logging")
		reportPath  = flag.String("report", "", "write the cross-reference report to this path (defaults to config's report.output_file)")
		explore     = flag.Bool("explore", false, "open the read-only terminal browser over the finished disassembly")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vmdevirt %s (commit %s, built %s)\n", Version, Commit, Date)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmdevirt: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Verbose = true
	}

	log := diag.NewStdLogger(os.Stderr, cfg.Logging.Verbose)

	consts, prog, meta, exports := demoProgram()

	// The demo stream occupies one contiguous section of the host binary;
	// exports whose entry offsets fall outside it cannot be seeded.
	body := hostimage.NewSection(0x10, make([]byte, 0x200))

	driver := disasm.NewWithOptions(consts, prog, meta, log, driverOptions(cfg))
	for id, info := range exports {
		if !body.Contains(info.EntryOffset) {
			log.Warnf("export #%d entry 0x%x lies outside the instruction-stream section, skipping", id, info.EntryOffset)
			continue
		}
		driver.RegisterExport(id, info)
	}

	if err := driver.Run(); err != nil {
		if cfg.Worklist.AbortOnFatal {
			fmt.Fprintf(os.Stderr, "vmdevirt: devirtualization aborted: %v\n", err)
			os.Exit(1)
		}
		log.Errorf("devirtualization incomplete: %v", err)
	}

	report := xref.Build(driver)

	out := *reportPath
	if out == "" {
		out = cfg.Report.OutputFile
	}
	if err := writeReport(out, driver, report, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vmdevirt: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote report to %s (%d exports, %d unresolved calls)\n", out, len(exports), len(report.Unresolved))

	if *explore {
		if err := explorer.New(driver, report, cfg).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "vmdevirt: explorer: %v\n", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func driverOptions(cfg *config.Config) disasm.Options {
	return disasm.Options{
		FIFOAgenda:          cfg.Worklist.AgendaOrder == "fifo",
		MaxReseedIterations: cfg.Worklist.MaxReseedIterations,
		Emulator: emulator.Options{
			MaxDepth:         cfg.Emulator.MaxDependencyDepth,
			LenientRegisters: !cfg.Emulator.StrictRegisters,
		},
	}
}

type jsonReport struct {
	Exports    []jsonExport          `json:"exports"`
	Calls      []xref.CallEdge       `json:"calls"`
	Unresolved []xref.UnresolvedCall `json:"unresolved_calls,omitempty"`
}

type jsonExport struct {
	ID           uint32   `json:"id"`
	EntryOffset  uint64   `json:"entry_offset"`
	ExitKey      *uint32  `json:"exit_key,omitempty"`
	Instructions int      `json:"instruction_count"`
	BlockHeaders []uint64 `json:"block_headers,omitempty"`
}

func writeReport(path string, driver *disasm.Driver, report *xref.Report, cfg *config.Config) error {
	var data []byte
	var err error
	switch cfg.Report.Format {
	case "text":
		data = []byte(textReport(driver, report, cfg))
	default:
		data, err = json.MarshalIndent(buildJSONReport(driver, report, cfg), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func buildJSONReport(driver *disasm.Driver, report *xref.Report, cfg *config.Config) jsonReport {
	out := jsonReport{Calls: report.Calls}
	if cfg.Report.IncludeUnresolved {
		out.Unresolved = report.Unresolved
	}
	for id, entry := range driver.Exports() {
		je := jsonExport{
			ID:           id,
			EntryOffset:  entry.Info.EntryOffset,
			Instructions: len(entry.Disasm.Instructions),
		}
		if cfg.Report.IncludeBlockMap {
			je.BlockHeaders = entry.Disasm.SortedBlockHeaders()
		}
		if key, known := entry.Info.ExitKey(); known {
			je.ExitKey = &key
		}
		out.Exports = append(out.Exports, je)
	}
	return out
}

func textReport(driver *disasm.Driver, report *xref.Report, cfg *config.Config) string {
	var b strings.Builder
	for id, entry := range driver.Exports() {
		fmt.Fprintf(&b, "export #%d @ 0x%x: %d instructions", id, entry.Info.EntryOffset, len(entry.Disasm.Instructions))
		if key, known := entry.Info.ExitKey(); known {
			fmt.Fprintf(&b, ", exit key 0x%x", key)
		} else {
			b.WriteString(", exit key unresolved")
		}
		b.WriteByte('\n')
		if cfg.Report.IncludeBlockMap {
			for _, h := range entry.Disasm.SortedBlockHeaders() {
				fmt.Fprintf(&b, "  block 0x%x\n", h)
			}
		}
	}
	for _, c := range report.Calls {
		fmt.Fprintf(&b, "call #%d@0x%x -> #%d (0x%x)\n", c.FromExport, c.FromOffset, c.ToExport, c.ToAddress)
	}
	if cfg.Report.IncludeUnresolved {
		for _, u := range report.Unresolved {
			fmt.Fprintf(&b, "unresolved call #%d@0x%x\n", u.Export, u.Offset)
		}
	}
	return b.String()
}

// demoProgram builds two exports: "Main", whose body branches on a
// conditional jump and whose fall-through arm calls the second export, and
// "Add1", the linear PUSHR_DWORD R0; PUSHI_DWORD 1; ADD_DWORD; RET body the
// call resumes past once Add1's exit key is pinned.
func demoProgram() (*constants.VMConstants, *decoder.Program, metadata.Image, map[uint32]*instr.ExportInfo) {
	const (
		codeAdd     constants.ILCode = 1
		codePushReg constants.ILCode = 2
		codePushImm constants.ILCode = 3
		codeRet     constants.ILCode = 4
		codeCall    constants.ILCode = 5
		codeJCond   constants.ILCode = 6
	)

	opcodes := constants.OpcodeTable{
		ByCode: map[constants.ILCode]constants.OpCodeDescriptor{
			codePushReg: {Code: codePushReg, Mnemonic: "PUSHR_DWORD", Pop: constants.None, Push: constants.PushDword, OperandType: constants.OperandRegister, Flow: constants.FlowNext},
			codePushImm: {Code: codePushImm, Mnemonic: "PUSHI_DWORD", Pop: constants.None, Push: constants.PushDword, OperandType: constants.OperandImmediate, Flow: constants.FlowNext},
			codeAdd:     {Code: codeAdd, Mnemonic: "ADD_DWORD", Pop: constants.PopDwordDword, Push: constants.PushDword, Flow: constants.FlowNext},
			codeRet:     {Code: codeRet, Mnemonic: "RET", Pop: constants.PopDword, Push: constants.None, Flow: constants.FlowReturn},
			codeCall:    {Code: codeCall, Mnemonic: "CALL", Pop: constants.PopVar, Push: constants.PushVar, Flow: constants.FlowCall},
			codeJCond:   {Code: codeJCond, Mnemonic: "JCOND", Pop: constants.PopDword, Push: constants.None, Flow: constants.FlowConditionalJump},
		},
		Call: codeCall,
		Ret:  codeRet,
	}

	consts := &constants.VMConstants{
		Registers: constants.RegisterSet{FL: 100, R0: 101},
		Opcodes:   opcodes,
	}

	prog := decoder.NewProgram()
	const (
		mainKey = 0xAAAAAAAA
		addKey  = 0xBBBBBBBB
		addExit = 0xCAFEBABE
	)

	// Main at 0x10: branch to 0x40 or fall through into the call to Add1.
	prog.Add(0x10, mainKey, instr.Instruction{Offset: 0x10, Size: 5, Opcode: opcodes.ByCode[codePushImm], Operand: instr.Operand{Immediate: 0x40}}, mainKey)
	prog.Add(0x15, mainKey, instr.Instruction{Offset: 0x15, Size: 1, Opcode: opcodes.ByCode[codeJCond]}, mainKey)
	// fall-through arm: call Add1, resume under its exit key
	prog.Add(0x16, mainKey, instr.Instruction{Offset: 0x16, Size: 5, Opcode: opcodes.ByCode[codePushImm], Operand: instr.Operand{Immediate: 0x100}}, mainKey)
	prog.Add(0x1B, mainKey, instr.Instruction{Offset: 0x1B, Size: 1, Opcode: opcodes.ByCode[codeCall]}, mainKey)
	prog.Add(0x1C, addExit, instr.Instruction{Offset: 0x1C, Size: 5, Opcode: opcodes.ByCode[codePushImm], Operand: instr.Operand{Immediate: 0}}, addExit)
	prog.Add(0x21, addExit, instr.Instruction{Offset: 0x21, Size: 1, Opcode: opcodes.ByCode[codeRet]}, mainKey)
	// taken arm
	prog.Add(0x40, mainKey, instr.Instruction{Offset: 0x40, Size: 5, Opcode: opcodes.ByCode[codePushImm], Operand: instr.Operand{Immediate: 0}}, mainKey)
	prog.Add(0x45, mainKey, instr.Instruction{Offset: 0x45, Size: 1, Opcode: opcodes.ByCode[codeRet]}, mainKey)

	// Add1 at 0x100.
	prog.Add(0x100, addKey, instr.Instruction{Offset: 0x100, Size: 2, Opcode: opcodes.ByCode[codePushReg], Operand: instr.Operand{Register: consts.Registers.R0}}, addKey)
	prog.Add(0x102, addKey, instr.Instruction{Offset: 0x102, Size: 5, Opcode: opcodes.ByCode[codePushImm], Operand: instr.Operand{Immediate: 1}}, addKey)
	prog.Add(0x107, addKey, instr.Instruction{Offset: 0x107, Size: 1, Opcode: opcodes.ByCode[codeAdd]}, addKey)
	prog.Add(0x108, addKey, instr.Instruction{Offset: 0x108, Size: 1, Opcode: opcodes.ByCode[codeRet]}, addExit)

	meta := metadata.NewMockImage()

	exports := map[uint32]*instr.ExportInfo{
		1: {EntryOffset: 0x10, EntryKey: mainKey, Signature: metadata.MethodSignature{Name: "Main"}},
		2: {EntryOffset: 0x100, EntryKey: addKey, Signature: metadata.MethodSignature{Name: "Add1", ReturnsValue: true}},
	}

	return consts, prog, meta, exports
}
