package dwarfdata

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"io"
	"sort"
)

// Index is the loaded, queryable view of one binary's debug info.
type Index struct {
	lines []LineEntry // sorted by Addr across all compilation units
	funcs []*funcEntry
	byLow map[uint64]*funcEntry
}

type funcEntry struct {
	FunctionInfo
	variables []Variable
}

// Load opens path as an ELF binary, extracts its DWARF data, and builds
// the line table + subprogram + variable indexes this adapter serves
// queries from. Mirrors derekparker/delve's LoadInformation/findExecutable,
// generalized from Go-specific .gosymtab/.gopclntab to generic DWARF.
func Load(path string) (*Index, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s as ELF: %w", path, err)
	}
	defer f.Close()

	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("load DWARF from %s: %w", path, err)
	}

	idx := &Index{byLow: make(map[uint64]*funcEntry)}
	if err := idx.build(data); err != nil {
		return nil, err
	}

	sort.Slice(idx.lines, func(i, j int) bool { return idx.lines[i].Addr < idx.lines[j].Addr })

	return idx, nil
}

type scopeFrame struct {
	fn *funcEntry
}

func (idx *Index) build(data *dwarf.Data) error {
	r := data.Reader()
	var stack []scopeFrame

	for {
		entry, err := r.Next()
		if err != nil {
			return fmt.Errorf("walk DWARF entries: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		var enclosing *funcEntry
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].fn != nil {
				enclosing = stack[i].fn
				break
			}
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			idx.readLineTable(data, entry)
			// buildFunc looks up lines for this unit's subprograms, so
			// the table must already be sorted when they are reached.
			sort.Slice(idx.lines, func(i, j int) bool { return idx.lines[i].Addr < idx.lines[j].Addr })
			if entry.Children {
				stack = append(stack, scopeFrame{})
			}

		case dwarf.TagSubprogram:
			fe := idx.buildFunc(entry)
			idx.funcs = append(idx.funcs, fe)
			if fe.LowPC != 0 {
				idx.byLow[fe.LowPC] = fe
			}
			if entry.Children {
				stack = append(stack, scopeFrame{fn: fe})
			}

		case dwarf.TagVariable, dwarf.TagFormalParameter:
			if enclosing != nil {
				if v, ok := idx.buildVariable(data, entry); ok {
					enclosing.variables = append(enclosing.variables, v)
				}
			}
			if entry.Children {
				stack = append(stack, scopeFrame{})
			}

		default:
			if entry.Children {
				stack = append(stack, scopeFrame{})
			}
		}
	}

	return nil
}

func (idx *Index) readLineTable(data *dwarf.Data, cu *dwarf.Entry) {
	lr, err := data.LineReader(cu)
	if err != nil || lr == nil {
		return
	}

	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
		if le.EndSequence || le.File == nil {
			continue
		}
		idx.lines = append(idx.lines, LineEntry{
			Addr:   le.Address,
			File:   le.File.Name,
			Line:   le.Line,
			IsStmt: le.IsStmt,
		})
	}
}

func (idx *Index) buildFunc(entry *dwarf.Entry) *funcEntry {
	fe := &funcEntry{}
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		fe.Name = name
	}
	if low, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
		fe.LowPC = low
	}
	fe.HighPC = highPC(entry, fe.LowPC)

	if line, ok := entry.Val(dwarf.AttrDeclLine).(int64); ok {
		fe.Line = int(line)
	}
	if file, line, ok := idx.lineFromAddrLocked(fe.LowPC); ok {
		fe.File = file
		if fe.Line == 0 {
			fe.Line = line
		}
	}
	return fe
}

// highPC normalizes DW_AT_high_pc, whose form may encode either an
// absolute address (class address) or a length relative to low pc
// (class constant), per the DWARF4+ "highpc as offset" convention.
func highPC(entry *dwarf.Entry, low uint64) uint64 {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return v
	case int64:
		return low + uint64(v)
	default:
		return low
	}
}

func (idx *Index) buildVariable(data *dwarf.Data, entry *dwarf.Entry) (Variable, bool) {
	name, ok := entry.Val(dwarf.AttrName).(string)
	if !ok || name == "" {
		return Variable{}, false
	}

	locExpr, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok {
		// Location lists (DW_FORM_sec_offset) aren't resolved here;
		// only a single fixed-location scalar is read back.
		return Variable{}, false
	}
	loc, err := decodeLocation(locExpr)
	if err != nil {
		return Variable{}, false
	}

	v := Variable{Name: name, Location: loc}

	if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		if typ, err := data.Type(off); err == nil {
			v.TypeName = typ.String()
			v.Size = typ.Common().ByteSize
		}
	}

	return v, true
}

// --- Queries -----------------------------------------------------------

// AddrForLine resolves a source line to an address. A nil file matches
// the first line-table entry for that line regardless of file; a
// non-nil file requires both to match.
func (idx *Index) AddrForLine(file *string, line int) (uint64, bool) {
	best := uint64(0)
	found := false
	for _, le := range idx.lines {
		if le.Line != line || !le.IsStmt {
			continue
		}
		if file != nil && le.File != *file {
			continue
		}
		if !found || le.Addr < best {
			best = le.Addr
			found = true
		}
	}
	return best, found
}

// AddrForFunction resolves a function name (optionally scoped to file)
// to its entry address.
func (idx *Index) AddrForFunction(file *string, name string) (uint64, bool) {
	for _, fe := range idx.funcs {
		if fe.Name != name {
			continue
		}
		if file != nil && fe.File != *file {
			continue
		}
		return fe.LowPC, true
	}
	return 0, false
}

// LineFromAddr resolves an address to the source line active at that
// address (the line table entry with the greatest address <= addr).
func (idx *Index) LineFromAddr(addr uint64) (string, int, bool) {
	return idx.lineFromAddrLocked(addr)
}

func (idx *Index) lineFromAddrLocked(addr uint64) (string, int, bool) {
	// idx.lines is sorted by Addr; find the last entry <= addr.
	n := sort.Search(len(idx.lines), func(i int) bool { return idx.lines[i].Addr > addr })
	if n == 0 {
		return "", 0, false
	}
	le := idx.lines[n-1]
	return le.File, le.Line, true
}

// FunctionFromAddr resolves an address to the enclosing function name.
func (idx *Index) FunctionFromAddr(addr uint64) (string, bool) {
	for _, fe := range idx.funcs {
		if addr >= fe.LowPC && addr < fe.HighPC {
			return fe.Name, true
		}
	}
	return "", false
}

// VariableInScope looks up name among the variables declared in the
// function enclosing pc.
func (idx *Index) VariableInScope(pc uint64, name string) (Variable, bool) {
	for _, fe := range idx.funcs {
		if pc < fe.LowPC || pc >= fe.HighPC {
			continue
		}
		for _, v := range fe.variables {
			if v.Name == name {
				return v, true
			}
		}
	}
	return Variable{}, false
}

// EffectiveAddr resolves a variable's Location against a live rbp.
func EffectiveAddr(loc Location, rbp uint64) uint64 { return effectiveAddr(loc, rbp) }

// Functions enumerates every known subprogram, for the natural-language
// breakpoint resolver's offline pattern matcher and remote-prompt context.
func (idx *Index) Functions() []FunctionInfo {
	out := make([]FunctionInfo, 0, len(idx.funcs))
	for _, fe := range idx.funcs {
		out = append(out, fe.FunctionInfo)
	}
	return out
}

// Files enumerates every distinct source file named in the line table or
// a function's declaration.
func (idx *Index) Files() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(f string) {
		if f == "" || seen[f] {
			return
		}
		seen[f] = true
		out = append(out, f)
	}
	for _, le := range idx.lines {
		add(le.File)
	}
	for _, fe := range idx.funcs {
		add(fe.File)
	}
	sort.Strings(out)
	return out
}

// MainSourcePath is a best-effort guess at the file housing main(),
// used to announce what was loaded at startup.
func (idx *Index) MainSourcePath() string {
	if fe, ok := idx.lookupFunc("main"); ok {
		return fe.File
	}
	files := idx.Files()
	if len(files) > 0 {
		return files[0]
	}
	return ""
}

func (idx *Index) lookupFunc(name string) (*funcEntry, bool) {
	for _, fe := range idx.funcs {
		if fe.Name == name {
			return fe, true
		}
	}
	return nil, false
}

// Summary renders a short human-readable description of what was
// loaded, printed once at startup.
func (idx *Index) Summary() string {
	return fmt.Sprintf("%d functions, %d source files, %d line records",
		len(idx.funcs), len(idx.Files()), len(idx.lines))
}
