// Package resolver converts a natural-language breakpoint description
// into a structured BreakpointSpec: offline pattern matching first, an
// in-process cache in front of it, and a remote chat-completion API as
// fallback. Grounded on original_source/src/llm.rs; derekparker/delve
// predates any natural-language resolver, so this package's shape
// follows the Rust source directly, re-expressed in the ambient
// stack's idiom (logrus for diagnostics, hashicorp/golang-lru/v2 for
// the cache).
package resolver

import "fmt"

// Kind tags which of the three breakpoint shapes a Spec carries.
type Kind int

const (
	ByLine Kind = iota
	ByFunction
	ByAddress
)

// Spec is the structured result of resolving one NL description.
type Spec struct {
	Kind Kind
	File *string // optional, ByLine only
	Line int     // ByLine only
	Name string  // ByFunction only
	Addr uint64  // ByAddress only
}

func (s Spec) String() string {
	switch s.Kind {
	case ByLine:
		if s.File != nil {
			return fmt.Sprintf("line %d in %s", s.Line, *s.File)
		}
		return fmt.Sprintf("line %d", s.Line)
	case ByFunction:
		return fmt.Sprintf("function %s", s.Name)
	case ByAddress:
		return fmt.Sprintf("address %#x", s.Addr)
	default:
		return "unknown breakpoint spec"
	}
}

// FunctionCatalog is the subset of DwarfIndex the resolver needs: the
// known function names (for offline substring matching) and the full
// enumeration (name, declaration file/line) plus source file list for
// the remote prompt's context.
type FunctionCatalog interface {
	Functions() []FunctionEntry
	Files() []string
}

// FunctionEntry mirrors dwarfdata.FunctionInfo without importing that
// package, keeping resolver decoupled from the DWARF adapter.
type FunctionEntry struct {
	Name string
	File string
	Line int
}
