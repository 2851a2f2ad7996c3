// Package breakpoint tracks software breakpoints across inferior restarts.
package breakpoint

import "fmt"

// TrapOpcode is the x86 int3 instruction: a one-byte software breakpoint.
const TrapOpcode = 0xCC

// Breakpoint records one planted (or pending) trap.
type Breakpoint struct {
	Addr     uint64
	OrigByte byte
	// Planted is true once OrigByte holds the real displaced byte, i.e.
	// the trap has actually been written into live inferior memory.
	Planted bool
	ordinal int
}

// Ordinal is the zero-based index echoed to the user at insertion time.
func (b Breakpoint) Ordinal() int { return b.ordinal }

// Planter writes a breakpoint-sized byte into inferior memory and returns
// the byte that was there before. Satisfied by *inferior.Inferior.
type Planter interface {
	WriteByte(addr uint64, val byte) (byte, error)
}

// Table is the session-scoped address -> Breakpoint map. It outlives any
// single Inferior: entries survive across run/kill/run cycles and are
// replanted into each new inferior at spawn.
type Table struct {
	entries map[uint64]*Breakpoint
	next    int
}

// New returns an empty breakpoint table.
func New() *Table {
	return &Table{entries: make(map[uint64]*Breakpoint)}
}

// Insert adds an unplanted entry for addr, assigning the next ordinal.
// Re-inserting an existing address silently returns its existing
// ordinal rather than consuming a new one.
func (t *Table) Insert(addr uint64) int {
	if existing, ok := t.entries[addr]; ok {
		return existing.ordinal
	}
	bp := &Breakpoint{Addr: addr, ordinal: t.next}
	t.next++
	t.entries[addr] = bp
	return bp.ordinal
}

// Get looks up the breakpoint at addr, if any.
func (t *Table) Get(addr uint64) (*Breakpoint, bool) {
	bp, ok := t.entries[addr]
	return bp, ok
}

// Len reports how many entries exist (planted or not). After inserting a
// new address, that entry's ordinal is Len()-1.
func (t *Table) Len() int { return len(t.entries) }

// Plant re-establishes the invariant that every entry in the table is
// written into the inferior's memory as a trap byte. Called once right
// after a fresh spawn, before the initial wait.
func (t *Table) Plant(p Planter) error {
	for _, bp := range t.entries {
		orig, err := p.WriteByte(bp.Addr, TrapOpcode)
		if err != nil {
			return fmt.Errorf("plant breakpoint at %#x: %w", bp.Addr, err)
		}
		bp.OrigByte = orig
		bp.Planted = true
	}
	return nil
}

// PlantOne plants a single new breakpoint into a live inferior, used by
// the controller's "break" handler when an inferior is already running.
func (t *Table) PlantOne(addr uint64, p Planter) error {
	bp, ok := t.entries[addr]
	if !ok {
		return fmt.Errorf("no breakpoint recorded at %#x", addr)
	}
	orig, err := p.WriteByte(addr, TrapOpcode)
	if err != nil {
		return fmt.Errorf("plant breakpoint at %#x: %w", addr, err)
	}
	bp.OrigByte = orig
	bp.Planted = true
	return nil
}
