// Package controller implements ExecutionController, the debugger's
// main state machine: it dispatches REPL commands against the current
// Inferior, implements step-over-breakpoint and step-to-next-line on
// top of raw single-step, and reports stops. Translated from
// original_source/src/debugger.rs into derekparker/delve's
// command-dispatch idiom.
package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kbridge/deet/internal/breakpoint"
	"github.com/kbridge/deet/internal/dwarfdata"
	"github.com/kbridge/deet/internal/inferior"
	"github.com/kbridge/deet/internal/resolver"
)

// DwarfIndex is the subset of *dwarfdata.Index the controller consults.
type DwarfIndex interface {
	AddrForLine(file *string, line int) (uint64, bool)
	AddrForFunction(file *string, name string) (uint64, bool)
	LineFromAddr(addr uint64) (string, int, bool)
	FunctionFromAddr(addr uint64) (string, bool)
	VariableInScope(pc uint64, name string) (dwarfdata.Variable, bool)
	Functions() []dwarfdata.FunctionInfo
	Files() []string
}

// Resolver is the subset of *resolver.Resolver the controller needs for
// the "nb" command.
type Resolver interface {
	Resolve(ctx context.Context, text string, catalog resolver.FunctionCatalog) (resolver.Spec, error)
}

// InferiorHandle is the subset of *inferior.Inferior the controller
// drives; an interface so the state machine can be tested against a
// fake without real ptrace.
type InferiorHandle interface {
	Pid() int
	Registers() (unix.PtraceRegs, error)
	SetRip(rip uint64) error
	WriteByte(addr uint64, val byte) (byte, error)
	ReadWord(addr uint64) (uint64, error)
	Continue(sig int) (inferior.Status, error)
	Step() (inferior.Status, error)
	Kill() error
	Backtrace(dw inferior.SymbolResolver) ([]inferior.Frame, error)
}

// Spawner starts a fresh inferior with table's currently recorded
// breakpoints planted. Satisfied by inferior.Spawn in production.
type Spawner func(target string, args []string, table *breakpoint.Table) (InferiorHandle, error)

// Controller is ExecutionController.
type Controller struct {
	target string
	dwarf  DwarfIndex
	table  *breakpoint.Table
	res    Resolver
	spawn  Spawner
	out    io.Writer

	inf InferiorHandle
}

// New builds a Controller for target, backed by dwarf for symbol
// lookups and res for natural-language breakpoints.
func New(target string, dwarf DwarfIndex, res Resolver, spawn Spawner) *Controller {
	return &Controller{
		target: target,
		dwarf:  dwarf,
		table:  breakpoint.New(),
		res:    res,
		spawn:  spawn,
		out:    os.Stdout,
	}
}

// Running reports whether a live inferior currently exists.
func (c *Controller) Running() bool { return c.inf != nil }

func (c *Controller) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Controller) println(args ...any) {
	fmt.Fprintln(c.out, args...)
}

// Run spawns a fresh inferior for target with args, killing any
// existing one first.
func (c *Controller) Run(args []string) {
	if c.inf != nil {
		c.println("Killing running inferior (pid", c.inf.Pid(), ")")
		_ = c.inf.Kill()
		c.inf = nil
	}

	inf, err := c.spawn(c.target, args, c.table)
	if err != nil {
		logrus.WithError(err).Debug("spawn failed")
		c.println("Error starting subprocess")
		return
	}
	c.inf = inf

	status, err := c.inf.Continue(0)
	if err != nil {
		c.printf("Error continuing inferior: %s\n", err)
		return
	}
	c.handleStatus(status)
}

// Continue resumes a stopped inferior, stepping it past a planted
// breakpoint first if that's where it's stopped.
func (c *Controller) Continue() {
	if c.inf == nil {
		c.println("No inferior to continue")
		return
	}

	exited, err := c.stepOverBreakpointIfStopped()
	if err != nil {
		c.printf("Error stepping inferior: %s\n", err)
		return
	}
	if exited {
		return
	}

	status, err := c.inf.Continue(0)
	if err != nil {
		c.printf("Error continuing inferior: %s\n", err)
		return
	}
	c.handleStatus(status)
}

// stepOverBreakpointIfStopped steps the inferior past a trap byte if
// rip-1 currently names a planted breakpoint, leaving it unplanted-
// then-replanted exactly the way it was before the trap fired. It's a
// no-op when not stopped on a breakpoint. Returns exited=true if the
// child ended during the step, in which case the caller must not
// resume it further.
func (c *Controller) stepOverBreakpointIfStopped() (exited bool, err error) {
	regs, err := c.inf.Registers()
	if err != nil {
		return false, fmt.Errorf("getregs: %w", err)
	}
	bpAddr := regs.Rip - 1
	bp, ok := c.table.Get(bpAddr)
	if !ok || !bp.Planted {
		return false, nil
	}

	status, err := c.stepInstruction()
	if err != nil {
		return false, err
	}
	if !status.IsStopped() {
		c.handleStatus(status)
		return true, nil
	}
	return false, nil
}

// stepInstruction advances the inferior by exactly one machine
// instruction, transparently stepping over a planted breakpoint (the
// restore/rewind/step/replant dance) when rip-1 sits on one.
func (c *Controller) stepInstruction() (inferior.Status, error) {
	regs, err := c.inf.Registers()
	if err != nil {
		return inferior.Status{}, fmt.Errorf("getregs: %w", err)
	}
	bpAddr := regs.Rip - 1
	bp, atBreakpoint := c.table.Get(bpAddr)
	if !atBreakpoint || !bp.Planted {
		return c.inf.Step()
	}

	if _, err := c.inf.WriteByte(bpAddr, bp.OrigByte); err != nil {
		return inferior.Status{}, fmt.Errorf("restore original byte at %#x: %w", bpAddr, err)
	}
	if err := c.inf.SetRip(bpAddr); err != nil {
		return inferior.Status{}, fmt.Errorf("rewind rip to %#x: %w", bpAddr, err)
	}

	status, err := c.inf.Step()
	if err != nil {
		return inferior.Status{}, fmt.Errorf("single step over breakpoint: %w", err)
	}
	if status.IsTrapStop() {
		if err := c.table.PlantOne(bpAddr, c.inf); err != nil {
			return inferior.Status{}, fmt.Errorf("re-arm breakpoint at %#x: %w", bpAddr, err)
		}
	}
	return status, nil
}

// handleStatus prints the standard "Child exited/stopped" line for
// status and, on exit/signal, retires the inferior.
func (c *Controller) handleStatus(status inferior.Status) {
	switch {
	case status.IsExited():
		c.printf("Child exited (status %d)\n", status.Code)
		c.inf = nil
	case status.IsSignaled():
		c.printf("Child exited (signal %s)\n", status.Signal)
		c.inf = nil
	case status.IsStopped():
		c.printf("Child stopped (signal %s)\n", status.Signal)
		c.printStoppedInfo(status.Rip)
	}
}

// printStoppedInfo prints "Stopped at <function> <file:line>" (or the
// raw address if either is unknown) plus the single source line.
func (c *Controller) printStoppedInfo(rip uint64) {
	file, line, hasLine := c.dwarf.LineFromAddr(rip)
	fn, hasFn := c.dwarf.FunctionFromAddr(rip)

	if hasLine && hasFn {
		c.printf("Stopped at %s %s:%d\n", fn, file, line)
		c.printSourceLine(file, line)
	} else {
		c.printf("Stopped at %#x\n", rip)
	}
}

func (c *Controller) printSourceLine(path string, line int) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(string(contents), "\n")
	if line < 1 || line > len(lines) {
		return
	}
	c.printf("%-4d %s\n", line, lines[line-1])
}

// Backtrace walks frame pointers from the current stop until "main",
// printing one line per frame. A frame whose function or line can't be
// resolved degrades to a bare address rather than aborting the walk.
func (c *Controller) Backtrace() {
	if c.inf == nil {
		c.println("No inferior to print backtrace")
		return
	}

	frames, err := c.inf.Backtrace(c.dwarf)
	if err != nil {
		c.printf("Error printing backtrace: %s\n", err)
		return
	}
	for _, f := range frames {
		switch {
		case f.Func != "" && f.HasLine:
			c.printf("%s (%s:%d)\n", f.Func, f.File, f.Line)
		case f.Func != "":
			c.printf("%s (%#x)\n", f.Func, f.Addr)
		default:
			c.printf("%#x\n", f.Addr)
		}
	}
}

// Break parses loc (*0xHEX / decimal line / function name) and, on
// success, records the breakpoint and plants it immediately if an
// inferior is live.
func (c *Controller) Break(loc string) {
	addr, ok := c.resolveBreakLocation(loc)
	if !ok {
		c.printf("Unable to set breakpoint: %s\n", loc)
		return
	}
	c.insertAndMaybePlant(addr)
}

func (c *Controller) resolveBreakLocation(loc string) (uint64, bool) {
	if strings.HasPrefix(loc, "*") {
		return parseHexAddr(strings.TrimPrefix(loc[1:], "0x"))
	}
	if n, err := strconv.Atoi(loc); err == nil {
		return c.dwarf.AddrForLine(nil, n)
	}
	return c.dwarf.AddrForFunction(nil, loc)
}

func parseHexAddr(s string) (uint64, bool) {
	s = strings.TrimPrefix(s, "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *Controller) insertAndMaybePlant(addr uint64) {
	ordinal := c.table.Insert(addr)
	c.printf("Set breakpoint %d at %#x\n", ordinal, addr)

	if c.inf == nil {
		return
	}
	if err := c.table.PlantOne(addr, c.inf); err != nil {
		c.printf("Error setting breakpoint at %#x: %s\n", addr, err)
	}
}

// NaturalBreak resolves a free-text description via the resolver and
// sets a breakpoint from the result.
func (c *Controller) NaturalBreak(ctx context.Context, description string) {
	catalog := dwarfCatalog{c.dwarf}
	spec, err := c.res.Resolve(ctx, description, catalog)
	if err != nil {
		c.printf("Natural-language breakpoint resolution failed: %s\n", err)
		return
	}

	var addr uint64
	var ok bool
	switch spec.Kind {
	case resolver.ByLine:
		addr, ok = c.dwarf.AddrForLine(spec.File, spec.Line)
	case resolver.ByFunction:
		addr, ok = c.dwarf.AddrForFunction(nil, spec.Name)
	case resolver.ByAddress:
		addr, ok = spec.Addr, true
	}

	if !ok {
		c.printf("Could not map resolved breakpoint (%s) to an address\n", spec)
		return
	}
	c.insertAndMaybePlant(addr)
}

type dwarfCatalog struct{ dw DwarfIndex }

func (d dwarfCatalog) Functions() []resolver.FunctionEntry {
	in := d.dw.Functions()
	out := make([]resolver.FunctionEntry, len(in))
	for i, fn := range in {
		out[i] = resolver.FunctionEntry{Name: fn.Name, File: fn.File, Line: fn.Line}
	}
	return out
}

func (d dwarfCatalog) Files() []string { return d.dw.Files() }

// Next steps to the first instruction whose source line differs from
// the line active at entry, treating an address with no line mapping
// as still on the previous line.
func (c *Controller) Next() {
	if c.inf == nil {
		c.println("No inferior to step")
		return
	}

	regs, err := c.inf.Registers()
	if err != nil {
		c.printf("Error reading registers: %s\n", err)
		return
	}
	_, startLine, haveStart := c.dwarf.LineFromAddr(regs.Rip)

	for {
		status, err := c.stepInstruction()
		if err != nil {
			c.printf("Error stepping inferior: %s\n", err)
			return
		}

		switch {
		case status.IsExited(), status.IsSignaled():
			c.handleStatus(status)
			return
		case status.IsStopped():
			_, newLine, haveNew := c.dwarf.LineFromAddr(status.Rip)
			if haveNew && (!haveStart || newLine != startLine) {
				c.printStoppedInfo(status.Rip)
				return
			}
			// No line, or same line: keep stepping through prologue/
			// epilogue/padding and calls.
		}
	}
}

// Print reads one scalar variable in scope at the current stop,
// masking the result to the variable's declared size.
func (c *Controller) Print(name string) {
	if c.inf == nil {
		c.println("No inferior running")
		return
	}

	regs, err := c.inf.Registers()
	if err != nil {
		c.printf("Error reading registers: %s\n", err)
		return
	}

	v, ok := c.dwarf.VariableInScope(regs.Rip, name)
	if !ok {
		c.printf("Variable '%s' not in scope\n", name)
		return
	}

	addr := dwarfdata.EffectiveAddr(v.Location, regs.Rbp)
	word, err := c.inf.ReadWord(addr)
	if err != nil {
		c.printf("Error reading variable '%s': %s\n", name, err)
		return
	}

	c.printf("%s = %d (%s)\n", name, maskBySize(word, v.Size), variableType(v))
}

// maskBySize narrows word to the low 1, 2 or 4 bytes for a variable
// declared that size; any other size (including unknown, 0) reads back
// the full word.
func maskBySize(word uint64, size int64) uint64 {
	switch size {
	case 1:
		return word & 0xff
	case 2:
		return word & 0xffff
	case 4:
		return word & 0xffffffff
	default:
		return word
	}
}

func variableType(v dwarfdata.Variable) string {
	if v.TypeName == "" {
		return "?"
	}
	return v.TypeName
}

// Quit kills any live inferior. The caller (cmd/deet) exits the REPL.
func (c *Controller) Quit() {
	if c.inf != nil {
		c.println("Killing running inferior (pid", c.inf.Pid(), ")")
		_ = c.inf.Kill()
		c.inf = nil
	}
}
