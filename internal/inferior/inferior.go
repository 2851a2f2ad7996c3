// Package inferior owns the single child process under debugger control:
// spawn-with-trace, wait, continue, single-step, breakpoint-sized memory
// writes, and the frame-pointer backtrace walk. It is a direct
// generalization of derekparker/delve's proctl package (see
// proctl_linux_amd64.go in the retrieval pack) onto the process-tracing
// verbs this spec fixes in §4.1.
package inferior

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kbridge/deet/internal/breakpoint"
)

const wordSize = 8

// SymbolResolver is the subset of DwarfIndex the backtrace walk needs.
// Satisfied by *dwarfdata.Index; kept narrow here so this package never
// has to import the DWARF adapter.
type SymbolResolver interface {
	FunctionFromAddr(addr uint64) (name string, ok bool)
	LineFromAddr(addr uint64) (file string, line int, ok bool)
}

// Frame is one entry of a backtrace.
type Frame struct {
	Func    string
	File    string
	Line    int
	Addr    uint64
	HasLine bool
}

// Inferior is the live child process handle. At most one should exist
// per session; enforcing that is the controller's job, not this type's.
type Inferior struct {
	cmd   *exec.Cmd
	pid   int
	alive bool
}

// Spawn starts target with args under PTRACE_TRACEME (arranged via
// SysProcAttr.Ptrace, the idiomatic Go equivalent of a pre_exec hook),
// plants every breakpoint already recorded in table,
// then waits for the automatic post-exec trace trap. Any other wait
// outcome means spawning failed and no Inferior is returned.
//
// table's breakpoints are planted before the wait returns to the
// caller so the child never runs a single planted address unguarded.
func Spawn(target string, args []string, table *breakpoint.Table) (*Inferior, error) {
	cmd := exec.Command(target, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: unix.SIGKILL,
	}

	// ptrace(2) requires every subsequent call to come from the thread
	// that performed the attach; exec.Cmd.Start forks+execs from the
	// calling goroutine, so pin it to its OS thread for this call and
	// every other call this Inferior makes.
	runtime.LockOSThread()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn subprocess: %w", err)
	}

	inf := &Inferior{cmd: cmd, pid: cmd.Process.Pid, alive: true}
	runtime.SetFinalizer(inf, (*Inferior).finalize)

	if err := table.Plant(inf); err != nil {
		inf.Kill()
		return nil, err
	}

	status, err := inf.Wait()
	if err != nil {
		inf.Kill()
		return nil, fmt.Errorf("wait for initial trap: %w", err)
	}
	if !status.IsTrapStop() {
		inf.Kill()
		return nil, fmt.Errorf("unexpected status after exec: %s", status)
	}

	return inf, nil
}

// Pid returns the child's process id.
func (in *Inferior) Pid() int { return in.pid }

// Alive reports whether the child is believed to still exist.
func (in *Inferior) Alive() bool { return in.alive }

// Wait blocks for the next status transition and translates it.
func (in *Inferior) Wait() (Status, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(in.pid, &ws, 0, nil)
	if err != nil {
		return Status{}, fmt.Errorf("wait4 pid %d: %w", in.pid, err)
	}

	switch {
	case ws.Exited():
		in.alive = false
		return Exited(ws.ExitStatus()), nil
	case ws.Signaled():
		in.alive = false
		return Signaled(ws.Signal()), nil
	case ws.Stopped():
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(in.pid, &regs); err != nil {
			return Status{}, fmt.Errorf("getregs: %w", err)
		}
		return Stopped(ws.StopSignal(), regs.Rip), nil
	default:
		return Status{}, fmt.Errorf("wait4 pid %d: unexpected status %#x", in.pid, ws)
	}
}

// Continue resumes the inferior, optionally delivering sig, and waits
// for the next status.
func (in *Inferior) Continue(sig int) (Status, error) {
	if err := unix.PtraceCont(in.pid, sig); err != nil {
		return Status{}, fmt.Errorf("ptrace cont: %w", err)
	}
	return in.Wait()
}

// Step single-steps the inferior and waits for the next status.
func (in *Inferior) Step() (Status, error) {
	if err := unix.PtraceSingleStep(in.pid); err != nil {
		return Status{}, fmt.Errorf("ptrace singlestep: %w", err)
	}
	return in.Wait()
}

// Registers returns the current register snapshot.
func (in *Inferior) Registers() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(in.pid, &regs); err != nil {
		return regs, fmt.Errorf("getregs: %w", err)
	}
	return regs, nil
}

// SetRip rewrites the instruction pointer; used only to rewind past a
// planted trap during the step-over-breakpoint dance.
func (in *Inferior) SetRip(rip uint64) error {
	regs, err := in.Registers()
	if err != nil {
		return err
	}
	regs.Rip = rip
	if err := unix.PtraceSetRegs(in.pid, &regs); err != nil {
		return fmt.Errorf("setregs: %w", err)
	}
	return nil
}

// ReadWord reads one 8-byte word at an arbitrary (possibly unaligned)
// address, used by Print-variable and the backtrace walk.
func (in *Inferior) ReadWord(addr uint64) (uint64, error) {
	buf := make([]byte, wordSize)
	if _, err := unix.PtracePeekData(in.pid, uintptr(addr), buf); err != nil {
		return 0, fmt.Errorf("peekdata %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// WriteByte implements byte-granular memory writes over ptrace's
// word-granular PEEKDATA/POKEDATA: align down to the containing word,
// extract and return the displaced byte, splice val in, write the word
// back. The inferior is always stopped while this runs, so the
// non-atomic RMW races nothing.
func (in *Inferior) WriteByte(addr uint64, val byte) (byte, error) {
	aligned := alignToWord(addr)
	shift := 8 * (addr - aligned)

	word, err := in.ReadWord(aligned)
	if err != nil {
		return 0, err
	}

	origByte := byte(word >> shift)
	masked := word &^ (uint64(0xff) << shift)
	updated := masked | (uint64(val) << shift)

	buf := make([]byte, wordSize)
	binary.LittleEndian.PutUint64(buf, updated)
	if _, err := unix.PtracePokeData(in.pid, uintptr(aligned), buf); err != nil {
		return 0, fmt.Errorf("pokedata %#x: %w", aligned, err)
	}

	return origByte, nil
}

func alignToWord(addr uint64) uint64 {
	return addr &^ (wordSize - 1)
}

// Kill terminates the child and reaps it. Safe to call more than once
// and safe to call after the child has already exited on its own.
func (in *Inferior) Kill() error {
	if !in.alive {
		return nil
	}
	if err := in.cmd.Process.Kill(); err != nil && in.alive {
		logrus.WithError(err).WithField("pid", in.pid).Debug("kill inferior")
	}
	_, _ = in.Wait()
	in.alive = false
	return nil
}

// finalize is the last-resort safety net so a forgotten Inferior never
// leaks a tracee; the normal path is an explicit Kill() from the
// controller on every exit route (run, quit, crash recovery).
func (in *Inferior) finalize() {
	if in.alive {
		logrus.WithField("pid", in.pid).Warn("inferior garbage-collected while still alive; killing")
		in.Kill()
	}
}

// Backtrace walks saved frame pointers starting at the current rip/rbp,
// resolving each to a function and source line via dw. It trusts the
// callee-saved frame-pointer discipline and stops once it reaches a
// frame whose function is "main", or after maxFrames as a guard against
// a corrupted or non-frame-pointer chain. An unresolved non-main frame
// degrades to a bare address rather than aborting the walk.
func (in *Inferior) Backtrace(dw SymbolResolver) ([]Frame, error) {
	const maxFrames = 512

	regs, err := in.Registers()
	if err != nil {
		return nil, err
	}

	rip := regs.Rip
	rbp := regs.Rbp

	var frames []Frame
	for i := 0; i < maxFrames; i++ {
		frame := Frame{Addr: rip}
		if fn, ok := dw.FunctionFromAddr(rip); ok {
			frame.Func = fn
		}
		if file, line, ok := dw.LineFromAddr(rip); ok {
			frame.File = file
			frame.Line = line
			frame.HasLine = true
		}
		frames = append(frames, frame)

		if frame.Func == "main" {
			return frames, nil
		}
		if rbp == 0 {
			return frames, nil
		}

		retAddr, err := in.ReadWord(rbp + 8)
		if err != nil {
			return frames, nil
		}
		savedBp, err := in.ReadWord(rbp)
		if err != nil {
			return frames, nil
		}
		if savedBp == rbp {
			// Frame pointer didn't move: corrupted chain, stop here
			// rather than spin.
			return frames, nil
		}

		rip = retAddr
		rbp = savedBp
	}

	return frames, nil
}
