package inferior

import "golang.org/x/sys/unix"

// Status is the tagged outcome of a wait call on the inferior: it is
// always exactly one of Stopped, Exited or Signaled.
type Status struct {
	kind   statusKind
	Signal unix.Signal
	Rip    uint64
	Code   int
}

type statusKind int

const (
	kindStopped statusKind = iota
	kindExited
	kindSignaled
)

// Stopped reports a Stopped(signal, rip) status.
func Stopped(sig unix.Signal, rip uint64) Status {
	return Status{kind: kindStopped, Signal: sig, Rip: rip}
}

// Exited reports an Exited(code) status.
func Exited(code int) Status { return Status{kind: kindExited, Code: code} }

// Signaled reports a Signaled(signal) status.
func Signaled(sig unix.Signal) Status { return Status{kind: kindSignaled, Signal: sig} }

func (s Status) IsStopped() bool  { return s.kind == kindStopped }
func (s Status) IsExited() bool   { return s.kind == kindExited }
func (s Status) IsSignaled() bool { return s.kind == kindSignaled }

// IsTrapStop reports whether this is a Stopped status delivered by the
// trace trap (SIGTRAP) — the expected outcome of spawn, step and
// continuing past a planted breakpoint.
func (s Status) IsTrapStop() bool {
	return s.kind == kindStopped && s.Signal == unix.SIGTRAP
}

func (s Status) String() string {
	switch s.kind {
	case kindStopped:
		return "stopped(" + s.Signal.String() + ")"
	case kindExited:
		return "exited"
	case kindSignaled:
		return "signaled(" + s.Signal.String() + ")"
	default:
		return "unknown"
	}
}
