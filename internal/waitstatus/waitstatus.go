//go:build !windows

// Package waitstatus decodes raw wait statuses as returned by wait4.
// The bit layout belongs to the OS; decoding is delegated to
// golang.org/x/sys/unix, which carries the per-platform encoding.
package waitstatus

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrUnmodeled is returned by Decode for statuses that are neither a normal
// exit nor a signal termination (stopped, continued).
var ErrUnmodeled = errors.New("wait status is neither exited nor signaled")

func ws(raw int) unix.WaitStatus { return unix.WaitStatus(uint32(raw)) }

// Exited reports whether the process terminated normally (WIFEXITED).
func Exited(raw int) bool { return ws(raw).Exited() }

// ExitCode returns the exit code (WEXITSTATUS). Only meaningful when Exited
// is true; otherwise the value is -1.
func ExitCode(raw int) int { return ws(raw).ExitStatus() }

// Signaled reports whether the process was terminated by a signal (WIFSIGNALED).
func Signaled(raw int) bool { return ws(raw).Signaled() }

// SignalCode returns the terminating signal number (WTERMSIG). Only meaningful
// when Signaled is true; otherwise the value is -1.
func SignalCode(raw int) int { return int(ws(raw).Signal()) }

// FromWaitStatus converts a syscall.WaitStatus into the raw integer form.
func FromWaitStatus(s syscall.WaitStatus) int { return int(uint32(s)) }

// FromProcessState extracts the raw status from a reaped os.Process.
// Returns -1 when ps is nil or carries no wait status.
func FromProcessState(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	s, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	return FromWaitStatus(s)
}

// Kind tags a Disposition.
type Kind uint8

const (
	KindExited Kind = iota + 1
	KindSignaled
)

func (k Kind) String() string {
	switch k {
	case KindExited:
		return "exited"
	case KindSignaled:
		return "signaled"
	default:
		return "unknown"
	}
}

// Disposition is how a process terminated: exactly one of Exited(code) or
// Signaled(signal).
type Disposition struct {
	kind Kind
	code int
}

// ExitedWith builds an Exited disposition.
func ExitedWith(code int) Disposition { return Disposition{kind: KindExited, code: code} }

// SignaledWith builds a Signaled disposition.
func SignaledWith(sig syscall.Signal) Disposition {
	return Disposition{kind: KindSignaled, code: int(sig)}
}

// Decode interprets raw, testing "exited" before "signaled".
func Decode(raw int) (Disposition, error) {
	switch {
	case Exited(raw):
		return ExitedWith(ExitCode(raw)), nil
	case Signaled(raw):
		return SignaledWith(syscall.Signal(SignalCode(raw))), nil
	default:
		return Disposition{}, fmt.Errorf("%w: 0x%x", ErrUnmodeled, uint32(raw))
	}
}

func (d Disposition) Kind() Kind { return d.kind }

// Exited returns the exit code and true for an Exited disposition.
func (d Disposition) Exited() (int, bool) {
	if d.kind != KindExited {
		return 0, false
	}
	return d.code, true
}

// Signaled returns the signal and true for a Signaled disposition.
func (d Disposition) Signaled() (syscall.Signal, bool) {
	if d.kind != KindSignaled {
		return 0, false
	}
	return syscall.Signal(d.code), true
}

// ShellCode maps the disposition onto the conventional shell exit code:
// the code itself, or 128+signal.
func (d Disposition) ShellCode() int {
	if d.kind == KindSignaled {
		return 128 + d.code
	}
	return d.code
}

func (d Disposition) String() string {
	switch d.kind {
	case KindExited:
		return fmt.Sprintf("exited with code %d", d.code)
	case KindSignaled:
		return fmt.Sprintf("terminated by signal %d (%s)", d.code, syscall.Signal(d.code))
	default:
		return "unknown"
	}
}

// Err returns nil for a clean exit and an *ExitError otherwise.
func (d Disposition) Err() error {
	if code, ok := d.Exited(); ok && code == 0 {
		return nil
	}
	return &ExitError{Disposition: d}
}

// ExitError reports a process that did not exit cleanly.
type ExitError struct {
	Disposition Disposition
}

func (e *ExitError) Error() string { return "process " + e.Disposition.String() }
