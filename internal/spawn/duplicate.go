//go:build !windows

package spawn

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// exitAbort is the duplicate's exit status after a reported failure.
const exitAbort = 127

func init() {
	// Runs before main and TestMain, so linking this package is enough for
	// a re-executed binary to act as the duplicate.
	runIfDuplicate()
}

// Init reports whether the current process is a pre-fork duplicate. The
// duplicate is intercepted while this package initializes and never gets
// here, so in practice Init returns false. It is kept for programs that call
// it first thing in main.
func Init() bool { return runIfDuplicate() }

// runIfDuplicate takes over the process when it was started as a duplicate:
// it applies the requested overrides and replaces its own image with the
// target, or reports the failure to the original and exits. It never returns
// in that case.
func runIfDuplicate() bool {
	if len(os.Args) != 2 || os.Args[0] != duplicateArg0 {
		return false
	}
	base, err := strconv.Atoi(os.Args[1])
	if err != nil || base < 0 {
		os.Exit(exitAbort)
	}
	newDuplicate(base).run()
	return true
}

// step is one identity or session override.
type step struct {
	stage   Stage
	enabled bool
	apply   func() error
}

type duplicate struct {
	request *os.File
	report  *os.File
	req     duplicateRequest
}

func newDuplicate(base int) *duplicate {
	unix.CloseOnExec(base)
	unix.CloseOnExec(base + 1)
	return &duplicate{
		request: os.NewFile(uintptr(base), "privspawn-request"),
		report:  os.NewFile(uintptr(base+1), "privspawn-report"),
	}
}

// run drives the duplicate to one of its two terminal states: image
// replaced (exec succeeded, never returns) or aborted (report and exit).
func (d *duplicate) run() {
	// Credentials on Linux are per thread; overrides and exec stay on one.
	runtime.LockOSThread()

	// The ack tells the original this binary entered duplicate mode.
	if _, err := d.report.Write([]byte{ackByte}); err != nil {
		os.Exit(exitAbort)
	}
	err := json.NewDecoder(d.request).Decode(&d.req)
	_ = d.request.Close()
	if err != nil {
		d.abort(StageHandoff, err)
	}
	stage, err := d.replace()
	d.abort(stage, err)
}

// steps lists the overrides in the order they must run.
func (d *duplicate) steps() []step {
	r := d.req
	return []step{
		{stage: StageSetuid, enabled: r.UID != nil, apply: func() error { return unix.Setuid(*r.UID) }},
		{stage: StageSetgid, enabled: r.GID != nil, apply: func() error { return unix.Setgid(*r.GID) }},
		{stage: StageSetgroups, enabled: len(r.Groups) > 0, apply: func() error { return unix.Setgroups(r.Groups) }},
		{stage: StageSetsid, enabled: r.Setsid, apply: func() error {
			_, err := unix.Setsid()
			return err
		}},
	}
}

// replace applies the overrides and execs the target in place. It only
// returns on failure, naming the failing stage.
func (d *duplicate) replace() (Stage, error) {
	for _, s := range d.steps() {
		if !s.enabled {
			continue
		}
		if err := s.apply(); err != nil {
			return s.stage, err
		}
	}
	attrs := d.req.attributes()
	attrs.SetFlags(attrs.Flags() | FlagSetExec)
	_, err := primitive(d.req.Path, d.req.fileActions(), attrs, d.req.Args, d.req.env())
	return StageExec, err
}

// abort is the duplicate's failure terminal state. The original learns the
// outcome from the report pipe, not from the exit status.
func (d *duplicate) abort(stage Stage, err error) {
	writeReport(d.report, stage, toErrno(err))
	_ = d.report.Close()
	os.Exit(exitAbort)
}
