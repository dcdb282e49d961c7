//go:build !windows

package spawn

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// duplicateArg0 is the argv[0] a duplicate is started with.
const duplicateArg0 = "privspawn-duplicate"

// ackByte is the first byte a duplicate writes on the report pipe, before
// any override runs.
const ackByte = 0xa5

// reportSize is one stage byte followed by a big-endian errno.
const reportSize = 5

// duplicateRequest is what the original sends to its duplicate. The
// duplicate decodes it into its own memory, so attribute changes made there
// never reach the caller's objects.
type duplicateRequest struct {
	Path       string   `json:"path"`
	Args       []string `json:"args"`
	Env        []string `json:"env"`
	InheritEnv bool     `json:"inherit_env"`
	Slots      []bool   `json:"slots"` // false: slot closed in the child
	Dir        string   `json:"dir,omitempty"`
	Flags      Flags    `json:"flags"`
	PGroup     int      `json:"pgroup"`
	UID        *int     `json:"uid,omitempty"`
	GID        *int     `json:"gid,omitempty"`
	Groups     []int    `json:"groups,omitempty"`
	Setsid     bool     `json:"setsid"`
}

func newDuplicateRequest(req Request) duplicateRequest {
	files := req.FileActions.Files()
	slots := make([]bool, len(files))
	for i, f := range files {
		slots[i] = f != closeFD
	}
	return duplicateRequest{
		Path:       req.Path,
		Args:       req.Args,
		Env:        req.Env,
		InheritEnv: req.Env == nil,
		Slots:      slots,
		Dir:        req.FileActions.Dir(),
		Flags:      req.Attributes.Flags(),
		PGroup:     req.Attributes.PGroup(),
		UID:        req.UID,
		GID:        req.GID,
		Groups:     req.Groups,
		Setsid:     req.Setsid,
	}
}

// fileActions returns the duplicate-side view: the caller's descriptor
// table was already installed when the duplicate was created, so every open
// slot maps to itself.
func (r duplicateRequest) fileActions() *FileActions {
	fa := NewFileActions()
	for i, open := range r.Slots {
		if open {
			fa.AddDup2(uintptr(i), i)
		} else {
			fa.AddClose(i)
		}
	}
	if r.Dir != "" {
		fa.AddChdir(r.Dir)
	}
	return fa
}

func (r duplicateRequest) attributes() *Attributes {
	return &Attributes{flags: r.Flags, pgroup: r.PGroup}
}

func (r duplicateRequest) env() []string {
	if r.InheritEnv {
		return nil
	}
	if r.Env == nil {
		return []string{}
	}
	return r.Env
}

// executable locates the binary re-executed as the duplicate.
var executable = os.Executable

// spawnPreFork creates the duplicate, hands it the request and waits until
// it has either replaced its image (the report pipe closes on exec) or
// reported a failing stage. A duplicate that closes the pipe without the
// ack never ran duplicate code; it is killed and reported as a handoff
// failure.
func spawnPreFork(req Request) (int, error) {
	self, err := executable()
	if err != nil {
		return 0, wrap(StageFork, err)
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return 0, wrap(StageFork, err)
	}
	repR, repW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		return 0, wrap(StageFork, err)
	}
	defer func() { _ = repR.Close() }()

	files := req.FileActions.Files()
	base := len(files)
	files = append(files, reqR.Fd(), repW.Fd())

	pid, err := syscall.ForkExec(self, []string{duplicateArg0, strconv.Itoa(base)}, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: files,
	})
	_ = reqR.Close()
	_ = repW.Close()
	if err != nil {
		_ = reqW.Close()
		return 0, wrap(StageFork, err)
	}

	werr := json.NewEncoder(reqW).Encode(newDuplicateRequest(req))
	_ = reqW.Close()

	if errno := readAck(repR); errno != 0 {
		_ = unix.Kill(pid, unix.SIGKILL)
		reap(pid)
		return 0, &Error{Stage: StageHandoff, Pid: pid, Err: errno}
	}
	stage, errno, reported := readReport(repR)
	if reported {
		reap(pid)
		return 0, &Error{Stage: stage, Pid: pid, Err: errno}
	}
	if werr != nil {
		reap(pid)
		return 0, &Error{Stage: StageHandoff, Pid: pid, Err: toErrno(werr)}
	}
	return pid, nil
}

// readAck returns 0 once the duplicate acknowledged, EPROTO when the pipe
// closed or carried anything else first.
func readAck(r io.Reader) syscall.Errno {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil || b[0] != ackByte {
		return syscall.EPROTO
	}
	return 0
}

// readReport returns reported=false when the pipe closed without data,
// which means the duplicate's exec succeeded.
func readReport(r io.Reader) (Stage, syscall.Errno, bool) {
	var buf [reportSize]byte
	_, err := io.ReadFull(r, buf[:])
	switch {
	case err == nil:
		return stageFromCode(buf[0]), syscall.Errno(binary.BigEndian.Uint32(buf[1:])), true
	case errors.Is(err, io.EOF):
		return "", 0, false
	default:
		return StageHandoff, syscall.EIO, true
	}
}

func writeReport(w io.Writer, stage Stage, errno syscall.Errno) {
	var buf [reportSize]byte
	buf[0] = stageCode(stage)
	binary.BigEndian.PutUint32(buf[1:], uint32(errno))
	_, _ = w.Write(buf[:])
}

func reap(pid int) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			return
		}
	}
}
