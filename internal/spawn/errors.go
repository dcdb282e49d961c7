package spawn

import (
	"errors"
	"fmt"
	"syscall"
)

// Stage names the step at which a spawn failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageSpawn     Stage = "spawn"
	StageFork      Stage = "fork"
	StageHandoff   Stage = "handoff"
	StageSetuid    Stage = "setuid"
	StageSetgid    Stage = "setgid"
	StageSetgroups Stage = "setgroups"
	StageSetsid    Stage = "setsid"
	StageExec      Stage = "exec"
)

// stages is the wire order used by the duplicate's failure report.
var stages = []Stage{
	StageValidate, StageSpawn, StageFork, StageHandoff,
	StageSetuid, StageSetgid, StageSetgroups, StageSetsid, StageExec,
}

func stageCode(s Stage) byte {
	for i, v := range stages {
		if v == s {
			return byte(i)
		}
	}
	return byte(len(stages))
}

func stageFromCode(c byte) Stage {
	if int(c) < len(stages) {
		return stages[c]
	}
	return StageHandoff
}

// Error is a spawn failure: an OS error code and the stage that produced it.
// Pid is set when a pre-fork duplicate was created but failed before
// replacing its image; that process has already been reaped.
type Error struct {
	Stage Stage
	Pid   int
	Err   syscall.Errno
}

func (e *Error) Error() string {
	if e.Pid > 0 {
		return fmt.Sprintf("spawn: %s failed in duplicate %d: %v", e.Stage, e.Pid, e.Err)
	}
	return fmt.Sprintf("spawn: %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errno returns the OS error code carried by err, or 0.
func Errno(err error) syscall.Errno {
	var en syscall.Errno
	if errors.As(err, &en) {
		return en
	}
	return 0
}

func toErrno(err error) syscall.Errno {
	if en := Errno(err); en != 0 {
		return en
	}
	return syscall.EIO
}

func wrap(stage Stage, err error) *Error {
	return &Error{Stage: stage, Err: toErrno(err)}
}
