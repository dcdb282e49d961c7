package spawn

import (
	"strings"
	"syscall"
)

// closeFD marks a child descriptor slot that must be closed.
const closeFD = ^uintptr(0)

// FileActions describes the child's descriptor table and working directory,
// in the manner of posix_spawn file actions. The zero value (and nil)
// inherits stdin, stdout and stderr.
type FileActions struct {
	files []uintptr
	dir   string
	set   bool
}

func NewFileActions() *FileActions { return &FileActions{} }

func (fa *FileActions) init() {
	if !fa.set {
		fa.files = []uintptr{0, 1, 2}
		fa.set = true
	}
}

func (fa *FileActions) grow(childFd int) {
	for len(fa.files) <= childFd {
		fa.files = append(fa.files, closeFD)
	}
}

// AddDup2 makes fd available in the child as childFd.
func (fa *FileActions) AddDup2(fd uintptr, childFd int) *FileActions {
	fa.init()
	fa.grow(childFd)
	fa.files[childFd] = fd
	return fa
}

// AddClose closes childFd in the child.
func (fa *FileActions) AddClose(childFd int) *FileActions {
	fa.init()
	fa.grow(childFd)
	fa.files[childFd] = closeFD
	return fa
}

// AddChdir sets the child's working directory.
func (fa *FileActions) AddChdir(dir string) *FileActions {
	fa.init()
	fa.dir = dir
	return fa
}

// Files returns a copy of the child descriptor table. Index is the child fd.
func (fa *FileActions) Files() []uintptr {
	if fa == nil || !fa.set {
		return []uintptr{0, 1, 2}
	}
	return append([]uintptr(nil), fa.files...)
}

func (fa *FileActions) Dir() string {
	if fa == nil {
		return ""
	}
	return fa.dir
}

// Flags are spawn attribute flags.
type Flags uint16

const (
	// FlagSetPGroup places the child in the process group set by SetPGroup
	// (0 means a new group led by the child).
	FlagSetPGroup Flags = 1 << iota
	// FlagSetExec replaces the calling process image instead of creating a child.
	FlagSetExec
)

// Attributes mirrors posix_spawnattr. A nil *Attributes has no flags set.
type Attributes struct {
	flags  Flags
	pgroup int
}

func NewAttributes() *Attributes { return &Attributes{} }

func (a *Attributes) Flags() Flags {
	if a == nil {
		return 0
	}
	return a.flags
}

func (a *Attributes) SetFlags(f Flags) { a.flags = f }

func (a *Attributes) PGroup() int {
	if a == nil {
		return 0
	}
	return a.pgroup
}

func (a *Attributes) SetPGroup(pgid int) { a.pgroup = pgid }

// Request carries everything Spawn needs. Spawn does not retain any of it.
type Request struct {
	Path string
	Args []string
	// Env nil inherits the caller's environment; an empty slice means an
	// empty environment.
	Env []string

	FileActions *FileActions
	Attributes  *Attributes

	UID    *int
	GID    *int
	Groups []int
	Setsid bool
}

func (r Request) validate() error {
	if r.Path == "" {
		return &Error{Stage: StageValidate, Err: syscall.EINVAL}
	}
	if hasNUL(r.Path) || anyNUL(r.Args) || anyNUL(r.Env) {
		return &Error{Stage: StageValidate, Err: syscall.EINVAL}
	}
	return nil
}

func hasNUL(s string) bool { return strings.IndexByte(s, 0) >= 0 }

func anyNUL(ss []string) bool {
	for _, s := range ss {
		if hasNUL(s) {
			return true
		}
	}
	return false
}

// Mode names the path Spawn takes for a request.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModePreFork Mode = "prefork"
)

// ModeOf reports which path Spawn would take for req.
func ModeOf(req Request) Mode {
	if needsPreFork(req) {
		return ModePreFork
	}
	return ModeDirect
}

// needsPreFork is true when any identity or session override is requested.
func needsPreFork(req Request) bool {
	return req.UID != nil || req.GID != nil || len(req.Groups) > 0 || req.Setsid
}
