//go:build !windows

package spawn

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// primitive is the atomic spawn call shared by both paths. With FlagSetExec
// it replaces the current image and only returns on failure.
func primitive(path string, fa *FileActions, attrs *Attributes, argv, env []string) (int, error) {
	if env == nil {
		env = os.Environ()
	}
	if attrs.Flags()&FlagSetExec != 0 {
		return 0, execInPlace(path, fa, attrs, argv, env)
	}
	sys := &syscall.SysProcAttr{}
	if attrs.Flags()&FlagSetPGroup != 0 {
		sys.Setpgid = true
		sys.Pgid = attrs.PGroup()
	}
	return syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Dir:   fa.Dir(),
		Env:   env,
		Files: fa.Files(),
		Sys:   sys,
	})
}

func execInPlace(path string, fa *FileActions, attrs *Attributes, argv, env []string) error {
	if err := applyFiles(fa.Files()); err != nil {
		return err
	}
	if dir := fa.Dir(); dir != "" {
		if err := unix.Chdir(dir); err != nil {
			return err
		}
	}
	if attrs.Flags()&FlagSetPGroup != 0 {
		if err := unix.Setpgid(0, attrs.PGroup()); err != nil {
			return err
		}
	}
	return unix.Exec(path, argv, env)
}

// applyFiles rearranges the current descriptor table so that slot i holds
// files[i]. Sources sitting in a slot that is about to be overwritten are
// moved above the table first.
func applyFiles(files []uintptr) error {
	n := len(files)
	fds := make([]int, n)
	for i, f := range files {
		if f == closeFD {
			fds[i] = -1
			continue
		}
		fds[i] = int(f)
		if fds[i] < n && fds[i] != i {
			nfd, err := unix.FcntlInt(f, unix.F_DUPFD_CLOEXEC, n)
			if err != nil {
				return err
			}
			fds[i] = nfd
		}
	}
	for i, fd := range fds {
		switch {
		case fd == -1:
			_ = unix.Close(i)
		case fd == i:
			if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
				return err
			}
		default:
			if err := dup2(fd, i); err != nil {
				return err
			}
		}
	}
	return nil
}
