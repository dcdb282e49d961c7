//go:build !windows

package runner

import (
	"io"
	"os"
	"sync"

	"github.com/loykin/privspawn/internal/spawn"
)

// output routes one child descriptor (1 or 2) into an io.Writer. Files are
// handed to the child directly; anything else goes through a pipe drained
// by a goroutine.
type output struct {
	childFd int
	dst     io.Writer
	closer  io.Closer // closed once the copy finished
	r, w    *os.File
}

func newOutput(childFd int, dst io.Writer, closer io.Closer) *output {
	return &output{childFd: childFd, dst: dst, closer: closer}
}

// attach registers the descriptor with fa.
func (o *output) attach(fa *spawn.FileActions) error {
	if f, ok := o.dst.(*os.File); ok {
		fa.AddDup2(f.Fd(), o.childFd)
		return nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	o.r, o.w = r, w
	fa.AddDup2(w.Fd(), o.childFd)
	return nil
}

// start drops the parent's copy of the write end and begins draining.
// With spawned false the read end is discarded instead.
func (o *output) start(wg *sync.WaitGroup, spawned bool) {
	if o.w != nil {
		_ = o.w.Close()
	}
	if o.r == nil {
		o.finish()
		return
	}
	if !spawned {
		_ = o.r.Close()
		o.finish()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(o.dst, o.r)
		_ = o.r.Close()
		o.finish()
	}()
}

func (o *output) finish() {
	if o.closer != nil {
		_ = o.closer.Close()
	}
}
