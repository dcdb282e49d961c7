//go:build !windows

package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/privspawn/internal/history"
	"github.com/loykin/privspawn/internal/history/sqlite"
	"github.com/loykin/privspawn/internal/logger"
	"github.com/loykin/privspawn/internal/metrics"
	"github.com/loykin/privspawn/internal/spawn"
	"github.com/loykin/privspawn/internal/waitstatus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var registry = prometheus.NewRegistry()

func TestMain(m *testing.M) {
	if spawn.Init() {
		return
	}
	if err := metrics.Register(registry); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type failingSink struct{}

func (failingSink) Send(context.Context, history.Event) error { return errors.New("sink down") }

// syncBuffer is a bytes.Buffer safe for the output copy goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func shPath(t *testing.T) string {
	t.Helper()
	p, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return p
}

func shJob(t *testing.T, script string) Job {
	return Job{Name: "t", Path: shPath(t), Args: []string{"sh", "-c", script}, InheritEnv: true}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_CapturesStdoutAndExitZero(t *testing.T) {
	sink := &memSink{}
	var out syncBuffer
	j := shJob(t, "echo hello; echo oops >&2")
	j.Stdout = &out
	var errOut syncBuffer
	j.Stderr = &errOut

	res, err := New(WithLogger(quietLogger()), WithSink(sink)).Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, "oops\n", errOut.String())

	code, ok := res.Disposition.Exited()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
	assert.NoError(t, res.Disposition.Err())
	assert.Greater(t, res.Run.PID, 0)
	assert.Equal(t, string(spawn.ModeDirect), res.Run.Mode)
	assert.NotEmpty(t, res.Run.ID)
	assert.Equal(t, "exited", res.Run.Kind)
	assert.False(t, res.Run.StoppedAt.Before(res.Run.StartedAt))
	assert.Equal(t, []history.EventType{history.EventSpawn, history.EventExit}, sink.types())
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := New(WithLogger(quietLogger())).Run(context.Background(), shJob(t, "exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Disposition.ShellCode())
	assert.Equal(t, 3, res.Run.ExitCode)

	var ee *waitstatus.ExitError
	assert.True(t, errors.As(res.Disposition.Err(), &ee))
}

func TestRun_Signaled(t *testing.T) {
	res, err := New(WithLogger(quietLogger())).Run(context.Background(), shJob(t, "kill -TERM $$"))
	require.NoError(t, err)
	sig, ok := res.Disposition.Signaled()
	require.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
	assert.Equal(t, "signaled", res.Run.Kind)
	assert.Equal(t, int(syscall.SIGTERM), res.Run.Signal)
	assert.Equal(t, 128+int(syscall.SIGTERM), res.Run.ExitCode)
}

func TestRun_SpawnFailureRecorded(t *testing.T) {
	sink := &memSink{}
	j := Job{Name: "missing", Path: filepath.Join(t.TempDir(), "missing"), InheritEnv: true}
	res, err := New(WithLogger(quietLogger()), WithSink(sink)).Run(context.Background(), j)
	require.Error(t, err)

	var se *spawn.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, spawn.StageSpawn, se.Stage)
	assert.Equal(t, "spawn", res.Run.Stage)
	assert.Equal(t, "ENOENT", res.Run.Errno)
	assert.Equal(t, []history.EventType{history.EventFailure}, sink.types())
}

func TestRun_PreForkPathAndFailureStage(t *testing.T) {
	j := Job{Name: "missing", Path: filepath.Join(t.TempDir(), "missing"), Setsid: true, InheritEnv: true}
	res, err := New(WithLogger(quietLogger())).Run(context.Background(), j)
	require.Error(t, err)
	assert.Equal(t, string(spawn.ModePreFork), res.Run.Mode)
	assert.Equal(t, "exec", res.Run.Stage)
	assert.Greater(t, res.Run.PID, 0)

	res, err = New(WithLogger(quietLogger())).Run(context.Background(), Job{
		Path: shPath(t), Args: []string{"sh", "-c", "exit 0"}, Setsid: true, InheritEnv: true,
	})
	require.NoError(t, err)
	assert.Equal(t, string(spawn.ModePreFork), res.Run.Mode)
	assert.Equal(t, "sh", res.Run.Name)
}

func TestRun_Environment(t *testing.T) {
	t.Setenv("PRIVSPAWN_RUNNER_VAR", "from-os")

	r := New(WithLogger(quietLogger()))
	j := shJob(t, `test "$PRIVSPAWN_RUNNER_VAR" = from-os && test "$G" = g && test "$X" = from-os-g`)
	j.GlobalEnv = []string{"G=g"}
	j.Env = []string{"X=${PRIVSPAWN_RUNNER_VAR}-${G}"}
	res, err := r.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Disposition.ShellCode())

	j = shJob(t, `test -z "$PRIVSPAWN_RUNNER_VAR" && test "$ONLY" = this`)
	j.InheritEnv = false
	j.Env = []string{"ONLY=this"}
	res, err = r.Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Disposition.ShellCode())
}

func TestRun_WorkDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	var out syncBuffer
	j := shJob(t, "pwd -P")
	j.WorkDir = dir
	j.Stdout = &out
	_, err = New(WithLogger(quietLogger())).Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", out.String())
}

func TestRun_LogFiles(t *testing.T) {
	dir := t.TempDir()
	j := shJob(t, "echo to-file; echo err-file >&2")
	j.Name = "worker"
	j.Log = logger.FileConfig{Dir: dir}
	_, err := New(WithLogger(quietLogger())).Run(context.Background(), j)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "worker.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "to-file\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "worker.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err-file\n", string(b))
}

func TestRun_StdoutFileIsPassedDirectly(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	j := shJob(t, "echo direct")
	j.Stdout = f
	_, err = New(WithLogger(quietLogger())).Run(context.Background(), j)
	require.NoError(t, err)

	b, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "direct\n", string(b))
}

func TestRun_CancelForwardsSIGTERM(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	j := Job{Path: shPath(t), Args: []string{"sh", "-c", "exec sleep 30"}, InheritEnv: true}
	start := time.Now()
	res, err := New(WithLogger(quietLogger())).Run(ctx, j)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	sig, ok := res.Disposition.Signaled()
	require.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
}

func TestRun_SinkFailureDoesNotFailRun(t *testing.T) {
	var logs syncBuffer
	l := slog.New(slog.NewTextHandler(&logs, nil))
	_, err := New(WithLogger(l), WithSink(failingSink{})).Run(context.Background(), shJob(t, "true"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(logs.String(), "history sink failed"))
}

func TestRun_SQLiteHistory(t *testing.T) {
	sink, err := sqlite.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	res, err := New(WithLogger(quietLogger()), WithSink(sink)).Run(context.Background(), shJob(t, "exit 2"))
	require.NoError(t, err)

	n, err := sink.Count(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_Metrics(t *testing.T) {
	_, err := New(WithLogger(quietLogger())).Run(context.Background(), Job{Name: "metered", Path: shPath(t), Args: []string{"sh", "-c", "exit 0"}, InheritEnv: true})
	require.NoError(t, err)
	_, _ = New(WithLogger(quietLogger())).Run(context.Background(), Job{Name: "metered", Path: "/nonexistent/privspawn"})

	mfs, err := registry.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "name" && lp.GetValue() == "metered" {
					found[mf.GetName()] = true
				}
			}
		}
	}
	assert.True(t, found["privspawn_spawn_total"])
	assert.True(t, found["privspawn_spawn_failures_total"])
	assert.True(t, found["privspawn_child_exits_total"])
}

func TestProcStart(t *testing.T) {
	st := procStart(os.Getpid())
	if st.IsZero() {
		t.Skip("process start time unavailable on this system")
	}
	assert.True(t, st.Before(time.Now().Add(time.Second)))
	assert.True(t, procStart(0).IsZero())
}

func TestStartTicks(t *testing.T) {
	fields := make([]string, 20)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = "S"
	fields[19] = "4242"
	stat := "123 (a) b) c) " + strings.Join(fields, " ")
	assert.Equal(t, int64(4242), startTicks(stat))
	assert.Equal(t, int64(0), startTicks("garbage"))
	assert.Equal(t, int64(0), startTicks("1 (x) S 1 2"))
}

func TestRun_ActiveWhileRunning(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sh := shPath(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(ctx, Job{Name: "long", Path: sh, Args: []string{"sh", "-c", "exec sleep 30"}, InheritEnv: true})
	}()

	require.Eventually(t, func() bool { return len(r.Active()) == 1 }, 5*time.Second, 10*time.Millisecond)
	run := r.Active()[0]
	assert.Equal(t, "long", run.Name)
	if runtime.GOOS == "linux" {
		require.False(t, run.ProcStartedAt.IsZero(), "kernel start time recorded")
		assert.WithinDuration(t, run.StartedAt, run.ProcStartedAt, 5*time.Second)
	}

	cancel()
	<-done
	assert.Empty(t, r.Active())
}

// sample returns the value of the first sample of family with name=label
// (and kind=kind when kind is not empty).
func sample(t *testing.T, family, label, kind string) (float64, bool) {
	t.Helper()
	mfs, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["name"] != label || (kind != "" && labels["kind"] != kind) {
				continue
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue(), true
			}
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

// reapThen reaps the real child and hands back a canned outcome.
func reapThen(raw int, err error) func(context.Context, int) (int, error) {
	return func(_ context.Context, pid int) (int, error) {
		var ws unix.WaitStatus
		for {
			if _, werr := unix.Wait4(pid, &ws, 0, nil); werr != unix.EINTR {
				break
			}
		}
		return raw, err
	}
}

func TestRun_UnobservedExitIsRecorded(t *testing.T) {
	tests := []struct {
		name      string
		wait      func(context.Context, int) (int, error)
		wantStage string
		wantErrno string
		wantErr   error
	}{
		{name: "lost-wait", wait: reapThen(0, unix.ECHILD), wantStage: "wait", wantErrno: "ECHILD", wantErr: unix.ECHILD},
		// 0x137f is a stopped-by-SIGSTOP status.
		{name: "lost-decode", wait: reapThen(0x137f, nil), wantStage: "decode", wantErr: waitstatus.ErrUnmodeled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memSink{}
			r := New(WithLogger(quietLogger()), WithSink(sink))
			r.wait = tt.wait

			j := shJob(t, "exit 0")
			j.Name = tt.name
			res, err := r.Run(context.Background(), j)
			require.ErrorIs(t, err, tt.wantErr)

			assert.Equal(t, tt.wantStage, res.Run.Stage)
			assert.Equal(t, tt.wantErrno, res.Run.Errno)
			assert.Greater(t, res.Run.PID, 0)
			assert.Equal(t, []history.EventType{history.EventSpawn, history.EventFailure}, sink.types())
			assert.Empty(t, r.Active())

			v, ok := sample(t, "privspawn_child_running", tt.name, "")
			require.True(t, ok)
			assert.Equal(t, float64(0), v, "running gauge cleared")
			v, ok = sample(t, "privspawn_child_exits_total", tt.name, "lost")
			require.True(t, ok)
			assert.Equal(t, float64(1), v)
		})
	}
}
