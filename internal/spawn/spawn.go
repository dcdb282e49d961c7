//go:build !windows

// Package spawn starts child processes with optional identity and session
// overrides applied before the target image runs.
//
// Requests without overrides go straight to the spawn primitive. Requests with
// overrides go through a duplicate of the running executable (see Init) which
// applies setuid, setgid, setgroups and setsid in that order and then replaces
// its own image with the target.
package spawn

// Spawn starts req.Path and returns the new process id. Reaping the child is
// the caller's job. On failure the error is an *Error carrying the OS code.
func Spawn(req Request) (int, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	if !needsPreFork(req) {
		return spawnDirect(req)
	}
	return spawnPreFork(req)
}

func spawnDirect(req Request) (int, error) {
	pid, err := primitive(req.Path, req.FileActions, req.Attributes, req.Args, req.Env)
	if err != nil {
		return 0, wrap(StageSpawn, err)
	}
	return pid, nil
}
