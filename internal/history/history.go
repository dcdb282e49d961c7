package history

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventSpawn   EventType = "spawn"
	EventExit    EventType = "exit"
	EventFailure EventType = "failure"
)

// Run describes one spawned child as seen by the runner. Fields are filled
// in as the run progresses: Kind/ExitCode/Signal once reaped, Stage/Errno
// when spawning failed or the exit could not be observed (stage "wait" or
// "decode").
type Run struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	UID       *int      `json:"uid,omitempty"`
	GID       *int      `json:"gid,omitempty"`
	Groups    []int     `json:"groups,omitempty"`
	Setsid    bool      `json:"setsid"`
	StartedAt time.Time `json:"started_at"`
	// ProcStartedAt is the kernel's start time for PID, zero if unknown.
	ProcStartedAt time.Time `json:"proc_started_at,omitzero"`
	StoppedAt     time.Time `json:"stopped_at,omitzero"`
	Kind          string    `json:"kind,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Signal        int       `json:"signal,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	Errno         string    `json:"errno,omitempty"`
}

// Event represents a run event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        Run       `json:"run"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// IDOrUnset returns *p, or -1 for an id that was not overridden.
func IDOrUnset(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// JoinGroups renders supplementary groups as a comma separated list.
func JoinGroups(groups []int) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}
