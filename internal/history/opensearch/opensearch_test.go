package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/privspawn/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	body   map[string]any
}

func recorder(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &c.body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSendFlattensRunIntoDocument(t *testing.T) {
	srv, got := recorder(t, http.StatusCreated, `{"result":"created"}`)
	sink := New(srv.URL, "spawn-history")

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	uid := 1000
	e := history.Event{
		Type:       history.EventSpawn,
		OccurredAt: at,
		Run: history.Run{
			ID:        "run-1",
			Name:      "backup",
			Path:      "/usr/bin/rsync",
			PID:       12345,
			Mode:      "prefork",
			UID:       &uid,
			Groups:    []int{27},
			StartedAt: at,
		},
	}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/spawn-history/_doc/run-1-spawn", got.path)
	assert.Equal(t, "2024-03-01T12:00:00Z", got.body["@timestamp"])
	assert.Equal(t, "spawn", got.body["event"])
	assert.Equal(t, "backup", got.body["name"])
	assert.Equal(t, float64(12345), got.body["pid"])
	assert.Equal(t, "prefork", got.body["mode"])
	assert.Equal(t, float64(1000), got.body["uid"])
	assert.NotContains(t, got.body, "run", "run fields are inlined")
}

func TestSendWithoutRunIDPosts(t *testing.T) {
	srv, got := recorder(t, http.StatusCreated, "")
	sink := New(srv.URL+"/", "events")
	assert.Equal(t, srv.URL, sink.baseURL)

	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventExit, OccurredAt: time.Now()}))
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/events/_doc", got.path)
}

func TestSendErrorStatusQuotesBody(t *testing.T) {
	srv, _ := recorder(t, http.StatusBadRequest, `{"error":"mapper_parsing_exception"}`)
	sink := New(srv.URL, "idx")

	err := sink.Send(context.Background(), history.Event{
		Type: history.EventFailure,
		Run:  history.Run{ID: "r", Name: "x", Stage: "setuid", Errno: "EPERM"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := srv.URL
	srv.Close()

	err := New(u, "idx").Send(context.Background(), history.Event{Type: history.EventSpawn})
	assert.Error(t, err)
}
