package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/privspawn/internal/history"
)

// maxErrBody bounds how much of an error response is quoted back.
const maxErrBody = 512

// Sink indexes history events as flat documents.
//
// Events that belong to a run are written with PUT <index>/_doc/<run>-<type>,
// so resending the same event overwrites rather than duplicates it. Events
// without a run id fall back to POST <index>/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document flattens an Event for keyword search on run fields.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	history.Run
}

func (s *Sink) target(e history.Event) (method, u string) {
	base := s.baseURL + "/" + url.PathEscape(s.index) + "/_doc"
	if e.Run.ID == "" {
		return http.MethodPost, base
	}
	return http.MethodPut, base + "/" + url.PathEscape(e.Run.ID+"-"+string(e.Type))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Timestamp: e.OccurredAt, Event: string(e.Type), Run: e.Run})
	if err != nil {
		return err
	}
	method, u := s.target(e)
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
