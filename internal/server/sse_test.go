package server

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corvid-Labs/fixstream/internal/run"
)

type sseFrame struct {
	event string
	data  string
}

// readFrame consumes one SSE frame, blocking until its blank-line
// terminator arrives.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "stream ended mid-frame")
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if frame.event != "" || frame.data != "" {
				return frame
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func decodeEvent(t *testing.T, frame sseFrame) run.Event {
	t.Helper()
	var event run.Event
	require.NoError(t, json.Unmarshal([]byte(frame.data), &event))
	return event
}

func openStream(t *testing.T, baseURL, runID string) (*http.Response, *bufio.Reader) {
	t.Helper()
	resp, err := http.Get(baseURL + "/runs/" + runID + "/events")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestEventStreamReplayThenLive(t *testing.T) {
	s, reg, _ := newTestServer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	require.NoError(t, reg.Create(&run.Run{ID: "feed0001", RepoURL: "https://github.com/acme/site"}))
	reg.AppendEvent("feed0001", run.EventProgress, map[string]interface{}{"message": "Cloning repository"})
	reg.AppendEvent("feed0001", run.EventProgress, map[string]interface{}{"message": "Repository cloned"})

	resp, reader := openStream(t, srv.URL, "feed0001")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Everything appended before the attach replays first, in order.
	first := decodeEvent(t, readFrame(t, reader))
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, run.EventProgress, first.Type)
	assert.Equal(t, "Cloning repository", first.Data["message"])

	second := decodeEvent(t, readFrame(t, reader))
	assert.Equal(t, int64(2), second.Seq)

	// Events appended while connected arrive live.
	reg.AppendEvent("feed0001", run.EventFix, map[string]interface{}{"file": "src/a.py"})
	live := decodeEvent(t, readFrame(t, reader))
	assert.Equal(t, int64(3), live.Seq)
	assert.Equal(t, run.EventFix, live.Type)

	// A complete event closes the stream.
	reg.AppendEvent("feed0001", run.EventComplete, map[string]interface{}{"status": "passed"})
	last := readFrame(t, reader)
	assert.Equal(t, run.EventComplete, last.event)

	_, err := reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "stream must end after the complete frame")
}

func TestEventStreamTerminalReplayCloses(t *testing.T) {
	s, reg, _ := newTestServer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	require.NoError(t, reg.Create(&run.Run{ID: "feed0002", RepoURL: "https://github.com/acme/site"}))
	reg.AppendEvent("feed0002", run.EventProgress, map[string]interface{}{"message": "Cloning repository"})
	reg.AppendEvent("feed0002", run.EventError, map[string]interface{}{"error": "failed to clone repository"})

	_, reader := openStream(t, srv.URL, "feed0002")

	assert.Equal(t, run.EventProgress, readFrame(t, reader).event)
	assert.Equal(t, run.EventError, readFrame(t, reader).event)

	_, err := reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "replayed error frame ends the stream")
}

func TestEventStreamUnknownRun(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/unknown1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), contentTypeJSON)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "run not found")
}

func TestEventStreamHeartbeat(t *testing.T) {
	s, reg, _ := newTestServer(t)
	srv := httptest.NewServer(s.routes())
	// Close via t.Cleanup so the client body (closed in a later-registered
	// cleanup) is released first; a plain defer would run before it and
	// deadlock waiting on the still-open stream.
	t.Cleanup(srv.Close)

	// No events at all: the only traffic is heartbeats.
	require.NoError(t, reg.Create(&run.Run{ID: "feed0003", RepoURL: "https://github.com/acme/site"}))

	_, reader := openStream(t, srv.URL, "feed0003")

	frame := readFrame(t, reader)
	assert.Equal(t, run.EventHeartbeat, frame.event)

	event := decodeEvent(t, frame)
	assert.Equal(t, run.EventHeartbeat, event.Type)
	assert.Zero(t, event.Seq, "heartbeats are not part of the run's log")
}

func TestEventStreamDetachOnDisconnect(t *testing.T) {
	s, reg, _ := newTestServer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	require.NoError(t, reg.Create(&run.Run{ID: "feed0004", RepoURL: "https://github.com/acme/site"}))

	resp, _ := openStream(t, srv.URL, "feed0004")

	require.Eventually(t, func() bool {
		return reg.ObserverCount("feed0004") == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp.Body.Close()

	require.Eventually(t, func() bool {
		return reg.ObserverCount("feed0004") == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect must detach the observer")
}
