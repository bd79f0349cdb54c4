package agent

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/Corvid-Labs/fixstream/internal/logger"
)

// Message is one line of the agent's stdout protocol.
type Message struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Sink receives decoded agent messages in emission order.
type Sink func(Message)

// lineWriter implements io.Writer, buffering data and invoking fn once per
// complete line. Partial lines are held until a newline arrives, so the
// subprocess can write in arbitrary chunks.
type lineWriter struct {
	fn     func([]byte)
	buffer bytes.Buffer
}

func newLineWriter(fn func([]byte)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buffer.Write(p)

	for {
		line, err := w.buffer.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// No complete line yet; put back what we read.
				if len(line) > 0 {
					w.buffer.Write(line)
				}
				break
			}
			return len(p), err
		}
		w.fn(line)
	}

	return len(p), nil
}

// Flush delivers any trailing line that was not newline-terminated.
func (w *lineWriter) Flush() {
	if w.buffer.Len() > 0 {
		w.fn(w.buffer.Bytes())
		w.buffer.Reset()
	}
}

// MessageWriter decodes the agent's line protocol. Each complete stdout
// line is parsed as one JSON message and handed to the sink; lines that do
// not parse are logged and skipped so stray prints from the agent cannot
// poison the stream.
type MessageWriter struct {
	*lineWriter
}

// NewMessageWriter builds a MessageWriter feeding sink.
func NewMessageWriter(sink Sink, log *logger.Logger) *MessageWriter {
	dispatch := func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			log.WithField("line", string(line)).Debug("skipping non-protocol agent output")
			return
		}
		sink(msg)
	}
	return &MessageWriter{lineWriter: newLineWriter(dispatch)}
}
