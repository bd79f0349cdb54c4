package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corvid-Labs/fixstream/internal/logger"
)

func collectMessages() (Sink, *[]Message) {
	var got []Message
	return func(msg Message) { got = append(got, msg) }, &got
}

func TestMessageWriterDecodesLines(t *testing.T) {
	sink, got := collectMessages()
	w := NewMessageWriter(sink, logger.NewTestLogger())

	input := `{"type":"progress","data":{"message":"analyzing"}}
{"type":"fix","data":{"file":"app.py","status":"fixed"}}
`
	n, err := w.Write([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, len(input), n)

	require.Len(t, *got, 2)
	assert.Equal(t, "progress", (*got)[0].Type)
	assert.Equal(t, "analyzing", (*got)[0].Data["message"])
	assert.Equal(t, "fix", (*got)[1].Type)
	assert.Equal(t, "app.py", (*got)[1].Data["file"])
}

func TestMessageWriterHandlesPartialWrites(t *testing.T) {
	sink, got := collectMessages()
	w := NewMessageWriter(sink, logger.NewTestLogger())

	_, err := w.Write([]byte(`{"type":"prog`))
	require.NoError(t, err)
	assert.Empty(t, *got, "no message until the line completes")

	_, err = w.Write([]byte("ress\",\"data\":{\"step\":1}}\n"))
	require.NoError(t, err)

	require.Len(t, *got, 1)
	assert.Equal(t, "progress", (*got)[0].Type)
}

func TestMessageWriterSkipsNonProtocolOutput(t *testing.T) {
	sink, got := collectMessages()
	w := NewMessageWriter(sink, logger.NewTestLogger())

	input := "[ANALYZE] Found 3 error(s)\n" +
		"not json at all\n" +
		"{\"no_type\":true}\n" +
		"{\"type\":\"iteration\",\"data\":{\"iteration\":1}}\n"
	_, err := w.Write([]byte(input))
	require.NoError(t, err)

	require.Len(t, *got, 1)
	assert.Equal(t, "iteration", (*got)[0].Type)
}

func TestMessageWriterFlushDeliversTrailingLine(t *testing.T) {
	sink, got := collectMessages()
	w := NewMessageWriter(sink, logger.NewTestLogger())

	_, err := w.Write([]byte(`{"type":"complete","data":{}}`))
	require.NoError(t, err)
	assert.Empty(t, *got)

	w.Flush()

	require.Len(t, *got, 1)
	assert.Equal(t, "complete", (*got)[0].Type)
}

func TestMessageWriterEmptyLines(t *testing.T) {
	sink, got := collectMessages()
	w := NewMessageWriter(sink, logger.NewTestLogger())

	_, err := w.Write([]byte("\n\n{\"type\":\"progress\",\"data\":{}}\n\n"))
	require.NoError(t, err)

	require.Len(t, *got, 1)
}
