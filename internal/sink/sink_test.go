package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

func sample() logtypes.LogEntry {
	return logtypes.LogEntry{
		Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 123*int(time.Millisecond), time.UTC),
		PID:       1000,
		TID:       1001,
		Severity:  logtypes.Warning,
		Tag:       "MyTag",
		Text:      "hello\nworld",
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("", FormatText)
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat(" JSON ", FormatText)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml", FormatText)
	assert.Error(t, err)
}

func TestCompact(t *testing.T) {
	assert.Equal(t,
		"06-01 10:00:00.123  1000  1001 W MyTag: hello\n06-01 10:00:00.123  1000  1001 W MyTag: world",
		Compact(sample()))
}

func TestConsole_Text(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, FormatText, false)

	require.NoError(t, c.Consume(sample()))
	require.NoError(t, c.Close())

	assert.Equal(t, logtypes.Text(sample())+"\n\n", buf.String())
}

func TestConsole_JSON(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, FormatJSON, true)
	require.NoError(t, c.Consume(sample()))

	var got logtypes.LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "MyTag", got.Tag)
	assert.Equal(t, logtypes.Warning, got.Severity)
	assert.True(t, got.Timestamp.Equal(sample().Timestamp))
}

func TestConsole_ColorKeepsContent(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, FormatCompact, true)
	require.NoError(t, c.Consume(sample()))
	assert.Contains(t, buf.String(), "MyTag: hello")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestConsole_WriteError(t *testing.T) {
	c := NewConsole(failWriter{}, FormatCompact, false)
	assert.ErrorContains(t, c.Consume(sample()), "broken pipe")
}

func TestObserve(t *testing.T) {
	boom := errors.New("boom")
	var failed []string
	c := Observe("loki", pipeline.ConsumerFunc(func(logtypes.LogEntry) error { return boom }), func(s string) {
		failed = append(failed, s)
	})

	assert.ErrorIs(t, c.Consume(sample()), boom)
	assert.Equal(t, []string{"loki"}, failed)
	require.NoError(t, c.Close())

	next := pipeline.ConsumerFunc(func(logtypes.LogEntry) error { return nil })
	assert.NotNil(t, Observe("x", next, nil))
}
