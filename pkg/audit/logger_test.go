package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(context.Background(), EventDecision, "sess-1", "agent-7", "act-1", map[string]any{
		"outcome": "DENY",
		"reason":  "DEFAULT_DENY",
	})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventDecision, event.Type)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, "agent-7", event.ActorID)
	assert.Equal(t, "act-1", event.Subject)
	assert.Equal(t, "DENY", event.Metadata["outcome"])
	assert.False(t, event.Timestamp.IsZero())
}

func TestRecordOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(context.Background(), EventSession, "sess-1", "", "terminated", nil))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
}

func TestNilWriterDefaultsToStdout(t *testing.T) {
	assert.NotNil(t, NewLoggerWithWriter(nil))
}
