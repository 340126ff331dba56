package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkBounded(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink(3)

	for _, actor := range []string{"mal", "zoe", "wash", "kaylee"} {
		require.NoError(t, sink.Record(ctx, NewEvent(ActionLogin, actor, "")))
	}

	events := sink.Events()
	require.Len(t, events, 3, "sink must drop oldest events past its cap")
	assert.Equal(t, "zoe", events[0].Actor)
	assert.Equal(t, "kaylee", events[2].Actor)
}

func TestMemorySinkByActor(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink(10)

	require.NoError(t, sink.Record(ctx, NewEvent(ActionLogin, "mal", "")))
	require.NoError(t, sink.Record(ctx, NewEvent(ActionServerStart, "mal", "mal")))
	require.NoError(t, sink.Record(ctx, NewEvent(ActionLogin, "zoe", "")))

	assert.Len(t, sink.ByActor("mal"), 2)
	assert.Len(t, sink.ByActor("zoe"), 1)
	assert.Empty(t, sink.ByActor("jayne"))
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	sink, err := NewFileSink(path)
	require.NoError(t, err)

	event := NewEvent(ActionServerStart, "kaylee", "kaylee").
		WithDetail("state", "running").
		WithRequestID("req-1")
	require.NoError(t, sink.Record(ctx, event))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var got Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, ActionServerStart, got.Action)
	assert.Equal(t, "kaylee", got.Actor)
	assert.Equal(t, "running", got.Detail["state"])
	assert.Equal(t, "req-1", got.RequestID)
	assert.NotEmpty(t, got.ID)
}

// failSink errors on every record
type failSink struct{}

func (failSink) Record(ctx context.Context, event *Event) error {
	return errors.New("sink broken")
}

func TestMultiSinkDeliversToAll(t *testing.T) {
	ctx := context.Background()
	a := NewMemorySink(10)
	b := NewMemorySink(10)
	multi := MultiSink{a, failSink{}, b}

	err := multi.Record(ctx, NewEvent(ActionLogout, "inara", ""))
	assert.Error(t, err, "a broken sink surfaces its error")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "later sinks still receive the event")
}
