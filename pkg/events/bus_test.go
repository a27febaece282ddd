package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/models"
)

func stepEvent(execID string, n int) Event {
	return NewExecutionStep(execID, "u1", models.ExecutionStep{
		ID:   fmt.Sprintf("s%d", n),
		Kind: models.StepThinking,
	})
}

func TestPublishOrderPreservedPerExecution(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe(Filter{ExecutionID: "e1"})
	defer sub.Close()

	for i := 0; i < 20; i++ {
		bus.Publish(stepEvent("e1", i))
	}

	for i := 0; i < 20; i++ {
		e := <-sub.C()
		assert.Equal(t, fmt.Sprintf("s%d", i), e.Step.ID)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(Filter{ExecutionID: "e1"})
	defer sub.Close()

	// Nobody reads: the first events beyond the buffer are discarded.
	for i := 0; i < 10; i++ {
		bus.Publish(stepEvent("e1", i))
	}

	assert.Equal(t, int64(6), sub.Lagged())

	// The surviving window is the newest 4 events, still in order.
	for want := 6; want < 10; want++ {
		e := <-sub.C()
		assert.Equal(t, fmt.Sprintf("s%d", want), e.Step.ID)
	}
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected extra event %s", e.Step.ID)
	default:
	}
}

func TestFilterMatching(t *testing.T) {
	bus := NewBus(16)

	byExec := bus.Subscribe(Filter{ExecutionID: "e1"})
	byUser := bus.Subscribe(Filter{UserID: "u2"})
	byKind := bus.Subscribe(Filter{Kinds: []Type{ExecutionCompleted}})
	all := bus.Subscribe(Filter{})
	defer byExec.Close()
	defer byUser.Close()
	defer byKind.Close()
	defer all.Close()

	bus.Publish(stepEvent("e1", 1))
	bus.Publish(Event{Type: ExecutionCompleted, ExecutionID: "e2", UserID: "u2", Timestamp: time.Now()})

	e := <-byExec.C()
	assert.Equal(t, "e1", e.ExecutionID)

	e = <-byUser.C()
	assert.Equal(t, "u2", e.UserID)

	e = <-byKind.C()
	assert.Equal(t, ExecutionCompleted, e.Type)

	assert.Len(t, all.C(), 2)

	select {
	case e := <-byExec.C():
		t.Fatalf("filter leaked event %s for %s", e.Type, e.ExecutionID)
	default:
	}
}

func TestCloseIsIdempotentAndDetaches(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(Filter{})
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Publishing after close must not panic on the closed channel.
	bus.Publish(stepEvent("e1", 1))

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestStreamNDJSON(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(Filter{ExecutionID: "e1"})

	bus.Publish(stepEvent("e1", 1))
	bus.Publish(Event{Type: ExecutionCompleted, ExecutionID: "e1", FinalContent: "done", Timestamp: time.Now()})
	sub.Close()

	var buf bytes.Buffer
	err := StreamNDJSON(context.Background(), sub, &buf)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, string(ExecutionStep), first["type"])
	assert.Equal(t, "e1", first["execution_id"])
	assert.Contains(t, first, "ts")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, string(ExecutionCompleted), second["type"])
	assert.Equal(t, "done", second["final_content"])
}

func TestStreamNDJSONStopsOnContextCancel(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(Filter{})
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := StreamNDJSON(ctx, sub, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
