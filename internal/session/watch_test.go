package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchers_UnsubscribeOnCancel(t *testing.T) {
	w := newWatchers(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := w.subscribe(ctx, "B1", 4)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// Publishing after the subscriber left must not panic.
	w.publish(StateChange{BranchID: "B1", To: StateReady})
}

func TestWatchers_DropsForSlowSubscriber(t *testing.T) {
	w := newWatchers(slog.Default())
	ch, _ := w.subscribe(context.Background(), AllBranches, 1)

	w.publish(StateChange{BranchID: "B1", To: StateInitializing})
	w.publish(StateChange{BranchID: "B1", To: StateReady}) // dropped, buffer full

	got := <-ch
	assert.Equal(t, StateInitializing, got.To)
	select {
	case c := <-ch:
		t.Fatalf("unexpected extra change %+v", c)
	default:
	}
}

func TestWatchers_SubscribeAfterClose(t *testing.T) {
	w := newWatchers(slog.Default())
	w.close()

	ch, _ := w.subscribe(context.Background(), "B1", 1)
	_, open := <-ch
	assert.False(t, open)
}
