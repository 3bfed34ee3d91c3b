// internal/multiplayer/countdown_test.go
package multiplayer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppy/osu-server-spectator/internal/entity"
)

// newTrackedRoom creates a room registered in an entity store so countdown
// tasks can re-acquire its lock.
func newTrackedRoom(t *testing.T) (*entity.Store[ServerRoom], *ServerRoom) {
	t.Helper()
	tracker := entity.NewStore[ServerRoom]("room")

	usage, err := tracker.Acquire(context.Background(), 1, true)
	require.NoError(t, err)
	room := &ServerRoom{ID: 1, tracker: tracker}
	usage.Item = room
	usage.Release()
	return tracker, room
}

// withRoomLock runs fn holding the room's entity lock, the way coordinator
// operations do.
func withRoomLock(t *testing.T, tracker *entity.Store[ServerRoom], fn func(room *ServerRoom)) {
	t.Helper()
	usage, err := tracker.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	defer usage.Release()
	fn(usage.Item)
}

func TestCountdownCompletionCallbackRuns(t *testing.T) {
	tracker, _ := newTrackedRoom(t)

	completed := make(chan struct{})
	withRoomLock(t, tracker, func(room *ServerRoom) {
		room.StartCountdown(&Countdown{Kind: CountdownMatchStart, Duration: 10 * time.Millisecond}, func(r *ServerRoom) {
			close(completed)
		})
	})

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown never completed")
	}

	withRoomLock(t, tracker, func(room *ServerRoom) {
		assert.Nil(t, room.Countdown())
	})
}

func TestCountdownStopSuppressesCallback(t *testing.T) {
	tracker, _ := newTrackedRoom(t)

	completed := make(chan struct{})
	withRoomLock(t, tracker, func(room *ServerRoom) {
		room.StartCountdown(&Countdown{Kind: CountdownMatchStart, Duration: 20 * time.Millisecond}, func(r *ServerRoom) {
			close(completed)
		})
		stopped := room.StopCountdown()
		assert.True(t, stopped)
		assert.Nil(t, room.Countdown())
	})

	select {
	case <-completed:
		t.Fatal("callback ran despite stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCountdownReplacementCancelsPrevious(t *testing.T) {
	tracker, _ := newTrackedRoom(t)

	firstCompleted := make(chan struct{})
	secondCompleted := make(chan struct{})
	withRoomLock(t, tracker, func(room *ServerRoom) {
		first := room.StartCountdown(&Countdown{Kind: CountdownMatchStart, Duration: 20 * time.Millisecond}, func(r *ServerRoom) {
			close(firstCompleted)
		})
		second := room.StartCountdown(&Countdown{Kind: CountdownMatchStart, Duration: 30 * time.Millisecond}, func(r *ServerRoom) {
			close(secondCompleted)
		})
		assert.Greater(t, second.ID, first.ID)
		assert.Equal(t, second, room.Countdown())
	})

	select {
	case <-firstCompleted:
		t.Fatal("superseded countdown ran its callback")
	case <-secondCompleted:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement countdown never completed")
	}
}

func TestCountdownSkipRunsCallbackEarly(t *testing.T) {
	tracker, _ := newTrackedRoom(t)

	completed := make(chan struct{})
	var done <-chan struct{}
	withRoomLock(t, tracker, func(room *ServerRoom) {
		room.StartCountdown(&Countdown{Kind: CountdownMatchStart, Duration: time.Hour}, func(r *ServerRoom) {
			close(completed)
		})
		done = room.SkipCountdownToEnd()
		require.NotNil(t, done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("skip never finished")
	}
	select {
	case <-completed:
	default:
		t.Fatal("callback did not run on skip")
	}
}

func TestCountdownStopIfKind(t *testing.T) {
	tracker, _ := newTrackedRoom(t)

	withRoomLock(t, tracker, func(room *ServerRoom) {
		room.StartCountdown(&Countdown{Kind: CountdownAutoStart, Duration: time.Hour}, func(r *ServerRoom) {})

		assert.False(t, room.StopCountdownIfKind(CountdownMatchStart))
		require.NotNil(t, room.Countdown())

		assert.True(t, room.StopCountdownIfKind(CountdownAutoStart))
		assert.Nil(t, room.Countdown())
	})
}

func TestCountdownWarnsWhenRoomLockUnavailable(t *testing.T) {
	hook := logrustest.NewGlobal()
	defer hook.Reset()

	tracker := entity.NewStoreWithTimeout[ServerRoom]("room", 20*time.Millisecond)
	usage, err := tracker.Acquire(context.Background(), 1, true)
	require.NoError(t, err)
	room := &ServerRoom{ID: 1, tracker: tracker}
	usage.Item = room

	room.StartCountdown(&Countdown{Kind: CountdownMatchStart, Duration: 5 * time.Millisecond}, func(r *ServerRoom) {
		t.Error("completion callback ran without the room lock")
	})

	// Hold the room lock until the task's re-acquire has timed out; the
	// dropped completion must surface as a warning.
	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "countdown could not re-acquire") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	usage.Release()
}

func TestCountdownTimeRemainingIsLazy(t *testing.T) {
	cd := &Countdown{
		Kind:      CountdownMatchStart,
		Duration:  time.Minute,
		StartedAt: time.Now().Add(-30 * time.Second),
	}

	remaining := cd.TimeRemaining()
	assert.Greater(t, remaining, 29*time.Second)
	assert.LessOrEqual(t, remaining, 30*time.Second)

	expired := &Countdown{Kind: CountdownMatchStart, Duration: time.Second, StartedAt: time.Now().Add(-time.Minute)}
	assert.Equal(t, time.Duration(0), expired.TimeRemaining())
}

func TestCountdownJSONCarriesRemainingMillis(t *testing.T) {
	cd := &Countdown{
		ID:        3,
		Kind:      CountdownAutoStart,
		Duration:  time.Minute,
		StartedAt: time.Now(),
	}

	data, err := json.Marshal(cd)
	require.NoError(t, err)

	var wire struct {
		ID              int    `json:"id"`
		Kind            string `json:"kind"`
		TimeRemainingMS int64  `json:"time_remaining_ms"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, 3, wire.ID)
	assert.Equal(t, "auto_start", wire.Kind)
	assert.Greater(t, wire.TimeRemainingMS, int64(59000))
	assert.LessOrEqual(t, wire.TimeRemainingMS, int64(60000))
}
