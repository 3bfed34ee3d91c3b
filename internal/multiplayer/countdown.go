// internal/multiplayer/countdown.go
package multiplayer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/entity"
)

// CountdownKind distinguishes host-requested match start countdowns from the
// auto-start countdown driven by room settings. Auto-start countdowns may
// not be cancelled by clients.
type CountdownKind string

const (
	CountdownMatchStart CountdownKind = "match_start"
	CountdownAutoStart  CountdownKind = "auto_start"
)

// Countdown is a timed promise to run a room action unless stopped. The
// remaining time is derived from the start instant on every read, never
// stored as a decrementing value, so late joiners see an accurate figure.
type Countdown struct {
	ID        int           `json:"id"`
	Kind      CountdownKind `json:"kind"`
	Duration  time.Duration `json:"-"`
	StartedAt time.Time     `json:"-"`
}

// TimeRemaining computes the remaining time from wall clock.
func (c *Countdown) TimeRemaining() time.Duration {
	remaining := time.Until(c.StartedAt.Add(c.Duration))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarshalJSON serializes the countdown with its remaining time computed at
// encode time.
func (c *Countdown) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID              int           `json:"id"`
		Kind            CountdownKind `json:"kind"`
		TimeRemainingMS int64         `json:"time_remaining_ms"`
	}
	return json.Marshal(wire{
		ID:              c.ID,
		Kind:            c.Kind,
		TimeRemainingMS: c.TimeRemaining().Milliseconds(),
	})
}

// countdownTask is the background side of an active countdown. Two
// independent signals abort the sleep: stop suppresses the completion
// callback, skip races ahead but still runs it.
type countdownTask struct {
	countdown *Countdown
	stop      chan struct{}
	skip      chan struct{}
	done      chan struct{}
}

func (t *countdownTask) signal(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// StartCountdown begins a countdown on the room, replacing any active one.
// Must be called while holding the room's entity lock; the completion
// callback likewise runs under the lock, re-acquired by the background task.
func (r *ServerRoom) StartCountdown(c *Countdown, onComplete func(*ServerRoom)) *Countdown {
	r.StopCountdown()

	r.countdownSeq++
	c.ID = r.countdownSeq
	c.StartedAt = time.Now()

	task := &countdownTask{
		countdown: c,
		stop:      make(chan struct{}),
		skip:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.countdown = c
	r.countdownTask = task

	go r.runCountdown(task, onComplete)
	return c
}

// runCountdown sleeps out the countdown then re-enters the room under its
// lock to decide whether the completion callback still applies.
func (r *ServerRoom) runCountdown(task *countdownTask, onComplete func(*ServerRoom)) {
	defer close(task.done)

	timer := time.NewTimer(task.countdown.TimeRemaining())
	select {
	case <-timer.C:
	case <-task.stop:
	case <-task.skip:
	}
	timer.Stop()

	usage, err := r.tracker.Acquire(context.Background(), r.ID, false)
	if err != nil {
		// A destroyed room takes its countdown with it; anything else means
		// a completion was silently lost and needs eyes.
		if !errors.Is(err, entity.ErrNotTracked) {
			logrus.WithField("room", r.ID).WithError(err).Warn("countdown could not re-acquire its room; completion dropped")
		}
		return
	}
	defer usage.Release()

	room := usage.Item
	if room == nil || room.countdownTask != task {
		// Superseded or stopped while we slept.
		return
	}
	room.countdown = nil
	room.countdownTask = nil

	select {
	case <-task.stop:
		return
	default:
	}
	onComplete(room)
}

// Countdown returns the active countdown, or nil.
func (r *ServerRoom) Countdown() *Countdown {
	return r.countdown
}

// StopCountdown cancels the active countdown, if any, suppressing its
// completion callback. The countdown slot is cleared immediately so a
// replacement started by the caller is the only one subsequent readers see.
// Returns whether a countdown was stopped.
func (r *ServerRoom) StopCountdown() bool {
	task := r.countdownTask
	if task == nil {
		return false
	}
	r.countdown = nil
	r.countdownTask = nil
	task.signal(task.stop)
	return true
}

// StopCountdownIfKind cancels the active countdown only if it is of the
// given kind.
func (r *ServerRoom) StopCountdownIfKind(kind CountdownKind) bool {
	if r.countdown == nil || r.countdown.Kind != kind {
		return false
	}
	return r.StopCountdown()
}

// SkipCountdownToEnd makes the active countdown complete immediately. The
// returned channel closes once the completion callback has run (or the
// countdown turned out to be gone). Returns nil if no countdown is active.
func (r *ServerRoom) SkipCountdownToEnd() <-chan struct{} {
	task := r.countdownTask
	if task == nil {
		return nil
	}
	task.signal(task.skip)
	return task.done
}
