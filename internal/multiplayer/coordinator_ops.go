// internal/multiplayer/coordinator_ops.go
package multiplayer

import (
	"context"
	"fmt"
	"time"

	"github.com/ppy/osu-server-spectator/internal/database"
	"github.com/ppy/osu-server-spectator/internal/metrics"
)

// ChangeState applies a client-requested state change, subject to the
// transition table. Requesting the current state is a no-op.
func (c *Coordinator) ChangeState(ctx context.Context, userID int64, newState UserState) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if u.State == newState {
			return nil
		}
		switch clientTransitionRule(u.State, newState) {
		case transitionSilentDrop:
			return nil
		case transitionRejected, transitionServerOnly:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateChange, u.State, newState)
		}
		if newState == UserReady && room.Queue.CurrentItem() == nil {
			return fmt.Errorf("%w: no playable item to ready up against", ErrInvalidStateChange)
		}

		c.setUserState(room, u, newState)

		// Spectators joining a match already underway need to load into it.
		if newState == UserSpectating && room.State != RoomOpen {
			c.toUser(u.UserID, Event{Type: EventLoadRequested, RoomID: room.ID})
		}
		return c.updateRoomState(ctx, room)
	})
}

// setUserState records a user's new state, keeps gameplay-group membership in
// step with it and notifies the room.
func (c *Coordinator) setUserState(room *ServerRoom, u *RoomUser, newState UserState) {
	if u.State == newState {
		return
	}
	u.State = newState

	switch newState {
	case UserReady, UserSpectating:
		c.bc.AddToGroup(GroupGameplay(room.ID), u.UserID)
	case UserIdle, UserFinishedPlay:
		c.bc.RemoveFromGroup(GroupGameplay(room.ID), u.UserID)
	}

	c.toGroup(GroupControl(room.ID), Event{
		Type:   EventUserStateChanged,
		RoomID: room.ID,
		UserID: u.UserID,
		State:  newState.String(),
	})
}

func (c *Coordinator) setRoomState(room *ServerRoom, newState RoomState) {
	if room.State == newState {
		return
	}
	room.State = newState
	c.toGroup(GroupControl(room.ID), Event{
		Type:   EventRoomStateChanged,
		RoomID: room.ID,
		State:  newState.String(),
	})
}

// updateRoomState re-derives room-level state from the member states. Called
// after every mutation that can affect either.
func (c *Coordinator) updateRoomState(ctx context.Context, room *ServerRoom) error {
	switch room.State {
	case RoomOpen:
		if room.Queue.CurrentItem() == nil {
			// Nothing left to play; readiness is meaningless.
			for _, u := range room.UsersInState(UserReady) {
				c.setUserState(room, u, UserIdle)
			}
		}
		if room.Settings.AutoStartDuration <= 0 {
			// A countdown from when auto-start was enabled must not outlive
			// it.
			if room.StopCountdownIfKind(CountdownAutoStart) {
				c.toGroup(GroupControl(room.ID), Event{Type: EventCountdownChanged, RoomID: room.ID})
			}
			return nil
		}
		if room.AnyUserInState(UserReady) && room.Queue.CurrentItem() != nil {
			if room.Countdown() == nil {
				c.startCountdown(room, CountdownAutoStart, room.Settings.AutoStartDuration)
			}
		} else if room.StopCountdownIfKind(CountdownAutoStart) {
			c.toGroup(GroupControl(room.ID), Event{Type: EventCountdownChanged, RoomID: room.ID})
		}

	case RoomWaitingForLoad:
		if room.AnyUserInState(UserWaitingForLoad) {
			return nil
		}
		loaded := room.UsersInState(UserLoaded)
		if len(loaded) == 0 {
			// Every loading user bailed; the match never happened.
			c.setRoomState(room, RoomOpen)
			return c.updateRoomState(ctx, room)
		}
		for _, u := range loaded {
			c.setUserState(room, u, UserPlaying)
		}
		c.toGroup(GroupControl(room.ID), Event{Type: EventMatchStarted, RoomID: room.ID})
		c.setRoomState(room, RoomPlaying)

	case RoomPlaying:
		if room.AnyUserInState(UserPlaying) {
			return nil
		}
		for _, u := range room.UsersInState(UserFinishedPlay) {
			c.setUserState(room, u, UserResults)
		}
		c.setRoomState(room, RoomOpen)
		c.toGroup(GroupControl(room.ID), Event{Type: EventResultsReady, RoomID: room.ID})
		if err := c.finishCurrentItem(ctx, room); err != nil {
			return err
		}
		return c.updateRoomState(ctx, room)
	}
	return nil
}

// StartMatch begins gameplay for all ready users. Host only.
func (c *Coordinator) StartMatch(ctx context.Context, userID int64) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if room.Host == nil || room.Host.UserID != userID {
			return ErrNotHost
		}
		if room.State != RoomOpen {
			return fmt.Errorf("%w: match already in progress", ErrInvalidState)
		}
		if u.State != UserReady && u.State != UserSpectating {
			return fmt.Errorf("%w: host is not ready", ErrInvalidState)
		}
		if !room.AnyUserInState(UserReady) {
			return fmt.Errorf("%w: no users are ready", ErrInvalidState)
		}
		if room.StopCountdown() {
			c.toGroup(GroupControl(room.ID), Event{Type: EventCountdownChanged, RoomID: room.ID})
		}
		return c.internalStartMatch(ctx, room)
	})
}

// internalStartMatch is the shared start path for the host operation and
// countdown expiry. Silently does nothing when the room raced out of a
// startable position.
func (c *Coordinator) internalStartMatch(ctx context.Context, room *ServerRoom) error {
	if room.State != RoomOpen {
		return nil
	}
	if room.Queue.CurrentItem() == nil {
		return nil
	}
	ready := room.UsersInState(UserReady)
	if len(ready) == 0 {
		return nil
	}

	for _, u := range ready {
		c.setUserState(room, u, UserWaitingForLoad)
	}
	c.setRoomState(room, RoomWaitingForLoad)
	c.toGroup(GroupGameplay(room.ID), Event{Type: EventLoadRequested, RoomID: room.ID})
	return nil
}

// AbortGameplay drops the caller out of an in-flight match without a score.
func (c *Coordinator) AbortGameplay(ctx context.Context, userID int64) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if !u.State.IsGameplay() {
			return fmt.Errorf("%w: user is not in gameplay", ErrInvalidState)
		}
		c.setUserState(room, u, UserIdle)
		return c.updateRoomState(ctx, room)
	})
}

// SendMatchRequest routes a typed match request: countdown control is handled
// here, everything else is delegated to the room's match type handler.
func (c *Coordinator) SendMatchRequest(ctx context.Context, userID int64, req MatchRequest) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		switch req := req.(type) {
		case StartCountdownRequest:
			if room.Host == nil || room.Host.UserID != userID {
				return ErrNotHost
			}
			if room.State != RoomOpen {
				return fmt.Errorf("%w: match already in progress", ErrInvalidState)
			}
			if room.Settings.AutoStartDuration > 0 {
				return fmt.Errorf("%w: countdowns are managed automatically in this room", ErrInvalidState)
			}
			if req.Duration <= 0 {
				return fmt.Errorf("%w: countdown duration must be positive", ErrInvalidState)
			}
			c.startCountdown(room, CountdownMatchStart, req.Duration)
			return nil

		case StopCountdownRequest:
			if room.Host == nil || room.Host.UserID != userID {
				return ErrNotHost
			}
			// Auto-start countdowns are not cancellable.
			if room.StopCountdownIfKind(CountdownMatchStart) {
				c.toGroup(GroupControl(room.ID), Event{Type: EventCountdownChanged, RoomID: room.ID})
			}
			return nil

		default:
			events, err := room.matchType.HandleRequest(room, u, req)
			if err != nil {
				return err
			}
			for _, ev := range events {
				c.toGroup(GroupControl(room.ID), ev)
			}
			return nil
		}
	})
}

// startCountdown spawns a match-start countdown of the given kind and
// announces it.
func (c *Coordinator) startCountdown(room *ServerRoom, kind CountdownKind, duration time.Duration) {
	cd := room.StartCountdown(&Countdown{Kind: kind, Duration: duration}, c.countdownElapsed)
	metrics.CountdownsStarted.WithLabelValues(string(kind)).Inc()
	c.toGroup(GroupControl(room.ID), Event{Type: EventCountdownChanged, RoomID: room.ID, Countdown: cd})
}

// countdownElapsed runs under the re-acquired room lock when a countdown runs
// out (or is skipped to its end).
func (c *Coordinator) countdownElapsed(room *ServerRoom) {
	c.toGroup(GroupControl(room.ID), Event{Type: EventCountdownChanged, RoomID: room.ID})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.internalStartMatch(ctx, room); err != nil {
		c.log(room.ID, 0).WithError(err).Warn("countdown-driven match start failed")
	}
}

// finishCurrentItem wraps up the item that was just played: expire it,
// surface its successor, reset readiness and re-check everyone's mods against
// the new item.
func (c *Coordinator) finishCurrentItem(ctx context.Context, room *ServerRoom) error {
	finished := room.Queue.CurrentItem()

	events, err := room.Queue.FinishCurrentItem(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		c.toGroup(GroupControl(room.ID), ev)
	}

	if finished != nil {
		userIDs := make([]int64, 0, len(room.Users))
		for _, u := range room.Users {
			userIDs = append(userIDs, u.UserID)
		}
		c.publishRecord(ctx, MatchRecord{
			RoomID:         room.ID,
			PlaylistItemID: finished.ID,
			UserIDs:        userIDs,
			FinishedAt:     time.Now(),
		})
	}

	for _, u := range room.UsersInState(UserReady) {
		c.setUserState(room, u, UserIdle)
	}
	c.revalidateUserMods(room)
	c.syncCurrentItem(room)
	return nil
}

// revalidateUserMods clears any per-user selection that is no longer legal
// against the current item.
func (c *Coordinator) revalidateUserMods(room *ServerRoom) {
	cur := room.Queue.CurrentItem()
	for _, u := range room.Users {
		if len(u.Mods) == 0 {
			continue
		}
		if cur != nil && c.rules.IsValidSelection(cur.RulesetID, u.Mods, cur.RequiredMods, cur.AllowedMods) {
			continue
		}
		u.Mods = nil
		c.toGroup(GroupControl(room.ID), Event{Type: EventUserModsChanged, RoomID: room.ID, UserID: u.UserID})
	}
}

// syncCurrentItem mirrors the current item's id into the room settings so
// clients always see which item is up next.
func (c *Coordinator) syncCurrentItem(room *ServerRoom) {
	var id int64
	if cur := room.Queue.CurrentItem(); cur != nil {
		id = cur.ID
	}
	room.Settings.PlaylistItemID = id
}

// ChangeUserMods records the caller's free-mod selection for the current
// item.
func (c *Coordinator) ChangeUserMods(ctx context.Context, userID int64, mods []database.Mod) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if cur := room.Queue.CurrentItem(); cur != nil && len(mods) > 0 {
			if !c.rules.IsValidSelection(cur.RulesetID, mods, cur.RequiredMods, cur.AllowedMods) {
				return fmt.Errorf("%w: mod selection is not valid for the current item", ErrInvalidState)
			}
		}
		u.Mods = database.CloneMods(mods)
		c.toGroup(GroupControl(room.ID), Event{
			Type:   EventUserModsChanged,
			RoomID: room.ID,
			UserID: u.UserID,
			Mods:   database.CloneMods(mods),
		})
		return nil
	})
}

// ChangeBeatmapAvailability reports the caller's local availability of the
// current beatmap to the rest of the room.
func (c *Coordinator) ChangeBeatmapAvailability(ctx context.Context, userID int64, availability BeatmapAvailability) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if u.BeatmapAvailability.Equal(availability) {
			return nil
		}
		u.BeatmapAvailability = availability
		c.toGroup(GroupControl(room.ID), Event{
			Type:         EventUserBeatmapAvailabilityChanged,
			RoomID:       room.ID,
			UserID:       u.UserID,
			Availability: &availability,
		})
		return nil
	})
}
