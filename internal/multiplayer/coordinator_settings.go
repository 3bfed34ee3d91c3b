// internal/multiplayer/coordinator_settings.go
package multiplayer

import (
	"context"
	"fmt"

	"github.com/ppy/osu-server-spectator/internal/database"
)

// ChangeSettings replaces the room settings. Host only, and only while the
// room is open. A strategy or queue-mode change re-runs the relevant
// machinery for all present users.
func (c *Coordinator) ChangeSettings(ctx context.Context, userID int64, settings RoomSettings) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if room.Host == nil || room.Host.UserID != userID {
			return ErrNotHost
		}
		if room.State != RoomOpen {
			return fmt.Errorf("%w: settings cannot change while the match is in progress", ErrInvalidState)
		}
		switch settings.MatchType {
		case MatchTypeHeadToHead, MatchTypeTeamVersus:
		default:
			return fmt.Errorf("%w: unsupported match type %q", ErrInvalidState, settings.MatchType)
		}
		switch settings.QueueMode {
		case QueueModeHostOnly, QueueModeAllPlayers, QueueModeAllPlayersRoundRobin:
		default:
			return fmt.Errorf("%w: unsupported queue mode %q", ErrInvalidState, settings.QueueMode)
		}

		// The current item pointer is server-owned; clients cannot move it.
		settings.PlaylistItemID = room.Settings.PlaylistItemID
		if settings == room.Settings {
			return nil
		}

		previous := room.Settings
		room.Settings = settings
		if err := c.db.UpdateRoomSettings(ctx, &database.Room{
			ID:                room.ID,
			Name:              settings.Name,
			Password:          settings.Password,
			Type:              string(settings.MatchType),
			QueueMode:         string(settings.QueueMode),
			AutoStartDuration: int(settings.AutoStartDuration.Seconds()),
		}); err != nil {
			room.Settings = previous
			return fmt.Errorf("persist room settings: %w", err)
		}

		if settings.MatchType != previous.MatchType {
			room.matchType = newMatchTypeHandler(settings.MatchType)
			for _, ru := range room.Users {
				ru.MatchState = nil
			}
			for _, ru := range room.Users {
				for _, ev := range room.matchType.OnJoin(room, ru) {
					c.toGroup(GroupControl(room.ID), ev)
				}
			}
		}

		if settings.QueueMode != previous.QueueMode {
			events, err := room.Queue.SetMode(ctx, settings.QueueMode)
			if err != nil {
				return err
			}
			for _, ev := range events {
				c.toGroup(GroupControl(room.ID), ev)
			}
			c.syncCurrentItem(room)
		}

		c.revalidateUserMods(room)
		for _, ru := range room.UsersInState(UserReady) {
			c.setUserState(room, ru, UserIdle)
		}

		broadcast := room.Settings
		c.toGroup(GroupControl(room.ID), Event{Type: EventSettingsChanged, RoomID: room.ID, Settings: &broadcast})
		return c.updateRoomState(ctx, room)
	})
}

// TransferHost hands host privileges to another present user. Host only.
func (c *Coordinator) TransferHost(ctx context.Context, callerID, targetID int64) error {
	return c.withUserRoom(ctx, callerID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		if room.Host == nil || room.Host.UserID != callerID {
			return ErrNotHost
		}
		target := room.FindUser(targetID)
		if target == nil {
			return fmt.Errorf("%w: target is not in the room", ErrInvalidState)
		}
		if target == room.Host {
			return nil
		}
		room.Host = target
		c.toGroup(GroupControl(room.ID), Event{Type: EventHostChanged, RoomID: room.ID, UserID: targetID})
		if err := c.db.UpdateRoomHost(ctx, room.ID, targetID); err != nil {
			c.log(room.ID, targetID).WithError(err).Warn("failed to persist host change")
		}
		return nil
	})
}

// InvitePlayer sends a join invitation, carrying the room password, unless
// blocks or privacy settings forbid it.
func (c *Coordinator) InvitePlayer(ctx context.Context, callerID, targetID int64) error {
	return c.withUserRoom(ctx, callerID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		callerToTarget, err := c.db.GetUserRelation(ctx, callerID, targetID)
		if err != nil {
			return fmt.Errorf("relation lookup: %w", err)
		}
		targetToCaller, err := c.db.GetUserRelation(ctx, targetID, callerID)
		if err != nil {
			return fmt.Errorf("relation lookup: %w", err)
		}
		if callerToTarget.Blocked || targetToCaller.Blocked {
			return ErrUserBlocked
		}
		friendsOnly, err := c.db.UserPMFriendsOnly(ctx, targetID)
		if err != nil {
			return fmt.Errorf("privacy lookup: %w", err)
		}
		if friendsOnly && !targetToCaller.Friend {
			return ErrUserBlocksPMs
		}

		c.toUser(targetID, Event{
			Type:     EventInvited,
			RoomID:   room.ID,
			UserID:   callerID,
			Password: room.Settings.Password,
		})
		return nil
	})
}

// AddPlaylistItem queues a new item (or re-edits the pending one in host-only
// mode) on behalf of the caller.
func (c *Coordinator) AddPlaylistItem(ctx context.Context, userID int64, item *database.PlaylistItem) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		isHost := room.Host != nil && room.Host.UserID == userID
		events, err := room.Queue.Add(ctx, item, userID, isHost)
		if err != nil {
			return err
		}
		for _, ev := range events {
			c.toGroup(GroupControl(room.ID), ev)
		}
		c.syncCurrentItem(room)
		return c.updateRoomState(ctx, room)
	})
}

// EditPlaylistItem replaces an existing item's beatmap, ruleset and mods.
func (c *Coordinator) EditPlaylistItem(ctx context.Context, userID int64, item *database.PlaylistItem) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		isHost := room.Host != nil && room.Host.UserID == userID
		events, err := room.Queue.Edit(ctx, item, userID, isHost)
		if err != nil {
			return err
		}
		for _, ev := range events {
			c.toGroup(GroupControl(room.ID), ev)
		}
		c.revalidateUserMods(room)
		c.syncCurrentItem(room)
		return c.updateRoomState(ctx, room)
	})
}

// RemovePlaylistItem deletes a queued item. Removing the current item is
// legal and forces the room to re-derive readiness against its successor.
func (c *Coordinator) RemovePlaylistItem(ctx context.Context, userID, itemID int64) error {
	return c.withUserRoom(ctx, userID, func(ctx context.Context, room *ServerRoom, u *RoomUser) error {
		isHost := room.Host != nil && room.Host.UserID == userID
		events, err := room.Queue.Remove(ctx, itemID, userID, isHost)
		if err != nil {
			return err
		}
		for _, ev := range events {
			c.toGroup(GroupControl(room.ID), ev)
		}
		c.revalidateUserMods(room)
		c.syncCurrentItem(room)
		return c.updateRoomState(ctx, room)
	})
}
