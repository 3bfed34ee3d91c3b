// internal/multiplayer/coordinator.go
package multiplayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/database"
	"github.com/ppy/osu-server-spectator/internal/entity"
	"github.com/ppy/osu-server-spectator/internal/metrics"
)

// MatchRecord is the compact summary published to the match-event journal
// when a playlist item finishes or a room winds down.
type MatchRecord struct {
	RoomID         int64     `json:"room_id"`
	PlaylistItemID int64     `json:"playlist_item_id,omitempty"`
	UserIDs        []int64   `json:"user_ids"`
	FinishedAt     time.Time `json:"finished_at"`
}

// MatchJournal receives match records for downstream processing. A nil
// journal disables publishing.
type MatchJournal interface {
	PublishMatchRecord(ctx context.Context, rec MatchRecord) error
}

// Coordinator owns all live rooms and per-user client states and validates
// every user-driven transition. Each operation acquires the caller's
// client-state lock and then the room's lock, in that order.
type Coordinator struct {
	logger  *logrus.Logger
	db      database.Store
	bc      Broadcaster
	rules   ModRules
	journal MatchJournal

	rooms *entity.Store[ServerRoom]
	users *entity.Store[ClientState]
}

// NewCoordinator wires a coordinator. journal may be nil.
func NewCoordinator(logger *logrus.Logger, db database.Store, bc Broadcaster, rules ModRules, journal MatchJournal) *Coordinator {
	return &Coordinator{
		logger:  logger,
		db:      db,
		bc:      bc,
		rules:   rules,
		journal: journal,
		rooms:   entity.NewStore[ServerRoom]("room"),
		users:   entity.NewStore[ClientState]("user_state"),
	}
}

// TrackedRooms returns a stale-tolerant view of the live rooms, for
// diagnostics only.
func (c *Coordinator) TrackedRooms() map[int64]*ServerRoom {
	return c.rooms.Snapshot()
}

func (c *Coordinator) log(roomID, userID int64) *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{"room": roomID, "user": userID})
}

func (c *Coordinator) toGroup(group string, ev Event) {
	metrics.EventsBroadcast.WithLabelValues(ev.Type).Inc()
	c.bc.ToGroup(group, ev)
}

func (c *Coordinator) toUser(userID int64, ev Event) {
	metrics.EventsBroadcast.WithLabelValues(ev.Type).Inc()
	c.bc.ToUser(userID, ev)
}

// withUserRoom runs fn with the caller's client state and room both locked,
// in canonical user-before-room order.
func (c *Coordinator) withUserRoom(ctx context.Context, userID int64, fn func(ctx context.Context, room *ServerRoom, u *RoomUser) error) error {
	userUsage, err := c.users.Acquire(ctx, userID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return ErrNotJoinedRoom
		}
		return err
	}
	defer userUsage.Release()

	cs := userUsage.Item
	if cs == nil {
		return ErrNotJoinedRoom
	}

	roomUsage, err := c.rooms.Acquire(ctx, cs.RoomID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return ErrNotJoinedRoom
		}
		return err
	}
	defer roomUsage.Release()

	room := roomUsage.Item
	if room == nil {
		return ErrNotJoinedRoom
	}
	u := room.FindUser(userID)
	if u == nil {
		return ErrNotJoinedRoom
	}
	return fn(ctx, room, u)
}

// JoinRoom adds the caller to the given room, creating the server-side room
// from its persisted record if this is the first joiner. Returns a deep
// snapshot of the room.
func (c *Coordinator) JoinRoom(ctx context.Context, userID, roomID int64, password string) (*RoomSnapshot, error) {
	restricted, err := c.db.IsUserRestricted(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("restriction check: %w", err)
	}
	if restricted {
		return nil, fmt.Errorf("%w: restricted users cannot join rooms", ErrInvalidState)
	}

	userUsage, err := c.users.Acquire(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	if userUsage.Item != nil {
		userUsage.Release()
		return nil, fmt.Errorf("%w: already joined room %d", ErrInvalidState, userUsage.Item.RoomID)
	}

	snap, err := c.joinRoom(ctx, userID, roomID, password)
	if err != nil {
		// The client state was created for this attempt only.
		userUsage.Destroy()
		return nil, err
	}

	userUsage.Item = &ClientState{RoomID: roomID}
	userUsage.Release()
	return snap, nil
}

// joinRoom performs the room-side half of JoinRoom under the room lock.
func (c *Coordinator) joinRoom(ctx context.Context, userID, roomID int64, password string) (*RoomSnapshot, error) {
	roomUsage, err := c.rooms.Acquire(ctx, roomID, true)
	if err != nil {
		return nil, err
	}

	room := roomUsage.Item
	if room == nil {
		room, err = c.initialiseRoom(ctx, roomID, userID, password)
		if err != nil {
			// Creation started but no user was ever added: end the match
			// of record and drop the entity.
			if endErr := c.db.EndMatch(ctx, roomID); endErr != nil {
				c.log(roomID, userID).WithError(endErr).Warn("failed to end match after aborted room creation")
			}
			roomUsage.Destroy()
			return nil, err
		}
		roomUsage.Item = room
	} else {
		if room.FindUser(userID) != nil {
			roomUsage.Release()
			return nil, fmt.Errorf("%w: user already listed in room %d", ErrInvalidState, roomID)
		}
		if room.Settings.Password != password {
			roomUsage.Release()
			return nil, ErrInvalidPassword
		}
	}
	defer roomUsage.Release()

	u := &RoomUser{
		UserID:              userID,
		State:               UserIdle,
		BeatmapAvailability: BeatmapAvailability{State: BeatmapNotDownloaded},
	}

	c.toGroup(GroupControl(roomID), Event{Type: EventUserJoined, RoomID: roomID, UserID: userID})
	room.AddUser(u)
	if room.Host == nil {
		room.Host = u
	}
	for _, ev := range room.matchType.OnJoin(room, u) {
		c.toGroup(GroupControl(roomID), ev)
	}

	// Participant bookkeeping is best-effort.
	if err := c.db.AddParticipant(ctx, roomID, userID); err != nil {
		c.log(roomID, userID).WithError(err).Warn("failed to persist participant")
	}

	c.bc.AddToGroup(GroupControl(roomID), userID)
	metrics.JoinedUsers.Inc()
	c.log(roomID, userID).Info("user joined room")

	return room.Snapshot(), nil
}

// initialiseRoom loads the room-of-record and builds the in-memory
// aggregate. The first joiner must be the owner-of-record.
func (c *Coordinator) initialiseRoom(ctx context.Context, roomID, userID int64, password string) (*ServerRoom, error) {
	dbRoom, err := c.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: room %d lookup failed: %v", ErrInvalidState, roomID, err)
	}
	if dbRoom.Ended(time.Now()) {
		return nil, fmt.Errorf("%w: room %d has already ended", ErrInvalidState, roomID)
	}
	if dbRoom.HostUserID != userID {
		return nil, fmt.Errorf("%w: room %d must be joined by its owner first", ErrInvalidState, roomID)
	}
	if dbRoom.Password != password {
		return nil, ErrInvalidPassword
	}

	items, err := c.db.GetAllPlaylistItems(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load playlist: %w", err)
	}

	settings := RoomSettings{
		Name:              dbRoom.Name,
		Password:          dbRoom.Password,
		MatchType:         MatchType(dbRoom.Type),
		QueueMode:         QueueMode(dbRoom.QueueMode),
		AutoStartDuration: time.Duration(dbRoom.AutoStartDuration) * time.Second,
	}

	queue := NewPlaylistQueue(roomID, settings.QueueMode, items, c.db, c.rules)
	if cur := queue.CurrentItem(); cur != nil {
		settings.PlaylistItemID = cur.ID
	}

	room := &ServerRoom{
		ID:        roomID,
		Settings:  settings,
		State:     RoomOpen,
		Queue:     queue,
		matchType: newMatchTypeHandler(settings.MatchType),
		tracker:   c.rooms,
	}

	// The room must be flagged active before any user is visible in it.
	if err := c.db.MarkRoomActive(ctx, dbRoom); err != nil {
		return nil, fmt.Errorf("mark room active: %w", err)
	}
	metrics.ActiveRooms.Inc()
	return room, nil
}

// LeaveRoom removes the caller from their current room.
func (c *Coordinator) LeaveRoom(ctx context.Context, userID int64) error {
	userUsage, err := c.users.Acquire(ctx, userID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return ErrNotJoinedRoom
		}
		return err
	}
	cs := userUsage.Item
	if cs == nil {
		userUsage.Destroy()
		return ErrNotJoinedRoom
	}

	if err := c.removeFromRoom(ctx, cs.RoomID, userID, false); err != nil {
		userUsage.Release()
		return err
	}
	userUsage.Destroy()
	return nil
}

// HandleDisconnect is the transport-driven leave: it tolerates the user not
// being anywhere.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID int64) {
	if err := c.LeaveRoom(ctx, userID); err != nil && !errors.Is(err, ErrNotJoinedRoom) {
		c.log(0, userID).WithError(err).Warn("disconnect cleanup failed")
	}
}

// KickUser removes another user from the caller's room. Host only.
func (c *Coordinator) KickUser(ctx context.Context, callerID, targetID int64) error {
	if callerID == targetID {
		return fmt.Errorf("%w: cannot kick yourself", ErrInvalidState)
	}

	callerUsage, err := c.users.Acquire(ctx, callerID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return ErrNotJoinedRoom
		}
		return err
	}
	if callerUsage.Item == nil {
		callerUsage.Release()
		return ErrNotJoinedRoom
	}
	roomID := callerUsage.Item.RoomID
	callerUsage.Release()

	targetUsage, err := c.users.Acquire(ctx, targetID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return fmt.Errorf("%w: target is not in the room", ErrInvalidState)
		}
		return err
	}
	if targetUsage.Item == nil || targetUsage.Item.RoomID != roomID {
		targetUsage.Release()
		return fmt.Errorf("%w: target is not in the room", ErrInvalidState)
	}

	if err := c.kickFromRoom(ctx, roomID, callerID, targetID); err != nil {
		targetUsage.Release()
		return err
	}
	targetUsage.Destroy()
	return nil
}

func (c *Coordinator) kickFromRoom(ctx context.Context, roomID, callerID, targetID int64) error {
	roomUsage, err := c.rooms.Acquire(ctx, roomID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return ErrNotJoinedRoom
		}
		return err
	}

	room := roomUsage.Item
	if room == nil || room.Host == nil || room.Host.UserID != callerID {
		roomUsage.Release()
		return ErrNotHost
	}
	target := room.FindUser(targetID)
	if target == nil {
		roomUsage.Release()
		return fmt.Errorf("%w: target is not in the room", ErrInvalidState)
	}

	c.leaveRoomLocked(ctx, roomUsage, target, true)
	return nil
}

// removeFromRoom takes the room lock and runs the leave procedure for the
// given member.
func (c *Coordinator) removeFromRoom(ctx context.Context, roomID, userID int64, kicked bool) error {
	roomUsage, err := c.rooms.Acquire(ctx, roomID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			// Client state pointed at a room that is already gone; nothing
			// left to undo.
			c.log(roomID, userID).Warn("leave for untracked room")
			return nil
		}
		return err
	}

	room := roomUsage.Item
	u := room.FindUser(userID)
	if u == nil {
		roomUsage.Release()
		c.log(roomID, userID).Warn("leave for user missing from room list")
		return nil
	}

	c.leaveRoomLocked(ctx, roomUsage, u, kicked)
	return nil
}

// leaveRoomLocked performs the common leave/kick procedure. It consumes
// roomUsage: the room entity is destroyed when the final user leaves,
// released otherwise.
func (c *Coordinator) leaveRoomLocked(ctx context.Context, roomUsage *entity.Usage[ServerRoom], u *RoomUser, kicked bool) {
	room := roomUsage.Item

	if kicked {
		// The target hears about it before losing group membership.
		c.toUser(u.UserID, Event{Type: EventUserKicked, RoomID: room.ID, UserID: u.UserID})
	}

	c.bc.RemoveFromGroup(GroupGameplay(room.ID), u.UserID)
	c.bc.RemoveFromGroup(GroupControl(room.ID), u.UserID)

	room.RemoveUser(u)
	for _, ev := range room.matchType.OnLeave(room, u) {
		c.toGroup(GroupControl(room.ID), ev)
	}
	if err := c.db.RemoveParticipant(ctx, room.ID, u.UserID); err != nil {
		c.log(room.ID, u.UserID).WithError(err).Warn("failed to remove participant")
	}
	metrics.JoinedUsers.Dec()

	if len(room.Users) == 0 {
		room.StopCountdown()
		if err := c.db.EndMatch(ctx, room.ID); err != nil {
			c.log(room.ID, u.UserID).WithError(err).Error("failed to end match")
		}
		c.publishRecord(ctx, MatchRecord{
			RoomID:     room.ID,
			UserIDs:    []int64{},
			FinishedAt: time.Now(),
		})
		metrics.ActiveRooms.Dec()
		c.log(room.ID, u.UserID).Info("final user left, room destroyed")
		roomUsage.Destroy()
		return
	}

	if err := c.updateRoomState(ctx, room); err != nil {
		c.log(room.ID, u.UserID).WithError(err).Warn("room state recompute failed after leave")
	}

	if room.Host == u {
		room.Host = room.Users[0]
		c.toGroup(GroupControl(room.ID), Event{Type: EventHostChanged, RoomID: room.ID, UserID: room.Host.UserID})
		if err := c.db.UpdateRoomHost(ctx, room.ID, room.Host.UserID); err != nil {
			c.log(room.ID, room.Host.UserID).WithError(err).Warn("failed to persist host change")
		}
	}

	evType := EventUserLeft
	if kicked {
		evType = EventUserKicked
	}
	c.toGroup(GroupControl(room.ID), Event{Type: evType, RoomID: room.ID, UserID: u.UserID})
	c.log(room.ID, u.UserID).Info("user left room")
	roomUsage.Release()
}

// Shutdown ends every tracked room: countdowns are stopped and each match of
// record is closed so rooms do not linger past a restart.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for roomID := range c.rooms.Snapshot() {
		usage, err := c.rooms.Acquire(ctx, roomID, false)
		if err != nil {
			c.log(roomID, 0).WithError(err).Warn("failed to acquire room during shutdown")
			continue
		}
		if room := usage.Item; room != nil {
			room.StopCountdown()
			if err := c.db.EndMatch(ctx, room.ID); err != nil {
				c.log(room.ID, 0).WithError(err).Error("failed to end match during shutdown")
			}
			metrics.ActiveRooms.Dec()
		}
		usage.Destroy()
	}
}

// publishRecord pushes a record to the journal, if one is configured.
func (c *Coordinator) publishRecord(ctx context.Context, rec MatchRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.PublishMatchRecord(ctx, rec); err != nil {
		c.logger.WithField("room", rec.RoomID).WithError(err).Warn("failed to publish match record")
	}
}
