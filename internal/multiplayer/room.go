// internal/multiplayer/room.go
package multiplayer

import (
	"time"

	"github.com/ppy/osu-server-spectator/internal/database"
	"github.com/ppy/osu-server-spectator/internal/entity"
)

// BeatmapAvailability describes a user's local copy of the current beatmap.
type BeatmapAvailability struct {
	State            string   `json:"state"`
	DownloadProgress *float64 `json:"download_progress,omitempty"`
}

// Equal reports value equality, including the optional progress.
func (a BeatmapAvailability) Equal(other BeatmapAvailability) bool {
	if a.State != other.State {
		return false
	}
	if (a.DownloadProgress == nil) != (other.DownloadProgress == nil) {
		return false
	}
	return a.DownloadProgress == nil || *a.DownloadProgress == *other.DownloadProgress
}

// Beatmap availability states reported by clients.
const (
	BeatmapNotDownloaded    = "not_downloaded"
	BeatmapDownloading      = "downloading"
	BeatmapImporting        = "importing"
	BeatmapLocallyAvailable = "locally_available"
)

// RoomUser is one participant of a room. All mutation happens under the
// owning room's entity lock.
type RoomUser struct {
	UserID              int64
	State               UserState
	Mods                []database.Mod
	BeatmapAvailability BeatmapAvailability
	// MatchState holds match-type specific state, e.g. *TeamVersusUserState.
	MatchState MatchUserState
}

// ClientState is the per-user record of which room the user's client is in.
// It exists exactly while the user is joined somewhere.
type ClientState struct {
	RoomID int64
}

// ServerRoom is the in-memory aggregate for one live room. It is only ever
// reached through an entity.Store usage, so plain field access is safe for
// lock holders.
type ServerRoom struct {
	ID       int64
	Settings RoomSettings
	// Users in join order.
	Users []*RoomUser
	Host  *RoomUser
	State RoomState
	Queue *PlaylistQueue

	matchType MatchTypeHandler

	countdown     *Countdown
	countdownTask *countdownTask
	countdownSeq  int

	// tracker is the store this room lives in; the countdown task uses it
	// to re-acquire the room lock after sleeping.
	tracker *entity.Store[ServerRoom]
}

// FindUser returns the room user with the given id, or nil.
func (r *ServerRoom) FindUser(userID int64) *RoomUser {
	for _, u := range r.Users {
		if u.UserID == userID {
			return u
		}
	}
	return nil
}

// AddUser appends a user in join order.
func (r *ServerRoom) AddUser(u *RoomUser) {
	r.Users = append(r.Users, u)
}

// RemoveUser deletes the user from the list, preserving join order.
func (r *ServerRoom) RemoveUser(u *RoomUser) {
	for i, cur := range r.Users {
		if cur == u {
			r.Users = append(r.Users[:i], r.Users[i+1:]...)
			return
		}
	}
}

// AnyUserInState reports whether at least one user is in the given state.
func (r *ServerRoom) AnyUserInState(s UserState) bool {
	for _, u := range r.Users {
		if u.State == s {
			return true
		}
	}
	return false
}

// UsersInState collects users currently in the given state.
func (r *ServerRoom) UsersInState(s UserState) []*RoomUser {
	var out []*RoomUser
	for _, u := range r.Users {
		if u.State == s {
			out = append(out, u)
		}
	}
	return out
}

// UserSnapshot is the serializable copy of a RoomUser.
type UserSnapshot struct {
	UserID              int64               `json:"user_id"`
	State               string              `json:"state"`
	Mods                []database.Mod      `json:"mods,omitempty"`
	BeatmapAvailability BeatmapAvailability `json:"beatmap_availability"`
	TeamID              *int                `json:"team_id,omitempty"`
}

// RoomSnapshot is a deep copy of the user-visible room state, safe to hand
// to callers after the room lock is released.
type RoomSnapshot struct {
	RoomID        int64                    `json:"room_id"`
	Settings      RoomSettings             `json:"settings"`
	State         string                   `json:"state"`
	HostUserID    int64                    `json:"host_user_id"`
	Users         []UserSnapshot           `json:"users"`
	Playlist      []*database.PlaylistItem `json:"playlist"`
	CurrentItemID int64                    `json:"current_item_id"`
	Countdown     *Countdown               `json:"countdown,omitempty"`
	CapturedAt    time.Time                `json:"captured_at"`
}

// Snapshot deep-copies the room. Must be called with the room lock held;
// nothing in the result aliases live state.
func (r *ServerRoom) Snapshot() *RoomSnapshot {
	snap := &RoomSnapshot{
		RoomID:     r.ID,
		Settings:   r.Settings,
		State:      r.State.String(),
		CapturedAt: time.Now(),
	}
	if r.Host != nil {
		snap.HostUserID = r.Host.UserID
	}
	for _, u := range r.Users {
		us := UserSnapshot{
			UserID:              u.UserID,
			State:               u.State.String(),
			Mods:                database.CloneMods(u.Mods),
			BeatmapAvailability: u.BeatmapAvailability,
		}
		if tvs, ok := u.MatchState.(*TeamVersusUserState); ok {
			team := tvs.TeamID
			us.TeamID = &team
		}
		snap.Users = append(snap.Users, us)
	}
	if r.Queue != nil {
		for _, item := range r.Queue.Items() {
			snap.Playlist = append(snap.Playlist, item.Clone())
		}
		if cur := r.Queue.CurrentItem(); cur != nil {
			snap.CurrentItemID = cur.ID
		}
	}
	if r.countdown != nil {
		c := *r.countdown
		snap.Countdown = &c
	}
	return snap
}
