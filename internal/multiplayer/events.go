// internal/multiplayer/events.go
package multiplayer

import (
	"fmt"

	"github.com/ppy/osu-server-spectator/internal/database"
)

// Event type tags sent to clients. Within a room the control group observes
// these in a total order consistent with the server's decisions.
const (
	EventUserJoined                     = "user_joined"
	EventUserLeft                       = "user_left"
	EventUserKicked                     = "user_kicked"
	EventHostChanged                    = "host_changed"
	EventSettingsChanged                = "settings_changed"
	EventUserStateChanged               = "user_state_changed"
	EventRoomStateChanged               = "room_state_changed"
	EventUserBeatmapAvailabilityChanged = "user_beatmap_availability_changed"
	EventUserModsChanged                = "user_mods_changed"
	EventMatchStarted                   = "match_started"
	EventResultsReady                   = "results_ready"
	EventLoadRequested                  = "load_requested"
	EventMatchEvent                     = "match_event"
	EventMatchRoomStateChanged          = "match_room_state_changed"
	EventMatchUserStateChanged          = "match_user_state_changed"
	EventPlaylistItemAdded              = "playlist_item_added"
	EventPlaylistItemChanged            = "playlist_item_changed"
	EventPlaylistItemRemoved            = "playlist_item_removed"
	EventInvited                        = "invited"
	EventDisconnectRequested            = "disconnect_requested"
	EventCountdownChanged               = "countdown_changed"
)

// Event is a single server-to-client message. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type         string                 `json:"type"`
	RoomID       int64                  `json:"room_id,omitempty"`
	UserID       int64                  `json:"user_id,omitempty"`
	State        string                 `json:"state,omitempty"`
	Settings     *RoomSettings          `json:"settings,omitempty"`
	Countdown    *Countdown             `json:"countdown,omitempty"`
	Item         *database.PlaylistItem `json:"item,omitempty"`
	ItemID       int64                  `json:"item_id,omitempty"`
	Mods         []database.Mod         `json:"mods,omitempty"`
	Availability *BeatmapAvailability   `json:"availability,omitempty"`
	TeamID       *int                   `json:"team_id,omitempty"`
	Password     string                 `json:"password,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// Broadcaster fans events to connected clients. Group membership is tracked
// per user; the transport layer resolves users to live connections.
type Broadcaster interface {
	ToGroup(group string, ev Event)
	ToUser(userID int64, ev Event)
	AddToGroup(group string, userID int64)
	RemoveFromGroup(group string, userID int64)
}

// GroupControl names the broadcast group every joined connection belongs to.
func GroupControl(roomID int64) string {
	return fmt.Sprintf("room:%d", roomID)
}

// GroupGameplay names the subset of connections participating in gameplay
// (ready players and spectators).
func GroupGameplay(roomID int64) string {
	return fmt.Sprintf("room:%d:true", roomID)
}
