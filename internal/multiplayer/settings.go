// internal/multiplayer/settings.go
package multiplayer

import "time"

// MatchType selects the per-room gameplay strategy.
type MatchType string

const (
	MatchTypeHeadToHead MatchType = "head_to_head"
	MatchTypeTeamVersus MatchType = "team_versus"
	// MatchTypePlaylists is a web-managed room type; realtime rooms may
	// never be switched to it.
	MatchTypePlaylists MatchType = "playlists"
)

// QueueMode governs who may modify the playlist and how items rotate after
// each match.
type QueueMode string

const (
	QueueModeHostOnly             QueueMode = "host_only"
	QueueModeAllPlayers           QueueMode = "all_players"
	QueueModeAllPlayersRoundRobin QueueMode = "all_players_round_robin"
)

// RoomSettings is the host-editable configuration of a room. PlaylistItemID
// is server-authoritative: values supplied by clients are overwritten with
// the current queue head before any comparison or persistence.
type RoomSettings struct {
	Name              string        `json:"name"`
	Password          string        `json:"password"`
	MatchType         MatchType     `json:"match_type"`
	QueueMode         QueueMode     `json:"queue_mode"`
	AutoStartDuration time.Duration `json:"auto_start_duration"`
	PlaylistItemID    int64         `json:"playlist_item_id"`
}
