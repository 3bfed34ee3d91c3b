// internal/database/models.go
package database

import "time"

// Room is the persisted room-of-record row. The in-memory aggregate in the
// multiplayer package is initialized from it when the first user joins.
type Room struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Password          string     `json:"password"`
	HostUserID        int64      `json:"host_user_id"`
	Type              string     `json:"type"`
	QueueMode         string     `json:"queue_mode"`
	AutoStartDuration int        `json:"auto_start_duration"` // seconds
	EndsAt            *time.Time `json:"ends_at,omitempty"`
}

// Ended reports whether the room-of-record has already been closed.
func (r *Room) Ended(now time.Time) bool {
	return r.EndsAt != nil && r.EndsAt.Before(now)
}

// Mod is a single selected modifier with optional per-mod settings.
type Mod struct {
	Acronym  string                 `json:"acronym"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// PlaylistItem is one entry of a room's playlist. Ordering within a room is
// by (PlaylistOrder, ID); the current item is the first non-expired entry.
type PlaylistItem struct {
	ID              int64      `json:"id"`
	RoomID          int64      `json:"room_id"`
	OwnerID         int64      `json:"owner_id"`
	BeatmapID       int64      `json:"beatmap_id"`
	BeatmapChecksum string     `json:"beatmap_checksum"`
	RulesetID       int        `json:"ruleset_id"`
	RequiredMods    []Mod      `json:"required_mods,omitempty"`
	AllowedMods     []Mod      `json:"allowed_mods,omitempty"`
	PlaylistOrder   int        `json:"playlist_order"`
	Expired         bool       `json:"expired"`
	PlayedAt        *time.Time `json:"played_at,omitempty"`
}

// Clone returns a deep copy of the item.
func (p *PlaylistItem) Clone() *PlaylistItem {
	out := *p
	out.RequiredMods = CloneMods(p.RequiredMods)
	out.AllowedMods = CloneMods(p.AllowedMods)
	if p.PlayedAt != nil {
		t := *p.PlayedAt
		out.PlayedAt = &t
	}
	return &out
}

// CloneMods deep-copies a mod list.
func CloneMods(mods []Mod) []Mod {
	if mods == nil {
		return nil
	}
	out := make([]Mod, len(mods))
	for i, m := range mods {
		out[i] = Mod{Acronym: m.Acronym}
		if m.Settings != nil {
			out[i].Settings = make(map[string]interface{}, len(m.Settings))
			for k, v := range m.Settings {
				out[i].Settings[k] = v
			}
		}
	}
	return out
}

// UserRelation describes how one user relates to another, as recorded by the
// web side. Zero value means no relation row exists.
type UserRelation struct {
	Friend  bool `json:"friend"`
	Blocked bool `json:"blocked"`
}
