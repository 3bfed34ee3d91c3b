// internal/database/store.go
package database

import "context"

// Store is the persistence contract the multiplayer coordinator depends on.
// The production implementation is PostgresStore; tests substitute an
// in-memory fake.
type Store interface {
	// GetRoom fetches the room-of-record, or an error if no such room.
	GetRoom(ctx context.Context, roomID int64) (*Room, error)
	// MarkRoomActive flags the room as live on this server instance. Called
	// before the first user is added.
	MarkRoomActive(ctx context.Context, room *Room) error
	UpdateRoomSettings(ctx context.Context, room *Room) error
	UpdateRoomHost(ctx context.Context, roomID, hostUserID int64) error
	// EndMatch closes the room-of-record once the final user has left.
	EndMatch(ctx context.Context, roomID int64) error

	AddParticipant(ctx context.Context, roomID, userID int64) error
	RemoveParticipant(ctx context.Context, roomID, userID int64) error

	GetCurrentPlaylistItem(ctx context.Context, roomID int64) (*PlaylistItem, error)
	GetAllPlaylistItems(ctx context.Context, roomID int64) ([]*PlaylistItem, error)
	// AddPlaylistItem inserts the item and returns its assigned id.
	AddPlaylistItem(ctx context.Context, item *PlaylistItem) (int64, error)
	UpdatePlaylistItem(ctx context.Context, item *PlaylistItem) error
	RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error
	MarkPlaylistItemPlayed(ctx context.Context, roomID, itemID int64) error

	GetBeatmapChecksum(ctx context.Context, beatmapID int64) (string, error)
	IsUserRestricted(ctx context.Context, userID int64) (bool, error)
	// GetUserRelation returns how fromUserID relates to toUserID.
	GetUserRelation(ctx context.Context, fromUserID, toUserID int64) (UserRelation, error)
	// UserPMFriendsOnly reports whether the user only accepts messages and
	// invites from friends.
	UserPMFriendsOnly(ctx context.Context, userID int64) (bool, error)
}
