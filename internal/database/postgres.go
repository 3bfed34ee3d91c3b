// internal/database/postgres.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRoomNotFound is returned by GetRoom for unknown room ids.
var ErrRoomNotFound = errors.New("database: room not found")

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect builds the pool from the POSTGRES_*/PG_* environment variables and
// pings it before returning.
func Connect(ctx context.Context) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"),
		os.Getenv("POSTGRES_PASSWORD"),
		os.Getenv("PG_HOST"),
		os.Getenv("PG_PORT"),
		os.Getenv("PG_DATABASE"),
	)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pgx pool for callers that manage their own
// transactions, such as the match history consumer.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	var r Room
	q := `
	SELECT id, name, COALESCE(password, ''), host_user_id, type, queue_mode,
	       auto_start_duration, ends_at
	FROM multiplayer_rooms
	WHERE id = $1
	`
	err := s.pool.QueryRow(ctx, q, roomID).Scan(
		&r.ID,
		&r.Name,
		&r.Password,
		&r.HostUserID,
		&r.Type,
		&r.QueueMode,
		&r.AutoStartDuration,
		&r.EndsAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) MarkRoomActive(ctx context.Context, room *Room) error {
	q := `UPDATE multiplayer_rooms SET active = true, updated_at = now() WHERE id = $1`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, room.ID)
		return err
	})
}

func (s *PostgresStore) UpdateRoomSettings(ctx context.Context, room *Room) error {
	q := `
	UPDATE multiplayer_rooms
	SET name = $2, password = $3, type = $4, queue_mode = $5,
	    auto_start_duration = $6, updated_at = now()
	WHERE id = $1
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			room.ID,
			room.Name,
			room.Password,
			room.Type,
			room.QueueMode,
			room.AutoStartDuration,
		)
		return err
	})
}

func (s *PostgresStore) UpdateRoomHost(ctx context.Context, roomID, hostUserID int64) error {
	q := `UPDATE multiplayer_rooms SET host_user_id = $2, updated_at = now() WHERE id = $1`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, roomID, hostUserID)
		return err
	})
}

func (s *PostgresStore) EndMatch(ctx context.Context, roomID int64) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE multiplayer_rooms SET active = false, ends_at = now(), updated_at = now() WHERE id = $1`,
			roomID); err != nil {
			return err
		}
		// Items never played are closed out with the room.
		_, err := tx.Exec(ctx,
			`UPDATE multiplayer_playlist_items SET expired = true, updated_at = now() WHERE room_id = $1 AND expired = false`,
			roomID)
		return err
	})
}

func (s *PostgresStore) AddParticipant(ctx context.Context, roomID, userID int64) error {
	q := `
	INSERT INTO multiplayer_rooms_users (room_id, user_id, joined_at)
	VALUES ($1, $2, now())
	ON CONFLICT (room_id, user_id) DO NOTHING
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, roomID, userID)
		return err
	})
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, roomID, userID int64) error {
	q := `DELETE FROM multiplayer_rooms_users WHERE room_id = $1 AND user_id = $2`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, roomID, userID)
		return err
	})
}

const playlistItemColumns = `
	id, room_id, owner_id, beatmap_id, beatmap_checksum, ruleset_id,
	required_mods, allowed_mods, playlist_order, expired, played_at`

func scanPlaylistItem(row pgx.Row) (*PlaylistItem, error) {
	var item PlaylistItem
	var requiredJSON, allowedJSON []byte
	err := row.Scan(
		&item.ID,
		&item.RoomID,
		&item.OwnerID,
		&item.BeatmapID,
		&item.BeatmapChecksum,
		&item.RulesetID,
		&requiredJSON,
		&allowedJSON,
		&item.PlaylistOrder,
		&item.Expired,
		&item.PlayedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(requiredJSON) > 0 {
		if err := json.Unmarshal(requiredJSON, &item.RequiredMods); err != nil {
			return nil, fmt.Errorf("bad required_mods json for item %d: %w", item.ID, err)
		}
	}
	if len(allowedJSON) > 0 {
		if err := json.Unmarshal(allowedJSON, &item.AllowedMods); err != nil {
			return nil, fmt.Errorf("bad allowed_mods json for item %d: %w", item.ID, err)
		}
	}
	return &item, nil
}

func (s *PostgresStore) GetCurrentPlaylistItem(ctx context.Context, roomID int64) (*PlaylistItem, error) {
	q := `
	SELECT ` + playlistItemColumns + `
	FROM multiplayer_playlist_items
	WHERE room_id = $1 AND expired = false
	ORDER BY playlist_order, id
	LIMIT 1
	`
	item, err := scanPlaylistItem(s.pool.QueryRow(ctx, q, roomID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func (s *PostgresStore) GetAllPlaylistItems(ctx context.Context, roomID int64) ([]*PlaylistItem, error) {
	q := `
	SELECT ` + playlistItemColumns + `
	FROM multiplayer_playlist_items
	WHERE room_id = $1
	ORDER BY playlist_order, id
	`
	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*PlaylistItem
	for rows.Next() {
		item, err := scanPlaylistItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) AddPlaylistItem(ctx context.Context, item *PlaylistItem) (int64, error) {
	requiredJSON, err := json.Marshal(item.RequiredMods)
	if err != nil {
		return 0, err
	}
	allowedJSON, err := json.Marshal(item.AllowedMods)
	if err != nil {
		return 0, err
	}

	q := `
	INSERT INTO multiplayer_playlist_items (
		room_id, owner_id, beatmap_id, beatmap_checksum, ruleset_id,
		required_mods, allowed_mods, playlist_order, expired, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, now())
	RETURNING id
	`
	var id int64
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q,
			item.RoomID,
			item.OwnerID,
			item.BeatmapID,
			item.BeatmapChecksum,
			item.RulesetID,
			requiredJSON,
			allowedJSON,
			item.PlaylistOrder,
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) UpdatePlaylistItem(ctx context.Context, item *PlaylistItem) error {
	requiredJSON, err := json.Marshal(item.RequiredMods)
	if err != nil {
		return err
	}
	allowedJSON, err := json.Marshal(item.AllowedMods)
	if err != nil {
		return err
	}

	q := `
	UPDATE multiplayer_playlist_items
	SET beatmap_id = $3, beatmap_checksum = $4, ruleset_id = $5,
	    required_mods = $6, allowed_mods = $7, playlist_order = $8,
	    expired = $9, played_at = $10, updated_at = now()
	WHERE room_id = $1 AND id = $2
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			item.RoomID,
			item.ID,
			item.BeatmapID,
			item.BeatmapChecksum,
			item.RulesetID,
			requiredJSON,
			allowedJSON,
			item.PlaylistOrder,
			item.Expired,
			item.PlayedAt,
		)
		return err
	})
}

func (s *PostgresStore) RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error {
	q := `DELETE FROM multiplayer_playlist_items WHERE room_id = $1 AND id = $2`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, roomID, itemID)
		return err
	})
}

func (s *PostgresStore) MarkPlaylistItemPlayed(ctx context.Context, roomID, itemID int64) error {
	q := `
	UPDATE multiplayer_playlist_items
	SET expired = true, played_at = now(), updated_at = now()
	WHERE room_id = $1 AND id = $2
	`
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, roomID, itemID)
		return err
	})
}

func (s *PostgresStore) GetBeatmapChecksum(ctx context.Context, beatmapID int64) (string, error) {
	var checksum string
	err := s.pool.QueryRow(ctx,
		`SELECT checksum FROM beatmaps WHERE id = $1`, beatmapID).Scan(&checksum)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("beatmap %d not found", beatmapID)
	}
	return checksum, err
}

func (s *PostgresStore) IsUserRestricted(ctx context.Context, userID int64) (bool, error) {
	var restricted bool
	err := s.pool.QueryRow(ctx,
		`SELECT restricted FROM users WHERE id = $1`, userID).Scan(&restricted)
	if err == pgx.ErrNoRows {
		return false, fmt.Errorf("user %d not found", userID)
	}
	return restricted, err
}

func (s *PostgresStore) GetUserRelation(ctx context.Context, fromUserID, toUserID int64) (UserRelation, error) {
	var rel UserRelation
	q := `
	SELECT friend, foe
	FROM user_relations
	WHERE user_id = $1 AND target_id = $2
	`
	err := s.pool.QueryRow(ctx, q, fromUserID, toUserID).Scan(&rel.Friend, &rel.Blocked)
	if err == pgx.ErrNoRows {
		return UserRelation{}, nil
	}
	return rel, err
}

func (s *PostgresStore) UserPMFriendsOnly(ctx context.Context, userID int64) (bool, error) {
	var friendsOnly bool
	err := s.pool.QueryRow(ctx,
		`SELECT pm_friends_only FROM users WHERE id = $1`, userID).Scan(&friendsOnly)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return friendsOnly, err
}
