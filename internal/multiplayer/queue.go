// internal/multiplayer/queue.go
package multiplayer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ppy/osu-server-spectator/internal/database"
)

// PlaylistQueue owns the ordered playlist of a room: which item is currently
// playable, who may modify what under the active queue mode, and how items
// rotate once a match finishes. All methods run under the room lock.
type PlaylistQueue struct {
	roomID int64
	mode   QueueMode
	items  []*database.PlaylistItem
	db     database.Store
	rules  ModRules
}

// NewPlaylistQueue wraps the persisted items of a room.
func NewPlaylistQueue(roomID int64, mode QueueMode, items []*database.PlaylistItem, db database.Store, rules ModRules) *PlaylistQueue {
	q := &PlaylistQueue{
		roomID: roomID,
		mode:   mode,
		items:  items,
		db:     db,
		rules:  rules,
	}
	q.sortItems()
	return q
}

// Mode returns the active queue mode.
func (q *PlaylistQueue) Mode() QueueMode { return q.mode }

// Items returns the backing slice, expired entries included, in play order.
func (q *PlaylistQueue) Items() []*database.PlaylistItem { return q.items }

// CurrentItem returns the first non-expired item in order, or nil when the
// whole playlist has been played out.
func (q *PlaylistQueue) CurrentItem() *database.PlaylistItem {
	for _, item := range q.items {
		if !item.Expired {
			return item
		}
	}
	return nil
}

// FindItem locates an item by id.
func (q *PlaylistQueue) FindItem(itemID int64) *database.PlaylistItem {
	for _, item := range q.items {
		if item.ID == itemID {
			return item
		}
	}
	return nil
}

func (q *PlaylistQueue) sortItems() {
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].PlaylistOrder != q.items[j].PlaylistOrder {
			return q.items[i].PlaylistOrder < q.items[j].PlaylistOrder
		}
		return q.items[i].ID < q.items[j].ID
	})
}

func (q *PlaylistQueue) nextOrder() int {
	next := 0
	for _, item := range q.items {
		if item.PlaylistOrder >= next {
			next = item.PlaylistOrder + 1
		}
	}
	return next
}

// validateItem enforces add/edit validity: a legal ruleset, a pairwise
// compatible mod set and a beatmap whose recorded checksum matches the
// client-supplied one.
func (q *PlaylistQueue) validateItem(ctx context.Context, item *database.PlaylistItem) error {
	if !q.rules.IsValidRuleset(item.RulesetID) {
		return fmt.Errorf("%w: invalid ruleset %d", ErrInvalidState, item.RulesetID)
	}
	if !q.rules.CheckCompatibleSet(item.RulesetID, item.RequiredMods, item.AllowedMods) {
		return fmt.Errorf("%w: incompatible mod set", ErrInvalidState)
	}
	checksum, err := q.db.GetBeatmapChecksum(ctx, item.BeatmapID)
	if err != nil {
		return fmt.Errorf("%w: beatmap lookup failed: %v", ErrInvalidState, err)
	}
	if checksum != item.BeatmapChecksum {
		return fmt.Errorf("%w: beatmap checksum mismatch", ErrInvalidState)
	}
	return nil
}

// Add inserts (or, in host-only mode, re-edits the single pending item with)
// the supplied item. Returns the events to broadcast.
func (q *PlaylistQueue) Add(ctx context.Context, item *database.PlaylistItem, callerID int64, isHost bool) ([]Event, error) {
	if q.mode == QueueModeHostOnly {
		if !isHost {
			return nil, fmt.Errorf("%w: only the host may queue items", ErrNotHost)
		}
		// Host-only keeps at most one pending item which the host edits in
		// place.
		if cur := q.CurrentItem(); cur != nil {
			item.ID = cur.ID
			return q.Edit(ctx, item, callerID, isHost)
		}
	}

	if err := q.validateItem(ctx, item); err != nil {
		return nil, err
	}

	item.RoomID = q.roomID
	item.OwnerID = callerID
	item.Expired = false
	item.PlayedAt = nil
	item.PlaylistOrder = q.nextOrder()

	id, err := q.db.AddPlaylistItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("persist playlist item: %w", err)
	}
	item.ID = id
	q.items = append(q.items, item)

	events := []Event{{Type: EventPlaylistItemAdded, RoomID: q.roomID, Item: item.Clone()}}
	reorder, err := q.updateOrder(ctx)
	if err != nil {
		return nil, err
	}
	return append(events, reorder...), nil
}

// Edit replaces the editable fields of an existing, unexpired item.
func (q *PlaylistQueue) Edit(ctx context.Context, item *database.PlaylistItem, callerID int64, isHost bool) ([]Event, error) {
	existing := q.FindItem(item.ID)
	if existing == nil {
		return nil, fmt.Errorf("%w: no playlist item %d", ErrInvalidState, item.ID)
	}
	if existing.Expired {
		return nil, fmt.Errorf("%w: cannot edit an already played item", ErrInvalidState)
	}
	if err := q.checkModifyPermission(existing, callerID, isHost); err != nil {
		return nil, err
	}
	if err := q.validateItem(ctx, item); err != nil {
		return nil, err
	}

	existing.BeatmapID = item.BeatmapID
	existing.BeatmapChecksum = item.BeatmapChecksum
	existing.RulesetID = item.RulesetID
	existing.RequiredMods = database.CloneMods(item.RequiredMods)
	existing.AllowedMods = database.CloneMods(item.AllowedMods)

	if err := q.db.UpdatePlaylistItem(ctx, existing); err != nil {
		return nil, fmt.Errorf("persist playlist item: %w", err)
	}
	return []Event{{Type: EventPlaylistItemChanged, RoomID: q.roomID, Item: existing.Clone()}}, nil
}

// Remove deletes an unexpired item the caller is allowed to modify.
func (q *PlaylistQueue) Remove(ctx context.Context, itemID, callerID int64, isHost bool) ([]Event, error) {
	existing := q.FindItem(itemID)
	if existing == nil {
		return nil, fmt.Errorf("%w: no playlist item %d", ErrInvalidState, itemID)
	}
	if existing.Expired {
		return nil, fmt.Errorf("%w: cannot remove an already played item", ErrInvalidState)
	}
	if err := q.checkModifyPermission(existing, callerID, isHost); err != nil {
		return nil, err
	}

	if err := q.db.RemovePlaylistItem(ctx, q.roomID, itemID); err != nil {
		return nil, fmt.Errorf("remove playlist item: %w", err)
	}
	for i, item := range q.items {
		if item.ID == itemID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}

	events := []Event{{Type: EventPlaylistItemRemoved, RoomID: q.roomID, ItemID: itemID}}
	reorder, err := q.updateOrder(ctx)
	if err != nil {
		return nil, err
	}
	return append(events, reorder...), nil
}

func (q *PlaylistQueue) checkModifyPermission(item *database.PlaylistItem, callerID int64, isHost bool) error {
	switch q.mode {
	case QueueModeHostOnly:
		if !isHost {
			return fmt.Errorf("%w: only the host may modify the queue", ErrNotHost)
		}
	default:
		if item.OwnerID != callerID {
			return fmt.Errorf("%w: only the item owner may modify it", ErrInvalidState)
		}
	}
	return nil
}

// FinishCurrentItem expires the item that was just played and produces its
// successor according to the queue mode: host-only clones the item for
// replay, the other modes simply advance.
func (q *PlaylistQueue) FinishCurrentItem(ctx context.Context) ([]Event, error) {
	cur := q.CurrentItem()
	if cur == nil {
		return nil, nil
	}

	now := time.Now()
	cur.Expired = true
	cur.PlayedAt = &now
	if err := q.db.MarkPlaylistItemPlayed(ctx, q.roomID, cur.ID); err != nil {
		return nil, fmt.Errorf("expire playlist item: %w", err)
	}
	events := []Event{{Type: EventPlaylistItemChanged, RoomID: q.roomID, Item: cur.Clone()}}

	if q.mode == QueueModeHostOnly {
		replay := cur.Clone()
		replay.ID = 0
		replay.Expired = false
		replay.PlayedAt = nil
		replay.PlaylistOrder = q.nextOrder()

		id, err := q.db.AddPlaylistItem(ctx, replay)
		if err != nil {
			return nil, fmt.Errorf("persist replay item: %w", err)
		}
		replay.ID = id
		q.items = append(q.items, replay)
		q.sortItems()
		events = append(events, Event{Type: EventPlaylistItemAdded, RoomID: q.roomID, Item: replay.Clone()})
	}
	return events, nil
}

// SetMode switches the queue mode and re-derives item ordering under the
// new policy.
func (q *PlaylistQueue) SetMode(ctx context.Context, mode QueueMode) ([]Event, error) {
	if q.mode == mode {
		return nil, nil
	}
	q.mode = mode
	return q.updateOrder(ctx)
}

// updateOrder recomputes the play order of unexpired items. Round-robin
// interleaves per-owner sublists so queue time is shared fairly; the other
// modes play in insertion order. Changed items are persisted and reported.
func (q *PlaylistQueue) updateOrder(ctx context.Context) ([]Event, error) {
	var pending []*database.PlaylistItem
	for _, item := range q.items {
		if !item.Expired {
			pending = append(pending, item)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	var ordered []*database.PlaylistItem
	if q.mode == QueueModeAllPlayersRoundRobin {
		perOwner := make(map[int64][]*database.PlaylistItem)
		var owners []int64
		for _, item := range pending {
			if _, seen := perOwner[item.OwnerID]; !seen {
				owners = append(owners, item.OwnerID)
			}
			perOwner[item.OwnerID] = append(perOwner[item.OwnerID], item)
		}
		for round := 0; len(ordered) < len(pending); round++ {
			for _, owner := range owners {
				if round < len(perOwner[owner]) {
					ordered = append(ordered, perOwner[owner][round])
				}
			}
		}
	} else {
		ordered = pending
	}

	var events []Event
	for idx, item := range ordered {
		if item.PlaylistOrder == idx {
			continue
		}
		item.PlaylistOrder = idx
		if err := q.db.UpdatePlaylistItem(ctx, item); err != nil {
			return nil, fmt.Errorf("persist playlist order: %w", err)
		}
		events = append(events, Event{Type: EventPlaylistItemChanged, RoomID: q.roomID, Item: item.Clone()})
	}
	q.sortItems()
	return events, nil
}
