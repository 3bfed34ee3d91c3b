// internal/multiplayer/testutil_test.go
package multiplayer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/database"
)

// fakeStore is an in-memory database.Store for coordinator and queue tests.
type fakeStore struct {
	mu sync.Mutex

	rooms         map[int64]*database.Room
	items         map[int64]*database.PlaylistItem
	nextItemID    int64
	checksums     map[int64]string
	restricted    map[int64]bool
	relations     map[[2]int64]database.UserRelation
	pmFriendsOnly map[int64]bool
	participants  map[int64]map[int64]bool
	active        map[int64]bool
	ended         map[int64]bool

	// failSettings, when set, makes UpdateRoomSettings fail once.
	failSettings error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:         make(map[int64]*database.Room),
		items:         make(map[int64]*database.PlaylistItem),
		checksums:     make(map[int64]string),
		restricted:    make(map[int64]bool),
		relations:     make(map[[2]int64]database.UserRelation),
		pmFriendsOnly: make(map[int64]bool),
		participants:  make(map[int64]map[int64]bool),
		active:        make(map[int64]bool),
		ended:         make(map[int64]bool),
	}
}

// seedRoom registers a room-of-record plus one playable item owned by the
// host.
func (f *fakeStore) seedRoom(roomID, hostUserID int64, mutate ...func(*database.Room)) *database.Room {
	f.mu.Lock()
	room := &database.Room{
		ID:         roomID,
		Name:       fmt.Sprintf("room %d", roomID),
		HostUserID: hostUserID,
		Type:       string(MatchTypeHeadToHead),
		QueueMode:  string(QueueModeHostOnly),
	}
	for _, m := range mutate {
		m(room)
	}
	f.rooms[roomID] = room
	f.mu.Unlock()

	f.seedItem(roomID, hostUserID)
	return room
}

// seedItem adds one playable item with a consistent beatmap checksum.
func (f *fakeStore) seedItem(roomID, ownerID int64, mutate ...func(*database.PlaylistItem)) *database.PlaylistItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextItemID++
	item := &database.PlaylistItem{
		ID:              f.nextItemID,
		RoomID:          roomID,
		OwnerID:         ownerID,
		BeatmapID:       1000 + f.nextItemID,
		BeatmapChecksum: fmt.Sprintf("checksum-%d", 1000+f.nextItemID),
		PlaylistOrder:   int(f.nextItemID),
	}
	for _, m := range mutate {
		m(item)
	}
	f.items[item.ID] = item
	f.checksums[item.BeatmapID] = item.BeatmapChecksum
	return item
}

// seedBeatmap records a checksum without a playlist item.
func (f *fakeStore) seedBeatmap(beatmapID int64, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checksums[beatmapID] = checksum
}

func (f *fakeStore) GetRoom(_ context.Context, roomID int64) (*database.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, database.ErrRoomNotFound
	}
	out := *room
	return &out, nil
}

func (f *fakeStore) MarkRoomActive(_ context.Context, room *database.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[room.ID] = true
	return nil
}

func (f *fakeStore) UpdateRoomSettings(_ context.Context, room *database.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSettings != nil {
		err := f.failSettings
		f.failSettings = nil
		return err
	}
	if existing, ok := f.rooms[room.ID]; ok {
		existing.Name = room.Name
		existing.Password = room.Password
		existing.Type = room.Type
		existing.QueueMode = room.QueueMode
		existing.AutoStartDuration = room.AutoStartDuration
	}
	return nil
}

func (f *fakeStore) UpdateRoomHost(_ context.Context, roomID, hostUserID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[roomID]; ok {
		room.HostUserID = hostUserID
	}
	return nil
}

func (f *fakeStore) EndMatch(_ context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[roomID] = true
	f.active[roomID] = false
	return nil
}

func (f *fakeStore) AddParticipant(_ context.Context, roomID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.participants[roomID] == nil {
		f.participants[roomID] = make(map[int64]bool)
	}
	f.participants[roomID][userID] = true
	return nil
}

func (f *fakeStore) RemoveParticipant(_ context.Context, roomID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.participants[roomID], userID)
	return nil
}

func (f *fakeStore) GetCurrentPlaylistItem(ctx context.Context, roomID int64) (*database.PlaylistItem, error) {
	items, err := f.GetAllPlaylistItems(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if !item.Expired {
			return item, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetAllPlaylistItems(_ context.Context, roomID int64) ([]*database.PlaylistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*database.PlaylistItem
	for _, item := range f.items {
		if item.RoomID == roomID {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlaylistOrder != out[j].PlaylistOrder {
			return out[i].PlaylistOrder < out[j].PlaylistOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) AddPlaylistItem(_ context.Context, item *database.PlaylistItem) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextItemID++
	stored := item.Clone()
	stored.ID = f.nextItemID
	f.items[stored.ID] = stored
	return stored.ID, nil
}

func (f *fakeStore) UpdatePlaylistItem(_ context.Context, item *database.PlaylistItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.ID]; !ok {
		return fmt.Errorf("no playlist item %d", item.ID)
	}
	f.items[item.ID] = item.Clone()
	return nil
}

func (f *fakeStore) RemovePlaylistItem(_ context.Context, roomID, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, itemID)
	return nil
}

func (f *fakeStore) MarkPlaylistItemPlayed(_ context.Context, roomID, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[itemID]; ok {
		item.Expired = true
	}
	return nil
}

func (f *fakeStore) GetBeatmapChecksum(_ context.Context, beatmapID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	checksum, ok := f.checksums[beatmapID]
	if !ok {
		return "", fmt.Errorf("no beatmap %d", beatmapID)
	}
	return checksum, nil
}

func (f *fakeStore) IsUserRestricted(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restricted[userID], nil
}

func (f *fakeStore) GetUserRelation(_ context.Context, fromUserID, toUserID int64) (database.UserRelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relations[[2]int64{fromUserID, toUserID}], nil
}

func (f *fakeStore) UserPMFriendsOnly(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pmFriendsOnly[userID], nil
}

var _ database.Store = (*fakeStore)(nil)

// mockBroadcaster records everything the coordinator fans out.
type mockBroadcaster struct {
	mu          sync.Mutex
	groupEvents map[string][]Event
	userEvents  map[int64][]Event
	groups      map[string]map[int64]bool
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		groupEvents: make(map[string][]Event),
		userEvents:  make(map[int64][]Event),
		groups:      make(map[string]map[int64]bool),
	}
}

func (b *mockBroadcaster) ToGroup(group string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupEvents[group] = append(b.groupEvents[group], ev)
}

func (b *mockBroadcaster) ToUser(userID int64, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userEvents[userID] = append(b.userEvents[userID], ev)
}

func (b *mockBroadcaster) AddToGroup(group string, userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[group] == nil {
		b.groups[group] = make(map[int64]bool)
	}
	b.groups[group][userID] = true
}

func (b *mockBroadcaster) RemoveFromGroup(group string, userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups[group], userID)
}

func (b *mockBroadcaster) inGroup(group string, userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groups[group][userID]
}

func (b *mockBroadcaster) groupEventsOfType(group, evType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.groupEvents[group] {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

func (b *mockBroadcaster) userEventsOfType(userID int64, evType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.userEvents[userID] {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

var _ Broadcaster = (*mockBroadcaster)(nil)

func newTestCoordinator(store database.Store) (*Coordinator, *mockBroadcaster) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	bc := newMockBroadcaster()
	return NewCoordinator(logger, store, bc, DefaultModRules{}, nil), bc
}

// currentRoom fetches the live room for white-box assertions. The returned
// pointer is only safe for reads while nothing else mutates the room.
func currentRoom(c *Coordinator, roomID int64) *ServerRoom {
	return c.rooms.Snapshot()[roomID]
}
