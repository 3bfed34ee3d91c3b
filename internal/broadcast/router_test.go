// internal/broadcast/router_test.go
package broadcast

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

func newTestRouter() *Router {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRouter(logger)
}

func drain(ch <-chan multiplayer.Event) []multiplayer.Event {
	var out []multiplayer.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestToUserReachesAllConnections(t *testing.T) {
	r := newTestRouter()
	ch1 := r.Register("conn-1", 1)
	ch2 := r.Register("conn-2", 1)
	other := r.Register("conn-3", 2)

	r.ToUser(1, multiplayer.Event{Type: multiplayer.EventInvited})

	assert.Len(t, drain(ch1), 1)
	assert.Len(t, drain(ch2), 1)
	assert.Empty(t, drain(other))
}

func TestGroupMembershipFollowsUser(t *testing.T) {
	r := newTestRouter()
	ch := r.Register("conn-1", 1)
	bystander := r.Register("conn-2", 2)

	r.AddToGroup("room:7", 1)
	r.ToGroup("room:7", multiplayer.Event{Type: multiplayer.EventUserJoined, RoomID: 7})

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, multiplayer.EventUserJoined, events[0].Type)
	assert.Empty(t, drain(bystander))

	r.RemoveFromGroup("room:7", 1)
	r.ToGroup("room:7", multiplayer.Event{Type: multiplayer.EventUserLeft, RoomID: 7})
	assert.Empty(t, drain(ch))
}

func TestReconnectInheritsGroups(t *testing.T) {
	r := newTestRouter()
	old := r.Register("conn-old", 1)
	r.AddToGroup("room:7", 1)
	r.Unregister("conn-old")
	drain(old)

	fresh := r.Register("conn-new", 1)
	r.ToGroup("room:7", multiplayer.Event{Type: multiplayer.EventRoomStateChanged, RoomID: 7})
	assert.Len(t, drain(fresh), 1)
}

func TestUnregisterClosesChannel(t *testing.T) {
	r := newTestRouter()
	ch := r.Register("conn-1", 1)
	r.Unregister("conn-1")

	_, ok := <-ch
	assert.False(t, ok)

	// Further sends to the departed user must not panic.
	r.ToUser(1, multiplayer.Event{Type: multiplayer.EventInvited})
}

func TestRequestDisconnectQueuesNoticeThenCloses(t *testing.T) {
	r := newTestRouter()
	ch := r.Register("conn-1", 1)

	r.RequestDisconnect("conn-1")

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, multiplayer.EventDisconnectRequested, ev.Type)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	r := newTestRouter()
	ch := r.Register("conn-1", 1)
	r.AddToGroup("room:1", 1)

	for i := 0; i < defaultSendBuffer+10; i++ {
		r.ToGroup("room:1", multiplayer.Event{Type: multiplayer.EventUserStateChanged})
	}
	assert.Len(t, drain(ch), defaultSendBuffer)
}
