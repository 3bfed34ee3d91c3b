// internal/multiplayer/matchtype_test.go
package multiplayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teamOf(t *testing.T, u *RoomUser) int {
	t.Helper()
	state, ok := u.MatchState.(*TeamVersusUserState)
	require.True(t, ok, "user %d has no team state", u.UserID)
	return state.TeamID
}

func TestTeamVersusBalancesJoins(t *testing.T) {
	room := &ServerRoom{ID: 1}
	tv := newTeamVersus()

	var users []*RoomUser
	for i := int64(1); i <= 4; i++ {
		u := &RoomUser{UserID: i}
		room.AddUser(u)
		events := tv.OnJoin(room, u)
		require.Len(t, events, 1)
		assert.Equal(t, EventMatchUserStateChanged, events[0].Type)
		users = append(users, u)
	}

	// Ties break toward the lowest team id, so assignment alternates.
	assert.Equal(t, 0, teamOf(t, users[0]))
	assert.Equal(t, 1, teamOf(t, users[1]))
	assert.Equal(t, 0, teamOf(t, users[2]))
	assert.Equal(t, 1, teamOf(t, users[3]))
}

func TestTeamVersusJoinFillsSmallerTeam(t *testing.T) {
	room := &ServerRoom{ID: 1}
	tv := newTeamVersus()

	for i := int64(1); i <= 3; i++ {
		u := &RoomUser{UserID: i}
		room.AddUser(u)
		tv.OnJoin(room, u)
	}
	// Move user 3 so team 1 outnumbers team 0 two-to-one.
	_, err := tv.HandleRequest(room, room.FindUser(3), ChangeTeamRequest{TeamID: 1})
	require.NoError(t, err)

	u := &RoomUser{UserID: 4}
	room.AddUser(u)
	tv.OnJoin(room, u)
	assert.Equal(t, 0, teamOf(t, u))
}

func TestTeamVersusChangeTeam(t *testing.T) {
	room := &ServerRoom{ID: 1}
	tv := newTeamVersus()
	u := &RoomUser{UserID: 1}
	room.AddUser(u)
	tv.OnJoin(room, u)

	events, err := tv.HandleRequest(room, u, ChangeTeamRequest{TeamID: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, teamOf(t, u))

	// Requesting the current team changes nothing and stays silent.
	events, err = tv.HandleRequest(room, u, ChangeTeamRequest{TeamID: 1})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = tv.HandleRequest(room, u, ChangeTeamRequest{TeamID: 5})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, teamOf(t, u))
}

func TestTeamVersusLeaveClearsState(t *testing.T) {
	room := &ServerRoom{ID: 1}
	tv := newTeamVersus()
	u := &RoomUser{UserID: 1}
	room.AddUser(u)
	tv.OnJoin(room, u)

	events := tv.OnLeave(room, u)
	assert.Empty(t, events)
	assert.Nil(t, u.MatchState)
}

func TestHeadToHeadRejectsRequests(t *testing.T) {
	room := &ServerRoom{ID: 1}
	h := headToHead{}
	u := &RoomUser{UserID: 1}

	assert.Empty(t, h.OnJoin(room, u))
	assert.Nil(t, u.MatchState)

	_, err := h.HandleRequest(room, u, ChangeTeamRequest{TeamID: 0})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestClientTransitionTable(t *testing.T) {
	cases := []struct {
		from, to UserState
		want     transitionRule
	}{
		{UserIdle, UserReady, transitionAllowed},
		{UserIdle, UserSpectating, transitionAllowed},
		{UserIdle, UserWaitingForLoad, transitionServerOnly},
		{UserIdle, UserPlaying, transitionServerOnly},
		{UserIdle, UserResults, transitionServerOnly},
		{UserReady, UserIdle, transitionAllowed},
		{UserWaitingForLoad, UserIdle, transitionSilentDrop},
		{UserWaitingForLoad, UserLoaded, transitionAllowed},
		{UserLoaded, UserIdle, transitionSilentDrop},
		{UserLoaded, UserReady, transitionRejected},
		{UserPlaying, UserIdle, transitionSilentDrop},
		{UserPlaying, UserFinishedPlay, transitionAllowed},
		{UserFinishedPlay, UserIdle, transitionAllowed},
		{UserFinishedPlay, UserReady, transitionRejected},
		{UserResults, UserReady, transitionAllowed},
		{UserResults, UserSpectating, transitionAllowed},
		{UserSpectating, UserIdle, transitionAllowed},
		{UserSpectating, UserReady, transitionRejected},
		{UserPlaying, UserSpectating, transitionRejected},
	}
	for _, tc := range cases {
		got := clientTransitionRule(tc.from, tc.to)
		assert.Equalf(t, tc.want, got, "%s -> %s", tc.from, tc.to)
	}
}
