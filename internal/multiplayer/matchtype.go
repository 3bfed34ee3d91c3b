// internal/multiplayer/matchtype.go
package multiplayer

import (
	"fmt"
	"time"
)

// MatchRequest is a client-to-server request dispatched by tag. Countdown
// requests are handled by the coordinator itself; everything else is passed
// to the room's match-type handler.
type MatchRequest interface {
	isMatchRequest()
}

// StartCountdownRequest asks for a host-controlled match start countdown.
type StartCountdownRequest struct {
	Duration time.Duration `json:"duration"`
}

// StopCountdownRequest cancels a host-controlled countdown. Auto-start
// countdowns are not cancellable this way.
type StopCountdownRequest struct{}

// ChangeTeamRequest moves the sender to another team in team-versus rooms.
type ChangeTeamRequest struct {
	TeamID int `json:"team_id"`
}

func (StartCountdownRequest) isMatchRequest() {}
func (StopCountdownRequest) isMatchRequest()  {}
func (ChangeTeamRequest) isMatchRequest()     {}

var (
	_ MatchRequest = StartCountdownRequest{}
	_ MatchRequest = StopCountdownRequest{}
	_ MatchRequest = ChangeTeamRequest{}
)

// MatchUserState is per-user state owned by the active match type.
type MatchUserState interface {
	isMatchUserState()
}

// TeamVersusUserState records a user's team membership.
type TeamVersusUserState struct {
	TeamID int `json:"team_id"`
}

func (*TeamVersusUserState) isMatchUserState() {}

// MatchTypeHandler is the pluggable per-room strategy. Hook methods run
// under the room lock and return the events the coordinator should fan to
// the room's control group.
type MatchTypeHandler interface {
	Kind() MatchType
	OnJoin(room *ServerRoom, u *RoomUser) []Event
	OnLeave(room *ServerRoom, u *RoomUser) []Event
	HandleRequest(room *ServerRoom, u *RoomUser, req MatchRequest) ([]Event, error)
}

// newMatchTypeHandler builds the handler for a match type. Unknown types
// fall back to head-to-head.
func newMatchTypeHandler(t MatchType) MatchTypeHandler {
	switch t {
	case MatchTypeTeamVersus:
		return newTeamVersus()
	default:
		return headToHead{}
	}
}

// headToHead is the free-for-all strategy; it carries no state and every
// hook is a no-op.
type headToHead struct{}

func (headToHead) Kind() MatchType                        { return MatchTypeHeadToHead }
func (headToHead) OnJoin(*ServerRoom, *RoomUser) []Event  { return nil }
func (headToHead) OnLeave(*ServerRoom, *RoomUser) []Event { return nil }

func (headToHead) HandleRequest(_ *ServerRoom, _ *RoomUser, req MatchRequest) ([]Event, error) {
	return nil, fmt.Errorf("%w: unsupported match request %T", ErrInvalidState, req)
}

// teamVersus maintains two fixed teams and keeps membership balanced as
// users come and go.
type teamVersus struct {
	teamIDs []int
}

func newTeamVersus() *teamVersus {
	return &teamVersus{teamIDs: []int{0, 1}}
}

func (tv *teamVersus) Kind() MatchType { return MatchTypeTeamVersus }

// teamCounts tallies current membership per team.
func (tv *teamVersus) teamCounts(room *ServerRoom) map[int]int {
	counts := make(map[int]int, len(tv.teamIDs))
	for _, id := range tv.teamIDs {
		counts[id] = 0
	}
	for _, u := range room.Users {
		if s, ok := u.MatchState.(*TeamVersusUserState); ok {
			counts[s.TeamID]++
		}
	}
	return counts
}

// smallestTeam picks the least populated team, breaking ties by lowest id.
func (tv *teamVersus) smallestTeam(room *ServerRoom) int {
	counts := tv.teamCounts(room)
	best := tv.teamIDs[0]
	for _, id := range tv.teamIDs[1:] {
		if counts[id] < counts[best] || (counts[id] == counts[best] && id < best) {
			best = id
		}
	}
	return best
}

func (tv *teamVersus) OnJoin(room *ServerRoom, u *RoomUser) []Event {
	state := &TeamVersusUserState{TeamID: tv.smallestTeam(room)}
	u.MatchState = state
	team := state.TeamID
	return []Event{{
		Type:   EventMatchUserStateChanged,
		RoomID: room.ID,
		UserID: u.UserID,
		TeamID: &team,
	}}
}

func (tv *teamVersus) OnLeave(room *ServerRoom, u *RoomUser) []Event {
	u.MatchState = nil
	return nil
}

func (tv *teamVersus) HandleRequest(room *ServerRoom, u *RoomUser, req MatchRequest) ([]Event, error) {
	change, ok := req.(ChangeTeamRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported match request %T", ErrInvalidState, req)
	}

	valid := false
	for _, id := range tv.teamIDs {
		if id == change.TeamID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%w: no such team %d", ErrInvalidState, change.TeamID)
	}

	state, ok := u.MatchState.(*TeamVersusUserState)
	if !ok {
		state = &TeamVersusUserState{}
		u.MatchState = state
	}
	if state.TeamID == change.TeamID {
		return nil, nil
	}
	state.TeamID = change.TeamID

	team := state.TeamID
	return []Event{{
		Type:   EventMatchUserStateChanged,
		RoomID: room.ID,
		UserID: u.UserID,
		TeamID: &team,
	}}, nil
}
