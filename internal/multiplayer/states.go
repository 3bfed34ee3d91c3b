// internal/multiplayer/states.go
package multiplayer

// UserState is the per-user position in the gameplay lifecycle.
type UserState int

const (
	UserIdle UserState = iota
	UserReady
	UserWaitingForLoad
	UserLoaded
	UserPlaying
	UserFinishedPlay
	UserResults
	UserSpectating
)

var userStateNames = map[UserState]string{
	UserIdle:           "idle",
	UserReady:          "ready",
	UserWaitingForLoad: "waiting_for_load",
	UserLoaded:         "loaded",
	UserPlaying:        "playing",
	UserFinishedPlay:   "finished_play",
	UserResults:        "results",
	UserSpectating:     "spectating",
}

func (s UserState) String() string {
	if n, ok := userStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseUserState maps a wire-format state name back to a UserState.
func ParseUserState(name string) (UserState, bool) {
	for s, n := range userStateNames {
		if n == name {
			return s, true
		}
	}
	return UserIdle, false
}

// IsGameplay reports whether the state belongs to an in-progress match.
func (s UserState) IsGameplay() bool {
	return s == UserWaitingForLoad || s == UserLoaded || s == UserPlaying
}

// RoomState is the room-level position in the match lifecycle. Transitions
// are monotonic per match: Open -> WaitingForLoad -> Playing -> Open.
type RoomState int

const (
	RoomOpen RoomState = iota
	RoomWaitingForLoad
	RoomPlaying
)

func (s RoomState) String() string {
	switch s {
	case RoomOpen:
		return "open"
	case RoomWaitingForLoad:
		return "waiting_for_load"
	case RoomPlaying:
		return "playing"
	}
	return "unknown"
}

// transitionRule classifies a client-requested user state change.
type transitionRule int

const (
	// transitionAllowed: apply the change.
	transitionAllowed transitionRule = iota
	// transitionRejected: fail with ErrInvalidStateChange.
	transitionRejected
	// transitionServerOnly: the target state is server-managed; clients may
	// never request it. Fails with ErrInvalidStateChange.
	transitionServerOnly
	// transitionSilentDrop: the request raced a server-side transition
	// (client un-readying while the match was starting); ignore it.
	transitionSilentDrop
)

// clientTransitionRule evaluates the transition table for a client-requested
// change from -> to. Same-state requests are handled by the caller as no-ops
// before consulting the table.
func clientTransitionRule(from, to UserState) transitionRule {
	// Server-managed targets are rejected outright, except that Idle
	// requests from a gameplay state are dropped silently.
	switch to {
	case UserWaitingForLoad, UserPlaying, UserResults:
		return transitionServerOnly
	case UserIdle:
		if from.IsGameplay() {
			return transitionSilentDrop
		}
		return transitionAllowed
	case UserReady:
		if from == UserIdle || from == UserResults {
			return transitionAllowed
		}
		return transitionRejected
	case UserLoaded:
		if from == UserWaitingForLoad {
			return transitionAllowed
		}
		return transitionRejected
	case UserFinishedPlay:
		if from == UserPlaying {
			return transitionAllowed
		}
		return transitionRejected
	case UserSpectating:
		switch from {
		case UserIdle, UserReady, UserResults:
			return transitionAllowed
		}
		return transitionRejected
	}
	return transitionRejected
}
