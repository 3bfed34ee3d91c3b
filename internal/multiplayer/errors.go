// internal/multiplayer/errors.go
package multiplayer

import "errors"

// Typed failures surfaced across the hub boundary. Validation failures
// guarantee no server-side mutation occurred.
var (
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidStateChange = errors.New("invalid state change")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrNotHost            = errors.New("user is not the host")
	ErrNotJoinedRoom      = errors.New("user is not in a room")
	ErrUserBlocked        = errors.New("cannot perform action due to user block")
	ErrUserBlocksPMs      = errors.New("user only accepts messages from friends")
)
