// internal/connection/limiter.go
package connection

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/entity"
	"github.com/ppy/osu-server-spectator/internal/metrics"
)

// HubKind names one of the logical hubs a client holds a connection to.
type HubKind string

const (
	HubMultiplayer HubKind = "multiplayer"
	HubSpectator   HubKind = "spectator"
	HubMetadata    HubKind = "metadata"
)

// ErrStaleConnection rejects an invocation arriving over a connection that a
// newer session has superseded.
var ErrStaleConnection = errors.New("connection superseded by a newer session")

// Notifier lets the limiter ask the transport to tear down a connection it
// has decided to evict.
type Notifier interface {
	RequestDisconnect(connID string)
}

// State tracks the single client session a user is allowed: the token the
// session authenticated with and its per-hub connection ids.
type State struct {
	TokenID     uuid.UUID
	Connections map[HubKind]string
}

// Limiter enforces one client session per user across all hubs. A connection
// from a new session evicts every connection of the old one; invocations from
// evicted connections fail with ErrStaleConnection.
type Limiter struct {
	logger   *logrus.Logger
	notifier Notifier
	states   *entity.Store[State]
}

// NewLimiter builds a limiter. notifier may be nil when eviction signalling
// is handled elsewhere.
func NewLimiter(logger *logrus.Logger, notifier Notifier) *Limiter {
	return &Limiter{
		logger:   logger,
		notifier: notifier,
		states:   entity.NewStore[State]("connection_state"),
	}
}

// Connect registers a connection for one hub of a user's session. A token id
// differing from the tracked session evicts all of the old session's
// connections first.
func (l *Limiter) Connect(ctx context.Context, userID int64, tokenID uuid.UUID, hub HubKind, connID string) error {
	usage, err := l.states.Acquire(ctx, userID, true)
	if err != nil {
		return err
	}
	defer usage.Release()

	state := usage.Item
	if state != nil && state.TokenID != tokenID {
		l.logger.WithFields(logrus.Fields{"user": userID, "hub": hub}).Info("new session, evicting previous connections")
		for _, oldConnID := range state.Connections {
			if l.notifier != nil {
				l.notifier.RequestDisconnect(oldConnID)
			}
		}
		state = nil
	}
	if state == nil {
		state = &State{
			TokenID:     tokenID,
			Connections: make(map[HubKind]string),
		}
		usage.Item = state
	}

	// Same session reconnecting on the same hub replaces the old connection.
	if old, ok := state.Connections[hub]; ok && old != connID && l.notifier != nil {
		l.notifier.RequestDisconnect(old)
	}
	state.Connections[hub] = connID
	return nil
}

// Validate checks that an invocation arrives over the connection currently
// registered for the user's session on the given hub.
func (l *Limiter) Validate(ctx context.Context, userID int64, tokenID uuid.UUID, hub HubKind, connID string) error {
	usage, err := l.states.Acquire(ctx, userID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			metrics.StaleConnections.Inc()
			return ErrStaleConnection
		}
		return err
	}
	defer usage.Release()

	state := usage.Item
	if state == nil || state.TokenID != tokenID || state.Connections[hub] != connID {
		metrics.StaleConnections.Inc()
		return ErrStaleConnection
	}
	return nil
}

// Disconnect deregisters a connection. It is a no-op if a newer connection
// has already replaced it. Returns whether the departing connection was the
// session's current one on that hub.
func (l *Limiter) Disconnect(ctx context.Context, userID int64, tokenID uuid.UUID, hub HubKind, connID string) (bool, error) {
	usage, err := l.states.Acquire(ctx, userID, false)
	if err != nil {
		if errors.Is(err, entity.ErrNotTracked) {
			return false, nil
		}
		return false, err
	}

	state := usage.Item
	if state == nil || state.TokenID != tokenID || state.Connections[hub] != connID {
		usage.Release()
		return false, nil
	}

	delete(state.Connections, hub)
	if len(state.Connections) == 0 {
		usage.Destroy()
		return true, nil
	}
	usage.Release()
	return true, nil
}
