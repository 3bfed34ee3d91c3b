// internal/broadcast/router.go
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

const defaultSendBuffer = 64

// client is one registered websocket connection and its outbound queue. The
// write pump drains send until it is closed.
type client struct {
	connID string
	userID int64
	send   chan multiplayer.Event
	closed bool
}

// Router fans events out to registered connections. Group membership is kept
// per user id so a user's reconnect transparently inherits their groups.
type Router struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	conns  map[string]*client
	byUser map[int64]map[string]*client
	groups map[string]map[int64]struct{}
}

// NewRouter builds an empty router.
func NewRouter(logger *logrus.Logger) *Router {
	return &Router{
		logger: logger,
		conns:  make(map[string]*client),
		byUser: make(map[int64]map[string]*client),
		groups: make(map[string]map[int64]struct{}),
	}
}

// Register adds a connection for a user and returns the channel its write
// pump should drain. The channel is closed on Unregister or eviction.
func (r *Router) Register(connID string, userID int64) <-chan multiplayer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl := &client{
		connID: connID,
		userID: userID,
		send:   make(chan multiplayer.Event, defaultSendBuffer),
	}
	r.conns[connID] = cl
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*client)
	}
	r.byUser[userID][connID] = cl
	return cl.send
}

// Unregister drops a connection and closes its outbound channel.
func (r *Router) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(connID)
}

func (r *Router) closeLocked(connID string) {
	cl, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if peers := r.byUser[cl.userID]; peers != nil {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(r.byUser, cl.userID)
		}
	}
	if !cl.closed {
		cl.closed = true
		close(cl.send)
	}
}

// RequestDisconnect tells a connection to go away: a final notice is queued
// and the outbound channel is closed so the write pump tears the socket down.
func (r *Router) RequestDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.conns[connID]
	if !ok {
		return
	}
	r.sendLocked(cl, multiplayer.Event{Type: multiplayer.EventDisconnectRequested})
	r.closeLocked(connID)
}

// sendLocked enqueues without blocking; a full queue drops the event rather
// than stalling the room lock holder.
func (r *Router) sendLocked(cl *client, ev multiplayer.Event) {
	if cl.closed {
		return
	}
	select {
	case cl.send <- ev:
	default:
		r.logger.WithFields(logrus.Fields{
			"conn": cl.connID,
			"user": cl.userID,
			"type": ev.Type,
		}).Warn("dropping event for slow consumer")
	}
}

// ToGroup sends an event to every connection of every member of a group.
func (r *Router) ToGroup(group string, ev multiplayer.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID := range r.groups[group] {
		for _, cl := range r.byUser[userID] {
			r.sendLocked(cl, ev)
		}
	}
}

// ToUser sends an event to every connection of one user.
func (r *Router) ToUser(userID int64, ev multiplayer.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cl := range r.byUser[userID] {
		r.sendLocked(cl, ev)
	}
}

// AddToGroup records group membership for a user. Idempotent.
func (r *Router) AddToGroup(group string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[group] == nil {
		r.groups[group] = make(map[int64]struct{})
	}
	r.groups[group][userID] = struct{}{}
}

// RemoveFromGroup drops group membership for a user. Idempotent.
func (r *Router) RemoveFromGroup(group string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

var _ multiplayer.Broadcaster = (*Router)(nil)
