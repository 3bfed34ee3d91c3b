// internal/handlers/multiplayer_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/auth"
	"github.com/ppy/osu-server-spectator/internal/connection"
	"github.com/ppy/osu-server-spectator/internal/middleware"
	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

const multiplayerSubprotocol = "multiplayer"

// MultiplayerWSHandler upgrades a client connection to the multiplayer hub:
// authenticate, register with the single-session limiter, then run the
// read/write pumps until one of them exits.
func (s *Server) MultiplayerWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		identity, err := bearerIdentity(r)
		if err != nil {
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{multiplayerSubprotocol},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != multiplayerSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the multiplayer subprotocol")
			return
		}

		connID := uuid.NewString()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		if err := s.Limiter.Connect(ctx, identity.UserID, identity.TokenID, connection.HubMultiplayer, connID); err != nil {
			s.Logger.WithError(err).Warnf("connection registration failed for user %d", identity.UserID)
			c.Close(websocket.StatusPolicyViolation, "connection registration failed")
			return
		}

		out := s.Router.Register(connID, identity.UserID)
		middleware.LogWebSocketConnect(s.Logger, identity.UserID, remoteAddr)

		go s.writePump(ctx, c, out, cancel)
		readErr := s.readPump(ctx, c, identity, connID)

		// ---- Cleanup after readPump exits ----
		s.Router.Unregister(connID)
		wasCurrent, err := s.Limiter.Disconnect(context.Background(), identity.UserID, identity.TokenID, connection.HubMultiplayer, connID)
		if err != nil {
			s.Logger.WithError(err).Warnf("connection deregistration failed for user %d", identity.UserID)
		}
		if wasCurrent {
			// Only the session's live connection tears down room presence; an
			// evicted connection leaving must not kick out its replacement.
			s.Coordinator.HandleDisconnect(context.Background(), identity.UserID)
		}
		middleware.LogWebSocketDisconnect(s.Logger, identity.UserID, remoteAddr, readErr)
	}
}

// bearerIdentity extracts and verifies the caller's JWT from the
// Authorization header or, for browser clients, the access_token query
// parameter.
func bearerIdentity(r *http.Request) (auth.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("access_token")
	}
	return auth.Authenticate(token)
}

// readPump decodes client requests and dispatches them until the connection
// drops. Every request is answered: an ack, a payload or an error.
func (s *Server) readPump(ctx context.Context, c *websocket.Conn, identity auth.Identity, connID string) error {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.Logger.Warnf("ignoring non-text message from user %d", identity.UserID)
			continue
		}

		var req clientRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			s.writeReply(ctx, c, errorReply("", "invalid JSON"))
			continue
		}

		// Requests from a superseded connection are rejected wholesale.
		if err := s.Limiter.Validate(ctx, identity.UserID, identity.TokenID, connection.HubMultiplayer, connID); err != nil {
			c.Close(ConnectionSuperseded, "connection superseded by a newer session")
			return err
		}

		reply := s.dispatch(ctx, identity.UserID, req)
		s.writeReply(ctx, c, reply)
	}
}

func (s *Server) writeReply(ctx context.Context, c *websocket.Conn, reply serverReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.Logger.WithError(err).Warn("failed to marshal reply")
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.Logger.WithError(err).Warn("failed to write reply")
	}
}

// writePump drains the router's outbound channel onto the socket, pinging
// periodically. A closed channel means the connection was evicted or
// unregistered.
func (s *Server) writePump(ctx context.Context, c *websocket.Conn, out <-chan multiplayer.Event, cancel context.CancelFunc) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				c.Close(ConnectionSuperseded, "connection superseded")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.Logger.WithFields(logrus.Fields{"type": ev.Type}).WithError(err).Warn("failed to marshal event")
				continue
			}
			writeCtx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
			if ev.Type == multiplayer.EventDisconnectRequested {
				c.Close(ConnectionSuperseded, "connection superseded")
				return
			}
		case <-ticker.C:
			pingCtx, pcancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			pcancel()
			if err != nil {
				return
			}
		}
	}
}
