// internal/handlers/server.go
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ppy/osu-server-spectator/internal/broadcast"
	"github.com/ppy/osu-server-spectator/internal/connection"
	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

// Server bundles the coordinator with its transport collaborators and exposes
// the HTTP surface.
type Server struct {
	Logger      *logrus.Logger
	Coordinator *multiplayer.Coordinator
	Limiter     *connection.Limiter
	Router      *broadcast.Router
}

// NewServer wires the HTTP/WebSocket layer.
func NewServer(logger *logrus.Logger, coordinator *multiplayer.Coordinator, limiter *connection.Limiter, router *broadcast.Router) *Server {
	return &Server{
		Logger:      logger,
		Coordinator: coordinator,
		Limiter:     limiter,
		Router:      router,
	}
}

// Routes registers the server's endpoints on a fresh mux. /metrics is left to
// the caller so the binary decides whether to expose it.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/multiplayer", s.MultiplayerWSHandler())
	mux.HandleFunc("/rooms", s.RoomsHandler)
	return mux
}

// roomDebugInfo is a stale-tolerant listing entry for one live room.
type roomDebugInfo struct {
	RoomID    int64  `json:"room_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	UserCount int    `json:"user_count"`
}

// RoomsHandler lists the rooms tracked on this instance. Diagnostics only;
// values may be mid-mutation and are read without locks.
func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tracked := s.Coordinator.TrackedRooms()
	out := make([]roomDebugInfo, 0, len(tracked))
	for id, room := range tracked {
		info := roomDebugInfo{RoomID: id}
		if room != nil {
			info.Name = room.Settings.Name
			info.State = room.State.String()
			info.UserCount = len(room.Users)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.Logger.WithError(err).Warn("failed to encode rooms listing")
	}
}
