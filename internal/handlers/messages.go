// internal/handlers/messages.go
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/ppy/osu-server-spectator/internal/database"
	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

// clientRequest is the envelope for every client-to-server message. Only the
// fields relevant to the request type are read.
type clientRequest struct {
	Type string `json:"type"`

	RoomID       int64                            `json:"room_id,omitempty"`
	Password     string                           `json:"password,omitempty"`
	State        string                           `json:"state,omitempty"`
	UserID       int64                            `json:"user_id,omitempty"`
	Settings     *multiplayer.RoomSettings        `json:"settings,omitempty"`
	Mods         []database.Mod                   `json:"mods,omitempty"`
	Availability *multiplayer.BeatmapAvailability `json:"availability,omitempty"`
	Item         *database.PlaylistItem           `json:"item,omitempty"`
	ItemID       int64                            `json:"item_id,omitempty"`
	DurationMS   int64                            `json:"duration_ms,omitempty"`
	TeamID       int                              `json:"team_id,omitempty"`
}

// serverReply is the direct response to one client request.
type serverReply struct {
	Type    string                    `json:"type"`
	Request string                    `json:"request,omitempty"`
	Error   string                    `json:"error,omitempty"`
	Room    *multiplayer.RoomSnapshot `json:"room,omitempty"`
}

func ackReply(request string) serverReply {
	return serverReply{Type: "ack", Request: request}
}

func errorReply(request, message string) serverReply {
	return serverReply{Type: "error", Request: request, Error: message}
}

// dispatch routes one decoded request into the coordinator and shapes the
// reply.
func (s *Server) dispatch(ctx context.Context, userID int64, req clientRequest) serverReply {
	var err error
	switch req.Type {
	case "join_room":
		var snap *multiplayer.RoomSnapshot
		snap, err = s.Coordinator.JoinRoom(ctx, userID, req.RoomID, req.Password)
		if err == nil {
			return serverReply{Type: "room_joined", Request: req.Type, Room: snap}
		}

	case "leave_room":
		err = s.Coordinator.LeaveRoom(ctx, userID)

	case "kick_user":
		err = s.Coordinator.KickUser(ctx, userID, req.UserID)

	case "transfer_host":
		err = s.Coordinator.TransferHost(ctx, userID, req.UserID)

	case "invite_player":
		err = s.Coordinator.InvitePlayer(ctx, userID, req.UserID)

	case "change_state":
		state, ok := multiplayer.ParseUserState(req.State)
		if !ok {
			err = fmt.Errorf("%w: unknown state %q", multiplayer.ErrInvalidStateChange, req.State)
			break
		}
		err = s.Coordinator.ChangeState(ctx, userID, state)

	case "change_settings":
		if req.Settings == nil {
			err = fmt.Errorf("%w: missing settings", multiplayer.ErrInvalidState)
			break
		}
		err = s.Coordinator.ChangeSettings(ctx, userID, *req.Settings)

	case "change_user_mods":
		err = s.Coordinator.ChangeUserMods(ctx, userID, req.Mods)

	case "change_beatmap_availability":
		if req.Availability == nil {
			err = fmt.Errorf("%w: missing availability", multiplayer.ErrInvalidState)
			break
		}
		err = s.Coordinator.ChangeBeatmapAvailability(ctx, userID, *req.Availability)

	case "start_match":
		err = s.Coordinator.StartMatch(ctx, userID)

	case "abort_gameplay":
		err = s.Coordinator.AbortGameplay(ctx, userID)

	case "start_countdown":
		err = s.Coordinator.SendMatchRequest(ctx, userID, multiplayer.StartCountdownRequest{
			Duration: time.Duration(req.DurationMS) * time.Millisecond,
		})

	case "stop_countdown":
		err = s.Coordinator.SendMatchRequest(ctx, userID, multiplayer.StopCountdownRequest{})

	case "change_team":
		err = s.Coordinator.SendMatchRequest(ctx, userID, multiplayer.ChangeTeamRequest{TeamID: req.TeamID})

	case "add_playlist_item":
		if req.Item == nil {
			err = fmt.Errorf("%w: missing item", multiplayer.ErrInvalidState)
			break
		}
		err = s.Coordinator.AddPlaylistItem(ctx, userID, req.Item)

	case "edit_playlist_item":
		if req.Item == nil {
			err = fmt.Errorf("%w: missing item", multiplayer.ErrInvalidState)
			break
		}
		err = s.Coordinator.EditPlaylistItem(ctx, userID, req.Item)

	case "remove_playlist_item":
		err = s.Coordinator.RemovePlaylistItem(ctx, userID, req.ItemID)

	default:
		return errorReply(req.Type, fmt.Sprintf("unknown request type: %s", req.Type))
	}

	if err != nil {
		return errorReply(req.Type, err.Error())
	}
	return ackReply(req.Type)
}
