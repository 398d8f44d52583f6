package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-lambda-go/events"
)

// Login registers the user, subscribes the connection to all of the user's rooms
// and returns the known users with the caller's custom rooms.
func (h *Handler) Login(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	connectionID := event.RequestContext.ConnectionID

	var req models.LoginRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return h.fail(ctx, "Invalid login request", err, models.LoginResponse{})
	}
	if req.UserID == "" {
		return h.fail(ctx, "Invalid login request", fmt.Errorf("%w: UserID", errMissingField), models.LoginResponse{})
	}
	ctx = observability.WithUserID(ctx, req.UserID)

	if err := h.store.RegisterUser(ctx, req.UserID); err != nil {
		return h.fail(ctx, "Error logging in", err, models.LoginResponse{})
	}
	if err := h.store.AttachConnectionToUserRooms(ctx, req.UserID, connectionID); err != nil {
		return h.fail(ctx, "Error logging in", err, models.LoginResponse{})
	}
	users, err := h.store.ListAllUsers(ctx)
	if err != nil {
		return h.fail(ctx, "Error logging in", err, models.LoginResponse{})
	}
	names, ids, err := h.store.ListUserCustomRooms(ctx, req.UserID)
	if err != nil {
		return h.fail(ctx, "Error logging in", err, models.LoginResponse{})
	}

	h.metrics.Counter(observability.MetricLogins, 1)
	observability.FromContext(ctx).Info(ctx, "User logged in", map[string]interface{}{
		"custom_rooms": len(ids),
	})

	return h.reply(ctx, http.StatusOK, models.LoginResponse{
		Success:          true,
		Users:            users,
		CustomRoomsNames: names,
		CustomRoomsIDs:   ids,
	})
}

// AddRoom creates a named room for the caller and the listed users.
func (h *Handler) AddRoom(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	var req models.AddRoomRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return h.fail(ctx, "Invalid addRoom request", err, models.AddRoomResponse{})
	}
	if req.UserID == "" {
		return h.fail(ctx, "Invalid addRoom request", fmt.Errorf("%w: UserId", errMissingField), models.AddRoomResponse{})
	}
	ctx = observability.WithUserID(ctx, req.UserID)

	members := uniqueMembers(append(req.OtherUsers, req.UserID))
	roomID, err := h.store.CreateCustomRoom(ctx, members, req.RoomName, event.RequestContext.ConnectionID)
	if err != nil {
		return h.fail(ctx, "Error creating room", err, models.AddRoomResponse{})
	}

	h.metrics.Counter(observability.MetricRoomsCreated, 1)
	observability.FromContext(ctx).Info(ctx, "Room created", map[string]interface{}{
		"room_id": roomID,
		"members": len(members),
	})

	return h.reply(ctx, http.StatusOK, models.AddRoomResponse{
		Success:  true,
		RoomID:   roomID,
		RoomName: req.RoomName,
	})
}

// Join finds or creates the direct room of User1ID and User2ID.
func (h *Handler) Join(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	var req models.JoinRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return h.fail(ctx, "Invalid join request", err, models.JoinResponse{})
	}
	if req.User1ID == "" || req.User2ID == "" {
		return h.fail(ctx, "Invalid join request", fmt.Errorf("%w: User1ID, User2ID", errMissingField), models.JoinResponse{})
	}
	ctx = observability.WithUserID(ctx, req.User1ID)

	roomID, err := h.store.ResolveDirectRoom(ctx, req.User1ID, req.User2ID, event.RequestContext.ConnectionID)
	if err != nil {
		return h.fail(ctx, "Error joining room", err, models.JoinResponse{})
	}

	h.metrics.Counter(observability.MetricDirectRoomsResolved, 1)
	observability.FromContext(ctx).Info(ctx, "Joined direct room", map[string]interface{}{
		"room_id": roomID,
		"with":    req.User2ID,
	})

	// A direct room is shown under the other participant's name
	return h.reply(ctx, http.StatusOK, models.JoinResponse{
		Success:  true,
		RoomID:   roomID,
		RoomName: req.User2ID,
	})
}

// uniqueMembers drops empty and repeated ids, keeping first occurrences in order.
func uniqueMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
