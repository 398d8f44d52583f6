package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MostProject/RoomChat/internal/awsclient"
	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/MostProject/RoomChat/internal/services"
	"github.com/aws/aws-lambda-go/events"
)

var errMissingField = errors.New("missing required field")

// Store is the persistence surface used by the route handlers
type Store interface {
	services.PresenceStore
	RegisterUser(ctx context.Context, userID string) error
	ListAllUsers(ctx context.Context) ([]string, error)
	ListUserCustomRooms(ctx context.Context, userID string) ([]string, []string, error)
	CreateCustomRoom(ctx context.Context, members []string, roomName, connectionID string) (string, error)
	ResolveDirectRoom(ctx context.Context, userA, userB, connectionID string) (string, error)
	AttachConnectionToUserRooms(ctx context.Context, userID, connectionID string) error
	AppendMessage(ctx context.Context, roomID, userID, message, timestamp string) error
	FetchMessagesBefore(ctx context.Context, roomID, timestamp string, limit int) ([]models.ChatMessage, error)
}

// TransportFactory returns a push client bound to one API stage endpoint
type TransportFactory func(endpoint string) services.PostToConnectionAPI

// Handler answers API Gateway WebSocket route events
type Handler struct {
	store     Store
	transport TransportFactory
	pageSize  int
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewHandler creates a route handler. metrics may be nil.
func NewHandler(store Store, transport TransportFactory, cfg *config.Config, metrics *observability.Metrics) *Handler {
	return &Handler{
		store:     store,
		transport: transport,
		pageSize:  cfg.MessagesPageSize,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Handle dispatches an event on its route key. The returned error is always nil:
// failures are reported through the status code and body.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := event.RequestContext
	ctx = observability.WithRequestID(ctx, rc.RequestID)
	ctx = observability.WithRouteKey(ctx, rc.RouteKey)
	ctx = observability.WithConnectionID(ctx, rc.ConnectionID)

	switch rc.RouteKey {
	case models.RouteConnect:
		return h.Connect(ctx, event), nil
	case models.RouteDisconnect:
		return h.Disconnect(ctx, event), nil
	case models.RouteLogin:
		return h.Login(ctx, event), nil
	case models.RouteAddRoom:
		return h.AddRoom(ctx, event), nil
	case models.RouteJoin:
		return h.Join(ctx, event), nil
	case models.RouteSendMessage:
		return h.SendMessage(ctx, event), nil
	case models.RouteGetMessages:
		return h.GetMessages(ctx, event), nil
	default:
		observability.FromContext(ctx).Warn(ctx, "Unknown route")
		return text(http.StatusBadRequest, fmt.Sprintf("Unknown route %q", rc.RouteKey)), nil
	}
}

// Connect acknowledges a new connection. Presence is only recorded at login.
func (h *Handler) Connect(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	observability.FromContext(ctx).Info(ctx, "Client connected")
	return text(http.StatusOK, "Connected.")
}

// Disconnect removes every presence edge of the closing connection.
func (h *Handler) Disconnect(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	logger := observability.FromContext(ctx)

	if err := h.store.DetachConnection(ctx, event.RequestContext.ConnectionID); err != nil {
		h.metrics.Counter(observability.MetricHandlerErrors, 1)
		logger.Error(ctx, "Error disconnecting", err)
		return text(http.StatusInternalServerError, "Failed to disconnect: "+err.Error())
	}

	h.metrics.Counter(observability.MetricDisconnects, 1)
	logger.Info(ctx, "Client disconnected")
	return text(http.StatusOK, "Disconnected.")
}

// fail logs err and answers with the failed form of the route's response.
func (h *Handler) fail(ctx context.Context, msg string, err error, resp models.Response) events.APIGatewayProxyResponse {
	h.metrics.Counter(observability.MetricHandlerErrors, 1)
	observability.FromContext(ctx).Error(ctx, msg, err)
	return h.reply(ctx, http.StatusInternalServerError, resp)
}

func (h *Handler) reply(ctx context.Context, status int, resp models.Response) events.APIGatewayProxyResponse {
	body, err := models.Encode(resp)
	if err != nil {
		observability.FromContext(ctx).Error(ctx, "Failed to encode response", err)
		return text(http.StatusInternalServerError, "Failed to encode response")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func (h *Handler) broadcaster(event events.APIGatewayWebsocketProxyRequest) *services.WebSocketService {
	rc := event.RequestContext
	endpoint := awsclient.ManagementEndpoint(rc.DomainName, rc.Stage)
	return services.NewWebSocketService(h.transport(endpoint), h.store, h.metrics)
}

func text(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       body,
	}
}
