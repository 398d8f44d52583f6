package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// PostToConnectionAPI pushes a payload to one WebSocket connection
type PostToConnectionAPI interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// PresenceStore is the part of the store fan-out depends on
type PresenceStore interface {
	ListRoomConnections(ctx context.Context, roomID string) ([]string, error)
	DetachConnection(ctx context.Context, connectionID string) error
}

// WebSocketService handles WebSocket communication via API Gateway
type WebSocketService struct {
	apiClient PostToConnectionAPI
	store     PresenceStore
	metrics   *observability.Metrics
}

// NewWebSocketService creates a new WebSocket service. metrics may be nil.
func NewWebSocketService(apiClient PostToConnectionAPI, store PresenceStore, metrics *observability.Metrics) *WebSocketService {
	return &WebSocketService{
		apiClient: apiClient,
		store:     store,
		metrics:   metrics,
	}
}

// IsGone reports whether err means the target connection no longer exists
func IsGone(err error) bool {
	var gone *types.GoneException
	return errors.As(err, &gone)
}

// SendToConnection pushes raw bytes to a specific connection
func (s *WebSocketService) SendToConnection(ctx context.Context, connectionID string, data []byte) error {
	_, err := s.apiClient.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to post to connection %s: %w", connectionID, err)
	}
	return nil
}

// BroadcastToRoom delivers resp to every live connection of a room, one at a time,
// and returns how many deliveries succeeded.
//
// A connection the gateway reports as gone is detached from all its rooms. Any
// other delivery error is logged and skipped. Only failing to encode the payload
// or to read the room's presence set fails the broadcast.
func (s *WebSocketService) BroadcastToRoom(ctx context.Context, roomID string, resp models.Response) (delivered int, err error) {
	logger := observability.FromContext(ctx)
	done := logger.Timer(ctx, "broadcast")
	defer func() { done(err) }()

	data, err := models.Encode(resp)
	if err != nil {
		return 0, err
	}

	connections, err := s.store.ListRoomConnections(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("failed to get connections: %w", err)
	}

	for _, connectionID := range connections {
		err := s.SendToConnection(ctx, connectionID, data)
		switch {
		case err == nil:
			delivered++
		case IsGone(err):
			s.metrics.Counter(observability.MetricStaleConnections, 1)
			logger.Info(ctx, "Removing stale connection", map[string]interface{}{
				"room_id":    roomID,
				"stale_conn": connectionID,
			})
			if err := s.store.DetachConnection(ctx, connectionID); err != nil {
				logger.WarnErr(ctx, "Failed to remove stale connection", err, map[string]interface{}{
					"stale_conn": connectionID,
				})
			}
		default:
			s.metrics.Counter(observability.MetricDeliveryFailures, 1)
			logger.WarnErr(ctx, "Failed to deliver message", err, map[string]interface{}{
				"room_id":     roomID,
				"target_conn": connectionID,
			})
		}
	}

	s.metrics.Counter(observability.MetricMessagesDelivered, int64(delivered))
	return delivered, nil
}
