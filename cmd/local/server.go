package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/handlers"
	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/MostProject/RoomChat/internal/services"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	localStage   = "local"
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Routes selected by the body's "action" field. Anything else goes to $default.
var actionRoutes = map[string]bool{
	models.RouteLogin:       true,
	models.RouteAddRoom:     true,
	models.RouteJoin:        true,
	models.RouteSendMessage: true,
	models.RouteGetMessages: true,
}

type localConn struct {
	ws          *websocket.Conn
	connectedAt time.Time

	// gorilla connections allow one concurrent writer
	mu sync.Mutex
}

func (c *localConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// LocalServer stands in for an API Gateway WebSocket API: it owns the sockets,
// turns frames into route events for the handler and serves PostToConnection
// calls by writing to the matching socket.
type LocalServer struct {
	handler  *handlers.Handler
	metrics  *observability.Metrics
	logger   *observability.Logger
	upgrader websocket.Upgrader
	domain   string

	conns   map[string]*localConn
	connsMu sync.RWMutex
}

// NewLocalServer creates a server whose handler pushes through the server itself.
// domain is reported as the API domain name in every event.
func NewLocalServer(store handlers.Store, cfg *config.Config, metrics *observability.Metrics, logger *observability.Logger, domain string) *LocalServer {
	s := &LocalServer{
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		domain: domain,
		conns:  make(map[string]*localConn),
	}
	s.handler = handlers.NewHandler(store, func(string) services.PostToConnectionAPI { return s }, cfg, metrics)
	return s
}

// PostToConnection writes the payload to a live socket. Unknown ids fail with
// GoneException like the management API does.
func (s *LocalServer) PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	id := aws.ToString(params.ConnectionId)

	s.connsMu.RLock()
	conn, ok := s.conns[id]
	s.connsMu.RUnlock()
	if !ok {
		return nil, &types.GoneException{Message: aws.String("connection " + id + " is gone")}
	}

	if err := conn.write(websocket.TextMessage, params.Data); err != nil {
		return nil, fmt.Errorf("write to %s: %w", id, err)
	}
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

// ConnectionCount returns the number of open sockets
func (s *LocalServer) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *LocalServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "WebSocket upgrade failed", err)
		return
	}

	connID := uuid.NewString()
	conn := &localConn{ws: ws, connectedAt: time.Now()}
	ctx := observability.WithContext(context.Background(), s.logger)
	ctx = observability.WithConnectionID(ctx, connID)

	s.connsMu.Lock()
	s.conns[connID] = conn
	s.connsMu.Unlock()

	resp := s.dispatch(ctx, conn, connID, models.RouteConnect, "CONNECT", nil)
	if resp.StatusCode >= http.StatusMultipleChoices {
		s.logger.Warn(ctx, "Connection rejected", map[string]interface{}{"status": resp.StatusCode})
		s.drop(connID)
		ws.Close()
		return
	}

	s.logger.Info(ctx, "WebSocket client connected", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
	})

	defer func() {
		s.drop(connID)
		ws.Close()
		s.dispatch(ctx, conn, connID, models.RouteDisconnect, "DISCONNECT", nil)
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.WarnErr(ctx, "WebSocket read error", err)
			}
			return
		}

		resp := s.dispatch(ctx, conn, connID, routeKey(frame), "MESSAGE", frame)
		if resp.Body == "" {
			continue
		}
		if err := conn.write(websocket.TextMessage, []byte(resp.Body)); err != nil {
			s.logger.WarnErr(ctx, "Failed to write route response", err)
		}
	}
}

// dispatch runs one route event through the handler and flushes its metrics.
func (s *LocalServer) dispatch(ctx context.Context, conn *localConn, connID, route, eventType string, body []byte) events.APIGatewayProxyResponse {
	event := events.APIGatewayWebsocketProxyRequest{
		Body: string(body),
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			RouteKey:         route,
			EventType:        eventType,
			ConnectionID:     connID,
			ConnectedAt:      conn.connectedAt.UnixMilli(),
			RequestID:        uuid.NewString(),
			RequestTimeEpoch: time.Now().UnixMilli(),
			DomainName:       s.domain,
			Stage:            localStage,
			MessageDirection: "IN",
		},
	}

	s.logger.Debug(ctx, "Dispatching route", map[string]interface{}{
		"route": route,
		"size":  len(body),
	})

	resp, err := s.handler.Handle(ctx, event)
	if err != nil {
		s.logger.Error(ctx, "Handler failed", err, map[string]interface{}{"route": route})
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}
	}
	return resp
}

func (s *LocalServer) drop(connID string) {
	s.connsMu.Lock()
	delete(s.conns, connID)
	s.connsMu.Unlock()
}

// routeKey applies the API's route selection expression, $request.body.action.
func routeKey(body []byte) string {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.RouteDefault
	}
	if !actionRoutes[envelope.Action] {
		return models.RouteDefault
	}
	return envelope.Action
}

// startPingLoop keeps idle sockets alive with control pings and publishes
// buffered metrics on the same tick.
func (s *LocalServer) startPingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll(ctx)
			s.metrics.Flush(ctx)
		}
	}
}

// pingAll pings every open socket and returns how many pings were written.
// The registry lock covers only the snapshot, never a socket write.
func (s *LocalServer) pingAll(ctx context.Context) int {
	s.connsMu.RLock()
	ids := make([]string, 0, len(s.conns))
	conns := make([]*localConn, 0, len(s.conns))
	for id, conn := range s.conns {
		ids = append(ids, id)
		conns = append(conns, conn)
	}
	s.connsMu.RUnlock()

	sent := 0
	for i, conn := range conns {
		conn.mu.Lock()
		err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		conn.mu.Unlock()
		if err != nil {
			s.logger.Warn(ctx, "Failed to send ping", map[string]interface{}{
				"connection_id": ids[i],
				"error":         err.Error(),
			})
			continue
		}
		sent++
	}
	return sent
}
