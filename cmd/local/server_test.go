package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/MostProject/RoomChat/internal/services"
	"github.com/MostProject/RoomChat/internal/storage"
	"github.com/MostProject/RoomChat/internal/storage/dynamotest"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/smithy-go"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*LocalServer, *storage.DynamoDBStore, string) {
	t.Helper()
	cfg := &config.Config{
		UsersRoomsTable:       "UsersRooms",
		RoomsConnectionsTable: "RoomsConnections",
		MessagesTable:         "Messages",
		UsersIndex:            "UserId-index",
		ConnectionsIndex:      "ConnectionId-index",
		MessagesPageSize:      20,
	}
	fake := dynamotest.New()
	if err := storage.EnsureTables(context.Background(), fake, cfg); err != nil {
		t.Fatalf("EnsureTables() error = %v", err)
	}
	store := storage.NewDynamoDBStore(fake, cfg)
	logger := observability.NewLogger("test", observability.LevelError, io.Discard)

	server := NewLocalServer(store, cfg, observability.NewMetrics(nil, "RoomChat", "test"), logger, "localhost")
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	t.Cleanup(ts.Close)

	return server, store, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func next(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return string(data)
}

func nextJSON(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	raw := next(t, ws)
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("frame %q is not JSON: %v", raw, err)
	}
	return out
}

func TestLocalServer_DirectChat(t *testing.T) {
	_, _, url := newTestServer(t)
	alice := dial(t, url)
	bob := dial(t, url)

	send(t, alice, map[string]string{"action": "login", "userId": "alice"})
	if resp := nextJSON(t, alice); resp["messageType"] != string(models.TypeLoginResponse) || resp["success"] != true {
		t.Fatalf("alice login = %v", resp)
	}
	send(t, bob, map[string]string{"action": "login", "userId": "bob"})
	nextJSON(t, bob)

	send(t, alice, map[string]string{"action": "join", "user1Id": "alice", "user2Id": "bob"})
	joined := nextJSON(t, alice)
	roomID, _ := joined["roomId"].(string)
	if roomID == "" || joined["roomName"] != "bob" {
		t.Fatalf("alice join = %v", joined)
	}

	send(t, bob, map[string]string{"action": "join", "user1Id": "bob", "user2Id": "alice"})
	if resp := nextJSON(t, bob); resp["roomId"] != roomID {
		t.Fatalf("bob joined %v, want room %s", resp["roomId"], roomID)
	}

	send(t, alice, map[string]interface{}{
		"action": "sendMessage",
		"data":   map[string]string{"roomId": roomID, "userId": "alice", "message": "hi bob"},
	})

	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		msg := nextJSON(t, ws)
		if msg["messageType"] != string(models.TypeChatMessageResponse) || msg["message"] != "hi bob" || msg["author"] != "alice" {
			t.Errorf("%s received %v", name, msg)
		}
	}
	if got := next(t, alice); got != "Data sent to 2 connections" {
		t.Errorf("sendMessage route response = %q", got)
	}

	send(t, bob, map[string]string{"action": "getMessages", "roomId": roomID})
	page := nextJSON(t, bob)
	if msgs, _ := page["messages"].([]interface{}); len(msgs) != 1 || msgs[0] != "hi bob" {
		t.Errorf("history = %v", page)
	}
}

func TestLocalServer_UnknownActionUsesDefaultRoute(t *testing.T) {
	_, _, url := newTestServer(t)
	ws := dial(t, url)

	send(t, ws, map[string]string{"action": "dance"})
	if got := next(t, ws); got != `Unknown route "$default"` {
		t.Errorf("response = %q", got)
	}
}

func TestLocalServer_DisconnectDetachesPresence(t *testing.T) {
	server, store, url := newTestServer(t)
	ws := dial(t, url)

	send(t, ws, map[string]string{"action": "join", "user1Id": "alice", "user2Id": "bob"})
	roomID, _ := nextJSON(t, ws)["roomId"].(string)

	conns, err := store.ListRoomConnections(context.Background(), roomID)
	if err != nil || len(conns) != 1 {
		t.Fatalf("presence before close = %v, %v", conns, err)
	}

	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conns, _ = store.ListRoomConnections(context.Background(), roomID)
		if len(conns) == 0 && server.ConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("presence after close = %v, open sockets = %d", conns, server.ConnectionCount())
}

func TestPingAll_RegistryStaysWritable(t *testing.T) {
	server, _, url := newTestServer(t)
	dial(t, url)

	deadline := time.Now().Add(5 * time.Second)
	for server.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	var conn *localConn
	server.connsMu.RLock()
	for _, c := range server.conns {
		conn = c
	}
	server.connsMu.RUnlock()
	if conn == nil {
		t.Fatal("socket never registered")
	}

	// Hold the socket's writer so the ping stalls mid-loop
	conn.mu.Lock()
	pinged := make(chan int, 1)
	go func() { pinged <- server.pingAll(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	registered := make(chan struct{})
	go func() {
		server.connsMu.Lock()
		server.conns["late"] = &localConn{connectedAt: time.Now()}
		server.connsMu.Unlock()
		close(registered)
	}()

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Error("registration blocked while a ping was in flight")
	}
	conn.mu.Unlock()

	if n := <-pinged; n != 1 {
		t.Errorf("pingAll() = %d, want 1", n)
	}
	<-registered
}

func TestPostToConnection_UnknownIsGone(t *testing.T) {
	server, _, _ := newTestServer(t)

	_, err := server.PostToConnection(context.Background(), &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String("missing"),
		Data:         []byte("x"),
	})
	if !services.IsGone(err) {
		t.Errorf("err = %v, want GoneException", err)
	}
}

func TestRouteKey(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"action":"login","userId":"a"}`, models.RouteLogin},
		{`{"action":"sendMessage","data":{}}`, models.RouteSendMessage},
		{`{"action":"getMessages"}`, models.RouteGetMessages},
		{`{"action":"SENDMESSAGE"}`, models.RouteDefault},
		{`{"userId":"a"}`, models.RouteDefault},
		{`not json`, models.RouteDefault},
	}

	for _, tt := range tests {
		if got := routeKey([]byte(tt.body)); got != tt.want {
			t.Errorf("routeKey(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestRetryableStartupError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection refused", errors.New("dial tcp 127.0.0.1:8000: connect: connection refused"), true},
		{"server fault", &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer}, true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Fault: smithy.FaultClient}, false},
	}

	for _, tt := range tests {
		if got := retryableStartupError(tt.err); got != tt.want {
			t.Errorf("%s: retryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
