package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/MostProject/RoomChat/internal/services"
	"github.com/MostProject/RoomChat/internal/storage"
	"github.com/MostProject/RoomChat/internal/storage/dynamotest"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

type fakeGateway struct {
	mu        sync.Mutex
	gone      map[string]bool
	received  map[string][]string
	endpoints []string
}

func (g *fakeGateway) PostToConnection(_ context.Context, in *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := aws.ToString(in.ConnectionId)
	if g.gone[id] {
		return nil, &types.GoneException{Message: aws.String("gone")}
	}
	g.received[id] = append(g.received[id], string(in.Data))
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

type testEnv struct {
	h       *Handler
	store   *storage.DynamoDBStore
	fake    *dynamotest.Fake
	gateway *fakeGateway
	metrics *observability.Metrics
	clock   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		UsersRoomsTable:       "UsersRooms",
		RoomsConnectionsTable: "RoomsConnections",
		MessagesTable:         "Messages",
		UsersIndex:            "UserId-index",
		ConnectionsIndex:      "ConnectionId-index",
		MessagesPageSize:      3,
	}
	fake := dynamotest.New()
	if err := storage.EnsureTables(context.Background(), fake, cfg); err != nil {
		t.Fatalf("EnsureTables() error = %v", err)
	}

	env := &testEnv{
		store:   storage.NewDynamoDBStore(fake, cfg),
		fake:    fake,
		gateway: &fakeGateway{gone: map[string]bool{}, received: map[string][]string{}},
		metrics: observability.NewMetrics(nil, "RoomChat", "test"),
		clock:   1000,
	}
	transport := func(endpoint string) services.PostToConnectionAPI {
		env.gateway.endpoints = append(env.gateway.endpoints, endpoint)
		return env.gateway
	}
	env.h = NewHandler(env.store, transport, cfg, env.metrics)
	env.h.now = func() time.Time { return time.Unix(env.clock, 0) }
	return env
}

func (e *testEnv) call(route, connectionID, body string) events.APIGatewayProxyResponse {
	resp, err := e.h.Handle(context.Background(), events.APIGatewayWebsocketProxyRequest{
		Body: body,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			RouteKey:     route,
			ConnectionID: connectionID,
			RequestID:    "req-" + route,
			DomainName:   "abc123.execute-api.us-east-1.amazonaws.com",
			Stage:        "prod",
		},
	})
	if err != nil {
		panic(err)
	}
	return resp
}

func decode(t *testing.T, resp events.APIGatewayProxyResponse) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		t.Fatalf("body %q is not JSON: %v", resp.Body, err)
	}
	return out
}

func strs(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.(string))
	}
	return out
}

func TestConnectAndUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.call("$connect", "A", ""); resp.StatusCode != 200 || resp.Body != "Connected." {
		t.Errorf("$connect = %d %q", resp.StatusCode, resp.Body)
	}
	if resp := env.call("$default", "A", "{}"); resp.StatusCode != 400 {
		t.Errorf("$default status = %d, want 400", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	env.call("login", "B", `{"UserID":"bob"}`)
	// Field names are matched case-insensitively
	resp := env.call("login", "A", `{"userid":"alice"}`)
	resp = env.call("login", "A2", `{"UserID":"alice"}`)

	if resp.StatusCode != 200 {
		t.Fatalf("login status = %d, body %s", resp.StatusCode, resp.Body)
	}
	body := decode(t, resp)
	if body["messageType"] != "LoginResponse" || body["success"] != true {
		t.Errorf("login body = %v", body)
	}
	if got := strs(body["users"]); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("users = %v, want [alice bob]", got)
	}
	if names, ok := body["customRoomsNames"].([]interface{}); !ok || len(names) != 0 {
		t.Errorf("customRoomsNames = %#v, want []", body["customRoomsNames"])
	}
	if got := env.metrics.Snapshot()[observability.MetricLogins]; got != 3 {
		t.Errorf("Logins = %d, want 3", got)
	}
}

func TestLogin_RestoresPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	add := decode(t, env.call("addRoom", "A", `{"UserId":"alice","OtherUsers":["bob","alice"],"RoomName":"Team"}`))
	roomID, _ := add["roomId"].(string)
	if add["success"] != true || roomID == "" || add["roomName"] != "Team" {
		t.Fatalf("addRoom body = %v", add)
	}

	body := decode(t, env.call("login", "B", `{"UserID":"bob"}`))
	if got := strs(body["customRoomsNames"]); !reflect.DeepEqual(got, []string{"Team"}) {
		t.Errorf("customRoomsNames = %v", got)
	}
	if got := strs(body["customRoomsIds"]); !reflect.DeepEqual(got, []string{roomID}) {
		t.Errorf("customRoomsIds = %v, want [%s]", got, roomID)
	}

	conns, err := env.store.ListRoomConnections(ctx, roomID)
	if err != nil {
		t.Fatalf("ListRoomConnections() error = %v", err)
	}
	if !reflect.DeepEqual(conns, []string{"A", "B"}) {
		t.Errorf("presence = %v, want [A B]", conns)
	}
}

func TestJoin_SameRoomForBothSides(t *testing.T) {
	env := newTestEnv(t)

	first := decode(t, env.call("join", "A", `{"User1ID":"alice","User2ID":"bob"}`))
	second := decode(t, env.call("join", "B", `{"User1ID":"bob","User2ID":"alice"}`))

	if first["messageType"] != "JoinResponse" || first["success"] != true {
		t.Fatalf("join body = %v", first)
	}
	if first["roomId"] != second["roomId"] {
		t.Errorf("room ids differ: %v vs %v", first["roomId"], second["roomId"])
	}
	if first["roomName"] != "bob" || second["roomName"] != "alice" {
		t.Errorf("room names = %v, %v", first["roomName"], second["roomName"])
	}
}

func TestSendMessage_FansOut(t *testing.T) {
	env := newTestEnv(t)
	join := decode(t, env.call("join", "A", `{"User1ID":"alice","User2ID":"bob"}`))
	env.call("join", "B", `{"User1ID":"bob","User2ID":"alice"}`)
	roomID := join["roomId"].(string)

	resp := env.call("sendMessage", "A", `{"action":"sendMessage","data":{"UserID":"alice","RoomID":"`+roomID+`","Message":"hi"}}`)
	if resp.StatusCode != 200 || resp.Body != "Data sent to 2 connections" {
		t.Fatalf("sendMessage = %d %q", resp.StatusCode, resp.Body)
	}

	if got := env.gateway.endpoints; len(got) != 1 || got[0] != "https://abc123.execute-api.us-east-1.amazonaws.com/prod" {
		t.Errorf("endpoints = %v", got)
	}
	for _, conn := range []string{"A", "B"} {
		msgs := env.gateway.received[conn]
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages", conn, len(msgs))
		}
		var payload map[string]interface{}
		json.Unmarshal([]byte(msgs[0]), &payload)
		want := map[string]interface{}{
			"messageType": "ChatMessageResponse",
			"success":     true,
			"message":     "hi",
			"author":      "alice",
			"date":        "1000",
			"roomId":      roomID,
		}
		if !reflect.DeepEqual(payload, want) {
			t.Errorf("%s payload = %v, want %v", conn, payload, want)
		}
	}
}

func TestSendMessage_StaleConnectionRemoved(t *testing.T) {
	env := newTestEnv(t)
	join := decode(t, env.call("join", "A", `{"User1ID":"alice","User2ID":"bob"}`))
	env.call("join", "B", `{"User1ID":"bob","User2ID":"alice"}`)
	roomID := join["roomId"].(string)
	env.gateway.gone["B"] = true

	resp := env.call("sendMessage", "A", `{"data":{"UserID":"alice","RoomID":"`+roomID+`","Message":"hi"}}`)
	if resp.Body != "Data sent to 1 connection" {
		t.Errorf("body = %q", resp.Body)
	}

	conns, _ := env.store.ListRoomConnections(context.Background(), roomID)
	if !reflect.DeepEqual(conns, []string{"A"}) {
		t.Errorf("presence = %v, want [A]", conns)
	}
}

func TestSendMessage_MalformedRejectedBeforeStore(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"no data", `{"action":"sendMessage","message":"hi"}`},
		{"data not an object", `{"data":"hi"}`},
		{"no room", `{"data":{"UserID":"alice","Message":"hi"}}`},
		{"no author", `{"data":{"RoomID":"r1","Message":"hi"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.call("sendMessage", "A", tt.body)
			if resp.StatusCode != 400 {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if n := env.fake.Calls("PutItem") + env.fake.Calls("Query"); n != 0 {
				t.Errorf("store touched %d times", n)
			}
		})
	}
}

func TestGetMessages(t *testing.T) {
	env := newTestEnv(t)
	room := "r1"

	for i, msg := range []string{"one", "two", "three", "four"} {
		env.clock = int64(100 * (i + 1))
		resp := env.call("sendMessage", "A", `{"data":{"UserID":"alice","RoomID":"`+room+`","Message":"`+msg+`"}}`)
		if resp.StatusCode != 200 {
			t.Fatalf("sendMessage = %d %q", resp.StatusCode, resp.Body)
		}
	}
	env.clock = 400 // same second as the newest message

	latest := decode(t, env.call("getMessages", "A", `{"RoomID":"r1","TimeStamp":""}`))
	if latest["messageType"] != "GetMessagesResponse" || latest["success"] != true {
		t.Fatalf("getMessages body = %v", latest)
	}
	if got := strs(latest["messages"]); !reflect.DeepEqual(got, []string{"four", "three", "two"}) {
		t.Errorf("messages = %v", got)
	}
	if got := strs(latest["dates"]); !reflect.DeepEqual(got, []string{"400", "300", "200"}) {
		t.Errorf("dates = %v", got)
	}
	if got := strs(latest["users"]); !reflect.DeepEqual(got, []string{"alice", "alice", "alice"}) {
		t.Errorf("users = %v", got)
	}

	older := decode(t, env.call("getMessages", "A", `{"RoomID":"r1","TimeStamp":"200"}`))
	if got := strs(older["messages"]); !reflect.DeepEqual(got, []string{"one"}) {
		t.Errorf("older messages = %v", got)
	}

	empty := decode(t, env.call("getMessages", "A", `{"RoomID":"r1","TimeStamp":"100"}`))
	if got, ok := empty["messages"].([]interface{}); !ok || len(got) != 0 {
		t.Errorf("messages before first = %#v, want []", empty["messages"])
	}
}

func TestFailuresAnswerSuccessFalse(t *testing.T) {
	tests := []struct {
		route, body, messageType string
	}{
		{"login", `{"UserID":"alice"}`, "LoginResponse"},
		{"addRoom", `{"UserId":"alice","OtherUsers":[],"RoomName":"x"}`, "AddRoomResponse"},
		{"join", `{"User1ID":"alice","User2ID":"bob"}`, "JoinResponse"},
		{"getMessages", `{"RoomID":"r1","TimeStamp":"5"}`, "GetMessagesResponse"},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			env := newTestEnv(t)
			boom := errors.New("ProvisionedThroughputExceededException")
			for _, op := range []string{"PutItem", "Query", "Scan", "GetItem"} {
				env.fake.Fail(op, boom)
			}

			resp := env.call(tt.route, "A", tt.body)
			if resp.StatusCode != 500 {
				t.Errorf("status = %d, want 500", resp.StatusCode)
			}
			body := decode(t, resp)
			if body["success"] != false || body["messageType"] != tt.messageType {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestInvalidRequestsAnswerSuccessFalse(t *testing.T) {
	env := newTestEnv(t)

	for route, body := range map[string]string{
		"login":       `{}`,
		"addRoom":     `not json`,
		"join":        `{"User1ID":"alice"}`,
		"getMessages": `{"TimeStamp":"5"}`,
	} {
		resp := env.call(route, "A", body)
		if resp.StatusCode != 500 || decode(t, resp)["success"] != false {
			t.Errorf("%s(%s) = %d %s", route, body, resp.StatusCode, resp.Body)
		}
	}
	if got := env.metrics.Snapshot()[observability.MetricHandlerErrors]; got != 4 {
		t.Errorf("HandlerErrors = %d, want 4", got)
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.call("addRoom", "A", `{"UserId":"alice","OtherUsers":["bob"],"RoomName":"Team"}`)
	join := decode(t, env.call("join", "A", `{"User1ID":"alice","User2ID":"bob"}`))

	resp := env.call("$disconnect", "A", "")
	if resp.StatusCode != 200 || resp.Body != "Disconnected." {
		t.Fatalf("$disconnect = %d %q", resp.StatusCode, resp.Body)
	}
	if conns, _ := env.store.ListRoomConnections(ctx, join["roomId"].(string)); len(conns) != 0 {
		t.Errorf("presence after disconnect = %v", conns)
	}

	// Membership survives: logging in again restores presence
	env.call("login", "A2", `{"UserID":"alice"}`)
	if conns, _ := env.store.ListRoomConnections(ctx, join["roomId"].(string)); !reflect.DeepEqual(conns, []string{"A2"}) {
		t.Errorf("presence after relogin = %v", conns)
	}

	env.fake.Fail("Query", errors.New("down"))
	resp = env.call("$disconnect", "A2", "")
	if resp.StatusCode != 500 || !strings.HasPrefix(resp.Body, "Failed to disconnect: ") {
		t.Errorf("$disconnect on failure = %d %q", resp.StatusCode, resp.Body)
	}
}

func TestUniqueMembers(t *testing.T) {
	got := uniqueMembers([]string{"bob", "", "alice", "bob", "alice"})
	if want := []string{"bob", "alice"}; !reflect.DeepEqual(got, want) {
		t.Errorf("uniqueMembers() = %v, want %v", got, want)
	}
}
