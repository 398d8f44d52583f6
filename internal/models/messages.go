package models

import (
	"encoding/json"
	"fmt"
)

// Route keys as configured on the API Gateway WebSocket API.
const (
	RouteConnect     = "$connect"
	RouteDisconnect  = "$disconnect"
	RouteDefault     = "$default"
	RouteLogin       = "login"
	RouteAddRoom     = "addRoom"
	RouteJoin        = "join"
	RouteSendMessage = "sendMessage"
	RouteGetMessages = "getMessages"
)

// Inbound payloads. Field names are matched case-insensitively by encoding/json.

// LoginRequest is sent once per connection to restore room presence.
type LoginRequest struct {
	UserID string `json:"UserID"`
}

// AddRoomRequest creates a named multi-user room.
type AddRoomRequest struct {
	UserID     string   `json:"UserId"`
	OtherUsers []string `json:"OtherUsers"`
	RoomName   string   `json:"RoomName"`
}

// JoinRequest finds or creates the direct room of two users.
type JoinRequest struct {
	User1ID string `json:"User1ID"`
	User2ID string `json:"User2ID"`
}

// ChatMessageRequest is the "data" member of a sendMessage body.
type ChatMessageRequest struct {
	UserID  string `json:"UserID"`
	RoomID  string `json:"RoomID"`
	Message string `json:"Message"`
}

// GetMessagesRequest asks for the page of messages older than TimeStamp.
type GetMessagesRequest struct {
	RoomID    string `json:"RoomID"`
	TimeStamp string `json:"TimeStamp"`
}

// MessageType is the discriminator carried by every outbound payload.
type MessageType string

const (
	TypeJoinResponse        MessageType = "JoinResponse"
	TypeChatMessageResponse MessageType = "ChatMessageResponse"
	TypeLoginResponse       MessageType = "LoginResponse"
	TypeAddRoomResponse     MessageType = "AddRoomResponse"
	TypeGetMessagesResponse MessageType = "GetMessagesResponse"
)

// Response is the closed set of outbound payloads.
type Response interface {
	Type() MessageType
	Succeeded() bool
	isResponse()
}

// JoinResponse answers a join request.
type JoinResponse struct {
	Success  bool   `json:"success"`
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

// ChatMessageResponse is fanned out to every live connection of a room.
type ChatMessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	RoomID  string `json:"roomId"`
}

// LoginResponse lists known users and the caller's custom rooms.
type LoginResponse struct {
	Success          bool     `json:"success"`
	Users            []string `json:"users"`
	CustomRoomsNames []string `json:"customRoomsNames"`
	CustomRoomsIDs   []string `json:"customRoomsIds"`
}

// AddRoomResponse answers an addRoom request.
type AddRoomResponse struct {
	Success  bool   `json:"success"`
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

// GetMessagesResponse carries a page of messages as parallel arrays, most recent first.
type GetMessagesResponse struct {
	Success  bool     `json:"success"`
	Messages []string `json:"messages"`
	Dates    []string `json:"dates"`
	Users    []string `json:"users"`
}

func (JoinResponse) Type() MessageType        { return TypeJoinResponse }
func (ChatMessageResponse) Type() MessageType { return TypeChatMessageResponse }
func (LoginResponse) Type() MessageType       { return TypeLoginResponse }
func (AddRoomResponse) Type() MessageType     { return TypeAddRoomResponse }
func (GetMessagesResponse) Type() MessageType { return TypeGetMessagesResponse }

func (r JoinResponse) Succeeded() bool        { return r.Success }
func (r ChatMessageResponse) Succeeded() bool { return r.Success }
func (r LoginResponse) Succeeded() bool       { return r.Success }
func (r AddRoomResponse) Succeeded() bool     { return r.Success }
func (r GetMessagesResponse) Succeeded() bool { return r.Success }

func (JoinResponse) isResponse()        {}
func (ChatMessageResponse) isResponse() {}
func (LoginResponse) isResponse()       {}
func (AddRoomResponse) isResponse()     {}
func (GetMessagesResponse) isResponse() {}

// Encode serializes a response, deriving "messageType" from the variant.
func Encode(r Response) ([]byte, error) {
	var payload any
	switch v := r.(type) {
	case JoinResponse:
		payload = struct {
			MessageType MessageType `json:"messageType"`
			JoinResponse
		}{v.Type(), v}
	case ChatMessageResponse:
		payload = struct {
			MessageType MessageType `json:"messageType"`
			ChatMessageResponse
		}{v.Type(), v}
	case LoginResponse:
		v.Users = nonNil(v.Users)
		v.CustomRoomsNames = nonNil(v.CustomRoomsNames)
		v.CustomRoomsIDs = nonNil(v.CustomRoomsIDs)
		payload = struct {
			MessageType MessageType `json:"messageType"`
			LoginResponse
		}{v.Type(), v}
	case AddRoomResponse:
		payload = struct {
			MessageType MessageType `json:"messageType"`
			AddRoomResponse
		}{v.Type(), v}
	case GetMessagesResponse:
		v.Messages = nonNil(v.Messages)
		v.Dates = nonNil(v.Dates)
		v.Users = nonNil(v.Users)
		payload = struct {
			MessageType MessageType `json:"messageType"`
			GetMessagesResponse
		}{v.Type(), v}
	default:
		return nil, fmt.Errorf("unsupported response type %T", r)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", r.Type(), err)
	}
	return data, nil
}

// nonNil keeps empty lists serialized as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
