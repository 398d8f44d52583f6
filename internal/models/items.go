package models

// NodeMarker is an existence row in UsersRooms (NodeId == TargetId).
// UserId is only set on user markers so that the users index stays sparse.
type NodeMarker struct {
	NodeID   string `dynamodbav:"NodeId"`
	TargetID string `dynamodbav:"TargetId"`
	UserID   string `dynamodbav:"UserId,omitempty"`
}

// MembershipEdge links a user node to a room node.
type MembershipEdge struct {
	NodeID   string `dynamodbav:"NodeId"`   // PK: user-{userId}
	TargetID string `dynamodbav:"TargetId"` // SK: room-{roomId}
	Custom   bool   `dynamodbav:"Custom"`
	// RoomName is persisted under "RoomId" for custom rooms.
	RoomName     string `dynamodbav:"RoomId,omitempty"`
	Interlocutor string `dynamodbav:"Interlocutor,omitempty"`
}

// PresenceEdge marks a live connection as subscribed to a room.
type PresenceEdge struct {
	RoomID       string `dynamodbav:"RoomId"` // PK: room-{roomId}
	ConnectionID string `dynamodbav:"ConnectionId"`
}

// MessageRecord is an immutable chat message row.
type MessageRecord struct {
	RoomID  string `dynamodbav:"RoomId"` // PK: room-{roomId}
	DateID  int64  `dynamodbav:"DateId"` // SK: seconds since epoch
	UserID  string `dynamodbav:"UserId"`
	Message string `dynamodbav:"Message"`
}

// ChatMessage is a message as returned by pagination.
type ChatMessage struct {
	Message string
	Author  string
	Date    string
}
