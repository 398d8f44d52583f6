package models

import (
	"errors"
	"fmt"
	"strings"
)

// NodeKind discriminates the two node namespaces that share the UsersRooms partition key.
type NodeKind int

const (
	NodeUser NodeKind = iota + 1
	NodeRoom
)

const (
	userPrefix = "user-"
	roomPrefix = "room-"
)

func (k NodeKind) String() string {
	switch k {
	case NodeUser:
		return "user"
	case NodeRoom:
		return "room"
	default:
		return "unknown"
	}
}

func (k NodeKind) prefix() string {
	switch k {
	case NodeUser:
		return userPrefix
	case NodeRoom:
		return roomPrefix
	default:
		return ""
	}
}

var ErrInvalidNodeKey = errors.New("invalid node key")

// NodeKey is a tagged user/room identifier. It is converted to the stored
// "user-{id}" / "room-{id}" form only at the storage edge.
type NodeKey struct {
	Kind NodeKind
	ID   string
}

// UserKey returns the key of a user node.
func UserKey(id string) NodeKey {
	return NodeKey{Kind: NodeUser, ID: id}
}

// RoomKey returns the key of a room node.
func RoomKey(id string) NodeKey {
	return NodeKey{Kind: NodeRoom, ID: id}
}

// String encodes the key in its persisted form.
func (k NodeKey) String() string {
	return k.Kind.prefix() + k.ID
}

// ParseNodeKey decodes a persisted "user-..." or "room-..." string.
func ParseNodeKey(s string) (NodeKey, error) {
	switch {
	case strings.HasPrefix(s, userPrefix) && len(s) > len(userPrefix):
		return UserKey(strings.TrimPrefix(s, userPrefix)), nil
	case strings.HasPrefix(s, roomPrefix) && len(s) > len(roomPrefix):
		return RoomKey(strings.TrimPrefix(s, roomPrefix)), nil
	default:
		return NodeKey{}, fmt.Errorf("%w: %q", ErrInvalidNodeKey, s)
	}
}

// RoomSortPrefix is the begins_with operand selecting membership edges.
const RoomSortPrefix = "room"
