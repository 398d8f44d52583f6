package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Attribute names
const (
	AttrNodeID       = "NodeId"
	AttrTargetID     = "TargetId"
	AttrUserID       = "UserId"
	AttrCustom       = "Custom"
	AttrRoomID       = "RoomId"
	AttrInterlocutor = "Interlocutor"
	AttrConnectionID = "ConnectionId"
	AttrDateID       = "DateId"
	AttrMessage      = "Message"
)

const (
	exprMembershipEdges = "NodeId = :node AND begins_with(TargetId, :prefix)"
	exprCustomOnly      = "Custom = :custom"
	exprDirectWith      = "Custom = :custom AND attribute_exists(Interlocutor) AND Interlocutor = :other"
	exprRoomPresence    = "RoomId = :room"
	exprConnPresence    = "ConnectionId = :conn"
	exprMessagesBefore  = "RoomId = :room AND DateId < :date"
)

var (
	ErrEmptyID          = errors.New("identifier must not be empty")
	ErrInvalidTimestamp = errors.New("timestamp must be whole seconds since epoch")
	ErrInvalidLimit     = errors.New("limit must be between 1 and MaxInt32")
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore maps the user/room/connection graph onto three DynamoDB tables.
//
// None of the multi-item operations are transactional. Every write targets a
// deterministic key, so repeating an operation after a partial failure converges
// instead of duplicating rows (room creation excepted: it mints a new room id).
type DynamoDBStore struct {
	client DynamoDBAPI
	cfg    *config.Config
	newID  func() string
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(client DynamoDBAPI, cfg *config.Config) *DynamoDBStore {
	return &DynamoDBStore{
		client: client,
		cfg:    cfg,
		newID:  uuid.NewString,
	}
}

// --- Users ---

// RegisterUser writes the user existence marker. Repeated logins overwrite the same row.
func (s *DynamoDBStore) RegisterUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("register user: %w", ErrEmptyID)
	}
	key := models.UserKey(userID).String()
	if err := s.put(ctx, s.cfg.UsersRoomsTable, models.NodeMarker{NodeID: key, TargetID: key, UserID: userID}); err != nil {
		return fmt.Errorf("failed to register user %s: %w", userID, err)
	}
	return nil
}

// ListAllUsers scans the users index and returns every known user id.
//
// Only the first result page is read. A truncated listing is logged, not followed.
func (s *DynamoDBStore) ListAllUsers(ctx context.Context) ([]string, error) {
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(s.cfg.UsersRoomsTable),
		IndexName:            aws.String(s.cfg.UsersIndex),
		ProjectionExpression: aws.String(AttrUserID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users index: %w", err)
	}

	if len(result.LastEvaluatedKey) > 0 {
		observability.FromContext(ctx).Warn(ctx, "User listing truncated to first page", map[string]interface{}{
			"returned": len(result.Items),
		})
	}

	users := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		if v, ok := item[AttrUserID].(*types.AttributeValueMemberS); ok {
			users = append(users, v.Value)
		}
	}
	return users, nil
}

// --- Rooms ---

// ListUserCustomRooms returns the names and ids of the user's custom rooms as parallel slices.
func (s *DynamoDBStore) ListUserCustomRooms(ctx context.Context, userID string) ([]string, []string, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("list custom rooms: %w", ErrEmptyID)
	}

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.UsersRoomsTable),
		KeyConditionExpression: aws.String(exprMembershipEdges),
		FilterExpression:       aws.String(exprCustomOnly),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":node":   &types.AttributeValueMemberS{Value: models.UserKey(userID).String()},
			":prefix": &types.AttributeValueMemberS{Value: models.RoomSortPrefix},
			":custom": &types.AttributeValueMemberBOOL{Value: true},
		},
		ProjectionExpression: aws.String("RoomId, TargetId"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query custom rooms of %s: %w", userID, err)
	}

	var edges []models.MembershipEdge
	if err := attributevalue.UnmarshalListOfMaps(items, &edges); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal membership edges: %w", err)
	}

	names := make([]string, 0, len(edges))
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		room, err := roomFromTarget(edge.TargetID)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, edge.RoomName)
		ids = append(ids, room)
	}
	return names, ids, nil
}

// CreateCustomRoom creates a named room, subscribes the creator's connection and
// attaches every member. The caller includes the creator in members.
//
// Writes happen in order: room marker, creator presence, one edge per member.
// A failure part-way returns the error and leaves the rows already written.
func (s *DynamoDBStore) CreateCustomRoom(ctx context.Context, members []string, roomName, connectionID string) (string, error) {
	if connectionID == "" {
		return "", fmt.Errorf("create room: %w", ErrEmptyID)
	}
	roomID := s.newID()
	room := models.RoomKey(roomID).String()

	if err := s.put(ctx, s.cfg.UsersRoomsTable, models.NodeMarker{NodeID: room, TargetID: room}); err != nil {
		return "", fmt.Errorf("failed to write marker of room %s: %w", roomID, err)
	}
	if err := s.AddPresence(ctx, roomID, connectionID); err != nil {
		return "", err
	}

	for _, member := range members {
		if member == "" {
			continue
		}
		edge := models.MembershipEdge{
			NodeID:   models.UserKey(member).String(),
			TargetID: room,
			Custom:   true,
			RoomName: roomName,
		}
		if err := s.put(ctx, s.cfg.UsersRoomsTable, edge); err != nil {
			return "", fmt.Errorf("failed to attach %s to room %s: %w", member, roomID, err)
		}
	}
	return roomID, nil
}

// ResolveDirectRoom finds the direct room userA shares with userB, creating it if
// needed, and makes sure connectionID is present in it.
//
// The lookup and the creation are separate calls: two concurrent first joins of
// the same pair can each create a room. When several rooms match, the first row
// returned by the query wins.
func (s *DynamoDBStore) ResolveDirectRoom(ctx context.Context, userA, userB, connectionID string) (string, error) {
	if userA == "" || userB == "" || connectionID == "" {
		return "", fmt.Errorf("resolve direct room: %w", ErrEmptyID)
	}

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.UsersRoomsTable),
		KeyConditionExpression: aws.String(exprMembershipEdges),
		FilterExpression:       aws.String(exprDirectWith),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":node":   &types.AttributeValueMemberS{Value: models.UserKey(userA).String()},
			":prefix": &types.AttributeValueMemberS{Value: models.RoomSortPrefix},
			":custom": &types.AttributeValueMemberBOOL{Value: false},
			":other":  &types.AttributeValueMemberS{Value: userB},
		},
		ProjectionExpression: aws.String(AttrTargetID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up direct room of %s and %s: %w", userA, userB, err)
	}

	if len(items) > 0 {
		target, ok := items[0][AttrTargetID].(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("direct room edge of %s has no %s", userA, AttrTargetID)
		}
		roomID, err := roomFromTarget(target.Value)
		if err != nil {
			return "", err
		}

		present, err := s.HasPresence(ctx, roomID, connectionID)
		if err != nil {
			return "", err
		}
		if !present {
			if err := s.AddPresence(ctx, roomID, connectionID); err != nil {
				return "", err
			}
		}
		return roomID, nil
	}

	roomID := s.newID()
	room := models.RoomKey(roomID).String()

	if err := s.put(ctx, s.cfg.UsersRoomsTable, models.NodeMarker{NodeID: room, TargetID: room}); err != nil {
		return "", fmt.Errorf("failed to write marker of room %s: %w", roomID, err)
	}
	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		edge := models.MembershipEdge{
			NodeID:       models.UserKey(pair[0]).String(),
			TargetID:     room,
			Custom:       false,
			Interlocutor: pair[1],
		}
		if err := s.put(ctx, s.cfg.UsersRoomsTable, edge); err != nil {
			return "", fmt.Errorf("failed to attach %s to direct room %s: %w", pair[0], roomID, err)
		}
	}
	if err := s.AddPresence(ctx, roomID, connectionID); err != nil {
		return "", err
	}
	return roomID, nil
}

// --- Presence ---

// AttachConnectionToUserRooms subscribes connectionID to every room the user belongs to.
func (s *DynamoDBStore) AttachConnectionToUserRooms(ctx context.Context, userID, connectionID string) error {
	if userID == "" || connectionID == "" {
		return fmt.Errorf("attach connection: %w", ErrEmptyID)
	}

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.UsersRoomsTable),
		KeyConditionExpression: aws.String(exprMembershipEdges),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":node":   &types.AttributeValueMemberS{Value: models.UserKey(userID).String()},
			":prefix": &types.AttributeValueMemberS{Value: models.RoomSortPrefix},
		},
		ProjectionExpression: aws.String(AttrTargetID),
	})
	if err != nil {
		return fmt.Errorf("failed to query rooms of %s: %w", userID, err)
	}

	for _, item := range items {
		target, ok := item[AttrTargetID].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		roomID, err := roomFromTarget(target.Value)
		if err != nil {
			return err
		}
		if err := s.AddPresence(ctx, roomID, connectionID); err != nil {
			return err
		}
	}
	return nil
}

// DetachConnection removes every presence edge of connectionID. Membership edges are untouched.
func (s *DynamoDBStore) DetachConnection(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("detach connection: %w", ErrEmptyID)
	}

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.RoomsConnectionsTable),
		IndexName:              aws.String(s.cfg.ConnectionsIndex),
		KeyConditionExpression: aws.String(exprConnPresence),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":conn": &types.AttributeValueMemberS{Value: connectionID},
		},
		ProjectionExpression: aws.String("ConnectionId, RoomId"),
	})
	if err != nil {
		return fmt.Errorf("failed to query presence of %s: %w", connectionID, err)
	}

	for _, item := range items {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.cfg.RoomsConnectionsTable),
			Key: map[string]types.AttributeValue{
				AttrRoomID:       item[AttrRoomID],
				AttrConnectionID: item[AttrConnectionID],
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete presence of %s: %w", connectionID, err)
		}
	}
	return nil
}

// ListRoomConnections returns the live connections subscribed to a room, in store order.
func (s *DynamoDBStore) ListRoomConnections(ctx context.Context, roomID string) ([]string, error) {
	if roomID == "" {
		return nil, fmt.Errorf("list room connections: %w", ErrEmptyID)
	}

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.RoomsConnectionsTable),
		KeyConditionExpression: aws.String(exprRoomPresence),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: models.RoomKey(roomID).String()},
		},
		ProjectionExpression: aws.String(AttrConnectionID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query connections of room %s: %w", roomID, err)
	}

	connections := make([]string, 0, len(items))
	for _, item := range items {
		if v, ok := item[AttrConnectionID].(*types.AttributeValueMemberS); ok {
			connections = append(connections, v.Value)
		}
	}
	return connections, nil
}

// HasPresence reports whether connectionID is subscribed to roomID
func (s *DynamoDBStore) HasPresence(ctx context.Context, roomID, connectionID string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.cfg.RoomsConnectionsTable),
		Key:                  presenceKey(roomID, connectionID),
		ProjectionExpression: aws.String(AttrConnectionID),
	})
	if err != nil {
		return false, fmt.Errorf("failed to read presence of %s in room %s: %w", connectionID, roomID, err)
	}
	return len(result.Item) > 0, nil
}

// AddPresence subscribes connectionID to roomID
func (s *DynamoDBStore) AddPresence(ctx context.Context, roomID, connectionID string) error {
	edge := models.PresenceEdge{
		RoomID:       models.RoomKey(roomID).String(),
		ConnectionID: connectionID,
	}
	if err := s.put(ctx, s.cfg.RoomsConnectionsTable, edge); err != nil {
		return fmt.Errorf("failed to add %s to room %s: %w", connectionID, roomID, err)
	}
	return nil
}

// --- Messages ---

// AppendMessage stores a message. timestamp is seconds since epoch as a decimal string.
func (s *DynamoDBStore) AppendMessage(ctx context.Context, roomID, userID, message, timestamp string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("append message: %w", ErrEmptyID)
	}
	dateID, err := parseTimestamp(timestamp)
	if err != nil {
		return err
	}

	record := models.MessageRecord{
		RoomID:  models.RoomKey(roomID).String(),
		DateID:  dateID,
		UserID:  userID,
		Message: message,
	}
	if err := s.put(ctx, s.cfg.MessagesTable, record); err != nil {
		return fmt.Errorf("failed to save message in room %s: %w", roomID, err)
	}
	return nil
}

// FetchMessagesBefore returns up to limit messages strictly older than timestamp, newest first.
func (s *DynamoDBStore) FetchMessagesBefore(ctx context.Context, roomID, timestamp string, limit int) ([]models.ChatMessage, error) {
	if roomID == "" {
		return nil, fmt.Errorf("fetch messages: %w", ErrEmptyID)
	}
	if limit <= 0 || limit > math.MaxInt32 {
		return nil, fmt.Errorf("fetch messages: %w, got %d", ErrInvalidLimit, limit)
	}
	dateID, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.MessagesTable),
		KeyConditionExpression: aws.String(exprMessagesBefore),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: models.RoomKey(roomID).String()},
			":date": &types.AttributeValueMemberN{Value: strconv.FormatInt(dateID, 10)},
		},
		ScanIndexForward: aws.Bool(false), // Newest first
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of room %s: %w", roomID, err)
	}

	var records []models.MessageRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}

	messages := make([]models.ChatMessage, len(records))
	for i, record := range records {
		messages[i] = models.ChatMessage{
			Message: record.Message,
			Author:  record.UserID,
			Date:    strconv.FormatInt(record.DateID, 10),
		}
	}
	return messages, nil
}

// Ping checks that the UsersRooms table is reachable
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.cfg.UsersRoomsTable),
	})
	return err
}

// --- helpers ---

func (s *DynamoDBStore) put(ctx context.Context, table string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	return err
}

// queryAll follows LastEvaluatedKey until the result set is exhausted.
func (s *DynamoDBStore) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func presenceKey(roomID, connectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrRoomID:       &types.AttributeValueMemberS{Value: models.RoomKey(roomID).String()},
		AttrConnectionID: &types.AttributeValueMemberS{Value: connectionID},
	}
}

func roomFromTarget(target string) (string, error) {
	key, err := models.ParseNodeKey(target)
	if err != nil {
		return "", err
	}
	if key.Kind != models.NodeRoom {
		return "", fmt.Errorf("%w: %q is not a room", models.ErrInvalidNodeKey, target)
	}
	return key.ID, nil
}

func parseTimestamp(timestamp string) (int64, error) {
	n, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}
	return n, nil
}
