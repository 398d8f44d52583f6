package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/MostProject/RoomChat/internal/models"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-lambda-go/events"
)

// sendMessageBody is the envelope of a sendMessage route body.
type sendMessageBody struct {
	Data *models.ChatMessageRequest `json:"data"`
}

// SendMessage stores a chat message and fans it out to the room's live connections.
//
// Malformed bodies are rejected with 400 before the store is touched. The
// response body reports how many connections received the message.
func (h *Handler) SendMessage(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	logger := observability.FromContext(ctx)

	var body sendMessageBody
	if err := json.Unmarshal([]byte(event.Body), &body); err != nil {
		logger.Warn(ctx, "Unparseable sendMessage body", map[string]interface{}{"error": err.Error()})
		return text(http.StatusBadRequest, "Invalid message body")
	}
	if body.Data == nil {
		logger.Warn(ctx, "Failed to find data element in message body")
		return text(http.StatusBadRequest, "Missing data element")
	}
	msg := body.Data
	if msg.RoomID == "" || msg.UserID == "" {
		logger.Warn(ctx, "Message without room or author")
		return text(http.StatusBadRequest, "Missing RoomID or UserID")
	}
	ctx = observability.WithUserID(ctx, msg.UserID)

	timestamp := strconv.FormatInt(h.now().Unix(), 10)
	if err := h.store.AppendMessage(ctx, msg.RoomID, msg.UserID, msg.Message, timestamp); err != nil {
		h.metrics.Counter(observability.MetricHandlerErrors, 1)
		logger.Error(ctx, "Error saving message", err)
		return text(http.StatusInternalServerError, "Failed to send message: "+err.Error())
	}
	h.metrics.Counter(observability.MetricMessagesSent, 1)

	delivered, err := h.broadcaster(event).BroadcastToRoom(ctx, msg.RoomID, models.ChatMessageResponse{
		Success: true,
		Message: msg.Message,
		Author:  msg.UserID,
		Date:    timestamp,
		RoomID:  msg.RoomID,
	})
	if err != nil {
		h.metrics.Counter(observability.MetricHandlerErrors, 1)
		logger.Error(ctx, "Error broadcasting message", err)
		return text(http.StatusInternalServerError, "Failed to send message: "+err.Error())
	}

	logger.Info(ctx, "Message broadcast", map[string]interface{}{
		"room_id":   msg.RoomID,
		"delivered": delivered,
	})
	return text(http.StatusOK, deliverySummary(delivered))
}

// GetMessages returns one page of the room's history older than TimeStamp.
// An empty TimeStamp pages from the current second inclusive.
func (h *Handler) GetMessages(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) events.APIGatewayProxyResponse {
	var req models.GetMessagesRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return h.fail(ctx, "Invalid getMessages request", err, models.GetMessagesResponse{})
	}
	if req.RoomID == "" {
		return h.fail(ctx, "Invalid getMessages request", fmt.Errorf("%w: RoomID", errMissingField), models.GetMessagesResponse{})
	}
	before := req.TimeStamp
	if before == "" {
		before = strconv.FormatInt(h.now().Unix()+1, 10)
	}

	page, err := h.store.FetchMessagesBefore(ctx, req.RoomID, before, h.pageSize)
	if err != nil {
		return h.fail(ctx, "Error fetching messages", err, models.GetMessagesResponse{})
	}

	resp := models.GetMessagesResponse{
		Success:  true,
		Messages: make([]string, len(page)),
		Dates:    make([]string, len(page)),
		Users:    make([]string, len(page)),
	}
	for i, m := range page {
		resp.Messages[i] = m.Message
		resp.Dates[i] = m.Date
		resp.Users[i] = m.Author
	}
	return h.reply(ctx, http.StatusOK, resp)
}

func deliverySummary(n int) string {
	suffix := "s"
	if n == 1 {
		suffix = ""
	}
	return fmt.Sprintf("Data sent to %d connection%s", n, suffix)
}
