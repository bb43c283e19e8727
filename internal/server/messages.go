package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/types"
)

// Client to server events.
const (
	EventAuthenticate = "authenticate"
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventNewMessage   = "new_message"
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
)

// Server to client events.
const (
	EventResponse        = "response"
	EventMessageReceived = "message_received"
	EventMessageUpdated  = "message_updated"
	EventMessageDeleted  = "message_deleted"
	EventChatUpdated     = "chat_updated"
	EventChatDeleted     = "chat_deleted"
	EventRemovedFromChat = "removed_from_chat"
)

type ClientMessage struct {
	Id       int    `json:"id,omitempty"`
	Type     string `json:"type"`
	ChatId   string `json:"chatId,omitempty"`
	Content  string `json:"content,omitempty"`
	ClientId string `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`
}

type ServerMessage struct {
	Id        int                 `json:"id,omitempty"`
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Response  *Response           `json:"response,omitempty"`
	Message   *types.Message      `json:"message,omitempty"`
	Chat      *types.Conversation `json:"chat,omitempty"`
	ChatId    string              `json:"chatId,omitempty"`
	UserId    string              `json:"userId,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Type:      EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return response(id, http.StatusAccepted, "", data)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrUnauthorized(id int) *ServerMessage {
	return response(id, http.StatusUnauthorized, "unauthorized", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "forbidden", nil)
}

func ErrNotFound(id int, what string) *ServerMessage {
	return response(id, http.StatusNotFound, what+" not found", nil)
}

func ErrTooManyRequests(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "too many requests", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

// ErrorResponse maps an error from the chat service to the response sent back
// for the client event with the given id.
func ErrorResponse(id int, err error) *ServerMessage {
	var storeErr *chat.StoreError
	switch {
	case errors.Is(err, chat.ErrInvalidContent):
		return response(id, http.StatusBadRequest, "invalid message content", nil)
	case errors.Is(err, chat.ErrInvalidRequest):
		return response(id, http.StatusBadRequest, "invalid request", nil)
	case errors.Is(err, chat.ErrForbidden):
		return ErrForbidden(id)
	case errors.Is(err, chat.ErrNotFound):
		return ErrNotFound(id, "chat")
	case errors.Is(err, chat.ErrConflict):
		return response(id, http.StatusConflict, "conflict", nil)
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return ErrUnauthorized(id)
	case errors.As(err, &storeErr):
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
