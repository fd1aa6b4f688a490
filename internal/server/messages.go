package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-meetup/internal/hub"
	"github.com/npezzotti/go-meetup/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join     *Join    `json:"join,omitempty"`
	Leave    *Leave   `json:"leave,omitempty"`
	Publish  *Publish `json:"publish,omitempty"`
	Read     *Read    `json:"read,omitempty"`
	Hub      *Hub     `json:"hub,omitempty"`
	Unhub    *Unhub   `json:"unhub,omitempty"`
	UserId   string   `json:"-"`
	client   *Client  `json:"-"`
	// internal marks messages the server generates on behalf of a client,
	// such as the leaves sent when a connection closes.
	internal bool
}

// GetUserId returns the id of the user that sent the message, or "" for
// messages generated by the server.
func (m *ClientMessage) GetUserId() string {
	if m.client == nil || m.internal {
		return ""
	}
	return m.UserId
}

type Join struct {
	ChatId string `json:"chat_id"`
}

type Leave struct {
	ChatId string `json:"chat_id"`
}

type Publish struct {
	ChatId string `json:"chat_id"`
	Text   string `json:"text"`
}

type Read struct {
	ChatId string `json:"chat_id"`
}

// Hub starts streaming the membership view of the user's events.
type Hub struct{}

type Unhub struct{}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	UserId       string         `json:"-"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence    *Presence            `json:"presence,omitempty"`
	Message     *MessageNotification `json:"message,omitempty"`
	ChatDeleted *ChatDeleted         `json:"chat_deleted,omitempty"`
	Hub         *HubUpdate           `json:"hub,omitempty"`
}

type Presence struct {
	Present bool   `json:"present"`
	UserId  string `json:"user_id,omitempty"`
	ChatId  string `json:"chat_id"`
}

// MessageNotification tells a participant outside the room that the chat
// has a new message.
type MessageNotification struct {
	ChatId    string          `json:"chat_id"`
	MessageId string          `json:"message_id"`
	Timestamp types.Timestamp `json:"timestamp"`
}

type ChatDeleted struct {
	ChatId string `json:"chat_id"`
}

type HubUpdate struct {
	Events hub.View `json:"events"`
}

// JoinInfo is the data of a successful join response.
type JoinInfo struct {
	Chat    *types.Chat `json:"chat"`
	Present []string    `json:"present"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
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

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

func ErrChatNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "chat not found", nil)
}

func ErrNotParticipant(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "not a chat participant", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
