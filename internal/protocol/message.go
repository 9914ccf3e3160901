package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/presence"
)

// ErrParse marks a frame that could not be decoded into a known message.
// The dispatch boundary converts it to an error reply, never a crash.
var ErrParse = errors.New("protocol parse error")

// MessageType enumerates every frame the wire carries. The set is closed;
// Parse rejects anything else, so adding a type means extending the switch
// below and every dispatcher.
type MessageType string

const (
	TypeAuth         MessageType = "auth"
	TypeCreateRoom   MessageType = "create-room"
	TypeJoinRoom     MessageType = "join-room"
	TypeLeaveRoom    MessageType = "leave-room"
	TypeSync         MessageType = "sync"
	TypeOperation    MessageType = "operation"
	TypePresence     MessageType = "presence"
	TypeCursor       MessageType = "cursor"
	TypeAck          MessageType = "ack"
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICE          MessageType = "ice"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat-ack"
	TypeError        MessageType = "error"
)

// Message is one frame: a type tag, routing ids, and a type-specific
// payload.
type Message struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type CreateRoomPayload struct {
	RoomName string `json:"roomName"`
	FileID   string `json:"fileId,omitempty"`
	UserName string `json:"userName"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

// SyncPayload carries the authoritative document snapshot sent to a peer on
// join and on resynchronization.
type SyncPayload struct {
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	SessionID string `json:"sessionId"`
}

// OperationPayload is the wire form of an edit; AckPayload echoes the
// acknowledged operation back to its author.
type OperationPayload = ot.Operation

type AckPayload = ot.Operation

// PresencePayload doubles for cursor and presence frames.
type PresencePayload = presence.Cursor

type UserJoinedPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Color    string `json:"color,omitempty"`
	IsHost   bool   `json:"isHost,omitempty"`
}

type UserLeftPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// SignalPayload wraps a peer-connection handshake frame (offer, answer, or
// connectivity candidate). Signal is opaque to the relay and forwarded
// verbatim to the To peer.
type SignalPayload struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// New builds a message with a marshaled payload and current timestamp.
func New(msgType MessageType, roomID, userID string, payload any) (Message, error) {
	message := Message{
		Type:      msgType,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		message.Data = data
	}
	return message, nil
}

// Parse decodes one frame and rejects unknown message types.
func Parse(frame []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(frame, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	switch message.Type {
	case TypeAuth, TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeSync,
		TypeOperation, TypePresence, TypeCursor, TypeAck,
		TypeUserJoined, TypeUserLeft,
		TypeOffer, TypeAnswer, TypeICE,
		TypeHeartbeat, TypeHeartbeatAck, TypeError:
		return message, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrParse, message.Type)
	}
}

// DecodePayload unmarshals the message data into a typed payload.
func (m Message) DecodePayload(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s message has no payload", ErrParse, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// Encode marshals the message to a single wire frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
