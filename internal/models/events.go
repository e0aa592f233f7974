package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names one socket event. Inbound and outbound events share the
// namespace so a single switch can cover the whole wire contract.
type EventType string

// Connection lifecycle. These are synthesized by the transport from the
// underlying connection state rather than carried as wire frames.
const (
	EventConnect      EventType = "connect"
	EventDisconnect   EventType = "disconnect"
	EventConnectError EventType = "connect_error"
)

// Inbound events pushed by the server.
const (
	EventNewMessage              EventType = "new_message"
	EventMessageUpdated          EventType = "message_updated"
	EventMessageDeleted          EventType = "message_deleted"
	EventMessageRead             EventType = "message_read"
	EventUserTyping              EventType = "user_typing"
	EventUserStoppedTyping       EventType = "user_stopped_typing"
	EventUserOnline              EventType = "user_online"
	EventUserOffline             EventType = "user_offline"
	EventUserOnlineStatus        EventType = "user_online_status"
	EventUserStatusChange        EventType = "user_status_change"
	EventConversationCreated     EventType = "conversation_created"
	EventConversationUpdated     EventType = "conversation_updated"
	EventUserJoinedConversation  EventType = "user_joined_conversation"
	EventUserLeftConversation    EventType = "user_left_conversation"
	EventReactionAdded           EventType = "reaction_added"
	EventReactionRemoved         EventType = "reaction_removed"
	EventConversationOnlineUsers EventType = "conversation_online_users"
)

// Outbound events emitted by the client.
const (
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	EventSendMessage       EventType = "send_message"
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
	EventMarkAsRead        EventType = "mark_as_read"
	EventAddReaction       EventType = "add_reaction"
	EventRemoveReaction    EventType = "remove_reaction"
)

// InboundEventTypes lists every event the store handles. Used to register
// and tear down subscriptions exhaustively.
var InboundEventTypes = []EventType{
	EventConnect,
	EventDisconnect,
	EventConnectError,
	EventNewMessage,
	EventMessageUpdated,
	EventMessageDeleted,
	EventMessageRead,
	EventUserTyping,
	EventUserStoppedTyping,
	EventUserOnline,
	EventUserOffline,
	EventUserOnlineStatus,
	EventUserStatusChange,
	EventConversationCreated,
	EventConversationUpdated,
	EventUserJoinedConversation,
	EventUserLeftConversation,
	EventReactionAdded,
	EventReactionRemoved,
	EventConversationOnlineUsers,
}

// Envelope is the wire frame: one event name plus its JSON payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TypingEvent signals that a user started or stopped typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         int    `json:"userId"`
}

// MessageDeleted identifies a tombstoned message.
type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// MessageRead is a read receipt broadcast.
type MessageRead struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         int       `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// OnlineStatus is a raw connection flag change for one user.
type OnlineStatus struct {
	UserID   int  `json:"userId"`
	IsOnline bool `json:"isOnline"`
}

// StatusChange is a status enum change for one user, independent of the
// connection flag.
type StatusChange struct {
	UserID int        `json:"userId"`
	Status UserStatus `json:"status"`
}

// MembershipEvent announces a user joining or leaving a conversation.
type MembershipEvent struct {
	ConversationID string `json:"conversationId"`
	User           User   `json:"user"`
}

// OnlineUsers carries the connected-member count of one conversation.
type OnlineUsers struct {
	ConversationID string `json:"conversationId"`
	OnlineCount    int    `json:"onlineCount"`
}

// ServerEvent is the decoded form of one inbound event. Exactly one payload
// field is set, matching Type.
type ServerEvent struct {
	Type         EventType
	Message      *Message
	Conversation *Conversation
	Deleted      *MessageDeleted
	Read         *MessageRead
	Typing       *TypingEvent
	User         *User
	OnlineStatus *OnlineStatus
	StatusChange *StatusChange
	Membership   *MembershipEvent
	Reaction     *Reaction
	OnlineUsers  *OnlineUsers
	Reason       string
}

// DecodeServerEvent parses an envelope into its typed form.
func DecodeServerEvent(env Envelope) (ServerEvent, error) {
	ev := ServerEvent{Type: env.Event}

	unmarshal := func(v any) error {
		if len(env.Data) == 0 {
			return fmt.Errorf("event %s: missing payload", env.Event)
		}
		return json.Unmarshal(env.Data, v)
	}

	var err error
	switch env.Event {
	case EventConnect:
	case EventDisconnect, EventConnectError:
		if len(env.Data) > 0 {
			var reason struct {
				Reason string `json:"reason"`
			}
			if err = json.Unmarshal(env.Data, &reason); err == nil {
				ev.Reason = reason.Reason
			}
		}
	case EventNewMessage, EventMessageUpdated:
		ev.Message = &Message{}
		err = unmarshal(ev.Message)
	case EventMessageDeleted:
		ev.Deleted = &MessageDeleted{}
		err = unmarshal(ev.Deleted)
	case EventMessageRead:
		ev.Read = &MessageRead{}
		err = unmarshal(ev.Read)
	case EventUserTyping, EventUserStoppedTyping:
		ev.Typing = &TypingEvent{}
		err = unmarshal(ev.Typing)
	case EventUserOnline, EventUserOffline:
		ev.User = &User{}
		err = unmarshal(ev.User)
	case EventUserOnlineStatus:
		ev.OnlineStatus = &OnlineStatus{}
		err = unmarshal(ev.OnlineStatus)
	case EventUserStatusChange:
		ev.StatusChange = &StatusChange{}
		err = unmarshal(ev.StatusChange)
	case EventConversationCreated, EventConversationUpdated:
		ev.Conversation = &Conversation{}
		err = unmarshal(ev.Conversation)
	case EventUserJoinedConversation, EventUserLeftConversation:
		ev.Membership = &MembershipEvent{}
		err = unmarshal(ev.Membership)
	case EventReactionAdded, EventReactionRemoved:
		ev.Reaction = &Reaction{}
		err = unmarshal(ev.Reaction)
	case EventConversationOnlineUsers:
		ev.OnlineUsers = &OnlineUsers{}
		err = unmarshal(ev.OnlineUsers)
	default:
		return ev, fmt.Errorf("unknown event type %q", env.Event)
	}
	if err != nil {
		return ev, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}

func missingPayload(t EventType) error {
	return fmt.Errorf("event %s: missing payload", t)
}

// EncodeServerEvent wraps a typed event back into an envelope. Used by the
// stub backend; the payload chosen mirrors DecodeServerEvent. Each branch
// checks its own pointer: assigning a nil *T to the payload interface would
// slip past a single nil test and encode as JSON null.
func EncodeServerEvent(ev ServerEvent) (Envelope, error) {
	var payload any
	switch ev.Type {
	case EventConnect:
	case EventDisconnect, EventConnectError:
		payload = map[string]string{"reason": ev.Reason}
	case EventNewMessage, EventMessageUpdated:
		if ev.Message == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Message
	case EventMessageDeleted:
		if ev.Deleted == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Deleted
	case EventMessageRead:
		if ev.Read == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Read
	case EventUserTyping, EventUserStoppedTyping:
		if ev.Typing == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Typing
	case EventUserOnline, EventUserOffline:
		if ev.User == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.User
	case EventUserOnlineStatus:
		if ev.OnlineStatus == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.OnlineStatus
	case EventUserStatusChange:
		if ev.StatusChange == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.StatusChange
	case EventConversationCreated, EventConversationUpdated:
		if ev.Conversation == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Conversation
	case EventUserJoinedConversation, EventUserLeftConversation:
		if ev.Membership == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Membership
	case EventReactionAdded, EventReactionRemoved:
		if ev.Reaction == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Reaction
	case EventConversationOnlineUsers:
		if ev.OnlineUsers == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.OnlineUsers
	default:
		return Envelope{}, fmt.Errorf("unknown event type %q", ev.Type)
	}

	env := Envelope{Event: ev.Type}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", ev.Type, err)
		}
		env.Data = data
	}
	return env, nil
}

// RoomRequest joins or leaves a conversation room.
type RoomRequest struct {
	ConversationID string `json:"conversationId"`
}

// OutgoingMessage is the payload of a send_message emission. The sent
// message is not inserted locally; it comes back as a new_message event.
type OutgoingMessage struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
}

// MarkRead acknowledges one message.
type MarkRead struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ReactionRequest adds or removes one reaction tuple.
type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    int    `json:"userId,omitempty"`
}

// ClientEvent is one outbound emission. Exactly one payload field is set,
// matching Type.
type ClientEvent struct {
	Type     EventType
	Room     *RoomRequest
	Send     *OutgoingMessage
	Typing   *TypingEvent
	Read     *MarkRead
	Reaction *ReactionRequest
}

// EncodeClientEvent wraps an outbound event into an envelope.
func EncodeClientEvent(ev ClientEvent) (Envelope, error) {
	var payload any
	switch ev.Type {
	case EventJoinConversation, EventLeaveConversation:
		if ev.Room == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Room
	case EventSendMessage:
		if ev.Send == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Send
	case EventTypingStart, EventTypingStop:
		if ev.Typing == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Typing
	case EventMarkAsRead:
		if ev.Read == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Read
	case EventAddReaction, EventRemoveReaction:
		if ev.Reaction == nil {
			return Envelope{}, missingPayload(ev.Type)
		}
		payload = ev.Reaction
	default:
		return Envelope{}, fmt.Errorf("unknown client event type %q", ev.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return Envelope{Event: ev.Type, Data: data}, nil
}

// DecodeClientEvent parses an outbound envelope. Used by the stub backend.
func DecodeClientEvent(env Envelope) (ClientEvent, error) {
	ev := ClientEvent{Type: env.Event}

	unmarshal := func(v any) error {
		if len(env.Data) == 0 {
			return fmt.Errorf("event %s: missing payload", env.Event)
		}
		return json.Unmarshal(env.Data, v)
	}

	var err error
	switch env.Event {
	case EventJoinConversation, EventLeaveConversation:
		ev.Room = &RoomRequest{}
		err = unmarshal(ev.Room)
	case EventSendMessage:
		ev.Send = &OutgoingMessage{}
		err = unmarshal(ev.Send)
	case EventTypingStart, EventTypingStop:
		ev.Typing = &TypingEvent{}
		err = unmarshal(ev.Typing)
	case EventMarkAsRead:
		ev.Read = &MarkRead{}
		err = unmarshal(ev.Read)
	case EventAddReaction, EventRemoveReaction:
		ev.Reaction = &ReactionRequest{}
		err = unmarshal(ev.Reaction)
	default:
		return ev, fmt.Errorf("unknown client event type %q", env.Event)
	}
	if err != nil {
		return ev, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}
