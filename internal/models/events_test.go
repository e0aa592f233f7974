package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerEventNewMessage(t *testing.T) {
	env := Envelope{
		Event: EventNewMessage,
		Data:  json.RawMessage(`{"id":"m1","conversationId":"c1","senderId":2,"content":"hi"}`),
	}

	ev, err := DecodeServerEvent(env)
	require.NoError(t, err)
	require.NotNil(t, ev.Message)
	assert.Equal(t, EventNewMessage, ev.Type)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, 2, ev.Message.SenderID)
}

func TestDecodeServerEventUnknownType(t *testing.T) {
	_, err := DecodeServerEvent(Envelope{Event: "bogus"})
	assert.Error(t, err)
}

func TestDecodeServerEventMissingPayload(t *testing.T) {
	_, err := DecodeServerEvent(Envelope{Event: EventNewMessage})
	assert.Error(t, err)
}

func TestServerEventRoundTrip(t *testing.T) {
	read := MessageRead{MessageID: "m1", ConversationID: "c1", UserID: 3}
	env, err := EncodeServerEvent(ServerEvent{Type: EventMessageRead, Read: &read})
	require.NoError(t, err)

	decoded, err := DecodeServerEvent(env)
	require.NoError(t, err)
	require.NotNil(t, decoded.Read)
	assert.Equal(t, read.MessageID, decoded.Read.MessageID)
	assert.Equal(t, read.UserID, decoded.Read.UserID)
}

func TestClientEventRoundTrip(t *testing.T) {
	out := OutgoingMessage{ConversationID: "c1", Content: "hello", MessageType: MessageText}
	env, err := EncodeClientEvent(ClientEvent{Type: EventSendMessage, Send: &out})
	require.NoError(t, err)
	assert.Equal(t, EventSendMessage, env.Event)

	decoded, err := DecodeClientEvent(env)
	require.NoError(t, err)
	require.NotNil(t, decoded.Send)
	assert.Equal(t, "hello", decoded.Send.Content)
}

func TestEncodeClientEventMissingPayload(t *testing.T) {
	// The Send field is a nil *OutgoingMessage here; the encoder must reject
	// it rather than emit {"event":"send_message","data":null}.
	_, err := EncodeClientEvent(ClientEvent{Type: EventSendMessage})
	assert.Error(t, err)

	_, err = EncodeClientEvent(ClientEvent{Type: EventMarkAsRead})
	assert.Error(t, err)
}

func TestEncodeServerEventMissingPayload(t *testing.T) {
	_, err := EncodeServerEvent(ServerEvent{Type: EventNewMessage})
	assert.Error(t, err)

	_, err = EncodeServerEvent(ServerEvent{Type: EventReactionAdded})
	assert.Error(t, err)

	// connect legitimately carries no payload.
	env, err := EncodeServerEvent(ServerEvent{Type: EventConnect})
	require.NoError(t, err)
	assert.Empty(t, env.Data)
}

func TestDecodeServerEventDisconnectReason(t *testing.T) {
	env := Envelope{Event: EventDisconnect, Data: json.RawMessage(`{"reason":"server shutdown"}`)}
	ev, err := DecodeServerEvent(env)
	require.NoError(t, err)
	assert.Equal(t, "server shutdown", ev.Reason)
}
