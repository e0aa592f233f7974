package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/models"
	"chat-client/internal/rest"
	"chat-client/internal/store"
	"chat-client/internal/transport"
)

type APIMock struct {
	mock.Mock
}

func (m *APIMock) Conversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var convs []models.Conversation
	if val := args.Get(0); val != nil {
		convs = val.([]models.Conversation)
	}
	return convs, args.Error(1)
}

func (m *APIMock) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	args := m.Called(ctx, id)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *APIMock) CreateConversation(ctx context.Context, participants []int, name string, typ models.ConversationType) (models.Conversation, error) {
	args := m.Called(ctx, participants, name, typ)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *APIMock) Messages(ctx context.Context, conversationID string, page, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, page, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *APIMock) MarkAsRead(ctx context.Context, conversationID, messageID string, userID int) error {
	args := m.Called(ctx, conversationID, messageID, userID)
	return args.Error(0)
}

func (m *APIMock) AddReaction(ctx context.Context, messageID, emoji string, userID int) error {
	args := m.Called(ctx, messageID, emoji, userID)
	return args.Error(0)
}

func (m *APIMock) RemoveReaction(ctx context.Context, messageID, emoji string, userID int) error {
	args := m.Called(ctx, messageID, emoji, userID)
	return args.Error(0)
}

func (m *APIMock) DeleteMessage(ctx context.Context, messageID string, userID int) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *APIMock) OnlineUsers(ctx context.Context) ([]int, error) {
	args := m.Called(ctx)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

func (m *APIMock) User(ctx context.Context, userID int) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *APIMock) UpdateStatus(ctx context.Context, status models.UserStatus, userID int) error {
	args := m.Called(ctx, status, userID)
	return args.Error(0)
}

func (m *APIMock) AddMember(ctx context.Context, conversationID string, memberUserID, userID int) error {
	args := m.Called(ctx, conversationID, memberUserID, userID)
	return args.Error(0)
}

func (m *APIMock) RemoveMember(ctx context.Context, conversationID string, memberUserID, userID int) error {
	args := m.Called(ctx, conversationID, memberUserID, userID)
	return args.Error(0)
}

func (m *APIMock) MuteConversation(ctx context.Context, conversationID string, duration models.MuteDuration, userID int) error {
	args := m.Called(ctx, conversationID, duration, userID)
	return args.Error(0)
}

func (m *APIMock) UploadFile(ctx context.Context, file io.Reader, fileName, conversationID string) (rest.UploadResult, error) {
	args := m.Called(ctx, file, fileName, conversationID)
	var res rest.UploadResult
	if val := args.Get(0); val != nil {
		res = val.(rest.UploadResult)
	}
	return res, args.Error(1)
}

// SocketMock records emissions and lets tests inject inbound events through
// the handlers the store registers. On is taken by the subscription surface,
// so expectations must be set through the embedded Mock (m.Mock.On).
type SocketMock struct {
	mock.Mock

	handlers map[models.EventType]map[transport.Subscription]transport.Handler
	nextSub  transport.Subscription
}

func (m *SocketMock) Connect(token string, userID int) error {
	args := m.Called(token, userID)
	return args.Error(0)
}

func (m *SocketMock) Disconnect() {
	m.Called()
}

func (m *SocketMock) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *SocketMock) On(event models.EventType, h transport.Handler) transport.Subscription {
	if m.handlers == nil {
		m.handlers = make(map[models.EventType]map[transport.Subscription]transport.Handler)
	}
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[transport.Subscription]transport.Handler)
	}
	m.nextSub++
	m.handlers[event][m.nextSub] = h
	return m.nextSub
}

func (m *SocketMock) Off(event models.EventType, subs ...transport.Subscription) {
	if m.handlers == nil {
		return
	}
	if len(subs) == 0 {
		delete(m.handlers, event)
		return
	}
	for _, sub := range subs {
		delete(m.handlers[event], sub)
	}
}

// Emit feeds one inbound event to every registered handler, standing in for
// a server push.
func (m *SocketMock) Emit(ev models.ServerEvent) {
	for _, h := range m.handlers[ev.Type] {
		h(ev)
	}
}

func (m *SocketMock) JoinConversation(conversationID string) {
	m.Called(conversationID)
}

func (m *SocketMock) LeaveConversation(conversationID string) {
	m.Called(conversationID)
}

func (m *SocketMock) SendMessage(msg models.OutgoingMessage) {
	m.Called(msg)
}

func (m *SocketMock) StartTyping(conversationID string, userID int) {
	m.Called(conversationID, userID)
}

func (m *SocketMock) StopTyping(conversationID string, userID int) {
	m.Called(conversationID, userID)
}

func (m *SocketMock) MarkAsRead(conversationID, messageID string) {
	m.Called(conversationID, messageID)
}

func (m *SocketMock) AddReaction(messageID, emoji string, userID int) {
	m.Called(messageID, emoji, userID)
}

func (m *SocketMock) RemoveReaction(messageID, emoji string, userID int) {
	m.Called(messageID, emoji, userID)
}

var _ store.API = (*APIMock)(nil)
var _ store.Socket = (*SocketMock)(nil)
