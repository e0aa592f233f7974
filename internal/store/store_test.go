package store_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

type fixture struct {
	api  *mocks.APIMock
	sock *mocks.SocketMock
	st   *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := new(mocks.APIMock)
	sock := new(mocks.SocketMock)
	sock.Mock.On("Disconnect").Return().Maybe()

	st := store.New(api, sock, func() string { return "tok" }, store.Config{
		PageSize:         50,
		PresenceInterval: time.Hour,
	}, testLogger())
	st.SetCurrentUser(models.User{ID: 1, FirstName: "Me", Email: "me@example.com"})
	st.Start(context.Background())
	t.Cleanup(st.Stop)
	return &fixture{api: api, sock: sock, st: st}
}

func directConversation(id string, peerID int) models.Conversation {
	return models.Conversation{
		ID:   id,
		Type: models.ConversationDirect,
		Participants: []models.Participant{
			{ConversationID: id, UserID: 1, User: models.User{ID: 1}},
			{ConversationID: id, UserID: peerID, User: models.User{ID: peerID}},
		},
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
}

func (f *fixture) load(t *testing.T, convs ...models.Conversation) {
	t.Helper()
	f.api.On("Conversations", mock.Anything, 1).Return(convs, nil).Once()
	f.st.LoadConversations(context.Background())
}

func findConversation(t *testing.T, state store.State, id string) models.Conversation {
	t.Helper()
	for _, c := range state.Conversations {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("conversation %s not in state", id)
	return models.Conversation{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestLoadConversationsReplacesListAndClearsMessages(t *testing.T) {
	f := newFixture(t)
	conv := directConversation("c1", 2)
	conv.Messages = []models.Message{{ID: "stale"}}
	f.load(t, conv)

	state := f.st.GetState()
	require.Len(t, state.Conversations, 1)
	assert.Empty(t, state.Conversations[0].Messages, "message bodies load lazily")
	assert.False(t, state.IsLoading)
	assert.Empty(t, state.Error)
}

func TestLoadConversationsEmptyResultIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	// A user with no conversations gets an empty list, not a stale one.
	f.api.On("Conversations", mock.Anything, 1).Return([]models.Conversation{}, nil).Once()
	f.st.LoadConversations(context.Background())

	state := f.st.GetState()
	assert.Empty(t, state.Conversations)
	assert.False(t, state.IsLoading)
	assert.Empty(t, state.Error)
}

func TestLoadConversationsFailureKeepsPreviousList(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.api.On("Conversations", mock.Anything, 1).Return(([]models.Conversation)(nil), assert.AnError).Once()
	f.st.LoadConversations(context.Background())

	state := f.st.GetState()
	assert.Len(t, state.Conversations, 1, "failed reload keeps the last good list")
	assert.Equal(t, "Failed to load conversations", state.Error)
	assert.False(t, state.IsLoading)
}

func TestNewMessageInsertionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: 2, Content: "hi"}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	conv := findConversation(t, f.st.GetState(), "c1")
	assert.Len(t, conv.Messages, 1, "duplicate delivery must not duplicate the message")
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m1", conv.LastMessage.ID)
	assert.Equal(t, 1, conv.UnreadCount, "duplicate delivery must not double-count unread")
}

func TestUnreadNotIncrementedForOwnMessages(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	own := models.Message{ID: "m1", ConversationID: "c1", SenderID: 1, Content: "mine"}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &own})

	conv := findConversation(t, f.st.GetState(), "c1")
	assert.Zero(t, conv.UnreadCount)
	assert.Len(t, conv.Messages, 1, "own echo still lands in the thread")
}

func TestActiveConversationMessageIsAckedNotCounted(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.sock.Mock.On("JoinConversation", "c1").Return().Once()
	f.api.On("Messages", mock.Anything, "c1", 1, 50).Return([]models.Message{}, nil).Once()
	f.st.SetActiveConversation(context.Background(), "c1")

	f.api.On("MarkAsRead", mock.Anything, "c1", "m1", 1).Return(nil).Once()
	f.sock.Mock.On("MarkAsRead", "c1", "m1").Return().Once()

	incoming := models.Message{ID: "m1", ConversationID: "c1", SenderID: 2, Content: "hi"}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &incoming})

	waitFor(t, func() bool {
		conv := findConversation(t, f.st.GetState(), "c1")
		return len(conv.Messages) == 1 && conv.Messages[0].ReadByUser(1)
	})
	conv := findConversation(t, f.st.GetState(), "c1")
	assert.Zero(t, conv.UnreadCount, "messages in the open conversation are never unread")
	f.api.AssertExpectations(t)
	f.sock.AssertExpectations(t)
}

func TestSetActiveConversationResetsUnreadAndAcksBacklog(t *testing.T) {
	f := newFixture(t)
	conv := directConversation("c1", 2)
	conv.UnreadCount = 3
	f.load(t, conv)

	backlog := []models.Message{
		{ID: "m1", ConversationID: "c1", SenderID: 2},
		{ID: "m2", ConversationID: "c1", SenderID: 1},
		{ID: "m3", ConversationID: "c1", SenderID: 2, ReadBy: []models.ReadReceipt{{UserID: 1}}},
	}
	f.sock.Mock.On("JoinConversation", "c1").Return().Once()
	f.api.On("Messages", mock.Anything, "c1", 1, 50).Return(backlog, nil).Once()
	// Only m1 needs acknowledging: m2 is the user's own, m3 already read.
	f.api.On("MarkAsRead", mock.Anything, "c1", "m1", 1).Return(nil).Once()
	f.sock.Mock.On("MarkAsRead", "c1", "m1").Return().Once()

	f.st.SetActiveConversation(context.Background(), "c1")

	state := f.st.GetState()
	require.NotNil(t, state.ActiveConversation)
	assert.Equal(t, "c1", state.ActiveConversation.ID)
	assert.Zero(t, state.ActiveConversation.UnreadCount)
	assert.True(t, findConversation(t, state, "c1").Messages[0].ReadByUser(1))
	f.api.AssertExpectations(t)
	f.sock.AssertExpectations(t)
}

func TestActiveConversationIsDerivedFromList(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.sock.Mock.On("JoinConversation", "c1").Return().Once()
	f.api.On("Messages", mock.Anything, "c1", 1, 50).Return([]models.Message{}, nil).Once()
	f.st.SetActiveConversation(context.Background(), "c1")

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: 1}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	state := f.st.GetState()
	// One insertion is visible through both views; there is no second copy
	// to fall out of sync.
	assert.Len(t, state.ActiveConversation.Messages, 1)
	assert.Len(t, findConversation(t, state, "c1").Messages, 1)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.st.SendMessage("", "hi", models.MessageText, ""), store.ErrInvalidConversation)
	assert.ErrorIs(t, f.st.SendMessage("c1", "   ", models.MessageText, ""), store.ErrEmptyMessage)

	f.sock.Mock.On("SendMessage", mock.MatchedBy(func(m models.OutgoingMessage) bool {
		return m.ConversationID == "c1" && m.Content == "hi" && m.MessageType == models.MessageText
	})).Return().Once()
	require.NoError(t, f.st.SendMessage("c1", "hi", "", ""))

	// No optimistic insert: the echo is the only insertion path.
	state := f.st.GetState()
	assert.Empty(t, state.Conversations)
	f.sock.AssertExpectations(t)
}

func TestMessageDeletedTombstones(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: 2, Content: "secret",
		Reactions: []models.Reaction{{UserID: 1, Emoji: "+1"}}}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	f.sock.Emit(models.ServerEvent{Type: models.EventMessageDeleted,
		Deleted: &models.MessageDeleted{MessageID: "m1", ConversationID: "c1"}})

	conv := findConversation(t, f.st.GetState(), "c1")
	got := conv.Messages[0]
	assert.True(t, got.IsDeleted)
	assert.Equal(t, models.TombstoneContent, got.Content)
	assert.Empty(t, got.Reactions)
	assert.Equal(t, models.TombstoneContent, conv.LastMessage.Content)
}

func TestDeleteMessageOutsideWindowRejected(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.sock.Mock.On("JoinConversation", "c1").Return().Once()
	old := models.Message{ID: "m1", ConversationID: "c1", SenderID: 1,
		CreatedAt: time.Now().Add(-models.DeleteWindow - time.Minute)}
	f.api.On("Messages", mock.Anything, "c1", 1, 50).Return([]models.Message{old}, nil).Once()
	f.st.SetActiveConversation(context.Background(), "c1")

	err := f.st.DeleteMessage(context.Background(), "m1")
	assert.ErrorIs(t, err, store.ErrDeleteWindowExpired)
	f.api.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteMessageWithinWindowCallsAPIOnly(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.sock.Mock.On("JoinConversation", "c1").Return().Once()
	recent := models.Message{ID: "m1", ConversationID: "c1", SenderID: 1, CreatedAt: time.Now()}
	f.api.On("Messages", mock.Anything, "c1", 1, 50).Return([]models.Message{recent}, nil).Once()
	f.st.SetActiveConversation(context.Background(), "c1")

	f.api.On("DeleteMessage", mock.Anything, "m1", 1).Return(nil).Once()
	require.NoError(t, f.st.DeleteMessage(context.Background(), "m1"))

	// Not tombstoned yet: the message_deleted echo is the mutation path.
	conv := findConversation(t, f.st.GetState(), "c1")
	assert.False(t, conv.Messages[0].IsDeleted)
	f.api.AssertExpectations(t)
}

func TestTypingSetSemantics(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	typing := models.TypingEvent{ConversationID: "c1", UserID: 2}
	f.sock.Emit(models.ServerEvent{Type: models.EventUserTyping, Typing: &typing})
	f.sock.Emit(models.ServerEvent{Type: models.EventUserTyping, Typing: &typing})

	assert.Equal(t, []int{2}, f.st.GetState().TypingUsers["c1"], "set semantics, no duplicates")

	own := models.TypingEvent{ConversationID: "c1", UserID: 1}
	f.sock.Emit(models.ServerEvent{Type: models.EventUserTyping, Typing: &own})
	assert.Equal(t, []int{2}, f.st.GetState().TypingUsers["c1"], "own typing echo filtered")

	f.sock.Emit(models.ServerEvent{Type: models.EventUserStoppedTyping, Typing: &typing})
	assert.Empty(t, f.st.GetState().TypingUsers["c1"])
}

func TestReactionEventsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: 2}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	r := models.Reaction{ID: "r1", MessageID: "m1", UserID: 1, Emoji: "+1"}
	f.sock.Emit(models.ServerEvent{Type: models.EventReactionAdded, Reaction: &r})
	f.sock.Emit(models.ServerEvent{Type: models.EventReactionAdded, Reaction: &r})

	conv := findConversation(t, f.st.GetState(), "c1")
	assert.Len(t, conv.Messages[0].Reactions, 1)

	f.sock.Emit(models.ServerEvent{Type: models.EventReactionRemoved, Reaction: &r})
	conv = findConversation(t, f.st.GetState(), "c1")
	assert.Empty(t, conv.Messages[0].Reactions)
}

func TestAddReactionCallsAPIThenSocket(t *testing.T) {
	f := newFixture(t)
	f.api.On("AddReaction", mock.Anything, "m1", "+1", 1).Return(nil).Once()
	f.sock.Mock.On("AddReaction", "m1", "+1", 1).Return().Once()

	require.NoError(t, f.st.AddReaction(context.Background(), "m1", "+1"))
	f.api.AssertExpectations(t)
	f.sock.AssertExpectations(t)
}

func TestMessageReadReceiptIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: 1}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	read := models.MessageRead{MessageID: "m1", ConversationID: "c1", UserID: 2, ReadAt: time.Now()}
	f.sock.Emit(models.ServerEvent{Type: models.EventMessageRead, Read: &read})
	f.sock.Emit(models.ServerEvent{Type: models.EventMessageRead, Read: &read})

	conv := findConversation(t, f.st.GetState(), "c1")
	assert.Len(t, conv.Messages[0].ReadBy, 1)
}

func TestConversationCreatedDedupesAndJoins(t *testing.T) {
	f := newFixture(t)

	pushed := directConversation("c9", 3)
	f.sock.Mock.On("JoinConversation", "c9").Return().Once()
	f.sock.Emit(models.ServerEvent{Type: models.EventConversationCreated, Conversation: &pushed})
	f.sock.Emit(models.ServerEvent{Type: models.EventConversationCreated, Conversation: &pushed})

	assert.Len(t, f.st.GetState().Conversations, 1)
	f.sock.AssertExpectations(t)
}

func TestCreateConversationSkipsInsertWhenPushWon(t *testing.T) {
	f := newFixture(t)

	conv := directConversation("c9", 3)
	f.sock.Mock.On("JoinConversation", "c9").Return().Once()
	f.sock.Emit(models.ServerEvent{Type: models.EventConversationCreated, Conversation: &conv})

	f.api.On("CreateConversation", mock.Anything, []int{3}, "", models.ConversationDirect).Return(conv, nil).Once()
	got, err := f.st.CreateConversation(context.Background(), []int{3}, "", models.ConversationDirect)
	require.NoError(t, err)
	assert.Equal(t, "c9", got.ID)
	assert.Len(t, f.st.GetState().Conversations, 1, "push delivery and REST response dedupe by id")
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.st.CreateConversation(context.Background(), []int{2, 3}, "", models.ConversationDirect)
	assert.ErrorIs(t, err, store.ErrInvalidConversation)

	_, err = f.st.CreateConversation(context.Background(), []int{2, 3}, "", models.ConversationGroup)
	assert.ErrorIs(t, err, store.ErrInvalidConversation, "groups need a name")
}

func TestConversationUpdatedPreservesLocalCache(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: 2}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	updated := directConversation("c1", 2)
	updated.Name = "renamed"
	f.sock.Emit(models.ServerEvent{Type: models.EventConversationUpdated, Conversation: &updated})

	conv := findConversation(t, f.st.GetState(), "c1")
	assert.Equal(t, "renamed", conv.Name)
	assert.Len(t, conv.Messages, 1, "server metadata merge keeps the local message cache")
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestMembershipEvents(t *testing.T) {
	f := newFixture(t)
	group := models.Conversation{
		ID:   "g1",
		Type: models.ConversationGroup,
		Name: "team",
		Participants: []models.Participant{
			{ConversationID: "g1", UserID: 1, User: models.User{ID: 1}},
			{ConversationID: "g1", UserID: 2, User: models.User{ID: 2}},
		},
	}
	f.load(t, group)

	joined := models.MembershipEvent{ConversationID: "g1", User: models.User{ID: 3, FirstName: "Cara"}}
	f.sock.Emit(models.ServerEvent{Type: models.EventUserJoinedConversation, Membership: &joined})

	conv := findConversation(t, f.st.GetState(), "g1")
	require.Len(t, conv.Participants, 3)
	assert.Equal(t, "Cara", conv.Participants[2].User.FirstName)

	left := models.MembershipEvent{ConversationID: "g1", User: models.User{ID: 2}}
	f.sock.Emit(models.ServerEvent{Type: models.EventUserLeftConversation, Membership: &left})

	conv = findConversation(t, f.st.GetState(), "g1")
	assert.Len(t, conv.ActiveParticipants(), 2, "departed members stay for history but inactive")
}

func TestInvisibleUserNeverShownOnline(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	change := models.StatusChange{UserID: 2, Status: models.StatusInvisible}
	f.sock.Emit(models.ServerEvent{Type: models.EventUserStatusChange, StatusChange: &change})

	f.sock.Emit(models.ServerEvent{Type: models.EventUserOnlineStatus,
		OnlineStatus: &models.OnlineStatus{UserID: 2, IsOnline: true}})

	conv := findConversation(t, f.st.GetState(), "c1")
	for _, p := range conv.Participants {
		if p.UserID == 2 {
			assert.False(t, p.User.IsOnline, "INVISIBLE must never surface as online")
			assert.Equal(t, models.StatusInvisible, p.User.Status)
		}
	}
}

func TestRefreshPresenceReconcilesFlags(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.api.On("OnlineUsers", mock.Anything).Return([]int{2}, nil).Once()
	f.st.RefreshPresence(context.Background())

	conv := findConversation(t, f.st.GetState(), "c1")
	_, peer := conv.Participants[0], conv.Participants[1]
	assert.True(t, peer.User.IsOnline)

	// The next poll no longer lists the peer; the flag must come back down.
	f.api.On("OnlineUsers", mock.Anything).Return([]int{}, nil).Once()
	f.st.RefreshPresence(context.Background())

	conv = findConversation(t, f.st.GetState(), "c1")
	assert.False(t, conv.Participants[1].User.IsOnline)
}

func TestMuteConversationPatchesParticipant(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.api.On("MuteConversation", mock.Anything, "c1", models.MuteWeek, 1).Return(nil).Once()
	require.NoError(t, f.st.MuteConversation(context.Background(), "c1", models.MuteWeek))

	conv := findConversation(t, f.st.GetState(), "c1")
	var mine *models.Participant
	for i := range conv.Participants {
		if conv.Participants[i].UserID == 1 {
			mine = &conv.Participants[i]
		}
	}
	require.NotNil(t, mine)
	require.NotNil(t, mine.MutedUntil)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *mine.MutedUntil, time.Minute)

	assert.ErrorIs(t, f.st.MuteConversation(context.Background(), "c1", "fortnight"), store.ErrInvalidMuteDuration)
}

func TestUpdateUserStatus(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.st.UpdateUserStatus(context.Background(), "NAPPING"), store.ErrInvalidStatus)

	f.api.On("UpdateStatus", mock.Anything, models.StatusAway, 1).Return(nil).Once()
	require.NoError(t, f.st.UpdateUserStatus(context.Background(), models.StatusAway))
	assert.Equal(t, models.StatusAway, f.st.GetState().CurrentUser.Status)
}

func TestConnectionEventsFlipFlag(t *testing.T) {
	f := newFixture(t)

	f.sock.Emit(models.ServerEvent{Type: models.EventConnect})
	assert.True(t, f.st.GetState().IsConnected)

	f.sock.Emit(models.ServerEvent{Type: models.EventDisconnect, Reason: "io timeout"})
	assert.False(t, f.st.GetState().IsConnected)

	f.sock.Emit(models.ServerEvent{Type: models.EventConnectError, Reason: "refused"})
	state := f.st.GetState()
	assert.False(t, state.IsConnected)
	assert.NotEmpty(t, state.Error)
}

func TestMessageForUnknownConversationIsDropped(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	stray := models.Message{ID: "m1", ConversationID: "ghost", SenderID: 2}
	f.sock.Emit(models.ServerEvent{Type: models.EventNewMessage, Message: &stray})

	assert.Len(t, f.st.GetState().Conversations, 1)
	assert.Empty(t, findConversation(t, f.st.GetState(), "c1").Messages)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	f := newFixture(t)

	count := 0
	unsub := f.st.Subscribe(func(store.State) { count++ })
	f.load(t, directConversation("c1", 2))
	assert.Greater(t, count, 0)

	before := count
	unsub()
	f.sock.Emit(models.ServerEvent{Type: models.EventConnect})
	assert.Equal(t, before, count, "unsubscribed listeners stop receiving")
}

func TestGroupMemberActionsScheduleReload(t *testing.T) {
	f := newFixture(t)
	f.load(t, directConversation("c1", 2))

	f.api.On("AddMember", mock.Anything, "c1", 3, 1).Return(nil).Once()
	require.NoError(t, f.st.AddGroupMember(context.Background(), "c1", 3))

	// The delayed reload converges membership even when the push is lost.
	reloaded := make(chan struct{})
	f.api.On("Conversations", mock.Anything, 1).
		Return([]models.Conversation{directConversation("c1", 2)}, nil).
		Run(func(mock.Arguments) { close(reloaded) }).Once()

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("conversation reload never happened")
	}
	f.api.AssertExpectations(t)
}
