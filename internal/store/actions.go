package store

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"chat-client/internal/models"
	"chat-client/internal/rest"
)

// SetCurrentUser seeds the current user from the auth provider before the
// backend copy has been fetched.
func (s *Store) SetCurrentUser(user models.User) {
	s.update(func() {
		u := user
		s.currentUser = &u
	})
}

// LoadCurrentUser refreshes the current user record from the backend,
// picking up the server-side status enum.
func (s *Store) LoadCurrentUser(ctx context.Context, userID int) (models.User, error) {
	user, err := s.api.User(ctx, userID)
	if err != nil {
		return models.User{}, fmt.Errorf("load current user: %w", err)
	}
	s.update(func() {
		u := user
		s.currentUser = &u
	})
	return user, nil
}

// Connect opens the socket with the currently known credentials. Socket
// handlers are (re)registered first: a prior Disconnect clears them.
func (s *Store) Connect() error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	s.registerSocketHandlers()
	var token string
	if s.token != nil {
		token = s.token()
	}
	return s.socket.Connect(token, userID)
}

// Disconnect tears the socket down. State stays in memory so a later
// Connect resumes the same session view.
func (s *Store) Disconnect() {
	s.socket.Disconnect()
	s.update(func() {
		s.connected = false
	})
}

// LoadConversations replaces the conversation list wholesale with the
// backend snapshot. Message bodies are forced empty: they load lazily per
// conversation. Failures are absorbed into state, prior conversations are
// left untouched.
func (s *Store) LoadConversations(ctx context.Context) {
	userID, ok := s.currentUserID()
	if !ok {
		s.log.Debug("no current user, skipping conversation load")
		return
	}

	s.update(func() {
		s.loading = true
		s.errMsg = ""
	})

	convs, err := s.api.Conversations(ctx, userID)
	if err != nil {
		s.log.Error("failed to load conversations", "error", err)
		s.update(func() {
			s.loading = false
			s.errMsg = "Failed to load conversations"
		})
		return
	}

	s.update(func() {
		s.conversations = make(map[string]*models.Conversation, len(convs))
		for i := range convs {
			c := convs[i]
			c.Messages = []models.Message{}
			s.conversations[c.ID] = &c
		}
		s.loading = false
	})
}

// LoadMessages fetches one page (replacing, not appending — callers merge
// client-side for cumulative pagination) and returns it for read-receipt
// bookkeeping. A page resolving after the conversation disappeared from the
// list is dropped; the active view is derived by id, so a stale page can
// never leak into a different active conversation.
func (s *Store) LoadMessages(ctx context.Context, conversationID string, page int) []models.Message {
	s.update(func() {
		s.loading = true
		s.errMsg = ""
	})

	msgs, err := s.api.Messages(ctx, conversationID, page, s.cfg.PageSize)
	if err != nil {
		s.log.Error("failed to load messages", "conversationId", conversationID, "error", err)
		s.update(func() {
			s.loading = false
			s.errMsg = "Failed to load messages"
		})
		return nil
	}

	s.update(func() {
		if conv, ok := s.conversations[conversationID]; ok {
			conv.Messages = msgs
		}
		s.loading = false
	})
	return msgs
}

// SetActiveConversation opens a conversation: resets its unread count,
// joins its socket room, loads its first page and acknowledges everything
// unread, one message at a time. An empty id clears the active view.
func (s *Store) SetActiveConversation(ctx context.Context, conversationID string) {
	if conversationID == "" {
		s.update(func() { s.activeID = "" })
		return
	}

	s.update(func() {
		s.activeID = conversationID
		if conv, ok := s.conversations[conversationID]; ok {
			conv.UnreadCount = 0
		}
	})

	s.socket.JoinConversation(conversationID)
	msgs := s.LoadMessages(ctx, conversationID, 1)

	userID, ok := s.currentUserID()
	if !ok {
		return
	}
	for _, m := range msgs {
		if m.SenderID == userID || m.ReadByUser(userID) {
			continue
		}
		// Acknowledgements are independent: one failure must not block
		// the rest.
		if err := s.MarkAsRead(ctx, conversationID, m.ID); err != nil {
			s.log.Warn("failed to mark message as read", "messageId", m.ID, "error", err)
		}
	}
}

// MarkAsRead records a read receipt via REST, echoes the intent over the
// socket and applies the receipt locally. The socket echo re-applying it is
// a no-op.
func (s *Store) MarkAsRead(ctx context.Context, conversationID, messageID string) error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	if err := s.api.MarkAsRead(ctx, conversationID, messageID, userID); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	s.socket.MarkAsRead(conversationID, messageID)

	now := s.now()
	s.update(func() {
		conv, ok := s.conversations[conversationID]
		if !ok {
			return
		}
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ID == messageID && !m.ReadByUser(userID) {
				m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: now})
			}
		}
	})
	return nil
}

// SendMessage emits over the socket only. The message is not inserted
// locally: the new_message echo is the single source of truth, which
// sidesteps reconciling an optimistic copy against the server echo.
func (s *Store) SendMessage(conversationID, content string, messageType models.MessageType, replyToID string) error {
	if conversationID == "" {
		return ErrInvalidConversation
	}
	if messageType == "" {
		messageType = models.MessageText
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	s.socket.SendMessage(models.OutgoingMessage{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
		ReplyToID:      replyToID,
	})
	return nil
}

// StartTyping signals typing in a conversation. The producer side is
// responsible for emitting StopTyping after its idle timeout.
func (s *Store) StartTyping(conversationID string) {
	if userID, ok := s.currentUserID(); ok {
		s.socket.StartTyping(conversationID, userID)
	}
}

// StopTyping signals the end of typing.
func (s *Store) StopTyping(conversationID string) {
	if userID, ok := s.currentUserID(); ok {
		s.socket.StopTyping(conversationID, userID)
	}
}

// CreateConversation issues the REST create and appends the result unless a
// push delivery already raced it in. Checking for an existing DIRECT
// conversation with the same peer is the caller's job.
func (s *Store) CreateConversation(ctx context.Context, participants []int, name string, typ models.ConversationType) (models.Conversation, error) {
	switch typ {
	case models.ConversationDirect:
		if len(participants) != 1 {
			return models.Conversation{}, ErrInvalidConversation
		}
	case models.ConversationGroup:
		if name == "" || len(participants) == 0 {
			return models.Conversation{}, ErrInvalidConversation
		}
	default:
		return models.Conversation{}, ErrInvalidConversation
	}

	conv, err := s.api.CreateConversation(ctx, participants, name, typ)
	if err != nil {
		s.update(func() { s.errMsg = "Failed to create conversation" })
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.update(func() {
		if _, exists := s.conversations[conv.ID]; exists {
			return
		}
		c := conv
		c.Messages = []models.Message{}
		s.conversations[c.ID] = &c
	})
	return conv, nil
}

// AddGroupMember adds a member via REST, then forces a full reload after a
// short delay. The membership push event may or may not arrive; the reload
// guarantees convergence either way.
func (s *Store) AddGroupMember(ctx context.Context, conversationID string, memberUserID int) error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	if err := s.api.AddMember(ctx, conversationID, memberUserID, userID); err != nil {
		s.update(func() { s.errMsg = "Failed to add member" })
		return fmt.Errorf("add member: %w", err)
	}
	s.scheduleConversationRefresh()
	return nil
}

// RemoveGroupMember removes a member via REST with the same delayed-reload
// convergence as AddGroupMember.
func (s *Store) RemoveGroupMember(ctx context.Context, conversationID string, memberUserID int) error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	if err := s.api.RemoveMember(ctx, conversationID, memberUserID, userID); err != nil {
		s.update(func() { s.errMsg = "Failed to remove member" })
		return fmt.Errorf("remove member: %w", err)
	}
	s.scheduleConversationRefresh()
	return nil
}

func (s *Store) scheduleConversationRefresh() {
	ctx := s.lifecycleContext()
	delay := s.cfg.MemberRefreshDelay
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			s.LoadConversations(ctx)
		}
	}()
}

// MuteConversation computes the expiry client-side for immediate feedback
// (provisional until the next full reload) and persists the duration enum
// server-side.
func (s *Store) MuteConversation(ctx context.Context, conversationID string, duration models.MuteDuration) error {
	if !duration.Valid() {
		return ErrInvalidMuteDuration
	}
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}

	until := duration.Until(s.now())
	s.update(func() {
		conv, ok := s.conversations[conversationID]
		if !ok {
			return
		}
		for i := range conv.Participants {
			if conv.Participants[i].UserID == userID {
				conv.Participants[i].MutedUntil = until
			}
		}
	})

	if err := s.api.MuteConversation(ctx, conversationID, duration, userID); err != nil {
		s.update(func() { s.errMsg = "Failed to mute conversation" })
		return fmt.Errorf("mute conversation: %w", err)
	}
	return nil
}

// AddReaction persists the reaction and emits the socket intent. The
// reaction_added echo is the authoritative mutation path.
func (s *Store) AddReaction(ctx context.Context, messageID, emoji string) error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	if err := s.api.AddReaction(ctx, messageID, emoji, userID); err != nil {
		s.log.Error("failed to add reaction", "messageId", messageID, "error", err)
		return fmt.Errorf("add reaction: %w", err)
	}
	s.socket.AddReaction(messageID, emoji, userID)
	return nil
}

// RemoveReaction persists the removal and emits the socket intent.
func (s *Store) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	if err := s.api.RemoveReaction(ctx, messageID, emoji, userID); err != nil {
		s.log.Error("failed to remove reaction", "messageId", messageID, "error", err)
		return fmt.Errorf("remove reaction: %w", err)
	}
	s.socket.RemoveReaction(messageID, emoji, userID)
	return nil
}

// DeleteMessage checks the local delete policy, then issues the REST call.
// The tombstone is applied when the message_deleted event echoes back.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}

	s.mu.Lock()
	var msg *models.Message
	if conv, ok := s.conversations[s.activeID]; ok {
		for i := range conv.Messages {
			if conv.Messages[i].ID == messageID {
				m := conv.Messages[i]
				msg = &m
				break
			}
		}
	}
	s.mu.Unlock()

	if msg == nil {
		return models.ErrMessageNotFound
	}
	if !msg.DeletableBy(userID, s.now()) {
		return ErrDeleteWindowExpired
	}

	if err := s.api.DeleteMessage(ctx, messageID, userID); err != nil {
		s.update(func() { s.errMsg = "Failed to delete message" })
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UpdateUserStatus sets the status enum server-side and patches the local
// current user on success.
func (s *Store) UpdateUserStatus(ctx context.Context, status models.UserStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	userID, ok := s.currentUserID()
	if !ok {
		return ErrNoCurrentUser
	}
	if err := s.api.UpdateStatus(ctx, status, userID); err != nil {
		s.log.Error("failed to update user status", "error", err)
		return fmt.Errorf("update status: %w", err)
	}
	s.update(func() {
		if s.currentUser != nil {
			s.currentUser.Status = status
		}
	})
	return nil
}

// UploadFile forwards the upload to the backend and surfaces failures into
// state.
func (s *Store) UploadFile(ctx context.Context, file io.Reader, fileName, conversationID string) (rest.UploadResult, error) {
	res, err := s.api.UploadFile(ctx, file, fileName, conversationID)
	if err != nil {
		s.update(func() { s.errMsg = "Failed to upload file" })
		return rest.UploadResult{}, fmt.Errorf("upload file: %w", err)
	}
	return res, nil
}
