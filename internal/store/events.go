package store

import (
	"chat-client/internal/models"

	mapset "github.com/deckarep/golang-set/v2"
)

// registerSocketHandlers subscribes the store's reducer to every inbound
// event. Re-registering first removes the previous subscriptions, so the
// reducer never runs twice per event.
func (s *Store) registerSocketHandlers() {
	s.mu.Lock()
	old := s.socketSubs
	s.socketSubs = nil
	s.mu.Unlock()

	for _, ss := range old {
		s.socket.Off(ss.event, ss.sub)
	}

	subs := make([]socketSub, 0, len(models.InboundEventTypes))
	for _, ev := range models.InboundEventTypes {
		sub := s.socket.On(ev, s.handleEvent)
		subs = append(subs, socketSub{event: ev, sub: sub})
	}

	s.mu.Lock()
	s.socketSubs = append(s.socketSubs, subs...)
	s.mu.Unlock()
}

// handleEvent is the single entry point for inbound socket events. Each
// branch is an idempotent reducer: the server may deliver an event more
// than once, and re-applying it must be a no-op.
func (s *Store) handleEvent(ev models.ServerEvent) {
	switch ev.Type {
	case models.EventConnect:
		s.update(func() {
			s.connected = true
			s.errMsg = ""
		})
	case models.EventDisconnect:
		s.update(func() { s.connected = false })
	case models.EventConnectError:
		s.update(func() {
			s.connected = false
			s.errMsg = "Connection error"
		})
	case models.EventNewMessage:
		if ev.Message != nil {
			s.handleNewMessage(*ev.Message)
		}
	case models.EventMessageUpdated:
		if ev.Message != nil {
			s.handleMessageUpdated(*ev.Message)
		}
	case models.EventMessageDeleted:
		if ev.Deleted != nil {
			s.handleMessageDeleted(*ev.Deleted)
		}
	case models.EventMessageRead:
		if ev.Read != nil {
			s.handleMessageRead(*ev.Read)
		}
	case models.EventUserTyping:
		if ev.Typing != nil {
			s.handleTyping(*ev.Typing, true)
		}
	case models.EventUserStoppedTyping:
		if ev.Typing != nil {
			s.handleTyping(*ev.Typing, false)
		}
	case models.EventUserOnline:
		if ev.User != nil {
			s.setUserOnline(ev.User.ID, true)
		}
	case models.EventUserOffline:
		if ev.User != nil {
			s.setUserOnline(ev.User.ID, false)
		}
	case models.EventUserOnlineStatus:
		if ev.OnlineStatus != nil {
			s.setUserOnline(ev.OnlineStatus.UserID, ev.OnlineStatus.IsOnline)
		}
	case models.EventUserStatusChange:
		if ev.StatusChange != nil {
			s.setUserStatus(ev.StatusChange.UserID, ev.StatusChange.Status)
		}
	case models.EventConversationCreated:
		if ev.Conversation != nil {
			s.handleConversationCreated(*ev.Conversation)
		}
	case models.EventConversationUpdated:
		if ev.Conversation != nil {
			s.handleConversationUpdated(*ev.Conversation)
		}
	case models.EventUserJoinedConversation:
		if ev.Membership != nil {
			s.handleUserJoined(*ev.Membership)
		}
	case models.EventUserLeftConversation:
		if ev.Membership != nil {
			s.handleUserLeft(*ev.Membership)
		}
	case models.EventReactionAdded:
		if ev.Reaction != nil {
			s.handleReactionAdded(*ev.Reaction)
		}
	case models.EventReactionRemoved:
		if ev.Reaction != nil {
			s.handleReactionRemoved(*ev.Reaction)
		}
	case models.EventConversationOnlineUsers:
		if ev.OnlineUsers != nil {
			s.handleOnlineCount(*ev.OnlineUsers)
		}
	default:
		s.log.Debug("unhandled socket event", "event", ev.Type)
	}
}

// handleNewMessage is the authoritative insertion path for every message,
// including the current user's own sends echoed back by the server.
func (s *Store) handleNewMessage(msg models.Message) {
	var needAck bool

	s.update(func() {
		conv, ok := s.conversations[msg.ConversationID]
		if !ok {
			s.log.Debug("message for unknown conversation", "conversationId", msg.ConversationID)
			return
		}
		if conv.HasMessage(msg.ID) {
			return
		}

		conv.Messages = append(conv.Messages, msg)
		lm := msg
		conv.LastMessage = &lm

		own := s.currentUser != nil && msg.SenderID == s.currentUser.ID
		active := s.activeID == msg.ConversationID
		if !active && !own {
			conv.UnreadCount++
		}
		if active && !own && s.currentUser != nil {
			needAck = true
		}
	})

	if needAck {
		go func() {
			if err := s.MarkAsRead(s.lifecycleContext(), msg.ConversationID, msg.ID); err != nil {
				s.log.Warn("failed to ack incoming message", "messageId", msg.ID, "error", err)
			}
		}()
	}
}

func (s *Store) handleMessageUpdated(msg models.Message) {
	s.update(func() {
		conv, ok := s.conversations[msg.ConversationID]
		if !ok {
			return
		}
		for i := range conv.Messages {
			if conv.Messages[i].ID == msg.ID {
				conv.Messages[i] = msg
				break
			}
		}
		if conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
			lm := msg
			conv.LastMessage = &lm
		}
	})
}

// handleMessageDeleted tombstones in place rather than removing, so the
// thread keeps its shape and the original content is unrecoverable.
func (s *Store) handleMessageDeleted(del models.MessageDeleted) {
	s.update(func() {
		for _, conv := range s.conversations {
			if del.ConversationID != "" && conv.ID != del.ConversationID {
				continue
			}
			for i := range conv.Messages {
				if conv.Messages[i].ID == del.MessageID {
					conv.Messages[i].Tombstone()
				}
			}
			if conv.LastMessage != nil && conv.LastMessage.ID == del.MessageID {
				conv.LastMessage.Tombstone()
			}
		}
	})
}

func (s *Store) handleMessageRead(read models.MessageRead) {
	s.update(func() {
		for _, conv := range s.conversations {
			if read.ConversationID != "" && conv.ID != read.ConversationID {
				continue
			}
			for i := range conv.Messages {
				m := &conv.Messages[i]
				if m.ID == read.MessageID && !m.ReadByUser(read.UserID) {
					m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: read.UserID, ReadAt: read.ReadAt})
				}
			}
		}
	})
}

// handleTyping maintains the per-conversation typing set. The current user's
// own typing echoes are filtered out.
func (s *Store) handleTyping(ev models.TypingEvent, started bool) {
	s.update(func() {
		if s.currentUser != nil && ev.UserID == s.currentUser.ID {
			return
		}
		set, ok := s.typing[ev.ConversationID]
		if !ok {
			if !started {
				return
			}
			set = mapset.NewSet[int]()
			s.typing[ev.ConversationID] = set
		}
		if started {
			set.Add(ev.UserID)
		} else {
			set.Remove(ev.UserID)
			if set.Cardinality() == 0 {
				delete(s.typing, ev.ConversationID)
			}
		}
	})
}

// handleConversationCreated inserts the pushed conversation and joins its
// room so messages start flowing before the user opens it.
func (s *Store) handleConversationCreated(conv models.Conversation) {
	var join bool
	s.update(func() {
		if _, exists := s.conversations[conv.ID]; exists {
			return
		}
		c := conv
		c.Messages = []models.Message{}
		s.conversations[c.ID] = &c
		join = true
	})
	if join {
		s.socket.JoinConversation(conv.ID)
	}
}

// handleConversationUpdated merges server-side metadata while preserving
// the locally accumulated message cache and unread count, which the server
// copy does not carry.
func (s *Store) handleConversationUpdated(conv models.Conversation) {
	s.update(func() {
		existing, ok := s.conversations[conv.ID]
		if !ok {
			c := conv
			c.Messages = []models.Message{}
			s.conversations[c.ID] = &c
			return
		}
		c := conv
		c.Messages = existing.Messages
		c.UnreadCount = existing.UnreadCount
		if c.LastMessage == nil {
			c.LastMessage = existing.LastMessage
		}
		s.conversations[c.ID] = &c
	})
}

func (s *Store) handleUserJoined(ev models.MembershipEvent) {
	user := ev.User
	if user.FirstName == "" && user.Email == "" {
		if u, err := s.lookupUser(s.lifecycleContext(), user.ID); err == nil {
			user = u
		}
	}
	s.update(func() {
		conv, ok := s.conversations[ev.ConversationID]
		if !ok {
			return
		}
		for i := range conv.Participants {
			p := &conv.Participants[i]
			if p.UserID == user.ID {
				// Rejoin of a previously departed member.
				p.LeftAt = nil
				p.User = user
				return
			}
		}
		conv.Participants = append(conv.Participants, models.Participant{
			ConversationID: ev.ConversationID,
			UserID:         user.ID,
			User:           user,
			Role:           models.RoleMember,
			JoinedAt:       s.now(),
		})
	})
}

func (s *Store) handleUserLeft(ev models.MembershipEvent) {
	now := s.now()
	s.update(func() {
		conv, ok := s.conversations[ev.ConversationID]
		if !ok {
			return
		}
		for i := range conv.Participants {
			p := &conv.Participants[i]
			if p.UserID == ev.User.ID && p.LeftAt == nil {
				t := now
				p.LeftAt = &t
			}
		}
	})
}

func (s *Store) handleReactionAdded(r models.Reaction) {
	s.update(func() {
		for _, conv := range s.conversations {
			for i := range conv.Messages {
				m := &conv.Messages[i]
				if m.ID == r.MessageID && !m.HasReaction(r.UserID, r.Emoji) {
					m.Reactions = append(m.Reactions, r)
				}
			}
		}
	})
}

func (s *Store) handleReactionRemoved(r models.Reaction) {
	s.update(func() {
		for _, conv := range s.conversations {
			for i := range conv.Messages {
				m := &conv.Messages[i]
				if m.ID != r.MessageID {
					continue
				}
				kept := m.Reactions[:0]
				for _, existing := range m.Reactions {
					if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
						continue
					}
					kept = append(kept, existing)
				}
				m.Reactions = kept
			}
		}
	})
}

func (s *Store) handleOnlineCount(ev models.OnlineUsers) {
	s.update(func() {
		if conv, ok := s.conversations[ev.ConversationID]; ok {
			conv.OnlineCount = ev.OnlineCount
		}
	})
}
