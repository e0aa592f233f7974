// Package stubserver is a self-contained chat backend used for local
// development and integration tests. It keeps everything in memory and
// mirrors the wire contract the client expects: REST envelopes plus socket
// echoes for every mutation.
package stubserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"chat-client/internal/models"
)

// State is the in-memory data set behind the stub backend.
type State struct {
	mu            sync.Mutex
	users         map[int]models.User
	conversations map[string]*models.Conversation
	online        mapset.Set[int]
	nextUserID    int
	now           func() time.Time
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		users:         make(map[int]models.User),
		conversations: make(map[string]*models.Conversation),
		online:        mapset.NewSet[int](),
		now:           time.Now,
	}
}

// EnsureUser finds a user by email or creates one.
func (s *State) EnsureUser(email, firstName, lastName string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u
		}
	}
	s.nextUserID++
	u := models.User{
		ID:        s.nextUserID,
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Status:    models.StatusOffline,
	}
	s.users[u.ID] = u
	return u
}

// User returns one user by id.
func (s *State) User(id int) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// SearchUsers matches users by name or email substring. An empty query
// returns everyone.
func (s *State) SearchUsers(query string) []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	query = strings.ToLower(query)
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		if query == "" ||
			strings.Contains(strings.ToLower(u.FirstName), query) ||
			strings.Contains(strings.ToLower(u.LastName), query) ||
			strings.Contains(strings.ToLower(u.Email), query) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOnline records a user's connection flag.
func (s *State) SetOnline(userID int, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online.Add(userID)
	} else {
		s.online.Remove(userID)
	}
	if u, ok := s.users[userID]; ok {
		u.IsOnline = online && u.Status != models.StatusInvisible
		if !online {
			t := s.now()
			u.LastSeen = &t
		}
		s.users[userID] = u
	}
}

// OnlineIDs returns the connected user ids. Invisible users are excluded:
// they must never be advertised as online.
func (s *State) OnlineIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, s.online.Cardinality())
	for _, id := range s.online.ToSlice() {
		if u, ok := s.users[id]; ok && u.Status == models.StatusInvisible {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// SetStatus updates a user's status enum and returns the stored copy.
func (s *State) SetStatus(userID int, status models.UserStatus) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, false
	}
	u.Status = status
	u.IsOnline = s.online.Contains(userID) && status != models.StatusInvisible
	s.users[userID] = u
	return u, true
}

// Conversations returns the conversations the user participates in.
func (s *State) Conversations(userID int) []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0)
	for _, c := range s.conversations {
		if _, ok := c.ParticipantOf(userID); ok {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Conversation returns one conversation by id.
func (s *State) Conversation(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

// CreateConversation builds a conversation including the creator.
func (s *State) CreateConversation(creatorID int, participantIDs []int, name string, typ models.ConversationType) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Type:      typ,
		Name:      name,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	ids := append([]int{creatorID}, participantIDs...)
	seen := mapset.NewSet[int]()
	for _, id := range ids {
		if !seen.Add(id) {
			continue
		}
		u, ok := s.users[id]
		if !ok {
			return models.Conversation{}, models.ErrUserNotFound
		}
		role := models.RoleMember
		if id == creatorID && typ == models.ConversationGroup {
			role = models.RoleAdmin
		}
		conv.Participants = append(conv.Participants, models.Participant{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			UserID:         id,
			User:           u,
			Role:           role,
			JoinedAt:       now,
		})
	}

	if err := conv.Validate(); err != nil {
		return models.Conversation{}, err
	}
	s.conversations[conv.ID] = conv
	return *conv, nil
}

// AppendMessage stores a new message and returns the authoritative copy.
func (s *State) AppendMessage(senderID int, out models.OutgoingMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[out.ConversationID]
	if !ok {
		return models.Message{}, models.ErrConversationNotFound
	}
	if _, ok := conv.ParticipantOf(senderID); !ok {
		return models.Message{}, models.ErrUserNotFound
	}

	now := s.now()
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        out.Content,
		MessageType:    out.MessageType,
		FileURL:        out.FileURL,
		FileName:       out.FileName,
		FileSize:       out.FileSize,
		ReplyToID:      out.ReplyToID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	conv.Messages = append(conv.Messages, msg)
	lm := msg
	conv.LastMessage = &lm
	conv.UpdatedAt = now
	return msg, nil
}

// Messages returns one descending-recency page for a conversation.
func (s *State) Messages(conversationID string, page, limit int) ([]models.Message, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, 0, false
	}
	total := len(conv.Messages)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	// Page 1 is the newest slice; messages within a page stay chronological.
	end := total - (page-1)*limit
	if end <= 0 {
		return []models.Message{}, total, true
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, end-start)
	copy(out, conv.Messages[start:end])
	return out, total, true
}

// MarkRead appends a read receipt if the user has not acknowledged yet.
func (s *State) MarkRead(conversationID, messageID string, userID int) (models.MessageRead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.MessageRead{}, models.ErrConversationNotFound
	}
	now := s.now()
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.ID != messageID {
			continue
		}
		if !m.ReadByUser(userID) {
			m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: now})
		}
		return models.MessageRead{
			MessageID:      messageID,
			ConversationID: conversationID,
			UserID:         userID,
			ReadAt:         now,
		}, nil
	}
	return models.MessageRead{}, models.ErrMessageNotFound
}

// AddReaction inserts one reaction tuple, idempotently.
func (s *State) AddReaction(messageID, emoji string, userID int) (models.Reaction, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ID != messageID {
				continue
			}
			for _, r := range m.Reactions {
				if r.UserID == userID && r.Emoji == emoji {
					return r, conv.ID, nil
				}
			}
			r := models.Reaction{
				ID:        uuid.NewString(),
				MessageID: messageID,
				UserID:    userID,
				Emoji:     emoji,
				CreatedAt: s.now(),
			}
			m.Reactions = append(m.Reactions, r)
			return r, conv.ID, nil
		}
	}
	return models.Reaction{}, "", models.ErrMessageNotFound
}

// RemoveReaction deletes one reaction tuple.
func (s *State) RemoveReaction(messageID, emoji string, userID int) (models.Reaction, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ID != messageID {
				continue
			}
			for j, r := range m.Reactions {
				if r.UserID == userID && r.Emoji == emoji {
					m.Reactions = append(m.Reactions[:j], m.Reactions[j+1:]...)
					return r, conv.ID, nil
				}
			}
			return models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}, conv.ID, nil
		}
	}
	return models.Reaction{}, "", models.ErrMessageNotFound
}

// DeleteMessage tombstones a message after checking the sender-only window.
func (s *State) DeleteMessage(messageID string, userID int) (models.MessageDeleted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ID != messageID {
				continue
			}
			if !m.DeletableBy(userID, s.now()) {
				return models.MessageDeleted{}, models.ErrMessageNotFound
			}
			m.Tombstone()
			if conv.LastMessage != nil && conv.LastMessage.ID == messageID {
				conv.LastMessage.Tombstone()
			}
			return models.MessageDeleted{MessageID: messageID, ConversationID: conv.ID}, nil
		}
	}
	return models.MessageDeleted{}, models.ErrMessageNotFound
}

// AddMember joins a user to a group conversation, reviving a departed
// membership when one exists.
func (s *State) AddMember(conversationID string, userID int) (models.MembershipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.MembershipEvent{}, models.ErrConversationNotFound
	}
	u, ok := s.users[userID]
	if !ok {
		return models.MembershipEvent{}, models.ErrUserNotFound
	}
	for i := range conv.Participants {
		if conv.Participants[i].UserID == userID {
			conv.Participants[i].LeftAt = nil
			return models.MembershipEvent{ConversationID: conversationID, User: u}, nil
		}
	}
	conv.Participants = append(conv.Participants, models.Participant{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		User:           u,
		Role:           models.RoleMember,
		JoinedAt:       s.now(),
	})
	return models.MembershipEvent{ConversationID: conversationID, User: u}, nil
}

// RemoveMember marks a membership departed.
func (s *State) RemoveMember(conversationID string, userID int) (models.MembershipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.MembershipEvent{}, models.ErrConversationNotFound
	}
	for i := range conv.Participants {
		p := &conv.Participants[i]
		if p.UserID == userID && p.LeftAt == nil {
			t := s.now()
			p.LeftAt = &t
			return models.MembershipEvent{ConversationID: conversationID, User: p.User}, nil
		}
	}
	return models.MembershipEvent{}, models.ErrUserNotFound
}

// Mute stores the computed mute expiry on the acting user's membership.
func (s *State) Mute(conversationID string, userID int, duration models.MuteDuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.ErrConversationNotFound
	}
	until := duration.Until(s.now())
	for i := range conv.Participants {
		if conv.Participants[i].UserID == userID {
			conv.Participants[i].MutedUntil = until
			return nil
		}
	}
	return models.ErrUserNotFound
}
