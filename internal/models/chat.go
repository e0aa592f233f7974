package models

import (
	"errors"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUserNotFound         = errors.New("user not found")
)

// UserStatus is the presence status a user advertises.
type UserStatus string

const (
	StatusOnline    UserStatus = "ONLINE"
	StatusBusy      UserStatus = "BUSY"
	StatusAway      UserStatus = "AWAY"
	StatusOffline   UserStatus = "OFFLINE"
	StatusInvisible UserStatus = "INVISIBLE"
)

// Valid reports whether s is one of the known status values.
func (s UserStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusAway, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// User is a read-only copy of a backend user record.
type User struct {
	ID             int        `json:"id"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	Email          string     `json:"email"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
	IsOnline       bool       `json:"isOnline"`
	Status         UserStatus `json:"status,omitempty"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
}

// ConversationType distinguishes two-party chats from named groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// ParticipantRole is a user's role within one conversation.
type ParticipantRole string

const (
	RoleMember ParticipantRole = "MEMBER"
	RoleAdmin  ParticipantRole = "ADMIN"
)

// Participant is a user's membership record within one conversation.
// A participant with LeftAt set is retained for history but logically removed.
type Participant struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	UserID         int             `json:"userId"`
	User           User            `json:"user"`
	Role           ParticipantRole `json:"role"`
	JoinedAt       time.Time       `json:"joinedAt"`
	LeftAt         *time.Time      `json:"leftAt,omitempty"`
	MutedUntil     *time.Time      `json:"mutedUntil,omitempty"`
}

// Conversation is a DIRECT or GROUP messaging thread. Messages are loaded
// lazily: the field stays empty until the conversation is opened.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants"`
	Messages     []Message        `json:"messages"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	OnlineCount  int              `json:"onlineCount,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// ActiveParticipants returns the participants that have not left.
func (c *Conversation) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.LeftAt == nil {
			active = append(active, p)
		}
	}
	return active
}

// ParticipantOf returns the membership record of the given user, if any.
func (c *Conversation) ParticipantOf(userID int) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID && p.LeftAt == nil {
			return p, true
		}
	}
	return Participant{}, false
}

// HasMessage reports whether a message with the given id is already cached.
func (c *Conversation) HasMessage(messageID string) bool {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a conversation: a DIRECT
// conversation has exactly two participants, a GROUP has a non-empty name
// and at least two.
func (c *Conversation) Validate() error {
	switch c.Type {
	case ConversationDirect:
		if len(c.ActiveParticipants()) != 2 {
			return errors.New("direct conversation must have exactly 2 participants")
		}
	case ConversationGroup:
		if c.Name == "" {
			return errors.New("group conversation requires a name")
		}
		if len(c.ActiveParticipants()) < 2 {
			return errors.New("group conversation must have at least 2 participants")
		}
	default:
		return errors.New("unknown conversation type")
	}
	return nil
}

// MuteDuration is the client-facing mute setting. The empty value unmutes.
type MuteDuration string

const (
	MuteDay     MuteDuration = "day"
	MuteWeek    MuteDuration = "week"
	MuteForever MuteDuration = "forever"
	MuteOff     MuteDuration = ""
)

// Until maps the duration to an absolute expiry computed from now. The
// "forever" value uses a 100-year sentinel; unmuting yields nil. The result
// is provisional UI state until the next full reload.
func (d MuteDuration) Until(now time.Time) *time.Time {
	var until time.Time
	switch d {
	case MuteDay:
		until = now.Add(24 * time.Hour)
	case MuteWeek:
		until = now.Add(7 * 24 * time.Hour)
	case MuteForever:
		until = now.AddDate(100, 0, 0)
	default:
		return nil
	}
	return &until
}

// Valid reports whether d is a recognized mute duration.
func (d MuteDuration) Valid() bool {
	switch d {
	case MuteDay, MuteWeek, MuteForever, MuteOff:
		return true
	}
	return false
}
