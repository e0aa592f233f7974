package models

import "time"

// MessageType describes the content carried by a message.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageFile  MessageType = "FILE"
	MessageAudio MessageType = "AUDIO"
	MessageVideo MessageType = "VIDEO"
)

// TombstoneContent replaces the body of a deleted message. Once a message is
// tombstoned its original content must never be shown again, even if a stale
// copy still carries it.
const TombstoneContent = "This message was deleted"

// DeleteWindow is how long after creation the sender may delete a message.
const DeleteWindow = 2 * time.Minute

// Message is one entry in a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       int           `json:"senderId"`
	Content        string        `json:"content"`
	MessageType    MessageType   `json:"messageType"`
	FileURL        string        `json:"fileUrl,omitempty"`
	FileName       string        `json:"fileName,omitempty"`
	FileSize       int64         `json:"fileSize,omitempty"`
	ReplyToID      string        `json:"replyToId,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
	IsEdited       bool          `json:"isEdited"`
	IsDeleted      bool          `json:"isDeleted"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Reaction is one emoji reaction on a message. At most one reaction exists
// per (message, user, emoji) tuple.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    int       `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID int       `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// ReadByUser reports whether the given user already acknowledged the message.
func (m *Message) ReadByUser(userID int) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// HasReaction reports whether the (user, emoji) tuple is already present.
func (m *Message) HasReaction(userID int, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// DeletableBy reports whether the user may still delete the message: only
// the sender, and only within DeleteWindow of creation.
func (m *Message) DeletableBy(userID int, now time.Time) bool {
	if m.SenderID != userID || m.IsDeleted {
		return false
	}
	return now.Sub(m.CreatedAt) <= DeleteWindow
}

// Tombstone marks the message deleted, replaces its content and drops its
// reactions.
func (m *Message) Tombstone() {
	m.IsDeleted = true
	m.Content = TombstoneContent
	m.Reactions = nil
}

// DisplayContent returns the content safe for rendering: tombstoned messages
// never expose their original body.
func (m *Message) DisplayContent() string {
	if m.IsDeleted {
		return TombstoneContent
	}
	return m.Content
}
