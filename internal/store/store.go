// Package store owns the canonical in-memory chat state and the
// reconciliation rules between REST snapshots, live socket events and local
// actions. Conversations live in an id-keyed map; the active conversation is
// derived by lookup, never duplicated, so every mutation is visible to both
// the list and the active view by construction.
package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c-pro/geche"
	mapset "github.com/deckarep/golang-set/v2"

	"chat-client/internal/models"
	"chat-client/internal/rest"
	"chat-client/internal/transport"
)

var (
	ErrNoCurrentUser       = errors.New("no current user")
	ErrEmptyMessage        = errors.New("message content is empty")
	ErrInvalidConversation = errors.New("invalid conversation parameters")
	ErrInvalidStatus       = errors.New("invalid user status")
	ErrInvalidMuteDuration = errors.New("invalid mute duration")
	ErrDeleteWindowExpired = errors.New("message can no longer be deleted")
)

// API is the REST surface the store depends on.
type API interface {
	Conversations(ctx context.Context, userID int) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	CreateConversation(ctx context.Context, participants []int, name string, typ models.ConversationType) (models.Conversation, error)
	Messages(ctx context.Context, conversationID string, page, limit int) ([]models.Message, error)
	MarkAsRead(ctx context.Context, conversationID, messageID string, userID int) error
	AddReaction(ctx context.Context, messageID, emoji string, userID int) error
	RemoveReaction(ctx context.Context, messageID, emoji string, userID int) error
	DeleteMessage(ctx context.Context, messageID string, userID int) error
	OnlineUsers(ctx context.Context) ([]int, error)
	User(ctx context.Context, userID int) (models.User, error)
	UpdateStatus(ctx context.Context, status models.UserStatus, userID int) error
	AddMember(ctx context.Context, conversationID string, memberUserID, userID int) error
	RemoveMember(ctx context.Context, conversationID string, memberUserID, userID int) error
	MuteConversation(ctx context.Context, conversationID string, duration models.MuteDuration, userID int) error
	UploadFile(ctx context.Context, file io.Reader, fileName, conversationID string) (rest.UploadResult, error)
}

// Socket is the transport surface the store depends on.
type Socket interface {
	Connect(token string, userID int) error
	Disconnect()
	IsConnected() bool
	On(event models.EventType, h transport.Handler) transport.Subscription
	Off(event models.EventType, subs ...transport.Subscription)
	JoinConversation(conversationID string)
	LeaveConversation(conversationID string)
	SendMessage(msg models.OutgoingMessage)
	StartTyping(conversationID string, userID int)
	StopTyping(conversationID string, userID int)
	MarkAsRead(conversationID, messageID string)
	AddReaction(messageID, emoji string, userID int)
	RemoveReaction(messageID, emoji string, userID int)
}

// TokenFunc supplies the current bearer token for socket handshakes.
type TokenFunc func() string

// State is an immutable snapshot handed to subscribers. Conversations are
// ordered most recently active first; ActiveConversation points into a
// private copy, never into store internals.
type State struct {
	Conversations      []models.Conversation
	ActiveConversation *models.Conversation
	CurrentUser        *models.User
	IsConnected        bool
	IsLoading          bool
	Error              string
	TypingUsers        map[string][]int
}

// Config tunes store behavior; zero values fall back to spec defaults.
type Config struct {
	PageSize           int
	PresenceInterval   time.Duration
	MemberRefreshDelay time.Duration
	UserCacheTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 5 * time.Second
	}
	if c.MemberRefreshDelay < 0 {
		c.MemberRefreshDelay = 0
	} else if c.MemberRefreshDelay == 0 {
		c.MemberRefreshDelay = time.Second
	}
	if c.UserCacheTTL <= 0 {
		c.UserCacheTTL = 30 * time.Second
	}
	return c
}

// Store is the synchronization store. One instance lives for the whole
// application session and is safe for concurrent use.
type Store struct {
	api    API
	socket Socket
	token  TokenFunc
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations map[string]*models.Conversation
	activeID      string
	currentUser   *models.User
	connected     bool
	loading       bool
	errMsg        string
	typing        map[string]mapset.Set[int]

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSubID   int

	ctx        context.Context
	cancel     context.CancelFunc
	socketSubs []socketSub
	users      geche.Geche[int, models.User]
}

type socketSub struct {
	event models.EventType
	sub   transport.Subscription
}

// New builds a Store around the given collaborators.
func New(api API, socket Socket, token TokenFunc, cfg Config, log *slog.Logger) *Store {
	return &Store{
		api:           api,
		socket:        socket,
		token:         token,
		cfg:           cfg.withDefaults(),
		log:           log,
		now:           time.Now,
		conversations: make(map[string]*models.Conversation),
		typing:        make(map[string]mapset.Set[int]),
		subscribers:   make(map[int]func(State)),
	}
}

// Start binds the store's timers and socket subscriptions to ctx. Stop (or
// ctx cancellation) tears both down together.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	s.users = geche.NewMapTTLCache[int, models.User](ctx, s.cfg.UserCacheTTL, time.Minute)
	s.mu.Unlock()

	s.registerSocketHandlers()
	go s.presenceLoop(ctx)
}

// Stop ends the session: timers stop, socket listeners are removed and the
// connection is torn down. State itself is discarded by dropping the store.
func (s *Store) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	subs := s.socketSubs
	s.socketSubs = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ss := range subs {
		s.socket.Off(ss.event, ss.sub)
	}
	s.socket.Disconnect()
}

// Subscribe registers a listener invoked with a fresh snapshot after every
// state transition. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// GetState returns a snapshot of the current state.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	st := State{
		IsConnected: s.connected,
		IsLoading:   s.loading,
		Error:       s.errMsg,
		TypingUsers: make(map[string][]int, len(s.typing)),
	}
	if s.currentUser != nil {
		u := *s.currentUser
		st.CurrentUser = &u
	}
	st.Conversations = make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		st.Conversations = append(st.Conversations, cloneConversation(c))
	}
	slices.SortFunc(st.Conversations, func(a, b models.Conversation) int {
		return activityTime(&b).Compare(activityTime(&a))
	})
	if s.activeID != "" {
		if c, ok := s.conversations[s.activeID]; ok {
			ac := cloneConversation(c)
			st.ActiveConversation = &ac
		}
	}
	for convID, set := range s.typing {
		ids := set.ToSlice()
		slices.Sort(ids)
		st.TypingUsers[convID] = ids
	}
	return st
}

func activityTime(c *models.Conversation) time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	if c.UpdatedAt.IsZero() {
		return c.CreatedAt
	}
	return c.UpdatedAt
}

func cloneConversation(c *models.Conversation) models.Conversation {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.Messages = make([]models.Message, len(c.Messages))
	for i := range c.Messages {
		cp.Messages[i] = cloneMessage(c.Messages[i])
	}
	if c.LastMessage != nil {
		lm := cloneMessage(*c.LastMessage)
		cp.LastMessage = &lm
	}
	return cp
}

func cloneMessage(m models.Message) models.Message {
	m.Reactions = slices.Clone(m.Reactions)
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// update runs one state transition under the lock and notifies subscribers.
func (s *Store) update(fn func()) {
	s.mu.Lock()
	fn()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Store) notify(snapshot State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

// lifecycleContext returns the Start context, or Background before Start.
func (s *Store) lifecycleContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Store) currentUserID() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return 0, false
	}
	return s.currentUser.ID, true
}
