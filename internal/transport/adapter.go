// Package transport maintains the single persistent socket connection to the
// chat backend: typed subscribe/unsubscribe, fire-and-forget outbound
// senders, and reconnection with linear backoff.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// Handler receives one decoded inbound event.
type Handler func(models.ServerEvent)

// Subscription identifies one registered handler so it can be removed.
// Functions are not comparable in Go, so On returns a token instead of the
// callback-keyed removal the wire protocol's JS clients use.
type Subscription int

// Adapter wraps one websocket connection.
type Adapter struct {
	url         string
	maxAttempts int
	baseDelay   time.Duration
	log         *slog.Logger
	dialer      *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	out            chan models.Envelope
	cancel         context.CancelFunc
	handlers       map[models.EventType]map[Subscription]Handler
	nextSub        Subscription
	attempts       int
	token          string
	userID         int
	closed         bool
	reconnectTimer *time.Timer
}

// NewAdapter builds an Adapter for the given socket URL (ws:// or wss://).
func NewAdapter(socketURL string, maxAttempts int, baseDelay time.Duration, log *slog.Logger) *Adapter {
	return &Adapter{
		url:         strings.TrimRight(socketURL, "/"),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		log:         log,
		dialer:      websocket.DefaultDialer,
		handlers:    make(map[models.EventType]map[Subscription]Handler),
	}
}

// Connect opens the connection, carrying token and user id as handshake
// auth. No-op when already connected.
func (a *Adapter) Connect(token string, userID int) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.token = token
	a.userID = userID
	a.closed = false
	a.mu.Unlock()

	return a.dial()
}

func (a *Adapter) dial() error {
	q := url.Values{}
	a.mu.Lock()
	if a.conn != nil {
		// Already connected; a stale backoff timer may still fire after a
		// manual Connect succeeded.
		a.mu.Unlock()
		return nil
	}
	if a.token != "" {
		q.Set("token", a.token)
	}
	if a.userID != 0 {
		q.Set("userId", strconv.Itoa(a.userID))
	}
	a.mu.Unlock()

	endpoint := a.url + "/ws"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	conn, resp, err := a.dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		a.log.Error("socket connection error", "error", err)
		a.dispatch(models.ServerEvent{Type: models.EventConnectError, Reason: err.Error()})
		a.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", a.url, err)
	}

	a.mu.Lock()
	if a.closed || a.conn != nil {
		// Disconnect or another dial raced us.
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.conn = conn
	a.attempts = 0
	out := make(chan models.Envelope, 64)
	a.out = out
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	observability.SetSocketConnected(true)
	a.log.Info("socket connected", "userId", a.userID)
	a.dispatch(models.ServerEvent{Type: models.EventConnect})

	go a.run(ctx, conn, out)
	return nil
}

// run ties the read and write pumps to one connection's lifetime.
func (a *Adapter) run(ctx context.Context, conn *websocket.Conn, out chan models.Envelope) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error { return a.readPump(conn) })
	g.Go(func() error { return a.writePump(ctx, conn, out) })
	err := g.Wait()

	observability.SetSocketConnected(false)

	a.mu.Lock()
	wasClosed := a.closed
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()

	if wasClosed {
		return
	}

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	a.log.Warn("socket disconnected", "reason", reason)
	a.dispatch(models.ServerEvent{Type: models.EventDisconnect, Reason: reason})
	a.scheduleReconnect()
}

func (a *Adapter) readPump(conn *websocket.Conn) error {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		ev, err := models.DecodeServerEvent(env)
		if err != nil {
			a.log.Warn("dropping undecodable event", "error", err)
			continue
		}
		observability.IncSocketEvent("in", string(ev.Type))
		a.dispatch(ev)
	}
}

func (a *Adapter) writePump(ctx context.Context, conn *websocket.Conn, out chan models.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-out:
			if err := conn.WriteJSON(env); err != nil {
				return err
			}
		}
	}
}

// scheduleReconnect arms the backoff timer: delay grows linearly with the
// attempt number. Exceeding the ceiling is logged but not retried; a manual
// Connect is required after that.
func (a *Adapter) scheduleReconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.attempts >= a.maxAttempts {
		a.mu.Unlock()
		a.log.Error("max reconnection attempts reached", "max", a.maxAttempts)
		return
	}
	a.attempts++
	attempt := a.attempts
	delay := a.baseDelay * time.Duration(attempt)
	a.reconnectTimer = time.AfterFunc(delay, func() {
		a.log.Info("attempting to reconnect", "attempt", attempt, "max", a.maxAttempts)
		_ = a.dial()
	})
	a.mu.Unlock()

	observability.IncReconnectAttempt()
}

// Disconnect removes all listeners and tears the connection down. Safe to
// call repeatedly and on a never-connected adapter.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.closed = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	cancel := a.cancel
	a.cancel = nil
	conn := a.conn
	a.conn = nil
	a.handlers = make(map[models.EventType]map[Subscription]Handler)
	a.attempts = 0
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	observability.SetSocketConnected(false)
}

// IsConnected reports whether the socket is currently established.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// On registers a handler for one event type and returns its token.
func (a *Adapter) On(event models.EventType, h Handler) Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handlers[event] == nil {
		a.handlers[event] = make(map[Subscription]Handler)
	}
	a.nextSub++
	a.handlers[event][a.nextSub] = h
	return a.nextSub
}

// Off removes the given subscriptions for an event; with no tokens it clears
// every handler registered for that event.
func (a *Adapter) Off(event models.EventType, subs ...Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(subs) == 0 {
		delete(a.handlers, event)
		return
	}
	for _, sub := range subs {
		delete(a.handlers[event], sub)
	}
}

func (a *Adapter) dispatch(ev models.ServerEvent) {
	a.mu.Lock()
	registered := a.handlers[ev.Type]
	hs := make([]Handler, 0, len(registered))
	for _, h := range registered {
		hs = append(hs, h)
	}
	a.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// emit queues one outbound envelope. Emissions are fire and forget: they are
// dropped silently when not connected, and delivery confirmation arrives
// asynchronously as a separate inbound event.
func (a *Adapter) emit(ev models.ClientEvent) {
	env, err := models.EncodeClientEvent(ev)
	if err != nil {
		a.log.Error("encode outbound event", "error", err)
		return
	}

	a.mu.Lock()
	out := a.out
	connected := a.conn != nil
	a.mu.Unlock()

	if !connected || out == nil {
		a.log.Debug("dropping outbound event: not connected", "event", ev.Type)
		return
	}
	select {
	case out <- env:
		observability.IncSocketEvent("out", string(ev.Type))
	default:
		a.log.Warn("outbound buffer full, dropping event", "event", ev.Type)
	}
}

// JoinConversation enters the conversation's room.
func (a *Adapter) JoinConversation(conversationID string) {
	a.emit(models.ClientEvent{Type: models.EventJoinConversation, Room: &models.RoomRequest{ConversationID: conversationID}})
}

// LeaveConversation exits the conversation's room.
func (a *Adapter) LeaveConversation(conversationID string) {
	a.emit(models.ClientEvent{Type: models.EventLeaveConversation, Room: &models.RoomRequest{ConversationID: conversationID}})
}

// SendMessage emits a message. The echo comes back as new_message.
func (a *Adapter) SendMessage(msg models.OutgoingMessage) {
	a.emit(models.ClientEvent{Type: models.EventSendMessage, Send: &msg})
}

// StartTyping signals that the user began typing.
func (a *Adapter) StartTyping(conversationID string, userID int) {
	a.emit(models.ClientEvent{Type: models.EventTypingStart, Typing: &models.TypingEvent{ConversationID: conversationID, UserID: userID}})
}

// StopTyping signals that the user stopped typing.
func (a *Adapter) StopTyping(conversationID string, userID int) {
	a.emit(models.ClientEvent{Type: models.EventTypingStop, Typing: &models.TypingEvent{ConversationID: conversationID, UserID: userID}})
}

// MarkAsRead acknowledges one message over the socket.
func (a *Adapter) MarkAsRead(conversationID, messageID string) {
	a.emit(models.ClientEvent{Type: models.EventMarkAsRead, Read: &models.MarkRead{ConversationID: conversationID, MessageID: messageID}})
}

// AddReaction emits a reaction add intent.
func (a *Adapter) AddReaction(messageID, emoji string, userID int) {
	a.emit(models.ClientEvent{Type: models.EventAddReaction, Reaction: &models.ReactionRequest{MessageID: messageID, Emoji: emoji, UserID: userID}})
}

// RemoveReaction emits a reaction removal intent.
func (a *Adapter) RemoveReaction(messageID, emoji string, userID int) {
	a.emit(models.ClientEvent{Type: models.EventRemoveReaction, Reaction: &models.ReactionRequest{MessageID: messageID, Emoji: emoji, UserID: userID}})
}
