package stubserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

const tokenTTL = 24 * time.Hour

// Server is the stub chat backend: REST endpoints plus one websocket
// endpoint, backed by in-memory state.
type Server struct {
	state  *State
	hub    *Hub
	secret string
	log    *slog.Logger
}

// NewServer builds a stub backend signing tokens with the given secret.
func NewServer(secret string, log *slog.Logger) *Server {
	return &Server{
		state:  NewState(),
		hub:    NewHub(log),
		secret: secret,
		log:    log,
	}
}

// State exposes the backing state for seeding and tests.
func (s *Server) State() *State { return s.state }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("chat-stub"))
	r.Use(observability.HTTPMetricsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	api.POST("/auth/login", s.login)

	auth := api.Group("", s.authMiddleware())
	auth.GET("/users", s.searchUsers)
	auth.POST("/files/upload", s.uploadFile)

	chat := auth.Group("/chat")
	chat.GET("/conversations", s.listConversations)
	chat.POST("/conversations", s.createConversation)
	chat.GET("/conversations/:id", s.getConversation)
	chat.GET("/conversations/:id/messages", s.listMessages)
	chat.POST("/conversations/:id/messages/:messageId/read", s.markAsRead)
	chat.POST("/conversations/:id/members", s.addMember)
	chat.DELETE("/conversations/:id/members/:userId", s.removeMember)
	chat.POST("/conversations/:id/mute", s.muteConversation)
	chat.POST("/messages/:id/reactions", s.addReaction)
	chat.DELETE("/messages/:id/reactions", s.removeReaction)
	chat.DELETE("/messages/:id", s.deleteMessage)
	chat.GET("/online-users", s.onlineUsers)
	chat.GET("/user/:id", s.getUser)
	chat.POST("/status", s.updateStatus)

	return r
}

// Run serves the router until the listener fails.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// authMiddleware resolves the acting user from a bearer token, falling back
// to the userId query parameter for unauthenticated dev tooling.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			userID, err := parseToken(s.secret, header[7:])
			if err != nil {
				fail(c, http.StatusUnauthorized, "invalid token")
				c.Abort()
				return
			}
			c.Set("userID", userID)
			c.Next()
			return
		}
		if raw := c.Query("userId"); raw != "" {
			if userID, err := strconv.Atoi(raw); err == nil && userID > 0 {
				c.Set("userID", userID)
				c.Next()
				return
			}
		}
		fail(c, http.StatusUnauthorized, "missing credentials")
		c.Abort()
	}
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Email     string `json:"email" binding:"required"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	user := s.state.EnsureUser(req.Email, req.FirstName, req.LastName)
	token, err := MintToken(s.secret, user.ID, tokenTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, "could not issue token")
		return
	}
	respond(c, http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) searchUsers(c *gin.Context) {
	respond(c, http.StatusOK, s.state.SearchUsers(c.Query("search")))
}

func (s *Server) listConversations(c *gin.Context) {
	respond(c, http.StatusOK, s.state.Conversations(c.GetInt("userID")))
}

func (s *Server) getConversation(c *gin.Context) {
	conv, ok := s.state.Conversation(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	respond(c, http.StatusOK, conv)
}

func (s *Server) createConversation(c *gin.Context) {
	var req struct {
		Participants []int                   `json:"participants" binding:"required"`
		Name         string                  `json:"name"`
		Type         models.ConversationType `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := s.state.CreateConversation(c.GetInt("userID"), req.Participants, req.Name, req.Type)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.hub.BroadcastAll(models.ServerEvent{Type: models.EventConversationCreated, Conversation: &conv})
	respond(c, http.StatusCreated, conv)
}

func (s *Server) listMessages(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, total, ok := s.state.Messages(c.Param("id"), page, limit)
	if !ok {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    msgs,
		"pagination": gin.H{
			"page":    page,
			"limit":   limit,
			"total":   total,
			"hasNext": page*limit < total,
			"hasPrev": page > 1,
		},
	})
}

func (s *Server) markAsRead(c *gin.Context) {
	read, err := s.state.MarkRead(c.Param("id"), c.Param("messageId"), c.GetInt("userID"))
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	s.hub.BroadcastToConversation(read.ConversationID, models.ServerEvent{Type: models.EventMessageRead, Read: &read})
	respond(c, http.StatusOK, read)
}

func (s *Server) addReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	reaction, convID, err := s.state.AddReaction(c.Param("id"), req.Emoji, c.GetInt("userID"))
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	s.hub.BroadcastToConversation(convID, models.ServerEvent{Type: models.EventReactionAdded, Reaction: &reaction})
	respond(c, http.StatusOK, reaction)
}

func (s *Server) removeReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	reaction, convID, err := s.state.RemoveReaction(c.Param("id"), req.Emoji, c.GetInt("userID"))
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	s.hub.BroadcastToConversation(convID, models.ServerEvent{Type: models.EventReactionRemoved, Reaction: &reaction})
	respond(c, http.StatusOK, nil)
}

func (s *Server) deleteMessage(c *gin.Context) {
	deleted, err := s.state.DeleteMessage(c.Param("id"), c.GetInt("userID"))
	if err != nil {
		fail(c, http.StatusForbidden, "message cannot be deleted")
		return
	}
	s.hub.BroadcastToConversation(deleted.ConversationID, models.ServerEvent{Type: models.EventMessageDeleted, Deleted: &deleted})
	respond(c, http.StatusOK, deleted)
}

func (s *Server) addMember(c *gin.Context) {
	var req struct {
		UserID int `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.state.AddMember(c.Param("id"), req.UserID)
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	s.hub.BroadcastToConversation(ev.ConversationID, models.ServerEvent{Type: models.EventUserJoinedConversation, Membership: &ev})
	respond(c, http.StatusOK, ev)
}

func (s *Server) removeMember(c *gin.Context) {
	memberID, err := strconv.Atoi(c.Param("userId"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid user id")
		return
	}
	ev, err := s.state.RemoveMember(c.Param("id"), memberID)
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	s.hub.BroadcastToConversation(ev.ConversationID, models.ServerEvent{Type: models.EventUserLeftConversation, Membership: &ev})
	respond(c, http.StatusOK, ev)
}

func (s *Server) muteConversation(c *gin.Context) {
	var req struct {
		Duration models.MuteDuration `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Duration.Valid() {
		fail(c, http.StatusBadRequest, "invalid mute duration")
		return
	}
	if err := s.state.Mute(c.Param("id"), c.GetInt("userID"), req.Duration); err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	respond(c, http.StatusOK, nil)
}

func (s *Server) onlineUsers(c *gin.Context) {
	respond(c, http.StatusOK, s.state.OnlineIDs())
}

func (s *Server) getUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid user id")
		return
	}
	user, ok := s.state.User(id)
	if !ok {
		fail(c, http.StatusNotFound, "user not found")
		return
	}
	respond(c, http.StatusOK, user)
}

func (s *Server) updateStatus(c *gin.Context) {
	var req struct {
		Status models.UserStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		fail(c, http.StatusBadRequest, "invalid status")
		return
	}
	user, ok := s.state.SetStatus(c.GetInt("userID"), req.Status)
	if !ok {
		fail(c, http.StatusNotFound, "user not found")
		return
	}
	change := models.StatusChange{UserID: user.ID, Status: req.Status}
	s.hub.BroadcastAll(models.ServerEvent{Type: models.EventUserStatusChange, StatusChange: &change})
	// Invisible users disappear from the online list immediately.
	if req.Status == models.StatusInvisible {
		s.hub.BroadcastAll(models.ServerEvent{Type: models.EventUserOffline, User: &user})
	}
	respond(c, http.StatusOK, user)
}

func (s *Server) uploadFile(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "missing file")
		return
	}
	respond(c, http.StatusOK, gin.H{
		"url":      "/uploads/" + uuid.NewString() + "_" + file.Filename,
		"fileName": file.Filename,
		"fileSize": file.Size,
	})
}

// handleWS upgrades the connection, announces the user online and then
// serves client emissions until the peer goes away.
func (s *Server) handleWS(c *gin.Context) {
	ctx, span := otel.Tracer("chat-stub/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var userID int
	if token := c.Query("token"); token != "" {
		id, err := parseToken(s.secret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = id
	} else if raw := c.Query("userId"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user id"})
			return
		}
		userID = id
	} else {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.hub.Register(conn, userID)
	s.state.SetOnline(userID, true)
	if user, ok := s.state.User(userID); ok && user.Status != models.StatusInvisible {
		s.hub.BroadcastAll(models.ServerEvent{Type: models.EventUserOnline, User: &user})
	}

	defer func() {
		s.hub.Unregister(conn)
		s.state.SetOnline(userID, false)
		conn.Close()
		if user, ok := s.state.User(userID); ok {
			s.hub.BroadcastAll(models.ServerEvent{Type: models.EventUserOffline, User: &user})
		}
	}()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read error", "userId", userID, "error", err)
			}
			return
		}
		observability.IncSocketEvent("in", string(env.Event))
		ev, err := models.DecodeClientEvent(env)
		if err != nil {
			s.log.Warn("undecodable client event", "event", env.Event, "error", err)
			continue
		}
		s.handleClientEvent(conn, userID, ev)
	}
}

func (s *Server) handleClientEvent(conn *websocket.Conn, userID int, ev models.ClientEvent) {
	switch ev.Type {
	case models.EventJoinConversation:
		s.hub.JoinRoom(ev.Room.ConversationID, conn)
		s.broadcastOnlineCount(ev.Room.ConversationID)
	case models.EventLeaveConversation:
		s.hub.LeaveRoom(ev.Room.ConversationID, conn)
		s.broadcastOnlineCount(ev.Room.ConversationID)
	case models.EventSendMessage:
		msg, err := s.state.AppendMessage(userID, *ev.Send)
		if err != nil {
			s.log.Warn("rejected message", "userId", userID, "error", err)
			return
		}
		s.hub.BroadcastToConversation(msg.ConversationID, models.ServerEvent{Type: models.EventNewMessage, Message: &msg})
	case models.EventTypingStart:
		s.hub.BroadcastToConversation(ev.Typing.ConversationID, models.ServerEvent{Type: models.EventUserTyping, Typing: ev.Typing})
	case models.EventTypingStop:
		s.hub.BroadcastToConversation(ev.Typing.ConversationID, models.ServerEvent{Type: models.EventUserStoppedTyping, Typing: ev.Typing})
	case models.EventMarkAsRead:
		read, err := s.state.MarkRead(ev.Read.ConversationID, ev.Read.MessageID, userID)
		if err != nil {
			return
		}
		s.hub.BroadcastToConversation(read.ConversationID, models.ServerEvent{Type: models.EventMessageRead, Read: &read})
	case models.EventAddReaction:
		reaction, convID, err := s.state.AddReaction(ev.Reaction.MessageID, ev.Reaction.Emoji, userID)
		if err != nil {
			return
		}
		s.hub.BroadcastToConversation(convID, models.ServerEvent{Type: models.EventReactionAdded, Reaction: &reaction})
	case models.EventRemoveReaction:
		reaction, convID, err := s.state.RemoveReaction(ev.Reaction.MessageID, ev.Reaction.Emoji, userID)
		if err != nil {
			return
		}
		s.hub.BroadcastToConversation(convID, models.ServerEvent{Type: models.EventReactionRemoved, Reaction: &reaction})
	}
}

func (s *Server) broadcastOnlineCount(conversationID string) {
	count := models.OnlineUsers{
		ConversationID: conversationID,
		OnlineCount:    s.hub.RoomSize(conversationID),
	}
	s.hub.BroadcastToConversation(conversationID, models.ServerEvent{Type: models.EventConversationOnlineUsers, OnlineUsers: &count})
}
