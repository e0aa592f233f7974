// Package rest is the typed HTTP client for the chat backend. Every method
// issues exactly one request and unwraps the {data, success, message}
// envelope; retry policy belongs to the caller.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// ErrUnauthorized is returned on a 401 response, after the OnUnauthorized
// hook has fired.
var ErrUnauthorized = errors.New("unauthorized")

// RequestError is a rejected REST call: either a non-2xx status or an
// envelope with success=false.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed (%d)", e.Status)
}

// TokenFunc supplies the current bearer token, empty when unauthenticated.
type TokenFunc func() string

// Client wraps the chat REST surface.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
	log     *slog.Logger
	tracer  trace.Tracer

	// OnUnauthorized fires once per 401 response, independent of which
	// call triggered it. Used to clear credentials and signal logout.
	OnUnauthorized func()
}

// NewClient builds a Client. token may be nil for unauthenticated use.
func NewClient(baseURL string, timeout time.Duration, token TokenFunc, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		token:   token,
		log:     log,
		tracer:  otel.Tracer("chat-client/rest"),
	}
}

type envelope struct {
	Data       json.RawMessage `json:"data"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Pagination *Pagination     `json:"pagination,omitempty"`
}

// Pagination describes a paged listing response.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
	HasPrev bool `json:"hasPrev"`
}

func (c *Client) do(ctx context.Context, method, route string, query url.Values, body, out any) error {
	ctx, span := c.tracer.Start(ctx, method+" "+route)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
	)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + route
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveRESTRequest(method, route, 0, time.Since(start))
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()
	observability.ObserveRESTRequest(method, route, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Warn("rest: unauthorized response", "route", route)
		if c.OnUnauthorized != nil {
			c.OnUnauthorized()
		}
		return ErrUnauthorized
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &RequestError{Status: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		return &RequestError{Status: resp.StatusCode, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token == nil {
		return
	}
	if t := c.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}

func actingUser(userID int) url.Values {
	q := url.Values{}
	if userID != 0 {
		q.Set("userId", strconv.Itoa(userID))
	}
	return q
}

// Conversations fetches the conversation list visible to the user.
func (c *Client) Conversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	var out []models.Conversation
	err := c.do(ctx, http.MethodGet, "/chat/conversations", actingUser(userID), nil, &out)
	return out, err
}

// Conversation fetches one conversation by id.
func (c *Client) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	var out models.Conversation
	err := c.do(ctx, http.MethodGet, "/chat/conversations/"+id, nil, nil, &out)
	return out, err
}

// CreateConversation creates a DIRECT or GROUP conversation.
func (c *Client) CreateConversation(ctx context.Context, participants []int, name string, typ models.ConversationType) (models.Conversation, error) {
	body := map[string]any{
		"participants": participants,
		"type":         typ,
	}
	if name != "" {
		body["name"] = name
	}
	var out models.Conversation
	err := c.do(ctx, http.MethodPost, "/chat/conversations", nil, body, &out)
	return out, err
}

// Messages fetches one page of messages for a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out []models.Message
	err := c.do(ctx, http.MethodGet, "/chat/conversations/"+conversationID+"/messages", q, nil, &out)
	return out, err
}

// MarkAsRead records a read receipt for one message.
func (c *Client) MarkAsRead(ctx context.Context, conversationID, messageID string, userID int) error {
	route := "/chat/conversations/" + conversationID + "/messages/" + messageID + "/read"
	return c.do(ctx, http.MethodPost, route, actingUser(userID), nil, nil)
}

// AddReaction adds one (message, user, emoji) reaction tuple.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string, userID int) error {
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodPost, "/chat/messages/"+messageID+"/reactions", actingUser(userID), body, nil)
}

// RemoveReaction removes one reaction tuple.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string, userID int) error {
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodDelete, "/chat/messages/"+messageID+"/reactions", actingUser(userID), body, nil)
}

// DeleteMessage tombstones a message. The authoritative mutation arrives as
// a message_deleted event.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, userID int) error {
	return c.do(ctx, http.MethodDelete, "/chat/messages/"+messageID, actingUser(userID), nil, nil)
}

// SearchUsers looks up users by free-text search.
func (c *Client) SearchUsers(ctx context.Context, search string) ([]models.User, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	var out []models.User
	err := c.do(ctx, http.MethodGet, "/users", q, nil, &out)
	return out, err
}

// OnlineUsers fetches the ids of currently connected users.
func (c *Client) OnlineUsers(ctx context.Context) ([]int, error) {
	var out []int
	err := c.do(ctx, http.MethodGet, "/chat/online-users", nil, nil, &out)
	return out, err
}

// User fetches one user record.
func (c *Client) User(ctx context.Context, userID int) (models.User, error) {
	var out models.User
	err := c.do(ctx, http.MethodGet, "/chat/user/"+strconv.Itoa(userID), nil, nil, &out)
	return out, err
}

// UpdateStatus sets the acting user's status enum.
func (c *Client) UpdateStatus(ctx context.Context, status models.UserStatus, userID int) error {
	body := map[string]models.UserStatus{"status": status}
	return c.do(ctx, http.MethodPost, "/chat/status", actingUser(userID), body, nil)
}

// AddMember adds a user to a group conversation.
func (c *Client) AddMember(ctx context.Context, conversationID string, memberUserID, userID int) error {
	body := map[string]int{"userId": memberUserID}
	return c.do(ctx, http.MethodPost, "/chat/conversations/"+conversationID+"/members", actingUser(userID), body, nil)
}

// RemoveMember removes a user from a group conversation.
func (c *Client) RemoveMember(ctx context.Context, conversationID string, memberUserID, userID int) error {
	route := "/chat/conversations/" + conversationID + "/members/" + strconv.Itoa(memberUserID)
	return c.do(ctx, http.MethodDelete, route, actingUser(userID), nil, nil)
}

// MuteConversation persists the mute duration server-side.
func (c *Client) MuteConversation(ctx context.Context, conversationID string, duration models.MuteDuration, userID int) error {
	body := map[string]models.MuteDuration{"duration": duration}
	return c.do(ctx, http.MethodPost, "/chat/conversations/"+conversationID+"/mute", actingUser(userID), body, nil)
}

// UploadResult is the outcome of a file upload.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// UploadFile uploads a file attached to a conversation via multipart form.
func (c *Client) UploadFile(ctx context.Context, file io.Reader, fileName, conversationID string) (UploadResult, error) {
	route := "/files/upload"
	ctx, span := c.tracer.Start(ctx, "POST "+route)
	defer span.End()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return UploadResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return UploadResult{}, fmt.Errorf("copy file: %w", err)
	}
	if err := mw.WriteField("conversationId", conversationID); err != nil {
		return UploadResult{}, fmt.Errorf("write field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveRESTRequest(http.MethodPost, route, 0, time.Since(start))
		return UploadResult{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	observability.ObserveRESTRequest(http.MethodPost, route, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		if c.OnUnauthorized != nil {
			c.OnUnauthorized()
		}
		return UploadResult{}, ErrUnauthorized
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return UploadResult{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return UploadResult{}, &RequestError{Status: resp.StatusCode, Message: env.Message}
	}

	var out UploadResult
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return UploadResult{}, fmt.Errorf("decode data: %w", err)
	}
	return out, nil
}
