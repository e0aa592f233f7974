package rest

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, func() string { return "tok-123" }, testLogger())
}

func TestConversationsUnwrapsEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/conversations", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("userId"))
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[{"id":"c1","type":"DIRECT"}]}`))
	})

	convs, err := client.Conversations(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, models.ConversationDirect, convs[0].Type)
}

func TestMessagesSendsPagination(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"success":true,"data":[{"id":"m1"}],"pagination":{"page":2,"limit":50,"total":51,"hasPrev":true}}`))
	})

	msgs, err := client.Messages(context.Background(), "c1", 2, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestUnauthorizedFiresHook(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	var fired bool
	client.OnUnauthorized = func() { fired = true }

	_, err := client.Conversations(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, fired)
}

func TestEnvelopeFailureBecomesRequestError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"message":"invalid mute duration"}`))
	})

	err := client.MuteConversation(context.Background(), "c1", models.MuteDay, 1)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Status)
	assert.Equal(t, "invalid mute duration", reqErr.Message)
}

func TestDeleteMessageRoute(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/chat/messages/m9", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("userId"))
		w.Write([]byte(`{"success":true}`))
	})

	require.NoError(t, client.DeleteMessage(context.Background(), "m9", 7))
}

func TestSearchUsersOutsideChatPrefix(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "ali", r.URL.Query().Get("search"))
		w.Write([]byte(`{"success":true,"data":[{"id":3,"firstName":"Alice"}]}`))
	})

	users, err := client.SearchUsers(context.Background(), "ali")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 3, users[0].ID)
}

func TestUploadFileMultipart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "c1", r.FormValue("conversationId"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "photo.png", header.Filename)
		w.Write([]byte(`{"success":true,"data":{"url":"/uploads/x_photo.png","fileName":"photo.png","fileSize":4}}`))
	})

	res, err := client.UploadFile(context.Background(), strings.NewReader("data"), "photo.png", "c1")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/x_photo.png", res.URL)
	assert.Equal(t, int64(4), res.FileSize)
}
