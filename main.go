package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"chat-client/internal/config"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rest"
	"chat-client/internal/store"
	"chat-client/internal/stubserver"
	"chat-client/internal/transport"
)

func main() {
	stub := flag.Bool("stub", false, "run the in-memory stub backend instead of the client")
	email := flag.String("email", "dev@example.com", "login email for the client")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		log.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if *stub {
		runStub(cfg, log)
		return
	}
	if err := runClient(ctx, cfg, log, *email); err != nil {
		log.Error("client exited", "error", err)
		os.Exit(1)
	}
}

func runStub(cfg *config.Config, log *slog.Logger) {
	srv := stubserver.NewServer(cfg.AuthSecret, log)
	srv.State().EnsureUser("alice@example.com", "Alice", "Anders")
	srv.State().EnsureUser("bob@example.com", "Bob", "Berg")
	log.Info("stub backend listening", "addr", cfg.StubAddr)
	if err := srv.Run(cfg.StubAddr); err != nil {
		log.Error("stub backend failed", "error", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, cfg *config.Config, log *slog.Logger, email string) error {
	session := newSession(cfg, log)
	if err := session.login(ctx, email); err != nil {
		return err
	}
	defer session.close()

	session.chat.LoadConversations(ctx)

	fmt.Println("commands: ls | open <n> | send <text> | status <STATUS> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" {
			return nil
		}
		session.dispatch(ctx, line)
		prompt()
	}
	return scanner.Err()
}

func prompt() { fmt.Print("> ") }

type session struct {
	cfg  *config.Config
	log  *slog.Logger
	api  *rest.Client
	chat *store.Store

	// token is read from the adapter's reconnect goroutine and cleared by the
	// 401 hook, so access goes through the mutex.
	mu    sync.Mutex
	token string
}

func newSession(cfg *config.Config, log *slog.Logger) *session {
	s := &session{cfg: cfg, log: log}
	s.api = rest.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, s.currentToken, log)
	s.api.OnUnauthorized = func() {
		s.setToken("")
		log.Warn("session expired")
	}
	return s
}

func (s *session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// login authenticates against the backend, wires the store and connects the
// socket unless the user's stored status is OFFLINE.
func (s *session) login(ctx context.Context, email string) error {
	user, token, err := s.loginRequest(ctx, email)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.setToken(token)

	adapter := transport.NewAdapter(s.cfg.SocketURL, s.cfg.ReconnectAttempts, s.cfg.ReconnectDelay, s.log)
	s.chat = store.New(s.api, adapter, s.currentToken, store.Config{
		PageSize:           s.cfg.PageSize,
		PresenceInterval:   s.cfg.PresenceInterval,
		MemberRefreshDelay: s.cfg.MemberRefreshDelay,
	}, s.log)
	s.chat.SetCurrentUser(user)
	s.chat.Start(context.Background())

	if user.Status != models.StatusOffline {
		if err := s.chat.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	return nil
}

// loginRequest hits the stub's login endpoint directly; it is the one call
// made before a bearer token exists.
func (s *session) loginRequest(ctx context.Context, email string) (models.User, string, error) {
	body, _ := json.Marshal(map[string]string{"email": email})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return models.User{}, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.User{}, "", err
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
		Data    struct {
			Token string      `json:"token"`
			User  models.User `json:"user"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.User{}, "", err
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return models.User{}, "", fmt.Errorf("login rejected: %s", out.Message)
	}
	return out.Data.User, out.Data.Token, nil
}

func (s *session) close() {
	if s.chat != nil {
		s.chat.Stop()
	}
}

// dispatch routes one console command.
func (s *session) dispatch(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "ls":
		s.printConversations()
	case "open":
		s.open(ctx, strings.TrimSpace(arg))
	case "send":
		active := s.chat.GetState().ActiveConversation
		if active == nil {
			fmt.Println("send: no open conversation")
			return
		}
		if err := s.chat.SendMessage(active.ID, arg, models.MessageText, ""); err != nil {
			fmt.Println("send:", err)
		}
	case "status":
		if err := s.chat.UpdateUserStatus(ctx, models.UserStatus(strings.ToUpper(strings.TrimSpace(arg)))); err != nil {
			fmt.Println("status:", err)
		}
	default:
		fmt.Println("unknown command:", cmd)
	}
}

func (s *session) printConversations() {
	state := s.chat.GetState()
	for i, c := range state.Conversations {
		name := c.Name
		if name == "" {
			name = string(c.Type)
		}
		marker := " "
		if state.ActiveConversation != nil && state.ActiveConversation.ID == c.ID {
			marker = "*"
		}
		fmt.Printf("%s %d: %s (unread %d)\n", marker, i+1, name, c.UnreadCount)
	}
}

func (s *session) open(ctx context.Context, arg string) {
	state := s.chat.GetState()
	var idx int
	if _, err := fmt.Sscanf(arg, "%d", &idx); err != nil || idx < 1 || idx > len(state.Conversations) {
		fmt.Println("open: unknown conversation")
		return
	}
	conv := state.Conversations[idx-1]
	s.chat.SetActiveConversation(ctx, conv.ID)
	if active := s.chat.GetState().ActiveConversation; active != nil {
		for _, m := range active.Messages {
			fmt.Printf("[%d] %s\n", m.SenderID, m.DisplayContent())
		}
	}
}
