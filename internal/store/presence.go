package store

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"chat-client/internal/models"
)

// presenceLoop polls the online-user list on a fixed interval. Polling backs
// up the push events: if a user_online frame is lost, the next poll heals
// the flags.
func (s *Store) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshPresence(ctx)
		}
	}
}

// RefreshPresence fetches the authoritative online-id list and reconciles
// every cached participant flag against it.
func (s *Store) RefreshPresence(ctx context.Context) {
	if _, ok := s.currentUserID(); !ok {
		return
	}
	online, err := s.api.OnlineUsers(ctx)
	if err != nil {
		s.log.Debug("presence refresh failed", "error", err)
		return
	}
	s.applyOnlineSet(online)
}

// applyOnlineSet sets every participant's IsOnline flag from the server
// list. Users absent from the list are marked offline, so the flags never
// drift upward. An INVISIBLE user is never shown online regardless of the
// server list.
func (s *Store) applyOnlineSet(online []int) {
	ids := mapset.NewSet(online...)

	s.update(func() {
		for _, conv := range s.conversations {
			for i := range conv.Participants {
				u := &conv.Participants[i].User
				u.IsOnline = ids.Contains(u.ID) && u.Status != models.StatusInvisible
			}
		}
		if s.currentUser != nil {
			s.currentUser.IsOnline = ids.Contains(s.currentUser.ID) && s.currentUser.Status != models.StatusInvisible
		}
	})
}

// setUserOnline flips one user's connection flag everywhere it appears.
func (s *Store) setUserOnline(userID int, online bool) {
	now := s.now()
	s.update(func() {
		for _, conv := range s.conversations {
			for i := range conv.Participants {
				u := &conv.Participants[i].User
				if u.ID != userID {
					continue
				}
				u.IsOnline = online && u.Status != models.StatusInvisible
				if !online {
					t := now
					u.LastSeen = &t
				}
			}
		}
	})
}

// setUserStatus applies a status enum change. Going INVISIBLE also clears
// the connection flag; the server advertises invisible users as offline and
// the local copy must agree.
func (s *Store) setUserStatus(userID int, status models.UserStatus) {
	if !status.Valid() {
		s.log.Debug("ignoring unknown status", "userId", userID, "status", status)
		return
	}
	s.update(func() {
		for _, conv := range s.conversations {
			for i := range conv.Participants {
				u := &conv.Participants[i].User
				if u.ID != userID {
					continue
				}
				u.Status = status
				if status == models.StatusInvisible {
					u.IsOnline = false
				}
			}
		}
		if s.currentUser != nil && s.currentUser.ID == userID {
			s.currentUser.Status = status
		}
	})
}

// lookupUser resolves a user record, serving repeat lookups from a short
// TTL cache to keep membership events from hammering the backend.
func (s *Store) lookupUser(ctx context.Context, userID int) (models.User, error) {
	s.mu.Lock()
	cache := s.users
	s.mu.Unlock()

	if cache != nil {
		if u, err := cache.Get(userID); err == nil {
			return u, nil
		}
	}
	u, err := s.api.User(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if cache != nil {
		cache.Set(userID, u)
	}
	return u, nil
}
