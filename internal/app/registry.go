package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/quizroom/internal/domain"
)

// SessionKey identifies one user's presence in one room. A user holds at
// most one live websocket session per room; a newer one replaces the old.
type SessionKey struct {
	User domain.UserID
	Room domain.RoomID
}

type sessionEntry struct {
	Lobby  *LobbyController
	Cancel context.CancelFunc
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionKey]*sessionEntry)}
}

// Bind registers lobby under key. A session it replaces is handed over
// without a goodbye and then canceled.
func (r *Registry) Bind(key SessionKey, lobby *LobbyController, cancel context.CancelFunc) (replaced bool) {
	r.mu.Lock()
	prev, ok := r.sessions[key]
	r.sessions[key] = &sessionEntry{Lobby: lobby, Cancel: cancel}
	r.mu.Unlock()

	if ok {
		if prev.Lobby != nil && prev.Lobby != lobby {
			prev.Lobby.Handover()
		}
		if prev.Cancel != nil {
			prev.Cancel()
		}
		log.Info().Str("module", "app.registry").
			Str("user", string(key.User)).
			Uint("room", uint(key.Room)).
			Msg("replaced older session")
	}
	log.Info().Str("module", "app.registry").Str("user", string(key.User)).Uint("room", uint(key.Room)).Msg("bound session")
	return ok
}

// Unbind removes key only while it still maps to lobby, so a replaced
// session cannot unbind its successor.
func (r *Registry) Unbind(key SessionKey, lobby *LobbyController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[key]; ok && e.Lobby == lobby {
		delete(r.sessions, key)
		log.Info().Str("module", "app.registry").Str("user", string(key.User)).Uint("room", uint(key.Room)).Msg("unbind session")
	}
}

func (r *Registry) Get(key SessionKey) (*LobbyController, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	return e.Lobby, true
}

// Leave makes the live session under key give up its seat and ends it.
// It reports false when no session is bound to key.
func (r *Registry) Leave(ctx context.Context, key SessionKey) (bool, error) {
	r.mu.RLock()
	e, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok || e.Lobby == nil {
		return false, nil
	}
	if err := e.Lobby.Leave(ctx); err != nil {
		if errors.Is(err, ErrControllerClosed) {
			return false, nil
		}
		return true, err
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll ends every session and waits until each lobby has said
// goodbye and released its subscriptions, or ctx is done.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg conc.WaitGroup
	for _, e := range entries {
		if e.Cancel != nil {
			e.Cancel()
		}
		if e.Lobby != nil {
			wg.Go(e.Lobby.Close)
		}
	}
	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()

	select {
	case <-closed:
		log.Info().Str("module", "app.registry").Int("sessions", len(entries)).Msg("closed all sessions")
		return nil
	case <-ctx.Done():
		log.Warn().Str("module", "app.registry").Int("sessions", len(entries)).Msg("sessions still closing at deadline")
		return ctx.Err()
	}
}
