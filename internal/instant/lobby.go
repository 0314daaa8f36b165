package instant

import (
	"context"

	"peercounsel/pkg/lobby"
)

// LobbySource exposes a Coordinator to the counselor lobby.
type LobbySource struct {
	*Coordinator
}

// Lobby wraps c for lobby.NewHub.
func (c *Coordinator) Lobby() LobbySource {
	return LobbySource{Coordinator: c}
}

// Watch adapts a Watcher into a lobby feed.
func (s LobbySource) Watch(ctx context.Context, counselorID string) (lobby.Feed, error) {
	w, err := s.Coordinator.Watch(ctx, counselorID)
	if err != nil {
		return nil, err
	}
	f := &lobbyFeed{w: w, ch: make(chan lobby.Event, 16)}
	go f.run()
	return f, nil
}

type lobbyFeed struct {
	w  *Watcher
	ch chan lobby.Event
}

func (f *lobbyFeed) run() {
	defer close(f.ch)
	for u := range f.w.C() {
		ev := lobby.Event{Withdrawn: u.Kind == Withdrawn, Request: lobby.Request{SessionID: u.SessionID}}
		if u.Session != nil {
			ev.Request.ClientID = u.Session.ClientID
			ev.Request.CreatedAt = u.Session.CreatedAt
		}
		f.ch <- ev
	}
}

func (f *lobbyFeed) Events() <-chan lobby.Event { return f.ch }

// Close stops the watcher; Events is closed once pending updates drain.
func (f *lobbyFeed) Close() {
	go func() {
		for range f.ch {
		}
	}()
	f.w.Close()
}
