package store

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process fallback backend. A single mutex serializes all
// room mutations, which is the atomicity primitive the protocol layer
// relies on when two players write to the same room concurrently.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*Session),
		ttl:      SessionTTL,
		now:      time.Now,
	}
}

func (m *Memory) CreateSession(ctx context.Context) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID := NewRoomID()
	for m.sessions[roomID] != nil {
		roomID = NewRoomID()
	}
	hostToken := NewToken()
	m.sessions[roomID] = &Session{
		RoomID:    roomID,
		HostToken: hostToken,
		CreatedAt: m.now().UTC(),
		Players:   make(map[string]*PlayerConn),
	}
	return roomID, hostToken, nil
}

func (m *Memory) GetSession(ctx context.Context, roomID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live(roomID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *Memory) SetPlayerOffer(ctx context.Context, roomID, playerID, nickname, offer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live(roomID)
	if s == nil {
		return "", ErrSessionNotFound
	}
	p := s.Players[playerID]
	if p == nil {
		p = newPlayer(playerID)
		s.Players[playerID] = p
	}
	if p.Token == "" {
		p.Token = NewToken()
	}
	if nickname != "" {
		p.Nickname = nickname
	}
	p.Offer = offer
	return p.Token, nil
}

func (m *Memory) SetPlayerAnswer(ctx context.Context, roomID, playerID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live(roomID)
	if s == nil {
		return ErrSessionNotFound
	}
	if p := s.Players[playerID]; p != nil {
		p.Answer = answer
	}
	return nil
}

func (m *Memory) AddCandidate(ctx context.Context, roomID, playerID, candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live(roomID)
	if s == nil {
		return ErrSessionNotFound
	}
	p := s.Players[playerID]
	if p == nil {
		p = newPlayer(playerID)
		s.Players[playerID] = p
	}
	p.Candidates = append(p.Candidates, candidate)
	return nil
}

func (m *Memory) GetPlayer(ctx context.Context, roomID, playerID string) (*PlayerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live(roomID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	p := s.Players[playerID]
	if p == nil {
		return nil, ErrPlayerNotFound
	}
	return copyPlayer(p), nil
}

func (m *Memory) GetPlayerList(ctx context.Context, roomID string) ([]PlayerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live(roomID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return summarize(s), nil
}

// live returns the session if present and unexpired, dropping it lazily
// once the TTL window has passed. Callers must hold the mutex.
func (m *Memory) live(roomID string) *Session {
	s := m.sessions[roomID]
	if s == nil {
		return nil
	}
	if m.now().Sub(s.CreatedAt) > m.ttl {
		delete(m.sessions, roomID)
		return nil
	}
	return s
}

func copySession(s *Session) *Session {
	out := &Session{
		RoomID:    s.RoomID,
		HostToken: s.HostToken,
		CreatedAt: s.CreatedAt,
		Players:   make(map[string]*PlayerConn, len(s.Players)),
	}
	for id, p := range s.Players {
		out.Players[id] = copyPlayer(p)
	}
	return out
}

func copyPlayer(p *PlayerConn) *PlayerConn {
	cp := *p
	cp.Candidates = append([]string(nil), p.Candidates...)
	return &cp
}
