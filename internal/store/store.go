package store

import (
	"context"
	"crypto/rand"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPlayerNotFound  = errors.New("player not found")
)

// SessionTTL bounds storage growth; sessions vanish after this window.
const SessionTTL = 4 * time.Hour

const (
	roomIDLength  = 6
	tokenLength   = 32
	roomAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// PlayerConn holds the signaling state for one player in a room. Offer,
// answer and candidates are opaque blobs; the store never looks inside them.
type PlayerConn struct {
	PlayerID   string    `json:"playerId"`
	Nickname   string    `json:"nickname,omitempty"`
	Token      string    `json:"token,omitempty"`
	Offer      string    `json:"offer,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	Candidates []string  `json:"candidates"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Session struct {
	RoomID    string                 `json:"roomId"`
	HostToken string                 `json:"hostToken"`
	CreatedAt time.Time              `json:"createdAt"`
	Players   map[string]*PlayerConn `json:"players"`
}

type PlayerSummary struct {
	PlayerID       string `json:"playerId"`
	Nickname       string `json:"nickname,omitempty"`
	HasOffer       bool   `json:"hasOffer"`
	HasAnswer      bool   `json:"hasAnswer"`
	CandidateCount int    `json:"candidateCount"`
}

// Store persists signaling state per room. Implementations must serialize
// concurrent mutations to the same room; the protocol handler on top is
// responsible for authorization, the store performs writes unconditionally.
type Store interface {
	CreateSession(ctx context.Context) (roomID, hostToken string, err error)
	GetSession(ctx context.Context, roomID string) (*Session, error)
	// SetPlayerOffer creates the player record if absent and mints the
	// player token on the first offer. The token is returned on every call.
	SetPlayerOffer(ctx context.Context, roomID, playerID, nickname, offer string) (playerToken string, err error)
	SetPlayerAnswer(ctx context.Context, roomID, playerID, answer string) error
	// AddCandidate appends to the player's candidate queue, creating the
	// player record if needed: candidates may race ahead of the offer.
	AddCandidate(ctx context.Context, roomID, playerID, candidate string) error
	GetPlayer(ctx context.Context, roomID, playerID string) (*PlayerConn, error)
	GetPlayerList(ctx context.Context, roomID string) ([]PlayerSummary, error)
}

// NewRoomID returns a 6-character room code from an alphabet that excludes
// visually similar characters (no I, O, 0, 1).
func NewRoomID() string {
	return randomString(roomAlphabet, roomIDLength)
}

// NewToken returns a 32-character bearer token.
func NewToken() string {
	return randomString(tokenAlphabet, tokenLength)
}

func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("store: crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

func summarize(s *Session) []PlayerSummary {
	out := make([]PlayerSummary, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, PlayerSummary{
			PlayerID:       p.PlayerID,
			Nickname:       p.Nickname,
			HasOffer:       p.Offer != "",
			HasAnswer:      p.Answer != "",
			CandidateCount: len(p.Candidates),
		})
	}
	return out
}

func newPlayer(playerID string) *PlayerConn {
	return &PlayerConn{
		PlayerID:   playerID,
		Candidates: []string{},
		CreatedAt:  time.Now().UTC(),
	}
}
