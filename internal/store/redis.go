package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisUpdateRetries = 5

// Redis is the external TTL-capable backend. One JSON value per room under
// session:<roomId>; read-modify-write cycles are serialized with WATCH so
// concurrent candidate appends to the same room never lose updates.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: SessionTTL}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func sessionKey(roomID string) string {
	return "session:" + roomID
}

func (r *Redis) CreateSession(ctx context.Context) (string, string, error) {
	roomID := NewRoomID()
	hostToken := NewToken()
	s := &Session{
		RoomID:    roomID,
		HostToken: hostToken,
		CreatedAt: time.Now().UTC(),
		Players:   make(map[string]*PlayerConn),
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return "", "", err
	}
	if err := r.client.Set(ctx, sessionKey(roomID), buf, r.ttl).Err(); err != nil {
		return "", "", fmt.Errorf("save session: %w", err)
	}
	return roomID, hostToken, nil
}

func (r *Redis) GetSession(ctx context.Context, roomID string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Players == nil {
		s.Players = make(map[string]*PlayerConn)
	}
	return &s, nil
}

func (r *Redis) SetPlayerOffer(ctx context.Context, roomID, playerID, nickname, offer string) (string, error) {
	var token string
	err := r.update(ctx, roomID, func(s *Session) error {
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
		token = p.Token
		return nil
	})
	return token, err
}

func (r *Redis) SetPlayerAnswer(ctx context.Context, roomID, playerID, answer string) error {
	return r.update(ctx, roomID, func(s *Session) error {
		if p := s.Players[playerID]; p != nil {
			p.Answer = answer
		}
		return nil
	})
}

func (r *Redis) AddCandidate(ctx context.Context, roomID, playerID, candidate string) error {
	return r.update(ctx, roomID, func(s *Session) error {
		p := s.Players[playerID]
		if p == nil {
			p = newPlayer(playerID)
			s.Players[playerID] = p
		}
		p.Candidates = append(p.Candidates, candidate)
		return nil
	})
}

func (r *Redis) GetPlayer(ctx context.Context, roomID, playerID string) (*PlayerConn, error) {
	s, err := r.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	p := s.Players[playerID]
	if p == nil {
		return nil, ErrPlayerNotFound
	}
	return p, nil
}

func (r *Redis) GetPlayerList(ctx context.Context, roomID string) ([]PlayerSummary, error) {
	s, err := r.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return summarize(s), nil
}

func (r *Redis) update(ctx context.Context, roomID string, mutate func(*Session) error) error {
	key := sessionKey(roomID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var s Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if s.Players == nil {
			s.Players = make(map[string]*PlayerConn)
		}
		if err := mutate(&s); err != nil {
			return err
		}
		buf, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, r.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("session %s: too many concurrent updates", roomID)
}
