package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version of the data-channel message envelope.
const Version = 1

var (
	ErrVersionMismatch = errors.New("unsupported message version")
	ErrUnknownType     = errors.New("unknown message type")
)

type Type string

const (
	TypeRoomJoin          Type = "room.join"
	TypeRoomJoined        Type = "room.joined"
	TypeRoomLeave         Type = "room.leave"
	TypeLobbyUpdate       Type = "lobby.update"
	TypeGameStart         Type = "game.start"
	TypeGameEnd           Type = "game.end"
	TypeQuestionShow      Type = "question.show"
	TypeQuestionLock      Type = "question.lock"
	TypeQuestionReveal    Type = "question.reveal"
	TypeAnswerSubmit      Type = "answer.submit"
	TypeAnswerAck         Type = "answer.ack"
	TypeLeaderboardUpdate Type = "leaderboard.update"
)

var knownTypes = map[Type]bool{
	TypeRoomJoin:          true,
	TypeRoomJoined:        true,
	TypeRoomLeave:         true,
	TypeLobbyUpdate:       true,
	TypeGameStart:         true,
	TypeGameEnd:           true,
	TypeQuestionShow:      true,
	TypeQuestionLock:      true,
	TypeQuestionReveal:    true,
	TypeAnswerSubmit:      true,
	TypeAnswerAck:         true,
	TypeLeaderboardUpdate: true,
}

// Message is the envelope for every host<->player data-channel exchange.
// The payload stays raw until the consumer dispatches on T.
type Message struct {
	V       int             `json:"v"`
	T       Type            `json:"t"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a typed payload in a fresh envelope.
func Encode(t Type, payload any) ([]byte, error) {
	if !knownTypes[t] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	var raw json.RawMessage
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = buf
	}
	return json.Marshal(Message{
		V:       Version,
		T:       t,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	})
}

// Decode parses an envelope and validates version and type tag before the
// payload is interpreted.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.V != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersionMismatch, m.V)
	}
	if !knownTypes[m.T] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, m.T)
	}
	return &m, nil
}

func (m *Message) DecodePayload(into any) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	return json.Unmarshal(m.Payload, into)
}

type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionShow never includes the correct answer.
type QuestionShow struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Choices    []Choice `json:"choices"`
	DurationMs int64    `json:"durationMs"`
}

type AnswerSubmit struct {
	PlayerID   string `json:"playerId"`
	QuestionID string `json:"questionId"`
	ChoiceID   string `json:"choiceId"`
	TimeMs     int64  `json:"timeMs"`
}

type AnswerAck struct {
	Accepted bool `json:"accepted"`
}

type PlayerResult struct {
	Correct bool `json:"correct"`
	Score   int  `json:"score"`
}

type ChoiceStat struct {
	Count   int `json:"count"`
	Percent int `json:"percent"`
}

type QuestionReveal struct {
	CorrectChoiceID string                  `json:"correctChoiceId"`
	ResultsByPlayer map[string]PlayerResult `json:"resultsByPlayer"`
	ChoiceStats     map[string]ChoiceStat   `json:"choiceStats"`
}

type LeaderboardEntry struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

type LeaderboardUpdate struct {
	Entries []LeaderboardEntry `json:"entries"`
}

type RoomJoin struct {
	Nickname string `json:"nickname"`
}

type RoomJoined struct {
	PlayerID string `json:"playerId"`
}

type LobbyPlayer struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	Ready     bool   `json:"ready"`
	Connected bool   `json:"connected"`
}

type LobbyUpdate struct {
	Players []LobbyPlayer `json:"players"`
}

type GameStart struct {
	QuestionCount       int   `json:"questionCount"`
	QuestionTimeLimitMs int64 `json:"questionTimeLimitMs"`
}
