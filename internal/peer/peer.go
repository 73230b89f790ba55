// Package peer runs the connection lifecycles on both sides of a match. The
// host manager polls the rendezvous for player offers and answers each one;
// the player manager publishes its offer and polls for the host's answer.
// Once a data channel opens, everything that happens on it is surfaced as
// events on a channel, so consumers never run game logic inside transport
// callbacks.
package peer

import (
	"encoding/json"

	"github.com/opentriiva/opentriiva/internal/protocol"
)

type EventType string

const (
	// Host-side events.
	EventPlayerJoined EventType = "player.joined"
	EventPlayerLeft   EventType = "player.left"

	// Player-side events.
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"

	// Both sides.
	EventMessage EventType = "message"
)

// Event is one occurrence handed off from the transport to the consumer.
// PlayerID is set on host-side events; Message only on EventMessage.
type Event struct {
	Type     EventType
	PlayerID string
	Nickname string
	Message  *protocol.Message
}

// The rendezvous keeps a single candidate queue per player that both sides
// append to, so each candidate carries its origin and readers skip their own.
type candidateEnvelope struct {
	From string `json:"from"`
	Data string `json:"data"`
}

const (
	originHost   = "host"
	originPlayer = "player"
)

func wrapCandidate(origin, data string) string {
	buf, _ := json.Marshal(candidateEnvelope{From: origin, Data: data})
	return string(buf)
}

func unwrapCandidate(raw string) (origin, data string, ok bool) {
	var env candidateEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", "", false
	}
	return env.From, env.Data, true
}
