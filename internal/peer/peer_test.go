package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opentriiva/opentriiva/internal/protocol"
	"github.com/opentriiva/opentriiva/internal/rtc"
	"github.com/opentriiva/opentriiva/internal/signaling"
	"github.com/opentriiva/opentriiva/internal/store"
)

func newRendezvous(t *testing.T) (*signaling.Client, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	signaling.NewServer(store.NewMemory()).Mount(r)
	srv := httptest.NewServer(r)
	return signaling.NewClient(srv.URL), srv.Close
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestHostAndPlayerConnect(t *testing.T) {
	client, closeSrv := newRendezvous(t)
	defer closeSrv()
	net := rtc.NewLoopback()

	ctx := context.Background()
	roomID, hostToken, err := client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	host := NewHostManager(client, net, roomID, hostToken,
		WithHostPollIntervals(25*time.Millisecond, 25*time.Millisecond))
	host.Start(ctx)
	defer host.Stop()

	player := NewPlayerManager(client, net, roomID, "Alice",
		WithPlayerPollInterval(25*time.Millisecond))
	if err := player.Start(ctx); err != nil {
		t.Fatalf("player start: %v", err)
	}
	defer player.Stop()

	joined := waitEvent(t, host.Events(), EventPlayerJoined)
	if joined.PlayerID != player.PlayerID() {
		t.Fatalf("joined event for %s, expected %s", joined.PlayerID, player.PlayerID())
	}
	if joined.Nickname != "Alice" {
		t.Fatalf("expected nickname Alice, got %q", joined.Nickname)
	}
	waitEvent(t, player.Events(), EventConnected)

	if got := host.ConnectedPlayers(); len(got) != 1 || got[0] != player.PlayerID() {
		t.Fatalf("unexpected connected players: %v", got)
	}
}

func TestMessagesFlowBothWays(t *testing.T) {
	client, closeSrv := newRendezvous(t)
	defer closeSrv()
	net := rtc.NewLoopback()

	ctx := context.Background()
	roomID, hostToken, err := client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	host := NewHostManager(client, net, roomID, hostToken,
		WithHostPollIntervals(25*time.Millisecond, 25*time.Millisecond))
	host.Start(ctx)
	defer host.Stop()

	player := NewPlayerManager(client, net, roomID, "Bob",
		WithPlayerPollInterval(25*time.Millisecond))
	if err := player.Start(ctx); err != nil {
		t.Fatalf("player start: %v", err)
	}
	defer player.Stop()

	waitEvent(t, host.Events(), EventPlayerJoined)
	waitEvent(t, player.Events(), EventConnected)

	// Player to host.
	up, err := protocol.Encode(protocol.TypeAnswerSubmit, protocol.AnswerSubmit{
		PlayerID: player.PlayerID(), QuestionID: "q1", ChoiceID: "b", TimeMs: 1200,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := player.Send(up); err != nil {
		t.Fatalf("player send: %v", err)
	}
	got := waitEvent(t, host.Events(), EventMessage)
	if got.Message.T != protocol.TypeAnswerSubmit {
		t.Fatalf("expected answer.submit, got %s", got.Message.T)
	}
	var submit protocol.AnswerSubmit
	if err := got.Message.DecodePayload(&submit); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if submit.ChoiceID != "b" || submit.TimeMs != 1200 {
		t.Fatalf("unexpected payload: %+v", submit)
	}

	// Host to player, addressed and broadcast.
	down, err := protocol.Encode(protocol.TypeAnswerAck, protocol.AnswerAck{Accepted: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := host.Send(player.PlayerID(), down); err != nil {
		t.Fatalf("host send: %v", err)
	}
	if got := waitEvent(t, player.Events(), EventMessage); got.Message.T != protocol.TypeAnswerAck {
		t.Fatalf("expected answer.ack, got %s", got.Message.T)
	}

	lock, err := protocol.Encode(protocol.TypeQuestionLock, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	host.Broadcast(lock)
	if got := waitEvent(t, player.Events(), EventMessage); got.Message.T != protocol.TypeQuestionLock {
		t.Fatalf("expected question.lock, got %s", got.Message.T)
	}
}

func TestPlayerDepartureSurfacesOnHost(t *testing.T) {
	client, closeSrv := newRendezvous(t)
	defer closeSrv()
	net := rtc.NewLoopback()

	ctx := context.Background()
	roomID, hostToken, err := client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	host := NewHostManager(client, net, roomID, hostToken,
		WithHostPollIntervals(25*time.Millisecond, 25*time.Millisecond))
	host.Start(ctx)
	defer host.Stop()

	player := NewPlayerManager(client, net, roomID, "Cara",
		WithPlayerPollInterval(25*time.Millisecond))
	if err := player.Start(ctx); err != nil {
		t.Fatalf("player start: %v", err)
	}

	waitEvent(t, host.Events(), EventPlayerJoined)
	waitEvent(t, player.Events(), EventConnected)

	player.Stop()

	left := waitEvent(t, host.Events(), EventPlayerLeft)
	if left.PlayerID != player.PlayerID() {
		t.Fatalf("left event for %s, expected %s", left.PlayerID, player.PlayerID())
	}
	if got := host.ConnectedPlayers(); len(got) != 0 {
		t.Fatalf("expected no connected players, got %v", got)
	}
}

// unreadyConn rejects the first candidate apply, the way a transport does
// when the remote description has not been applied yet.
type unreadyConn struct {
	rtc.Conn
	mu    sync.Mutex
	fails int
}

func (c *unreadyConn) AddCandidate(cand string) error {
	c.mu.Lock()
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		return errors.New("remote description not applied")
	}
	c.mu.Unlock()
	return c.Conn.AddCandidate(cand)
}

type unreadyDialer struct {
	inner rtc.Dialer
}

func (d *unreadyDialer) NewConn() (rtc.Conn, error) {
	conn, err := d.inner.NewConn()
	if err != nil {
		return nil, err
	}
	return &unreadyConn{Conn: conn, fails: 1}, nil
}

func TestCandidateRetriedAfterFailedApply(t *testing.T) {
	client, closeSrv := newRendezvous(t)
	defer closeSrv()
	// Each side emits a single candidate, so losing one to a transient
	// apply failure would leave the negotiation stuck forever. The cursor
	// must hold position and retry on the next poll.
	net := &unreadyDialer{inner: rtc.NewLoopback()}

	ctx := context.Background()
	roomID, hostToken, err := client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	host := NewHostManager(client, net, roomID, hostToken,
		WithHostPollIntervals(25*time.Millisecond, 25*time.Millisecond))
	host.Start(ctx)
	defer host.Stop()

	player := NewPlayerManager(client, net, roomID, "Fay",
		WithPlayerPollInterval(25*time.Millisecond))
	if err := player.Start(ctx); err != nil {
		t.Fatalf("player start: %v", err)
	}
	defer player.Stop()

	waitEvent(t, host.Events(), EventPlayerJoined)
	waitEvent(t, player.Events(), EventConnected)
}

func TestTwoPlayersIndependentChannels(t *testing.T) {
	client, closeSrv := newRendezvous(t)
	defer closeSrv()
	net := rtc.NewLoopback()

	ctx := context.Background()
	roomID, hostToken, err := client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	host := NewHostManager(client, net, roomID, hostToken,
		WithHostPollIntervals(25*time.Millisecond, 25*time.Millisecond))
	host.Start(ctx)
	defer host.Stop()

	p1 := NewPlayerManager(client, net, roomID, "Dana", WithPlayerPollInterval(25*time.Millisecond))
	if err := p1.Start(ctx); err != nil {
		t.Fatalf("p1 start: %v", err)
	}
	defer p1.Stop()
	p2 := NewPlayerManager(client, net, roomID, "Eli", WithPlayerPollInterval(25*time.Millisecond))
	if err := p2.Start(ctx); err != nil {
		t.Fatalf("p2 start: %v", err)
	}
	defer p2.Stop()

	waitEvent(t, host.Events(), EventPlayerJoined)
	waitEvent(t, host.Events(), EventPlayerJoined)
	waitEvent(t, p1.Events(), EventConnected)
	waitEvent(t, p2.Events(), EventConnected)

	// An addressed send reaches only its target.
	ack, err := protocol.Encode(protocol.TypeAnswerAck, protocol.AnswerAck{Accepted: false})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := host.Send(p1.PlayerID(), ack); err != nil {
		t.Fatalf("host send: %v", err)
	}
	waitEvent(t, p1.Events(), EventMessage)
	select {
	case ev := <-p2.Events():
		t.Fatalf("p2 unexpectedly received %s", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}
