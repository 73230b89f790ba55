package peer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opentriiva/opentriiva/internal/protocol"
	"github.com/opentriiva/opentriiva/internal/rtc"
	"github.com/opentriiva/opentriiva/internal/signaling"
)

// ChannelLabel is the single data channel a match runs over.
const ChannelLabel = "game"

// PlayerManager joins a room from the player side: it publishes an offer,
// polls for the host's answer, then relays candidates until the channel
// opens. The identity the rendezvous assigns on the first offer is kept for
// every later call.
type PlayerManager struct {
	client   *signaling.Client
	dialer   rtc.Dialer
	roomID   string
	nickname string

	pollInterval time.Duration

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	playerID    string
	playerToken string
	conn        rtc.Conn
	channel     rtc.Channel
	answered    bool
	candCursor  int
	pendingOut  []string
}

type PlayerOption func(*PlayerManager)

func WithPlayerPollInterval(d time.Duration) PlayerOption {
	return func(p *PlayerManager) { p.pollInterval = d }
}

func NewPlayerManager(client *signaling.Client, dialer rtc.Dialer, roomID, nickname string, opts ...PlayerOption) *PlayerManager {
	p := &PlayerManager{
		client:       client,
		dialer:       dialer,
		roomID:       roomID,
		nickname:     nickname,
		pollInterval: defaultCandidatePoll,
		events:       make(chan Event, 64),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PlayerManager) Events() <-chan Event { return p.events }

func (p *PlayerManager) PlayerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playerID
}

// Start publishes the offer and begins polling. It returns once the offer is
// accepted; connection progress arrives as events.
func (p *PlayerManager) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	conn, err := p.dialer.NewConn()
	if err != nil {
		return err
	}
	ch, err := conn.CreateDataChannel(ChannelLabel)
	if err != nil {
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.mu.Unlock()

	ch.OnOpen(func() {
		p.emit(Event{Type: EventConnected, PlayerID: p.PlayerID()})
	})
	ch.OnMessage(func(data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropped malformed message")
			return
		}
		p.emit(Event{Type: EventMessage, PlayerID: p.PlayerID(), Message: msg})
	})
	ch.OnClose(func() {
		p.emit(Event{Type: EventDisconnected, PlayerID: p.PlayerID()})
	})
	// Candidates can surface before the rendezvous has assigned an identity;
	// they queue until the run loop can publish them.
	conn.OnCandidate(func(cand string) {
		p.mu.Lock()
		p.pendingOut = append(p.pendingOut, cand)
		p.mu.Unlock()
	})

	offer, err := conn.CreateOffer()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		_ = conn.Close()
		return err
	}

	playerID, playerToken, err := p.client.PublishOffer(p.ctx, p.roomID, "", "", p.nickname, offer)
	if err != nil {
		_ = conn.Close()
		return err
	}
	p.mu.Lock()
	p.playerID = playerID
	p.playerToken = playerToken
	p.mu.Unlock()
	log.Info().Str("roomId", p.roomID).Str("playerId", playerID).Msg("offer published")

	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *PlayerManager) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *PlayerManager) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flushCandidates()
			p.pollAnswer()
			p.pollCandidates()
		}
	}
}

func (p *PlayerManager) flushCandidates() {
	p.mu.Lock()
	pending := p.pendingOut
	p.pendingOut = nil
	playerID, playerToken := p.playerID, p.playerToken
	p.mu.Unlock()

	for i, cand := range pending {
		err := p.client.PublishCandidate(p.ctx, p.roomID, playerID, wrapCandidate(originPlayer, cand), playerToken, "")
		if err != nil {
			log.Debug().Err(err).Msg("failed to publish candidate")
			// Requeue the rest so nothing is lost to a transient failure.
			p.mu.Lock()
			p.pendingOut = append(pending[i:], p.pendingOut...)
			p.mu.Unlock()
			return
		}
	}
}

func (p *PlayerManager) pollAnswer() {
	p.mu.Lock()
	done := p.answered
	playerID, playerToken := p.playerID, p.playerToken
	conn := p.conn
	p.mu.Unlock()
	if done {
		return
	}

	answer, err := p.client.GetAnswer(p.ctx, p.roomID, playerID, playerToken)
	if err != nil {
		log.Debug().Err(err).Msg("answer poll failed")
		return
	}
	if answer == "" {
		return
	}
	if err := conn.SetRemoteDescription(answer); err != nil {
		log.Warn().Err(err).Msg("failed to apply host answer")
		return
	}
	p.mu.Lock()
	p.answered = true
	p.mu.Unlock()
}

func (p *PlayerManager) pollCandidates() {
	p.mu.Lock()
	playerID, playerToken := p.playerID, p.playerToken
	cursor := p.candCursor
	conn := p.conn
	p.mu.Unlock()

	list, err := p.client.Candidates(p.ctx, p.roomID, playerID, playerToken, cursor)
	if err != nil {
		log.Debug().Err(err).Msg("candidate poll failed")
		return
	}
	for _, raw := range list {
		origin, data, ok := unwrapCandidate(raw)
		if ok && origin == originHost {
			// A failed apply keeps the cursor in place so the next poll
			// retries the same candidate.
			if err := conn.AddCandidate(data); err != nil {
				log.Debug().Err(err).Msg("failed to apply candidate")
				break
			}
		}
		cursor++
	}
	p.mu.Lock()
	p.candCursor = cursor
	p.mu.Unlock()
}

// Send delivers an encoded message to the host.
func (p *PlayerManager) Send(data []byte) error {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return rtc.ErrChannelNotOpen
	}
	return ch.Send(data)
}

func (p *PlayerManager) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}
