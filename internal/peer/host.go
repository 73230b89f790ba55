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

const (
	defaultOfferPoll     = time.Second
	defaultCandidatePoll = 500 * time.Millisecond
)

// HostManager answers incoming player offers and owns one connection per
// player. It keeps polling for new offers for the lifetime of the match, so
// players can join or rejoin at any point.
type HostManager struct {
	client    *signaling.Client
	dialer    rtc.Dialer
	roomID    string
	hostToken string

	offerPoll     time.Duration
	candidatePoll time.Duration

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*hostPeer
}

type hostPeer struct {
	playerID   string
	nickname   string
	conn       rtc.Conn
	channel    rtc.Channel
	candCursor int
	connected  bool
	lastOffer  string
}

type HostOption func(*HostManager)

// WithHostPollIntervals overrides the offer and candidate polling cadence.
func WithHostPollIntervals(offer, candidate time.Duration) HostOption {
	return func(h *HostManager) {
		h.offerPoll = offer
		h.candidatePoll = candidate
	}
}

func NewHostManager(client *signaling.Client, dialer rtc.Dialer, roomID, hostToken string, opts ...HostOption) *HostManager {
	h := &HostManager{
		client:        client,
		dialer:        dialer,
		roomID:        roomID,
		hostToken:     hostToken,
		offerPoll:     defaultOfferPoll,
		candidatePoll: defaultCandidatePoll,
		events:        make(chan Event, 64),
		peers:         make(map[string]*hostPeer),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HostManager) Events() <-chan Event { return h.events }

func (h *HostManager) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run()
}

// Stop halts polling and tears down every player connection.
func (h *HostManager) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	peers := make([]*hostPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (h *HostManager) run() {
	defer h.wg.Done()
	offers := time.NewTicker(h.offerPoll)
	candidates := time.NewTicker(h.candidatePoll)
	defer offers.Stop()
	defer candidates.Stop()

	// One goroutine drives both polls, so a slow round trip simply delays
	// the next tick instead of piling up requests.
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-offers.C:
			h.pollOffers()
		case <-candidates.C:
			h.pollCandidates()
		}
	}
}

func (h *HostManager) pollOffers() {
	players, err := h.client.ListPlayers(h.ctx, h.roomID, h.hostToken)
	if err != nil {
		log.Debug().Err(err).Str("roomId", h.roomID).Msg("offer poll failed")
		return
	}
	for _, p := range players {
		if !p.HasOffer {
			continue
		}
		h.mu.Lock()
		peer, known := h.peers[p.PlayerID]
		connected := known && peer.connected
		h.mu.Unlock()
		if connected {
			continue
		}
		if err := h.answerOffer(p.PlayerID, p.Nickname); err != nil {
			log.Warn().Err(err).Str("playerId", p.PlayerID).Msg("failed to answer offer")
		}
	}
}

// answerOffer runs one negotiation: apply the player's offer, publish an
// answer and start relaying candidates both ways.
func (h *HostManager) answerOffer(playerID, nickname string) error {
	offer, err := h.client.GetOffer(h.ctx, h.roomID, playerID, h.hostToken)
	if err != nil {
		return err
	}

	// A known peer with an unchanged offer is either mid-negotiation or
	// defunct; only a republished offer restarts it.
	h.mu.Lock()
	if old := h.peers[playerID]; old != nil && old.lastOffer == offer {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	h.dropPeer(playerID)

	conn, err := h.dialer.NewConn()
	if err != nil {
		return err
	}

	peer := &hostPeer{playerID: playerID, nickname: nickname, conn: conn, lastOffer: offer}
	h.mu.Lock()
	h.peers[playerID] = peer
	h.mu.Unlock()

	conn.OnCandidate(func(cand string) {
		err := h.client.PublishCandidate(h.ctx, h.roomID, playerID, wrapCandidate(originHost, cand), "", h.hostToken)
		if err != nil {
			log.Debug().Err(err).Str("playerId", playerID).Msg("failed to publish host candidate")
		}
	})
	conn.OnDataChannel(func(ch rtc.Channel) {
		h.adoptChannel(peer, ch)
	})

	if err := conn.SetRemoteDescription(offer); err != nil {
		h.dropPeer(playerID)
		return err
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		h.dropPeer(playerID)
		return err
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		h.dropPeer(playerID)
		return err
	}
	if err := h.client.PublishAnswer(h.ctx, h.roomID, playerID, answer, h.hostToken); err != nil {
		h.dropPeer(playerID)
		return err
	}
	log.Info().Str("roomId", h.roomID).Str("playerId", playerID).Msg("answered player offer")
	return nil
}

func (h *HostManager) adoptChannel(peer *hostPeer, ch rtc.Channel) {
	h.mu.Lock()
	peer.channel = ch
	h.mu.Unlock()

	ch.OnOpen(func() {
		h.mu.Lock()
		peer.connected = true
		h.mu.Unlock()
		h.emit(Event{Type: EventPlayerJoined, PlayerID: peer.playerID, Nickname: peer.nickname})
	})
	ch.OnMessage(func(data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("playerId", peer.playerID).Msg("dropped malformed message")
			return
		}
		h.emit(Event{Type: EventMessage, PlayerID: peer.playerID, Nickname: peer.nickname, Message: msg})
	})
	ch.OnClose(func() {
		h.mu.Lock()
		wasConnected := peer.connected
		peer.connected = false
		h.mu.Unlock()
		if wasConnected {
			h.emit(Event{Type: EventPlayerLeft, PlayerID: peer.playerID, Nickname: peer.nickname})
		}
	})
}

func (h *HostManager) pollCandidates() {
	byPlayer, err := h.client.CandidatesByPlayer(h.ctx, h.roomID, h.hostToken)
	if err != nil {
		log.Debug().Err(err).Str("roomId", h.roomID).Msg("candidate poll failed")
		return
	}

	h.mu.Lock()
	peers := make([]*hostPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		list := byPlayer[peer.playerID]
		h.mu.Lock()
		cursor := peer.candCursor
		h.mu.Unlock()
		for ; cursor < len(list); cursor++ {
			origin, data, ok := unwrapCandidate(list[cursor])
			if !ok || origin != originPlayer {
				continue
			}
			// A failed apply keeps the cursor in place so the next poll
			// retries the same candidate.
			if err := peer.conn.AddCandidate(data); err != nil {
				log.Debug().Err(err).Str("playerId", peer.playerID).Msg("failed to apply candidate")
				break
			}
		}
		h.mu.Lock()
		peer.candCursor = cursor
		h.mu.Unlock()
	}
}

func (h *HostManager) dropPeer(playerID string) {
	h.mu.Lock()
	peer := h.peers[playerID]
	delete(h.peers, playerID)
	h.mu.Unlock()
	if peer != nil {
		_ = peer.conn.Close()
	}
}

// Send delivers an encoded message to one player. Returns
// rtc.ErrChannelNotOpen when the player has no open channel.
func (h *HostManager) Send(playerID string, data []byte) error {
	h.mu.Lock()
	peer := h.peers[playerID]
	var ch rtc.Channel
	if peer != nil {
		ch = peer.channel
	}
	h.mu.Unlock()
	if ch == nil {
		return rtc.ErrChannelNotOpen
	}
	return ch.Send(data)
}

// Broadcast sends to every connected player; undeliverable peers are skipped.
func (h *HostManager) Broadcast(data []byte) {
	h.mu.Lock()
	channels := make([]rtc.Channel, 0, len(h.peers))
	for _, p := range h.peers {
		if p.connected && p.channel != nil {
			channels = append(channels, p.channel)
		}
	}
	h.mu.Unlock()
	for _, ch := range channels {
		if err := ch.Send(data); err != nil {
			log.Debug().Err(err).Msg("broadcast send failed")
		}
	}
}

func (h *HostManager) ConnectedPlayers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.peers))
	for id, p := range h.peers {
		if p.connected {
			out = append(out, id)
		}
	}
	return out
}

func (h *HostManager) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}
