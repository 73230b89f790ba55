// Package match drives a full game on the host: it consumes peer events,
// feeds submissions to the state machine and broadcasts every phase change
// to the players.
package match

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opentriiva/opentriiva/internal/game"
	"github.com/opentriiva/opentriiva/internal/peer"
	"github.com/opentriiva/opentriiva/internal/protocol"
)

// Timing holds the pacing knobs between phases.
type Timing struct {
	// Countdown is the pause before each question is shown.
	Countdown time.Duration
	// Reveal is how long results stay up before the match advances.
	Reveal time.Duration
	// AllAnsweredGrace delays the early reveal once every connected player
	// has answered, batching submissions that arrive close together.
	AllAnsweredGrace time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Countdown:        3 * time.Second,
		Reveal:           3 * time.Second,
		AllAnsweredGrace: 400 * time.Millisecond,
	}
}

// Runner sequences one match. All state transitions happen on a single
// goroutine; timers and the public StartMatch call funnel through the same
// action queue as peer events.
type Runner struct {
	machine *game.Machine
	host    *peer.HostManager
	timing  Timing

	acts chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(machine *game.Machine, host *peer.HostManager, timing Timing) *Runner {
	return &Runner{
		machine: machine,
		host:    host,
		timing:  timing,
		acts:    make(chan func(), 16),
	}
}

// Run opens the lobby and processes events until the context ends.
func (r *Runner) Run(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	if err := r.machine.OpenLobby(); err != nil {
		log.Warn().Err(err).Msg("could not open lobby")
	}
	r.wg.Add(1)
	go r.loop()
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// StartMatch begins the game once the host decides the lobby is ready.
func (r *Runner) StartMatch() {
	r.post(r.startMatch)
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case act := <-r.acts:
			act()
		case ev := <-r.host.Events():
			r.handleEvent(ev)
		}
	}
}

func (r *Runner) post(act func()) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		// Posted before Run; the action queues until the loop starts.
		r.acts <- act
		return
	}
	select {
	case r.acts <- act:
	case <-ctx.Done():
	}
}

// after fires an action through the queue so it runs on the loop goroutine.
func (r *Runner) after(d time.Duration, act func()) {
	time.AfterFunc(d, func() { r.post(act) })
}

func (r *Runner) handleEvent(ev peer.Event) {
	switch ev.Type {
	case peer.EventPlayerJoined:
		r.machine.AddPlayer(ev.PlayerID, ev.Nickname)
		r.send(ev.PlayerID, protocol.TypeRoomJoined, protocol.RoomJoined{PlayerID: ev.PlayerID})
		r.broadcastLobby()
	case peer.EventPlayerLeft:
		r.machine.SetPlayerConnected(ev.PlayerID, false)
		r.broadcastLobby()
		// Departure can leave everyone remaining already answered.
		r.maybeRevealEarly()
	case peer.EventMessage:
		r.handleMessage(ev)
	}
}

func (r *Runner) handleMessage(ev peer.Event) {
	switch ev.Message.T {
	case protocol.TypeRoomJoin:
		var join protocol.RoomJoin
		if err := ev.Message.DecodePayload(&join); err == nil && join.Nickname != "" {
			r.machine.AddPlayer(ev.PlayerID, join.Nickname)
			r.broadcastLobby()
		}
		r.send(ev.PlayerID, protocol.TypeRoomJoined, protocol.RoomJoined{PlayerID: ev.PlayerID})
	case protocol.TypeRoomLeave:
		r.machine.SetPlayerConnected(ev.PlayerID, false)
		r.broadcastLobby()
		r.maybeRevealEarly()
	case protocol.TypeAnswerSubmit:
		var submit protocol.AnswerSubmit
		if err := ev.Message.DecodePayload(&submit); err != nil {
			log.Debug().Err(err).Str("playerId", ev.PlayerID).Msg("malformed submission")
			return
		}
		accepted := r.machine.SubmitAnswer(ev.PlayerID, submit.QuestionID, []string{submit.ChoiceID}, submit.TimeMs)
		r.send(ev.PlayerID, protocol.TypeAnswerAck, protocol.AnswerAck{Accepted: accepted})
		if accepted {
			r.maybeRevealEarly()
		}
	default:
		log.Debug().Str("type", string(ev.Message.T)).Msg("unexpected message from player")
	}
}

func (r *Runner) startMatch() {
	if err := r.machine.StartGame(); err != nil {
		log.Warn().Err(err).Msg("could not start game")
		return
	}
	r.broadcast(protocol.TypeGameStart, protocol.GameStart{
		QuestionCount:       r.machine.QuestionCount(),
		QuestionTimeLimitMs: r.machine.Settings().QuestionTimeLimit.Milliseconds(),
	})
	r.after(r.timing.Countdown, r.showQuestion)
}

func (r *Runner) showQuestion() {
	if err := r.machine.ShowQuestion(); err != nil {
		log.Warn().Err(err).Msg("could not show question")
		return
	}
	q, ok := r.machine.CurrentQuestion()
	if !ok {
		return
	}
	limit := r.machine.Settings().QuestionTimeLimit
	show := protocol.QuestionShow{
		ID:         q.ID,
		Prompt:     q.Prompt,
		DurationMs: limit.Milliseconds(),
	}
	for _, c := range q.Choices {
		show.Choices = append(show.Choices, protocol.Choice{ID: c.ID, Text: c.Text})
	}
	r.broadcast(protocol.TypeQuestionShow, show)

	// The answer window closes on whichever comes first: the time limit or
	// every connected player answering.
	idx := r.machine.QuestionIndex()
	r.after(limit, func() { r.reveal(idx) })
}

func (r *Runner) maybeRevealEarly() {
	if r.machine.Phase() != game.PhaseQuestion {
		return
	}
	connected := r.machine.ConnectedPlayerCount()
	if connected == 0 || r.machine.AnswerCount() < connected {
		return
	}
	idx := r.machine.QuestionIndex()
	r.after(r.timing.AllAnsweredGrace, func() { r.reveal(idx) })
}

// reveal closes question idx. Timers are armed per question and never
// cancelled, so a timer left over from an earlier question fires here after
// the match has moved on; the index check makes it a no-op.
func (r *Runner) reveal(idx int) {
	if r.machine.QuestionIndex() != idx {
		return
	}
	// Both the question timer and the all-answered path land here; only the
	// first one finds the machine still in the question phase.
	if err := r.machine.RevealAnswer(); err != nil {
		return
	}
	q, ok := r.machine.CurrentQuestion()
	if !ok {
		return
	}
	r.broadcast(protocol.TypeQuestionLock, nil)
	r.broadcast(protocol.TypeQuestionReveal, protocol.QuestionReveal{
		CorrectChoiceID: q.Answer.ChoiceID,
		ResultsByPlayer: toProtocolResults(r.machine.Results()),
		ChoiceStats:     toProtocolStats(r.machine.ChoiceStats()),
	})
	r.after(r.timing.Reveal, r.advance)
}

func (r *Runner) advance() {
	remaining := r.machine.QuestionIndex()+1 < r.machine.QuestionCount()
	if remaining && r.machine.Settings().ShowLeaderboard {
		if err := r.machine.ShowLeaderboard(); err == nil {
			r.broadcast(protocol.TypeLeaderboardUpdate, leaderboardPayload(r.machine.Leaderboard()))
		}
	}
	if err := r.machine.NextQuestion(); err != nil {
		log.Warn().Err(err).Msg("could not advance")
		return
	}
	if r.machine.Phase() == game.PhaseEnded {
		r.broadcast(protocol.TypeLeaderboardUpdate, leaderboardPayload(r.machine.Leaderboard()))
		r.broadcast(protocol.TypeGameEnd, nil)
		return
	}
	if err := r.machine.BeginCountdown(); err != nil {
		log.Warn().Err(err).Msg("could not begin countdown")
		return
	}
	r.after(r.timing.Countdown, r.showQuestion)
}

func (r *Runner) broadcastLobby() {
	players := r.machine.Players()
	update := protocol.LobbyUpdate{Players: make([]protocol.LobbyPlayer, 0, len(players))}
	for _, p := range players {
		update.Players = append(update.Players, protocol.LobbyPlayer{
			ID:        p.ID,
			Nickname:  p.Nickname,
			Ready:     p.Ready,
			Connected: p.Connected,
		})
	}
	r.broadcast(protocol.TypeLobbyUpdate, update)
}

func (r *Runner) send(playerID string, t protocol.Type, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("encode failed")
		return
	}
	if err := r.host.Send(playerID, data); err != nil {
		log.Debug().Err(err).Str("playerId", playerID).Msg("send failed")
	}
}

func (r *Runner) broadcast(t protocol.Type, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("encode failed")
		return
	}
	r.host.Broadcast(data)
}

func toProtocolResults(in map[string]game.PlayerResult) map[string]protocol.PlayerResult {
	out := make(map[string]protocol.PlayerResult, len(in))
	for id, v := range in {
		out[id] = protocol.PlayerResult{Correct: v.Correct, Score: v.Score}
	}
	return out
}

func toProtocolStats(in map[string]game.ChoiceStat) map[string]protocol.ChoiceStat {
	out := make(map[string]protocol.ChoiceStat, len(in))
	for id, v := range in {
		out[id] = protocol.ChoiceStat{Count: v.Count, Percent: v.Percent}
	}
	return out
}

func leaderboardPayload(entries []game.LeaderboardEntry) protocol.LeaderboardUpdate {
	out := protocol.LeaderboardUpdate{Entries: make([]protocol.LeaderboardEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, protocol.LeaderboardEntry{
			ID:       e.ID,
			Nickname: e.Nickname,
			Score:    e.Score,
		})
	}
	return out
}
