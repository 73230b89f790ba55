package game

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/opentriiva/opentriiva/internal/pack"
)

var ErrInvalidPhase = errors.New("invalid phase for action")

// AnswerGrace absorbs network and delivery latency: a submission may
// report up to this much over the question time limit and still be
// recorded (at zero points once past the limit).
const AnswerGrace = time.Second

// Machine is the host-owned, authoritative game state. It sequences match
// phases, accepts answer submissions and computes time-decayed scores. One
// instance per match; safe for use from the host's timers and the peer
// message handler.
type Machine struct {
	mu sync.Mutex

	phase         Phase
	players       []Player
	settings      Settings
	questions     []pack.Question
	currentIndex  int
	questionStart time.Time
	answers       map[string][]string
	scores        map[string]int
	locked        bool

	now func() time.Time
}

func NewMachine(settings Settings) *Machine {
	if settings.QuestionTimeLimit <= 0 {
		settings.QuestionTimeLimit = DefaultSettings().QuestionTimeLimit
	}
	return &Machine{
		phase:    PhaseIdle,
		settings: settings,
		answers:  make(map[string][]string),
		scores:   make(map[string]int),
		now:      time.Now,
	}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Machine) SetQuestions(questions []pack.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append([]pack.Question(nil), questions...)
}

func (m *Machine) AddPlayer(id, nickname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.players {
		if m.players[i].ID == id {
			m.players[i].Connected = true
			if nickname != "" {
				m.players[i].Nickname = nickname
			}
			return
		}
	}
	m.players = append(m.players, Player{ID: id, Nickname: nickname, Connected: true})
	if _, ok := m.scores[id]; !ok {
		m.scores[id] = 0
	}
}

func (m *Machine) RemovePlayer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.players {
		if m.players[i].ID == id {
			m.players = append(m.players[:i], m.players[i+1:]...)
			return
		}
	}
}

func (m *Machine) SetPlayerReady(id string, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.players {
		if m.players[i].ID == id {
			m.players[i].Ready = ready
			return
		}
	}
}

// SetPlayerConnected keeps the roster entry so late results still count;
// disconnected players simply stop being waited on for auto-reveal.
func (m *Machine) SetPlayerConnected(id string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.players {
		if m.players[i].ID == id {
			m.players[i].Connected = connected
			return
		}
	}
}

func (m *Machine) Players() []Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Player(nil), m.players...)
}

func (m *Machine) ConnectedPlayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.players {
		if p.Connected {
			n++
		}
	}
	return n
}

func (m *Machine) OpenLobby() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseIdle {
		return ErrInvalidPhase
	}
	m.phase = PhaseLobby
	return nil
}

// StartGame shuffles per settings, zeroes every current player's score and
// enters the pre-question countdown.
func (m *Machine) StartGame() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseIdle && m.phase != PhaseLobby {
		return ErrInvalidPhase
	}
	if m.settings.ShuffleQuestions {
		rand.Shuffle(len(m.questions), func(i, j int) {
			m.questions[i], m.questions[j] = m.questions[j], m.questions[i]
		})
	}
	if m.settings.ShuffleChoices {
		for qi := range m.questions {
			choices := append([]pack.Choice(nil), m.questions[qi].Choices...)
			rand.Shuffle(len(choices), func(i, j int) {
				choices[i], choices[j] = choices[j], choices[i]
			})
			m.questions[qi].Choices = choices
		}
	}
	m.scores = make(map[string]int, len(m.players))
	for _, p := range m.players {
		m.scores[p.ID] = 0
	}
	m.currentIndex = 0
	m.phase = PhaseCountdown
	return nil
}

// ShowQuestion opens the answer window for the current question.
func (m *Machine) ShowQuestion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseCountdown {
		return ErrInvalidPhase
	}
	if m.currentIndex >= len(m.questions) {
		return ErrInvalidPhase
	}
	m.questionStart = m.now()
	m.answers = make(map[string][]string)
	m.locked = false
	m.phase = PhaseQuestion
	return nil
}

// SubmitAnswer records a player's choice and scores it. The boolean result
// is an accept/reject signal, not an error: rejection is an expected
// outcome the caller acknowledges back to the submitting peer.
func (m *Machine) SubmitAnswer(playerID, questionID string, choiceIDs []string, timeMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseQuestion || m.locked {
		return false
	}
	if m.currentIndex >= len(m.questions) {
		return false
	}
	q := m.questions[m.currentIndex]
	if questionID != "" && questionID != q.ID {
		return false
	}
	if _, answered := m.answers[playerID]; answered {
		return false
	}
	limitMs := m.settings.QuestionTimeLimit.Milliseconds()
	if timeMs < 0 || timeMs > limitMs+AnswerGrace.Milliseconds() {
		return false
	}

	m.answers[playerID] = append([]string(nil), choiceIDs...)

	correct := false
	for _, id := range choiceIDs {
		if id == q.Answer.ChoiceID {
			correct = true
			break
		}
	}
	if correct {
		m.scores[playerID] += decayScore(limitMs, timeMs)
	}
	return true
}

// decayScore awards 1000 at instant answers, fading linearly to 0 at the
// time limit.
func decayScore(limitMs, timeMs int64) int {
	frac := float64(limitMs-timeMs) / float64(limitMs)
	if frac < 0 {
		frac = 0
	}
	return int(math.Round(1000 * frac))
}

// LockQuestion freezes submissions without changing phase.
func (m *Machine) LockQuestion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = true
}

func (m *Machine) RevealAnswer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseQuestion {
		return ErrInvalidPhase
	}
	m.locked = true
	m.phase = PhaseReveal
	return nil
}

// ShowLeaderboard is the post-reveal interlude when enabled and more
// questions remain.
func (m *Machine) ShowLeaderboard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReveal {
		return ErrInvalidPhase
	}
	m.phase = PhaseLeaderboard
	return nil
}

// NextQuestion advances the cursor; exhaustion ends the match, otherwise
// the machine parks in intermission until the next countdown begins.
func (m *Machine) NextQuestion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReveal && m.phase != PhaseLeaderboard && m.phase != PhaseIntermission {
		return ErrInvalidPhase
	}
	m.currentIndex++
	if m.currentIndex >= len(m.questions) {
		m.phase = PhaseEnded
		return nil
	}
	m.phase = PhaseIntermission
	return nil
}

func (m *Machine) BeginCountdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseIntermission {
		return ErrInvalidPhase
	}
	m.phase = PhaseCountdown
	return nil
}

// EndGame forces the match over from any phase.
func (m *Machine) EndGame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseEnded
}

// Reset restores the initial empty state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseIdle
	m.players = nil
	m.questions = nil
	m.currentIndex = 0
	m.questionStart = time.Time{}
	m.answers = make(map[string][]string)
	m.scores = make(map[string]int)
	m.locked = false
}

func (m *Machine) CurrentQuestion() (pack.Question, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentIndex >= len(m.questions) {
		return pack.Question{}, false
	}
	return m.questions[m.currentIndex], true
}

func (m *Machine) QuestionIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentIndex
}

func (m *Machine) QuestionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.questions)
}

func (m *Machine) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Machine) Scores() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.scores))
	for id, s := range m.scores {
		out[id] = s
	}
	return out
}

func (m *Machine) Answers() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.answers))
	for id, a := range m.answers {
		out[id] = append([]string(nil), a...)
	}
	return out
}

func (m *Machine) AnswerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.answers)
}

// Leaderboard returns all known players ordered by score descending.
func (m *Machine) Leaderboard() []LeaderboardEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LeaderboardEntry, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, LeaderboardEntry{ID: p.ID, Nickname: p.Nickname, Score: m.scores[p.ID]})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Results reports per-player correctness and cumulative score for the
// current question, covering everyone on the roster plus anyone who
// answered and left.
func (m *Machine) Results() map[string]PlayerResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentIndex >= len(m.questions) {
		return nil
	}
	q := m.questions[m.currentIndex]

	ids := make(map[string]bool, len(m.players)+len(m.answers))
	for _, p := range m.players {
		ids[p.ID] = true
	}
	for id := range m.answers {
		ids[id] = true
	}

	out := make(map[string]PlayerResult, len(ids))
	for id := range ids {
		correct := false
		for _, choice := range m.answers[id] {
			if choice == q.Answer.ChoiceID {
				correct = true
				break
			}
		}
		out[id] = PlayerResult{Correct: correct, Score: m.scores[id]}
	}
	return out
}

// ChoiceStats tallies the first selected choice of each submission into
// per-choice counts and integer percentages of everyone who answered.
func (m *Machine) ChoiceStats() map[string]ChoiceStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentIndex >= len(m.questions) {
		return nil
	}
	q := m.questions[m.currentIndex]

	stats := make(map[string]ChoiceStat, len(q.Choices))
	for _, c := range q.Choices {
		stats[c.ID] = ChoiceStat{}
	}
	total := 0
	for _, choices := range m.answers {
		if len(choices) == 0 {
			continue
		}
		st, ok := stats[choices[0]]
		if !ok {
			continue
		}
		st.Count++
		stats[choices[0]] = st
		total++
	}
	if total > 0 {
		for id, st := range stats {
			st.Percent = int(math.Round(float64(st.Count) / float64(total) * 100))
			stats[id] = st
		}
	}
	return stats
}
