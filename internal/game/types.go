package game

import "time"

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseLobby        Phase = "lobby"
	PhaseCountdown    Phase = "countdown"
	PhaseQuestion     Phase = "question"
	PhaseReveal       Phase = "reveal"
	PhaseIntermission Phase = "intermission"
	PhaseLeaderboard  Phase = "leaderboard"
	PhaseEnded        Phase = "ended"
)

type Settings struct {
	QuestionTimeLimit time.Duration `json:"questionTimeLimit"`
	ShowLeaderboard   bool          `json:"showLeaderboard"`
	ShuffleQuestions  bool          `json:"shuffleQuestions"`
	ShuffleChoices    bool          `json:"shuffleChoices"`
}

func DefaultSettings() Settings {
	return Settings{
		QuestionTimeLimit: 20 * time.Second,
		ShowLeaderboard:   true,
	}
}

type Player struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	Ready     bool   `json:"ready"`
	Connected bool   `json:"connected"`
}

type LeaderboardEntry struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

type PlayerResult struct {
	Correct bool `json:"correct"`
	Score   int  `json:"score"`
}

type ChoiceStat struct {
	Count   int `json:"count"`
	Percent int `json:"percent"`
}
