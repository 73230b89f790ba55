// Command demo plays a complete match in one process: it starts the
// signaling server on a loopback listener, connects a host and a handful of
// bot players over the in-process transport and lets them play through the
// built-in sample pack.
package main

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/opentriiva/opentriiva/internal/game"
	"github.com/opentriiva/opentriiva/internal/match"
	"github.com/opentriiva/opentriiva/internal/pack"
	"github.com/opentriiva/opentriiva/internal/peer"
	"github.com/opentriiva/opentriiva/internal/protocol"
	"github.com/opentriiva/opentriiva/internal/rtc"
	"github.com/opentriiva/opentriiva/internal/signaling"
	"github.com/opentriiva/opentriiva/internal/store"
)

var nicknames = []string{"Ada", "Linus", "Grace", "Ken"}

func main() {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	zerologlog.Logger = zerologlog.Output(cw)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	signaling.NewServer(store.NewMemory()).Mount(r)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		zerologlog.Fatal().Err(err).Msg("listen failed")
	}
	go func() {
		if err := http.Serve(ln, r); err != nil {
			zerologlog.Debug().Err(err).Msg("server stopped")
		}
	}()

	client := signaling.NewClient("http://" + ln.Addr().String())
	loopback := rtc.NewLoopback()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	roomID, hostToken, err := client.CreateSession(ctx)
	if err != nil {
		zerologlog.Fatal().Err(err).Msg("create session failed")
	}
	zerologlog.Info().Str("roomId", roomID).Msg("room opened")

	host := peer.NewHostManager(client, loopback, roomID, hostToken,
		peer.WithHostPollIntervals(100*time.Millisecond, 50*time.Millisecond))
	host.Start(ctx)
	defer host.Stop()

	machine := game.NewMachine(game.Settings{
		QuestionTimeLimit: 8 * time.Second,
		ShowLeaderboard:   true,
	})
	machine.SetQuestions(pack.Sample().Questions)

	runner := match.NewRunner(machine, host, match.DefaultTiming())
	runner.Run(ctx)
	defer runner.Stop()

	var wg sync.WaitGroup
	for _, name := range nicknames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			runBot(ctx, client, loopback, roomID, name)
		}(name)
	}

	// Give the bots a moment to assemble in the lobby before kicking off.
	time.Sleep(2 * time.Second)
	zerologlog.Info().Int("players", len(host.ConnectedPlayers())).Msg("starting match")
	runner.StartMatch()

	wg.Wait()
	for _, e := range machine.Leaderboard() {
		zerologlog.Info().Str("player", e.Nickname).Int("score", e.Score).Msg("final standing")
	}
}

// runBot joins the room and answers every question with a random choice
// after a random think time.
func runBot(ctx context.Context, client *signaling.Client, dialer rtc.Dialer, roomID, nickname string) {
	p := peer.NewPlayerManager(client, dialer, roomID, nickname,
		peer.WithPlayerPollInterval(50*time.Millisecond))
	if err := p.Start(ctx); err != nil {
		zerologlog.Error().Err(err).Str("bot", nickname).Msg("join failed")
		return
	}
	defer p.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.Events():
			if ev.Type != peer.EventMessage {
				continue
			}
			switch ev.Message.T {
			case protocol.TypeQuestionShow:
				var q protocol.QuestionShow
				if err := ev.Message.DecodePayload(&q); err != nil {
					continue
				}
				think := time.Duration(200+rand.Intn(2000)) * time.Millisecond
				time.Sleep(think)
				choice := q.Choices[rand.Intn(len(q.Choices))]
				data, err := protocol.Encode(protocol.TypeAnswerSubmit, protocol.AnswerSubmit{
					PlayerID:   p.PlayerID(),
					QuestionID: q.ID,
					ChoiceID:   choice.ID,
					TimeMs:     think.Milliseconds(),
				})
				if err != nil {
					continue
				}
				if err := p.Send(data); err != nil {
					zerologlog.Debug().Err(err).Str("bot", nickname).Msg("submit failed")
				}
				zerologlog.Info().Str("bot", nickname).Str("question", q.ID).Str("choice", choice.ID).Msg("answered")
			case protocol.TypeQuestionReveal:
				var rv protocol.QuestionReveal
				if err := ev.Message.DecodePayload(&rv); err != nil {
					continue
				}
				res := rv.ResultsByPlayer[p.PlayerID()]
				zerologlog.Info().Str("bot", nickname).Bool("correct", res.Correct).Int("score", res.Score).Msg("revealed")
			case protocol.TypeGameEnd:
				zerologlog.Info().Str("bot", nickname).Msg("match over")
				return
			}
		}
	}
}
