package signaling

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/opentriiva/opentriiva/internal/metrics"
	"github.com/opentriiva/opentriiva/internal/store"
)

// Server exposes the signaling rendezvous over HTTP. It layers bearer-token
// authorization on top of the trusting session store: the first offer for an
// unseen player is open and mints that player's token, everything after that
// requires the matching player token or the room's host token.
type Server struct {
	store   store.Store
	limiter *Limiter
	metrics *metrics.Metrics
	joinURL string // base URL embedded in the join QR code, e.g. https://host/join
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithJoinURL(base string) Option {
	return func(s *Server) { s.joinURL = base }
}

func NewServer(st store.Store, opts ...Option) *Server {
	s := &Server{store: st, limiter: NewLimiter()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mount attaches the signaling routes to the given Gin engine.
func (s *Server) Mount(r *gin.Engine) {
	r.POST("/session/create", s.limit("create", 10), s.createSession)
	r.GET("/session/:roomId", s.limit("session", 60), s.getSession)
	r.POST("/session/:roomId/offer", s.limit("offer", 30), s.postOffer)
	r.GET("/session/:roomId/offer", s.limit("offer", 120), s.getOffer)
	r.POST("/session/:roomId/answer", s.limit("answer", 30), s.postAnswer)
	r.GET("/session/:roomId/answer", s.limit("answer", 120), s.getAnswer)
	r.POST("/session/:roomId/candidate", s.limit("candidate", 120), s.postCandidate)
	r.GET("/session/:roomId/candidate", s.limit("candidate", 240), s.getCandidate)
	r.GET("/session/:roomId/qr", s.limit("qr", 30), s.getQR)
}

func (s *Server) createSession(c *gin.Context) {
	roomID, hostToken, err := s.store.CreateSession(c.Request.Context())
	if err != nil {
		s.fail(c, "create", http.StatusInternalServerError, "failed to create session")
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	log.Info().Str("roomId", roomID).Msg("session created")
	s.ok(c, "create", gin.H{"roomId": roomID, "hostToken": hostToken})
}

func (s *Server) getSession(c *gin.Context) {
	roomID := c.Param("roomId")
	players, err := s.store.GetPlayerList(c.Request.Context(), roomID)
	if err != nil {
		s.storeError(c, "session", err)
		return
	}
	s.ok(c, "session", gin.H{"roomId": roomID, "players": players})
}

type offerRequest struct {
	PlayerID    string `json:"playerId"`
	PlayerToken string `json:"playerToken"`
	Nickname    string `json:"nickname"`
	Offer       string `json:"offer"`
	HostToken   string `json:"hostToken"`
}

func (s *Server) postOffer(c *gin.Context) {
	roomID := c.Param("roomId")
	var req offerRequest
	if err := c.BindJSON(&req); err != nil || req.Offer == "" {
		s.fail(c, "offer", http.StatusBadRequest, "roomId and offer are required")
		return
	}

	ctx := c.Request.Context()
	sess, err := s.store.GetSession(ctx, roomID)
	if err != nil {
		s.storeError(c, "offer", err)
		return
	}
	if req.HostToken != "" && req.HostToken != sess.HostToken {
		s.fail(c, "offer", http.StatusForbidden, "invalid host token")
		return
	}

	playerID := req.PlayerID
	if playerID == "" {
		playerID = uuid.NewString()
	}
	// A player with a minted token must prove ownership to overwrite the
	// offer; a valid host token also passes.
	if p := sess.Players[playerID]; p != nil && p.Token != "" {
		if req.PlayerToken != p.Token && req.HostToken != sess.HostToken {
			s.fail(c, "offer", http.StatusForbidden, "invalid player token")
			return
		}
	}

	token, err := s.store.SetPlayerOffer(ctx, roomID, playerID, req.Nickname, req.Offer)
	if err != nil {
		s.storeError(c, "offer", err)
		return
	}
	s.ok(c, "offer", gin.H{"success": true, "playerId": playerID, "playerToken": token})
}

func (s *Server) getOffer(c *gin.Context) {
	roomID := c.Param("roomId")
	playerID := c.Query("playerId")
	playerToken := c.Query("playerToken")
	hostToken := c.Query("hostToken")

	ctx := c.Request.Context()
	sess, err := s.store.GetSession(ctx, roomID)
	if err != nil {
		s.storeError(c, "offer", err)
		return
	}
	isHost := hostToken != "" && hostToken == sess.HostToken
	if hostToken != "" && !isHost {
		s.fail(c, "offer", http.StatusForbidden, "invalid host token")
		return
	}

	if playerID == "" {
		// List form: presence flags only, never raw blobs. Host only.
		if !isHost {
			s.fail(c, "offer", http.StatusForbidden, "host token required")
			return
		}
		players, err := s.store.GetPlayerList(ctx, roomID)
		if err != nil {
			s.storeError(c, "offer", err)
			return
		}
		s.ok(c, "offer", gin.H{"players": players})
		return
	}

	p := sess.Players[playerID]
	if p == nil {
		s.fail(c, "offer", http.StatusNotFound, "player not found")
		return
	}
	if !isHost && (playerToken == "" || playerToken != p.Token) {
		s.fail(c, "offer", http.StatusForbidden, "invalid player token")
		return
	}
	s.ok(c, "offer", gin.H{"offer": p.Offer})
}

type answerRequest struct {
	PlayerID  string `json:"playerId"`
	Answer    string `json:"answer"`
	HostToken string `json:"hostToken"`
}

func (s *Server) postAnswer(c *gin.Context) {
	roomID := c.Param("roomId")
	var req answerRequest
	if err := c.BindJSON(&req); err != nil || req.Answer == "" || req.PlayerID == "" {
		s.fail(c, "answer", http.StatusBadRequest, "roomId, playerId and answer are required")
		return
	}

	ctx := c.Request.Context()
	sess, err := s.store.GetSession(ctx, roomID)
	if err != nil {
		s.storeError(c, "answer", err)
		return
	}
	if req.HostToken != sess.HostToken {
		s.fail(c, "answer", http.StatusForbidden, "invalid host token")
		return
	}
	if err := s.store.SetPlayerAnswer(ctx, roomID, req.PlayerID, req.Answer); err != nil {
		s.storeError(c, "answer", err)
		return
	}
	s.ok(c, "answer", gin.H{"success": true})
}

func (s *Server) getAnswer(c *gin.Context) {
	roomID := c.Param("roomId")
	playerID := c.Query("playerId")
	playerToken := c.Query("playerToken")
	if playerID == "" {
		s.fail(c, "answer", http.StatusBadRequest, "playerId is required")
		return
	}

	sess, err := s.store.GetSession(c.Request.Context(), roomID)
	if err != nil {
		s.storeError(c, "answer", err)
		return
	}
	p := sess.Players[playerID]
	if p == nil {
		s.fail(c, "answer", http.StatusNotFound, "player not found")
		return
	}
	if playerToken == "" || playerToken != p.Token {
		s.fail(c, "answer", http.StatusForbidden, "invalid player token")
		return
	}
	// Answer is empty until the host has responded; the player keeps polling.
	s.ok(c, "answer", gin.H{"answer": p.Answer})
}

type candidateRequest struct {
	PlayerID    string `json:"playerId"`
	PlayerToken string `json:"playerToken"`
	Candidate   string `json:"candidate"`
	HostToken   string `json:"hostToken"`
}

func (s *Server) postCandidate(c *gin.Context) {
	roomID := c.Param("roomId")
	var req candidateRequest
	if err := c.BindJSON(&req); err != nil || req.Candidate == "" || req.PlayerID == "" {
		s.fail(c, "candidate", http.StatusBadRequest, "roomId, playerId and candidate are required")
		return
	}

	ctx := c.Request.Context()
	sess, err := s.store.GetSession(ctx, roomID)
	if err != nil {
		s.storeError(c, "candidate", err)
		return
	}
	if req.HostToken != "" {
		if req.HostToken != sess.HostToken {
			s.fail(c, "candidate", http.StatusForbidden, "invalid host token")
			return
		}
	} else if p := sess.Players[req.PlayerID]; p != nil && p.Token != "" {
		// Candidates may race ahead of the offer, in which case no token
		// exists yet and the append is open, same as the first offer.
		if req.PlayerToken != p.Token {
			s.fail(c, "candidate", http.StatusForbidden, "invalid player token")
			return
		}
	}

	if err := s.store.AddCandidate(ctx, roomID, req.PlayerID, req.Candidate); err != nil {
		s.storeError(c, "candidate", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CandidatesPublished.Inc()
	}
	s.ok(c, "candidate", gin.H{"success": true})
}

func (s *Server) getCandidate(c *gin.Context) {
	roomID := c.Param("roomId")
	playerID := c.Query("playerId")
	playerToken := c.Query("playerToken")
	hostToken := c.Query("hostToken")

	sess, err := s.store.GetSession(c.Request.Context(), roomID)
	if err != nil {
		s.storeError(c, "candidate", err)
		return
	}
	isHost := hostToken != "" && hostToken == sess.HostToken
	if hostToken != "" && !isHost {
		s.fail(c, "candidate", http.StatusForbidden, "invalid host token")
		return
	}

	if playerID != "" {
		p := sess.Players[playerID]
		if p == nil {
			s.fail(c, "candidate", http.StatusNotFound, "player not found")
			return
		}
		if !isHost && (playerToken == "" || playerToken != p.Token) {
			s.fail(c, "candidate", http.StatusForbidden, "invalid player token")
			return
		}
		candidates := p.Candidates
		if after := c.Query("afterIndex"); after != "" {
			idx, err := strconv.Atoi(after)
			if err != nil || idx < 0 {
				s.fail(c, "candidate", http.StatusBadRequest, "invalid afterIndex")
				return
			}
			if idx > len(candidates) {
				idx = len(candidates)
			}
			candidates = candidates[idx:]
		}
		s.ok(c, "candidate", gin.H{"candidates": candidates})
		return
	}

	if isHost {
		byPlayer := make(map[string][]string, len(sess.Players))
		for id, p := range sess.Players {
			byPlayer[id] = p.Candidates
		}
		s.ok(c, "candidate", gin.H{"candidatesByPlayer": byPlayer})
		return
	}

	s.fail(c, "candidate", http.StatusBadRequest, "playerId or hostToken required")
}

func (s *Server) getQR(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, err := s.store.GetSession(c.Request.Context(), roomID); err != nil {
		s.storeError(c, "qr", err)
		return
	}
	base := s.joinURL
	if base == "" {
		base = "https://" + c.Request.Host + "/join"
	}
	png, err := qrcode.Encode(base+"?room="+roomID, qrcode.Medium, 256)
	if err != nil {
		s.fail(c, "qr", http.StatusInternalServerError, "failed to encode qr")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) ok(c *gin.Context, op string, body gin.H) {
	s.count(op, http.StatusOK)
	c.JSON(http.StatusOK, body)
}

func (s *Server) fail(c *gin.Context, op string, status int, msg string) {
	s.count(op, status)
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		s.fail(c, op, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrPlayerNotFound):
		s.fail(c, op, http.StatusNotFound, "player not found")
	default:
		log.Error().Err(err).Str("op", op).Msg("store error")
		s.fail(c, op, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) count(op string, status int) {
	if s.metrics != nil {
		s.metrics.Requests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	}
}
