package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opentriiva/opentriiva/internal/store"
)

var (
	ErrBadRequest  = errors.New("bad request")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
)

// Client is the HTTP side of the rendezvous used by the peer connection
// managers. Every method is a single request/response round trip; polling
// cadence is the caller's concern.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateSession(ctx context.Context) (roomID, hostToken string, err error) {
	var out struct {
		RoomID    string `json:"roomId"`
		HostToken string `json:"hostToken"`
	}
	err = c.post(ctx, "/session/create", nil, &out)
	return out.RoomID, out.HostToken, err
}

// PublishOffer submits a player offer. On the first call playerID and
// playerToken may be empty; the assigned values come back in the response
// and must be reused for every subsequent call.
func (c *Client) PublishOffer(ctx context.Context, roomID, playerID, playerToken, nickname, offer string) (string, string, error) {
	body := map[string]string{
		"playerId":    playerID,
		"playerToken": playerToken,
		"nickname":    nickname,
		"offer":       offer,
	}
	var out struct {
		PlayerID    string `json:"playerId"`
		PlayerToken string `json:"playerToken"`
	}
	err := c.post(ctx, "/session/"+roomID+"/offer", body, &out)
	return out.PlayerID, out.PlayerToken, err
}

func (c *Client) GetOffer(ctx context.Context, roomID, playerID, hostToken string) (string, error) {
	q := url.Values{"playerId": {playerID}, "hostToken": {hostToken}}
	var out struct {
		Offer string `json:"offer"`
	}
	err := c.get(ctx, "/session/"+roomID+"/offer", q, &out)
	return out.Offer, err
}

func (c *Client) ListPlayers(ctx context.Context, roomID, hostToken string) ([]store.PlayerSummary, error) {
	q := url.Values{"hostToken": {hostToken}}
	var out struct {
		Players []store.PlayerSummary `json:"players"`
	}
	err := c.get(ctx, "/session/"+roomID+"/offer", q, &out)
	return out.Players, err
}

func (c *Client) PublishAnswer(ctx context.Context, roomID, playerID, answer, hostToken string) error {
	body := map[string]string{
		"playerId":  playerID,
		"answer":    answer,
		"hostToken": hostToken,
	}
	return c.post(ctx, "/session/"+roomID+"/answer", body, nil)
}

func (c *Client) GetAnswer(ctx context.Context, roomID, playerID, playerToken string) (string, error) {
	q := url.Values{"playerId": {playerID}, "playerToken": {playerToken}}
	var out struct {
		Answer string `json:"answer"`
	}
	err := c.get(ctx, "/session/"+roomID+"/answer", q, &out)
	return out.Answer, err
}

func (c *Client) PublishCandidate(ctx context.Context, roomID, playerID, candidate, playerToken, hostToken string) error {
	body := map[string]string{
		"playerId":    playerID,
		"candidate":   candidate,
		"playerToken": playerToken,
		"hostToken":   hostToken,
	}
	return c.post(ctx, "/session/"+roomID+"/candidate", body, nil)
}

// Candidates returns the player's own candidates appended after afterIndex,
// supporting incremental polling without re-delivery.
func (c *Client) Candidates(ctx context.Context, roomID, playerID, playerToken string, afterIndex int) ([]string, error) {
	q := url.Values{
		"playerId":    {playerID},
		"playerToken": {playerToken},
		"afterIndex":  {strconv.Itoa(afterIndex)},
	}
	var out struct {
		Candidates []string `json:"candidates"`
	}
	err := c.get(ctx, "/session/"+roomID+"/candidate", q, &out)
	return out.Candidates, err
}

func (c *Client) CandidatesByPlayer(ctx context.Context, roomID, hostToken string) (map[string][]string, error) {
	q := url.Values{"hostToken": {hostToken}}
	var out struct {
		CandidatesByPlayer map[string][]string `json:"candidatesByPlayer"`
	}
	err := c.get(ctx, "/session/"+roomID+"/candidate", q, &out)
	return out.CandidatesByPlayer, err
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return fmt.Errorf("signaling: unexpected status %d: %s", status, msg)
	}
}
