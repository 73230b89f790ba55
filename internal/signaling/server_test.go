package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opentriiva/opentriiva/internal/store"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewServer(store.NewMemory()).Mount(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]json.RawMessage{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "image/png" {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, out
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("expected string field, got %s", raw)
	}
	return s
}

func createRoom(t *testing.T, r *gin.Engine) (roomID, hostToken string) {
	t.Helper()
	code, body := doJSON(t, r, http.MethodPost, "/session/create", nil)
	if code != http.StatusOK {
		t.Fatalf("create session: expected 200, got %d", code)
	}
	return str(t, body["roomId"]), str(t, body["hostToken"])
}

func TestCreateSessionResponse(t *testing.T) {
	r := newTestRouter()
	roomID, hostToken := createRoom(t, r)
	if len(roomID) != 6 {
		t.Fatalf("expected 6-char room id, got %q", roomID)
	}
	if len(hostToken) != 32 {
		t.Fatalf("expected 32-char host token, got %q", hostToken)
	}
}

func TestOfferRequiresBody(t *testing.T) {
	r := newTestRouter()
	roomID, _ := createRoom(t, r)

	code, body := doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer", map[string]string{})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing offer, got %d", code)
	}
	if _, ok := body["error"]; !ok {
		t.Fatal("error responses must carry an error field")
	}
}

func TestUnknownRoomIs404(t *testing.T) {
	r := newTestRouter()
	code, _ := doJSON(t, r, http.MethodPost, "/session/ZZZZ22/offer", map[string]string{"offer": "o"})
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", code)
	}
}

func TestPlayerTokenBinding(t *testing.T) {
	r := newTestRouter()
	roomID, hostToken := createRoom(t, r)

	// First offer is open and mints the player token.
	code, body := doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "nickname": "Alice", "offer": "offer-1"})
	if code != http.StatusOK {
		t.Fatalf("first offer should succeed, got %d", code)
	}
	playerToken := str(t, body["playerToken"])
	if playerToken == "" {
		t.Fatal("first offer must mint a player token")
	}

	// Overwriting without the token is rejected.
	code, _ = doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "offer": "evil"})
	if code != http.StatusForbidden {
		t.Fatalf("offer overwrite without token: expected 403, got %d", code)
	}
	code, _ = doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "playerToken": "wrong", "offer": "evil"})
	if code != http.StatusForbidden {
		t.Fatalf("offer overwrite with wrong token: expected 403, got %d", code)
	}

	// Matching token or host token both pass.
	code, _ = doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "playerToken": playerToken, "offer": "offer-2"})
	if code != http.StatusOK {
		t.Fatalf("offer overwrite with matching token: expected 200, got %d", code)
	}
	code, _ = doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "hostToken": hostToken, "offer": "offer-3"})
	if code != http.StatusOK {
		t.Fatalf("offer overwrite by host: expected 200, got %d", code)
	}

	// Reads of the player's own state follow the same binding.
	code, _ = doJSON(t, r, http.MethodGet,
		"/session/"+roomID+"/answer?playerId=p1&playerToken=wrong", nil)
	if code != http.StatusForbidden {
		t.Fatalf("answer read with wrong token: expected 403, got %d", code)
	}
	code, _ = doJSON(t, r, http.MethodGet,
		"/session/"+roomID+"/answer?playerId=p1&playerToken="+playerToken, nil)
	if code != http.StatusOK {
		t.Fatalf("answer read with matching token: expected 200, got %d", code)
	}
	code, _ = doJSON(t, r, http.MethodGet,
		"/session/"+roomID+"/candidate?playerId=p1", nil)
	if code != http.StatusForbidden {
		t.Fatalf("candidate read without token: expected 403, got %d", code)
	}
}

func TestHostOfferListing(t *testing.T) {
	r := newTestRouter()
	roomID, hostToken := createRoom(t, r)

	doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "offer": "offer"})

	code, _ := doJSON(t, r, http.MethodGet, "/session/"+roomID+"/offer", nil)
	if code != http.StatusForbidden {
		t.Fatalf("listing without host token: expected 403, got %d", code)
	}
	code, _ = doJSON(t, r, http.MethodGet, "/session/"+roomID+"/offer?hostToken=wrong", nil)
	if code != http.StatusForbidden {
		t.Fatalf("listing with wrong host token: expected 403, got %d", code)
	}

	code, body := doJSON(t, r, http.MethodGet, "/session/"+roomID+"/offer?hostToken="+hostToken, nil)
	if code != http.StatusOK {
		t.Fatalf("host listing: expected 200, got %d", code)
	}
	var players []store.PlayerSummary
	if err := json.Unmarshal(body["players"], &players); err != nil {
		t.Fatalf("decode players: %v", err)
	}
	if len(players) != 1 || !players[0].HasOffer {
		t.Fatalf("expected one player with an offer, got %+v", players)
	}

	code, body = doJSON(t, r, http.MethodGet,
		"/session/"+roomID+"/offer?hostToken="+hostToken+"&playerId=p1", nil)
	if code != http.StatusOK {
		t.Fatalf("host single-player offer read: expected 200, got %d", code)
	}
	if str(t, body["offer"]) != "offer" {
		t.Fatalf("expected raw offer blob, got %s", body["offer"])
	}
}

func TestAnswerRequiresHostToken(t *testing.T) {
	r := newTestRouter()
	roomID, hostToken := createRoom(t, r)
	doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "offer": "offer"})

	code, _ := doJSON(t, r, http.MethodPost, "/session/"+roomID+"/answer",
		map[string]string{"playerId": "p1", "answer": "ans"})
	if code != http.StatusForbidden {
		t.Fatalf("answer without host token: expected 403, got %d", code)
	}

	code, _ = doJSON(t, r, http.MethodPost, "/session/"+roomID+"/answer",
		map[string]string{"playerId": "p1", "answer": "ans", "hostToken": hostToken})
	if code != http.StatusOK {
		t.Fatalf("answer with host token: expected 200, got %d", code)
	}
}

func TestCandidateIncrementalDelivery(t *testing.T) {
	r := newTestRouter()
	roomID, hostToken := createRoom(t, r)

	_, body := doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
		map[string]string{"playerId": "p1", "offer": "offer"})
	playerToken := str(t, body["playerToken"])

	// Host publishes candidates on behalf of the player.
	total := 5
	for i := 0; i < total; i++ {
		code, _ := doJSON(t, r, http.MethodPost, "/session/"+roomID+"/candidate",
			map[string]string{"playerId": "p1", "candidate": fmt.Sprintf("cand-%d", i), "hostToken": hostToken})
		if code != http.StatusOK {
			t.Fatalf("candidate publish %d: expected 200, got %d", i, code)
		}
	}

	// Polling with an increasing afterIndex delivers each candidate exactly
	// once, in append order.
	seen := []string{}
	for len(seen) < total {
		code, body := doJSON(t, r, http.MethodGet,
			fmt.Sprintf("/session/%s/candidate?playerId=p1&playerToken=%s&afterIndex=%d", roomID, playerToken, len(seen)), nil)
		if code != http.StatusOK {
			t.Fatalf("candidate poll: expected 200, got %d", code)
		}
		var batch []string
		if err := json.Unmarshal(body["candidates"], &batch); err != nil {
			t.Fatalf("decode candidates: %v", err)
		}
		if len(batch) == 0 {
			t.Fatal("expected at least one new candidate per poll")
		}
		seen = append(seen, batch...)
	}
	for i, c := range seen {
		if c != fmt.Sprintf("cand-%d", i) {
			t.Fatalf("candidate %d: expected cand-%d, got %s", i, i, c)
		}
	}

	// Past-the-end afterIndex yields an empty slice, not an error.
	code, body := doJSON(t, r, http.MethodGet,
		fmt.Sprintf("/session/%s/candidate?playerId=p1&playerToken=%s&afterIndex=%d", roomID, playerToken, total+3), nil)
	if code != http.StatusOK {
		t.Fatalf("past-the-end poll: expected 200, got %d", code)
	}
	var batch []string
	json.Unmarshal(body["candidates"], &batch)
	if len(batch) != 0 {
		t.Fatalf("expected no candidates past the end, got %v", batch)
	}
}

func TestCandidatesGroupedForHost(t *testing.T) {
	r := newTestRouter()
	roomID, hostToken := createRoom(t, r)

	for _, id := range []string{"p1", "p2"} {
		doJSON(t, r, http.MethodPost, "/session/"+roomID+"/offer",
			map[string]string{"playerId": id, "offer": "offer"})
		doJSON(t, r, http.MethodPost, "/session/"+roomID+"/candidate",
			map[string]string{"playerId": id, "candidate": "cand", "hostToken": hostToken})
	}

	code, body := doJSON(t, r, http.MethodGet, "/session/"+roomID+"/candidate?hostToken="+hostToken, nil)
	if code != http.StatusOK {
		t.Fatalf("grouped candidates: expected 200, got %d", code)
	}
	var grouped map[string][]string
	if err := json.Unmarshal(body["candidatesByPlayer"], &grouped); err != nil {
		t.Fatalf("decode grouped candidates: %v", err)
	}
	if len(grouped) != 2 || len(grouped["p1"]) != 1 || len(grouped["p2"]) != 1 {
		t.Fatalf("expected one candidate per player, got %v", grouped)
	}

	// Neither credential present is malformed, not just unauthorized.
	code, _ = doJSON(t, r, http.MethodGet, "/session/"+roomID+"/candidate", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("credential-less candidate read: expected 400, got %d", code)
	}
}

func TestJoinQR(t *testing.T) {
	r := newTestRouter()
	roomID, _ := createRoom(t, r)

	req := httptest.NewRequest(http.MethodGet, "/session/"+roomID+"/qr", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("qr: expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("qr: expected image/png, got %s", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatal("qr: expected png payload")
	}
}

func TestLimiterFixedWindow(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("offer:1.2.3.4", 3, time.Minute) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("offer:1.2.3.4", 3, time.Minute) {
		t.Fatal("fourth request in the window should be limited")
	}
	// Other scopes and clients are unaffected.
	if !l.Allow("offer:5.6.7.8", 3, time.Minute) {
		t.Fatal("other client should be unaffected")
	}
	if !l.Allow("answer:1.2.3.4", 3, time.Minute) {
		t.Fatal("other scope should be unaffected")
	}

	now = now.Add(time.Minute + time.Second)
	if !l.Allow("offer:1.2.3.4", 3, time.Minute) {
		t.Fatal("window expiry should reset the bucket")
	}
}
