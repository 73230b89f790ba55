package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Loopback is an in-process switchboard implementing the transport
// primitives. Negotiation follows the real shape: a channel only opens once
// both sides have exchanged descriptions and applied at least one remote
// candidate, so the whole signaling path is exercised end to end.
//
// One mutex guards the entire switchboard; callbacks always fire outside it.
type Loopback struct {
	mu    sync.Mutex
	conns map[string]*loopConn
}

func NewLoopback() *Loopback {
	return &Loopback{conns: make(map[string]*loopConn)}
}

func (l *Loopback) NewConn() (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &loopConn{net: l, id: uuid.NewString(), state: StateNew}
	l.conns[c.id] = c
	return c, nil
}

type description struct {
	Kind string `json:"kind"`
	Conn string `json:"conn"`
}

type candidate struct {
	Conn string `json:"conn"`
	Seq  int    `json:"seq"`
}

type loopConn struct {
	net *Loopback
	id  string

	state       State
	localSet    bool
	remoteID    string
	candApplied int
	established bool
	closed      bool
	candSeq     int

	localChannel *loopChannel
	pendingChan  *loopChannel
	onChannel    func(Channel)
	onCandidate  func(string)
	pendingCands []string
	onState      func(State)
}

func (c *loopConn) CreateOffer() (string, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	buf, err := json.Marshal(description{Kind: "offer", Conn: c.id})
	return string(buf), err
}

func (c *loopConn) CreateAnswer() (string, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.remoteID == "" {
		return "", errors.New("create answer before remote description")
	}
	buf, err := json.Marshal(description{Kind: "answer", Conn: c.id})
	return string(buf), err
}

func (c *loopConn) SetLocalDescription(desc string) error {
	c.net.mu.Lock()
	if c.closed {
		c.net.mu.Unlock()
		return ErrClosed
	}
	c.localSet = true
	// Local description triggers candidate discovery: emit one synthetic
	// path for the far side to apply.
	buf, _ := json.Marshal(candidate{Conn: c.id, Seq: c.candSeq})
	c.candSeq++
	cand := string(buf)
	fn := c.onCandidate
	if fn == nil {
		c.pendingCands = append(c.pendingCands, cand)
	}
	c.net.tryEstablish(c)
	c.net.mu.Unlock()

	if fn != nil {
		fn(cand)
	}
	return nil
}

func (c *loopConn) SetRemoteDescription(desc string) error {
	var d description
	if err := json.Unmarshal([]byte(desc), &d); err != nil {
		return fmt.Errorf("malformed description: %w", err)
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.net.conns[d.Conn] == nil {
		return fmt.Errorf("description references unknown peer %s", d.Conn)
	}
	c.remoteID = d.Conn
	c.net.tryEstablish(c)
	return nil
}

func (c *loopConn) AddCandidate(cand string) error {
	var parsed candidate
	if err := json.Unmarshal([]byte(cand), &parsed); err != nil {
		return fmt.Errorf("malformed candidate: %w", err)
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.remoteID != "" && parsed.Conn != c.remoteID {
		return fmt.Errorf("candidate from unexpected peer %s", parsed.Conn)
	}
	c.candApplied++
	c.net.tryEstablish(c)
	return nil
}

func (c *loopConn) CreateDataChannel(label string) (Channel, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &loopChannel{net: c.net, label: label}
	c.localChannel = ch
	return ch, nil
}

func (c *loopConn) OnDataChannel(fn func(Channel)) {
	c.net.mu.Lock()
	c.onChannel = fn
	pending := c.pendingChan
	c.pendingChan = nil
	c.net.mu.Unlock()
	if pending != nil && fn != nil {
		fn(pending)
	}
}

func (c *loopConn) OnCandidate(fn func(string)) {
	c.net.mu.Lock()
	c.onCandidate = fn
	pending := c.pendingCands
	c.pendingCands = nil
	c.net.mu.Unlock()
	if fn != nil {
		for _, cand := range pending {
			fn(cand)
		}
	}
}

func (c *loopConn) OnStateChange(fn func(State)) {
	c.net.mu.Lock()
	c.onState = fn
	c.net.mu.Unlock()
}

func (c *loopConn) Close() error {
	c.net.mu.Lock()
	if c.closed {
		c.net.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	notify := []func(){}
	if c.onState != nil {
		fn, st := c.onState, c.state
		notify = append(notify, func() { fn(st) })
	}
	if c.localChannel != nil {
		notify = append(notify, c.localChannel.closeLocked()...)
	}
	// Tear down the far side too: a closed peer is observed as a
	// disconnect, the expected steady-state termination path.
	if peer := c.net.conns[c.remoteID]; peer != nil && peer.remoteID == c.id && !peer.closed {
		peer.closed = true
		peer.state = StateDisconnected
		if peer.onState != nil {
			fn, st := peer.onState, peer.state
			notify = append(notify, func() { fn(st) })
		}
		if peer.localChannel != nil {
			notify = append(notify, peer.localChannel.closeLocked()...)
		}
	}
	delete(c.net.conns, c.id)
	c.net.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (c *loopConn) ready() bool {
	return c.localSet && c.remoteID != "" && c.candApplied > 0 && !c.closed
}

// tryEstablish links the data channels once both paired endpoints are
// ready. Caller holds the switchboard mutex.
func (l *Loopback) tryEstablish(c *loopConn) {
	peer := l.conns[c.remoteID]
	if peer == nil || peer.remoteID != c.id {
		return
	}
	if c.established || !c.ready() || !peer.ready() {
		return
	}

	var offerer, answerer *loopConn
	switch {
	case c.localChannel != nil:
		offerer, answerer = c, peer
	case peer.localChannel != nil:
		offerer, answerer = peer, c
	default:
		return
	}

	remote := &loopChannel{net: l, label: offerer.localChannel.label}
	remote.peer = offerer.localChannel
	offerer.localChannel.peer = remote
	answerer.localChannel = remote

	c.established, peer.established = true, true
	c.state, peer.state = StateConnected, StateConnected

	notify := []func(){}
	if fn := answerer.onChannel; fn != nil {
		notify = append(notify, func() { fn(remote) })
	} else {
		answerer.pendingChan = remote
	}
	for _, cc := range []*loopConn{c, peer} {
		if cc.onState != nil {
			fn := cc.onState
			notify = append(notify, func() { fn(StateConnected) })
		}
	}
	notify = append(notify, offerer.localChannel.openLocked()...)
	notify = append(notify, remote.openLocked()...)

	go func() {
		for _, fn := range notify {
			fn()
		}
	}()
}

type loopChannel struct {
	net   *Loopback
	label string
	peer  *loopChannel

	open        bool
	closed      bool
	onOpen      func()
	onMessage   func([]byte)
	onClose     func()
	pendingMsgs [][]byte
	draining    bool
}

func (ch *loopChannel) Label() string { return ch.label }

func (ch *loopChannel) Send(data []byte) error {
	ch.net.mu.Lock()
	if !ch.open || ch.closed || ch.peer == nil {
		ch.net.mu.Unlock()
		return ErrChannelNotOpen
	}
	msg := append([]byte(nil), data...)
	ch.peer.pendingMsgs = append(ch.peer.pendingMsgs, msg)
	ch.peer.drainLocked()
	ch.net.mu.Unlock()
	return nil
}

func (ch *loopChannel) OnOpen(fn func()) {
	ch.net.mu.Lock()
	ch.onOpen = fn
	fire := ch.open && fn != nil
	ch.net.mu.Unlock()
	if fire {
		fn()
	}
}

func (ch *loopChannel) OnMessage(fn func([]byte)) {
	ch.net.mu.Lock()
	ch.onMessage = fn
	ch.drainLocked()
	ch.net.mu.Unlock()
}

func (ch *loopChannel) OnClose(fn func()) {
	ch.net.mu.Lock()
	ch.onClose = fn
	fire := ch.closed && fn != nil
	ch.net.mu.Unlock()
	if fire {
		fn()
	}
}

func (ch *loopChannel) Close() error {
	ch.net.mu.Lock()
	notify := ch.closeLocked()
	ch.net.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
	return nil
}

func (ch *loopChannel) closeLocked() []func() {
	if ch.closed {
		return nil
	}
	notify := []func(){}
	for _, end := range []*loopChannel{ch, ch.peer} {
		if end == nil || end.closed {
			continue
		}
		end.closed = true
		end.open = false
		if end.onClose != nil {
			fn := end.onClose
			notify = append(notify, fn)
		}
	}
	return notify
}

func (ch *loopChannel) openLocked() []func() {
	ch.open = true
	if ch.onOpen != nil {
		return []func(){ch.onOpen}
	}
	return nil
}

// drainLocked delivers queued messages in order on a single goroutine.
// Caller holds the switchboard mutex.
func (ch *loopChannel) drainLocked() {
	if ch.draining || ch.onMessage == nil || len(ch.pendingMsgs) == 0 {
		return
	}
	ch.draining = true
	go func() {
		for {
			ch.net.mu.Lock()
			if len(ch.pendingMsgs) == 0 || ch.onMessage == nil {
				ch.draining = false
				ch.net.mu.Unlock()
				return
			}
			msg := ch.pendingMsgs[0]
			ch.pendingMsgs = ch.pendingMsgs[1:]
			handler := ch.onMessage
			ch.net.mu.Unlock()
			handler(msg)
		}
	}()
}
