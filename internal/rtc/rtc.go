// Package rtc defines the peer transport primitives the connection managers
// are built on. The real-time transport itself is supplied by the platform;
// this package only fixes the negotiation surface (offer/answer/candidate
// exchange and data channels, all blobs opaque) and ships an in-process
// loopback implementation for tests and the demo binary.
package rtc

import "errors"

var (
	ErrClosed         = errors.New("connection closed")
	ErrChannelNotOpen = errors.New("data channel not open")
)

type State string

const (
	StateNew          State = "new"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Conn is one endpoint of a peer connection under negotiation. Descriptions
// and candidates are opaque strings produced by the far side's transport.
type Conn interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(desc string) error
	SetRemoteDescription(desc string) error
	AddCandidate(candidate string) error
	// CreateDataChannel opens an outbound channel; only the offering side
	// calls this, the answering side observes it via OnDataChannel.
	CreateDataChannel(label string) (Channel, error)
	OnDataChannel(fn func(Channel))
	OnCandidate(fn func(string))
	OnStateChange(fn func(State))
	Close() error
}

// Channel is the reliable bidirectional message transport established once
// negotiation succeeds.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func([]byte))
	OnClose(fn func())
	Close() error
}

// Dialer mints fresh connections. A connection object is single-use: after
// failure or close, negotiation restarts with a new Conn.
type Dialer interface {
	NewConn() (Conn, error)
}
