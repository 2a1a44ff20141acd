package signal

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Wire is the subset of [websocket.Conn] the relay needs. Tests substitute
// an in-memory implementation.
type Wire interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Wire = (*websocket.Conn)(nil)

// Peer is one attached signaling connection. Writes are serialized by a
// per-peer mutex; gorilla/websocket forbids concurrent writers.
type Peer struct {
	wire       Wire
	remoteAddr string

	writeMu sync.Mutex
}

// NewPeer wraps a connection and the remote address it arrived from. The
// address is the peer's identity for the local-machine check.
func NewPeer(w Wire, remoteAddr string) *Peer {
	return &Peer{wire: w, remoteAddr: remoteAddr}
}

// RemoteAddr returns the transport-level remote address.
func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Send marshals v and writes it as a single text frame.
func (p *Peer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.SendRaw(data)
}

// SendRaw writes raw as a single text frame, byte for byte.
func (p *Peer) SendRaw(raw []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.wire.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection. The read loop observes the error
// and detaches the peer.
func (p *Peer) Close() error {
	return p.wire.Close()
}
