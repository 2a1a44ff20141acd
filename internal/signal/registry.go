package signal

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lanbeam/lanbeam/internal/localnet"
	"github.com/lanbeam/lanbeam/internal/passcode"
)

// Registration failures, matched with [errors.Is] by the router.
var (
	// ErrNotLocal means a host-register arrived from a remote address.
	ErrNotLocal = errors.New("host registration from non-local address")

	// ErrSlotConflict means the client slot is already occupied.
	ErrSlotConflict = errors.New("client slot already occupied")

	// ErrAuthRejected means the presented passcode is wrong or expired.
	ErrAuthRejected = errors.New("passcode rejected")
)

// Registry holds at most one host and one client connection, and a
// connection holds at most one slot. Slot occupancy changes only through
// Register*/Detach; every mutation, including the credential calls it
// triggers, happens under one mutex so concurrent registration attempts
// serialize.
type Registry struct {
	passcodes *passcode.Manager
	log       *slog.Logger
	isLocal   func(addr string) bool

	// mu guards the slots; subsMu guards the broadcast set. mu may be
	// held while subsMu is taken, never the other way around.
	mu     sync.Mutex
	host   *Peer
	client *Peer

	subsMu sync.Mutex
	conns  map[*Peer]struct{}
}

// NewRegistry creates a Registry bound to the passcode manager and wires
// the passcode broadcast to every attached connection.
func NewRegistry(passcodes *passcode.Manager, logger *slog.Logger) *Registry {
	r := &Registry{
		passcodes: passcodes,
		log:       logger,
		isLocal:   localnet.IsLocal,
		conns:     map[*Peer]struct{}{},
	}
	passcodes.Subscribe(r.broadcastPasscode)
	return r
}

// Attach adds a connection to the broadcast set. Every connection, slotted
// or not, receives passcode-updated frames.
func (r *Registry) Attach(p *Peer) {
	r.subsMu.Lock()
	r.conns[p] = struct{}{}
	r.subsMu.Unlock()
}

// Detach removes the connection from the broadcast set and vacates any slot
// it held, notifying the surviving party. A departing client triggers a
// passcode reissue so the admitted code cannot outlive its session.
func (r *Registry) Detach(p *Peer) {
	r.subsMu.Lock()
	delete(r.conns, p)
	r.subsMu.Unlock()

	r.mu.Lock()
	wasHost := r.host == p
	wasClient := r.client == p
	if wasHost {
		r.host = nil
	}
	if wasClient {
		r.client = nil
	}
	notifyHost := wasClient && r.host != nil
	notifyClient := wasHost && r.client != nil
	host, client := r.host, r.client
	r.mu.Unlock()

	if notifyClient {
		r.send(client, Envelope{Type: TypeHostDisconnected})
	}
	if notifyHost {
		r.send(host, Envelope{Type: TypeClientDisconnected})
	}
	if wasClient {
		r.log.Info("client disconnected, rotating passcode")
		r.passcodes.Issue()
	}
	if wasHost {
		r.log.Info("host disconnected")
	}
}

// RegisterHost claims the host slot for p. Only connections from the local
// machine may hold it, and a connection already holding the client slot is
// refused. A later local registration displaces the previous occupant's
// claim (the old connection stays attached but unslotted). If a client is
// already present it is told to restart negotiation.
func (r *Registry) RegisterHost(p *Peer) error {
	if !r.isLocal(p.RemoteAddr()) {
		r.log.Warn("host registration rejected", "remote_addr", p.RemoteAddr())
		return ErrNotLocal
	}

	r.mu.Lock()
	if r.client == p {
		r.mu.Unlock()
		r.log.Warn("host registration from the connected client refused", "remote_addr", p.RemoteAddr())
		return ErrSlotConflict
	}
	r.host = p
	client := r.client
	r.mu.Unlock()

	r.log.Info("host registered", "remote_addr", p.RemoteAddr())
	if client != nil {
		r.send(client, Envelope{Type: TypeRequestOffer})
	}
	return nil
}

// RegisterClient admits p into the client slot if the slot is free and the
// passcode validates. The host connection cannot double as the client.
// Admission consumes the passcode in the same critical section that claims
// the slot, so the code that is marked used is exactly the code that was
// presented.
func (r *Registry) RegisterClient(p *Peer, code string) error {
	r.mu.Lock()
	if r.host == p {
		r.mu.Unlock()
		return ErrSlotConflict
	}
	if r.client != nil && r.client != p {
		r.mu.Unlock()
		return ErrSlotConflict
	}
	if !r.passcodes.Consume(code) {
		r.mu.Unlock()
		return ErrAuthRejected
	}
	r.client = p
	host := r.host
	r.mu.Unlock()

	r.log.Info("client registered", "remote_addr", p.RemoteAddr())
	if host != nil {
		r.send(host, Envelope{Type: TypeRequestOffer})
	}
	return nil
}

// ForwardToHost relays raw to the host occupant. The frame is dropped
// unless both slots are occupied; an offer only means something while a
// client session exists.
func (r *Registry) ForwardToHost(raw []byte) {
	r.mu.Lock()
	host, client := r.host, r.client
	r.mu.Unlock()
	if host == nil || client == nil {
		r.log.Debug("dropping frame for host slot", "host_present", host != nil, "client_present", client != nil)
		return
	}
	r.sendRaw(host, raw)
}

// ForwardToClient relays raw to the client occupant, dropping it silently
// when the slot is empty.
func (r *Registry) ForwardToClient(raw []byte) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		r.log.Debug("dropping frame for empty client slot")
		return
	}
	r.sendRaw(client, raw)
}

// Forward relays raw to the named slot ("host" or "client") if occupied.
// Unknown slot names and empty slots are silent drops; the relay never
// queues undelivered frames.
func (r *Registry) Forward(slot string, raw []byte) {
	r.mu.Lock()
	var target *Peer
	switch slot {
	case SlotHost:
		target = r.host
	case SlotClient:
		target = r.client
	}
	r.mu.Unlock()
	if target == nil {
		r.log.Debug("dropping frame for unavailable slot", "slot", slot)
		return
	}
	r.sendRaw(target, raw)
}

func (r *Registry) broadcastPasscode(p passcode.Passcode) {
	msg := PasscodeState{
		Type:      TypePasscodeUpdated,
		Code:      p.Code,
		ExpiresAt: p.ExpiresAt,
		Used:      p.Used,
	}
	r.subsMu.Lock()
	targets := make([]*Peer, 0, len(r.conns))
	for c := range r.conns {
		targets = append(targets, c)
	}
	r.subsMu.Unlock()

	for _, c := range targets {
		r.send(c, msg)
	}
}

func (r *Registry) send(p *Peer, v any) {
	if err := p.Send(v); err != nil {
		r.log.Debug("signaling write failed", "remote_addr", p.RemoteAddr(), "err", err)
	}
}

func (r *Registry) sendRaw(p *Peer, raw []byte) {
	if err := p.SendRaw(raw); err != nil {
		r.log.Debug("signaling forward failed", "remote_addr", p.RemoteAddr(), "err", err)
	}
}
