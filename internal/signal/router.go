package signal

import (
	"encoding/json"
	"errors"
	"log/slog"
)

// Router demultiplexes inbound signaling frames by type and drives the
// registry. It holds no state of its own; identity is the connection handle.
type Router struct {
	reg *Registry
	log *slog.Logger
}

// NewRouter creates a Router over the given registry.
func NewRouter(reg *Registry, logger *slog.Logger) *Router {
	return &Router{reg: reg, log: logger}
}

// Serve attaches p and pumps its frames through Dispatch until the
// connection errors or closes, then detaches it. It blocks; the server runs
// one Serve goroutine per connection.
func (rt *Router) Serve(p *Peer) {
	rt.reg.Attach(p)
	defer func() {
		_ = p.Close()
		rt.reg.Detach(p)
	}()

	for {
		_, raw, err := p.wire.ReadMessage()
		if err != nil {
			return
		}
		rt.Dispatch(p, raw)
	}
}

// Dispatch routes one raw frame. Malformed frames are logged and dropped;
// they never terminate the connection.
func (rt *Router) Dispatch(p *Peer, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		rt.log.Warn("malformed signaling frame dropped", "remote_addr", p.RemoteAddr(), "bytes", len(raw))
		return
	}

	switch env.Type {
	case TypeHostRegister:
		err := rt.reg.RegisterHost(p)
		switch {
		case errors.Is(err, ErrNotLocal):
			// No response on address-check failure; the connection
			// is simply closed.
			_ = p.Close()
		case errors.Is(err, ErrSlotConflict):
			rt.respond(p, TypeStreamConflict, "connection already holds the viewer slot")
		}
	case TypeClientRegister:
		err := rt.reg.RegisterClient(p, env.Passcode)
		switch {
		case errors.Is(err, ErrSlotConflict):
			rt.respond(p, TypeStreamConflict, "another viewer is already connected")
		case errors.Is(err, ErrAuthRejected):
			rt.respond(p, TypeAuthFailed, "invalid or expired passcode")
		case err == nil:
			rt.respond(p, TypeClientAccepted, "")
		}
	case TypeOffer:
		rt.reg.ForwardToHost(raw)
	case TypeAnswer:
		rt.reg.ForwardToClient(raw)
	case TypeCandidate:
		rt.reg.Forward(env.To, raw)
	default:
		if env.To == "" {
			rt.log.Debug("unroutable frame dropped", "type", env.Type, "remote_addr", p.RemoteAddr())
			return
		}
		rt.reg.Forward(env.To, raw)
	}
}

func (rt *Router) respond(p *Peer, msgType, reason string) {
	if err := p.Send(Envelope{Type: msgType, Reason: reason}); err != nil {
		rt.log.Debug("registration response write failed", "type", msgType, "remote_addr", p.RemoteAddr(), "err", err)
	}
}
