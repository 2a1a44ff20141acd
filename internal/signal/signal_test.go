package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/lanbeam/lanbeam/internal/passcode"
)

type fakeWire struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	inbound chan []byte
}

func newFakeWire() *fakeWire {
	return &fakeWire{inbound: make(chan []byte, 16)}
}

func (w *fakeWire) ReadMessage() (int, []byte, error) {
	raw, ok := <-w.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, raw, nil
}

func (w *fakeWire) WriteMessage(_ int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	w.frames = append(w.frames, buf)
	return nil
}

func (w *fakeWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWire) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWire) sentTypes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var types []string
	for _, f := range w.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func (w *fakeWire) lastFrame() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return nil
	}
	return w.frames[len(w.frames)-1]
}

func (w *fakeWire) hasType(msgType string) bool {
	for _, t := range w.sentTypes() {
		if t == msgType {
			return true
		}
	}
	return false
}

type harness struct {
	pm     *passcode.Manager
	reg    *Registry
	router *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pm := passcode.NewManager(passcode.DefaultTTL, logger)
	reg := NewRegistry(pm, logger)
	return &harness{pm: pm, reg: reg, router: NewRouter(reg, logger)}
}

func (h *harness) attach(remoteAddr string) (*Peer, *fakeWire) {
	w := newFakeWire()
	p := NewPeer(w, remoteAddr)
	h.reg.Attach(p)
	return p, w
}

func registerFrame(code string) []byte {
	return fmt.Appendf(nil, `{"type":%q,"passcode":%q}`, TypeClientRegister, code)
}

func TestHostRegisterRejectsRemoteAddress(t *testing.T) {
	h := newHarness(t)
	p, w := h.attach("203.0.113.9:40000")

	h.router.Dispatch(p, []byte(`{"type":"host-register"}`))

	if !w.isClosed() {
		t.Fatal("remote host-register left connection open")
	}
	if got := w.sentTypes(); len(got) != 0 {
		t.Fatalf("expected no response frames, got %v", got)
	}
	if h.reg.host != nil {
		t.Fatal("host slot occupied by remote connection")
	}
}

func TestHostRegisterFromLoopback(t *testing.T) {
	h := newHarness(t)
	p, w := h.attach("127.0.0.1:40000")

	h.router.Dispatch(p, []byte(`{"type":"host-register"}`))

	if w.isClosed() {
		t.Fatal("local host-register closed the connection")
	}
	if h.reg.host != p {
		t.Fatal("host slot not claimed")
	}
}

func TestClientRegisterAuthFailed(t *testing.T) {
	h := newHarness(t)
	p, w := h.attach("198.51.100.7:1024")

	wrong := "000000"
	if h.pm.Current().Code == wrong {
		wrong = "000001"
	}
	for _, code := range []string{"", wrong, "not-a-code"} {
		h.router.Dispatch(p, registerFrame(code))
	}

	if h.reg.client != nil {
		t.Fatal("client slot occupied after failed auth")
	}
	types := w.sentTypes()
	failed := 0
	for _, typ := range types {
		if typ == TypeAuthFailed {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("auth-failed responses = %d (frames %v), want 3", failed, types)
	}
}

func TestClientRegisterAccepted(t *testing.T) {
	h := newHarness(t)
	p, w := h.attach("198.51.100.7:1024")

	h.router.Dispatch(p, registerFrame(h.pm.Current().Code))

	if h.reg.client != p {
		t.Fatal("client slot not claimed")
	}
	if !w.hasType(TypeClientAccepted) {
		t.Fatalf("no client-accepted response, frames %v", w.sentTypes())
	}
	if !h.pm.Current().Used {
		t.Fatal("passcode not marked used on admission")
	}
	if !w.hasType(TypePasscodeUpdated) {
		t.Fatal("used-flag change not broadcast")
	}
}

func TestClientRegisterConflict(t *testing.T) {
	h := newHarness(t)
	first, _ := h.attach("198.51.100.7:1024")
	code := h.pm.Current().Code
	h.router.Dispatch(first, registerFrame(code))

	second, w := h.attach("198.51.100.8:1024")
	h.router.Dispatch(second, registerFrame(code))

	if !w.hasType(TypeStreamConflict) {
		t.Fatalf("expected stream-conflict, frames %v", w.sentTypes())
	}
	if h.reg.client != first {
		t.Fatal("existing client session displaced")
	}
}

func TestConnectionHoldsAtMostOneSlot(t *testing.T) {
	h := newHarness(t)

	// The host connection presents the live code for the viewer slot.
	host, hostWire := h.attach("127.0.0.1:40000")
	h.router.Dispatch(host, []byte(`{"type":"host-register"}`))
	h.router.Dispatch(host, registerFrame(h.pm.Current().Code))

	if h.reg.client == host {
		t.Fatal("host connection admitted into the client slot")
	}
	if !hostWire.hasType(TypeStreamConflict) {
		t.Fatalf("expected stream-conflict, frames %v", hostWire.sentTypes())
	}
	if h.pm.Current().Used {
		t.Fatal("refused registration consumed the passcode")
	}
	if h.reg.host != host {
		t.Fatal("host slot lost on refused cross-slot registration")
	}

	// The client connection, itself local, sends host-register.
	client, clientWire := h.attach("127.0.0.1:50000")
	h.router.Dispatch(client, registerFrame(h.pm.Current().Code))
	h.router.Dispatch(client, []byte(`{"type":"host-register"}`))

	if h.reg.host == client {
		t.Fatal("client connection claimed the host slot")
	}
	if h.reg.host != host {
		t.Fatal("host slot displaced by the client connection")
	}
	if clientWire.isClosed() {
		t.Fatal("cross-slot host-register closed the client connection")
	}
	if !clientWire.hasType(TypeStreamConflict) {
		t.Fatalf("expected stream-conflict, frames %v", clientWire.sentTypes())
	}

	// The client's departure must still vacate exactly one slot and tell
	// the host.
	h.reg.Detach(client)
	if h.reg.host != host || h.reg.client != nil {
		t.Fatal("client departure disturbed the host slot")
	}
	if !hostWire.hasType(TypeClientDisconnected) {
		t.Fatal("host not told about client departure")
	}
}

func TestPasscodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	first, _ := h.attach("198.51.100.7:1024")
	code := h.pm.Current().Code
	h.router.Dispatch(first, registerFrame(code))
	h.reg.Detach(first)

	second, w := h.attach("198.51.100.8:1024")
	h.router.Dispatch(second, registerFrame(code))

	if !w.hasType(TypeAuthFailed) {
		t.Fatalf("stale code accepted after disconnect, frames %v", w.sentTypes())
	}
	if h.reg.client != nil {
		t.Fatal("client slot occupied via stale code")
	}
}

func TestClientDisconnectRotatesPasscode(t *testing.T) {
	h := newHarness(t)
	host, hostWire := h.attach("127.0.0.1:40000")
	h.router.Dispatch(host, []byte(`{"type":"host-register"}`))

	client, _ := h.attach("198.51.100.7:1024")
	before := h.pm.Current().Code
	h.router.Dispatch(client, registerFrame(before))

	h.reg.Detach(client)

	after := h.pm.Current()
	if after.Code == before {
		t.Fatal("passcode not rotated on client disconnect")
	}
	if after.Used {
		t.Fatal("fresh passcode marked used")
	}
	if !hostWire.hasType(TypeClientDisconnected) {
		t.Fatal("host not told about client departure")
	}
	if !hostWire.hasType(TypePasscodeUpdated) {
		t.Fatal("new passcode not broadcast to remaining connections")
	}
}

func TestHostDisconnectNotifiesClient(t *testing.T) {
	h := newHarness(t)
	host, _ := h.attach("127.0.0.1:40000")
	h.router.Dispatch(host, []byte(`{"type":"host-register"}`))
	client, clientWire := h.attach("198.51.100.7:1024")
	h.router.Dispatch(client, registerFrame(h.pm.Current().Code))

	before := h.pm.Current().Code
	h.reg.Detach(host)

	if !clientWire.hasType(TypeHostDisconnected) {
		t.Fatalf("client not told about host departure, frames %v", clientWire.sentTypes())
	}
	if h.pm.Current().Code != before {
		t.Fatal("host departure must not rotate the passcode")
	}
}

func TestRegistrationTriggersRenegotiation(t *testing.T) {
	h := newHarness(t)

	// Client first, then host: the client is asked to restart negotiation.
	client, clientWire := h.attach("198.51.100.7:1024")
	h.router.Dispatch(client, registerFrame(h.pm.Current().Code))
	host, hostWire := h.attach("127.0.0.1:40000")
	h.router.Dispatch(host, []byte(`{"type":"host-register"}`))
	if !clientWire.hasType(TypeRequestOffer) {
		t.Fatal("client not asked to renegotiate after host registration")
	}

	// Host present when a client arrives: the host is asked to negotiate.
	h.reg.Detach(client)
	client2, _ := h.attach("198.51.100.8:1024")
	h.router.Dispatch(client2, registerFrame(h.pm.Current().Code))
	if !hostWire.hasType(TypeRequestOffer) {
		t.Fatal("host not asked to negotiate after client admission")
	}
}

func TestForwardsVerbatim(t *testing.T) {
	h := newHarness(t)
	host, hostWire := h.attach("127.0.0.1:40000")
	h.router.Dispatch(host, []byte(`{"type":"host-register"}`))
	client, clientWire := h.attach("198.51.100.7:1024")
	h.router.Dispatch(client, registerFrame(h.pm.Current().Code))

	offer := []byte(`{"type":"offer", "payload":{"sdp":"v=0\r\n..."},  "extra": 42}`)
	h.router.Dispatch(client, offer)
	if got := hostWire.lastFrame(); !bytes.Equal(got, offer) {
		t.Fatalf("offer not forwarded verbatim:\n got %s\nwant %s", got, offer)
	}

	answer := []byte(`{"type":"answer","payload":{"sdp":"v=0"}}`)
	h.router.Dispatch(host, answer)
	if got := clientWire.lastFrame(); !bytes.Equal(got, answer) {
		t.Fatalf("answer not forwarded verbatim:\n got %s\nwant %s", got, answer)
	}

	candidate := []byte(`{"type":"candidate","to":"client","payload":{"candidate":"udp 1 2"}}`)
	h.router.Dispatch(host, candidate)
	if got := clientWire.lastFrame(); !bytes.Equal(got, candidate) {
		t.Fatalf("candidate not forwarded verbatim:\n got %s\nwant %s", got, candidate)
	}

	generic := []byte(`{"type":"stats","to":"host","payload":{"fps":30}}`)
	h.router.Dispatch(client, generic)
	if got := hostWire.lastFrame(); !bytes.Equal(got, generic) {
		t.Fatalf("generic frame not forwarded verbatim:\n got %s\nwant %s", got, generic)
	}
}

func TestForwardToEmptySlotIsSilentDrop(t *testing.T) {
	h := newHarness(t)
	sender, w := h.attach("198.51.100.7:1024")

	h.router.Dispatch(sender, []byte(`{"type":"offer","payload":{}}`))
	h.router.Dispatch(sender, []byte(`{"type":"answer","payload":{}}`))
	h.router.Dispatch(sender, []byte(`{"type":"candidate","to":"host"}`))
	h.router.Dispatch(sender, []byte(`{"type":"candidate","to":"nowhere"}`))

	if w.isClosed() {
		t.Fatal("undeliverable frames closed the connection")
	}
	if got := w.sentTypes(); len(got) != 0 {
		t.Fatalf("expected silent drops, got responses %v", got)
	}
}

func TestOfferRequiresRegisteredClient(t *testing.T) {
	h := newHarness(t)
	host, hostWire := h.attach("127.0.0.1:40000")
	h.router.Dispatch(host, []byte(`{"type":"host-register"}`))
	stranger, _ := h.attach("198.51.100.9:1024")

	h.router.Dispatch(stranger, []byte(`{"type":"offer","payload":{}}`))

	for _, typ := range hostWire.sentTypes() {
		if typ == TypeOffer {
			t.Fatal("offer relayed to host while no client is registered")
		}
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	h := newHarness(t)
	p, w := h.attach("198.51.100.7:1024")

	h.router.Dispatch(p, []byte(`{not json`))
	h.router.Dispatch(p, []byte(`{"to":"host"}`))
	h.router.Dispatch(p, nil)

	if w.isClosed() {
		t.Fatal("malformed frame closed the connection")
	}
	if got := w.sentTypes(); len(got) != 0 {
		t.Fatalf("malformed frames produced responses %v", got)
	}
}

func TestConcurrentClientRegistrationAdmitsOne(t *testing.T) {
	h := newHarness(t)
	code := h.pm.Current().Code

	const attempts = 32
	peers := make([]*Peer, attempts)
	wires := make([]*fakeWire, attempts)
	for i := range peers {
		peers[i], wires[i] = h.attach(fmt.Sprintf("198.51.100.7:%d", 1024+i))
	}

	var wg sync.WaitGroup
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.router.Dispatch(peers[i], registerFrame(code))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, w := range wires {
		if w.hasType(TypeClientAccepted) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted registrations = %d, want exactly 1", accepted)
	}
	if h.reg.client == nil {
		t.Fatal("no winner holds the client slot")
	}
}
