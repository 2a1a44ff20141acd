// Package passcode owns the single rotating session passcode that gates
// client admission. Exactly one passcode is current at any time; it is
// replaced on a fixed interval and immediately after an authenticated
// client disconnects.
package passcode

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// DefaultTTL is how long an issued passcode remains valid.
const DefaultTTL = 5 * time.Minute

const codeDigits = 6

var codeSpace = big.NewInt(1_000_000)

// Passcode is a snapshot of the current credential state.
type Passcode struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

// Manager issues, expires, and invalidates the current passcode. All state
// changes are serialized under one mutex; subscribers are notified outside
// it so a subscriber may call back into the manager.
type Manager struct {
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	current Passcode
	subs    map[int]func(Passcode)
	nextSub int
}

// NewManager creates a Manager and issues the initial passcode.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		ttl:  ttl,
		log:  logger,
		now:  time.Now,
		subs: map[int]func(Passcode){},
	}
	m.Issue()
	return m
}

// Issue replaces the current passcode with a freshly generated one and
// notifies subscribers. The previous passcode, used or not, is invalidated.
func (m *Manager) Issue() Passcode {
	m.mu.Lock()
	code := generateCode(m.current.Code)
	now := m.now()
	m.current = Passcode{
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	p := m.current
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.log.Debug("passcode issued", "expires_at", p.ExpiresAt.Format(time.RFC3339))
	notify(subs, p)
	return p
}

// Current returns the current passcode state.
func (m *Manager) Current() Passcode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Validate reports whether code matches the current passcode and that
// passcode is unexpired and unused. It never mutates state; admission goes
// through Consume.
func (m *Manager) Validate(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchesLocked(code)
}

// Consume marks the current passcode used if code matches it and it is
// unexpired and unused, notifying subscribers. The check and the used-flag
// mutation share one critical section, so an Issue racing an admission can
// never leave the replacement code flagged used.
func (m *Manager) Consume(code string) bool {
	m.mu.Lock()
	if !m.matchesLocked(code) {
		m.mu.Unlock()
		return false
	}
	m.current.Used = true
	p := m.current
	subs := m.snapshotSubs()
	m.mu.Unlock()

	notify(subs, p)
	return true
}

func (m *Manager) matchesLocked(code string) bool {
	p := m.current
	if p.Code == "" || p.Used {
		return false
	}
	if !m.now().Before(p.ExpiresAt) {
		return false
	}
	return code == p.Code
}

// Subscribe registers fn to be called on every passcode state change. The
// returned cancel removes the subscription.
func (m *Manager) Subscribe(fn func(Passcode)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Run reissues the passcode on the rotation interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Issue()
		}
	}
}

func (m *Manager) snapshotSubs() []func(Passcode) {
	out := make([]func(Passcode), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

// notify delivers p to every subscriber; a panic in one subscriber must not
// abort delivery to the others.
func notify(subs []func(Passcode), p Passcode) {
	for _, fn := range subs {
		func() {
			defer func() { _ = recover() }()
			fn(p)
		}()
	}
}

// generateCode draws a cryptographically random 6-digit code distinct from
// the previous one.
func generateCode(previous string) string {
	for {
		n, err := rand.Int(rand.Reader, codeSpace)
		if err != nil {
			// crypto/rand failure means the platform RNG is broken;
			// nothing sensible to serve without it.
			panic(fmt.Sprintf("passcode: crypto/rand failed: %v", err))
		}
		code := fmt.Sprintf("%0*d", codeDigits, n)
		if code != previous {
			return code
		}
	}
}
