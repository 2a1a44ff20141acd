package passcode

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(DefaultTTL, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIssueProducesSixDigitCode(t *testing.T) {
	m := newTestManager()
	p := m.Current()
	if len(p.Code) != 6 {
		t.Fatalf("code length = %d, want 6", len(p.Code))
	}
	for _, r := range p.Code {
		if r < '0' || r > '9' {
			t.Fatalf("code %q contains non-digit", p.Code)
		}
	}
	if got, want := p.ExpiresAt.Sub(p.IssuedAt), DefaultTTL; got != want {
		t.Fatalf("ttl = %v, want %v", got, want)
	}
	if p.Used {
		t.Fatal("fresh passcode marked used")
	}
}

func TestIssueReplacesWithDistinctCode(t *testing.T) {
	m := newTestManager()
	prev := m.Current().Code
	for i := 0; i < 20; i++ {
		next := m.Issue().Code
		if next == prev {
			t.Fatalf("reissued code %q equals previous", next)
		}
		prev = next
	}
}

func TestValidate(t *testing.T) {
	m := newTestManager()
	p := m.Current()

	if !m.Validate(p.Code) {
		t.Fatal("current code rejected")
	}
	if m.Validate("12345") {
		t.Fatal("short code accepted")
	}
	if p.Code != "999999" && m.Validate("999999") {
		t.Fatal("wrong code accepted")
	}

	if !m.Consume(p.Code) {
		t.Fatal("current code not consumed")
	}
	if m.Validate(p.Code) {
		t.Fatal("used code accepted")
	}
}

func TestValidateExpired(t *testing.T) {
	m := newTestManager()
	p := m.Current()
	m.now = func() time.Time { return p.ExpiresAt }
	if m.Validate(p.Code) {
		t.Fatal("expired code accepted")
	}
	m.now = func() time.Time { return p.ExpiresAt.Add(-time.Second) }
	if !m.Validate(p.Code) {
		t.Fatal("unexpired code rejected")
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	m := newTestManager()
	events := 0
	m.Subscribe(func(Passcode) { events++ })

	code := m.Current().Code
	if !m.Consume(code) {
		t.Fatal("current code not consumed")
	}
	if m.Consume(code) {
		t.Fatal("second consume of the same code succeeded")
	}
	if events != 1 {
		t.Fatalf("notifications = %d, want 1 (failed consume must not notify)", events)
	}
	if !m.Current().Used {
		t.Fatal("used flag not set")
	}

	p := m.Issue()
	if p.Used {
		t.Fatal("used flag survived reissue")
	}
}

func TestConsumeOfReplacedCodeLeavesFreshCodeUnused(t *testing.T) {
	m := newTestManager()
	stale := m.Current().Code
	fresh := m.Issue()

	if m.Consume(stale) {
		t.Fatal("replaced code consumed")
	}
	cur := m.Current()
	if cur.Used {
		t.Fatal("rotation racing an admission left the new code flagged used")
	}
	if cur.Code != fresh.Code {
		t.Fatalf("current code = %s, want %s", cur.Code, fresh.Code)
	}
	if !m.Consume(fresh.Code) {
		t.Fatal("fresh code rejected")
	}
}

func TestConsumeExpired(t *testing.T) {
	m := newTestManager()
	p := m.Current()
	m.now = func() time.Time { return p.ExpiresAt }
	if m.Consume(p.Code) {
		t.Fatal("expired code consumed")
	}
	if m.Current().Used {
		t.Fatal("failed consume mutated the used flag")
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	m := newTestManager()
	var got []Passcode
	cancel := m.Subscribe(func(p Passcode) { got = append(got, p) })

	issued := m.Issue()
	if len(got) != 1 || got[0].Code != issued.Code {
		t.Fatalf("subscriber saw %v, want one event with code %s", got, issued.Code)
	}

	cancel()
	m.Issue()
	if len(got) != 1 {
		t.Fatal("cancelled subscriber still notified")
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	m := newTestManager()
	m.Subscribe(func(Passcode) { panic("boom") })
	delivered := false
	m.Subscribe(func(Passcode) { delivered = true })

	m.Issue()
	if !delivered {
		t.Fatal("delivery aborted by earlier panicking subscriber")
	}
}
