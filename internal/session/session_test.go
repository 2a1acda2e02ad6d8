package session

import (
	"bytes"
	"errors"
	"log"
	"testing"
	"time"

	"plansync/internal/kv"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *fakeClock, kv.Store) {
	t.Helper()
	store := kv.NewMemory()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	g := New(store, Config{Secret: []byte("test-secret")}, log.New(&bytes.Buffer{}, "", 0))
	g.SetClock(clock.Now)
	return g, clock, store
}

func TestRegisterLoginLogout(t *testing.T) {
	g, _, _ := newTestGuard(t)
	if g.CurrentUser() != nil {
		t.Fatalf("expected no user before login")
	}

	u, err := g.Register("  A@X.com ", "Alice", "hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "a@x.com" || u.ID == "" || u.Name != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := g.Register("a@x.com", "", "other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	if _, err := g.Login("a@x.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := g.Login("nobody@x.com", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := g.Login("A@x.com", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	cur := g.CurrentUser()
	if cur == nil || cur.ID != u.ID {
		t.Fatalf("expected current user %s, got %+v", u.ID, cur)
	}

	if err := g.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if g.CurrentUser() != nil {
		t.Fatalf("expected no user after logout")
	}
	if err := g.Touch(); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	g, clock, store := newTestGuard(t)
	if _, err := g.Register("a@x.com", "A", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := g.Login("a@x.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	clock.Advance(20 * time.Minute)
	if err := g.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	clock.Advance(20 * time.Minute)
	if g.CurrentUser() == nil {
		t.Fatalf("touch should have reset the idle clock")
	}

	clock.Advance(31 * time.Minute)
	if g.CurrentUser() != nil {
		t.Fatalf("expected idle session to expire")
	}
	if _, ok, _ := store.Get(SessionKey); ok {
		t.Fatalf("expired session should be cleared")
	}
}

func TestAbsoluteTimeout(t *testing.T) {
	g, clock, _ := newTestGuard(t)
	if _, err := g.Register("a@x.com", "A", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := g.Login("a@x.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for elapsed := time.Duration(0); elapsed < DefaultAbsoluteTimeout; elapsed += 20 * time.Minute {
		clock.Advance(20 * time.Minute)
		if elapsed+20*time.Minute < DefaultAbsoluteTimeout {
			if err := g.Touch(); err != nil {
				t.Fatalf("Touch at %s: %v", elapsed, err)
			}
		}
	}
	clock.Advance(time.Minute)
	if g.CurrentUser() != nil {
		t.Fatalf("expected session to expire after the absolute timeout despite activity")
	}
}

func TestTamperedSessionIsRejected(t *testing.T) {
	g, clock, store := newTestGuard(t)
	if _, err := g.Register("a@x.com", "A", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := g.Login("a@x.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	other := New(store, Config{Secret: []byte("another-secret")}, log.New(&bytes.Buffer{}, "", 0))
	other.SetClock(clock.Now)
	if other.CurrentUser() != nil {
		t.Fatalf("a session signed with another secret must not be accepted")
	}

	if err := store.Set(SessionKey, "not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if g.CurrentUser() != nil {
		t.Fatalf("corrupt session must read as signed out")
	}
}
