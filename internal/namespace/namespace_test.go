package namespace

import (
	"strings"
	"testing"

	"plansync/internal/model"
)

func TestKeyFor_StableAndKeySafe(t *testing.T) {
	u := &model.User{Email: "Alice.Smith@Example.com"}
	a := KeyFor(u, model.CollectionTasks)
	b := KeyFor(&model.User{Email: " alice.smith@example.com "}, model.CollectionTasks)
	if a != b {
		t.Fatalf("expected same key for same email, got %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, Prefix) || !strings.HasSuffix(a, "_tasks") {
		t.Fatalf("unexpected key shape: %q", a)
	}
	for _, r := range a {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			t.Fatalf("key contains unsafe rune %q: %s", r, a)
		}
	}
}

func TestKeyFor_DistinctIdentitiesDoNotCollide(t *testing.T) {
	pairs := [][2]string{
		{"a.b@x.com", "a_b@x.com"},
		{"a@x.com", "b@x.com"},
		{"a-b@x.com", "a.b@x.com"},
		{"ab_2e@x.com", "ab.@x.com"},
	}
	for _, p := range pairs {
		ka := KeyFor(&model.User{Email: p[0]}, model.CollectionTasks)
		kb := KeyFor(&model.User{Email: p[1]}, model.CollectionTasks)
		if ka == kb {
			t.Fatalf("collision between %q and %q: %s", p[0], p[1], ka)
		}
	}
}

func TestIdentity_PrefersID(t *testing.T) {
	u := &model.User{ID: "u-123", Email: "a@x.com"}
	if got := Identity(u); got != "u-123" {
		t.Fatalf("expected id, got %q", got)
	}
	if got := KeyFor(nil, model.CollectionLists); got != Prefix+Anonymous+"_lists" {
		t.Fatalf("unexpected anonymous key: %q", got)
	}
}
