package messaging

import (
	"errors"
	"testing"
)

func TestMakeKey_Commutative(t *testing.T) {
	t.Parallel()

	ab, err := MakeKey("alice", "bob")
	if err != nil {
		t.Fatalf("MakeKey(alice, bob): %v", err)
	}
	ba, err := MakeKey("bob", "alice")
	if err != nil {
		t.Fatalf("MakeKey(bob, alice): %v", err)
	}
	if ab != ba {
		t.Fatalf("key not commutative: %q vs %q", ab, ba)
	}
	if ab != "alice_bob" {
		t.Fatalf("unexpected canonical key: %q", ab)
	}
}

func TestMakeKey_DistinctPairsDistinctKeys(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"alice", "bob"},
		{"alice", "carol"},
		{"bob", "carol"},
		{"a.b", "a-b"},
		{"u:1", "u:2"},
	}

	seen := make(map[string][2]string, len(pairs))
	for _, p := range pairs {
		key, err := MakeKey(p[0], p[1])
		if err != nil {
			t.Fatalf("MakeKey(%q, %q): %v", p[0], p[1], err)
		}
		if prev, dup := seen[key]; dup {
			t.Fatalf("collision: %v and %v both map to %q", prev, p, key)
		}
		seen[key] = p
	}
}

func TestMakeKey_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b string
	}{
		{name: "self pair", a: "alice", b: "alice"},
		{name: "self pair with spaces", a: " alice ", b: "alice"},
		{name: "empty id", a: "", b: "bob"},
		{name: "separator in id", a: "ali_ce", b: "bob"},
		{name: "leading dot", a: ".alice", b: "bob"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := MakeKey(tc.a, tc.b); !errors.Is(err, ErrInvalidParticipants) {
				t.Fatalf("MakeKey(%q, %q) err=%v want ErrInvalidParticipants", tc.a, tc.b, err)
			}
		})
	}
}

func TestParseKey_RoundTrip(t *testing.T) {
	t.Parallel()

	key, err := MakeKey("bob", "alice")
	if err != nil {
		t.Fatalf("MakeKey: %v", err)
	}

	first, second, err := ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey(%q): %v", key, err)
	}
	if first != "alice" || second != "bob" {
		t.Fatalf("ParseKey(%q)=(%q,%q) want (alice,bob)", key, first, second)
	}
}

func TestParseKey_RejectsNonCanonical(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "alice", "bob_alice", "alice_alice", "a_b_c"} {
		if _, _, err := ParseKey(key); !errors.Is(err, ErrInvalidParticipants) {
			t.Fatalf("ParseKey(%q) err=%v want ErrInvalidParticipants", key, err)
		}
	}
}

func TestOtherParticipant(t *testing.T) {
	t.Parallel()

	key := "alice_bob"

	other, err := OtherParticipant(key, "alice")
	if err != nil || other != "bob" {
		t.Fatalf("OtherParticipant(alice)=(%q,%v) want (bob,nil)", other, err)
	}
	other, err = OtherParticipant(key, "bob")
	if err != nil || other != "alice" {
		t.Fatalf("OtherParticipant(bob)=(%q,%v) want (alice,nil)", other, err)
	}
	if _, err := OtherParticipant(key, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("OtherParticipant(mallory) err=%v want ErrNotParticipant", err)
	}

	if IsParticipant(key, "mallory") {
		t.Fatalf("IsParticipant(mallory)=true want false")
	}
	if !IsParticipant(key, "alice") || !IsParticipant(key, "bob") {
		t.Fatalf("participants not recognized for %q", key)
	}
}
