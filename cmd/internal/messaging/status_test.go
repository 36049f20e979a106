package messaging

import "testing"

func TestStatusRankOrdering(t *testing.T) {
	t.Parallel()

	if !(StatusSent.Rank() < StatusDelivered.Rank() && StatusDelivered.Rank() < StatusSeen.Rank()) {
		t.Fatalf("rank ordering broken: sent=%d delivered=%d seen=%d",
			StatusSent.Rank(), StatusDelivered.Rank(), StatusSeen.Rank())
	}
	if Status("bogus").Rank() != -1 {
		t.Fatalf("unknown status rank=%d want -1", Status("bogus").Rank())
	}
}

func TestStatusCanAdvanceTo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusSeen, true},
		{StatusDelivered, StatusSeen, true},
		{StatusDelivered, StatusSent, false},
		{StatusSeen, StatusDelivered, false},
		{StatusSeen, StatusSeen, false},
		{StatusSent, Status("bogus"), false},
	}

	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
