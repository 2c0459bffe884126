package queue

import (
	"testing"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
)

func TestBackoffFor(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{6, 1920 * time.Second},  // 60*2^5 = 1920, still under cap
		{7, 3600 * time.Second},  // 60*2^6 = 3840, capped
		{20, 3600 * time.Second}, // far beyond cap
	}
	for _, c := range cases {
		if got := backoffFor(c.retryCount); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestSortByPriority_RankDescStable(t *testing.T) {
	// Input mirrors DequeueCandidates' own created_at-ascending ordering;
	// sortByPriority must only reorder by rank, preserving that ordering
	// among equal-rank entries (spec.md §4.4.2, property P3).
	t0 := time.Now()
	msgs := []*store.QueueMessage{
		{MessageID: "a", Priority: store.PriorityLow, CreatedAt: t0},
		{MessageID: "d", Priority: store.PriorityNormal, CreatedAt: t0},
		{MessageID: "e", Priority: store.PriorityHigh, CreatedAt: t0},
		{MessageID: "c", Priority: store.PriorityUrgent, CreatedAt: t0},
		{MessageID: "b", Priority: store.PriorityUrgent, CreatedAt: t0.Add(time.Second)},
	}
	sortByPriority(msgs)

	want := []string{"c", "b", "e", "d", "a"}
	got := make([]string, len(msgs))
	for i, m := range msgs {
		got[i] = m.MessageID
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortByPriority order = %v, want %v", got, want)
		}
	}
}

// TestGetStats_ZeroValueShape documents the contract relied on by callers:
// a failed stats query returns an initialized, empty map rather than nil
// (spec.md §4.4.4). The query-failure path itself needs a live database and
// is not exercised by this package's unit tests.
func TestGetStats_ZeroValueShape(t *testing.T) {
	zero := Stats{ByStatus: map[store.Status]int{}}
	if zero.ByStatus == nil {
		t.Fatal("zero-value Stats must carry a non-nil ByStatus map")
	}
	if zero.Total != 0 {
		t.Errorf("zero-value Stats.Total = %d, want 0", zero.Total)
	}
}
