package trending_test

import (
	"math"
	"testing"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/feed/trending"
)

// TestComputeOrdering implements scenario S3: three posts aged 1h, 5h, 24h
// with distinct engagement counters and decay_factor=0.95; asserts the
// output order matches the §4.4.2 formula.
func TestComputeOrdering(t *testing.T) {
	now := time.Now()
	activities := []trending.Activity{
		{PostID: "p-1h", Views: 1000, Likes: 0, Comments: 0, Shares: 0, LatestEventTime: now.Add(-1 * time.Hour)},
		{PostID: "p-5h", Views: 100, Likes: 10, Comments: 5, Shares: 2, LatestEventTime: now.Add(-5 * time.Hour)},
		{PostID: "p-24h", Views: 50, Likes: 50, Comments: 20, Shares: 10, LatestEventTime: now.Add(-24 * time.Hour)},
	}

	cfg := trending.Config{DecayFactor: 0.95, TopK: 50}
	scores := trending.Compute(activities, cfg, now)

	if len(scores) != 3 {
		t.Fatalf("expected 3 scores, got %d", len(scores))
	}

	expected := map[string]float64{
		"p-1h":  100 * math.Pow(0.95, 1),
		"p-5h":  (0.1*100 + 2*10 + 3*5 + 5*2) * math.Pow(0.95, 5),
		"p-24h": (0.1*50 + 2*50 + 3*20 + 5*10) * math.Pow(0.95, 24),
	}

	for id, want := range expected {
		got := scoreFor(scores, id)
		if diff := got - want; diff > 0.01 || diff < -0.01 {
			t.Fatalf("post %s: got score %v, want %v", id, got, want)
		}
	}

	// Determine expected order by the computed scores themselves.
	ids := []string{"p-1h", "p-5h", "p-24h"}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if expected[ids[i]] < expected[ids[j]] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for i, id := range ids {
		if scores[i].PostID != id {
			t.Fatalf("position %d: got %s, want %s (full order %+v)", i, scores[i].PostID, id, scores)
		}
	}
}

func TestComputeTopKAndTies(t *testing.T) {
	now := time.Now()
	same := now.Add(-2 * time.Hour)
	activities := []trending.Activity{
		{PostID: "b", Views: 10, LatestEventTime: same},
		{PostID: "a", Views: 10, LatestEventTime: same},
	}
	scores := trending.Compute(activities, trending.Config{DecayFactor: 0.95, TopK: 1}, now)
	if len(scores) != 1 {
		t.Fatalf("expected TopK=1 to cap the result, got %d", len(scores))
	}
	if scores[0].PostID != "a" {
		t.Fatalf("expected tie broken by post id ascending, got %s", scores[0].PostID)
	}
}

func scoreFor(scores []trending.Score, id string) float64 {
	for _, s := range scores {
		if s.PostID == id {
			return s.Score
		}
	}
	return -1
}

