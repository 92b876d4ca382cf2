package recall_test

import (
	"testing"

	"github.com/nova-corefabric/corefabric/pkg/feed"
	"github.com/nova-corefabric/corefabric/pkg/feed/recall"
)

func cand(id string, w float64) feed.Candidate {
	return feed.Candidate{PostID: id, RecallWeight: w}
}

// TestMergeKeepsHighestWeightPerDuplicate implements scenario S4.
func TestMergeKeepsHighestWeightPerDuplicate(t *testing.T) {
	follow := []feed.Candidate{cand("p1", 0.6), cand("p2", 0.9)}
	itemCF := []feed.Candidate{cand("p2", 0.4), cand("p3", 0.7)}
	trending := []feed.Candidate{cand("p1", 0.8), cand("p4", 0.5)}

	merged := recall.Merge([][]feed.Candidate{follow, itemCF, trending}, 3)

	if len(merged) != 3 {
		t.Fatalf("expected 3 merged candidates, got %d: %+v", len(merged), merged)
	}
	want := []struct {
		id string
		w  float64
	}{
		{"p2", 0.9},
		{"p1", 0.8},
		{"p3", 0.7},
	}
	for i, w := range want {
		if merged[i].PostID != w.id || merged[i].RecallWeight != w.w {
			t.Fatalf("position %d: got (%s,%v), want (%s,%v)", i, merged[i].PostID, merged[i].RecallWeight, w.id, w.w)
		}
	}
}

func TestMergeDeduplicatesAcrossAllStrategies(t *testing.T) {
	a := []feed.Candidate{cand("p1", 0.1)}
	b := []feed.Candidate{cand("p1", 0.1), cand("p1", 0.9)}

	merged := recall.Merge([][]feed.Candidate{a, b}, 10)
	count := 0
	for _, c := range merged {
		if c.PostID == "p1" {
			count++
			if c.RecallWeight != 0.9 {
				t.Fatalf("expected retained weight 0.9, got %v", c.RecallWeight)
			}
		}
	}
	if count != 1 {
		t.Fatalf("p1 must appear exactly once in the merged set, appeared %d times", count)
	}
}
