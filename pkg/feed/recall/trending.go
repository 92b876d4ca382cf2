package recall

import (
	"context"

	"github.com/nova-corefabric/corefabric/pkg/feed"
)

// TrendingListLookup reads a per-window pre-computed trending list. The
// list itself is produced by pkg/feed/trending's periodic job; the
// recall strategy only ever reads it.
type TrendingListLookup interface {
	TrendingList(ctx context.Context, window string, limit int) ([]feed.Candidate, error)
}

// TrendingStrategy surfaces the pre-computed trending list for a
// configured window (hourly/daily/weekly) as recall candidates, keeping
// each entry's RecallWeight as the lookup returns it. trending.Compute's
// scores are not bounded to [0,1], and this strategy does not rescale.
type TrendingStrategy struct {
	lookup TrendingListLookup
	window string
}

func NewTrendingStrategy(lookup TrendingListLookup, window string) *TrendingStrategy {
	return &TrendingStrategy{lookup: lookup, window: window}
}

func (s *TrendingStrategy) SourceTag() string { return "trending" }

func (s *TrendingStrategy) Recall(ctx context.Context, userID string, limit int) ([]feed.Candidate, error) {
	list, err := s.lookup.TrendingList(ctx, s.window, limit)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].RecallSource = s.SourceTag()
	}
	return list, nil
}

var _ Strategy = (*TrendingStrategy)(nil)
