// Package trending computes periodic trending lists from raw engagement
// events, per the weighted-events-then-decay-power formula.
package trending

import (
	"math"
	"sort"
	"time"
)

// Config tunes one trending window. DecayFactor is raised to the power of
// hours-since-latest-event, so it must lie in (0,1); smaller values decay
// faster. Typical presets: fast 0.9, moderate 0.95, slow 0.98.
type Config struct {
	WindowHours int     `env:"TRENDING_WINDOW_HOURS" env-default:"24"`
	DecayFactor float64 `env:"TRENDING_DECAY_FACTOR" env-default:"0.95"`
	TopK        int     `env:"TRENDING_TOP_K" env-default:"50"`
}

// Activity is the raw per-post engagement counters observed within the
// window, plus the timestamp of the most recent event — the only input
// the decay term depends on.
type Activity struct {
	PostID          string
	Views           int64
	Likes           int64
	Comments        int64
	Shares          int64
	LatestEventTime time.Time
}

// Score is one post's computed trending score, the unit the periodic job
// persists and the ranker's trending recall strategy reads back.
type Score struct {
	PostID          string
	WeightedEvents  float64
	Score           float64
	LatestEventTime time.Time
}

// Compute applies the formula:
//
//	weighted_events = 0.1*views + 2*likes + 3*comments + 5*shares
//	decay           = decay_factor ^ hours_since_latest_event
//	score           = weighted_events * decay
//
// against `now`, returning the top cfg.TopK scores sorted descending,
// ties broken by latest event timestamp then post id.
func Compute(activities []Activity, cfg Config, now time.Time) []Score {
	scores := make([]Score, 0, len(activities))
	for _, a := range activities {
		weighted := 0.1*float64(a.Views) + 2*float64(a.Likes) + 3*float64(a.Comments) + 5*float64(a.Shares)
		hoursSince := now.Sub(a.LatestEventTime).Hours()
		if hoursSince < 0 {
			hoursSince = 0
		}
		decay := math.Pow(cfg.DecayFactor, hoursSince)

		scores = append(scores, Score{
			PostID:          a.PostID,
			WeightedEvents:  weighted,
			Score:           weighted * decay,
			LatestEventTime: a.LatestEventTime,
		})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		if !scores[i].LatestEventTime.Equal(scores[j].LatestEventTime) {
			return scores[i].LatestEventTime.After(scores[j].LatestEventTime)
		}
		return scores[i].PostID < scores[j].PostID
	})

	topK := cfg.TopK
	if topK <= 0 {
		topK = 50
	}
	if len(scores) > topK {
		scores = scores[:topK]
	}
	return scores
}
