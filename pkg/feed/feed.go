// Package feed implements candidate recall, time-decay ranking and
// circuit-broken fallback for a user's home feed.
package feed

import "time"

// Candidate is one post proposed by a recall strategy, enriched with
// scores as it moves through the ranking pipeline. CombinedScore is
// authoritative for ordering; the component scores exist for diagnostics
// and tie-breaking only.
type Candidate struct {
	PostID        string
	AuthorID      string
	RecallSource  string // "follow" | "item_cf" | "trending" | "semantic"
	RecallWeight  float64
	Views         int64
	Likes         int64
	Comments      int64
	Shares        int64
	Impressions   int64
	FreshnessScore float64
	EngagementScore float64
	AffinityScore float64
	CombinedScore float64
	CreatedAt     time.Time
}

// FeatureVector is keyed by (subject, feature name) -> value in the
// online feature store.
type FeatureVector map[string]float64

// Weights configures the combined-score blend: combined = w_f*freshness +
// w_e*engagement + w_a*affinity + w_r*recall_weight.
type Weights struct {
	Freshness  float64 `env:"FEED_WEIGHT_FRESHNESS" env-default:"0.3"`
	Engagement float64 `env:"FEED_WEIGHT_ENGAGEMENT" env-default:"0.3"`
	Affinity   float64 `env:"FEED_WEIGHT_AFFINITY" env-default:"0.2"`
	Recall     float64 `env:"FEED_WEIGHT_RECALL" env-default:"0.2"`
}

// Config is the feed engine's tunable surface.
type Config struct {
	DecayLambda             float64       `env:"FEED_DECAY_LAMBDA" env-default:"0.08"`
	MinEngagementThreshold  float64       `env:"FEED_MIN_ENGAGEMENT_THRESHOLD" env-default:"0"`
	RankingDeadline         time.Duration `env:"FEED_RANKING_DEADLINE" env-default:"250ms"`
	PerStrategyBudget       time.Duration `env:"FEED_STRATEGY_BUDGET" env-default:"80ms"`
	Weights                 Weights
}
