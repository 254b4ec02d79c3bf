package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfeed_feed_fetches_total",
		Help: "Feed page fetches by kind (initial, more) and outcome (ok, error, stale)",
	}, []string{"kind", "outcome"})

	feedStaleResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfeed_feed_stale_responses_total",
		Help: "Fetch results discarded because the feed topic changed while in flight",
	})

	feedFilteredPapers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfeed_feed_filtered_papers_total",
		Help: "Papers dropped by display filters before entering a feed",
	})

	feedConsumedItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfeed_feed_consumed_items_total",
		Help: "Items swiped away from feeds",
	})

	feedRefills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfeed_feed_refills_total",
		Help: "Background refills started because a feed ran low",
	})
)

func fetchKind(reset bool) string {
	if reset {
		return "initial"
	}
	return "more"
}
