package feeds

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"paperfeed/config"
	"paperfeed/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultInitialPageSize = 10
	DefaultPageSize        = 20
	DefaultLowWatermark    = 5
	DefaultFetchTimeout    = 15 * time.Second
)

// Options configures a Controller
type Options struct {
	// Page size of the first fetch after a topic change or reset
	InitialPageSize int
	// Page size of continuation fetches
	PageSize int
	// A background refill starts once the buffer holds this many items or fewer
	LowWatermark int
	// Upper bound for a single fetch, zero means no timeout
	FetchTimeout time.Duration
	// Topics to query when no topic is selected, e.g. the user's interests
	FallbackTopics []string
	// Display filters, DefaultFilters when nil
	Filters []Filter
	// Called with the controller locked after every state change.
	// It must not block or call back into the controller.
	OnChange func(State)
	// Picks one of the fallback topics, lo.Sample when nil
	PickTopic func(topics []string) string
}

func DefaultOptions() Options {
	return Options{
		InitialPageSize: DefaultInitialPageSize,
		PageSize:        DefaultPageSize,
		LowWatermark:    DefaultLowWatermark,
		FetchTimeout:    DefaultFetchTimeout,
	}
}

// OptionsFromConfig builds controller options from the feed configuration
func OptionsFromConfig(cfg config.FeedConfig, fallbackTopics []string) Options {
	filters := DefaultFilters()
	if languageFilter := NewLanguageFilter(cfg.Languages); languageFilter != nil {
		filters = append(filters, languageFilter)
	}

	return Options{
		InitialPageSize: cfg.InitialPageSize,
		PageSize:        cfg.PageSize,
		LowWatermark:    cfg.LowWatermark,
		FetchTimeout:    cfg.FetchTimeout,
		FallbackTopics:  fallbackTopics,
		Filters:         filters,
	}
}

// Controller owns the state of one paper feed. It fills the buffer from a
// paginated source, removes swiped items and refills ahead when the buffer
// runs low.
//
// All state changes happen under one mutex; fetches run outside of it. Every
// fetch carries the generation of the topic it was issued for, and results
// are dropped if the topic has changed since.
type Controller struct {
	mu         sync.Mutex
	source     Source
	opts       Options
	state      State
	generation uint64
	selected   bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type fetchRequest struct {
	generation uint64
	query      string
	offset     int
	limit      int
	reset      bool
}

func New(ctx context.Context, source Source, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.InitialPageSize < 1 {
		opts.InitialPageSize = defaults.InitialPageSize
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaults.PageSize
	}
	if opts.LowWatermark < 0 {
		opts.LowWatermark = defaults.LowWatermark
	}
	if opts.Filters == nil {
		opts.Filters = DefaultFilters()
	}
	if opts.PickTopic == nil {
		opts.PickTopic = lo.Sample[string]
	}
	opts.FallbackTopics = lo.Compact(lo.Map(opts.FallbackTopics, func(topic string, _ int) string {
		return strings.TrimSpace(topic)
	}))

	ctx, cancel := context.WithCancel(ctx)

	return &Controller{
		source: source,
		opts:   opts,
		state: State{
			HasMore: true,
			Status:  StatusIdle,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns a snapshot of the feed
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SelectTopic switches the feed to topic and runs the initial fetch. Selecting
// the current topic again is a no-op. Any fetch still in flight for the
// previous topic is discarded when it completes.
func (c *Controller) SelectTopic(ctx context.Context, topic string) State {
	topic = strings.TrimSpace(topic)

	c.mu.Lock()
	if c.closed || (c.selected && topic == c.state.Topic) {
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}

	c.selected = true
	c.generation++
	c.state = State{
		Topic:   topic,
		HasMore: true,
		Status:  StatusLoadingInitial,
	}

	query, err := c.resolveQuery(topic)
	if err != nil {
		log.WithFields(log.Fields{
			"topic": topic,
		}).Info("No topic to query, feed is empty")
		c.state.HasMore = false
		c.state.Status = StatusReady
		c.changedLocked()
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}
	c.state.Query = query

	log.WithFields(log.Fields{
		"topic": topic,
		"query": query,
	}).Info("Feed topic selected")

	req := c.beginLocked(true)
	c.mu.Unlock()

	c.run(ctx, req)
	return c.State()
}

// FetchPage loads the next page, or the first page again when reset is true,
// and blocks until it is applied. It does nothing while another fetch is in
// flight, after Close, or when reset is false and the source is exhausted.
// Failures end up in the state, never in the return value.
func (c *Controller) FetchPage(ctx context.Context, reset bool) State {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}
	if c.state.Status.Pending() {
		log.WithFields(log.Fields{
			"query":  c.state.Query,
			"status": c.state.Status,
		}).Debug("Fetch already in flight, skipping")
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}

	if c.state.Query == "" {
		query, err := c.resolveQuery(c.state.Topic)
		c.selected = true
		if err != nil {
			c.state.Items = nil
			c.state.HasMore = false
			c.state.Status = StatusReady
			c.changedLocked()
			defer c.mu.Unlock()
			return c.snapshotLocked()
		}
		c.state.Query = query
	}

	if !reset && !c.state.HasMore {
		defer c.mu.Unlock()
		return c.snapshotLocked()
	}

	req := c.beginLocked(reset)
	c.mu.Unlock()

	c.run(ctx, req)
	return c.State()
}

// Consume removes the item with the given unique key, as when a user swipes
// it away. Unknown keys are ignored. When the buffer runs low a refill is
// started in the background; Consume never waits for it.
func (c *Controller) Consume(key string) (removed bool, refilling bool) {
	c.mu.Lock()
	_, index, found := lo.FindIndexOf(c.state.Items, func(item models.FeedItem) bool {
		return item.UniqueKey == key
	})
	if !found {
		c.mu.Unlock()
		return false, false
	}

	c.state.Items = slices.Delete(c.state.Items, index, index+1)
	feedConsumedItems.Inc()
	c.changedLocked()

	req, ok := c.refillLocked()
	c.mu.Unlock()

	if ok {
		c.spawn(req)
	}
	return true, ok
}

// RefillIfNeeded starts a background continuation fetch when the buffer is at
// or below the low watermark, more pages are expected and nothing is in
// flight. It reports whether a fetch was started.
func (c *Controller) RefillIfNeeded() bool {
	c.mu.Lock()
	req, ok := c.refillLocked()
	c.mu.Unlock()

	if ok {
		c.spawn(req)
	}
	return ok
}

// Wait blocks until all background refills have finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels any fetch in flight and waits for background work to stop.
// No fetch is started afterwards; Consume still removes items.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Controller) resolveQuery(topic string) (string, error) {
	if topic != "" {
		return topic, nil
	}
	if len(c.opts.FallbackTopics) == 0 {
		return "", ErrNoTopic
	}
	return c.opts.PickTopic(c.opts.FallbackTopics), nil
}

func (c *Controller) refillLocked() (fetchRequest, bool) {
	// wg.Add must not race with the Wait in Close
	if c.closed ||
		len(c.state.Items) > c.opts.LowWatermark ||
		!c.state.HasMore ||
		c.state.Status.Pending() ||
		c.state.Query == "" {
		return fetchRequest{}, false
	}

	feedRefills.Inc()
	c.wg.Add(1)
	return c.beginLocked(false), true
}

// beginLocked marks a fetch as in flight and describes it
func (c *Controller) beginLocked(reset bool) fetchRequest {
	req := fetchRequest{
		generation: c.generation,
		query:      c.state.Query,
		offset:     c.state.Cursor,
		limit:      c.opts.PageSize,
		reset:      reset,
	}
	c.state.Status = StatusLoadingMore
	if reset {
		req.offset = 0
		req.limit = c.opts.InitialPageSize
		c.state.Status = StatusLoadingInitial
	}
	c.state.LastError = ""
	c.changedLocked()
	return req
}

// spawn runs a fetch registered by refillLocked in the background
func (c *Controller) spawn(req fetchRequest) {
	go func() {
		defer c.wg.Done()
		c.run(c.ctx, req)
	}()
}

func (c *Controller) run(ctx context.Context, req fetchRequest) {
	var cancel context.CancelFunc
	if c.opts.FetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Closing the controller aborts fetches started with a caller's context too
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	start := time.Now()
	page, err := c.source.FetchPage(ctx, req.query, req.offset, req.limit)
	if err == nil && page == nil {
		err = ErrUnexpectedResponse
	}

	log.WithFields(log.Fields{
		"query":   req.query,
		"offset":  req.offset,
		"limit":   req.limit,
		"kind":    fetchKind(req.reset),
		"latency": time.Since(start),
	}).Debug("Fetched page")

	c.apply(req, page, err)
}

func (c *Controller) apply(req fetchRequest, page *models.Page, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := fetchKind(req.reset)

	if req.generation != c.generation {
		feedStaleResponses.Inc()
		feedFetches.WithLabelValues(kind, "stale").Inc()
		log.WithFields(log.Fields{
			"query":  req.query,
			"offset": req.offset,
			"error":  errStaleResponse,
		}).Debug("Dropping result for previous topic")
		return
	}

	if err != nil {
		feedFetches.WithLabelValues(kind, "error").Inc()
		fetchErr := &FetchError{
			Query:  req.query,
			Offset: req.offset,
			Limit:  req.limit,
			Err:    err,
		}
		log.WithFields(log.Fields{
			"error": fetchErr,
			"kind":  kind,
		}).Error("Error loading papers")

		c.state.Status = StatusError
		c.state.LastError = UserFacingError
		if req.reset {
			c.state.Items = nil
			c.state.Cursor = 0
			c.state.HasMore = true
		}
		c.changedLocked()
		return
	}

	feedFetches.WithLabelValues(kind, "ok").Inc()

	// Everything the source returned counts toward the cursor, displayable or not
	returned := max(page.TotalReturned, len(page.Items))

	var items []models.FeedItem
	if !req.reset {
		items = c.state.Items
	}
	seen := lo.SliceToMap(items, func(item models.FeedItem) (string, struct{}) {
		return item.UniqueKey, struct{}{}
	})

	filtered := 0
	for i, paper := range page.Items {
		if !displayable(paper, c.opts.Filters) {
			filtered++
			continue
		}
		key := uniqueKey(req.query, req.offset+i)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, models.FeedItem{Paper: paper, UniqueKey: key})
	}
	feedFilteredPapers.Add(float64(filtered))

	c.state.Items = items
	c.state.Cursor = req.offset + returned
	// A full page is taken to mean there is more. The source gives no total, so
	// a last page that happens to be full costs one extra, empty fetch.
	c.state.HasMore = returned > 0 && returned == req.limit
	c.state.Status = StatusReady
	c.state.LastError = ""

	log.WithFields(log.Fields{
		"query":    req.query,
		"kind":     kind,
		"returned": returned,
		"filtered": filtered,
		"buffered": len(items),
		"cursor":   c.state.Cursor,
		"hasMore":  c.state.HasMore,
	}).Info("Loaded papers")

	c.changedLocked()
}

func (c *Controller) changedLocked() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.snapshotLocked())
	}
}

func (c *Controller) snapshotLocked() State {
	state := c.state
	state.Items = slices.Clone(c.state.Items)
	return state
}

func uniqueKey(query string, offset int) string {
	return fmt.Sprintf("%s-%d", query, offset)
}
