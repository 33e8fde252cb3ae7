// Package catalog holds the in-memory channel catalog. A snapshot is built
// from the configured listing sources and replaced wholesale on refresh, so
// readers never observe a mix of old and new entries.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stepzz-proxy/work/database"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/metrics"
	"stepzz-proxy/work/types"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"
)

// ErrCatalogUnavailable is returned when no listing could be produced and no
// earlier snapshot exists to fall back on.
var ErrCatalogUnavailable = errors.New("channel catalog unavailable")

// snapshot is an immutable view of the catalog.
type snapshot struct {
	channels   []types.Channel
	index      map[string]int
	generation uint64
	loadedAt   time.Time
}

// Catalog is the refreshable channel catalog.
type Catalog struct {
	sources       []Source
	pool          *ants.Pool
	db            *database.DB
	loadTimeout   time.Duration
	retryInterval time.Duration

	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	group      singleflight.Group
	loadMu     sync.Mutex // one Load at a time; readers never take it

	failMu   sync.Mutex
	failedAt time.Time // last Load that produced nothing; zero after a success
	failErr  error
}

// Options configures optional collaborators of a Catalog.
type Options struct {
	Pool          *ants.Pool    // fan-out pool for source fetches; goroutines are used when nil
	DB            *database.DB  // last-good snapshot persistence; disabled when nil
	LoadTimeout   time.Duration // upper bound of one Load (default 2m)
	RetryInterval time.Duration // pause after a failed Load before EnsureFresh tries again (default 30s)
}

// New creates an empty catalog over the given sources.
func New(sources []Source, opts Options) *Catalog {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 2 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	return &Catalog{
		sources:       sources,
		pool:          opts.Pool,
		db:            opts.DB,
		loadTimeout:   opts.LoadTimeout,
		retryInterval: opts.RetryInterval,
	}
}

// Restore publishes the last persisted snapshot, if any. It is meant for
// startup, so a restart during an upstream outage still serves channels.
func (c *Catalog) Restore() error {
	if c.db == nil {
		return nil
	}
	channels, err := c.db.LoadCatalog()
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}
	// zero loadedAt marks the snapshot as stale so the next EnsureFresh reloads
	c.publish(channels, time.Time{})
	logger.Info("{catalog/catalog - Restore} Restored %d channels from the database", len(channels))
	return nil
}

// sourceResult is the outcome of one source fetch.
type sourceResult struct {
	channels []types.Channel
	err      error
}

// Load fetches every source concurrently, merges them in source order
// (first occurrence of an id wins) and swaps the snapshot. When sources fail
// and nothing was produced the previous snapshot stays active and the error
// wraps ErrCatalogUnavailable.
func (c *Catalog) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()

	start := time.Now()
	logger.Debug("{catalog/catalog - Load} Loading catalog from %d sources", len(c.sources))

	results := make([]sourceResult, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			channels, err := src.Channels(ctx)
			results[i] = sourceResult{channels: channels, err: err}
		}
		if c.pool == nil {
			go task()
			continue
		}
		if err := c.pool.Submit(task); err != nil {
			logger.Warn("{catalog/catalog - Load} Worker pool rejected source %s, fetching inline: %v", src.Name(), err)
			task()
		}
	}
	wg.Wait()

	var errs []error
	merged := make([]types.Channel, 0)
	seen := make(map[string]struct{})
	for i, res := range results {
		name := c.sources[i].Name()
		if res.err != nil {
			logger.Error("{catalog/catalog - Load} Source %s failed: %v", name, res.err)
			metrics.CatalogSourceErrors.WithLabelValues(name).Inc()
			errs = append(errs, fmt.Errorf("source %s: %w", name, res.err))
			continue
		}
		for _, ch := range res.channels {
			if ch.ID == "" {
				continue
			}
			if _, dup := seen[ch.ID]; dup {
				logger.Debug("{catalog/catalog - Load} Dropping duplicate channel id %s from source %s", ch.ID, name)
				continue
			}
			seen[ch.ID] = struct{}{}
			merged = append(merged, ch)
		}
	}

	if len(errs) > 0 && len(merged) == 0 {
		if c.current.Load() != nil {
			logger.Warn("{catalog/catalog - Load} All sources failed, keeping stale catalog")
		}
		err := fmt.Errorf("%w: %w", ErrCatalogUnavailable, errors.Join(errs...))
		c.recordFailure(err)
		return err
	}
	c.recordFailure(nil)
	if len(errs) > 0 {
		logger.Warn("{catalog/catalog - Load} %d of %d sources failed, publishing partial catalog", len(errs), len(c.sources))
	}

	snap := c.publish(merged, time.Now())
	logger.Info("{catalog/catalog - Load} Catalog generation %d loaded with %d channels in %v", snap.generation, len(merged), time.Since(start).Round(time.Millisecond))

	if c.db != nil {
		if err := c.db.SaveCatalog(merged); err != nil {
			logger.Error("{catalog/catalog - Load} Failed to persist catalog: %v", err)
		}
	}
	return nil
}

func (c *Catalog) publish(channels []types.Channel, loadedAt time.Time) *snapshot {
	index := make(map[string]int, len(channels))
	for i, ch := range channels {
		index[ch.ID] = i
	}
	snap := &snapshot{
		channels:   channels,
		index:      index,
		generation: c.generation.Add(1),
		loadedAt:   loadedAt,
	}
	c.current.Store(snap)
	metrics.CatalogChannels.Set(float64(len(channels)))
	return snap
}

func (c *Catalog) recordFailure(err error) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if err == nil {
		c.failedAt, c.failErr = time.Time{}, nil
		return
	}
	c.failedAt, c.failErr = time.Now(), err
}

// recentFailure returns the error of a failed Load younger than the retry
// interval, or nil.
func (c *Catalog) recentFailure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if c.failErr == nil || time.Since(c.failedAt) >= c.retryInterval {
		return nil
	}
	return c.failErr
}

// reload starts a shared Load, detached from any one caller.
func (c *Catalog) reload(ctx context.Context) <-chan singleflight.Result {
	return c.group.DoChan("load", func() (interface{}, error) {
		return nil, c.Load(context.WithoutCancel(ctx))
	})
}

// EnsureFresh reloads the catalog when it is older than maxAge. With a
// snapshot in place it never waits: the stale snapshot keeps serving while a
// shared reload runs in the background. Only the very first load blocks the
// caller, and ErrCatalogUnavailable is returned when it fails. After a failed
// load no new one starts until the retry interval has passed.
func (c *Catalog) EnsureFresh(ctx context.Context, maxAge time.Duration) error {
	snap := c.current.Load()
	if snap != nil && maxAge > 0 && time.Since(snap.loadedAt) < maxAge {
		return nil
	}

	if err := c.recentFailure(); err != nil {
		if snap != nil {
			return nil
		}
		return err
	}

	if snap != nil {
		c.reload(ctx)
		logger.Debug("{catalog/catalog - EnsureFresh} Catalog generation %d is stale, refreshing in the background", snap.generation)
		return nil
	}

	var err error
	select {
	case res := <-c.reload(ctx):
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil || c.current.Load() != nil {
		return nil
	}
	if errors.Is(err, ErrCatalogUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
}

// Get returns the channel with the given id.
func (c *Catalog) Get(id string) (types.Channel, bool) {
	snap := c.current.Load()
	if snap == nil {
		return types.Channel{}, false
	}
	i, ok := snap.index[id]
	if !ok {
		return types.Channel{}, false
	}
	return snap.channels[i], true
}

// List returns the channels in source order. The slice is shared with the
// snapshot and must not be modified.
func (c *Catalog) List() []types.Channel {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	return snap.channels
}

// Snapshot returns the channel list together with its generation, read from
// the same snapshot.
func (c *Catalog) Snapshot() ([]types.Channel, uint64) {
	snap := c.current.Load()
	if snap == nil {
		return nil, 0
	}
	return snap.channels, snap.generation
}

// Generation identifies the active snapshot; it changes on every swap.
// Zero means nothing has been loaded yet.
func (c *Catalog) Generation() uint64 {
	snap := c.current.Load()
	if snap == nil {
		return 0
	}
	return snap.generation
}

// LoadedAt returns when the active snapshot was fetched. A restored snapshot
// reports the zero time.
func (c *Catalog) LoadedAt() time.Time {
	snap := c.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.loadedAt
}

// Available reports whether any snapshot is active.
func (c *Catalog) Available() bool {
	return c.current.Load() != nil
}
