// Package resolver turns a stable channel into its current upstream manifest
// URL. Results are cached per channel for a short freshness window and
// concurrent lookups for the same channel share one upstream resolution.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"stepzz-proxy/work/config"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/metrics"
	"stepzz-proxy/work/parser"
	"stepzz-proxy/work/types"
	"stepzz-proxy/work/utils"

	"github.com/maypok86/otter/v2"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"
)

// ErrResolutionFailed is returned when the resolution protocol exhausted its
// attempts for a channel.
var ErrResolutionFailed = errors.New("manifest resolution failed")

// maxPageBytes bounds a player page read into memory.
const maxPageBytes = 4 << 20

// Fetcher issues upstream GET requests with extra headers.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error)
}

// Options tunes the resolver.
type Options struct {
	TTL           time.Duration // freshness window of a resolution
	FailureTTL    time.Duration // how long a failure is remembered (0 disables)
	Retries       int           // attempts per resolution
	Backoff       time.Duration // delay before the second attempt, doubled after each
	Timeout       time.Duration // upper bound of one shared resolution
	RatePerSecond int           // upstream page fetches per second (0 = unlimited)
	MaxHops       int           // player pages followed after the locator page
	MaxEntries    int           // cache capacity
	UserAgent     string        // User-Agent recorded in playback headers
}

// OptionsFromConfig maps the application config onto resolver options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TTL:           cfg.ResolveTTL,
		FailureTTL:    cfg.ResolveFailureTTL,
		Retries:       cfg.ResolveRetries,
		Backoff:       cfg.ResolveBackoff,
		Timeout:       cfg.ResolveTimeout,
		RatePerSecond: cfg.ResolveRatePerSecond,
		MaxHops:       cfg.ResolveMaxHops,
		UserAgent:     cfg.UserAgent,
	}
}

func (o *Options) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxHops < 0 {
		o.MaxHops = 0
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10_000
	}
}

// Stats is a point-in-time view of the resolver for the admin API.
type Stats struct {
	Cached        int   `json:"cached"`
	UpstreamCalls int64 `json:"upstreamCalls"`
	Resolutions   int64 `json:"resolutions"`
	Failures      int64 `json:"failures"`
}

// Resolver resolves channels to manifest URLs.
type Resolver struct {
	fetcher  Fetcher
	opts     Options
	cache    *otter.Cache[string, *types.ResolvedStream]
	failures *otter.Cache[string, error]
	group    singleflight.Group
	limiter  ratelimit.Limiter

	upstreamCalls atomic.Int64
	resolutions   atomic.Int64
	failed        atomic.Int64
}

// New creates a resolver fetching pages through fetcher.
func New(fetcher Fetcher, opts Options) *Resolver {
	opts.setDefaults()

	r := &Resolver{
		fetcher: fetcher,
		opts:    opts,
		cache: otter.Must(&otter.Options[string, *types.ResolvedStream]{
			MaximumSize:      opts.MaxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, *types.ResolvedStream](opts.TTL),
		}),
		limiter: ratelimit.NewUnlimited(),
	}
	if opts.FailureTTL > 0 {
		r.failures = otter.Must(&otter.Options[string, error]{
			MaximumSize:      opts.MaxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, error](opts.FailureTTL),
		})
	}
	if opts.RatePerSecond > 0 {
		r.limiter = ratelimit.New(opts.RatePerSecond)
	}
	return r
}

// Resolve returns a fresh resolution for ch, from cache when possible.
// Concurrent callers for the same channel share one upstream resolution; each
// caller still stops waiting when its own ctx ends.
func (r *Resolver) Resolve(ctx context.Context, ch types.Channel) (*types.ResolvedStream, error) {
	if rs, ok := r.cached(ch.ID); ok {
		metrics.Resolutions.WithLabelValues("hit").Inc()
		return rs, nil
	}
	if r.failures != nil {
		if err, ok := r.failures.GetIfPresent(ch.ID); ok {
			metrics.Resolutions.WithLabelValues("negative").Inc()
			return nil, err
		}
	}

	resCh := r.group.DoChan(ch.ID, func() (interface{}, error) {
		// another flight may have finished between the cache miss and here
		if rs, ok := r.cached(ch.ID); ok {
			return rs, nil
		}

		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeout)
		defer cancel()

		start := time.Now()
		rs, err := r.resolveWithRetry(sharedCtx, ch)
		metrics.ResolveDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			r.failed.Add(1)
			metrics.Resolutions.WithLabelValues("failed").Inc()
			err = fmt.Errorf("%w: channel %s: %w", ErrResolutionFailed, ch.ID, err)
			if r.failures != nil {
				r.failures.Set(ch.ID, err)
			}
			return nil, err
		}

		r.resolutions.Add(1)
		metrics.Resolutions.WithLabelValues("resolved").Inc()
		r.cache.Set(ch.ID, rs)
		return rs, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.ResolvedStream), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) cached(id string) (*types.ResolvedStream, bool) {
	rs, ok := r.cache.GetIfPresent(id)
	if !ok || !rs.Fresh(time.Now()) {
		return nil, false
	}
	return rs, true
}

// Invalidate drops the cached resolution (and remembered failure) for a
// channel so the next Resolve goes upstream.
func (r *Resolver) Invalidate(channelID string) {
	r.cache.Invalidate(channelID)
	if r.failures != nil {
		r.failures.Invalidate(channelID)
	}
	logger.Debug("{resolver/resolver - Invalidate} Dropped cached resolution for channel %s", channelID)
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.cache.InvalidateAll()
	if r.failures != nil {
		r.failures.InvalidateAll()
	}
}

// Stats returns resolver counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Cached:        r.cache.EstimatedSize(),
		UpstreamCalls: r.upstreamCalls.Load(),
		Resolutions:   r.resolutions.Load(),
		Failures:      r.failed.Load(),
	}
}

// resolveWithRetry runs the protocol up to Retries times with doubling backoff.
func (r *Resolver) resolveWithRetry(ctx context.Context, ch types.Channel) (*types.ResolvedStream, error) {
	if ch.Locator == "" {
		return nil, errors.New("channel has no upstream locator")
	}

	backoff := r.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		rs, err := r.resolveOnce(ctx, ch)
		if err == nil {
			logger.Debug("{resolver/resolver - resolveWithRetry} Resolved channel %s on attempt %d", ch.ID, attempt)
			return rs, nil
		}
		lastErr = err
		logger.Warn("{resolver/resolver - resolveWithRetry} Attempt %d/%d for channel %s failed: %v", attempt, r.opts.Retries, ch.ID, err)

		if attempt == r.opts.Retries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// resolveOnce walks from the locator page to a manifest: a page that is
// itself a manifest ends the walk, a manifest reference on the page ends it,
// otherwise the embedded player page is followed, up to MaxHops times.
func (r *Resolver) resolveOnce(ctx context.Context, ch types.Channel) (*types.ResolvedStream, error) {
	page := ch.Locator
	referer := ""

	for hop := 0; hop <= r.opts.MaxHops; hop++ {
		body, finalURL, err := r.fetchPage(ctx, page, referer)
		if err != nil {
			return nil, err
		}

		if parser.IsManifest(body) {
			return r.result(ch.ID, finalURL, referer), nil
		}

		content := string(body)
		if ref := findManifestRef(content); ref != "" {
			manifestURL := utils.ResolveReference(finalURL, ref)
			return r.result(ch.ID, manifestURL, finalURL), nil
		}

		iframe := findIframeSrc(content)
		if iframe == "" {
			return nil, fmt.Errorf("no manifest or player reference on %s", page)
		}
		referer = finalURL
		page = utils.ResolveReference(finalURL, iframe)
		logger.Debug("{resolver/resolver - resolveOnce} Channel %s following player page (hop %d)", ch.ID, hop+1)
	}
	return nil, fmt.Errorf("no manifest found within %d player pages", r.opts.MaxHops)
}

// fetchPage fetches one page and returns its body and final URL after redirects.
func (r *Resolver) fetchPage(ctx context.Context, pageURL, referer string) ([]byte, string, error) {
	r.limiter.Take()
	r.upstreamCalls.Add(1)

	headers := map[string]string{
		"User-Agent": r.opts.UserAgent,
		"Accept":     "text/html,application/xhtml+xml,application/vnd.apple.mpegurl,*/*;q=0.8",
	}
	if referer != "" {
		headers["Referer"] = referer
		headers["Origin"] = utils.OriginOf(referer)
	}

	resp, err := r.fetcher.Get(ctx, pageURL, headers)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("%s returned HTTP %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return body, finalURL, nil
}

func (r *Resolver) result(channelID, manifestURL, referer string) *types.ResolvedStream {
	headers := map[string]string{}
	if r.opts.UserAgent != "" {
		headers["User-Agent"] = r.opts.UserAgent
	}
	if referer != "" {
		headers["Referer"] = referer
		if origin := utils.OriginOf(referer); origin != "" {
			headers["Origin"] = origin
		}
	}

	now := time.Now()
	return &types.ResolvedStream{
		ChannelID:   channelID,
		ManifestURL: manifestURL,
		Headers:     headers,
		ResolvedAt:  now,
		ExpiresAt:   now.Add(r.opts.TTL),
	}
}
