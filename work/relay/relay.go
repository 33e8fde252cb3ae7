// Package relay serves per-channel manifests and their media through the
// server. Manifests are fetched from the resolved upstream and rewritten so
// every reference points back at the relay; segments are streamed through
// chunk by chunk without being held in memory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stepzz-proxy/work/buffer"
	"stepzz-proxy/work/config"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/metrics"
	"stepzz-proxy/work/parser"
	"stepzz-proxy/work/resolver"
	"stepzz-proxy/work/types"
	"stepzz-proxy/work/utils"
)

var (
	// ErrChannelNotFound is returned for channel ids absent from the catalog.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrInvalidToken is returned for relay tokens that do not open.
	ErrInvalidToken = errors.New("invalid relay token")
	// ErrUpstreamStream marks an upstream failure while relaying.
	ErrUpstreamStream = errors.New("upstream stream error")
)

// maxManifestBytes bounds a manifest body read into memory for rewriting.
const maxManifestBytes = 8 << 20

// ManifestContentType is the MIME type of every manifest the relay serves.
const ManifestContentType = "application/vnd.apple.mpegurl"

// ChannelLookup finds catalog channels.
type ChannelLookup interface {
	Get(id string) (types.Channel, bool)
}

// StreamResolver resolves channels to manifests and forgets stale resolutions.
type StreamResolver interface {
	Resolve(ctx context.Context, ch types.Channel) (*types.ResolvedStream, error)
	Invalidate(channelID string)
}

// Options tunes the engine.
type Options struct {
	ProxyContent      bool          // relay segments; false points manifests at the upstream directly
	StreamReadTimeout time.Duration // maximum stall of one upstream read
	MaxSessions       int           // concurrent sessions (0 = unlimited)
	UserAgent         string        // User-Agent for segment fetches
}

// OptionsFromConfig maps the application config onto relay options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ProxyContent:      cfg.ProxyContent,
		StreamReadTimeout: cfg.StreamReadTimeout,
		MaxSessions:       cfg.MaxConnectionsToApp,
		UserAgent:         cfg.UserAgent,
	}
}

// Engine is the relay engine.
type Engine struct {
	catalog  ChannelLookup
	resolver StreamResolver
	fetcher  resolver.Fetcher
	sealer   *Sealer
	buffers  *buffer.BufferPool
	sessions *Sessions
	opts     Options
	cfg      *config.Config // URL obfuscation in logs, may be nil
}

// New creates a relay engine.
func New(catalog ChannelLookup, res StreamResolver, fetcher resolver.Fetcher, sealer *Sealer, buffers *buffer.BufferPool, opts Options, cfg *config.Config) *Engine {
	if buffers == nil {
		buffers = buffer.NewBufferPool(0)
	}
	return &Engine{
		catalog:  catalog,
		resolver: res,
		fetcher:  fetcher,
		sealer:   sealer,
		buffers:  buffers,
		sessions: NewSessions(opts.MaxSessions),
		opts:     opts,
		cfg:      cfg,
	}
}

// Sessions exposes the session registry.
func (e *Engine) Sessions() *Sessions { return e.sessions }

// ManifestPath returns the client path of a channel's manifest under prefix
// ("" or "/{secret}", optionally preceded by a base URL).
func ManifestPath(prefix, channelID string) string {
	return prefix + "/stream/" + url.PathEscape(channelID) + ".m3u8"
}

func relayPath(prefix, channelID, token string, kind refKind) string {
	p := prefix + "/relay/" + url.PathEscape(channelID) + "/" + token
	if kind == refManifest {
		p += ".m3u8"
	}
	return p
}

// ServeManifest relays the top-level manifest of a channel. A 403, 404 or
// 410 from the resolved upstream drops the cached resolution and the request
// is retried once against a fresh one.
func (e *Engine) ServeManifest(w http.ResponseWriter, r *http.Request, channelID, prefix string) {
	ch, ok := e.catalog.Get(channelID)
	if !ok {
		e.fail(w, channelID, "not_found", ErrChannelNotFound)
		return
	}

	sess, err := e.sessions.Start(r, channelID, KindManifest, e.opts.StreamReadTimeout)
	if err != nil {
		e.fail(w, channelID, "session_limit", err)
		return
	}
	defer e.sessions.End(sess)
	ctx := sess.Context()

	var (
		rs   *types.ResolvedStream
		body []byte
		src  string
	)
	for attempt := 0; attempt < 2; attempt++ {
		rs, err = e.resolver.Resolve(ctx, ch)
		if err != nil {
			e.fail(w, channelID, "resolution", err)
			return
		}

		var status int
		body, src, status, err = e.fetchManifest(sess, rs.ManifestURL, rs.Headers)
		if err == nil {
			break
		}
		if attempt == 0 && isStaleStatus(status) {
			logger.Warn("{relay/relay - ServeManifest} Upstream answered %d for channel %s, re-resolving", status, channelID)
			e.resolver.Invalidate(channelID)
			continue
		}
		e.fail(w, channelID, "upstream_status", err)
		return
	}

	e.writeManifest(w, sess, ch.ID, prefix, body, src, rs.Headers["Referer"])
}

// ServeResource relays a resource addressed by a sealed token: a
// sub-manifest (rewritten like the top-level one) or a segment, key or init
// section (streamed verbatim).
func (e *Engine) ServeResource(w http.ResponseWriter, r *http.Request, channelID, token, prefix string, asManifest bool) {
	ch, ok := e.catalog.Get(channelID)
	if !ok {
		e.fail(w, channelID, "not_found", ErrChannelNotFound)
		return
	}
	t, err := e.sealer.Open(ch.ID, token)
	if err != nil {
		e.fail(w, channelID, "token", err)
		return
	}
	if !asManifest && !e.opts.ProxyContent {
		e.fail(w, channelID, "not_proxied", ErrChannelNotFound)
		return
	}

	kind := KindSegment
	if asManifest {
		kind = KindManifest
	}
	sess, err := e.sessions.Start(r, channelID, kind, e.opts.StreamReadTimeout)
	if err != nil {
		e.fail(w, channelID, "session_limit", err)
		return
	}
	defer e.sessions.End(sess)

	headers := e.playbackHeaders(t.Referer)

	if asManifest {
		body, src, status, err := e.fetchManifest(sess, t.URL, headers)
		if err != nil {
			if isStaleStatus(status) {
				e.resolver.Invalidate(channelID)
			}
			e.fail(w, channelID, "upstream_status", err)
			return
		}
		e.writeManifest(w, sess, ch.ID, prefix, body, src, t.Referer)
		return
	}

	e.streamSegment(w, r, sess, t.URL, headers)
}

func (e *Engine) playbackHeaders(referer string) map[string]string {
	headers := map[string]string{"User-Agent": e.opts.UserAgent}
	if referer != "" {
		headers["Referer"] = referer
		headers["Origin"] = utils.OriginOf(referer)
	}
	return headers
}

// fetchManifest downloads a manifest under the session stall timer. It
// returns the body, the URL after redirects (the base for relative
// references) and, on failure, the upstream status when there was one.
// Bodies over maxManifestBytes are rejected rather than cut.
func (e *Engine) fetchManifest(sess *Session, manifestURL string, headers map[string]string) ([]byte, string, int, error) {
	sess.Arm()
	defer sess.Disarm()

	resp, err := e.fetcher.Get(sess.Context(), manifestURL, headers)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: %w", ErrUpstreamStream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", resp.StatusCode, fmt.Errorf("%w: manifest returned HTTP %d", ErrUpstreamStream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: %w", ErrUpstreamStream, err)
	}
	if len(body) > maxManifestBytes {
		return nil, "", 0, fmt.Errorf("%w: manifest larger than %s", ErrUpstreamStream, utils.FormatBytes(maxManifestBytes))
	}

	src := manifestURL
	if resp.Request != nil && resp.Request.URL != nil {
		src = resp.Request.URL.String()
	}
	return body, src, resp.StatusCode, nil
}

func (e *Engine) writeManifest(w http.ResponseWriter, sess *Session, channelID, prefix string, body []byte, src, referer string) {
	info, err := parser.Classify(body)
	if err != nil {
		e.fail(w, channelID, "not_manifest", fmt.Errorf("%w: %w", ErrUpstreamStream, err))
		return
	}

	mapURL := func(abs string, kind refKind) string {
		if kind == refSegment && !e.opts.ProxyContent {
			return abs
		}
		return relayPath(prefix, channelID, e.sealer.Seal(channelID, target{URL: abs, Referer: referer}), kind)
	}

	rewritten, entries, err := rewriteManifest(body, src, mapURL)
	if err != nil {
		e.fail(w, channelID, "rewrite", fmt.Errorf("%w: %w", ErrUpstreamStream, err))
		return
	}
	if err := checkEntries(info, entries); err != nil {
		e.fail(w, channelID, "rewrite", err)
		return
	}
	logger.Debug("{relay/relay - writeManifest} Channel %s %s manifest from %s: %d entries rewritten",
		channelID, info.Kind, utils.LogURL(e.cfg, src), entries)

	w.Header().Set("Content-Type", ManifestContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	n, _ := io.WriteString(w, rewritten)
	sess.Touch(n)
	metrics.BytesTransferred.WithLabelValues(channelID).Add(float64(n))
}

// checkEntries compares the rewritten URI line count with what the decoder
// found. Fewer rewritten lines means the rewrite lost entries.
func checkEntries(info parser.ManifestInfo, rewritten int) error {
	if info.Decoded && rewritten < info.Entries() {
		return fmt.Errorf("%w: rewrote %d of %d %s manifest entries", ErrUpstreamStream, rewritten, info.Entries(), info.Kind)
	}
	return nil
}

// mirroredHeaders are copied from an upstream segment response to the client.
var mirroredHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag"}

// streamSegment copies an upstream resource to the client as it arrives.
// Once the status line is out, an upstream failure aborts the response so
// the client sees a truncated transfer rather than a clean end.
func (e *Engine) streamSegment(w http.ResponseWriter, r *http.Request, sess *Session, upstreamURL string, headers map[string]string) {
	ctx := sess.Context()
	if rng := r.Header.Get("Range"); rng != "" {
		headers["Range"] = rng
	}

	sess.Arm()
	resp, err := e.fetcher.Get(ctx, upstreamURL, headers)
	if err != nil {
		if ctx.Err() != nil && !sess.Stalled() {
			return
		}
		e.fail(w, sess.ChannelID, "upstream_connect", fmt.Errorf("%w: %w", ErrUpstreamStream, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		if isStaleStatus(resp.StatusCode) {
			e.resolver.Invalidate(sess.ChannelID)
		}
		e.fail(w, sess.ChannelID, "upstream_status", fmt.Errorf("%w: segment returned HTTP %d", ErrUpstreamStream, resp.StatusCode))
		return
	}

	for _, h := range mirroredHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	buf := e.buffers.Get()
	defer e.buffers.Put(buf)

	flusher, _ := w.(http.Flusher)
	written, err := copyFlushing(w, resp.Body, buffer.Scratch(buf), flusher, sess)
	metrics.BytesTransferred.WithLabelValues(sess.ChannelID).Add(float64(written))

	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("{relay/relay - streamSegment} Client left channel %s after %s", sess.ChannelID, utils.FormatBytes(written))
			return
		}
		metrics.StreamErrors.WithLabelValues(sess.ChannelID, "upstream_read").Inc()
		logger.Warn("{relay/relay - streamSegment} Aborting channel %s segment after %s: %v",
			sess.ChannelID, utils.FormatBytes(written), context.Cause(ctx))
		panic(http.ErrAbortHandler)
	}
}

// copyFlushing copies src to dst through buf, flushing after every chunk and
// re-arming the session stall timer on progress.
func copyFlushing(dst io.Writer, src io.Reader, buf []byte, flusher http.Flusher, sess *Session) (int64, error) {
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			sess.Touch(n)
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func isStaleStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusNotFound || status == http.StatusGone
}

// fail maps an error to its HTTP outcome before any body was written.
func (e *Engine) fail(w http.ResponseWriter, channelID, errorType string, err error) {
	status := StatusFor(err)
	metrics.StreamErrors.WithLabelValues(channelID, errorType).Inc()
	if status >= 500 {
		logger.Warn("{relay/relay - fail} Channel %s: %v", channelID, err)
	} else {
		logger.Debug("{relay/relay - fail} Channel %s: %v", channelID, err)
	}
	http.Error(w, strings.ToLower(http.StatusText(status)), status)
}

// StatusFor maps relay, resolver and session errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrInvalidToken):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrResolutionFailed), errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamStream):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}
