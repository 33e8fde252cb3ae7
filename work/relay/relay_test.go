package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stepzz-proxy/work/buffer"
	"stepzz-proxy/work/resolver"
	"stepzz-proxy/work/types"

	"github.com/gorilla/mux"
)

type httpFetcher struct{}

func (httpFetcher) Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return http.DefaultClient.Do(req)
}

type mapCatalog map[string]types.Channel

func (m mapCatalog) Get(id string) (types.Channel, bool) {
	ch, ok := m[id]
	return ch, ok
}

// fakeResolver hands out manifest URLs in order, one per resolution.
type fakeResolver struct {
	mu          sync.Mutex
	urls        []string
	next        int
	err         error
	delay       time.Duration
	invalidated atomic.Int32
}

func (f *fakeResolver) Resolve(ctx context.Context, ch types.Channel) (*types.ResolvedStream, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u := f.urls[f.next]
	if f.next < len(f.urls)-1 {
		f.next++
	}
	return &types.ResolvedStream{
		ChannelID:   ch.ID,
		ManifestURL: u,
		Headers:     map[string]string{"Referer": "https://player.example/embed/" + ch.ID},
		ExpiresAt:   time.Now().Add(time.Minute),
	}, nil
}

func (f *fakeResolver) Invalidate(string) { f.invalidated.Add(1) }

func (f *fakeResolver) slow(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeResolver) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

const segmentBody = "0123456789abcdefghijklmnopqrstuvwxyz"

// newUpstream serves a master playlist, one media playlist with a key and
// init section, and its segments. Segment requests must carry the player
// Referer.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live/master.m3u8":
			fmt.Fprint(w, "#EXTM3U\n"+
				"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"aud\",NAME=\"en\",URI=\"audio/en.m3u8\"\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=1280000,AUDIO=\"aud\"\n"+
				"low/index.m3u8\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=2560000,AUDIO=\"aud\"\n"+
				"high/index.m3u8?sig=abc\n")
		case "/live/low/index.m3u8":
			fmt.Fprint(w, "#EXTM3U\n"+
				"#EXT-X-VERSION:6\n"+
				"#EXT-X-TARGETDURATION:6\n"+
				"#EXT-X-MEDIA-SEQUENCE:100\n"+
				"#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/k1\",IV=0x1\n"+
				"#EXT-X-MAP:URI=\"init.mp4\"\n"+
				"#EXTINF:6.000,\n"+
				"seg100.ts\n"+
				"#EXTINF:6.000,\n"+
				"https://other-cdn.example/seg101.ts\n"+
				"#EXTINF:5.500,\n"+
				"//cdn2.example/seg102.ts\n")
		case "/live/low/seg100.ts":
			if r.Header.Get("Referer") == "" {
				http.Error(w, "referer required", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "video/mp2t")
			io.WriteString(w, segmentBody)
		case "/expired.m3u8", "/gone.ts":
			http.Error(w, "expired", http.StatusForbidden)
		case "/notamanifest":
			io.WriteString(w, "<html>nope</html>")
		case "/longline.m3u8":
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg1.ts\n")
			fmt.Fprintf(w, "#EXT-X-DATERANGE:ID=\"ad\",X-PAYLOAD=\"%s\"\n", strings.Repeat("a", 2<<20))
			fmt.Fprint(w, "#EXTINF:6.0,\nseg2.ts\n")
		case "/huge.m3u8":
			io.WriteString(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n")
			line := "#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z\n#EXTINF:6.0,\nseg.ts\n"
			for n := 0; n <= maxManifestBytes; n += len(line) {
				io.WriteString(w, line)
			}
		default:
			http.NotFound(w, r)
		}
	}))
}

type harness struct {
	engine   *Engine
	resolver *fakeResolver
	server   *httptest.Server
	upstream *httptest.Server
}

func newHarness(t *testing.T, opts Options, manifestPaths ...string) *harness {
	t.Helper()
	upstream := newUpstream(t)
	t.Cleanup(upstream.Close)

	urls := make([]string, len(manifestPaths))
	for i, p := range manifestPaths {
		urls[i] = upstream.URL + p
	}
	res := &fakeResolver{urls: urls}

	sealer, err := NewSealerFromHex("")
	if err != nil {
		t.Fatal(err)
	}
	catalog := mapCatalog{
		"1": {ID: "1", Name: "Channel One"},
		"2": {ID: "2", Name: "Channel Two"},
	}
	engine := New(catalog, res, httpFetcher{}, sealer, buffer.NewBufferPool(8), opts, nil)

	router := mux.NewRouter()
	router.HandleFunc("/stream/{channel}.m3u8", func(w http.ResponseWriter, r *http.Request) {
		engine.ServeManifest(w, r, mux.Vars(r)["channel"], "")
	})
	router.HandleFunc("/relay/{channel}/{token:[A-Za-z0-9_-]+}.m3u8", func(w http.ResponseWriter, r *http.Request) {
		v := mux.Vars(r)
		engine.ServeResource(w, r, v["channel"], v["token"], "", true)
	})
	router.HandleFunc("/relay/{channel}/{token:[A-Za-z0-9_-]+}", func(w http.ResponseWriter, r *http.Request) {
		v := mux.Vars(r)
		engine.ServeResource(w, r, v["channel"], v["token"], "", false)
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &harness{engine: engine, resolver: res, server: server, upstream: upstream}
}

func (h *harness) get(t *testing.T, path string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s body: %v", path, err)
	}
	return resp.StatusCode, string(body), resp.Header
}

// uriLines returns the non-tag, non-empty lines of a manifest.
func uriLines(manifest string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(manifest))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out
}

func TestUnknownChannelIsNotFound(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true}, "/live/master.m3u8")

	for _, path := range []string{"/stream/99.m3u8", "/relay/99/abcdef.m3u8", "/relay/99/abcdef"} {
		if status, _, _ := h.get(t, path); status != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, status)
		}
	}
}

func TestManifestRewriteHidesUpstreamAndKeepsOrder(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true}, "/live/master.m3u8")

	status, body, header := h.get(t, "/stream/1.m3u8")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %q", status, body)
	}
	if ct := header.Get("Content-Type"); ct != ManifestContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if strings.Contains(body, h.upstream.URL) || strings.Contains(body, "127.0.0.1") {
		t.Errorf("rewritten manifest leaks upstream address:\n%s", body)
	}
	if !strings.HasPrefix(body, "#EXTM3U\n") || !strings.Contains(body, "#EXT-X-STREAM-INF:BANDWIDTH=2560000,AUDIO=\"aud\"\n") {
		t.Errorf("tags not preserved:\n%s", body)
	}

	lines := uriLines(body)
	if len(lines) != 2 {
		t.Fatalf("entries = %d, want 2", len(lines))
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "/relay/1/") || !strings.HasSuffix(l, ".m3u8") {
			t.Errorf("variant line %q is not a relay manifest URL", l)
		}
	}
	if !strings.Contains(body, `URI="/relay/1/`) {
		t.Errorf("EXT-X-MEDIA URI not rewritten:\n%s", body)
	}

	// follow the low variant and its first segment through the relay
	status, media, _ := h.get(t, lines[0])
	if status != http.StatusOK {
		t.Fatalf("variant status = %d, body %q", status, media)
	}
	segs := uriLines(media)
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3:\n%s", len(segs), media)
	}
	if !strings.Contains(media, "#EXT-X-MEDIA-SEQUENCE:100\n") || !strings.Contains(media, "#EXTINF:5.500,\n") {
		t.Errorf("media tags not preserved:\n%s", media)
	}
	if strings.Count(media, `URI="/relay/1/`) != 2 {
		t.Errorf("key and map URIs not rewritten:\n%s", media)
	}

	status, seg, segHeader := h.get(t, segs[0])
	if status != http.StatusOK || seg != segmentBody {
		t.Fatalf("segment = %d %q", status, seg)
	}
	if segHeader.Get("Content-Type") != "video/mp2t" {
		t.Errorf("segment Content-Type = %q", segHeader.Get("Content-Type"))
	}
}

func TestTamperedAndForeignTokensAreRejected(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true}, "/live/master.m3u8")

	_, body, _ := h.get(t, "/stream/1.m3u8")
	variant := uriLines(body)[0]
	token := strings.TrimSuffix(strings.TrimPrefix(variant, "/relay/1/"), ".m3u8")

	flipped := []byte(token)
	if flipped[10] == 'A' {
		flipped[10] = 'B'
	} else {
		flipped[10] = 'A'
	}

	tests := map[string]string{
		"tampered":      "/relay/1/" + string(flipped) + ".m3u8",
		"other channel": "/relay/2/" + token + ".m3u8",
		"garbage":       "/relay/1/not-a-token",
	}
	for name, path := range tests {
		if status, _, _ := h.get(t, path); status != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", name, status)
		}
	}
}

func TestProxyContentDisabledEmitsUpstreamSegments(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: false}, "/live/low/index.m3u8")

	status, body, _ := h.get(t, "/stream/1.m3u8")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	segs := uriLines(body)
	want := []string{
		h.upstream.URL + "/live/low/seg100.ts",
		"https://other-cdn.example/seg101.ts",
		"http://cdn2.example/seg102.ts",
	}
	if len(segs) != len(want) {
		t.Fatalf("segments = %v", segs)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, segs[i], want[i])
		}
	}

	// the segment endpoint is closed even for a validly sealed token
	token := h.engine.sealer.Seal("1", target{URL: want[0]})
	if status, _, _ := h.get(t, "/relay/1/"+token); status != http.StatusNotFound {
		t.Errorf("segment endpoint status = %d, want 404", status)
	}
}

func TestStaleResolutionIsRetriedOnce(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true}, "/expired.m3u8", "/live/master.m3u8")

	status, body, _ := h.get(t, "/stream/1.m3u8")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %q", status, body)
	}
	if n := h.resolver.invalidated.Load(); n != 1 {
		t.Errorf("Invalidate called %d times, want 1", n)
	}
}

func TestUpstreamFailuresMapToStatuses(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true}, "/notamanifest")
	if status, _, _ := h.get(t, "/stream/1.m3u8"); status != http.StatusBadGateway {
		t.Errorf("non-manifest body status = %d, want 502", status)
	}

	h.resolver.fail(fmt.Errorf("%w: boom", resolver.ErrResolutionFailed))
	if status, _, _ := h.get(t, "/stream/2.m3u8"); status != http.StatusServiceUnavailable {
		t.Errorf("resolution failure status = %d, want 503", status)
	}

	h.resolver.fail(nil)
	token := h.engine.sealer.Seal("1", target{URL: h.upstream.URL + "/gone.ts", Referer: "https://p.example/"})
	if status, _, _ := h.get(t, "/relay/1/"+token); status != http.StatusBadGateway {
		t.Errorf("segment 403 status = %d, want 502", status)
	}
}

func TestMidStreamFailureAbortsClientResponse(t *testing.T) {
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, strings.Repeat("x", 1000))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer flaky.Close()

	h := newHarness(t, Options{ProxyContent: true}, "/live/master.m3u8")
	token := h.engine.sealer.Seal("1", target{URL: flaky.URL + "/seg.ts"})

	resp, err := http.Get(h.server.URL + "/relay/1/" + token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 before failure", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("truncated upstream reported as a clean end")
	}
}

func TestStalledUpstreamIsCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer stalled.Close()

	h := newHarness(t, Options{ProxyContent: true, StreamReadTimeout: 100 * time.Millisecond}, "/live/master.m3u8")
	token := h.engine.sealer.Seal("1", target{URL: stalled.URL + "/seg.ts"})

	start := time.Now()
	resp, err := http.Get(h.server.URL + "/relay/1/" + token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("stalled upstream reported as a clean end")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stall detection took %v", elapsed)
	}
	if n := h.engine.Sessions().Len(); n != 0 {
		t.Errorf("sessions left open: %d", n)
	}
}

func TestSessionLimit(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true, MaxSessions: 1}, "/live/master.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/stream/1.m3u8", nil)
	held, err := h.engine.Sessions().Start(req, "1", KindSegment, 0)
	if err != nil {
		t.Fatal(err)
	}
	if status, _, _ := h.get(t, "/stream/1.m3u8"); status != http.StatusServiceUnavailable {
		t.Errorf("status at limit = %d, want 503", status)
	}
	h.engine.Sessions().End(held)
	if status, _, _ := h.get(t, "/stream/1.m3u8"); status != http.StatusOK {
		t.Errorf("status after release = %d, want 200", status)
	}
}

func TestSlowResolutionIsNotAStall(t *testing.T) {
	h := newHarness(t, Options{ProxyContent: true, StreamReadTimeout: 100 * time.Millisecond}, "/live/master.m3u8")
	h.resolver.slow(300 * time.Millisecond)

	status, body, _ := h.get(t, "/stream/1.m3u8")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %q; resolution slower than the read stall timeout must still succeed", status, body)
	}
	if len(uriLines(body)) != 2 {
		t.Errorf("entries = %v", uriLines(body))
	}
}

func TestIncompleteManifestIsBadGateway(t *testing.T) {
	for _, path := range []string{"/longline.m3u8", "/huge.m3u8"} {
		t.Run(strings.TrimPrefix(path, "/"), func(t *testing.T) {
			h := newHarness(t, Options{ProxyContent: true}, path)
			status, body, _ := h.get(t, "/stream/1.m3u8")
			if status != http.StatusBadGateway {
				t.Errorf("status = %d, want 502 (body %d bytes)", status, len(body))
			}
			if strings.Contains(body, "/relay/1/") {
				t.Error("partial manifest was served")
			}
		})
	}
}
