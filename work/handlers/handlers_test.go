package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stepzz-proxy/work/config"
	"stepzz-proxy/work/proxy"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
)

const segmentBody = "segment-bytes"

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/index.m3u8"):
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg1.ts\n#EXTINF:6.0,\nseg2.ts\n")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			io.WriteString(w, segmentBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(sources ...config.SourceConfig) *config.Config {
	return &config.Config{
		ProxyContent:           true,
		UserAgent:              "stepzz-test",
		WorkerThreads:          2,
		MaxConnectionsToApp:    10,
		BufferSize:             4,
		StreamTimeout:          5 * time.Second,
		StreamReadTimeout:      5 * time.Second,
		CatalogRefreshInterval: time.Hour,
		PlaylistCacheDuration:  time.Minute,
		ResolveTTL:             time.Minute,
		ResolveRetries:         1,
		ResolveBackoff:         10 * time.Millisecond,
		ResolveTimeout:         5 * time.Second,
		ResolveRatePerSecond:   100,
		ResolveMaxHops:         2,
		SecretStore:            "memory",
		Sources:                sources,
	}
}

func exampleSource(upstream string) config.SourceConfig {
	return config.SourceConfig{
		Name:            "example",
		Type:            "static",
		LocatorTemplate: upstream + "/live/{id}/index.m3u8",
		Channels: []config.ChannelConfig{
			{ID: "1", Name: "Channel One"},
			{ID: "2", Name: "Channel Two", Tags: []string{"sports"}},
		},
	}
}

func newServer(t *testing.T, cfg *config.Config) (*proxy.StreamProxy, http.Handler) {
	t.Helper()
	sp, err := proxy.New(cfg)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	t.Cleanup(sp.Close)
	sp.Init(context.Background())

	router := mux.NewRouter().UseEncodedPath()
	RegisterRoutes(router, sp)
	return sp, router
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func uriLines(body string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out
}

func TestPlaylistOpenThenSecreted(t *testing.T) {
	upstream := newUpstream(t)
	sp, h := newServer(t, testConfig(exampleSource(upstream.URL)))

	rec := get(h, "/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("open playlist status = %d", rec.Code)
	}
	open := rec.Body.String()
	if !strings.HasPrefix(open, "#EXTM3U") {
		t.Errorf("playlist does not start with #EXTM3U:\n%s", open)
	}
	for _, want := range []string{"Channel One", "Channel Two", "/stream/1.m3u8", "/stream/2.m3u8", `group-title="sports"`} {
		if !strings.Contains(open, want) {
			t.Errorf("open playlist lacks %q", want)
		}
	}
	if lines := uriLines(open); len(lines) != 2 || lines[0] != "/stream/1.m3u8" || lines[1] != "/stream/2.m3u8" {
		t.Errorf("entries = %v", lines)
	}

	if err := sp.Secret.Set("rotating-secret"); err != nil {
		t.Fatal(err)
	}

	if rec := get(h, "/playlist.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("unsecreted playlist status = %d, want 404", rec.Code)
	}
	rec = get(h, "/rotating-secret/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("secreted playlist status = %d", rec.Code)
	}
	// same entries as the open body; only the secret path segment is added
	// so the stream URLs stay gated
	if want := strings.ReplaceAll(open, "/stream/", "/rotating-secret/stream/"); rec.Body.String() != want {
		t.Errorf("secreted body:\n%s\nwant:\n%s", rec.Body.String(), want)
	}
	if rec := get(h, "/wrong-secret/playlist.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("wrong secret status = %d, want 404", rec.Code)
	}
}

func TestRotationInvalidatesOldURLs(t *testing.T) {
	upstream := newUpstream(t)
	sp, h := newServer(t, testConfig(exampleSource(upstream.URL)))

	s1, err := sp.Secret.Rotate()
	if err != nil {
		t.Fatal(err)
	}
	if rec := get(h, "/"+s1+"/playlist.m3u8"); rec.Code != http.StatusOK {
		t.Fatalf("s1 playlist status = %d", rec.Code)
	}
	if rec := get(h, "/"+s1+"/stream/1.m3u8"); rec.Code != http.StatusOK {
		t.Fatalf("s1 stream status = %d", rec.Code)
	}

	s2, err := sp.Secret.Rotate()
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/" + s1 + "/playlist.m3u8", "/" + s1 + "/stream/1.m3u8"} {
		if rec := get(h, path); rec.Code != http.StatusNotFound {
			t.Errorf("%s after rotation = %d, want 404", path, rec.Code)
		}
	}

	rec := get(h, "/"+s2+"/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("s2 playlist status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), s1) {
		t.Error("playlist rendered after rotation still carries the old secret")
	}

	if err := sp.Secret.Clear(); err != nil {
		t.Fatal(err)
	}
	if rec := get(h, "/playlist.m3u8"); rec.Code != http.StatusOK {
		t.Errorf("open playlist after Clear = %d", rec.Code)
	}
}

func TestStreamRelayWithSecret(t *testing.T) {
	upstream := newUpstream(t)
	sp, h := newServer(t, testConfig(exampleSource(upstream.URL)))
	if err := sp.Secret.Set("s3cr3t"); err != nil {
		t.Fatal(err)
	}

	if rec := get(h, "/stream/1.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("ungated stream status = %d, want 404", rec.Code)
	}
	if rec := get(h, "/s3cr3t/stream/99.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown channel status = %d, want 404", rec.Code)
	}

	rec := get(h, "/s3cr3t/stream/1.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d, body %q", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, upstream.URL) {
		t.Errorf("manifest leaks upstream:\n%s", body)
	}
	segs := uriLines(body)
	if len(segs) != 2 {
		t.Fatalf("segments = %v", segs)
	}
	for _, s := range segs {
		if !strings.HasPrefix(s, "/s3cr3t/relay/1/") {
			t.Errorf("segment URL %q lacks the secret relay prefix", s)
		}
	}

	rec = get(h, segs[0])
	if rec.Code != http.StatusOK || rec.Body.String() != segmentBody {
		t.Errorf("segment = %d %q", rec.Code, rec.Body.String())
	}

	// the same relay URL without the secret is unknown
	if rec := get(h, strings.TrimPrefix(segs[0], "/s3cr3t")); rec.Code != http.StatusNotFound {
		t.Errorf("segment without secret = %d, want 404", rec.Code)
	}
}

func TestCatalogUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer dead.Close()

	_, h := newServer(t, testConfig(config.SourceConfig{Name: "dead", Type: "m3u", URL: dead.URL + "/list.m3u"}))

	if rec := get(h, "/playlist.m3u8"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("playlist status = %d, want 503", rec.Code)
	}
	if rec := get(h, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz status = %d, want 503", rec.Code)
	}
}

func TestPlaylistGzip(t *testing.T) {
	upstream := newUpstream(t)
	_, h := newServer(t, testConfig(exampleSource(upstream.URL)))

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "/stream/2.m3u8") {
		t.Errorf("decompressed playlist:\n%s", body)
	}

	if rec := get(h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestEscapedChannelID(t *testing.T) {
	upstream := newUpstream(t)
	src := exampleSource(upstream.URL)
	src.Channels = append(src.Channels, config.ChannelConfig{ID: "news/3", Name: "News", Locator: upstream.URL + "/live/news3/index.m3u8"})
	_, h := newServer(t, testConfig(src))

	rec := get(h, "/playlist.m3u8")
	if !strings.Contains(rec.Body.String(), "/stream/news%2F3.m3u8") {
		t.Fatalf("escaped id missing:\n%s", rec.Body.String())
	}
	if rec := get(h, "/stream/news%2F3.m3u8"); rec.Code != http.StatusOK {
		t.Errorf("escaped channel status = %d, body %q", rec.Code, rec.Body.String())
	}
}
