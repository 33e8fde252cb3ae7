package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/middleware"
	"stepzz-proxy/work/playlist"
	"stepzz-proxy/work/proxy"
	"stepzz-proxy/work/relay"
	"stepzz-proxy/work/utils"

	"github.com/gorilla/mux"
	"github.com/grafana/regexp"
	"golang.org/x/crypto/bcrypt"
)

// StatsResponse is the operational summary served by /api/stats.
type StatsResponse struct {
	TotalChannels     int    `json:"totalChannels"`
	CatalogGeneration uint64 `json:"catalogGeneration"`
	CatalogLoadedAt   string `json:"catalogLoadedAt"`
	TotalSources      int    `json:"totalSources"`
	ActiveSessions    int    `json:"activeSessions"`
	CachedResolutions int    `json:"cachedResolutions"`
	UpstreamCalls     int64  `json:"upstreamCalls"`
	Resolutions       int64  `json:"resolutions"`
	ResolveFailures   int64  `json:"resolveFailures"`
	Uptime            string `json:"uptime"`
	MemoryUsage       string `json:"memoryUsage"`
	WorkerThreads     int    `json:"workerThreads"`
	ProxyContent      bool   `json:"proxyContent"`
	Socks5Enabled     bool   `json:"socks5Enabled"`
}

// ChannelResponse is one catalog channel as listed by /api/channels.
type ChannelResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	LogoURL   string   `json:"logoURL"`
	StreamURL string   `json:"streamURL"`
}

// SecretResponse is the read state of the playlist secret.
type SecretResponse struct {
	Active      bool   `json:"active"`
	Overridden  bool   `json:"overridden"`
	Secret      string `json:"secret,omitempty"`
	PlaylistURL string `json:"playlistURL"`
}

// LogEntry is one admin-visible log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

var (
	adminStartTime = time.Now()

	// logEntries keeps the most recent 1000 admin log entries
	logEntries   = make([]LogEntry, 0, 1000)
	logEntriesMu sync.Mutex
)

// secretPattern restricts operator chosen secrets to one URL path segment.
var secretPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// adminAPI serves the JSON admin surface. A nil passwordHash disables it.
type adminAPI struct {
	sp           *proxy.StreamProxy
	passwordHash []byte
}

// newAdminAPI hashes password with bcrypt at the given cost.
func newAdminAPI(sp *proxy.StreamProxy, password string, cost int) (*adminAPI, error) {
	api := &adminAPI{sp: sp}
	if password == "" {
		return api, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin password: %w", err)
	}
	api.passwordHash = hash
	return api, nil
}

// setupAdminRoutes registers the admin API on router.
func setupAdminRoutes(router *mux.Router, sp *proxy.StreamProxy) error {
	api, err := newAdminAPI(sp, sp.Config.AdminPassword, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	api.register(router)
	if api.passwordHash == nil {
		logger.Warn("{main/admin_handlers - setupAdminRoutes} ADMIN_PASSWORD not set, admin API disabled")
	}
	addLogEntry("info", "Admin API initialized")
	return nil
}

func (a *adminAPI) register(router *mux.Router) {
	route := func(path string, h http.HandlerFunc, methods ...string) {
		router.HandleFunc(path, corsMiddleware(a.auth(h))).Methods(append(methods, "OPTIONS")...)
	}

	route("/api/secret", a.handleGetSecret, "GET")
	route("/api/secret", a.handleSetSecret, "PUT")
	route("/api/secret", a.handleClearSecret, "DELETE")
	route("/api/secret/rotate", a.handleRotateSecret, "POST")
	route("/api/channels", middleware.GzipMiddleware(a.handleGetChannels), "GET")
	route("/api/catalog/refresh", a.handleRefreshCatalog, "POST")
	route("/api/sessions", middleware.GzipMiddleware(a.handleGetSessions), "GET")
	route("/api/stats", a.handleGetStats, "GET")
	route("/api/resolver", a.handleInvalidateAll, "DELETE")
	route("/api/resolver/{channel}", a.handleInvalidateResolution, "DELETE")
	route("/api/logs", middleware.GzipMiddleware(handleGetLogs), "GET")
	route("/api/logs", handleClearLogs, "DELETE")
}

// corsMiddleware adds CORS headers and answers preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Password")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// auth requires the admin password as the basic auth password or in the
// X-Admin-Password header.
func (a *adminAPI) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.passwordHash == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin API not configured"})
			return
		}

		password := r.Header.Get("X-Admin-Password")
		if password == "" {
			_, password, _ = r.BasicAuth()
		}
		if password == "" || bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
			logger.Warn("{main/admin_handlers - auth} Rejected admin request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="stepzz-proxy admin"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		addLogEntry("debug", fmt.Sprintf("Request: %s %s", r.Method, r.URL.Path))
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin_handlers - writeJSON} Failed to encode response: %v", err)
	}
}

func (a *adminAPI) secretState() SecretResponse {
	gate := a.sp.Secret
	return SecretResponse{
		Active:      gate.Active(),
		Overridden:  gate.Overridden(),
		Secret:      gate.Current(),
		PlaylistURL: a.sp.PlaylistURL(),
	}
}

func (a *adminAPI) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.secretState())
}

func (a *adminAPI) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	if _, err := a.sp.Secret.Rotate(); err != nil {
		logger.Error("{main/admin_handlers - handleRotateSecret} %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to rotate secret"})
		return
	}
	addLogEntry("info", "Playlist secret rotated via admin API")
	writeJSON(w, http.StatusOK, a.secretState())
}

func (a *adminAPI) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if !secretPattern.MatchString(req.Secret) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "secret must be 8-128 characters of A-Z, a-z, 0-9, '-' or '_'"})
		return
	}
	if err := a.sp.Secret.Set(req.Secret); err != nil {
		logger.Error("{main/admin_handlers - handleSetSecret} %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store secret"})
		return
	}
	addLogEntry("info", "Playlist secret set via admin API")
	writeJSON(w, http.StatusOK, a.secretState())
}

func (a *adminAPI) handleClearSecret(w http.ResponseWriter, r *http.Request) {
	if err := a.sp.Secret.Clear(); err != nil {
		logger.Error("{main/admin_handlers - handleClearSecret} %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear secret"})
		return
	}
	addLogEntry("info", "Playlist secret cleared via admin API")
	writeJSON(w, http.StatusOK, a.secretState())
}

func (a *adminAPI) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	opts := playlist.Options{BaseURL: a.sp.Config.BaseURL, Secret: a.sp.Secret.Current()}
	channels := a.sp.Catalog.List()

	out := make([]ChannelResponse, 0, len(channels))
	for _, ch := range channels {
		tags := ch.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, ChannelResponse{
			ID:        ch.ID,
			Name:      ch.Name,
			Tags:      tags,
			LogoURL:   ch.Logo,
			StreamURL: playlist.StreamURL(opts, ch.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminAPI) handleRefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := a.sp.RefreshCatalog(r.Context()); err != nil {
		addLogEntry("error", fmt.Sprintf("Catalog refresh failed: %v", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	addLogEntry("info", "Catalog refreshed via admin API")
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":   len(a.sp.Catalog.List()),
		"generation": a.sp.Catalog.Generation(),
	})
}

func (a *adminAPI) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.sp.Relay.Sessions().Snapshot()
	if sessions == nil {
		sessions = []relay.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *adminAPI) handleGetStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	loadedAt := ""
	if t := a.sp.Catalog.LoadedAt(); !t.IsZero() {
		loadedAt = t.UTC().Format(time.RFC3339)
	}
	rs := a.sp.Resolver.Stats()

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalChannels:     len(a.sp.Catalog.List()),
		CatalogGeneration: a.sp.Catalog.Generation(),
		CatalogLoadedAt:   loadedAt,
		TotalSources:      len(a.sp.Config.Sources),
		ActiveSessions:    a.sp.Relay.Sessions().Len(),
		CachedResolutions: rs.Cached,
		UpstreamCalls:     rs.UpstreamCalls,
		Resolutions:       rs.Resolutions,
		ResolveFailures:   rs.Failures,
		Uptime:            formatDuration(time.Since(adminStartTime)),
		MemoryUsage:       utils.FormatBytes(int64(m.Alloc)),
		WorkerThreads:     a.sp.Config.WorkerThreads,
		ProxyContent:      a.sp.Config.ProxyContent,
		Socks5Enabled:     a.sp.HttpClient.ProxyConfig().Enabled,
	})
}

func (a *adminAPI) handleInvalidateResolution(w http.ResponseWriter, r *http.Request) {
	channelID, err := url.PathUnescape(mux.Vars(r)["channel"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
		return
	}
	if _, ok := a.sp.Catalog.Get(channelID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
		return
	}
	a.sp.Resolver.Invalidate(channelID)
	addLogEntry("info", fmt.Sprintf("Resolution of channel %s invalidated via admin API", channelID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	a.sp.Resolver.InvalidateAll()
	addLogEntry("info", "All resolutions invalidated via admin API")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLogs returns the admin log buffer.
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logEntriesMu.Lock()
	entries := make([]LogEntry, len(logEntries))
	copy(entries, logEntries)
	logEntriesMu.Unlock()

	writeJSON(w, http.StatusOK, entries)
}

// handleClearLogs empties the admin log buffer.
func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logEntriesMu.Lock()
	logEntries = logEntries[:0]
	logEntriesMu.Unlock()

	addLogEntry("info", "Log entries cleared via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// addLogEntry appends to the admin log buffer, keeping the last 1000 entries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logEntriesMu.Lock()
	defer logEntriesMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > 1000 {
		logEntries = logEntries[len(logEntries)-1000:]
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
