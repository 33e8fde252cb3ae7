package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stepzz-proxy/work/buffer"
	"stepzz-proxy/work/cache"
	"stepzz-proxy/work/catalog"
	"stepzz-proxy/work/client"
	"stepzz-proxy/work/config"
	"stepzz-proxy/work/database"
	"stepzz-proxy/work/filter"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/metrics"
	"stepzz-proxy/work/playlist"
	"stepzz-proxy/work/relay"
	"stepzz-proxy/work/resolver"
	"stepzz-proxy/work/secret"

	"github.com/panjf2000/ants/v2"
)

// StreamProxy is the application: it owns the catalog, the resolver, the
// relay engine and the secret gate, and renders the aggregate playlist.
type StreamProxy struct {
	Config        *config.Config              // Application configuration
	DB            *database.DB                // SQLite store, nil unless a feature needs it
	HttpClient    *client.HeaderSettingClient // Shared upstream client (SOCKS5 aware)
	WorkerPool    *ants.Pool                  // Pool for catalog source fetches
	BufferPool    *buffer.BufferPool          // Segment copy buffers
	FilterManager *filter.FilterManager       // Compiled per-source name filters
	Catalog       *catalog.Catalog            // Channel catalog
	Resolver      *resolver.Resolver          // Manifest resolver
	Relay         *relay.Engine               // Relay engine
	Secret        *secret.Gate                // Playlist secret
	Cache         *cache.PlaylistCache        // Rendered playlists

	refreshStop chan struct{} // Stop signal for the catalog refresh loop
}

// New wires every component from cfg. Nothing is fetched yet; call Init to
// load the catalog.
func New(cfg *config.Config) (*StreamProxy, error) {
	sp := &StreamProxy{
		Config:        cfg,
		FilterManager: filter.NewFilterManager(),
		BufferPool:    buffer.NewBufferPool(int64(cfg.BufferSize) * 1024),
		refreshStop:   make(chan struct{}, 1),
	}
	if err := sp.wire(); err != nil {
		sp.Close()
		return nil, err
	}
	return sp, nil
}

func (sp *StreamProxy) wire() error {
	cfg := sp.Config
	var err error

	if cfg.UsesDatabase() {
		if sp.DB, err = database.Open(cfg.DatabasePath); err != nil {
			return err
		}
	}

	if sp.HttpClient, err = client.NewHeaderSettingClient(cfg); err != nil {
		return err
	}

	if sp.WorkerPool, err = ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true)); err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	sources, err := catalog.NewSources(cfg, sp.HttpClient, sp.FilterManager)
	if err != nil {
		return err
	}
	catalogOpts := catalog.Options{Pool: sp.WorkerPool}
	if cfg.PersistCatalog {
		catalogOpts.DB = sp.DB
	}
	sp.Catalog = catalog.New(sources, catalogOpts)

	sp.Resolver = resolver.New(sp.HttpClient, resolver.OptionsFromConfig(cfg))

	sealer, err := relay.NewSealerFromHex(cfg.TokenKey)
	if err != nil {
		return err
	}
	sp.Relay = relay.New(sp.Catalog, sp.Resolver, sp.HttpClient, sealer, sp.BufferPool, relay.OptionsFromConfig(cfg), cfg)

	var store secret.Store
	switch cfg.SecretStore {
	case "database":
		store = &secret.DBStore{DB: sp.DB}
	case "memory":
		store = &secret.MemoryStore{}
	default:
		store = &secret.FileStore{Path: cfg.SecretPath}
	}
	if sp.Secret, err = secret.New(cfg.SecretOverride, store); err != nil {
		return err
	}

	if sp.Cache, err = cache.NewPlaylistCache(cfg.PlaylistCacheDuration); err != nil {
		return fmt.Errorf("failed to create playlist cache: %w", err)
	}
	return nil
}

// Init restores the persisted catalog, if any, and performs the first load.
// A failed first load is logged, not returned: the server still starts and
// playlist requests retry through EnsureFresh.
func (sp *StreamProxy) Init(ctx context.Context) {
	if err := sp.Catalog.Restore(); err != nil {
		logger.Warn("{proxy/proxy - Init} Could not restore persisted catalog: %v", err)
	}
	if err := sp.RefreshCatalog(ctx); err != nil {
		logger.Error("{proxy/proxy - Init} Initial catalog load failed: %v", err)
	}
}

// RefreshCatalog reloads every listing source now.
func (sp *StreamProxy) RefreshCatalog(ctx context.Context) error {
	return sp.Catalog.Load(ctx)
}

// StartCatalogRefresh reloads the catalog every CatalogRefreshInterval until
// StopCatalogRefresh is called. It blocks; run it in its own goroutine.
func (sp *StreamProxy) StartCatalogRefresh() {
	ticker := time.NewTicker(sp.Config.CatalogRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.refreshStop:
			logger.Debug("{proxy/proxy - StartCatalogRefresh} Catalog refresh stopped")
			return
		case <-ticker.C:
			if err := sp.RefreshCatalog(context.Background()); err != nil {
				logger.Error("{proxy/proxy - StartCatalogRefresh} Scheduled catalog refresh failed: %v", err)
			}
		}
	}
}

// StopCatalogRefresh signals the refresh loop to stop.
func (sp *StreamProxy) StopCatalogRefresh() {
	select {
	case sp.refreshStop <- struct{}{}:
	default:
	}
}

// GeneratePlaylist writes the aggregate playlist for an already authorized
// request. secretValue is the secret the request was verified against ("" for
// open access) and is embedded in every entry.
func (sp *StreamProxy) GeneratePlaylist(w http.ResponseWriter, r *http.Request, secretValue string) {
	if err := sp.Catalog.EnsureFresh(r.Context(), sp.Config.CatalogRefreshInterval); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		metrics.PlaylistRequests.WithLabelValues("unavailable").Inc()
		logger.Error("{proxy/proxy - GeneratePlaylist} No catalog to serve: %v", err)
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}

	baseURL := sp.Config.BaseURL
	outcome := "cached"
	body, ok := sp.Cache.Get(sp.Catalog.Generation(), secretValue, baseURL)
	if !ok {
		channels, generation := sp.Catalog.Snapshot()
		body = playlist.Build(channels, playlist.Options{BaseURL: baseURL, Secret: secretValue})
		sp.Cache.Set(generation, secretValue, baseURL, body)
		outcome = "served"
		logger.Debug("{proxy/proxy - GeneratePlaylist} Rendered playlist for generation %d with %d channels", generation, len(channels))
	}
	metrics.PlaylistRequests.WithLabelValues(outcome).Inc()

	w.Header().Set("Content-Type", relay.ManifestContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	io.WriteString(w, body)
}

// PlaylistURL returns the playlist address for the active secret.
func (sp *StreamProxy) PlaylistURL() string {
	return playlist.URL(sp.Config.BaseURL, sp.Secret.Current())
}

// Close releases pools, caches and the database.
func (sp *StreamProxy) Close() {
	sp.StopCatalogRefresh()
	if sp.Cache != nil {
		sp.Cache.Close()
	}
	if sp.WorkerPool != nil {
		sp.WorkerPool.Release()
	}
	if sp.DB != nil {
		if err := sp.DB.Close(); err != nil {
			logger.Warn("{proxy/proxy - Close} Failed to close database: %v", err)
		}
	}
}
