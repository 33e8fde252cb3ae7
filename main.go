package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stepzz-proxy/work/config"
	"stepzz-proxy/work/handlers"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/proxy"
	"stepzz-proxy/work/utils"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Version = "v0.1.0" // default version
)

func main() {
	// a local .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("{main - main} Failed to load .env: %v", err)
	}

	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	proxyInstance, err := proxy.New(cfg)
	if err != nil {
		logger.Error("{main - main} Failed to initialize: %v", err)
		os.Exit(1)
	}
	defer proxyInstance.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxyInstance.Init(ctx)
	go proxyInstance.StartCatalogRefresh()

	router := mux.NewRouter().UseEncodedPath()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if err := setupAdminRoutes(router, proxyInstance); err != nil {
		logger.Error("{main - main} Failed to set up admin API: %v", err)
		os.Exit(1)
	}
	handlers.RegisterRoutes(router, proxyInstance)

	logger.Info("{main - main} Starting stepzz-proxy %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - main}   - Sources: %d", len(cfg.Sources))
	logger.Info("{main - main}   - Proxy Content: %v", cfg.ProxyContent)
	logger.Info("{main - main}   - SOCKS5: %v", proxyInstance.HttpClient.ProxyConfig().Enabled)
	logger.Info("{main - main}   - Secret Gate: %v (override: %v)", proxyInstance.Secret.Active(), proxyInstance.Secret.Overridden())
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - Max Sessions: %d", cfg.MaxConnectionsToApp)
	logger.Info("{main - main}   - Copy Buffer Size: %s", utils.FormatBytes(int64(cfg.BufferSize)*1024))
	logger.Info("{main - main}   - Resolve TTL: %s (retries %d, backoff %s)", cfg.ResolveTTL, cfg.ResolveRetries, cfg.ResolveBackoff)
	logger.Info("{main - main}   - Catalog Refresh: %s", cfg.CatalogRefreshInterval)
	logger.Info("{main - main}   - Playlist Cache: %s", cfg.PlaylistCacheDuration)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} Server failed: %v", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("{main - main} Shutting down")
	proxyInstance.StopCatalogRefresh()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} Graceful shutdown incomplete: %v", err)
	}
}
