package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// default on-disk locations, overridable from the config file
const (
	defaultConfigPath   = "/settings/config.json"
	defaultSecretPath   = "/settings/playlist_secret"
	defaultDatabasePath = "/settings/stepzz.db"
	defaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Config holds all application configuration values for the relay server.
// It covers the public surface, the upstream client, the manifest resolver,
// the relay engine and the configured channel listing sources.
type Config struct {
	BaseURL                string         `json:"baseURL"`                // Public base URL used when building playlist and relay links
	Port                   int            `json:"port"`                   // Listen port
	Debug                  bool           `json:"debug"`                  // Enable debug logging
	LogLevel               string         `json:"logLevel"`               // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls          bool           `json:"obfuscateUrls"`          // Obfuscate upstream URLs in logs
	ProxyContent           bool           `json:"proxyContent"`           // Relay media segments through the server
	Socks5                 string         `json:"socks5"`                 // SOCKS5 address for upstream fetches (empty = direct)
	UserAgent              string         `json:"userAgent"`              // Default upstream User-Agent
	WorkerThreads          int            `json:"workerThreads"`          // Size of the shared worker pool
	MaxConnectionsToApp    int            `json:"maxConnectionsToApp"`    // Maximum concurrent relay sessions
	BufferSize             int            `json:"bufferSize"`             // Segment copy buffer size in KB
	StreamTimeout          time.Duration  `json:"streamTimeout"`          // Upstream dial + response header timeout
	StreamReadTimeout      time.Duration  `json:"streamReadTimeout"`      // Maximum stall of a single upstream read
	CatalogRefreshInterval time.Duration  `json:"catalogRefreshInterval"` // Age after which the catalog is reloaded
	PlaylistCacheDuration  time.Duration  `json:"playlistCacheDuration"`  // Lifetime of a rendered playlist
	ResolveTTL             time.Duration  `json:"resolveTTL"`             // Freshness window of a resolved manifest URL
	ResolveFailureTTL      time.Duration  `json:"resolveFailureTTL"`      // How long a failed resolution is remembered (0 = off)
	ResolveRetries         int            `json:"resolveRetries"`         // Attempts per resolution
	ResolveBackoff         time.Duration  `json:"resolveBackoff"`         // Initial delay between attempts (doubles)
	ResolveTimeout         time.Duration  `json:"resolveTimeout"`         // Upper bound for one shared resolution
	ResolveRatePerSecond   int            `json:"resolveRatePerSecond"`   // Upstream page fetches per second during resolution
	ResolveMaxHops         int            `json:"resolveMaxHops"`         // Player pages followed after the locator page
	SecretStore            string         `json:"secretStore"`            // "file", "database" or "memory"
	SecretPath             string         `json:"secretPath"`             // File used by the file secret store
	DatabasePath           string         `json:"databasePath"`           // SQLite database location
	PersistCatalog         bool           `json:"persistCatalog"`         // Keep the last good catalog in the database
	TokenKey               string         `json:"tokenKey"`               // Hex encoded 32 byte key sealing relay URLs (random when empty)
	Sources                []SourceConfig `json:"sources"`                // Channel listing sources, in playlist order

	// Environment-only values, never read from or written to the config file.
	SecretOverride string `json:"-"` // PLAYLIST_SECRET_CODE
	AdminPassword  string `json:"-"` // ADMIN_PASSWORD
}

// SourceConfig represents the configuration for a single channel listing source.
type SourceConfig struct {
	Name            string          `json:"name"`                   // Descriptive name for the source
	Type            string          `json:"type"`                   // "m3u", "json", "xtream" or "static"
	URL             string          `json:"url"`                    // Listing URL (m3u / json)
	LocatorTemplate string          `json:"locatorTemplate"`        // Locator URL with an {id} placeholder
	Username        string          `json:"username,omitempty"`     // Xtream Codes account name
	Password        string          `json:"password,omitempty"`     // Xtream Codes account password
	UserAgent       string          `json:"userAgent"`              // HTTP User-Agent header for requests
	ReqOrigin       string          `json:"reqOrigin"`              // HTTP Origin header for requests
	ReqReferrer     string          `json:"reqReferrer"`            // HTTP Referer header for requests
	IncludeRegex    string          `json:"includeRegex,omitempty"` // Only keep channels whose name matches
	ExcludeRegex    string          `json:"excludeRegex,omitempty"` // Drop channels whose name matches
	Channels        []ChannelConfig `json:"channels,omitempty"`     // Inline channels for static sources
}

// ChannelConfig is one inline channel record of a static source.
type ChannelConfig struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags,omitempty"`
	Logo    string   `json:"logo,omitempty"`
	Locator string   `json:"locator,omitempty"`
}

// ConfigFile represents the JSON file structure. Duration fields are strings
// (e.g. "30s") parsed into time.Duration values.
type ConfigFile struct {
	BaseURL                string         `json:"baseURL"`
	Port                   int            `json:"port"`
	Debug                  bool           `json:"debug"`
	LogLevel               string         `json:"logLevel"`
	ObfuscateUrls          bool           `json:"obfuscateUrls"`
	ProxyContent           *bool          `json:"proxyContent"`
	Socks5                 string         `json:"socks5"`
	UserAgent              string         `json:"userAgent"`
	WorkerThreads          int            `json:"workerThreads"`
	MaxConnectionsToApp    int            `json:"maxConnectionsToApp"`
	BufferSize             int            `json:"bufferSize"`
	StreamTimeout          string         `json:"streamTimeout"`
	StreamReadTimeout      string         `json:"streamReadTimeout"`
	CatalogRefreshInterval string         `json:"catalogRefreshInterval"`
	PlaylistCacheDuration  string         `json:"playlistCacheDuration"`
	ResolveTTL             string         `json:"resolveTTL"`
	ResolveFailureTTL      string         `json:"resolveFailureTTL"`
	ResolveRetries         int            `json:"resolveRetries"`
	ResolveBackoff         string         `json:"resolveBackoff"`
	ResolveTimeout         string         `json:"resolveTimeout"`
	ResolveRatePerSecond   int            `json:"resolveRatePerSecond"`
	ResolveMaxHops         int            `json:"resolveMaxHops"`
	SecretStore            string         `json:"secretStore"`
	SecretPath             string         `json:"secretPath"`
	DatabasePath           string         `json:"databasePath"`
	PersistCatalog         bool           `json:"persistCatalog"`
	TokenKey               string         `json:"tokenKey"`
	Sources                []SourceConfig `json:"sources"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from CONFIG_PATH (default `/settings/config.json`).
//   - Falls back to default config if file is missing or invalid.
//   - Applies environment overrides, then runs validation.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	applyEnvironment(config, os.Getenv)
	validateAndSetDefaults(config)

	configCache = config
	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left zero and defaulted by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:              cf.BaseURL,
		Port:                 cf.Port,
		Debug:                cf.Debug,
		LogLevel:             cf.LogLevel,
		ObfuscateUrls:        cf.ObfuscateUrls,
		ProxyContent:         true,
		Socks5:               cf.Socks5,
		UserAgent:            cf.UserAgent,
		WorkerThreads:        cf.WorkerThreads,
		MaxConnectionsToApp:  cf.MaxConnectionsToApp,
		BufferSize:           cf.BufferSize,
		ResolveRetries:       cf.ResolveRetries,
		ResolveRatePerSecond: cf.ResolveRatePerSecond,
		ResolveMaxHops:       cf.ResolveMaxHops,
		SecretStore:          cf.SecretStore,
		SecretPath:           cf.SecretPath,
		DatabasePath:         cf.DatabasePath,
		PersistCatalog:       cf.PersistCatalog,
		TokenKey:             cf.TokenKey,
		Sources:              cf.Sources,
	}
	if cf.ProxyContent != nil {
		config.ProxyContent = *cf.ProxyContent
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"streamTimeout", cf.StreamTimeout, &config.StreamTimeout},
		{"streamReadTimeout", cf.StreamReadTimeout, &config.StreamReadTimeout},
		{"catalogRefreshInterval", cf.CatalogRefreshInterval, &config.CatalogRefreshInterval},
		{"playlistCacheDuration", cf.PlaylistCacheDuration, &config.PlaylistCacheDuration},
		{"resolveTTL", cf.ResolveTTL, &config.ResolveTTL},
		{"resolveFailureTTL", cf.ResolveFailureTTL, &config.ResolveFailureTTL},
		{"resolveBackoff", cf.ResolveBackoff, &config.ResolveBackoff},
		{"resolveTimeout", cf.ResolveTimeout, &config.ResolveTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.target = parsed
	}

	return config, nil
}

// applyEnvironment layers the process environment over the file values.
// getenv is injected so tests do not have to touch the real environment.
func applyEnvironment(config *Config, getenv func(string) string) {
	if v := getenv("PROXY_CONTENT"); v != "" {
		config.ProxyContent = strings.EqualFold(strings.TrimSpace(v), "TRUE")
	}
	if v := getenv("SOCKS5"); v != "" {
		config.Socks5 = strings.TrimSpace(v)
	}
	if v := getenv("API_URL"); v != "" {
		config.BaseURL = strings.TrimSpace(v)
	}
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Port = port
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := getenv("TOKEN_KEY"); v != "" {
		config.TokenKey = strings.TrimSpace(v)
	}
	config.SecretOverride = strings.TrimSpace(getenv("PLAYLIST_SECRET_CODE"))
	config.AdminPassword = strings.TrimSpace(getenv("ADMIN_PASSWORD"))
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:                "http://localhost:8080",
		Port:                   8080,
		LogLevel:               "INFO",
		ProxyContent:           true,
		UserAgent:              defaultUserAgent,
		WorkerThreads:          8,
		MaxConnectionsToApp:    500,
		BufferSize:             32,
		StreamTimeout:          10 * time.Second,
		StreamReadTimeout:      20 * time.Second,
		CatalogRefreshInterval: 6 * time.Hour,
		PlaylistCacheDuration:  5 * time.Minute,
		ResolveTTL:             60 * time.Second,
		ResolveFailureTTL:      5 * time.Second,
		ResolveRetries:         3,
		ResolveBackoff:         500 * time.Millisecond,
		ResolveTimeout:         30 * time.Second,
		ResolveRatePerSecond:   20,
		ResolveMaxHops:         2,
		SecretStore:            "file",
		SecretPath:             defaultSecretPath,
		DatabasePath:           defaultDatabasePath,
		Sources:                []SourceConfig{},
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Port <= 0 {
		config.Port = defaults.Port
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = defaults.WorkerThreads
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = defaults.MaxConnectionsToApp
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = defaults.StreamTimeout
	}
	if config.StreamReadTimeout <= 0 {
		config.StreamReadTimeout = defaults.StreamReadTimeout
	}
	if config.CatalogRefreshInterval <= 0 {
		config.CatalogRefreshInterval = defaults.CatalogRefreshInterval
	}
	if config.PlaylistCacheDuration <= 0 {
		config.PlaylistCacheDuration = defaults.PlaylistCacheDuration
	}
	if config.ResolveTTL <= 0 {
		config.ResolveTTL = defaults.ResolveTTL
	}
	if config.ResolveFailureTTL < 0 {
		config.ResolveFailureTTL = 0
	}
	if config.ResolveRetries <= 0 {
		config.ResolveRetries = defaults.ResolveRetries
	}
	if config.ResolveBackoff <= 0 {
		config.ResolveBackoff = defaults.ResolveBackoff
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = defaults.ResolveTimeout
	}
	if config.ResolveRatePerSecond <= 0 {
		config.ResolveRatePerSecond = defaults.ResolveRatePerSecond
	}
	if config.ResolveMaxHops <= 0 {
		config.ResolveMaxHops = defaults.ResolveMaxHops
	}
	switch config.SecretStore {
	case "file", "database", "memory":
	default:
		config.SecretStore = defaults.SecretStore
	}
	if config.SecretPath == "" {
		config.SecretPath = defaults.SecretPath
	}
	if config.DatabasePath == "" {
		config.DatabasePath = defaults.DatabasePath
	}

	// Validate each source
	for i := range config.Sources {
		src := &config.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.Type == "" {
			if len(src.Channels) > 0 {
				src.Type = "static"
			} else {
				src.Type = "m3u"
			}
		}
		src.Type = strings.ToLower(src.Type)
		if src.UserAgent == "" {
			src.UserAgent = config.UserAgent
		}
		// ReqOrigin and ReqReferrer may remain empty
	}
}

// UsesDatabase reports whether any configured feature needs the SQLite store.
func (c *Config) UsesDatabase() bool {
	return c.SecretStore == "database" || c.PersistCatalog
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// ObfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
