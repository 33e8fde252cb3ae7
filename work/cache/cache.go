// Package cache holds rendered playlists.
package cache

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
)

// PlaylistCache stores rendered playlist bodies keyed by the catalog
// generation, the active secret and the base URL they were rendered for. A
// rotated secret or a new catalog snapshot yields a different key, so an
// entry can never be served for a state it was not rendered from.
type PlaylistCache struct {
	cache    *ristretto.Cache[uint64, string]
	duration time.Duration
}

// NewPlaylistCache creates a cache whose entries live for duration.
func NewPlaylistCache(duration time.Duration) (*PlaylistCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 1000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PlaylistCache{cache: cache, duration: duration}, nil
}

// Get returns the playlist rendered for the given state.
func (pc *PlaylistCache) Get(generation uint64, secret, baseURL string) (string, bool) {
	if pc.duration <= 0 {
		return "", false
	}
	return pc.cache.Get(hashKey(generation, secret, baseURL))
}

// Set stores a rendered playlist. The write is applied asynchronously.
func (pc *PlaylistCache) Set(generation uint64, secret, baseURL, body string) {
	if pc.duration <= 0 {
		return
	}
	pc.cache.SetWithTTL(hashKey(generation, secret, baseURL), body, int64(len(body)), pc.duration)
}

// Wait blocks until pending writes are visible.
func (pc *PlaylistCache) Wait() {
	pc.cache.Wait()
}

// Clear drops every entry.
func (pc *PlaylistCache) Clear() {
	pc.cache.Clear()
}

// Close stops the cache's background goroutines.
func (pc *PlaylistCache) Close() {
	pc.cache.Close()
}

func hashKey(generation uint64, secret, baseURL string) uint64 {
	d := xxhash.New()
	d.WriteString(strconv.FormatUint(generation, 10))
	d.WriteString("\x00")
	d.WriteString(secret)
	d.WriteString("\x00")
	d.WriteString(baseURL)
	return d.Sum64()
}
