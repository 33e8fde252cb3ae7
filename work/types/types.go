package types

import (
	"time"
)

// Channel is one live-TV channel of a catalog snapshot. Identity is ID; a
// Channel is never mutated once the snapshot holding it is published.
type Channel struct {
	ID      string   `json:"id"`                // Stable channel identifier used in playlist and relay URLs
	Name    string   `json:"name"`              // Human-readable display name
	Tags    []string `json:"tags,omitempty"`    // Category tags, distinct, in source order
	Logo    string   `json:"logo,omitempty"`    // Logo URL, may be empty
	Locator string   `json:"locator,omitempty"` // Upstream page the resolver starts from
}

// HasTag reports whether the channel carries the given tag.
func (c Channel) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ResolvedStream is the outcome of a manifest resolution for one channel.
// It is owned by the resolver cache and replaced, never mutated, on re-resolution.
type ResolvedStream struct {
	ChannelID   string            // Channel this manifest belongs to
	ManifestURL string            // Current upstream manifest URL
	Headers     map[string]string // Request headers the upstream expects (Referer, Origin, User-Agent)
	ResolvedAt  time.Time         // When the resolution completed
	ExpiresAt   time.Time         // After this instant the entry must not be served
}

// Fresh reports whether the resolution may still be served at now.
func (rs *ResolvedStream) Fresh(now time.Time) bool {
	return rs != nil && now.Before(rs.ExpiresAt)
}

// ProxyConfig controls whether upstream fetches tunnel through SOCKS5.
// It is process wide and read-only after startup.
type ProxyConfig struct {
	Enabled       bool
	SOCKS5Address string
}

// NewProxyConfig derives the proxy settings from a configured SOCKS5 address.
func NewProxyConfig(socks5 string) ProxyConfig {
	return ProxyConfig{Enabled: socks5 != "", SOCKS5Address: socks5}
}
