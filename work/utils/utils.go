package utils

import (
	"fmt"
	"net/url"
	"strings"

	"stepzz-proxy/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, u string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return config.ObfuscateURL(u)
	}
	return u
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// OriginOf returns scheme://host of a URL, or "" when it cannot be parsed.
func OriginOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ResolveReference resolves ref against base the way a browser would,
// returning ref unchanged when either side does not parse.
func ResolveReference(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "//") {
		if b, err := url.Parse(base); err == nil && b.Scheme != "" {
			return b.Scheme + ":" + ref
		}
		return "https:" + ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
