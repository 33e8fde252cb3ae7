package resolver

import (
	"encoding/base64"
	"strings"

	"github.com/grafana/regexp"
)

// Player pages reference their manifest in one of a few shapes: a literal
// URL, a player config field holding a (possibly relative) path, or a base64
// payload decoded at runtime with atob().
var (
	literalManifestRe = regexp.MustCompile(`https?://[^\s"'<>\\]+?\.m3u8(?:\?[^\s"'<>\\]*)?`)
	fieldManifestRe   = regexp.MustCompile(`(?i)(?:source|file|src|hls|url)\s*[:=]\s*["']([^"'\s]+\.m3u8[^"'\s]*)["']`)
	atobRe            = regexp.MustCompile(`atob\(\s*["']([A-Za-z0-9+/=_-]{8,})["']\s*\)`)
)

var iframePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<iframe[^>]*\ssrc=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<iframe[^>]*\ssrc=([^\s>"']+)`),
	regexp.MustCompile(`(?i)<embed[^>]*\ssrc=["']([^"']+)["']`),
	regexp.MustCompile(`iframe\.src\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`embedUrl['":\s]+["']([^"']+)["']`),
}

// findManifestRef returns the first manifest reference on a page, or "".
// The result may be relative to the page URL.
func findManifestRef(content string) string {
	if m := literalManifestRe.FindString(content); m != "" {
		return m
	}
	if m := fieldManifestRe.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	for _, m := range atobRe.FindAllStringSubmatch(content, -1) {
		decoded, ok := decodeBase64(m[1])
		if !ok {
			continue
		}
		decoded = strings.TrimSpace(decoded)
		if strings.Contains(decoded, ".m3u8") && !strings.ContainsAny(decoded, " \n<>\"'") {
			return decoded
		}
	}
	return ""
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

// findIframeSrc finds the first embedded player page on a page, skipping
// javascript:, about: and data: sources.
func findIframeSrc(content string) string {
	for _, re := range iframePatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			src := strings.Trim(strings.TrimSpace(m[1]), `"'`)
			if src == "" || strings.HasPrefix(src, "javascript:") || strings.HasPrefix(src, "about:") || strings.HasPrefix(src, "data:") {
				continue
			}
			return src
		}
	}
	return ""
}
