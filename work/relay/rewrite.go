package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"stepzz-proxy/work/utils"

	"github.com/grafana/regexp"
)

// refKind tells what an upstream reference points at.
type refKind int

const (
	refSegment  refKind = iota // media segment, key or init section
	refManifest                // variant or rendition playlist
)

// maxManifestLine bounds a single manifest line.
const maxManifestLine = 1 << 20

// mapFunc turns an absolute upstream URL into the URL written to the client.
type mapFunc func(absolute string, kind refKind) string

// uriAttrRe matches the URI attribute of EXT-X-KEY, EXT-X-MAP, EXT-X-MEDIA,
// EXT-X-I-FRAME-STREAM-INF and similar tags.
var uriAttrRe = regexp.MustCompile(`URI="([^"]*)"`)

// manifestURITags carry a URI attribute that addresses a playlist rather
// than a media resource.
var manifestURITags = []string{"#EXT-X-MEDIA:", "#EXT-X-I-FRAME-STREAM-INF:", "#EXT-X-RENDITION-REPORT:"}

// rewriteManifest rewrites every reference of an HLS manifest through mapURL.
// References are resolved against manifestURL first. Tags, durations,
// sequence numbers and line order are kept verbatim; only URI lines and URI
// attributes change. It returns the new manifest and the number of URI lines
// (entries) rewritten. A line longer than maxManifestLine is an error; the
// manifest is never served partially.
func rewriteManifest(body []byte, manifestURL string, mapURL mapFunc) (string, int, error) {
	var out strings.Builder
	out.Grow(len(body) + len(body)/2)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), maxManifestLine)

	entries, lines := 0, 0
	nextIsVariant := false
	for scanner.Scan() {
		lines++
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			out.WriteString(line)

		case strings.HasPrefix(trimmed, "#"):
			if strings.HasPrefix(trimmed, "#EXT-X-STREAM-INF:") {
				nextIsVariant = true
			}
			out.WriteString(rewriteURIAttr(line, manifestURL, tagKind(trimmed), mapURL))

		default:
			kind := refSegment
			if nextIsVariant || looksLikeManifest(trimmed) {
				kind = refManifest
			}
			nextIsVariant = false
			out.WriteString(mapReference(trimmed, manifestURL, kind, mapURL))
			entries++
		}
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", entries, fmt.Errorf("manifest line %d: %w", lines+1, err)
	}
	return out.String(), entries, nil
}

func tagKind(tag string) refKind {
	for _, prefix := range manifestURITags {
		if strings.HasPrefix(tag, prefix) {
			return refManifest
		}
	}
	return refSegment
}

func rewriteURIAttr(line, manifestURL string, kind refKind, mapURL mapFunc) string {
	if !strings.Contains(line, `URI="`) {
		return line
	}
	return uriAttrRe.ReplaceAllStringFunc(line, func(attr string) string {
		ref := attr[len(`URI="`) : len(attr)-1]
		return `URI="` + mapReference(ref, manifestURL, kind, mapURL) + `"`
	})
}

// mapReference resolves ref and maps it. Non-HTTP references (data: URIs,
// skd:// key identifiers) are left untouched.
func mapReference(ref, manifestURL string, kind refKind, mapURL mapFunc) string {
	if ref == "" {
		return ref
	}
	abs := utils.ResolveReference(manifestURL, ref)
	if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
		return ref
	}
	if kind == refSegment && looksLikeManifest(abs) {
		kind = refManifest
	}
	return mapURL(abs, kind)
}

func looksLikeManifest(ref string) bool {
	path := ref
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(path)
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u")
}
