package parser

import (
	"bytes"
	"errors"
	"strings"

	"github.com/grafov/m3u8"
)

// ErrNotManifest is returned when a body does not carry the #EXTM3U header.
var ErrNotManifest = errors.New("body is not an HLS manifest")

// ManifestKind tells master playlists (variant lists) from media playlists
// (segment lists).
type ManifestKind int

const (
	KindMedia ManifestKind = iota
	KindMaster
)

// String returns a printable name of the kind.
func (k ManifestKind) String() string {
	if k == KindMaster {
		return "master"
	}
	return "media"
}

// ManifestInfo summarizes a decoded manifest.
type ManifestInfo struct {
	Kind     ManifestKind
	Variants int  // master: number of EXT-X-STREAM-INF variants with a URI line
	Segments int  // media: number of segments
	Decoded  bool // counts come from the grafov decoder, not tag counting
}

// Entries returns the number of URI lines the manifest carries: variants of
// a master playlist or segments of a media playlist.
func (i ManifestInfo) Entries() int {
	if i.Kind == KindMaster {
		return i.Variants
	}
	return i.Segments
}

// IsManifest reports whether content starts with the #EXTM3U header,
// ignoring a UTF-8 byte order mark and leading whitespace.
func IsManifest(content []byte) bool {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	return bytes.HasPrefix(bytes.TrimSpace(content), []byte("#EXTM3U"))
}

// Classify decodes content with the grafov parser to tell a master from a
// media playlist. Manifests the parser rejects but that carry the #EXTM3U
// header fall back to tag detection, since upstreams often emit tags the
// strict decoder does not know.
func Classify(content []byte) (ManifestInfo, error) {
	if !IsManifest(content) {
		return ManifestInfo{}, ErrNotManifest
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), false)
	if err == nil {
		switch listType {
		case m3u8.MASTER:
			master := playlist.(*m3u8.MasterPlaylist)
			variants := 0
			for _, v := range master.Variants {
				// I-frame variants live in a tag attribute, not on a URI line
				if v != nil && !v.Iframe && v.URI != "" {
					variants++
				}
			}
			return ManifestInfo{Kind: KindMaster, Variants: variants, Decoded: true}, nil
		case m3u8.MEDIA:
			media := playlist.(*m3u8.MediaPlaylist)
			return ManifestInfo{Kind: KindMedia, Segments: int(media.Count()), Decoded: true}, nil
		}
	}

	return classifyByTags(string(content)), nil
}

func classifyByTags(content string) ManifestInfo {
	if IsMasterPlaylist(content) {
		return ManifestInfo{Kind: KindMaster, Variants: strings.Count(content, "#EXT-X-STREAM-INF")}
	}
	return ManifestInfo{Kind: KindMedia, Segments: strings.Count(content, "#EXTINF")}
}

// IsMasterPlaylist determines whether content is a master playlist by the
// presence of #EXT-X-STREAM-INF tags.
func IsMasterPlaylist(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}
