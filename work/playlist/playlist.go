// Package playlist renders the aggregate channel playlist.
package playlist

import (
	"net/url"
	"strings"

	"stepzz-proxy/work/types"
)

// Header is the first line of every playlist.
const Header = "#EXTM3U"

// Options controls the URLs written into a playlist.
type Options struct {
	BaseURL string // scheme://host[/path] prefix, empty for root-relative URLs
	Secret  string // active secret, embedded as the first path segment
}

// Prefix returns the path prefix shared by every URL of a playlist.
func (o Options) Prefix() string {
	p := strings.TrimRight(o.BaseURL, "/")
	if o.Secret != "" {
		p += "/" + url.PathEscape(o.Secret)
	}
	return p
}

// URL returns the playlist address for a base URL and secret.
func URL(baseURL, secret string) string {
	return Options{BaseURL: baseURL, Secret: secret}.Prefix() + "/playlist.m3u8"
}

// StreamURL returns the relay manifest address of one channel.
func StreamURL(opts Options, channelID string) string {
	return opts.Prefix() + "/stream/" + url.PathEscape(channelID) + ".m3u8"
}

// Build renders one entry per channel, in the given order. With a secret
// set, every entry URL carries it as its first path segment so the relay can
// re-check it per request; the body then differs from the open one only by
// that segment. Channel names, attributes and order are the same.
func Build(channels []types.Channel, opts Options) string {
	var b strings.Builder
	b.Grow(64 + len(channels)*160)

	b.WriteString(Header)
	b.WriteByte('\n')
	for _, ch := range channels {
		b.WriteString(`#EXTINF:-1 tvg-id="`)
		b.WriteString(attr(ch.ID))
		b.WriteString(`" tvg-name="`)
		b.WriteString(attr(ch.Name))
		b.WriteString(`" tvg-logo="`)
		b.WriteString(attr(ch.Logo))
		b.WriteString(`" group-title="`)
		b.WriteString(attr(strings.Join(ch.Tags, ";")))
		b.WriteString(`",`)
		b.WriteString(title(ch))
		b.WriteByte('\n')
		b.WriteString(StreamURL(opts, ch.ID))
		b.WriteByte('\n')
	}
	return b.String()
}

// attr makes a value safe inside a quoted EXTINF attribute.
func attr(v string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ", "\r", " ").Replace(v)
}

// title is the display name after the EXTINF comma.
func title(ch types.Channel) string {
	name := strings.NewReplacer("\n", " ", "\r", " ").Replace(ch.Name)
	if strings.TrimSpace(name) == "" {
		return ch.ID
	}
	return name
}
