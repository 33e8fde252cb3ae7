package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"stepzz-proxy/work/client"
	"stepzz-proxy/work/config"
	"stepzz-proxy/work/filter"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/parser"
	"stepzz-proxy/work/types"
)

// maxListingBytes bounds a listing body read into memory.
const maxListingBytes = 32 << 20

// Source produces the channel listing of one upstream.
type Source interface {
	Name() string
	Channels(ctx context.Context) ([]types.Channel, error)
}

// NewSources builds the configured listing sources, each wrapped with its
// include/exclude name filter.
func NewSources(cfg *config.Config, httpClient *client.HeaderSettingClient, fm *filter.FilterManager) ([]Source, error) {
	sources := make([]Source, 0, len(cfg.Sources))
	for i := range cfg.Sources {
		sc := &cfg.Sources[i]

		var src Source
		switch strings.ToLower(sc.Type) {
		case "m3u", "":
			src = &M3USource{Config: sc, Client: httpClient}
		case "json":
			src = &JSONSource{Config: sc, Client: httpClient}
		case "static":
			src = NewStaticSource(sc)
		case "xtream", "xc":
			src = &XtreamSource{Config: sc, Client: httpClient}
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", sc.Name, sc.Type)
		}

		sources = append(sources, &filteredSource{Source: src, config: sc, filters: fm})
	}
	return sources, nil
}

// filteredSource applies a source's name filters to its listing.
type filteredSource struct {
	Source
	config  *config.SourceConfig
	filters *filter.FilterManager
}

func (f *filteredSource) Channels(ctx context.Context) ([]types.Channel, error) {
	channels, err := f.Source.Channels(ctx)
	if err != nil || f.filters == nil {
		return channels, err
	}
	return f.filters.FilterChannels(channels, f.config), nil
}

// fetchListing issues the listing request with the source's headers.
func fetchListing(ctx context.Context, httpClient *client.HeaderSettingClient, sc *config.SourceConfig) ([]byte, error) {
	return fetchSourceURL(ctx, httpClient, sc, sc.URL)
}

// fetchSourceURL fetches rawURL with the headers configured for sc.
func fetchSourceURL(ctx context.Context, httpClient *client.HeaderSettingClient, sc *config.SourceConfig, rawURL string) ([]byte, error) {
	resp, err := httpClient.Get(ctx, rawURL, map[string]string{
		"User-Agent": sc.UserAgent,
		"Origin":     sc.ReqOrigin,
		"Referer":    sc.ReqReferrer,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
}

// locatorFor fills a source's locator template with the channel id.
func locatorFor(template, id string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{id}", url.PathEscape(id))
}

// M3USource reads an upstream M3U listing. The tvg-id attribute (or the
// display name) becomes the channel id and the entry URL becomes the
// locator, unless a locator template overrides it.
type M3USource struct {
	Config *config.SourceConfig
	Client *client.HeaderSettingClient
}

// Name returns the configured source name.
func (s *M3USource) Name() string { return s.Config.Name }

// Channels fetches and parses the listing.
func (s *M3USource) Channels(ctx context.Context) ([]types.Channel, error) {
	body, err := fetchListing(ctx, s.Client, s.Config)
	if err != nil {
		return nil, err
	}

	entries, err := parser.ParseListing(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}

	channels := make([]types.Channel, 0, len(entries))
	for _, e := range entries {
		id := e.Attributes["tvg-id"]
		if id == "" {
			id = e.Name
		}
		if id == "" {
			continue
		}

		locator := e.URL
		if s.Config.LocatorTemplate != "" {
			locator = locatorFor(s.Config.LocatorTemplate, id)
		}

		channels = append(channels, types.Channel{
			ID:      id,
			Name:    e.Name,
			Tags:    splitTags(e.Attributes["group-title"]),
			Logo:    e.Attributes["tvg-logo"],
			Locator: locator,
		})
	}

	logger.Debug("{catalog/source - M3USource.Channels} Parsed %d channels from %s", len(channels), s.Config.Name)
	return channels, nil
}

// splitTags turns a group-title into a distinct tag list, keeping order.
// Groups are separated by ';' or '|'.
func splitTags(group string) []string {
	if group == "" {
		return nil
	}
	fields := strings.FieldsFunc(group, func(r rune) bool { return r == ';' || r == '|' })
	return distinct(fields)
}

func distinct(tags []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// flexibleID accepts a channel id given as a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexibleID(data)
	return nil
}

// jsonChannel is one record of a JSON listing. Both "tags" and a single
// "category" are accepted.
type jsonChannel struct {
	ID       flexibleID `json:"id"`
	Name     string     `json:"name"`
	Tags     []string   `json:"tags"`
	Category string     `json:"category"`
	Logo     string     `json:"logo"`
	Locator  string     `json:"locator"`
}

// JSONSource reads a JSON array of channel records.
type JSONSource struct {
	Config *config.SourceConfig
	Client *client.HeaderSettingClient
}

// Name returns the configured source name.
func (s *JSONSource) Name() string { return s.Config.Name }

// Channels fetches and decodes the listing.
func (s *JSONSource) Channels(ctx context.Context) ([]types.Channel, error) {
	body, err := fetchListing(ctx, s.Client, s.Config)
	if err != nil {
		return nil, err
	}
	return decodeJSONListing(body, s.Config.LocatorTemplate)
}

func decodeJSONListing(body []byte, template string) ([]types.Channel, error) {
	var records []jsonChannel
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}

	channels := make([]types.Channel, 0, len(records))
	for _, r := range records {
		id := strings.TrimSpace(string(r.ID))
		if id == "" {
			continue
		}
		tags := r.Tags
		if r.Category != "" {
			tags = append(tags, r.Category)
		}
		locator := r.Locator
		if locator == "" {
			locator = locatorFor(template, id)
		}
		channels = append(channels, types.Channel{
			ID:      id,
			Name:    r.Name,
			Tags:    distinct(tags),
			Logo:    r.Logo,
			Locator: locator,
		})
	}
	return channels, nil
}

// StaticSource serves channels inlined in the config file.
type StaticSource struct {
	name     string
	channels []types.Channel
}

// NewStaticSource converts the inline channel records of sc.
func NewStaticSource(sc *config.SourceConfig) *StaticSource {
	channels := make([]types.Channel, 0, len(sc.Channels))
	for _, c := range sc.Channels {
		locator := c.Locator
		if locator == "" {
			locator = locatorFor(sc.LocatorTemplate, c.ID)
		}
		channels = append(channels, types.Channel{
			ID:      c.ID,
			Name:    c.Name,
			Tags:    distinct(c.Tags),
			Logo:    c.Logo,
			Locator: locator,
		})
	}
	return &StaticSource{name: sc.Name, channels: channels}
}

// NewChannelSource wraps an already built channel list.
func NewChannelSource(name string, channels []types.Channel) *StaticSource {
	return &StaticSource{name: name, channels: channels}
}

// Name returns the configured source name.
func (s *StaticSource) Name() string { return s.name }

// Channels returns a copy of the inline channels.
func (s *StaticSource) Channels(context.Context) ([]types.Channel, error) {
	out := make([]types.Channel, len(s.channels))
	copy(out, s.channels)
	return out, nil
}
