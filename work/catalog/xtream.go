package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"stepzz-proxy/work/client"
	"stepzz-proxy/work/config"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/types"
)

// xcLiveStream is one entry of the get_live_streams action.
type xcLiveStream struct {
	StreamID     flexibleID `json:"stream_id"`
	Name         string     `json:"name"`
	CategoryID   flexibleID `json:"category_id"`
	StreamIcon   string     `json:"stream_icon"`
	EpgChannelID string     `json:"epg_channel_id"`
}

// xcCategory is one entry of the get_live_categories action.
type xcCategory struct {
	CategoryID   flexibleID `json:"category_id"`
	CategoryName string     `json:"category_name"`
}

// XtreamSource lists the live channels of an Xtream Codes panel. Channel ids
// are the panel stream ids, category names become tags, and the locator is
// the panel's HLS output for the stream unless a template overrides it.
type XtreamSource struct {
	Config *config.SourceConfig
	Client *client.HeaderSettingClient
}

// Name returns the configured source name.
func (s *XtreamSource) Name() string { return s.Config.Name }

func (s *XtreamSource) apiURL(action string) string {
	q := url.Values{}
	q.Set("username", s.Config.Username)
	q.Set("password", s.Config.Password)
	q.Set("action", action)
	return strings.TrimRight(s.Config.URL, "/") + "/player_api.php?" + q.Encode()
}

// Channels fetches the categories and live streams of the panel.
func (s *XtreamSource) Channels(ctx context.Context) ([]types.Channel, error) {
	body, err := fetchSourceURL(ctx, s.Client, s.Config, s.apiURL("get_live_streams"))
	if err != nil {
		return nil, err
	}
	var streams []xcLiveStream
	if err := json.Unmarshal(body, &streams); err != nil {
		return nil, fmt.Errorf("failed to decode live streams: %w", err)
	}

	// categories only label channels, so a failure here is not fatal
	categories := map[string]string{}
	if body, err := fetchSourceURL(ctx, s.Client, s.Config, s.apiURL("get_live_categories")); err != nil {
		logger.Warn("{catalog/xtream - Channels} Source %s: categories unavailable: %v", s.Config.Name, err)
	} else {
		var list []xcCategory
		if err := json.Unmarshal(body, &list); err != nil {
			logger.Warn("{catalog/xtream - Channels} Source %s: bad categories payload: %v", s.Config.Name, err)
		}
		for _, c := range list {
			categories[string(c.CategoryID)] = c.CategoryName
		}
	}

	channels := make([]types.Channel, 0, len(streams))
	for _, st := range streams {
		id := string(st.StreamID)
		if id == "" {
			continue
		}
		locator := s.streamURL(id)
		if s.Config.LocatorTemplate != "" {
			locator = locatorFor(s.Config.LocatorTemplate, id)
		}

		var tags []string
		if name := categories[string(st.CategoryID)]; name != "" {
			tags = []string{name}
		}
		channels = append(channels, types.Channel{
			ID:      id,
			Name:    strings.TrimSpace(st.Name),
			Tags:    tags,
			Logo:    st.StreamIcon,
			Locator: locator,
		})
	}

	logger.Debug("{catalog/xtream - Channels} Fetched %d live channels from %s", len(channels), s.Config.Name)
	return channels, nil
}

// streamURL is the panel's HLS address of a live stream.
func (s *XtreamSource) streamURL(id string) string {
	return fmt.Sprintf("%s/live/%s/%s/%s.m3u8",
		strings.TrimRight(s.Config.URL, "/"),
		url.PathEscape(s.Config.Username), url.PathEscape(s.Config.Password), url.PathEscape(id))
}
