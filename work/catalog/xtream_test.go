package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stepzz-proxy/work/client"
	"stepzz-proxy/work/config"
	"stepzz-proxy/work/filter"
)

func TestXtreamSource(t *testing.T) {
	panel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/player_api.php" || q.Get("username") != "user" || q.Get("password") != "p@ss" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		switch q.Get("action") {
		case "get_live_streams":
			fmt.Fprint(w, `[
				{"stream_id": 101, "name": " News 24 ", "category_id": "7", "stream_icon": "http://img/101.png"},
				{"stream_id": "102", "name": "Sports HD", "category_id": 9},
				{"stream_id": null, "name": "broken"}
			]`)
		case "get_live_categories":
			fmt.Fprint(w, `[{"category_id": "7", "category_name": "News"}, {"category_id": "9", "category_name": "Sports"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer panel.Close()

	cfg := &config.Config{
		StreamTimeout: 5 * time.Second,
		Sources: []config.SourceConfig{{
			Name:     "panel",
			Type:     "xtream",
			URL:      panel.URL + "/",
			Username: "user",
			Password: "p@ss",
		}},
	}
	hc, err := client.NewHeaderSettingClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sources, err := NewSources(cfg, hc, filter.NewFilterManager())
	if err != nil {
		t.Fatal(err)
	}

	channels, err := sources[0].Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels() error = %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("Channels() = %+v", channels)
	}

	news := channels[0]
	if news.ID != "101" || news.Name != "News 24" || news.Logo != "http://img/101.png" || !news.HasTag("News") {
		t.Errorf("news = %+v", news)
	}
	if want := panel.URL + "/live/user/p@ss/101.m3u8"; news.Locator != want {
		t.Errorf("Locator = %q, want %q", news.Locator, want)
	}
	if sports := channels[1]; sports.ID != "102" || !sports.HasTag("Sports") {
		t.Errorf("sports = %+v", sports)
	}
}

func TestXtreamSourceWithoutCategories(t *testing.T) {
	panel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "get_live_streams" {
			fmt.Fprint(w, `[{"stream_id": 5, "name": "Five"}]`)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer panel.Close()

	src := &XtreamSource{
		Config: &config.SourceConfig{Name: "p", URL: panel.URL, LocatorTemplate: "https://player.example/{id}"},
		Client: mustClient(t),
	}
	channels, err := src.Channels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 1 || channels[0].Locator != "https://player.example/5" || len(channels[0].Tags) != 0 {
		t.Errorf("channels = %+v", channels)
	}
}

func mustClient(t *testing.T) *client.HeaderSettingClient {
	t.Helper()
	hc, err := client.NewHeaderSettingClient(&config.Config{StreamTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return hc
}
