package handlers

import (
	"net/http"
	"net/url"

	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/metrics"
	"stepzz-proxy/work/middleware"
	"stepzz-proxy/work/proxy"

	"github.com/gorilla/mux"
)

// token matches the sealed relay tokens; it excludes '.' so the manifest
// and segment routes never overlap.
const token = "{token:[A-Za-z0-9_-]+}"

// RegisterRoutes adds the public playlist and relay routes. The router must
// use encoded paths so escaped channel ids survive matching.
func RegisterRoutes(router *mux.Router, sp *proxy.StreamProxy) {
	// open forms first so a secret that equals a literal segment cannot
	// shadow them
	for _, prefix := range []string{"", "/{secret}"} {
		router.HandleFunc(prefix+"/stream/{channel}.m3u8", HandleStream(sp)).Methods("GET", "HEAD")
		router.HandleFunc(prefix+"/relay/{channel}/"+token+".m3u8", HandleRelay(sp, true)).Methods("GET", "HEAD")
		router.HandleFunc(prefix+"/relay/{channel}/"+token, HandleRelay(sp, false)).Methods("GET", "HEAD")
		router.HandleFunc(prefix+"/playlist.m3u8", middleware.GzipMiddleware(HandlePlaylist(sp))).Methods("GET", "HEAD")
	}
	router.HandleFunc("/healthz", HandleHealth(sp)).Methods("GET")
}

// authorize checks the secret path segment of r. It returns the secret the
// request was verified against and the relay URL prefix that carries it.
// Unauthorized requests get the same answer as unknown paths.
func authorize(sp *proxy.StreamProxy, r *http.Request) (string, string, bool) {
	candidate, presented := mux.Vars(r)["secret"]
	if presented {
		var err error
		if candidate, err = url.PathUnescape(candidate); err != nil {
			return "", "", false
		}
	}

	current, ok := sp.Secret.Check(candidate)
	if current == "" {
		return "", "", true
	}
	if !presented || !ok {
		return "", "", false
	}
	return current, "/" + url.PathEscape(current), true
}

func notFound(w http.ResponseWriter, r *http.Request) {
	logger.Debug("{handlers/handlers - notFound} Rejected %s from %s", r.URL.Path, r.RemoteAddr)
	http.NotFound(w, r)
}

// HandlePlaylist serves the aggregate playlist.
func HandlePlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secretValue, _, ok := authorize(sp, r)
		if !ok {
			metrics.PlaylistRequests.WithLabelValues("rejected").Inc()
			notFound(w, r)
			return
		}
		sp.GeneratePlaylist(w, r, secretValue)
	}
}

// HandleStream serves the rewritten manifest of one channel.
func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, prefix, ok := authorize(sp, r)
		if !ok {
			notFound(w, r)
			return
		}
		channelID, err := url.PathUnescape(mux.Vars(r)["channel"])
		if err != nil {
			notFound(w, r)
			return
		}
		sp.Relay.ServeManifest(w, r, channelID, prefix)
	}
}

// HandleRelay serves a sub-manifest (asManifest) or a media resource
// addressed by a sealed token.
func HandleRelay(sp *proxy.StreamProxy, asManifest bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, prefix, ok := authorize(sp, r)
		if !ok {
			notFound(w, r)
			return
		}
		vars := mux.Vars(r)
		channelID, err := url.PathUnescape(vars["channel"])
		if err != nil {
			notFound(w, r)
			return
		}
		sp.Relay.ServeResource(w, r, channelID, vars["token"], prefix, asManifest)
	}
}

// HandleHealth reports whether a catalog is being served.
func HandleHealth(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sp.Catalog.Available() {
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	}
}
