package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stepzz-proxy/work/config"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/types"

	"golang.org/x/net/proxy"
)

// HeaderSettingClient wraps http.Client to automatically set upstream headers
// and, when configured, to tunnel every connection through a SOCKS5 proxy.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
	proxy     types.ProxyConfig
}

// NewHeaderSettingClient builds the shared upstream client. There is no overall
// request timeout because segment bodies stream for as long as the client reads;
// dialing and response headers are bounded by cfg.StreamTimeout instead.
func NewHeaderSettingClient(cfg *config.Config) (*HeaderSettingClient, error) {
	proxyCfg := types.NewProxyConfig(cfg.Socks5)

	dialer := &net.Dialer{
		Timeout:   cfg.StreamTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.StreamTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.StreamTimeout,
	}

	if proxyCfg.Enabled {
		dial, err := socksDialContext(proxyCfg.SOCKS5Address, dialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
		logger.Info("{client/client - NewHeaderSettingClient} Upstream fetches tunnel through SOCKS5 %s", redactAuth(proxyCfg.SOCKS5Address))
	}

	return &HeaderSettingClient{
		Client:    &http.Client{Transport: transport},
		userAgent: cfg.UserAgent,
		proxy:     proxyCfg,
	}, nil
}

// ProxyConfig returns the process-wide proxy settings this client was built with.
func (hsc *HeaderSettingClient) ProxyConfig() types.ProxyConfig {
	return hsc.proxy
}

// Do sends req after filling in default headers. Headers already present on
// the request win over the defaults.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Get issues a GET bound to ctx with the given extra headers.
func (hsc *HeaderSettingClient) Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return hsc.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}

// socksDialContext accepts "host:port", "user:pass@host:port" or a
// socks5:// / socks5h:// URL and returns a context-aware dial function.
func socksDialContext(address string, forward *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	host, auth, err := parseSocksAddress(address)
	if err != nil {
		return nil, err
	}

	dialer, err := proxy.SOCKS5("tcp", host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return contextDialer.DialContext, nil
}

func parseSocksAddress(address string) (string, *proxy.Auth, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", nil, fmt.Errorf("empty SOCKS5 address")
	}
	if !strings.Contains(address, "://") {
		address = "socks5://" + address
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", nil, fmt.Errorf("invalid SOCKS5 address: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return "", nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return "", nil, fmt.Errorf("SOCKS5 address %q needs host:port", redactAuth(address))
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	return u.Host, auth, nil
}

// redactAuth strips credentials from a proxy address before it is logged.
func redactAuth(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		prefix := ""
		if i := strings.Index(address, "://"); i >= 0 && i < at {
			prefix = address[:i+3]
		}
		return prefix + "***@" + address[at+1:]
	}
	return address
}
