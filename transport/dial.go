package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cdpstep/cdpstep/config"
)

// discoverTimeout bounds the /json/version round trip used to resolve the
// browser's websocket debugger URL before the real CDP session starts.
const discoverTimeout = 20 * time.Second

// EndpointURL resolves cfg into the browser's "/devtools/browser/<id>"
// websocket URL (§6 "Wire protocol"), by querying the HTTP debugging
// endpoint Chrome exposes next to the websocket port. This is the one piece
// of the (out-of-scope) launcher's responsibility that the core transport
// must still perform: it never starts Chrome, but it does need to learn
// where an already-listening Chrome answers CDP.
func EndpointURL(ctx context.Context, cfg config.Config) (string, error) {
	cfg = cfg.WithDefaults()

	host, err := resolveHost(ctx, cfg.Host)
	if err != nil {
		return "", fmt.Errorf("transport: resolve host %q: %w", cfg.Host, err)
	}

	versionURL := (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		Path:   "/json/version",
	}).String()

	lctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(lctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: connection refused: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("transport: decode /json/version: %w", err)
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("transport: /json/version did not report a websocket debugger URL")
	}

	return forceIP(payload.WebSocketDebuggerURL), nil
}

// forceIP forces the host component of urlstr to be an IP address or
// "localhost", which Chrome 66+ requires of the Host header on CDP
// connections.
func forceIP(urlstr string) string {
	i := strings.Index(urlstr, "://")
	if i == -1 {
		return urlstr
	}
	scheme := urlstr[:i+3]
	rest := urlstr[i+3:]
	host, path := rest, ""
	if j := strings.Index(rest, "/"); j != -1 {
		host, path = rest[:j], rest[j:]
	}
	hostOnly, port := host, ""
	if j := strings.LastIndex(host, ":"); j != -1 {
		hostOnly, port = host[:j], host[j:]
	}
	if addr, err := net.ResolveIPAddr("ip", hostOnly); err == nil {
		return scheme + addr.IP.String() + port + path
	}
	return urlstr
}

func resolveHost(ctx context.Context, host string) (string, error) {
	if host == "localhost" {
		return host, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("transport: no addresses for host %q", host)
	}
	return addrs[0].IP.String(), nil
}
