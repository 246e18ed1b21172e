package upstream

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyFunc routes model requests through proxy unless the target host matches
// bypass. An empty proxy falls back to the HTTP_PROXY/HTTPS_PROXY environment.
// Bypass entries may be hostnames, "*.domain" or ".domain" suffixes, IPs, CIDRs or "*".
func ProxyFunc(proxy string, bypass []string) func(*http.Request) (*url.URL, error) {
	proxyURL := parseProxy(proxy)
	return func(req *http.Request) (*url.URL, error) {
		if req == nil || req.URL == nil {
			return nil, nil
		}
		if shouldBypass(req.URL.Host, bypass) {
			return nil, nil
		}
		if proxyURL != nil {
			return proxyURL, nil
		}
		return http.ProxyFromEnvironment(req)
	}
}

// NewTransport clones the default transport with the model proxy settings applied.
func NewTransport(proxy string, bypass []string) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = ProxyFunc(proxy, bypass)
	t.MaxIdleConnsPerHost = 16
	t.IdleConnTimeout = 90 * time.Second
	return t
}

func parseProxy(raw string) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}

func shouldBypass(host string, bypass []string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	hostIP := net.ParseIP(host)

	for _, raw := range bypass {
		entry := normalizeHost(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		entry = strings.TrimPrefix(entry, "*.")
		if strings.Contains(entry, "/") {
			if hostIP == nil {
				continue
			}
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(hostIP) {
				return true
			}
			continue
		}
		if hostIP != nil {
			if ip := net.ParseIP(entry); ip != nil && ip.Equal(hostIP) {
				return true
			}
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.Host
		}
	}
	if strings.Contains(raw, ":") {
		if host, _, err := net.SplitHostPort(raw); err == nil {
			raw = host
		} else if !strings.Contains(raw, "/") {
			raw = strings.Trim(raw, "[]")
		}
	}
	raw = strings.TrimLeft(raw, ".")
	return strings.ToLower(strings.TrimSpace(raw))
}
