package features

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrUnsupportedURL is returned for URLs that are not absolute http(s) locations
var ErrUnsupportedURL = errors.New("unsupported url")

// Ternary indicator values shared by the document features.
const (
	Legitimate = 1
	Suspicious = 0
	Phishing   = -1
)

// parseTarget parses an absolute http(s) URL and returns it with its lowercased hostname
func parseTarget(raw string) (*url.URL, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, "", fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}
	return u, host, nil
}

// registrableDomain returns eTLD+1 for a hostname. IP addresses and bare
// suffixes come back unchanged.
func registrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// subdomainPart returns the labels left of the registrable domain
func subdomainPart(host string) string {
	domain := registrableDomain(host)
	if domain == host {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSuffix(host, domain), ".")
}

// referenceDomain resolves a reference found in a document against the page
// and returns its registrable domain. Empty means the reference carries no host
// (fragments, javascript: and mailto: links).
func referenceDomain(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		return ""
	}
	return registrableDomain(host)
}

// hostMatches reports whether domain equals one of hosts or is a subdomain of it
func hostMatches(domain string, hosts []string) bool {
	for _, h := range hosts {
		if domain == h || strings.HasSuffix(domain, "."+h) {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
