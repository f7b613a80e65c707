package features

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestStaticService_ExtractStatic(t *testing.T) {
	s := NewStaticService(arbor.NewLogger())

	features, err := s.ExtractStatic(context.Background(), "https://secure-login.accounts.example.co.uk/a/b?x=1&y=2")
	require.NoError(t, err)

	assert.Equal(t, 2, features["subdomain_count"])
	assert.Equal(t, 1, features["hyphen_count"])
	assert.Equal(t, 2, features["query_param_count"])
	assert.Equal(t, 2, features["directory_count"])
	assert.Equal(t, 0, features["is_ip_address"])
	assert.Equal(t, 0, features["is_shortener"])
	assert.Equal(t, 1, features["is_https"])
	assert.Equal(t, len("secure-login.accounts.example.co.uk"), features["hostname_length"])
}

func TestStaticService_Indicators(t *testing.T) {
	s := NewStaticService(arbor.NewLogger())

	tests := []struct {
		name    string
		url     string
		feature string
		want    int
	}{
		{"ip host", "http://192.168.0.1/login", "is_ip_address", 1},
		{"ip host has no subdomains", "http://192.168.0.1/login", "subdomain_count", 0},
		{"shortener", "https://bit.ly/3xYz", "is_shortener", 1},
		{"www is not a subdomain", "https://www.example.com/", "subdomain_count", 0},
		{"at sign", "http://paypal.com@evil.example/", "at_sign_count", 1},
		{"double slash in path", "https://example.com/redirect//evil", "has_double_slash", 1},
		{"suspicious chars", "https://example.com/a|b", "has_suspicious_chars", 1},
		{"plain http", "http://example.com", "is_https", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			features, err := s.ExtractStatic(context.Background(), tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, features[tt.feature])
		})
	}
}

func TestStaticService_RejectsUnsupportedURLs(t *testing.T) {
	s := NewStaticService(arbor.NewLogger())

	for _, raw := range []string{"ftp://example.com/file", "about:blank", "not a url", "https://"} {
		_, err := s.ExtractStatic(context.Background(), raw)
		assert.True(t, errors.Is(err, ErrUnsupportedURL), "expected unsupported for %q, got %v", raw, err)
	}
}

func TestRegistrableDomain(t *testing.T) {
	assert.Equal(t, "example.co.uk", registrableDomain("a.b.example.co.uk"))
	assert.Equal(t, "example.com", registrableDomain("Example.COM."))
	assert.Equal(t, "10.0.0.1", registrableDomain("10.0.0.1"))
	assert.Equal(t, "", subdomainPart("example.com"))
	assert.Equal(t, "mail.corp", subdomainPart("mail.corp.example.com"))
}
