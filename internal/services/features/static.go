package features

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/models"
)

var (
	suspiciousCharsPattern = regexp.MustCompile(`[<>{}|\\^~\[\]` + "`" + `]`)

	urlShorteners = []string{
		"bit.ly", "goo.gl", "tinyurl.com", "t.co", "ow.ly", "is.gd", "buff.ly",
		"rebrand.ly", "cutt.ly", "shorturl.at", "tiny.cc", "bit.do", "rb.gy",
		"t.ly", "s.id", "v.gd", "qrco.de",
	}
)

// StaticService derives lexical features from the URL text. It never
// touches the network.
type StaticService struct {
	logger arbor.ILogger
}

// NewStaticService creates the URL feature extractor
func NewStaticService(logger arbor.ILogger) *StaticService {
	return &StaticService{logger: logger}
}

// ExtractStatic computes the URL features for rawURL
func (s *StaticService) ExtractStatic(ctx context.Context, rawURL string) (models.FeatureMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, host, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	bare := strings.Replace(rawURL, "www.", "", 1)
	sub := strings.TrimPrefix(subdomainPart(host), "www")
	sub = strings.TrimPrefix(sub, ".")

	subdomains := 0
	if sub != "" {
		subdomains = strings.Count(sub, ".") + 1
	}

	query := 0
	if u.RawQuery != "" {
		query = strings.Count(u.RawQuery, "&") + 1
	}

	features := models.FeatureMap{
		"url_length":           len(bare),
		"subdomain_count":      subdomains,
		"hostname_length":      len(strings.Replace(host, "www.", "", 1)),
		"is_ip_address":        boolToInt(net.ParseIP(host) != nil),
		"is_shortener":         boolToInt(hostMatches(host, urlShorteners)),
		"hyphen_count":         strings.Count(host, "-"),
		"at_sign_count":        strings.Count(rawURL, "@"),
		"query_param_count":    query,
		"directory_count":      strings.Count(u.EscapedPath(), "/"),
		"has_suspicious_chars": boolToInt(suspiciousCharsPattern.MatchString(rawURL)),
		"has_double_slash":     boolToInt(strings.Contains(u.EscapedPath(), "//")),
		"is_https":             boolToInt(u.Scheme == "https"),
	}

	s.logger.Trace().Str("url", rawURL).Int("features", len(features)).Msg("Static URL features extracted")
	return features, nil
}
