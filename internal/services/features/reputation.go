package features

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ternarybob/phishwatch/internal/models"
)

const (
	// DefaultRDAPURL is the bootstrap RDAP redirector
	DefaultRDAPURL = "https://rdap.org"

	// DefaultTLSTimeout bounds the certificate probe
	DefaultTLSTimeout = 4 * time.Second

	// DefaultLookupTimeout bounds a single RDAP request
	DefaultLookupTimeout = 5 * time.Second

	unknownAge = -1
)

// ErrNoRegistration is returned when RDAP has no registration event for a domain
var ErrNoRegistration = errors.New("no registration date")

// ReputationService derives features from certificate and registration data
type ReputationService struct {
	rdapURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	tlsTimeout time.Duration
	rootCAs    *x509.CertPool
	logger     arbor.ILogger
	now        func() time.Time
}

// ReputationOption configures the ReputationService
type ReputationOption func(*ReputationService)

// WithRDAPURL sets the RDAP base URL. Empty disables the registration lookup.
func WithRDAPURL(rdapURL string) ReputationOption {
	return func(s *ReputationService) {
		s.rdapURL = strings.TrimRight(rdapURL, "/")
	}
}

// WithLookupTimeout sets the RDAP request timeout
func WithLookupTimeout(timeout time.Duration) ReputationOption {
	return func(s *ReputationService) {
		s.httpClient.Timeout = timeout
	}
}

// WithTLSTimeout sets the certificate probe timeout
func WithTLSTimeout(timeout time.Duration) ReputationOption {
	return func(s *ReputationService) {
		s.tlsTimeout = timeout
	}
}

// WithRDAPRateLimit caps RDAP requests per second. Zero means unlimited.
func WithRDAPRateLimit(perSecond float64) ReputationOption {
	return func(s *ReputationService) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithRootCAs overrides the roots used to verify probed certificates
func WithRootCAs(pool *x509.CertPool) ReputationOption {
	return func(s *ReputationService) {
		s.rootCAs = pool
	}
}

// WithReputationHTTPClient sets the client used for RDAP
func WithReputationHTTPClient(client *http.Client) ReputationOption {
	return func(s *ReputationService) {
		s.httpClient = client
	}
}

// NewReputationService creates the reputation lookup
func NewReputationService(logger arbor.ILogger, opts ...ReputationOption) *ReputationService {
	s := &ReputationService{
		rdapURL:    DefaultRDAPURL,
		httpClient: &http.Client{Timeout: DefaultLookupTimeout},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
		tlsTimeout: DefaultTLSTimeout,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// certificateInfo is what the TLS probe learned
type certificateInfo struct {
	present       bool
	valid         bool
	daysRemaining int
}

// LookupReputation probes the host certificate and the domain registration
// concurrently. It fails only when neither source produced data.
func (s *ReputationService) LookupReputation(ctx context.Context, rawURL string) (models.FeatureMap, error) {
	u, host, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		cert    certificateInfo
		certErr error
		age     = unknownAge
		ageErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := s.probeCertificate(gctx, host, u.Port())
		mu.Lock()
		cert, certErr = info, err
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		days, err := s.domainAgeDays(gctx, registrableDomain(host))
		mu.Lock()
		age, ageErr = days, err
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	if certErr != nil && ageErr != nil {
		return nil, fmt.Errorf("reputation lookup failed for %s: tls: %v; rdap: %v", host, certErr, ageErr)
	}

	if certErr != nil {
		s.logger.Debug().Err(certErr).Str("host", host).Msg("Certificate probe failed")
	}
	if ageErr != nil {
		s.logger.Debug().Err(ageErr).Str("host", host).Msg("Registration lookup failed")
	}

	return models.FeatureMap{
		"has_tls":            boolToInt(cert.present),
		"tls_valid":          boolToInt(cert.valid),
		"tls_days_remaining": cert.daysRemaining,
		"domain_age_days":    age,
	}, nil
}

// probeCertificate connects to the host and inspects the leaf certificate.
// A handshake that fails verification still counts as a present certificate.
func (s *ReputationService) probeCertificate(ctx context.Context, host, port string) (certificateInfo, error) {
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: s.tlsTimeout},
		Config: &tls.Config{
			ServerName: host,
			RootCAs:    s.rootCAs,
			MinVersion: tls.VersionTLS12,
		},
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.tlsTimeout)
	defer cancel()

	conn, err := dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		var verifyErr *tls.CertificateVerificationError
		if errors.As(err, &verifyErr) {
			return certificateInfo{present: true}, nil
		}
		return certificateInfo{}, err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return certificateInfo{present: true}, nil
	}

	leaf := state.PeerCertificates[0]
	now := s.now()
	return certificateInfo{
		present:       true,
		valid:         now.After(leaf.NotBefore) && now.Before(leaf.NotAfter),
		daysRemaining: int(leaf.NotAfter.Sub(now).Hours() / 24),
	}, nil
}

type rdapDomain struct {
	Events []struct {
		Action string `json:"eventAction"`
		Date   string `json:"eventDate"`
	} `json:"events"`
}

// domainAgeDays asks RDAP for the registration event of domain
func (s *ReputationService) domainAgeDays(ctx context.Context, domain string) (int, error) {
	if s.rdapURL == "" {
		return unknownAge, errors.New("registration lookup disabled")
	}
	if net.ParseIP(domain) != nil || !strings.Contains(domain, ".") {
		return unknownAge, fmt.Errorf("no registrable domain in %q", domain)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return unknownAge, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.rdapURL+"/domain/"+domain, nil)
	if err != nil {
		return unknownAge, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/rdap+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return unknownAge, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return unknownAge, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return unknownAge, fmt.Errorf("rdap status %d for %s", resp.StatusCode, domain)
	}

	var record rdapDomain
	if err := json.Unmarshal(body, &record); err != nil {
		return unknownAge, fmt.Errorf("failed to parse rdap response: %w", err)
	}

	for _, event := range record.Events {
		if event.Action != "registration" {
			continue
		}
		registered, err := time.Parse(time.RFC3339, event.Date)
		if err != nil {
			return unknownAge, fmt.Errorf("bad registration date %q: %w", event.Date, err)
		}
		return int(s.now().Sub(registered).Hours() / 24), nil
	}
	return unknownAge, ErrNoRegistration
}
