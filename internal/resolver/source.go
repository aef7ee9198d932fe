package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIPRangesURL is the authoritative AWS published range list.
const DefaultIPRangesURL = "https://ip-ranges.amazonaws.com/ip-ranges.json"

// Source fetches the current CIDR set for one (service, region) pair from the
// authoritative network-range provider.
type Source interface {
	Fetch(ctx context.Context, service, region string) ([]netip.Prefix, error)
}

// AWSIPRangesSource reads ip-ranges.json. The document lists every published
// prefix with upper-case service tokens; filtering happens client-side.
type AWSIPRangesSource struct {
	logger     zerolog.Logger
	url        string
	httpClient *http.Client
}

// NewAWSIPRangesSource creates a source against the given URL, defaulting to
// the public AWS endpoint.
func NewAWSIPRangesSource(logger zerolog.Logger, url string, timeout time.Duration) *AWSIPRangesSource {
	if url == "" {
		url = DefaultIPRangesURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AWSIPRangesSource{
		logger:     logger.With().Str("component", "cidr-source").Logger(),
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ipRangesDocument struct {
	SyncToken string `json:"syncToken"`
	Prefixes  []struct {
		IPPrefix string `json:"ip_prefix"`
		Region   string `json:"region"`
		Service  string `json:"service"`
	} `json:"prefixes"`
	IPv6Prefixes []struct {
		IPv6Prefix string `json:"ipv6_prefix"`
		Region     string `json:"region"`
		Service    string `json:"service"`
	} `json:"ipv6_prefixes"`
}

// Fetch downloads the range document and returns the prefixes published for
// the service in the region. An empty result is not an error: a service may
// legitimately publish no ranges in a region.
func (s *AWSIPRangesSource) Fetch(ctx context.Context, service, region string) ([]netip.Prefix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ip ranges: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ip ranges source returned %d: %s", resp.StatusCode, string(body))
	}

	var doc ipRangesDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ip ranges: %w", err)
	}

	serviceToken := strings.ToUpper(service)
	var prefixes []netip.Prefix
	for _, p := range doc.Prefixes {
		if p.Service != serviceToken || p.Region != region {
			continue
		}
		prefix, err := netip.ParsePrefix(p.IPPrefix)
		if err != nil {
			s.logger.Warn().Str("prefix", p.IPPrefix).Msg("skipping unparseable published prefix")
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	for _, p := range doc.IPv6Prefixes {
		if p.Service != serviceToken || p.Region != region {
			continue
		}
		prefix, err := netip.ParsePrefix(p.IPv6Prefix)
		if err != nil {
			s.logger.Warn().Str("prefix", p.IPv6Prefix).Msg("skipping unparseable published prefix")
			continue
		}
		prefixes = append(prefixes, prefix)
	}

	s.logger.Debug().
		Str("service", service).
		Str("region", region).
		Str("sync_token", doc.SyncToken).
		Int("prefixes", len(prefixes)).
		Msg("fetched published ranges")

	return prefixes, nil
}
