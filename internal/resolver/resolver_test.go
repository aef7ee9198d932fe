package resolver

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/egress/internal/policy"
)

// fakeSource serves canned CIDRs per (service, region) key and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	cidrs   map[string][]netip.Prefix
	err     error
	fetches int
	delay   time.Duration
}

func (f *fakeSource) Fetch(ctx context.Context, service, region string) ([]netip.Prefix, error) {
	f.mu.Lock()
	f.fetches++
	err := f.err
	cidrs := f.cidrs[service+"/"+region]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return cidrs, nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestResolver(t *testing.T, source Source, ttl time.Duration) *Resolver {
	t.Helper()
	return New(zerolog.Nop(), source, policy.DefaultRegistry(), ttl)
}

func TestResolve_FetchesAndCaches(t *testing.T) {
	source := &fakeSource{cidrs: map[string][]netip.Prefix{
		"s3/us-east-1": {netip.MustParsePrefix("52.216.0.0/15")},
	}}
	r := newTestResolver(t, source, time.Hour)

	dest, err := r.Resolve(context.Background(), "s3", []string{"us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3", dest.Service)
	assert.False(t, dest.Stale)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("52.216.0.0/15")}, dest.CIDRs)

	// Second resolve within the TTL hits the cache.
	_, err = r.Resolve(context.Background(), "s3", []string{"us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, source.fetchCount())
}

func TestResolve_UnionAcrossRegionsSortedAndDeduped(t *testing.T) {
	source := &fakeSource{cidrs: map[string][]netip.Prefix{
		"s3/us-east-1": {netip.MustParsePrefix("52.216.0.0/15"), netip.MustParsePrefix("3.5.0.0/19")},
		"s3/eu-west-1": {netip.MustParsePrefix("3.5.0.0/19"), netip.MustParsePrefix("52.218.0.0/17")},
	}}
	r := newTestResolver(t, source, time.Hour)

	dest, err := r.Resolve(context.Background(), "s3", []string{"us-east-1", "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("3.5.0.0/19"),
		netip.MustParsePrefix("52.216.0.0/15"),
		netip.MustParsePrefix("52.218.0.0/17"),
	}, dest.CIDRs)
}

func TestResolve_TTLExpiryTriggersRefetch(t *testing.T) {
	source := &fakeSource{cidrs: map[string][]netip.Prefix{
		"rds/us-east-1": {netip.MustParsePrefix("3.216.0.0/14")},
	}}
	r := newTestResolver(t, source, time.Hour)

	clock := time.Now()
	r.now = func() time.Time { return clock }

	_, err := r.Resolve(context.Background(), "rds", []string{"us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, source.fetchCount())

	clock = clock.Add(2 * time.Hour)
	_, err = r.Resolve(context.Background(), "rds", []string{"us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount())
}

func TestResolve_StaleFallbackWhenSourceDown(t *testing.T) {
	source := &fakeSource{cidrs: map[string][]netip.Prefix{
		"s3/us-east-1": {netip.MustParsePrefix("52.216.0.0/15")},
	}}
	r := newTestResolver(t, source, time.Hour)

	clock := time.Now()
	r.now = func() time.Time { return clock }

	dest, err := r.Resolve(context.Background(), "s3", []string{"us-east-1"})
	require.NoError(t, err)
	require.False(t, dest.Stale)
	fetchedAt := dest.FetchedAt

	// Source goes down past the TTL: the expired entry is still served.
	source.setErr(errors.New("connection refused"))
	clock = clock.Add(2 * time.Hour)

	dest, err = r.Resolve(context.Background(), "s3", []string{"us-east-1"})
	require.NoError(t, err)
	assert.True(t, dest.Stale)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("52.216.0.0/15")}, dest.CIDRs)
	assert.Equal(t, fetchedAt, dest.FetchedAt)
}

func TestResolve_FailsHardWithEmptyCache(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	r := newTestResolver(t, source, time.Hour)

	_, err := r.Resolve(context.Background(), "s3", []string{"us-east-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestResolve_UnknownServiceAndRegion(t *testing.T) {
	source := &fakeSource{}
	r := newTestResolver(t, source, time.Hour)

	_, err := r.Resolve(context.Background(), "sqs", []string{"us-east-1"})
	var unknownErr *UnknownServiceError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "sqs", unknownErr.Service)

	_, err = r.Resolve(context.Background(), "s3", []string{"mars-north-1"})
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "mars-north-1", unknownErr.Region)
	assert.Zero(t, source.fetchCount())
}

func TestResolve_ConcurrentRefreshesCollapse(t *testing.T) {
	source := &fakeSource{
		cidrs: map[string][]netip.Prefix{
			"s3/us-east-1": {netip.MustParsePrefix("52.216.0.0/15")},
		},
		delay: 50 * time.Millisecond,
	}
	r := newTestResolver(t, source, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "s3", []string{"us-east-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, source.fetchCount())
}

func TestInvalidate_DropsEntry(t *testing.T) {
	source := &fakeSource{cidrs: map[string][]netip.Prefix{
		"ec2/us-east-1": {netip.MustParsePrefix("3.80.0.0/12")},
	}}
	r := newTestResolver(t, source, time.Hour)

	_, err := r.Resolve(context.Background(), "ec2", []string{"us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, source.fetchCount())

	r.Invalidate("ec2", "us-east-1")

	_, err = r.Resolve(context.Background(), "ec2", []string{"us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount())
}
