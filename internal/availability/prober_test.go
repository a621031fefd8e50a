package availability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock checker ---

type mockChecker struct {
	available map[string]bool
	index     string
	indexErr  error
	checkErr  error // returned for unavailable urls
	probed    []string
}

func (m *mockChecker) CheckDDS(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetworkUnavailable, err)
	}
	m.probed = append(m.probed, url)
	if m.available[url] {
		return nil
	}
	if m.checkErr != nil {
		return m.checkErr
	}
	return fmt.Errorf("%w: %s", domain.ErrDataUnavailable, url)
}

func (m *mockChecker) Index(context.Context, string) (string, error) {
	return m.index, m.indexErr
}

var rap = domain.NewModel("rap", "http://nomads.test/dods")

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func withHours(c *mockChecker, d time.Time, hours ...int) {
	if c.available == nil {
		c.available = make(map[string]bool)
	}
	for _, h := range hours {
		c.available[rap.RunURL(d.Add(time.Duration(h)*time.Hour))] = true
	}
}

func newProber(c *mockChecker) (*Prober, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return NewProber(c, rap, slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

// --- tests ---

func TestDiscoverLatestRun_Monotonic(t *testing.T) {
	d := day(2024, 5, 1)
	c := &mockChecker{}
	withHours(c, d, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
	p, _ := newProber(c)

	run, ok, err := p.DiscoverLatestRun(context.Background(), d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.Add(12*time.Hour), run)
	assert.LessOrEqual(t, len(c.probed), 5, "binary search probes O(log 24) hours")
}

func TestDiscoverLatestRun_AllHours(t *testing.T) {
	d := day(2024, 5, 1)
	c := &mockChecker{}
	for h := range 24 {
		withHours(c, d, h)
	}
	p, _ := newProber(c)

	run, ok, err := p.DiscoverLatestRun(context.Background(), d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.Add(23*time.Hour), run)
}

func TestDiscoverLatestRun_None(t *testing.T) {
	p, _ := newProber(&mockChecker{})

	_, ok, err := p.DiscoverLatestRun(context.Background(), day(2024, 5, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscoverLatestRun_NonMonotonicNeverFalsePositive(t *testing.T) {
	d := day(2024, 5, 1)
	c := &mockChecker{}
	withHours(c, d, 0, 1, 2, 20)
	p, _ := newProber(c)

	run, ok, err := p.DiscoverLatestRun(context.Background(), d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.available[rap.RunURL(run)], "returned run %s must have probed available", run)
}

func TestDiscoverLatestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _ := newProber(&mockChecker{})

	_, _, err := p.DiscoverLatestRun(ctx, day(2024, 5, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestProbe_NetworkFailureIsFalse(t *testing.T) {
	c := &mockChecker{checkErr: fmt.Errorf("%w: dial tcp: connection refused", domain.ErrNetworkUnavailable)}
	p, m := newProber(c)

	ok, err := p.Probe(context.Background(), "http://nomads.test/dods/rap/rap20240501/rap_00z")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeOutcomes.WithLabelValues("error")))
}

func TestProbe_Outcomes(t *testing.T) {
	d := day(2024, 5, 1)
	c := &mockChecker{}
	withHours(c, d, 6)
	p, m := newProber(c)

	ok, err := p.Available(context.Background(), d.Add(6*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Available(context.Background(), d.Add(7*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeOutcomes.WithLabelValues("available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeOutcomes.WithLabelValues("unavailable")))
}

const indexPage = `<html><body>
<b>rap</b>
<a href="http://nomads.test/dods/rap/rap20240429">rap20240429</a>
<a href="http://nomads.test/dods/rap/rap20240501">rap20240501</a>
<a href="http://nomads.test/dods/rap/rap20240430">rap20240430</a>
<a href="http://nomads.test/dods/rap/rap99999999">broken</a>
</body></html>`

func TestDateRange(t *testing.T) {
	p, _ := newProber(&mockChecker{index: indexPage})

	first, last, err := p.DateRange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(2024, 4, 29), first)
	assert.Equal(t, day(2024, 5, 1), last)
}

func TestDateRange_Empty(t *testing.T) {
	p, _ := newProber(&mockChecker{index: "<html></html>"})

	_, _, err := p.DateRange(context.Background())
	require.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestDateRange_IndexError(t *testing.T) {
	boom := fmt.Errorf("%w: timeout", domain.ErrNetworkUnavailable)
	p, _ := newProber(&mockChecker{indexErr: boom})

	_, _, err := p.DateRange(context.Background())
	require.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}

func TestLatestRun(t *testing.T) {
	c := &mockChecker{index: indexPage}
	withHours(c, day(2024, 5, 1), 0, 1, 2, 3)
	p, _ := newProber(c)

	run, err := p.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(2024, 5, 1).Add(3*time.Hour), run)
}

func TestLatestRun_FallsBackToPreviousDay(t *testing.T) {
	c := &mockChecker{index: indexPage}
	withHours(c, day(2024, 4, 30), 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21)
	p, _ := newProber(c)

	run, err := p.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, day(2024, 4, 30).Add(21*time.Hour), run)
}

func TestLatestRun_NothingAvailable(t *testing.T) {
	p, _ := newProber(&mockChecker{index: indexPage})

	_, err := p.LatestRun(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDataUnavailable))
}
