package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/overuse/overusetest"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	return m, reg
}

func TestReportOveruseAndKill(t *testing.T) {
	t.Parallel()
	m, _ := newMetrics(t)

	m.ReportOveruse(perf.OveruseRecord{
		UID:           10010003,
		ComponentType: overuse.ComponentTypeThirdParty,
		Threshold:     overusetest.Bytes(30, 60, 90),
		WrittenBytes:  overusetest.Bytes(300, 600, 900),
	})
	m.ReportOveruse(perf.OveruseRecord{UID: 10010001, ComponentType: overuse.ComponentTypeSystem})
	m.ReportKill(perf.KillRecord{
		UID:           10010003,
		ComponentType: overuse.ComponentTypeThirdParty,
		SystemState:   perf.SystemStateUserNoInteraction,
		Threshold:     overusetest.Bytes(30, 60, 90),
		WrittenBytes:  overusetest.Bytes(300, 600, 900),
	})

	assert.Equal(t, float64(1), promtest.ToFloat64(m.overuses.WithLabelValues("third_party")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.overuses.WithLabelValues("system")))
	assert.Equal(t, float64(600), promtest.ToFloat64(m.overuseWritten.WithLabelValues("third_party", "background")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.kills.WithLabelValues("third_party", "USER_NO_INTERACTION")))
	assert.Equal(t, float64(900), promtest.ToFloat64(m.killWritten.WithLabelValues("third_party", "idle_maintenance")))

	overuses, kills := m.Recent()
	assert.Len(t, overuses, 2)
	require.Len(t, kills, 1)
	assert.Equal(t, 10010003, kills[0].UID)
}

func TestRecentIsBounded(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	for i := 0; i < recentLimit+10; i++ {
		m.ReportOveruse(perf.OveruseRecord{UID: i})
	}
	overuses, _ := m.Recent()
	require.Len(t, overuses, recentLimit)
	assert.Equal(t, 10, overuses[0].UID)
}

func TestSetWeeklySummaries(t *testing.T) {
	t.Parallel()
	m, reg := newMetrics(t)
	weekStart := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	system := perf.WeeklySummary{Scope: perf.SummaryScopeSystem, WeekStartEpoch: weekStart.Unix()}
	system.PerDay[1] = perf.DailyUsage{WrittenBytes: 4096, OveruseCount: 3}
	top := perf.WeeklySummary{Scope: perf.SummaryScopeUID, UID: 10010003, PackageName: "third_party_package.game", WeekStartEpoch: weekStart.Unix()}
	top.PerDay[1] = perf.DailyUsage{WrittenBytes: 4000, OveruseCount: 3}
	m.SetWeeklySummaries([]perf.WeeklySummary{system, top})

	assert.Equal(t, float64(4096), promtest.ToFloat64(m.weeklyWritten.WithLabelValues("system", "", "", "2024-03-05")))
	assert.Equal(t, float64(3), promtest.ToFloat64(m.weeklyOveruses.WithLabelValues("uid", "10010003", "third_party_package.game", "2024-03-05")))
	assert.Equal(t, float64(weekStart.Unix()), promtest.ToFloat64(m.lastPublished))
	assert.Equal(t, 14, promtest.CollectAndCount(reg, "iowatchdog_weekly_written_bytes"))

	m.SetWeeklySummaries(nil)
	assert.Equal(t, 0, promtest.CollectAndCount(reg, "iowatchdog_weekly_written_bytes"))
}

func TestSetDisabledPackages(t *testing.T) {
	t.Parallel()
	m, reg := newMetrics(t)

	m.SetDisabledPackages(map[int][]string{100: {"a", "b"}, 101: {"c"}})
	assert.Equal(t, float64(2), promtest.ToFloat64(m.disabledPackages.WithLabelValues("100")))
	assert.Equal(t, 2, promtest.CollectAndCount(reg, "iowatchdog_disabled_packages"))

	m.SetDisabledPackages(map[int][]string{101: {"c"}})
	assert.Equal(t, 1, promtest.CollectAndCount(reg, "iowatchdog_disabled_packages"))
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

type fakeSource struct {
	mu       sync.Mutex
	calls    int
	err      error
	disabled map[int][]string
}

func (f *fakeSource) WeeklySummaries(context.Context) ([]perf.WeeklySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []perf.WeeklySummary{{Scope: perf.SummaryScopeSystem}}, nil
}

func (f *fakeSource) DisabledPackages(context.Context) (map[int][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPublisherRun(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mClock := quartz.NewMock(t)
	m, reg := newMetrics(t)
	source := &fakeSource{disabled: map[int][]string{100: {"a"}}}
	p := NewPublisher(slogtest.Make(t, nil), mClock, source, m, time.Minute)

	trap := mClock.Trap().TickerFunc("telemetry")
	defer trap.Close()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	trap.MustWait(ctx).MustRelease(ctx)
	assert.Equal(t, 1, source.callCount())
	assert.Equal(t, 1, promtest.CollectAndCount(reg, "iowatchdog_disabled_packages"))

	mClock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, 2, source.callCount())

	cancel()
	require.NoError(t, <-done)
}

func TestPublishKeepsGaugesOnError(t *testing.T) {
	t.Parallel()
	m, reg := newMetrics(t)
	source := &fakeSource{}
	p := NewPublisher(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}), quartz.NewMock(t), source, m, 0)

	system := perf.WeeklySummary{Scope: perf.SummaryScopeSystem}
	m.SetWeeklySummaries([]perf.WeeklySummary{system})
	source.err = errors.New("store closed")
	p.Publish(context.Background())
	assert.Equal(t, 7, promtest.CollectAndCount(reg, "iowatchdog_weekly_written_bytes"))
}
