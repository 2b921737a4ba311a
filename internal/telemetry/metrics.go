// Package telemetry exports overuse and kill records and the weekly usage
// summaries as prometheus metrics.
package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

const namespace = "iowatchdog"

// recentLimit bounds the records kept for inspection.
const recentLimit = 100

var stateLabels = []string{"foreground", "background", "idle_maintenance"}

// Metrics implements perf.Reporter.
type Metrics struct {
	overuses         *prometheus.CounterVec
	overuseWritten   *prometheus.CounterVec
	kills            *prometheus.CounterVec
	killWritten      *prometheus.CounterVec
	weeklyWritten    *prometheus.GaugeVec
	weeklyOveruses   *prometheus.GaugeVec
	disabledPackages *prometheus.GaugeVec
	lastPublished    prometheus.Gauge

	mu             sync.Mutex
	recentOveruses []perf.OveruseRecord
	recentKills    []perf.KillRecord
}

var _ perf.Reporter = (*Metrics)(nil)

// NewMetrics creates the metrics and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		overuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overuses_total",
			Help:      "Total number of I/O overuse events.",
		}, []string{"component_type"}),
		overuseWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overuse_written_bytes_total",
			Help:      "Bytes written by packages at the time of their overuse, by system state.",
		}, []string{"component_type", "state"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kills_total",
			Help:      "Total number of packages disabled on recurring overuse.",
		}, []string{"component_type", "system_state"}),
		killWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kill_written_bytes_total",
			Help:      "Bytes written by packages at the time they were disabled, by system state.",
		}, []string{"component_type", "state"}),
		weeklyWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weekly_written_bytes",
			Help:      "Bytes written per day of the previous week.",
		}, []string{"scope", "uid", "package", "day"}),
		weeklyOveruses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weekly_overuses",
			Help:      "Overuses per day of the previous week.",
		}, []string{"scope", "uid", "package", "day"}),
		disabledPackages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disabled_packages",
			Help:      "Packages currently disabled on overuse, per user.",
		}, []string{"user_id"}),
		lastPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weekly_summary_week_start_seconds",
			Help:      "Start of the week the weekly metrics describe, as unix seconds.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.overuses, m.overuseWritten, m.kills, m.killWritten,
			m.weeklyWritten, m.weeklyOveruses, m.disabledPackages, m.lastPublished,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ReportOveruse records one overuse event.
func (m *Metrics) ReportOveruse(r perf.OveruseRecord) {
	ct := r.ComponentType.String()
	m.overuses.WithLabelValues(ct).Inc()
	addPerState(m.overuseWritten, ct, r.WrittenBytes.Foreground, r.WrittenBytes.Background, r.WrittenBytes.IdleMaintenance)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentOveruses = appendBounded(m.recentOveruses, r)
}

// ReportKill records one package disabled on overuse.
func (m *Metrics) ReportKill(r perf.KillRecord) {
	ct := r.ComponentType.String()
	m.kills.WithLabelValues(ct, string(r.SystemState)).Inc()
	addPerState(m.killWritten, ct, r.WrittenBytes.Foreground, r.WrittenBytes.Background, r.WrittenBytes.IdleMaintenance)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentKills = appendBounded(m.recentKills, r)
}

// Recent returns the most recent overuse and kill records, oldest first.
func (m *Metrics) Recent() ([]perf.OveruseRecord, []perf.KillRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]perf.OveruseRecord(nil), m.recentOveruses...),
		append([]perf.KillRecord(nil), m.recentKills...)
}

// SetWeeklySummaries replaces the weekly gauges.
func (m *Metrics) SetWeeklySummaries(summaries []perf.WeeklySummary) {
	m.weeklyWritten.Reset()
	m.weeklyOveruses.Reset()
	if len(summaries) == 0 {
		return
	}
	m.lastPublished.Set(float64(summaries[0].WeekStartEpoch))
	for _, s := range summaries {
		uid := ""
		if s.Scope == perf.SummaryScopeUID {
			uid = strconv.Itoa(s.UID)
		}
		for i, d := range s.PerDay {
			day := time.Unix(s.WeekStartEpoch, 0).UTC().AddDate(0, 0, i).Format(time.DateOnly)
			m.weeklyWritten.WithLabelValues(string(s.Scope), uid, s.PackageName, day).Set(float64(d.WrittenBytes))
			m.weeklyOveruses.WithLabelValues(string(s.Scope), uid, s.PackageName, day).Set(float64(d.OveruseCount))
		}
	}
}

// SetDisabledPackages replaces the disabled package gauge.
func (m *Metrics) SetDisabledPackages(byUser map[int][]string) {
	m.disabledPackages.Reset()
	for userID, pkgs := range byUser {
		m.disabledPackages.WithLabelValues(strconv.Itoa(userID)).Set(float64(len(pkgs)))
	}
}

func addPerState(vec *prometheus.CounterVec, ct string, values ...int64) {
	for i, v := range values {
		if v > 0 {
			vec.WithLabelValues(ct, stateLabels[i]).Add(float64(v))
		}
	}
}

func appendBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > recentLimit {
		s = s[len(s)-recentLimit:]
	}
	return s
}
