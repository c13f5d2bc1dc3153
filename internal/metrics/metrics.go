// Package metrics records pipeline counters and histograms on a private
// Prometheus registry and keeps cumulative totals across CLI runs in
// state/metrics.yaml.
package metrics

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/msageha/relay/internal/model"
	yamlutil "github.com/msageha/relay/internal/yaml"
)

const namespace = "relay"

type Metrics struct {
	registry *prometheus.Registry

	sessions      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	actions       *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	contextTokens prometheus.Histogram
	duration      prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions finished, by final status.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state entries, by state.",
		}, []string{"state"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lightweight_actions_total",
			Help:      "Requests served by a built-in action without a backend session.",
		}, []string{"action"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint saves, by outcome.",
		}, []string{"outcome"}),
		contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_tokens",
			Help:      "Tokens of compressed context sent to the backend.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock time from request to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	m.registry.MustRegister(m.sessions, m.transitions, m.toolCalls, m.actions, m.checkpoints, m.contextTokens, m.duration)
	return m
}

// Registry exposes the private registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionFinished(status model.SessionStatus, d time.Duration) {
	m.sessions.WithLabelValues(string(status)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) StateEntered(s model.SessionState) {
	m.transitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) ToolCalled(tool string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ActionServed(action string) {
	m.actions.WithLabelValues(action).Inc()
}

func (m *Metrics) CheckpointSaved(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.checkpoints.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ContextTokens(n int) {
	m.contextTokens.Observe(float64(n))
}

// Snapshot flattens the registry into series name → value. Histograms
// contribute their _count and _sum series.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				out[mf.GetName()+"_count"+labelSuffix(metric.GetLabel())] = float64(h.GetSampleCount())
				out[mf.GetName()+"_sum"+labelSuffix(metric.GetLabel())] = h.GetSampleSum()
			}
		}
	}
	return out, nil
}

func labelSuffix(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Totals is the cumulative record persisted between runs.
type Totals struct {
	SchemaVersion int                `yaml:"schema_version"`
	FileType      string             `yaml:"file_type"`
	UpdatedAt     string             `yaml:"updated_at"`
	Series        map[string]float64 `yaml:"series"`
}

const FileTypeMetrics = yamlutil.FileTypeMetrics

func emptyTotals() Totals {
	return Totals{SchemaVersion: 1, FileType: FileTypeMetrics, Series: map[string]float64{}}
}

// LoadTotals reads path; a missing file yields empty totals. An unparsable
// file is quarantined next to path and replaced by its .bak copy when that
// is still readable, otherwise the totals start over.
func LoadTotals(path string) (Totals, error) {
	t := emptyTotals()
	err := yamlutil.ReadFile(path, &t)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	var perr *fs.PathError
	if err != nil && !errors.As(err, &perr) {
		rec, rerr := yamlutil.RecoverCorruptedFile(filepath.Dir(path), path)
		if rerr != nil {
			return t, fmt.Errorf("load metrics: %w", rerr)
		}
		t = emptyTotals()
		if !rec.Restored {
			return t, nil
		}
		err = yamlutil.ReadFile(path, &t)
	}
	if err != nil {
		return t, fmt.Errorf("load metrics: %w", err)
	}
	if t.FileType != FileTypeMetrics {
		return t, fmt.Errorf("load metrics: unexpected file_type %q", t.FileType)
	}
	if t.Series == nil {
		t.Series = map[string]float64{}
	}
	return t, nil
}

// Flush adds this process's series to the totals at path.
func (m *Metrics) Flush(path string, now time.Time) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	t, err := LoadTotals(path)
	if err != nil {
		return err
	}
	for k, v := range snap {
		t.Series[k] += v
	}
	t.UpdatedAt = now.UTC().Format(time.RFC3339)
	return yamlutil.AtomicWrite(path, t)
}

// Format renders totals one series per line, sorted by name.
func (t Totals) Format() string {
	keys := make([]string, 0, len(t.Series))
	for k := range t.Series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s %g\n", k, t.Series[k])
	}
	return b.String()
}
