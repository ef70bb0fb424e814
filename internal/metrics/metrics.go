package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStats is a point-in-time view of the call sessions.
type CallStats struct {
	Active         int
	ByState        map[string]int // every state name, zero included
	AIActive       int
	CallsTotal     uint64
	AnswerFailures uint64
	Delivered      uint64
	Dropped        uint64
}

// CallStatsProvider exposes live call session counters.
type CallStatsProvider interface {
	CallStats() CallStats
}

// ToolStatsProvider exposes tool gateway counters.
type ToolStatsProvider interface {
	Invocations() uint64
	Failures() uint64
}

// HistoryCounter returns persisted call records grouped by final state.
type HistoryCounter interface {
	CountByState(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers call bridge metrics at
// scrape time.
type Collector struct {
	calls     CallStatsProvider
	tools     ToolStatsProvider
	history   HistoryCounter
	startTime time.Time
	logger    *slog.Logger

	activeCallsDesc    *prometheus.Desc
	callsByStateDesc   *prometheus.Desc
	aiSessionsDesc     *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	answerFailuresDesc *prometheus.Desc
	deliveredDesc      *prometheus.Desc
	droppedDesc        *prometheus.Desc
	toolCallsDesc      *prometheus.Desc
	toolFailuresDesc   *prometheus.Desc
	callRecordsDesc    *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(calls CallStatsProvider, tools ToolStatsProvider, history HistoryCounter, startTime time.Time, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		calls:     calls,
		tools:     tools,
		history:   history,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		activeCallsDesc: prometheus.NewDesc(
			"callbridge_active_calls",
			"Number of live call sessions",
			nil, nil,
		),
		callsByStateDesc: prometheus.NewDesc(
			"callbridge_calls_by_state",
			"Number of live call sessions in each lifecycle state",
			[]string{"state"}, nil,
		),
		aiSessionsDesc: prometheus.NewDesc(
			"callbridge_ai_sessions_active",
			"Number of calls with a running AI session",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"callbridge_calls_total",
			"Total incoming calls handled since start",
			nil, nil,
		),
		answerFailuresDesc: prometheus.NewDesc(
			"callbridge_answer_failures_total",
			"Total answer requests rejected by the provider",
			nil, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			"callbridge_media_frames_delivered_total",
			"Total outbound media frames written to telephony sockets",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"callbridge_media_frames_dropped_total",
			"Total outbound media frames dropped after exhausting delivery attempts",
			nil, nil,
		),
		toolCallsDesc: prometheus.NewDesc(
			"callbridge_tool_invocations_total",
			"Total AI tool invocations",
			nil, nil,
		),
		toolFailuresDesc: prometheus.NewDesc(
			"callbridge_tool_failures_total",
			"Total AI tool invocations answered with the apology text",
			nil, nil,
		),
		callRecordsDesc: prometheus.NewDesc(
			"callbridge_call_records",
			"Persisted call records by last known state",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callbridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsByStateDesc
	ch <- c.aiSessionsDesc
	ch <- c.callsTotalDesc
	ch <- c.answerFailuresDesc
	ch <- c.deliveredDesc
	ch <- c.droppedDesc
	ch <- c.toolCallsDesc
	ch <- c.toolFailuresDesc
	ch <- c.callRecordsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		st := c.calls.CallStats()
		gauge(ch, c.activeCallsDesc, float64(st.Active))
		for state, n := range st.ByState {
			ch <- prometheus.MustNewConstMetric(c.callsByStateDesc, prometheus.GaugeValue, float64(n), state)
		}
		gauge(ch, c.aiSessionsDesc, float64(st.AIActive))
		counter(ch, c.callsTotalDesc, st.CallsTotal)
		counter(ch, c.answerFailuresDesc, st.AnswerFailures)
		counter(ch, c.deliveredDesc, st.Delivered)
		counter(ch, c.droppedDesc, st.Dropped)
	}

	if c.tools != nil {
		counter(ch, c.toolCallsDesc, c.tools.Invocations())
		counter(ch, c.toolFailuresDesc, c.tools.Failures())
	}

	if c.history != nil {
		counts, err := c.history.CountByState(ctx)
		if err != nil {
			c.logger.Error("failed to count call records", "error", err)
		} else {
			for state, n := range counts {
				ch <- prometheus.MustNewConstMetric(c.callRecordsDesc, prometheus.GaugeValue, float64(n), state)
			}
		}
	}

	gauge(ch, c.uptimeDesc, time.Since(c.startTime).Seconds())
}

func gauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
}

func counter(ch chan<- prometheus.Metric, desc *prometheus.Desc, v uint64) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
}
