package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ycx81/safety-supervisor/pkg/monitor"
	"github.com/ycx81/safety-supervisor/pkg/params"
	"github.com/ycx81/safety-supervisor/pkg/safety"
	"github.com/ycx81/safety-supervisor/pkg/selftest"
	"github.com/ycx81/safety-supervisor/pkg/stack"
	"github.com/ycx81/safety-supervisor/pkg/watchdog"
)

// Exporter exposes supervisor state as Prometheus metrics. Gauges are
// read from live snapshots at scrape time; the error counter is fed by
// the safety core's error callback.
type Exporter struct {
	core      *safety.Core
	wdg       *watchdog.Manager
	stacks    *stack.Monitor
	tests     *selftest.Engine
	validator *params.Validator
	mon       *monitor.Monitor

	errorsTotal *prometheus.CounterVec

	stateDesc        *prometheus.Desc
	errorCountDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
	feedCountDesc    *prometheus.Desc
	missedCountDesc  *prometheus.Desc
	degradedDesc     *prometheus.Desc
	stackUsageDesc   *prometheus.Desc
	crcProgressDesc  *prometheus.Desc
	crcPassesDesc    *prometheus.Desc
	paramChecksDesc  *prometheus.Desc
	paramValidDesc   *prometheus.Desc
	cycleCountDesc   *prometheus.Desc
}

// Deps bundles the subsystems the exporter reads from.
type Deps struct {
	Core      *safety.Core
	Watchdog  *watchdog.Manager
	Stacks    *stack.Monitor
	SelfTest  *selftest.Engine
	Validator *params.Validator
	Monitor   *monitor.Monitor
}

// NewExporter creates an Exporter over the given subsystems.
func NewExporter(deps Deps) *Exporter {
	return &Exporter{
		core:      deps.Core,
		wdg:       deps.Watchdog,
		stacks:    deps.Stacks,
		tests:     deps.SelfTest,
		validator: deps.Validator,
		mon:       deps.Monitor,

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safesup_errors_total",
			Help: "Safety errors reported, by error code",
		}, []string{"code"}),

		stateDesc: prometheus.NewDesc("safesup_state",
			"Current safety state (0=init 1=startup_test 2=normal 3=degraded 4=safe)", nil, nil),
		errorCountDesc: prometheus.NewDesc("safesup_error_count",
			"Cumulative safety error count", nil, nil),
		uptimeDesc: prometheus.NewDesc("safesup_uptime_ms",
			"Milliseconds since supervisor start", nil, nil),
		feedCountDesc: prometheus.NewDesc("safesup_watchdog_feeds_total",
			"Watchdog feeds performed", nil, nil),
		missedCountDesc: prometheus.NewDesc("safesup_watchdog_missed_total",
			"Watchdog feed refusals due to missing tokens", nil, nil),
		degradedDesc: prometheus.NewDesc("safesup_watchdog_degraded",
			"Watchdog degraded mode active (1) or not (0)", nil, nil),
		stackUsageDesc: prometheus.NewDesc("safesup_stack_usage_percent",
			"Stack usage per monitored task", []string{"task"}, nil),
		crcProgressDesc: prometheus.NewDesc("safesup_flash_crc_offset_bytes",
			"Incremental flash CRC progress offset", nil, nil),
		crcPassesDesc: prometheus.NewDesc("safesup_flash_crc_passes_total",
			"Completed incremental flash CRC passes", nil, nil),
		paramChecksDesc: prometheus.NewDesc("safesup_param_validations_total",
			"Parameter validations performed", nil, nil),
		paramValidDesc: prometheus.NewDesc("safesup_params_valid",
			"Calibration parameters valid (1) or not (0)", nil, nil),
		cycleCountDesc: prometheus.NewDesc("safesup_monitor_cycles_total",
			"Safety monitor cycles executed", nil, nil),
	}
}

// ObserveError counts one reported error. Wire it into the safety core's
// error callback.
func (e *Exporter) ObserveError(code safety.ErrorCode) {
	e.errorsTotal.WithLabelValues(code.String()).Inc()
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.errorsTotal.Describe(ch)
	ch <- e.stateDesc
	ch <- e.errorCountDesc
	ch <- e.uptimeDesc
	ch <- e.feedCountDesc
	ch <- e.missedCountDesc
	ch <- e.degradedDesc
	ch <- e.stackUsageDesc
	ch <- e.crcProgressDesc
	ch <- e.crcPassesDesc
	ch <- e.paramChecksDesc
	ch <- e.paramValidDesc
	ch <- e.cycleCountDesc
}

// Collect implements prometheus.Collector by snapshotting live state.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.errorsTotal.Collect(ch)

	sctx := e.core.Context()
	ch <- prometheus.MustNewConstMetric(e.stateDesc, prometheus.GaugeValue, float64(sctx.State))
	ch <- prometheus.MustNewConstMetric(e.errorCountDesc, prometheus.GaugeValue, float64(sctx.ErrorCount))
	ch <- prometheus.MustNewConstMetric(e.uptimeDesc, prometheus.GaugeValue, float64(e.core.Uptime()))

	ws := e.wdg.Status()
	ch <- prometheus.MustNewConstMetric(e.feedCountDesc, prometheus.CounterValue, float64(ws.FeedCount))
	ch <- prometheus.MustNewConstMetric(e.missedCountDesc, prometheus.CounterValue, float64(ws.MissedCount))
	degraded := 0.0
	if ws.Degraded {
		degraded = 1.0
	}
	ch <- prometheus.MustNewConstMetric(e.degradedDesc, prometheus.GaugeValue, degraded)

	for i := 0; i < e.stacks.Count(); i++ {
		info, err := e.stacks.InfoByIndex(i)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(e.stackUsageDesc, prometheus.GaugeValue,
			float64(info.UsagePercent), info.Name)
	}

	crc := e.tests.FlashCRCContext()
	ch <- prometheus.MustNewConstMetric(e.crcProgressDesc, prometheus.GaugeValue, float64(crc.Offset))
	ch <- prometheus.MustNewConstMetric(e.crcPassesDesc, prometheus.CounterValue, float64(crc.PassCount))

	ps := e.validator.Stats()
	ch <- prometheus.MustNewConstMetric(e.paramChecksDesc, prometheus.CounterValue, float64(ps.ValidationCount))
	valid := 0.0
	if e.validator.IsValid() {
		valid = 1.0
	}
	ch <- prometheus.MustNewConstMetric(e.paramValidDesc, prometheus.GaugeValue, valid)

	ms := e.mon.Stats()
	ch <- prometheus.MustNewConstMetric(e.cycleCountDesc, prometheus.CounterValue, float64(ms.CycleCount))
}
