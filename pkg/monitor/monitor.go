package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/flow"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/params"
	"github.com/ycx81/safety-supervisor/pkg/safety"
	"github.com/ycx81/safety-supervisor/pkg/selftest"
	"github.com/ycx81/safety-supervisor/pkg/stack"
	"github.com/ycx81/safety-supervisor/pkg/watchdog"
)

// Config holds the monitor cadence in milliseconds.
type Config struct {
	PeriodMS             uint32 `mapstructure:"period_ms" yaml:"period_ms"`
	StackCheckIntervalMS uint32 `mapstructure:"stack_check_interval_ms" yaml:"stack_check_interval_ms"`
	FlowVerifyIntervalMS uint32 `mapstructure:"flow_verify_interval_ms" yaml:"flow_verify_interval_ms"`
	ParamCheckIntervalMS uint32 `mapstructure:"param_check_interval_ms" yaml:"param_check_interval_ms"`
	FlashCRCIntervalMS   uint32 `mapstructure:"flash_crc_interval_ms" yaml:"flash_crc_interval_ms"`
	DegradedTimeoutMS    uint32 `mapstructure:"degraded_timeout_ms" yaml:"degraded_timeout_ms"`
	RuntimeFlashEnabled  bool   `mapstructure:"runtime_flash_enabled" yaml:"runtime_flash_enabled"`
}

// DefaultConfig mirrors the shipped monitor cadence.
func DefaultConfig() Config {
	return Config{
		PeriodMS:             100,
		StackCheckIntervalMS: 100,
		FlowVerifyIntervalMS: 1000,
		ParamCheckIntervalMS: 10000,
		FlashCRCIntervalMS:   300000,
		DegradedTimeoutMS:    30000,
		RuntimeFlashEnabled:  true,
	}
}

// Stats counts monitor activity.
type Stats struct {
	CycleCount        uint32 `json:"cycle_count"`
	FlowChecks        uint32 `json:"flow_checks"`
	StackChecks       uint32 `json:"stack_checks"`
	ParamChecks       uint32 `json:"param_checks"`
	CRCBlocks         uint32 `json:"crc_blocks"`
	CRCPassesComplete uint32 `json:"crc_passes_complete"`
	LastCycleTime     uint32 `json:"last_cycle_time"`
}

// Monitor is the periodic safety supervision loop. It runs at the
// highest cadence in the system and drives the watchdog protocol, flow
// verification, stack checks, parameter re-checks, the incremental flash
// CRC, and the degraded-mode timeout.
type Monitor struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg Config
	log *logging.Logger

	core      *safety.Core
	wdg       *watchdog.Manager
	flowMon   *flow.Monitor
	stacks    *stack.Monitor
	tests     *selftest.Engine
	validator *params.Validator

	stats Stats

	lastFlowVerify uint32
	lastStackCheck uint32
	lastParamCheck uint32
	lastCRCFinish  uint32
	crcActive      bool
	started        bool
}

// Deps bundles the supervised subsystems.
type Deps struct {
	Core      *safety.Core
	Watchdog  *watchdog.Manager
	Flow      *flow.Monitor
	Stacks    *stack.Monitor
	SelfTest  *selftest.Engine
	Validator *params.Validator
}

// New creates a Monitor over the given subsystems.
func New(clk clock.Clock, cfg Config, deps Deps, log *logging.Logger) *Monitor {
	if cfg.PeriodMS == 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Monitor{
		clk:       clk,
		cfg:       cfg,
		log:       log,
		core:      deps.Core,
		wdg:       deps.Watchdog,
		flowMon:   deps.Flow,
		stacks:    deps.Stacks,
		tests:     deps.SelfTest,
		validator: deps.Validator,
	}
}

// Run executes the monitor loop until the context is canceled or the
// system enters SAFE with feeding disabled. Once SAFE is latched the
// loop parks without feeding so the watchdog timer expires.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.PeriodMS) * time.Millisecond)
	defer ticker.Stop()

	m.log.Info("Safety monitor started", map[string]interface{}{
		"period_ms": m.cfg.PeriodMS,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.core.Halted():
			m.log.Error("Safety monitor parked, watchdog will expire")
			<-ctx.Done()
			return
		case <-ticker.C:
			m.RunCycle()
		}
	}
}

// RunCycle executes one monitor cycle. Exposed so tests can drive the
// cadence with a fake clock. Token reports racing a cycle are not
// guaranteed to count until the next cycle.
func (m *Monitor) RunCycle() {
	now := m.clk.Now()

	m.mu.Lock()
	if !m.started {
		// Anchor the interval timers at the first cycle.
		m.started = true
		m.lastFlowVerify = now
		m.lastStackCheck = now
		m.lastParamCheck = now
		m.lastCRCFinish = now
	}
	m.stats.CycleCount++
	m.stats.LastCycleTime = now
	m.mu.Unlock()

	m.flowMon.Checkpoint(flow.CPSafetyMonitor)

	// The monitor vouches for itself; other tasks report on their own.
	m.wdg.ReportToken(watchdog.TokenSafety)
	m.wdg.Process()
	m.flowMon.Checkpoint(flow.CPWatchdogFeed)

	m.mu.Lock()
	doStack := now-m.lastStackCheck >= m.cfg.StackCheckIntervalMS
	doFlow := now-m.lastFlowVerify >= m.cfg.FlowVerifyIntervalMS
	doParam := now-m.lastParamCheck >= m.cfg.ParamCheckIntervalMS
	if doStack {
		m.lastStackCheck = now
	}
	if doFlow {
		m.lastFlowVerify = now
	}
	if doParam {
		m.lastParamCheck = now
	}
	m.mu.Unlock()

	if doStack {
		m.stacks.CheckAll()
		m.mu.Lock()
		m.stats.StackChecks++
		m.mu.Unlock()
	}

	if doFlow {
		m.flowMon.Verify()
		m.mu.Lock()
		m.stats.FlowChecks++
		m.mu.Unlock()
	}

	if doParam {
		m.validator.PeriodicCheck()
		m.mu.Lock()
		m.stats.ParamChecks++
		m.mu.Unlock()
	}

	m.runFlashCRC(now)
	m.checkDegradedTimeout(now)
}

// runFlashCRC advances the incremental flash CRC by at most one block
// per cycle. A new pass starts once the interval since the last finished
// pass elapses.
func (m *Monitor) runFlashCRC(now uint32) {
	if !m.cfg.RuntimeFlashEnabled || !m.core.IsOperational() {
		return
	}

	m.mu.Lock()
	if !m.crcActive {
		if now-m.lastCRCFinish < m.cfg.FlashCRCIntervalMS {
			m.mu.Unlock()
			return
		}
		m.crcActive = true
		m.mu.Unlock()
		m.flowMon.Checkpoint(flow.CPSelfTestStart)
	} else {
		m.mu.Unlock()
	}

	r := m.tests.Continue()

	m.mu.Lock()
	m.stats.CRCBlocks++
	if r != selftest.ResultInProgress {
		m.crcActive = false
		m.lastCRCFinish = now
		m.stats.CRCPassesComplete++
		m.mu.Unlock()
		m.flowMon.Checkpoint(flow.CPSelfTestEnd)
		return
	}
	m.mu.Unlock()
}

// checkDegradedTimeout forces SAFE when the system has been degraded for
// longer than the configured ceiling.
func (m *Monitor) checkDegradedTimeout(now uint32) {
	ctx := m.core.Context()
	if ctx.State != safety.StateDegraded {
		return
	}
	if now-ctx.DegradedEnterTime >= m.cfg.DegradedTimeoutMS {
		m.log.Error("Degraded mode timeout expired", map[string]interface{}{
			"elapsed_ms": now - ctx.DegradedEnterTime,
		})
		m.core.EnterSafeState(safety.ErrInternal)
	}
}

// Stats returns a snapshot of monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
