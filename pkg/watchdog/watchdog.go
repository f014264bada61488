package watchdog

import (
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/safety"
)

// Task liveness token bits. Every supervised task must report its token
// within the token timeout or the feed is refused.
const (
	TokenSafety uint8 = 0x01
	TokenMain   uint8 = 0x02
	TokenComm   uint8 = 0x04
	TokenAll          = TokenSafety | TokenMain | TokenComm
)

// Default protocol timing.
const (
	DefaultFeedPeriodMS   uint32 = 500
	DefaultTokenTimeoutMS uint32 = 800
)

// earlyWakeupMarker tags error reports raised from the window watchdog
// early-wakeup path.
const earlyWakeupMarker uint32 = 0xAADD0000

// Timer is the hardware watchdog refresh interface. Refresh restarts the
// countdown; letting it expire resets the system.
type Timer interface {
	Refresh()
}

// NopTimer is a Timer with no backing hardware.
type NopTimer struct{}

func (NopTimer) Refresh() {}

// Status is a snapshot of the watchdog manager state.
type Status struct {
	Started          bool   `json:"started"`
	Degraded         bool   `json:"degraded"`
	WindowEnabled    bool   `json:"window_enabled"`
	Tokens           uint8  `json:"tokens"`
	RequiredTokens   uint8  `json:"required_tokens"`
	LastFeedTime     uint32 `json:"last_feed_time"`
	FeedCount        uint32 `json:"feed_count"`
	WindowFeedCount  uint32 `json:"window_feed_count"`
	MissedCount      uint32 `json:"missed_count"`
	EarlyWakeupCount uint32 `json:"early_wakeup_count"`
}

// Manager implements the token-gated watchdog feed protocol. Tasks
// report liveness tokens; the manager only refreshes the timer when
// every required token arrived recently. In degraded mode the token
// check is suspended and the timer is fed unconditionally so the system
// survives long enough to recover or reach SAFE.
type Manager struct {
	mu       sync.Mutex
	clk      clock.Clock
	timer    Timer
	reporter safety.Reporter
	log      *logging.Logger

	feedPeriodMS   uint32
	tokenTimeoutMS uint32
	required       uint8
	windowEnabled  bool

	started   bool
	degraded  bool
	tokens    uint8
	tokenTime [8]uint32

	lastFeed         uint32
	feedCount        uint32
	windowFeedCount  uint32
	missedCount      uint32
	earlyWakeupCount uint32
}

// Option configures a Manager.
type Option func(*Manager)

// WithReporter routes feed refusals into the safety error funnel.
func WithReporter(r safety.Reporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// WithLogger attaches a diagnostic sink.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithFeedPeriod overrides the feed period in milliseconds.
func WithFeedPeriod(ms uint32) Option {
	return func(m *Manager) { m.feedPeriodMS = ms }
}

// WithTokenTimeout overrides the token staleness window in milliseconds.
func WithTokenTimeout(ms uint32) Option {
	return func(m *Manager) { m.tokenTimeoutMS = ms }
}

// WithRequiredTokens overrides the initially required token set.
func WithRequiredTokens(mask uint8) Option {
	return func(m *Manager) { m.required = mask }
}

// WithWindowWatchdog enables or disables the secondary window watchdog.
// With it disabled the early-wakeup path is inert.
func WithWindowWatchdog(enabled bool) Option {
	return func(m *Manager) { m.windowEnabled = enabled }
}

// NewManager creates a Manager over the given timer.
func NewManager(clk clock.Clock, timer Timer, opts ...Option) *Manager {
	if timer == nil {
		timer = NopTimer{}
	}
	m := &Manager{
		clk:            clk,
		timer:          timer,
		log:            logging.Nop(),
		feedPeriodMS:   DefaultFeedPeriodMS,
		tokenTimeoutMS: DefaultTokenTimeoutMS,
		required:       TokenAll,
		windowEnabled:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start arms the protocol and performs the initial feed.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.feedLocked(m.clk.Now())
	m.log.Info("Watchdog protocol started", map[string]interface{}{
		"feed_period_ms":   m.feedPeriodMS,
		"token_timeout_ms": m.tokenTimeoutMS,
	})
}

// ReportToken records liveness for the tasks in mask.
func (m *Manager) ReportToken(mask uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	m.tokens |= mask
	for bit := 0; bit < 8; bit++ {
		if mask&(1<<bit) != 0 {
			m.tokenTime[bit] = now
		}
	}
}

// pruneStaleLocked drops tokens older than the token timeout.
func (m *Manager) pruneStaleLocked(now uint32) {
	for bit := 0; bit < 8; bit++ {
		b := uint8(1) << bit
		if m.tokens&b != 0 && now-m.tokenTime[bit] > m.tokenTimeoutMS {
			m.tokens &^= b
		}
	}
}

// CheckAllTokens reports whether every required token is fresh.
func (m *Manager) CheckAllTokens() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneStaleLocked(m.clk.Now())
	return m.tokens&m.required == m.required
}

// Process runs one feed decision. Called from the safety monitor every
// cycle; actual feeds happen at most once per feed period. A refused
// feed still refreshes the timer once so the error report and the
// degraded transition are observable before a reset.
func (m *Manager) Process() {
	m.mu.Lock()

	if !m.started {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	if now-m.lastFeed < m.feedPeriodMS {
		m.mu.Unlock()
		return
	}

	if m.degraded {
		m.feedLocked(now)
		m.mu.Unlock()
		return
	}

	m.pruneStaleLocked(now)
	received := m.tokens & m.required
	if received == m.required {
		m.feedLocked(now)
		m.tokens = 0
		m.mu.Unlock()
		return
	}

	required := m.required
	m.missedCount++
	m.degraded = true
	m.feedLocked(now)
	m.tokens = 0
	reporter := m.reporter
	m.mu.Unlock()

	m.log.Warn("Watchdog tokens missing", map[string]interface{}{
		"received": received,
		"required": required,
	})
	if reporter != nil {
		reporter.ReportError(safety.ErrWatchdog, uint32(received), uint32(required))
	}
}

func (m *Manager) feedLocked(now uint32) {
	m.timer.Refresh()
	m.lastFeed = now
	m.feedCount++
}

// EarlyWakeup handles the window watchdog early-wakeup interrupt: the
// last chance to feed before a reset. One conditional feed is attempted;
// if tokens are missing the refusal is recorded and the reset proceeds.
// Without the window watchdog the interrupt does not exist and the call
// is a no-op. Window feeds are counted apart from the primary feeds.
func (m *Manager) EarlyWakeup() {
	m.mu.Lock()
	if !m.windowEnabled {
		m.mu.Unlock()
		return
	}
	m.earlyWakeupCount++
	now := m.clk.Now()
	m.pruneStaleLocked(now)
	received := m.tokens & m.required

	if m.degraded || received == m.required {
		m.feedLocked(now)
		m.windowFeedCount++
		m.mu.Unlock()
		return
	}

	reporter := m.reporter
	m.mu.Unlock()

	m.log.Error("Watchdog early wakeup without tokens", map[string]interface{}{
		"received": received,
	})
	if reporter != nil {
		reporter.ReportError(safety.ErrWatchdog, earlyWakeupMarker, uint32(received))
	}
}

// EnterDegraded suspends the token check; the timer is fed on period
// unconditionally.
func (m *Manager) EnterDegraded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = true
}

// ExitDegraded resumes the token check with a clean slate: all tokens
// and their timestamps are cleared so stale liveness cannot satisfy the
// next check.
func (m *Manager) ExitDegraded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = false
	m.tokens = 0
	m.tokenTime = [8]uint32{}
}

// SetRequiredTokens replaces the required token set, used when a
// supervised task is intentionally stopped.
func (m *Manager) SetRequiredTokens(mask uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required = mask
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Started:          m.started,
		Degraded:         m.degraded,
		WindowEnabled:    m.windowEnabled,
		Tokens:           m.tokens,
		RequiredTokens:   m.required,
		LastFeedTime:     m.lastFeed,
		FeedCount:        m.feedCount,
		WindowFeedCount:  m.windowFeedCount,
		MissedCount:      m.missedCount,
		EarlyWakeupCount: m.earlyWakeupCount,
	}
}
