package safety

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/logging"
)

var (
	// ErrInvalidTransition is returned for (current, requested) pairs
	// outside the allowed transition table. The request is a no-op.
	ErrInvalidTransition = errors.New("safety: invalid state transition")
	// ErrSafeStateLatched is returned for any transition request while in
	// SAFE. Only an external reset re-enters INIT.
	ErrSafeStateLatched = errors.New("safety: safe state is terminal")
	// ErrNotPermitted is returned when an operation is not legal in the
	// current state.
	ErrNotPermitted = errors.New("safety: operation not permitted in current state")
)

// Config controls core behavior. These were build-time flags in earlier
// firmware generations; they are runtime fields so one binary is testable
// in every configuration.
type Config struct {
	// DegradedModeEnabled allows serious errors to degrade operation
	// instead of going straight to SAFE.
	DegradedModeEnabled bool
	// DegradedTimeoutMS is the hard ceiling on time spent in DEGRADED
	// before the monitor forces SAFE.
	DegradedTimeoutMS uint32
	// FeedWhileSafe keeps the watchdog fed after entering SAFE. When
	// false the supervisor stops feeding and the watchdog timer is left
	// to expire and reset the system.
	FeedWhileSafe bool
	// ErrorLogSize is the capacity of the error log ring.
	ErrorLogSize int
}

// DefaultConfig mirrors the shipped firmware configuration.
func DefaultConfig() Config {
	return Config{
		DegradedModeEnabled: true,
		DegradedTimeoutMS:   30000,
		FeedWhileSafe:       false,
		ErrorLogSize:        16,
	}
}

// Core is the central safety state machine and error funnel. Every
// subsystem and fault hook reports through it; it alone decides state
// transitions from error severity.
type Core struct {
	mu      sync.Mutex
	clk     clock.Clock
	cfg     Config
	log     *logging.Logger
	outputs Outputs

	ctx      Context
	entries  []LogEntry
	logIndex uint32

	errorCB func(ErrorCode)
	stateCB func(old, new State)

	halted   chan struct{}
	haltOnce sync.Once
}

// Option configures a Core.
type Option func(*Core)

// WithLogger attaches a diagnostic sink. Diagnostics are informational
// only; safety decisions never depend on them.
func WithLogger(l *logging.Logger) Option {
	return func(c *Core) { c.log = l }
}

// WithOutputs attaches the safety-critical output driver.
func WithOutputs(o Outputs) Option {
	return func(c *Core) { c.outputs = o }
}

// New creates a Core in INIT with a cleared context and empty error log.
func New(clk clock.Clock, cfg Config, opts ...Option) *Core {
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = 16
	}
	c := &Core{
		clk:     clk,
		cfg:     cfg,
		log:     logging.Nop(),
		outputs: NopOutputs{},
		entries: make([]LogEntry, cfg.ErrorLogSize),
		halted:  make(chan struct{}),
	}
	c.ctx.State = StateInit
	c.ctx.LastError = ErrNone
	c.ctx.StartupTime = clk.Now()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetState returns the current safety state.
func (c *Core) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.State
}

// IsOperational reports whether the system is in NORMAL or DEGRADED.
func (c *Core) IsOperational() bool {
	s := c.GetState()
	return s == StateNormal || s == StateDegraded
}

// SetState validates and commits a state transition. The state-change
// callback is invoked with (old, new) after the new state is committed.
func (c *Core) SetState(next State) error {
	c.mu.Lock()
	old := c.ctx.State

	if err := validTransition(old, next); err != nil {
		c.mu.Unlock()
		return err
	}

	c.ctx.State = next
	cb := c.stateCB
	c.mu.Unlock()

	c.logStateChange(old, next)
	if cb != nil {
		cb(old, next)
	}
	return nil
}

func validTransition(cur, next State) error {
	switch cur {
	case StateInit:
		if next != StateStartupTest && next != StateSafe {
			return ErrInvalidTransition
		}
	case StateStartupTest:
		if next != StateNormal && next != StateSafe {
			return ErrInvalidTransition
		}
	case StateNormal:
		if next != StateDegraded && next != StateSafe {
			return ErrInvalidTransition
		}
	case StateDegraded:
		if next != StateNormal && next != StateSafe {
			return ErrInvalidTransition
		}
	case StateSafe:
		return ErrSafeStateLatched
	default:
		return ErrInvalidTransition
	}
	return nil
}

// EnterNormal recovers from DEGRADED back to NORMAL. Recovery is only
// possible via this explicit, validated transition, never automatically.
func (c *Core) EnterNormal() error {
	if c.GetState() != StateDegraded {
		return ErrNotPermitted
	}
	return c.SetState(StateNormal)
}

// EnterDegraded transitions to DEGRADED after a serious error. With
// degraded mode disabled in the configuration the system goes straight
// to SAFE instead.
func (c *Core) EnterDegraded(code ErrorCode) error {
	if !c.cfg.DegradedModeEnabled {
		c.EnterSafeState(code)
		return ErrNotPermitted
	}

	c.mu.Lock()
	old := c.ctx.State
	if old != StateNormal && old != StateStartupTest {
		c.mu.Unlock()
		return ErrNotPermitted
	}
	c.ctx.State = StateDegraded
	c.ctx.DegradedEnterTime = c.clk.Now()
	c.ctx.LastError = code
	stateCB := c.stateCB
	errorCB := c.errorCB
	c.mu.Unlock()

	c.logStateChange(old, StateDegraded)
	if stateCB != nil {
		stateCB(old, StateDegraded)
	}
	if errorCB != nil {
		errorCB(code)
	}
	return nil
}

// EnterSafeState unconditionally forces the terminal SAFE state: outputs
// go to their predefined safe configuration, the state is committed, and
// callbacks fire. Unless FeedWhileSafe is configured, the halted channel
// closes so the monitor stops feeding and the watchdog resets the system.
// There is deliberately no way back in software.
func (c *Core) EnterSafeState(code ErrorCode) {
	c.enterSafe(code, true)
}

func (c *Core) enterSafe(code ErrorCode, logEntry bool) {
	c.mu.Lock()
	old := c.ctx.State

	if logEntry {
		c.appendLogLocked(code, 0, 0)
	}

	c.ctx.State = StateSafe
	c.ctx.LastError = code
	c.ctx.ErrorCount++
	outputs := c.outputs
	stateCB := c.stateCB
	errorCB := c.errorCB
	c.mu.Unlock()

	// Outside the lock so an outputs implementation may read back core
	// state without deadlocking.
	outputs.EnterSafeOutputs()

	c.log.Error("Entering SAFE state", map[string]interface{}{
		"error": code.String(),
		"from":  old.String(),
	})

	if old != StateSafe {
		if stateCB != nil {
			stateCB(old, StateSafe)
		}
	}
	if errorCB != nil {
		errorCB(code)
	}

	if !c.cfg.FeedWhileSafe {
		c.haltOnce.Do(func() { close(c.halted) })
	}
}

// Halted is closed once SAFE is entered with watchdog feeding disabled.
// The monitor loop parks on it and lets the watchdog expire.
func (c *Core) Halted() <-chan struct{} {
	return c.halted
}

// ReportError is the single error funnel: it logs, counts, classifies,
// and drives state transitions. No caller chooses its own severity.
func (c *Core) ReportError(code ErrorCode, param1, param2 uint32) {
	c.mu.Lock()
	c.appendLogLocked(code, param1, param2)
	c.ctx.LastError = code
	c.ctx.ErrorCount++
	state := c.ctx.State
	errorCB := c.errorCB
	c.mu.Unlock()

	c.log.Error("Safety error reported", map[string]interface{}{
		"error":  code.String(),
		"param1": fmt.Sprintf("0x%08X", param1),
		"param2": fmt.Sprintf("0x%08X", param2),
	})

	switch Classify(code) {
	case SeverityCritical:
		c.enterSafe(code, false)

	case SeveritySerious:
		switch state {
		case StateNormal:
			c.EnterDegraded(code)
		case StateDegraded:
			// Second serious error while degraded escalates.
			c.enterSafe(code, false)
		default:
			if errorCB != nil {
				errorCB(code)
			}
		}

	default:
		if errorCB != nil {
			errorCB(code)
		}
	}
}

// LastError returns the most recent error code.
func (c *Core) LastError() ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.LastError
}

// ErrorCount returns the cumulative error count.
func (c *Core) ErrorCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.ErrorCount
}

// ClearError clears the last-error code. Legal only in NORMAL.
func (c *Core) ClearError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.State != StateNormal {
		return ErrNotPermitted
	}
	c.ctx.LastError = ErrNone
	return nil
}

// ErrorLog returns the log entry at index, oldest slots first by ring
// position.
func (c *Core) ErrorLog(index int) (LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.entries) {
		return LogEntry{}, ErrNotPermitted
	}
	return c.entries[index], nil
}

// RecentErrors returns up to n most recent non-empty log entries,
// newest first.
func (c *Core) RecentErrors(n int) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.entries) {
		n = len(c.entries)
	}
	out := make([]LogEntry, 0, n)
	size := uint32(len(c.entries))
	for i := uint32(0); i < uint32(n); i++ {
		idx := (c.logIndex + size - 1 - i) % size
		if c.entries[idx].Code != ErrNone {
			out = append(out, c.entries[idx])
		}
	}
	return out
}

// RegisterErrorCallback registers the error notification callback. The
// callback may run in fault-handler context and must not block.
func (c *Core) RegisterErrorCallback(cb func(ErrorCode)) {
	c.mu.Lock()
	c.errorCB = cb
	c.mu.Unlock()
}

// RegisterStateCallback registers the state-change callback, invoked
// with (old, new) after every committed transition. Must not block.
func (c *Core) RegisterStateCallback(cb func(old, new State)) {
	c.mu.Lock()
	c.stateCB = cb
	c.mu.Unlock()
}

// Context returns a snapshot of the safety context.
func (c *Core) Context() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Uptime returns milliseconds since the core was created.
func (c *Core) Uptime() uint32 {
	c.mu.Lock()
	start := c.ctx.StartupTime
	c.mu.Unlock()
	return c.clk.Now() - start
}

// BeginStartupTest moves INIT -> STARTUP_TEST.
func (c *Core) BeginStartupTest() error {
	return c.SetState(StateStartupTest)
}

// FinishStartupTest records that the self-test engine passed. It must be
// called in STARTUP_TEST; anywhere else is an internal error.
func (c *Core) FinishStartupTest() error {
	c.mu.Lock()
	if c.ctx.State != StateStartupTest {
		state := c.ctx.State
		c.mu.Unlock()
		c.ReportError(ErrInternal, uint32(state), 0)
		return ErrNotPermitted
	}
	c.ctx.StartupTestPassed = true
	c.mu.Unlock()
	return nil
}

// EnterOperation performs the final check before normal operation. If
// startup tests did not pass the system is forced to SAFE.
func (c *Core) EnterOperation() error {
	c.mu.Lock()
	passed := c.ctx.StartupTestPassed
	c.mu.Unlock()
	if !passed {
		c.EnterSafeState(ErrInternal)
		return ErrNotPermitted
	}
	return c.SetState(StateNormal)
}

// SetParamsValid records the parameter validation result in the context.
func (c *Core) SetParamsValid(v bool) {
	c.mu.Lock()
	c.ctx.ParamsValid = v
	c.mu.Unlock()
}

// SetMPUEnabled records memory protection status in the context.
func (c *Core) SetMPUEnabled(v bool) {
	c.mu.Lock()
	c.ctx.MPUEnabled = v
	c.mu.Unlock()
}

// SetWatchdogActive records watchdog status in the context.
func (c *Core) SetWatchdogActive(v bool) {
	c.mu.Lock()
	c.ctx.WatchdogActive = v
	c.mu.Unlock()
}

// appendLogLocked writes one ring entry. Callers hold c.mu. It never
// allocates, so it is usable from fault-handler context.
func (c *Core) appendLogLocked(code ErrorCode, p1, p2 uint32) {
	e := &c.entries[c.logIndex]
	e.Timestamp = c.clk.Now()
	e.Code = code
	e.Param1 = p1
	e.Param2 = p2
	c.logIndex = (c.logIndex + 1) % uint32(len(c.entries))
}

func (c *Core) logStateChange(old, next State) {
	fields := map[string]interface{}{"from": old.String(), "to": next.String()}
	switch next {
	case StateSafe:
		c.log.Error("Safety state change", fields)
	case StateDegraded:
		c.log.Warn("Safety state change", fields)
	default:
		c.log.Info("Safety state change", fields)
	}
}
