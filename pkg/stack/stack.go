package stack

import (
	"errors"
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/safety"
)

// FillPattern marks unused stack bytes. Usage is measured by counting
// surviving pattern bytes from the low end of the region.
const FillPattern byte = 0xEF

// Usage thresholds in percent.
const (
	WarningThreshold  = 70
	CriticalThreshold = 90
)

// MaxTasks is the monitored task table capacity.
const MaxTasks = 8

var (
	// ErrTableFull is returned when registering past MaxTasks.
	ErrTableFull = errors.New("stack: task table full")
	// ErrNotFound is returned for lookups of unregistered tasks.
	ErrNotFound = errors.New("stack: task not registered")
)

// Task owns a pattern-filled stack region for one supervised task.
type Task struct {
	mu   sync.Mutex
	name string
	buf  []byte
	peak int
}

// NewTask allocates a task stack of size bytes, fully pattern-filled.
func NewTask(name string, size int) *Task {
	t := &Task{name: name, buf: make([]byte, size)}
	for i := range t.buf {
		t.buf[i] = FillPattern
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Size returns the stack region size in bytes.
func (t *Task) Size() int { return len(t.buf) }

// Use marks n bytes of stack as consumed. Consumption is sticky: the
// high-water mark only grows, matching how a real stack destroys the
// fill pattern.
func (t *Task) Use(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.buf) {
		n = len(t.buf)
	}
	if n <= t.peak {
		return
	}
	// The stack grows down; the pattern is destroyed from the high end.
	for i := len(t.buf) - n; i < len(t.buf)-t.peak; i++ {
		t.buf[i] = ^FillPattern
	}
	t.peak = n
}

// unused counts intact pattern bytes from the low end.
func (t *Task) unused() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buf {
		if b != FillPattern {
			break
		}
		n++
	}
	return n
}

// Info is a usage snapshot for one task.
type Info struct {
	Name         string `json:"name"`
	StackSize    uint32 `json:"stack_size"`
	UsedBytes    uint32 `json:"used_bytes"`
	FreeBytes    uint32 `json:"free_bytes"`
	UsagePercent uint32 `json:"usage_percent"`
	Critical     bool   `json:"critical"`
	CheckTime    uint32 `json:"check_time"`
}

// Monitor tracks stack usage for up to MaxTasks registered tasks and
// escalates overflows through the safety error funnel.
type Monitor struct {
	mu       sync.Mutex
	clk      clock.Clock
	reporter safety.Reporter
	log      *logging.Logger

	tasks  []*Task
	warned map[string]bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithReporter routes critical stack usage into the safety error funnel.
func WithReporter(r safety.Reporter) Option {
	return func(m *Monitor) { m.reporter = r }
}

// WithLogger attaches a diagnostic sink.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates an empty task monitor.
func NewMonitor(clk clock.Clock, opts ...Option) *Monitor {
	m := &Monitor{
		clk:    clk,
		log:    logging.Nop(),
		warned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a task to the monitored set. Registering the same task
// again is a no-op.
func (m *Monitor) Register(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.tasks {
		if cur == t {
			return nil
		}
	}
	if len(m.tasks) >= MaxTasks {
		return ErrTableFull
	}
	m.tasks = append(m.tasks, t)
	return nil
}

// Unregister removes a task from the monitored set.
func (m *Monitor) Unregister(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.tasks {
		if cur == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			delete(m.warned, t.name)
			return
		}
	}
}

// Count returns the number of monitored tasks.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// CheckAll measures every monitored task. Usage at or above the critical
// threshold reports ErrStackOverflow; the warning threshold logs once
// per task until usage drops back below it.
func (m *Monitor) CheckAll() []Info {
	m.mu.Lock()
	tasks := make([]*Task, len(m.tasks))
	copy(tasks, m.tasks)
	m.mu.Unlock()

	now := m.clk.Now()
	infos := make([]Info, 0, len(tasks))
	for i, t := range tasks {
		info := m.measure(t, now)
		infos = append(infos, info)

		if info.Critical {
			m.log.Error("Stack usage critical", map[string]interface{}{
				"task":  t.name,
				"usage": info.UsagePercent,
			})
			if m.reporter != nil {
				m.reporter.ReportError(safety.ErrStackOverflow, uint32(i), info.UsagePercent)
			}
			continue
		}

		m.mu.Lock()
		if info.UsagePercent >= WarningThreshold {
			if !m.warned[t.name] {
				m.warned[t.name] = true
				m.log.Warn("Stack usage high", map[string]interface{}{
					"task":  t.name,
					"usage": info.UsagePercent,
				})
			}
		} else {
			delete(m.warned, t.name)
		}
		m.mu.Unlock()
	}
	return infos
}

func (m *Monitor) measure(t *Task, now uint32) Info {
	size := t.Size()
	free := t.unused()
	used := size - free
	pct := uint32(0)
	if size > 0 {
		pct = uint32(used * 100 / size)
	}
	return Info{
		Name:         t.name,
		StackSize:    uint32(size),
		UsedBytes:    uint32(used),
		FreeBytes:    uint32(free),
		UsagePercent: pct,
		Critical:     pct >= CriticalThreshold,
		CheckTime:    now,
	}
}

// InfoFor measures one task by name.
func (m *Monitor) InfoFor(name string) (Info, error) {
	m.mu.Lock()
	var found *Task
	for _, t := range m.tasks {
		if t.name == name {
			found = t
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return Info{}, ErrNotFound
	}
	return m.measure(found, m.clk.Now()), nil
}

// InfoByIndex measures the task at the given table index.
func (m *Monitor) InfoByIndex(i int) (Info, error) {
	m.mu.Lock()
	if i < 0 || i >= len(m.tasks) {
		m.mu.Unlock()
		return Info{}, ErrNotFound
	}
	t := m.tasks[i]
	m.mu.Unlock()
	return m.measure(t, m.clk.Now()), nil
}

// SchedulerOverflow is the hook for a scheduler-detected overflow. It
// routes through the same reporting path as a critical measurement.
func (m *Monitor) SchedulerOverflow(taskName string) {
	m.log.Error("Scheduler reported stack overflow", map[string]interface{}{
		"task": taskName,
	})
	if m.reporter != nil {
		m.reporter.ReportError(safety.ErrStackOverflow, 0xFFFFFFFF, 0)
	}
}
