package safety

import (
	"testing"

	"github.com/ycx81/safety-supervisor/pkg/clock"
)

func newTestCore(cfg Config) (*Core, *clock.Fake) {
	clk := clock.NewFake(1000)
	return New(clk, cfg), clk
}

func TestTransitionTable(t *testing.T) {
	states := []State{StateInit, StateStartupTest, StateNormal, StateDegraded, StateSafe}

	allowed := map[State][]State{
		StateInit:        {StateStartupTest, StateSafe},
		StateStartupTest: {StateNormal, StateSafe},
		StateNormal:      {StateDegraded, StateSafe},
		StateDegraded:    {StateNormal, StateSafe},
		StateSafe:        {},
	}

	isAllowed := func(from, to State) bool {
		for _, s := range allowed[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	for _, from := range states {
		for _, to := range states {
			err := validTransition(from, to)
			if isAllowed(from, to) && err != nil {
				t.Errorf("%s -> %s: expected allowed, got %v", from, to, err)
			}
			if !isAllowed(from, to) && err == nil {
				t.Errorf("%s -> %s: expected rejected", from, to)
			}
		}
	}
}

func TestSafeStateIsTerminal(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())
	core.EnterSafeState(ErrRAMTest)

	if got := core.GetState(); got != StateSafe {
		t.Fatalf("state = %s, want SAFE", got)
	}

	for _, next := range []State{StateInit, StateStartupTest, StateNormal, StateDegraded} {
		if err := core.SetState(next); err != ErrSafeStateLatched {
			t.Errorf("SetState(%s) from SAFE: err = %v, want ErrSafeStateLatched", next, err)
		}
	}
	if err := core.EnterNormal(); err == nil {
		t.Error("EnterNormal from SAFE succeeded")
	}
	if got := core.GetState(); got != StateSafe {
		t.Errorf("state after escape attempts = %s, want SAFE", got)
	}
}

func toNormal(t *testing.T, core *Core) {
	t.Helper()
	if err := core.BeginStartupTest(); err != nil {
		t.Fatal(err)
	}
	if err := core.FinishStartupTest(); err != nil {
		t.Fatal(err)
	}
	if err := core.EnterOperation(); err != nil {
		t.Fatal(err)
	}
}

func TestSeverityRouting(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		wantState State
	}{
		{"cpu test critical", ErrCPUTest, StateSafe},
		{"ram test critical", ErrRAMTest, StateSafe},
		{"hard fault critical", ErrHardFault, StateSafe},
		{"bus fault critical", ErrBusFault, StateSafe},
		{"usage fault critical", ErrUsageFault, StateSafe},
		{"nmi critical", ErrNMI, StateSafe},
		{"flash crc serious", ErrFlashCRC, StateDegraded},
		{"clock serious", ErrClock, StateDegraded},
		{"flow monitor serious", ErrFlowMonitor, StateDegraded},
		{"mpu fault serious", ErrMPUFault, StateDegraded},
		{"watchdog warning", ErrWatchdog, StateNormal},
		{"stack overflow warning", ErrStackOverflow, StateNormal},
		{"param invalid warning", ErrParamInvalid, StateNormal},
		{"runtime test warning", ErrRuntimeTest, StateNormal},
		{"internal warning", ErrInternal, StateNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, _ := newTestCore(DefaultConfig())
			toNormal(t, core)

			core.ReportError(tt.code, 0x11, 0x22)
			if got := core.GetState(); got != tt.wantState {
				t.Errorf("state after %s = %s, want %s", tt.code, got, tt.wantState)
			}
			if got := core.LastError(); got != tt.code {
				t.Errorf("last error = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestSecondSeriousErrorEscalates(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())
	toNormal(t, core)

	core.ReportError(ErrFlashCRC, 0, 0)
	if got := core.GetState(); got != StateDegraded {
		t.Fatalf("state after first serious error = %s, want DEGRADED", got)
	}

	core.ReportError(ErrClock, 0, 0)
	if got := core.GetState(); got != StateSafe {
		t.Errorf("state after second serious error = %s, want SAFE", got)
	}
}

func TestWarningDoesNotTransition(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())
	toNormal(t, core)

	for i := 0; i < 10; i++ {
		core.ReportError(ErrStackOverflow, uint32(i), 0)
	}
	if got := core.GetState(); got != StateNormal {
		t.Errorf("state after warnings = %s, want NORMAL", got)
	}
	if got := core.ErrorCount(); got != 10 {
		t.Errorf("error count = %d, want 10", got)
	}
}

func TestDegradedModeDisabledGoesSafe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedModeEnabled = false
	core, _ := newTestCore(cfg)
	toNormal(t, core)

	core.ReportError(ErrFlashCRC, 0, 0)
	if got := core.GetState(); got != StateSafe {
		t.Errorf("state with degraded mode disabled = %s, want SAFE", got)
	}
}

func TestDegradedRecovery(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())
	toNormal(t, core)

	core.ReportError(ErrFlashCRC, 0, 0)
	if err := core.EnterNormal(); err != nil {
		t.Fatalf("EnterNormal from DEGRADED: %v", err)
	}
	if got := core.GetState(); got != StateNormal {
		t.Errorf("state after recovery = %s, want NORMAL", got)
	}
}

func TestClearErrorOnlyInNormal(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())

	if err := core.ClearError(); err != ErrNotPermitted {
		t.Errorf("ClearError in INIT: err = %v, want ErrNotPermitted", err)
	}

	toNormal(t, core)
	core.ReportError(ErrWatchdog, 0, 0)
	if err := core.ClearError(); err != nil {
		t.Errorf("ClearError in NORMAL: %v", err)
	}
	if got := core.LastError(); got != ErrNone {
		t.Errorf("last error after clear = %s, want NONE", got)
	}

	core.ReportError(ErrFlashCRC, 0, 0)
	if err := core.ClearError(); err != ErrNotPermitted {
		t.Errorf("ClearError in DEGRADED: err = %v, want ErrNotPermitted", err)
	}
}

func TestErrorLogRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorLogSize = 4
	core, clk := newTestCore(cfg)
	toNormal(t, core)

	for i := 0; i < 6; i++ {
		clk.Advance(10)
		core.ReportError(ErrWatchdog, uint32(i), 0)
	}

	recent := core.RecentErrors(4)
	if len(recent) != 4 {
		t.Fatalf("recent entries = %d, want 4", len(recent))
	}
	// Newest first; the two oldest reports were overwritten.
	for i, e := range recent {
		want := uint32(5 - i)
		if e.Param1 != want {
			t.Errorf("recent[%d].Param1 = %d, want %d", i, e.Param1, want)
		}
	}
}

func TestCallbacksFire(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())

	var stateChanges [][2]State
	var errorCodes []ErrorCode
	core.RegisterStateCallback(func(old, new State) {
		stateChanges = append(stateChanges, [2]State{old, new})
	})
	core.RegisterErrorCallback(func(code ErrorCode) {
		errorCodes = append(errorCodes, code)
	})

	toNormal(t, core)
	core.ReportError(ErrWatchdog, 0, 0)
	core.ReportError(ErrCPUTest, 0, 0)

	if len(stateChanges) < 3 {
		t.Fatalf("state changes = %d, want >= 3", len(stateChanges))
	}
	last := stateChanges[len(stateChanges)-1]
	if last[1] != StateSafe {
		t.Errorf("final state change = %s -> %s, want -> SAFE", last[0], last[1])
	}
	if len(errorCodes) != 2 {
		t.Errorf("error callbacks = %d, want 2", len(errorCodes))
	}
}

func TestHaltedChannel(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())

	select {
	case <-core.Halted():
		t.Fatal("halted closed before SAFE")
	default:
	}

	core.EnterSafeState(ErrHardFault)
	select {
	case <-core.Halted():
	default:
		t.Error("halted not closed after SAFE")
	}
}

func TestFeedWhileSafeKeepsHaltedOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeedWhileSafe = true
	core, _ := newTestCore(cfg)

	core.EnterSafeState(ErrHardFault)
	select {
	case <-core.Halted():
		t.Error("halted closed despite FeedWhileSafe")
	default:
	}
}

func TestSafeOutputsInvoked(t *testing.T) {
	calls := 0
	core := New(clock.NewFake(0), DefaultConfig(), WithOutputs(outputsFunc(func() { calls++ })))
	core.ReportError(ErrRAMTest, 0, 0)
	if calls == 0 {
		t.Error("safe outputs never driven")
	}
}

type outputsFunc func()

func (f outputsFunc) EnterSafeOutputs() { f() }

func TestSafeOutputsMayReadCore(t *testing.T) {
	// An outputs driver that inspects the core must not deadlock; the
	// SAFE transition is already committed when it runs.
	var core *Core
	var seen State
	core = New(clock.NewFake(0), DefaultConfig(),
		WithOutputs(outputsFunc(func() { seen = core.GetState() })))

	core.EnterSafeState(ErrHardFault)
	if seen != StateSafe {
		t.Errorf("state observed from outputs driver = %s, want SAFE", seen)
	}
}

func TestEnterOperationRequiresPassedTests(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())
	if err := core.BeginStartupTest(); err != nil {
		t.Fatal(err)
	}
	// FinishStartupTest deliberately skipped.
	if err := core.EnterOperation(); err == nil {
		t.Fatal("EnterOperation without passed tests succeeded")
	}
	if got := core.GetState(); got != StateSafe {
		t.Errorf("state = %s, want SAFE", got)
	}
}

func TestFinishStartupTestOutsideStartup(t *testing.T) {
	core, _ := newTestCore(DefaultConfig())
	if err := core.FinishStartupTest(); err != ErrNotPermitted {
		t.Errorf("FinishStartupTest in INIT: err = %v, want ErrNotPermitted", err)
	}
	if got := core.LastError(); got != ErrInternal {
		t.Errorf("last error = %s, want INTERNAL", got)
	}
}

func TestFaultHooksForceSafe(t *testing.T) {
	tests := []struct {
		name string
		hook func(*Core)
		code ErrorCode
	}{
		{"hard fault", func(c *Core) { c.HardFault(0x20001000, 0x20002000) }, ErrHardFault},
		{"mem manage fault", func(c *Core) { c.MemManageFault(0x40000000, 0x02) }, ErrMPUFault},
		{"bus fault", func(c *Core) { c.BusFault(0x60000000, 0x01) }, ErrBusFault},
		{"usage fault", func(c *Core) { c.UsageFault(0x100) }, ErrUsageFault},
		{"nmi", func(c *Core) { c.NMIFault() }, ErrNMI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, _ := newTestCore(DefaultConfig())
			toNormal(t, core)

			tt.hook(core)
			if got := core.GetState(); got != StateSafe {
				t.Errorf("state = %s, want SAFE", got)
			}
			if got := core.LastError(); got != tt.code {
				t.Errorf("last error = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestUptime(t *testing.T) {
	core, clk := newTestCore(DefaultConfig())
	clk.Advance(2500)
	if got := core.Uptime(); got != 2500 {
		t.Errorf("uptime = %d, want 2500", got)
	}
}
