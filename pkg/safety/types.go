package safety

// State is a safety state machine state.
//
// Allowed transitions:
//
//	Init        -> StartupTest, Safe
//	StartupTest -> Normal, Safe
//	Normal      -> Degraded, Safe
//	Degraded    -> Normal, Safe
//	Safe        -> (none; requires external reset)
type State uint8

const (
	StateInit        State = 0x00
	StateStartupTest State = 0x01
	StateNormal      State = 0x02
	StateDegraded    State = 0x03
	StateSafe        State = 0x04
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStartupTest:
		return "STARTUP_TEST"
	case StateNormal:
		return "NORMAL"
	case StateDegraded:
		return "DEGRADED"
	case StateSafe:
		return "SAFE"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode identifies a safety error. Codes are persisted into the boot
// config record and must stay stable.
type ErrorCode uint8

const (
	ErrNone          ErrorCode = 0x00
	ErrCPUTest       ErrorCode = 0x01
	ErrRAMTest       ErrorCode = 0x02
	ErrFlashCRC      ErrorCode = 0x03
	ErrClock         ErrorCode = 0x04
	ErrWatchdog      ErrorCode = 0x05
	ErrStackOverflow ErrorCode = 0x06
	ErrFlowMonitor   ErrorCode = 0x07
	ErrParamInvalid  ErrorCode = 0x08
	ErrRuntimeTest   ErrorCode = 0x09
	ErrMPUFault      ErrorCode = 0x0A
	ErrHardFault     ErrorCode = 0x0B
	ErrBusFault      ErrorCode = 0x0C
	ErrUsageFault    ErrorCode = 0x0D
	ErrNMI           ErrorCode = 0x0E
	ErrInternal      ErrorCode = 0xFF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "NONE"
	case ErrCPUTest:
		return "CPU_TEST"
	case ErrRAMTest:
		return "RAM_TEST"
	case ErrFlashCRC:
		return "FLASH_CRC"
	case ErrClock:
		return "CLOCK"
	case ErrWatchdog:
		return "WATCHDOG"
	case ErrStackOverflow:
		return "STACK_OVERFLOW"
	case ErrFlowMonitor:
		return "FLOW_MONITOR"
	case ErrParamInvalid:
		return "PARAM_INVALID"
	case ErrRuntimeTest:
		return "RUNTIME_TEST"
	case ErrMPUFault:
		return "MPU_FAULT"
	case ErrHardFault:
		return "HARDFAULT"
	case ErrBusFault:
		return "BUSFAULT"
	case ErrUsageFault:
		return "USAGEFAULT"
	case ErrNMI:
		return "NMI"
	case ErrInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Severity is the consequence class of an error. Classification is fixed
// by error code; callers never choose the severity of what they report.
type Severity int

const (
	// SeverityWarning errors are logged and notified but do not force a
	// state transition by themselves.
	SeverityWarning Severity = iota
	// SeveritySerious errors degrade NORMAL operation; a second serious
	// error while already DEGRADED escalates to SAFE.
	SeveritySerious
	// SeverityCritical errors transition to SAFE unconditionally.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeveritySerious:
		return "SERIOUS"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Classify returns the fixed severity for an error code.
func Classify(code ErrorCode) Severity {
	switch code {
	case ErrCPUTest, ErrRAMTest, ErrHardFault, ErrBusFault, ErrUsageFault, ErrNMI:
		return SeverityCritical
	case ErrFlashCRC, ErrClock, ErrFlowMonitor, ErrMPUFault:
		return SeveritySerious
	default:
		return SeverityWarning
	}
}

// LogEntry is one record of the fixed-capacity error log ring.
type LogEntry struct {
	Timestamp uint32    `json:"timestamp"`
	Code      ErrorCode `json:"code"`
	Param1    uint32    `json:"param1"`
	Param2    uint32    `json:"param2"`
}

// Context is a snapshot of the supervisor's runtime safety context.
type Context struct {
	State             State     `json:"state"`
	LastError         ErrorCode `json:"last_error"`
	ErrorCount        uint32    `json:"error_count"`
	StartupTime       uint32    `json:"startup_time"`
	DegradedEnterTime uint32    `json:"degraded_enter_time"`
	StartupTestPassed bool      `json:"startup_test_passed"`
	ParamsValid       bool      `json:"params_valid"`
	MPUEnabled        bool      `json:"mpu_enabled"`
	WatchdogActive    bool      `json:"watchdog_active"`
}

// Reporter is the error funnel every subsystem reports through.
// *Core implements it.
type Reporter interface {
	ReportError(code ErrorCode, param1, param2 uint32)
}

// Outputs drives safety-critical output lines. EnterSafeOutputs must put
// every line into its predefined safe level: status indicator on,
// actuator, backlight and bus-select lines off/deselected.
type Outputs interface {
	EnterSafeOutputs()
}

// NopOutputs is the default Outputs when no hardware is attached.
type NopOutputs struct{}

func (NopOutputs) EnterSafeOutputs() {}
