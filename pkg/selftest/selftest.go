package selftest

import (
	"math/bits"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/params"
	"github.com/ycx81/safety-supervisor/pkg/safety"
)

// Result is a self-test outcome.
type Result int

const (
	ResultPass Result = iota
	ResultFail
	ResultInProgress
)

func (r Result) String() string {
	switch r {
	case ResultPass:
		return "PASS"
	case ResultFail:
		return "FAIL"
	case ResultInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// Mode selects how the flash CRC test runs.
type Mode int

const (
	// ModeFull verifies the whole application image in one call.
	ModeFull Mode = iota
	// ModeIncremental verifies one block per call so the runtime check
	// never stalls the monitor cycle.
	ModeIncremental
)

// DefaultBlockSize is the incremental flash CRC block size in bytes.
const DefaultBlockSize = 4096

// DefaultClockTolerancePercent is the allowed clock frequency deviation.
const DefaultClockTolerancePercent = 5

// ramTestSize is the size of the RAM region exercised by the march test.
const ramTestSize = 4096

// ImageReader provides the application image and its stored reference
// CRC. The flash store implements it.
type ImageReader interface {
	AppImage() []byte
	StoredAppCRC() uint32
}

// FrequencySource reports the measured and nominal system clock
// frequency in Hz.
type FrequencySource interface {
	Measured() uint64
	Nominal() uint64
}

// fixedFrequency is the default FrequencySource: nominal equals measured,
// so the clock test passes unless a real measurement source is attached.
type fixedFrequency struct{ hz uint64 }

func (f fixedFrequency) Measured() uint64 { return f.hz }
func (f fixedFrequency) Nominal() uint64  { return f.hz }

// Config controls which tests run and their parameters.
type Config struct {
	CPUTestEnabled   bool
	RAMTestEnabled   bool
	FlashTestEnabled bool
	ClockTestEnabled bool

	BlockSize             uint32
	ClockTolerancePercent uint32
}

// DefaultConfig enables the full startup battery.
func DefaultConfig() Config {
	return Config{
		CPUTestEnabled:        true,
		RAMTestEnabled:        true,
		FlashTestEnabled:      true,
		ClockTestEnabled:      true,
		BlockSize:             DefaultBlockSize,
		ClockTolerancePercent: DefaultClockTolerancePercent,
	}
}

// FlashCRCContext carries the incremental flash CRC progress across
// monitor cycles.
type FlashCRCContext struct {
	Offset         uint32 `json:"offset"`
	AccumulatedCRC uint32 `json:"accumulated_crc"`
	TotalSize      uint32 `json:"total_size"`
	BlockSize      uint32 `json:"block_size"`
	InProgress     bool   `json:"in_progress"`
	Completed      bool   `json:"completed"`
	PassCount      uint32 `json:"pass_count"`
	FailCount      uint32 `json:"fail_count"`
}

// Engine runs the startup self-test battery and the runtime incremental
// flash CRC check.
type Engine struct {
	mu       sync.Mutex
	clk      clock.Clock
	cfg      Config
	image    ImageReader
	freq     FrequencySource
	reporter safety.Reporter
	log      *logging.Logger

	crcCtx      FlashCRCContext
	lastStartup Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter routes test failures into the safety error funnel.
func WithReporter(r safety.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithLogger attaches a diagnostic sink.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithFrequencySource attaches a clock frequency measurement source.
func WithFrequencySource(f FrequencySource) Option {
	return func(e *Engine) { e.freq = f }
}

// NewEngine creates an Engine over the given application image source.
func NewEngine(clk clock.Clock, cfg Config, image ImageReader, opts ...Option) *Engine {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.ClockTolerancePercent == 0 {
		cfg.ClockTolerancePercent = DefaultClockTolerancePercent
	}
	e := &Engine{
		clk:   clk,
		cfg:   cfg,
		image: image,
		freq:  fixedFrequency{hz: 168000000},
		log:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunStartup executes the startup battery in fixed order, stopping at
// the first failure: CPU, RAM, full flash CRC, clock.
func (e *Engine) RunStartup() Result {
	start := e.clk.Now()

	if e.cfg.CPUTestEnabled {
		if r := e.CPUTest(); r != ResultPass {
			e.fail(safety.ErrCPUTest, 0)
			return r
		}
	}
	if e.cfg.RAMTestEnabled {
		if r := e.RAMTest(); r != ResultPass {
			e.fail(safety.ErrRAMTest, 0)
			return r
		}
	}
	if e.cfg.FlashTestEnabled {
		if r := e.FlashCRC(ModeFull); r != ResultPass {
			e.fail(safety.ErrFlashCRC, 0)
			return r
		}
	}
	if e.cfg.ClockTestEnabled {
		if r := e.ClockTest(); r != ResultPass {
			e.fail(safety.ErrClock, 0)
			return r
		}
	}

	e.mu.Lock()
	e.lastStartup = ResultPass
	e.mu.Unlock()

	e.log.Info("Startup self-test passed", map[string]interface{}{
		"duration_ms": e.clk.Now() - start,
	})
	return ResultPass
}

func (e *Engine) fail(code safety.ErrorCode, param uint32) {
	e.mu.Lock()
	e.lastStartup = ResultFail
	e.mu.Unlock()
	if e.reporter != nil {
		e.reporter.ReportError(code, param, 0)
	}
}

// CPUTest verifies ALU and register behavior with pattern and walking-bit
// checks, then sanity-checks that the runtime sees at least one CPU.
func (e *Engine) CPUTest() Result {
	patterns := []uint32{0xAAAAAAAA, 0x55555555, 0x00000000, 0xFFFFFFFF}
	for _, p := range patterns {
		v := p
		if v != p || v^0xFFFFFFFF != ^p {
			return ResultFail
		}
		if bits.RotateLeft32(bits.RotateLeft32(v, 7), -7) != p {
			return ResultFail
		}
	}

	// Walking ones across all 32 bit positions.
	for i := 0; i < 32; i++ {
		v := uint32(1) << i
		if bits.OnesCount32(v) != 1 || bits.TrailingZeros32(v) != i {
			return ResultFail
		}
	}

	if n, err := cpu.Counts(true); err == nil && n < 1 {
		return ResultFail
	}
	return ResultPass
}

// RAMTest runs a march test over a dedicated buffer: ascending write and
// verify of inverse patterns, then descending verify. Original contents
// do not matter since the buffer is owned by the test.
func (e *Engine) RAMTest() Result {
	buf := make([]byte, ramTestSize)

	for _, p := range []byte{0xAA, 0x55, 0x00, 0xFF} {
		for i := range buf {
			buf[i] = p
		}
		for i := range buf {
			if buf[i] != p {
				return ResultFail
			}
			buf[i] = ^p
		}
		for i := len(buf) - 1; i >= 0; i-- {
			if buf[i] != ^p {
				return ResultFail
			}
		}
	}

	// Address-in-data catches decoder faults aliasing cells.
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			return ResultFail
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Available == 0 {
		return ResultFail
	}
	return ResultPass
}

// FlashCRC verifies the application image CRC against its stored
// reference. ModeFull processes the whole image; ModeIncremental
// processes one block and returns ResultInProgress until the image is
// covered.
func (e *Engine) FlashCRC(mode Mode) Result {
	if mode == ModeFull {
		img := e.image.AppImage()
		crc := params.CRC32(img[:len(img)-4])
		if crc != e.image.StoredAppCRC() {
			e.log.Error("Flash CRC mismatch", map[string]interface{}{
				"computed": crc,
				"stored":   e.image.StoredAppCRC(),
			})
			return ResultFail
		}
		return ResultPass
	}
	return e.Continue()
}

// Continue advances the incremental flash CRC by exactly one block. The
// CRC is a true continuation: the final value over all blocks equals a
// single pass over the image, so the incremental verdict matches the
// full check. Completion of a pass reports ErrFlashCRC on mismatch and
// restarts from the beginning either way.
func (e *Engine) Continue() Result {
	e.mu.Lock()

	img := e.image.AppImage()
	verified := uint32(len(img) - 4)

	if !e.crcCtx.InProgress {
		e.crcCtx = FlashCRCContext{
			TotalSize:  verified,
			BlockSize:  e.cfg.BlockSize,
			InProgress: true,
			PassCount:  e.crcCtx.PassCount,
			FailCount:  e.crcCtx.FailCount,
		}
	}

	end := e.crcCtx.Offset + e.crcCtx.BlockSize
	if end > verified {
		end = verified
	}
	e.crcCtx.AccumulatedCRC = params.CRC32Update(e.crcCtx.AccumulatedCRC, img[e.crcCtx.Offset:end])
	e.crcCtx.Offset = end

	if e.crcCtx.Offset < verified {
		e.mu.Unlock()
		return ResultInProgress
	}

	crc := e.crcCtx.AccumulatedCRC
	stored := e.image.StoredAppCRC()
	e.crcCtx.InProgress = false
	e.crcCtx.Completed = true
	e.crcCtx.Offset = 0
	e.crcCtx.AccumulatedCRC = 0

	if crc != stored {
		e.crcCtx.FailCount++
		reporter := e.reporter
		e.mu.Unlock()
		e.log.Error("Runtime flash CRC mismatch", map[string]interface{}{
			"computed": crc,
			"stored":   stored,
		})
		if reporter != nil {
			reporter.ReportError(safety.ErrFlashCRC, crc, stored)
		}
		return ResultFail
	}

	e.crcCtx.PassCount++
	e.mu.Unlock()
	return ResultPass
}

// ClockTest checks the measured system clock frequency against nominal
// within the configured tolerance.
func (e *Engine) ClockTest() Result {
	measured := e.freq.Measured()
	nominal := e.freq.Nominal()
	if nominal == 0 {
		return ResultFail
	}
	tol := nominal * uint64(e.cfg.ClockTolerancePercent) / 100
	if measured < nominal-tol || measured > nominal+tol {
		e.log.Error("Clock frequency out of tolerance", map[string]interface{}{
			"measured": measured,
			"nominal":  nominal,
		})
		return ResultFail
	}
	return ResultPass
}

// ResetFlashCRC abandons any in-flight incremental pass.
func (e *Engine) ResetFlashCRC() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.crcCtx.InProgress = false
	e.crcCtx.Offset = 0
	e.crcCtx.AccumulatedCRC = 0
}

// FlashCRCContext returns a snapshot of the incremental check progress.
func (e *Engine) FlashCRCContext() FlashCRCContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crcCtx
}

// StartupResult returns the outcome of the last startup battery.
func (e *Engine) StartupResult() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStartup
}
