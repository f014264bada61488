package flow

import (
	"math/bits"
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/safety"
)

// SignatureSeed is the initial signature value shared by the bootloader
// and the application monitor.
const SignatureSeed uint32 = 0x5A5A5A5A

// signatureMul mixes the checkpoint value into the running signature.
const signatureMul uint32 = 0x9E3779B9

// Checkpoint identifies a control-flow checkpoint. Bootloader
// checkpoints live in 0x01..0x0F, application checkpoints in 0x10..0x3F.
type Checkpoint uint8

// Bootloader checkpoints.
const (
	CPBootInit          Checkpoint = 0x01
	CPBootSelfTestStart Checkpoint = 0x02
	CPBootSelfTestEnd   Checkpoint = 0x07
	CPBootParamsCheck   Checkpoint = 0x08
	CPBootConfigCheck   Checkpoint = 0x09
	CPBootAppVerify     Checkpoint = 0x0B
	CPBootJumpPrepare   Checkpoint = 0x0D
)

// Application checkpoints.
const (
	CPAppInit          Checkpoint = 0x10
	CPSafetyMonitor    Checkpoint = 0x11
	CPWatchdogFeed     Checkpoint = 0x12
	CPSelfTestStart    Checkpoint = 0x13
	CPSelfTestEnd      Checkpoint = 0x14
	CPMainLoop         Checkpoint = 0x15
	CPCommHandler      Checkpoint = 0x16
	CPParamCheck       Checkpoint = 0x17
	CPCheckpointMax    Checkpoint = 0x3F
)

// UpdateSignature folds one checkpoint into a running signature. The
// transform is order sensitive: swapping two checkpoints changes the
// result.
func UpdateSignature(sig uint32, cp Checkpoint) uint32 {
	return bits.RotateLeft32(sig, 1) ^ (uint32(cp) * signatureMul)
}

// ExpectedSignature computes the signature produced by hitting the given
// checkpoints in order starting from the seed.
func ExpectedSignature(cps ...Checkpoint) uint32 {
	sig := SignatureSeed
	for _, cp := range cps {
		sig = UpdateSignature(sig, cp)
	}
	return sig
}

// Context is a snapshot of the monitor state.
type Context struct {
	Signature       uint32     `json:"signature"`
	Expected        uint32     `json:"expected"`
	CheckpointCount uint32     `json:"checkpoint_count"`
	LastCheckpoint  Checkpoint `json:"last_checkpoint"`
	LastTime        uint32     `json:"last_time"`
	VerifyCount     uint32     `json:"verify_count"`
	FailCount       uint32     `json:"fail_count"`
}

// Monitor accumulates a control-flow signature from checkpoints hit by
// the supervised tasks and verifies it against an expected value.
type Monitor struct {
	mu  sync.Mutex
	clk clock.Clock
	log *logging.Logger

	reporter safety.Reporter
	ctx      Context
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithReporter routes verification failures into the safety error
// funnel.
func WithReporter(r safety.Reporter) Option {
	return func(m *Monitor) { m.reporter = r }
}

// WithLogger attaches a diagnostic sink.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates a Monitor with the signature reset to the seed.
func NewMonitor(clk clock.Clock, opts ...Option) *Monitor {
	m := &Monitor{
		clk: clk,
		log: logging.Nop(),
	}
	m.ctx.Signature = SignatureSeed
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Checkpoint records one checkpoint hit. Values outside the valid range
// are ignored.
func (m *Monitor) Checkpoint(cp Checkpoint) {
	if cp == 0 || cp > CPCheckpointMax {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Signature = UpdateSignature(m.ctx.Signature, cp)
	m.ctx.CheckpointCount++
	m.ctx.LastCheckpoint = cp
	m.ctx.LastTime = m.clk.Now()
}

// SetExpected sets the signature Verify compares against. Zero disables
// the comparison while still requiring checkpoint activity.
func (m *Monitor) SetExpected(sig uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Expected = sig
}

// Verify checks the accumulated signature. A nonzero expected value must
// match exactly; with expected zero only checkpoint activity since the
// last verification is required. On success the signature is reset to
// the seed and the count cleared for the next window.
func (m *Monitor) Verify() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx.VerifyCount++

	if m.ctx.Expected != 0 && m.ctx.Signature != m.ctx.Expected {
		m.failLocked(m.ctx.Signature, m.ctx.Expected)
		return false
	}
	if m.ctx.CheckpointCount == 0 {
		m.failLocked(0, 0)
		return false
	}

	m.ctx.Signature = SignatureSeed
	m.ctx.CheckpointCount = 0
	return true
}

func (m *Monitor) failLocked(got, want uint32) {
	m.ctx.FailCount++
	m.log.Error("Control flow verification failed", map[string]interface{}{
		"signature": got,
		"expected":  want,
	})
	if m.reporter != nil {
		m.reporter.ReportError(safety.ErrFlowMonitor, got, want)
	}
	m.ctx.Signature = SignatureSeed
	m.ctx.CheckpointCount = 0
}

// Reset restores the seed signature and clears the checkpoint count.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Signature = SignatureSeed
	m.ctx.CheckpointCount = 0
}

// Signature returns the current accumulated signature.
func (m *Monitor) Signature() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Signature
}

// Context returns a snapshot of the monitor state.
func (m *Monitor) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// CheckpointRecent reports whether cp was the last checkpoint recorded
// and it was hit within the last windowMS milliseconds.
func (m *Monitor) CheckpointRecent(cp Checkpoint, windowMS uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.LastCheckpoint != cp || m.ctx.LastTime == 0 {
		return false
	}
	return m.clk.Now()-m.ctx.LastTime <= windowMS
}
