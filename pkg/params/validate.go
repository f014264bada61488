package params

import (
	"math"
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/safety"
)

// Result is a parameter validation outcome.
type Result int

const (
	Valid Result = iota
	ErrNilRecord
	ErrMagic
	ErrSize
	ErrCrc
	ErrHallRange
	ErrAdcRange
	ErrThreshold
	ErrRedundancy
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "VALID"
	case ErrNilRecord:
		return "ERR_NIL_RECORD"
	case ErrMagic:
		return "ERR_MAGIC"
	case ErrSize:
		return "ERR_SIZE"
	case ErrCrc:
		return "ERR_CRC"
	case ErrHallRange:
		return "ERR_HALL_RANGE"
	case ErrAdcRange:
		return "ERR_ADC_RANGE"
	case ErrThreshold:
		return "ERR_THRESHOLD"
	case ErrRedundancy:
		return "ERR_REDUNDANCY"
	default:
		return "UNKNOWN"
	}
}

// Stats tracks validation activity.
type Stats struct {
	ValidationCount    uint32 `json:"validation_count"`
	PassCount          uint32 `json:"pass_count"`
	FailCount          uint32 `json:"fail_count"`
	LastResult         Result `json:"last_result"`
	LastFailIndex      int    `json:"last_fail_index"`
	LastValidationTime uint32 `json:"last_validation_time"`
}

// ConfigReader reads the raw config sector, used to re-check live flash
// contents against the cached record.
type ConfigReader interface {
	ReadConfig() ([]byte, error)
}

// Validator validates calibration records and caches the last record
// that passed as the authoritative source for calibration reads.
type Validator struct {
	mu       sync.Mutex
	clk      clock.Clock
	store    ConfigReader
	reporter safety.Reporter
	log      *logging.Logger

	stats  Stats
	valid  bool
	cached SafetyParams
}

// Option configures a Validator.
type Option func(*Validator)

// WithReporter routes validation failures into the safety error funnel.
func WithReporter(r safety.Reporter) Option {
	return func(v *Validator) { v.reporter = r }
}

// WithLogger attaches a diagnostic sink.
func WithLogger(l *logging.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// NewValidator creates a Validator over the given config sector reader.
func NewValidator(clk clock.Clock, store ConfigReader, opts ...Option) *Validator {
	v := &Validator{
		clk:   clk,
		store: store,
		log:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the full check sequence, short-circuiting on the first
// failure: header, CRC, hall ranges, ADC ranges, thresholds, redundancy.
// Success caches the record as the authoritative calibration source.
func (v *Validator) Validate(p *SafetyParams) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p == nil {
		v.stats.FailCount++
		v.stats.LastResult = ErrNilRecord
		return ErrNilRecord
	}

	v.stats.ValidationCount++
	v.stats.LastValidationTime = v.clk.Now()

	result := v.validateLocked(p)
	if result != Valid {
		v.stats.FailCount++
		v.stats.LastResult = result
		v.valid = false

		v.log.Error("Parameter validation failed", map[string]interface{}{
			"result": result.String(),
		})
		if v.reporter != nil {
			v.reporter.ReportError(safety.ErrParamInvalid, uint32(result), 0)
		}
		return result
	}

	v.stats.PassCount++
	v.stats.LastResult = Valid
	v.valid = true
	v.cached = *p

	v.log.Info("Parameter validation passed")
	return Valid
}

func (v *Validator) validateLocked(p *SafetyParams) Result {
	if r := v.checkHeader(p); r != Valid {
		return r
	}
	if r := checkCRC(p); r != Valid {
		return r
	}
	if r := v.checkHall(p); r != Valid {
		return r
	}
	if r := v.checkADC(p); r != Valid {
		return r
	}
	if r := v.checkThresholds(p); r != Valid {
		return r
	}
	return v.checkRedundancy(p)
}

func (v *Validator) checkHeader(p *SafetyParams) Result {
	if p.Magic != SafetyParamsMagic {
		return ErrMagic
	}
	if p.Version != SafetyParamsVersion {
		// Version drift is tolerated for forward compatibility; size and
		// CRC still gate acceptance.
		v.log.Warn("Parameter version mismatch", map[string]interface{}{
			"version": p.Version,
		})
	}
	if p.Size != SafetyParamsSize {
		return ErrSize
	}
	return Valid
}

func checkCRC(p *SafetyParams) Result {
	if p.ComputeCRC() != p.CRC32 {
		return ErrCrc
	}
	return Valid
}

func (v *Validator) checkHall(p *SafetyParams) Result {
	for i := 0; i < 3; i++ {
		if !inRange(p.HallOffset[i], HallOffsetMin, HallOffsetMax) {
			v.stats.LastFailIndex = i
			return ErrHallRange
		}
		if !inRange(p.HallGain[i], HallGainMin, HallGainMax) {
			v.stats.LastFailIndex = i + 3
			return ErrHallRange
		}
	}
	return Valid
}

func (v *Validator) checkADC(p *SafetyParams) Result {
	for i := 0; i < 8; i++ {
		if !inRange(p.ADCGain[i], ADCGainMin, ADCGainMax) {
			v.stats.LastFailIndex = i
			return ErrAdcRange
		}
		if !inRange(p.ADCOffset[i], ADCOffsetMin, ADCOffsetMax) {
			v.stats.LastFailIndex = i + 8
			return ErrAdcRange
		}
	}
	return Valid
}

func (v *Validator) checkThresholds(p *SafetyParams) Result {
	for i := 0; i < 4; i++ {
		if !inRange(p.SafetyThreshold[i], SafetyThresholdMin, SafetyThresholdMax) {
			v.stats.LastFailIndex = i
			return ErrThreshold
		}
	}
	return Valid
}

func (v *Validator) checkRedundancy(p *SafetyParams) Result {
	for i := 0; i < 3; i++ {
		if !IsInvertedPair(p.HallOffset[i], p.HallOffsetInv[i]) {
			v.stats.LastFailIndex = i
			return ErrRedundancy
		}
		if !IsInvertedPair(p.HallGain[i], p.HallGainInv[i]) {
			v.stats.LastFailIndex = i + 3
			return ErrRedundancy
		}
	}
	return Valid
}

func inRange(f float32, min, max float64) bool {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= min && v <= max
}

// ValidateStored reads the calibration record from the config sector and
// runs the full validation on it.
func (v *Validator) ValidateStored() Result {
	raw, err := v.store.ReadConfig()
	if err != nil || len(raw) < BootConfigSize+SafetyParamsSize {
		v.mu.Lock()
		v.stats.FailCount++
		v.stats.LastResult = ErrNilRecord
		v.mu.Unlock()
		if v.reporter != nil {
			v.reporter.ReportError(safety.ErrParamInvalid, uint32(ErrNilRecord), 0)
		}
		return ErrNilRecord
	}

	var p SafetyParams
	if err := p.UnmarshalBinary(raw[BootConfigSize:]); err != nil {
		return ErrNilRecord
	}
	return v.Validate(&p)
}

// ValidateBootConfig checks the boot configuration record header and
// CRC. It does not touch the calibration cache.
func (v *Validator) ValidateBootConfig(cfg *BootConfig) Result {
	if cfg == nil {
		return ErrNilRecord
	}
	if cfg.Magic != BootConfigMagic {
		return ErrMagic
	}
	if cfg.ComputeCRC() != cfg.CRC {
		return ErrCrc
	}
	return Valid
}

// PeriodicCheck re-runs only the cheap CRC step against the live config
// sector to detect runtime corruption. Full validation is not repeated.
func (v *Validator) PeriodicCheck() Result {
	v.mu.Lock()
	if !v.valid {
		v.mu.Unlock()
		return ErrNilRecord
	}
	v.mu.Unlock()

	raw, err := v.store.ReadConfig()
	if err != nil || len(raw) < BootConfigSize+SafetyParamsSize {
		return ErrNilRecord
	}

	var p SafetyParams
	if err := p.UnmarshalBinary(raw[BootConfigSize:]); err != nil {
		return ErrNilRecord
	}

	if r := checkCRC(&p); r != Valid {
		v.mu.Lock()
		v.valid = false
		v.mu.Unlock()

		v.log.Error("Periodic parameter check failed")
		if v.reporter != nil {
			v.reporter.ReportError(safety.ErrParamInvalid, uint32(r), 1)
		}
		return r
	}
	return Valid
}

// Get returns the cached validated record, or ok=false when no record
// has passed validation.
func (v *Validator) Get() (SafetyParams, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.valid {
		return SafetyParams{}, false
	}
	return v.cached, true
}

// IsValid reports whether a validated record is cached.
func (v *Validator) IsValid() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.valid
}

// Stats returns a snapshot of validation statistics.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}
