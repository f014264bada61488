package params

import (
	"math"
	"testing"

	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/safety"
)

type memStore struct {
	data []byte
	err  error
}

func (m *memStore) ReadConfig() ([]byte, error) {
	return m.data, m.err
}

type captureReporter struct {
	codes  []safety.ErrorCode
	param1 []uint32
	param2 []uint32
}

func (r *captureReporter) ReportError(code safety.ErrorCode, p1, p2 uint32) {
	r.codes = append(r.codes, code)
	r.param1 = append(r.param1, p1)
	r.param2 = append(r.param2, p2)
}

func newTestValidator(rep *captureReporter) *Validator {
	opts := []Option{}
	if rep != nil {
		opts = append(opts, WithReporter(rep))
	}
	return NewValidator(clock.NewFake(0), &memStore{}, opts...)
}

func TestInvertBitsRoundTrip(t *testing.T) {
	values := []float32{0, 1.0, -1.0, 0.5, 2.0, 999.9, -999.9, 1e-8, float32(math.Pi)}
	for _, v := range values {
		inv := InvertBits(v)
		if !IsInvertedPair(v, inv) {
			t.Errorf("IsInvertedPair(%v, InvertBits(%v)) = false", v, v)
		}
		if got := InvertBits(inv); math.Float32bits(got) != math.Float32bits(v) {
			t.Errorf("double inversion of %v = %v", v, got)
		}
	}
}

func TestInvertBitsIsNotNegation(t *testing.T) {
	// The redundancy transform is a bit complement, not arithmetic
	// negation: -1.0 must not pair with 1.0.
	if IsInvertedPair(1.0, -1.0) {
		t.Error("arithmetic negation accepted as inverted pair")
	}
}

func TestInvertedPairDetectsSingleBitFlip(t *testing.T) {
	val := float32(1.5)
	inv := InvertBits(val)
	for bit := 0; bit < 32; bit++ {
		corrupted := math.Float32frombits(math.Float32bits(inv) ^ (1 << bit))
		if IsInvertedPair(val, corrupted) {
			t.Errorf("bit %d flip in inverted copy not detected", bit)
		}
		corruptedVal := math.Float32frombits(math.Float32bits(val) ^ (1 << bit))
		if IsInvertedPair(corruptedVal, inv) {
			t.Errorf("bit %d flip in primary not detected", bit)
		}
	}
}

func TestCRC32UpdateContinuation(t *testing.T) {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	whole := CRC32(data)

	var crc uint32
	for off := 0; off < len(data); off += 1024 {
		end := off + 1024
		if end > len(data) {
			end = len(data)
		}
		crc = CRC32Update(crc, data[off:end])
	}
	if crc != whole {
		t.Errorf("chunked CRC = 0x%08X, whole = 0x%08X", crc, whole)
	}
}

func TestSafetyParamsMarshalLayout(t *testing.T) {
	p := Default()
	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != SafetyParamsSize {
		t.Fatalf("marshaled size = %d, want %d", len(buf), SafetyParamsSize)
	}

	// Magic little-endian at offset 0.
	if buf[0] != 0x00 || buf[1] != 0xB0 || buf[2] != 0x11 || buf[3] != 0xCA {
		t.Errorf("magic bytes = % X", buf[:4])
	}

	var decoded SafetyParams
	if err := decoded.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if decoded.CRC32 != p.CRC32 || decoded.ComputeCRC() != decoded.CRC32 {
		t.Error("CRC did not survive round trip")
	}
}

func TestDefaultRecordIsValid(t *testing.T) {
	v := newTestValidator(nil)
	if r := v.Validate(Default()); r != Valid {
		t.Fatalf("Validate(Default()) = %s, want VALID", r)
	}
	if !v.IsValid() {
		t.Error("IsValid() = false after pass")
	}
	if _, ok := v.Get(); !ok {
		t.Error("Get() returned no record after pass")
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SafetyParams)
		want   Result
	}{
		{"bad magic", func(p *SafetyParams) { p.Magic = 0xDEADBEEF; p.CRC32 = p.ComputeCRC() }, ErrMagic},
		{"bad size", func(p *SafetyParams) { p.Size = 100; p.CRC32 = p.ComputeCRC() }, ErrSize},
		{"bad crc", func(p *SafetyParams) { p.CRC32 ^= 0xFF }, ErrCrc},
		{"hall offset high", func(p *SafetyParams) {
			p.HallOffset[1] = 1000.5
			p.Seal()
		}, ErrHallRange},
		{"hall gain low", func(p *SafetyParams) {
			p.HallGain[2] = 0.4
			p.Seal()
		}, ErrHallRange},
		{"hall gain nan", func(p *SafetyParams) {
			p.HallGain[0] = float32(math.NaN())
			p.Seal()
		}, ErrHallRange},
		{"adc gain high", func(p *SafetyParams) {
			p.ADCGain[7] = 1.3
			p.CRC32 = p.ComputeCRC()
		}, ErrAdcRange},
		{"adc offset low", func(p *SafetyParams) {
			p.ADCOffset[0] = -500.5
			p.CRC32 = p.ComputeCRC()
		}, ErrAdcRange},
		{"threshold negative", func(p *SafetyParams) {
			p.SafetyThreshold[3] = -0.1
			p.CRC32 = p.ComputeCRC()
		}, ErrThreshold},
		{"threshold inf", func(p *SafetyParams) {
			p.SafetyThreshold[0] = float32(math.Inf(1))
			p.CRC32 = p.ComputeCRC()
		}, ErrThreshold},
		{"broken redundancy", func(p *SafetyParams) {
			p.HallGainInv[0] = 0
			p.CRC32 = p.ComputeCRC()
		}, ErrRedundancy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &captureReporter{}
			v := newTestValidator(rep)
			p := Default()
			tt.mutate(p)

			if got := v.Validate(p); got != tt.want {
				t.Fatalf("Validate = %s, want %s", got, tt.want)
			}
			if len(rep.codes) != 1 || rep.codes[0] != safety.ErrParamInvalid {
				t.Fatalf("reported codes = %v, want one PARAM_INVALID", rep.codes)
			}
			if rep.param1[0] != uint32(tt.want) {
				t.Errorf("report param1 = %d, want %d", rep.param1[0], uint32(tt.want))
			}
			if v.IsValid() {
				t.Error("IsValid() = true after failure")
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	v := newTestValidator(nil)
	if got := v.Validate(nil); got != ErrNilRecord {
		t.Errorf("Validate(nil) = %s, want ERR_NIL_RECORD", got)
	}
}

func TestVersionMismatchIsWarningOnly(t *testing.T) {
	v := newTestValidator(nil)
	p := Default()
	p.Version = 0x0200
	p.Seal()
	if got := v.Validate(p); got != Valid {
		t.Errorf("Validate with version drift = %s, want VALID", got)
	}
}

func TestCRCCheckedBeforeRanges(t *testing.T) {
	// A record with both a bad CRC and a bad range must fail on the CRC:
	// contents are not trusted until integrity passes.
	v := newTestValidator(nil)
	p := Default()
	p.HallGain[0] = 99.0
	if got := v.Validate(p); got != ErrCrc {
		t.Errorf("Validate = %s, want ERR_CRC", got)
	}
}

func TestBootConfigValidation(t *testing.T) {
	v := newTestValidator(nil)

	cfg := &BootConfig{Magic: BootConfigMagic, BootCount: 7}
	cfg.Seal()
	if got := v.ValidateBootConfig(cfg); got != Valid {
		t.Errorf("ValidateBootConfig = %s, want VALID", got)
	}

	cfg.BootCount++
	if got := v.ValidateBootConfig(cfg); got != ErrCrc {
		t.Errorf("ValidateBootConfig after mutation = %s, want ERR_CRC", got)
	}

	cfg.Magic = 0
	if got := v.ValidateBootConfig(cfg); got != ErrMagic {
		t.Errorf("ValidateBootConfig bad magic = %s, want ERR_MAGIC", got)
	}

	if got := v.ValidateBootConfig(nil); got != ErrNilRecord {
		t.Errorf("ValidateBootConfig(nil) = %s, want ERR_NIL_RECORD", got)
	}
}

func TestBootConfigRoundTrip(t *testing.T) {
	cfg := &BootConfig{
		Magic:       BootConfigMagic,
		FactoryMode: 1,
		CalValid:    1,
		AppCRC:      0x12345678,
		BootCount:   42,
		LastError:   0x0B,
	}
	cfg.Seal()

	buf, err := cfg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != BootConfigSize {
		t.Fatalf("marshaled size = %d, want %d", len(buf), BootConfigSize)
	}

	var decoded BootConfig
	if err := decoded.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if decoded != *cfg {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, *cfg)
	}
}

func TestValidateStoredAndPeriodicCheck(t *testing.T) {
	boot := &BootConfig{Magic: BootConfigMagic}
	boot.Seal()
	bootRaw, _ := boot.MarshalBinary()
	p := Default()
	pRaw, _ := p.MarshalBinary()

	sector := make([]byte, 16384)
	copy(sector, bootRaw)
	copy(sector[BootConfigSize:], pRaw)

	store := &memStore{data: sector}
	rep := &captureReporter{}
	v := NewValidator(clock.NewFake(0), store, WithReporter(rep))

	if got := v.ValidateStored(); got != Valid {
		t.Fatalf("ValidateStored = %s, want VALID", got)
	}
	if got := v.PeriodicCheck(); got != Valid {
		t.Fatalf("PeriodicCheck = %s, want VALID", got)
	}

	// Corrupt one payload byte of the live sector.
	sector[BootConfigSize+8] ^= 0x01
	if got := v.PeriodicCheck(); got != ErrCrc {
		t.Fatalf("PeriodicCheck after corruption = %s, want ERR_CRC", got)
	}
	if v.IsValid() {
		t.Error("cache still valid after periodic failure")
	}
	n := len(rep.param2)
	if n == 0 || rep.param2[n-1] != 1 {
		t.Error("periodic failure not tagged with param2 = 1")
	}
}

func TestStatsCounting(t *testing.T) {
	v := newTestValidator(nil)
	v.Validate(Default())
	bad := Default()
	bad.CRC32 ^= 1
	v.Validate(bad)

	s := v.Stats()
	if s.ValidationCount != 2 || s.PassCount != 1 || s.FailCount != 1 {
		t.Errorf("stats = %+v, want 2 validations, 1 pass, 1 fail", s)
	}
	if s.LastResult != ErrCrc {
		t.Errorf("last result = %s, want ERR_CRC", s.LastResult)
	}
}
