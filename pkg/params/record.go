package params

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// Magic numbers and layout constants shared with the bootloader. The
// records below are persisted byte-exact in the config flash sector and
// must match the bootloader's reader bit for bit.
const (
	SafetyParamsMagic   = 0xCA11B000
	SafetyParamsVersion = 0x0100
	BootConfigMagic     = 0xC0F16000

	// BootConfigSize is the packed size of BootConfig.
	BootConfigSize = 36
	// SafetyParamsSize is the packed size of SafetyParams.
	SafetyParamsSize = 168
)

// Calibration validation ranges.
const (
	HallOffsetMin      = -1000.0
	HallOffsetMax      = 1000.0
	HallGainMin        = 0.5
	HallGainMax        = 2.0
	ADCGainMin         = 0.8
	ADCGainMax         = 1.2
	ADCOffsetMin       = -500.0
	ADCOffsetMax       = 500.0
	SafetyThresholdMin = 0.0
	SafetyThresholdMax = 10000.0
)

// CRC32 is the integrity primitive used for both persisted records and
// the application image. The self-test engine shares it.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// CRC32Update continues a CRC computation across chunks. Feeding chunks
// in order yields the same value as one CRC32 call over the whole input.
func CRC32Update(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}

// InvertBits returns the float whose bit pattern is the complement of
// f's. This is the storage redundancy transform: a single bit flip in
// either copy breaks the pairing. It is deliberately a bit complement,
// not an arithmetic negation.
func InvertBits(f float32) float32 {
	return math.Float32frombits(^math.Float32bits(f))
}

// IsInvertedPair reports whether inv holds the exact bit complement of
// val.
func IsInvertedPair(val, inv float32) bool {
	return math.Float32bits(val) == ^math.Float32bits(inv)
}

// BootConfig is the 36-byte boot configuration record at the start of
// the config flash sector.
type BootConfig struct {
	Magic       uint32
	FactoryMode uint32
	CalValid    uint32
	AppCRC      uint32
	BootCount   uint32
	LastError   uint32
	Reserved    [2]uint32
	CRC         uint32
}

// MarshalBinary encodes the record little-endian, packed.
func (b *BootConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BootConfigSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], b.Magic)
	le.PutUint32(buf[4:], b.FactoryMode)
	le.PutUint32(buf[8:], b.CalValid)
	le.PutUint32(buf[12:], b.AppCRC)
	le.PutUint32(buf[16:], b.BootCount)
	le.PutUint32(buf[20:], b.LastError)
	le.PutUint32(buf[24:], b.Reserved[0])
	le.PutUint32(buf[28:], b.Reserved[1])
	le.PutUint32(buf[32:], b.CRC)
	return buf, nil
}

// UnmarshalBinary decodes the record from its packed form.
func (b *BootConfig) UnmarshalBinary(data []byte) error {
	if len(data) < BootConfigSize {
		return fmt.Errorf("params: boot config record too short: %d bytes", len(data))
	}
	le := binary.LittleEndian
	b.Magic = le.Uint32(data[0:])
	b.FactoryMode = le.Uint32(data[4:])
	b.CalValid = le.Uint32(data[8:])
	b.AppCRC = le.Uint32(data[12:])
	b.BootCount = le.Uint32(data[16:])
	b.LastError = le.Uint32(data[20:])
	b.Reserved[0] = le.Uint32(data[24:])
	b.Reserved[1] = le.Uint32(data[28:])
	b.CRC = le.Uint32(data[32:])
	return nil
}

// ComputeCRC calculates the record CRC over everything preceding the
// CRC field.
func (b *BootConfig) ComputeCRC() uint32 {
	buf, _ := b.MarshalBinary()
	return CRC32(buf[:BootConfigSize-4])
}

// Seal stores the freshly computed CRC into the record.
func (b *BootConfig) Seal() {
	b.CRC = b.ComputeCRC()
}

// SafetyParams is the 168-byte calibration record stored immediately
// after BootConfig in the config flash sector. Hall calibration carries
// bit-inverted redundant copies for single-bit corruption detection.
type SafetyParams struct {
	Magic   uint32
	Version uint16
	Size    uint16

	HallOffset    [3]float32
	HallGain      [3]float32
	HallOffsetInv [3]float32
	HallGainInv   [3]float32

	ADCGain   [8]float32
	ADCOffset [8]float32

	SafetyThreshold [4]float32

	Reserved [7]uint32

	CRC32 uint32
}

// MarshalBinary encodes the record little-endian, packed.
func (p *SafetyParams) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SafetyParamsSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.Magic)
	le.PutUint16(buf[4:], p.Version)
	le.PutUint16(buf[6:], p.Size)

	off := 8
	for _, arr := range [][3]float32{p.HallOffset, p.HallGain, p.HallOffsetInv, p.HallGainInv} {
		for _, f := range arr {
			le.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	}
	for _, f := range p.ADCGain {
		le.PutUint32(buf[off:], math.Float32bits(f))
		off += 4
	}
	for _, f := range p.ADCOffset {
		le.PutUint32(buf[off:], math.Float32bits(f))
		off += 4
	}
	for _, f := range p.SafetyThreshold {
		le.PutUint32(buf[off:], math.Float32bits(f))
		off += 4
	}
	for _, r := range p.Reserved {
		le.PutUint32(buf[off:], r)
		off += 4
	}
	le.PutUint32(buf[off:], p.CRC32)
	return buf, nil
}

// UnmarshalBinary decodes the record from its packed form.
func (p *SafetyParams) UnmarshalBinary(data []byte) error {
	if len(data) < SafetyParamsSize {
		return fmt.Errorf("params: safety params record too short: %d bytes", len(data))
	}
	le := binary.LittleEndian
	p.Magic = le.Uint32(data[0:])
	p.Version = le.Uint16(data[4:])
	p.Size = le.Uint16(data[6:])

	off := 8
	read3 := func() [3]float32 {
		var a [3]float32
		for i := range a {
			a[i] = math.Float32frombits(le.Uint32(data[off:]))
			off += 4
		}
		return a
	}
	p.HallOffset = read3()
	p.HallGain = read3()
	p.HallOffsetInv = read3()
	p.HallGainInv = read3()
	for i := range p.ADCGain {
		p.ADCGain[i] = math.Float32frombits(le.Uint32(data[off:]))
		off += 4
	}
	for i := range p.ADCOffset {
		p.ADCOffset[i] = math.Float32frombits(le.Uint32(data[off:]))
		off += 4
	}
	for i := range p.SafetyThreshold {
		p.SafetyThreshold[i] = math.Float32frombits(le.Uint32(data[off:]))
		off += 4
	}
	for i := range p.Reserved {
		p.Reserved[i] = le.Uint32(data[off:])
		off += 4
	}
	p.CRC32 = le.Uint32(data[off:])
	return nil
}

// ComputeCRC calculates the record CRC over everything preceding the
// trailing CRC field.
func (p *SafetyParams) ComputeCRC() uint32 {
	buf, _ := p.MarshalBinary()
	return CRC32(buf[:SafetyParamsSize-4])
}

// Seal refreshes the inverted redundant copies from the primaries and
// stores the freshly computed CRC.
func (p *SafetyParams) Seal() {
	for i := 0; i < 3; i++ {
		p.HallOffsetInv[i] = InvertBits(p.HallOffset[i])
		p.HallGainInv[i] = InvertBits(p.HallGain[i])
	}
	p.CRC32 = p.ComputeCRC()
}

// Default returns a sealed record with factory defaults: zero offsets,
// unity gains, mid-range thresholds.
func Default() *SafetyParams {
	p := &SafetyParams{
		Magic:   SafetyParamsMagic,
		Version: SafetyParamsVersion,
		Size:    SafetyParamsSize,
	}
	for i := 0; i < 3; i++ {
		p.HallGain[i] = 1.0
	}
	for i := 0; i < 8; i++ {
		p.ADCGain[i] = 1.0
	}
	for i := 0; i < 4; i++ {
		p.SafetyThreshold[i] = 100.0
	}
	p.Seal()
	return p
}
