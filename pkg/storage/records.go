package storage

import (
	"fmt"

	"github.com/ycx81/safety-supervisor/pkg/params"
)

// The config sector layout: BootConfig at offset 0, SafetyParams
// immediately after. The rest of the sector stays erased.

// ReadBootConfig decodes the boot configuration record from the config
// sector.
func (s *FlashStore) ReadBootConfig() (*params.BootConfig, error) {
	raw, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}
	var cfg params.BootConfig
	if err := cfg.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("storage: decode boot config: %w", err)
	}
	return &cfg, nil
}

// ReadSafetyParams decodes the calibration record from the config
// sector.
func (s *FlashStore) ReadSafetyParams() (*params.SafetyParams, error) {
	raw, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}
	var p params.SafetyParams
	if err := p.UnmarshalBinary(raw[params.BootConfigSize:]); err != nil {
		return nil, fmt.Errorf("storage: decode safety params: %w", err)
	}
	return &p, nil
}

// WriteRecords seals and persists both records into the config sector in
// one erase-program cycle.
func (s *FlashStore) WriteRecords(cfg *params.BootConfig, p *params.SafetyParams) error {
	cfg.Seal()
	p.Seal()

	cfgRaw, err := cfg.MarshalBinary()
	if err != nil {
		return err
	}
	pRaw, err := p.MarshalBinary()
	if err != nil {
		return err
	}

	buf := make([]byte, params.BootConfigSize+params.SafetyParamsSize)
	copy(buf, cfgRaw)
	copy(buf[params.BootConfigSize:], pRaw)
	return s.WriteConfig(buf)
}

// SeedDefaults initializes an erased config sector with a default boot
// config and factory calibration. Existing valid records are left alone.
func (s *FlashStore) SeedDefaults() error {
	cfg, err := s.ReadBootConfig()
	if err == nil && cfg.Magic == params.BootConfigMagic && cfg.ComputeCRC() == cfg.CRC {
		return nil
	}

	boot := &params.BootConfig{
		Magic:    params.BootConfigMagic,
		CalValid: 1,
	}
	return s.WriteRecords(boot, params.Default())
}

// IncrementBootCount bumps the persisted boot counter.
func (s *FlashStore) IncrementBootCount() (uint32, error) {
	cfg, err := s.ReadBootConfig()
	if err != nil {
		return 0, err
	}
	p, err := s.ReadSafetyParams()
	if err != nil {
		return 0, err
	}
	cfg.BootCount++
	if err := s.WriteRecords(cfg, p); err != nil {
		return 0, err
	}
	return cfg.BootCount, nil
}

// RecordLastError persists the error code that forced the last SAFE
// entry so it survives the reset.
func (s *FlashStore) RecordLastError(code uint32) error {
	cfg, err := s.ReadBootConfig()
	if err != nil {
		return err
	}
	p, err := s.ReadSafetyParams()
	if err != nil {
		return err
	}
	cfg.LastError = code
	return s.WriteRecords(cfg, p)
}
