package mpu

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ycx81/safety-supervisor/pkg/logging"
)

// NumRegions is the number of programmable protection regions.
const NumRegions = 8

// SizeCode encodes a region size as a power of two: bytes = 2^(code+1).
type SizeCode uint8

const (
	Size16KB  SizeCode = 13
	Size64KB  SizeCode = 15
	Size128KB SizeCode = 16
	Size512KB SizeCode = 18
	Size512MB SizeCode = 28
)

// Bytes returns the region size in bytes.
func (s SizeCode) Bytes() uint64 {
	return 1 << (uint(s) + 1)
}

// AccessPerm encodes region access permission for privileged and
// unprivileged code.
type AccessPerm uint8

const (
	APNoAccess     AccessPerm = 0x0
	APPrivRW       AccessPerm = 0x1
	APPrivRWUserRO AccessPerm = 0x2
	APFullAccess   AccessPerm = 0x3
	APPrivRO       AccessPerm = 0x5
	APReadOnly     AccessPerm = 0x6
)

// Fault status bits reported with a protection violation.
const (
	StatusNoRegion    uint32 = 0x01
	StatusPermission  uint32 = 0x02
	StatusExecuteDeny uint32 = 0x04
)

var (
	// ErrBadAlignment is returned when a region base is not aligned to
	// its size.
	ErrBadAlignment = errors.New("mpu: region base not aligned to size")
	// ErrBadRegion is returned for region numbers outside the table.
	ErrBadRegion = errors.New("mpu: region number out of range")
	// ErrAccessViolation is returned by CheckAccess on a denied access.
	ErrAccessViolation = errors.New("mpu: access violation")
)

// RegionConfig describes one protection region.
type RegionConfig struct {
	Number           int        `yaml:"number" json:"number"`
	Name             string     `yaml:"name" json:"name"`
	BaseAddr         uint32     `yaml:"base_addr" json:"base_addr"`
	Size             SizeCode   `yaml:"size_code" json:"size_code"`
	AP               AccessPerm `yaml:"access" json:"access"`
	ExecuteNever     bool       `yaml:"execute_never" json:"execute_never"`
	SubregionDisable uint8      `yaml:"subregion_disable" json:"subregion_disable"`
	Enabled          bool       `yaml:"enabled" json:"enabled"`
}

// DefaultRegions is the static protection layout: application flash
// executable and read-only with its bottom subregion carved out (the
// bootloader and config sectors live there under their own stricter
// regions), all RAM non-executable, peripherals non-executable, config
// flash read-only, bootloader flash privileged read-only.
func DefaultRegions() []RegionConfig {
	return []RegionConfig{
		{Number: 0, Name: "app_flash", BaseAddr: 0x08000000, Size: Size512KB,
			AP: APReadOnly, SubregionDisable: 0x01, Enabled: true},
		{Number: 1, Name: "sram", BaseAddr: 0x20000000, Size: Size128KB,
			AP: APFullAccess, ExecuteNever: true, Enabled: true},
		{Number: 2, Name: "ccm_ram", BaseAddr: 0x10000000, Size: Size64KB,
			AP: APFullAccess, ExecuteNever: true, Enabled: true},
		{Number: 3, Name: "peripherals", BaseAddr: 0x40000000, Size: Size512MB,
			AP: APFullAccess, ExecuteNever: true, Enabled: true},
		{Number: 4, Name: "config_flash", BaseAddr: 0x0800C000, Size: Size16KB,
			AP: APPrivRO, ExecuteNever: true, Enabled: true},
		{Number: 5, Name: "boot_flash", BaseAddr: 0x08000000, Size: Size64KB,
			AP: APPrivRO, ExecuteNever: true, SubregionDisable: 0xC0, Enabled: true},
	}
}

// FaultHandler receives protection violations. The safety core
// implements it and forces SAFE.
type FaultHandler interface {
	MemManageFault(addr, status uint32)
}

// Access describes one memory access for CheckAccess.
type Access struct {
	Addr       uint32
	Write      bool
	Execute    bool
	Privileged bool
}

// Unit is the protection unit: a bank of simulated region registers and
// the access-check logic driving the fault path.
type Unit struct {
	mu      sync.Mutex
	log     *logging.Logger
	faults  FaultHandler
	regions [NumRegions]RegionConfig
	enabled bool

	violationCount uint32
}

// Option configures a Unit.
type Option func(*Unit)

// WithLogger attaches a diagnostic sink.
func WithLogger(l *logging.Logger) Option {
	return func(u *Unit) { u.log = l }
}

// WithFaultHandler routes access violations into the fault path.
func WithFaultHandler(h FaultHandler) Option {
	return func(u *Unit) { u.faults = h }
}

// NewUnit creates a disabled Unit with all regions clear.
func NewUnit(opts ...Option) *Unit {
	u := &Unit{log: logging.Nop()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Init disables the unit, programs the given regions, and re-enables
// with the privileged-default background policy.
func (u *Unit) Init(regions []RegionConfig) error {
	u.Disable()
	for _, r := range regions {
		if err := u.ConfigRegion(r); err != nil {
			return fmt.Errorf("mpu: region %d (%s): %w", r.Number, r.Name, err)
		}
	}
	u.Enable()
	u.log.Info("Memory protection configured", map[string]interface{}{
		"regions": len(regions),
	})
	return nil
}

// ConfigRegion programs one region. The base must be aligned to the
// region size. The region number select and the attribute write are one
// critical section so a concurrent check never sees a half-programmed
// region.
func (u *Unit) ConfigRegion(r RegionConfig) error {
	if r.Number < 0 || r.Number >= NumRegions {
		return ErrBadRegion
	}
	if uint64(r.BaseAddr)&(r.Size.Bytes()-1) != 0 {
		return ErrBadAlignment
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.regions[r.Number] = r
	return nil
}

// Enable activates protection with the privileged-default background:
// unmapped addresses stay accessible to privileged code only.
func (u *Unit) Enable() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enabled = true
}

// Disable deactivates protection.
func (u *Unit) Disable() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enabled = false
}

// IsEnabled reports whether protection is active.
func (u *Unit) IsEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enabled
}

// GetRegion returns the programmed configuration for a region number.
func (u *Unit) GetRegion(n int) (RegionConfig, error) {
	if n < 0 || n >= NumRegions {
		return RegionConfig{}, ErrBadRegion
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.regions[n], nil
}

// Regions returns all programmed regions.
func (u *Unit) Regions() []RegionConfig {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]RegionConfig, 0, NumRegions)
	for _, r := range u.regions {
		if r.Enabled || r.Size != 0 {
			out = append(out, r)
		}
	}
	return out
}

// DisableRegion turns off one region without clearing its attributes.
func (u *Unit) DisableRegion(n int) error {
	if n < 0 || n >= NumRegions {
		return ErrBadRegion
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.regions[n].Enabled = false
	return nil
}

// matchLocked returns the region governing addr. Overlapping regions
// resolve to the highest region number, matching hardware priority.
// A disabled subregion makes the address fall through this region.
func (u *Unit) matchLocked(addr uint32) (RegionConfig, bool) {
	for n := NumRegions - 1; n >= 0; n-- {
		r := u.regions[n]
		if !r.Enabled {
			continue
		}
		size := r.Size.Bytes()
		if uint64(addr) < uint64(r.BaseAddr) || uint64(addr) >= uint64(r.BaseAddr)+size {
			continue
		}
		if r.SubregionDisable != 0 {
			sub := (uint64(addr) - uint64(r.BaseAddr)) / (size / 8)
			if r.SubregionDisable&(1<<sub) != 0 {
				continue
			}
		}
		return r, true
	}
	return RegionConfig{}, false
}

// CheckAccess evaluates one access against the programmed regions. A
// denied access raises a memory fault through the fault handler and
// returns ErrAccessViolation. With the unit disabled every access is
// allowed.
func (u *Unit) CheckAccess(a Access) error {
	u.mu.Lock()
	if !u.enabled {
		u.mu.Unlock()
		return nil
	}
	region, ok := u.matchLocked(a.Addr)
	u.mu.Unlock()

	var status uint32
	switch {
	case !ok:
		// Privileged-default background region.
		if !a.Privileged {
			status = StatusNoRegion
		}
	case a.Execute && region.ExecuteNever:
		status = StatusExecuteDeny
	case !permits(region.AP, a.Write, a.Privileged):
		status = StatusPermission
	}

	if status == 0 {
		return nil
	}

	u.mu.Lock()
	u.violationCount++
	u.mu.Unlock()

	u.log.Error("Memory access violation", map[string]interface{}{
		"addr":   fmt.Sprintf("0x%08X", a.Addr),
		"status": status,
		"write":  a.Write,
	})
	if u.faults != nil {
		u.faults.MemManageFault(a.Addr, status)
	}
	return ErrAccessViolation
}

func permits(ap AccessPerm, write, privileged bool) bool {
	switch ap {
	case APNoAccess:
		return false
	case APPrivRW:
		return privileged
	case APPrivRWUserRO:
		if privileged {
			return true
		}
		return !write
	case APFullAccess:
		return true
	case APPrivRO:
		return privileged && !write
	case APReadOnly:
		return !write
	default:
		return false
	}
}

// ViolationCount returns the number of denied accesses since creation.
func (u *Unit) ViolationCount() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.violationCount
}

// RegionsYAML renders the programmed regions as YAML for diagnostics and
// config export.
func (u *Unit) RegionsYAML() (string, error) {
	out, err := yaml.Marshal(u.Regions())
	if err != nil {
		return "", fmt.Errorf("mpu: marshal regions: %w", err)
	}
	return string(out), nil
}
