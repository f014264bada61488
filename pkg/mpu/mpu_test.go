package mpu

import (
	"testing"
)

type captureFaults struct {
	addrs  []uint32
	status []uint32
}

func (f *captureFaults) MemManageFault(addr, status uint32) {
	f.addrs = append(f.addrs, addr)
	f.status = append(f.status, status)
}

func newEnabledUnit(t *testing.T, faults FaultHandler) *Unit {
	t.Helper()
	opts := []Option{}
	if faults != nil {
		opts = append(opts, WithFaultHandler(faults))
	}
	u := NewUnit(opts...)
	if err := u.Init(DefaultRegions()); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestDefaultRegionsProgramCleanly(t *testing.T) {
	u := NewUnit()
	if err := u.Init(DefaultRegions()); err != nil {
		t.Fatal(err)
	}
	if !u.IsEnabled() {
		t.Error("unit not enabled after Init")
	}
	if got := len(u.Regions()); got != 6 {
		t.Errorf("programmed regions = %d, want 6", got)
	}
}

func TestAlignmentCheck(t *testing.T) {
	u := NewUnit()

	tests := []struct {
		name    string
		base    uint32
		size    SizeCode
		wantErr error
	}{
		{"aligned 16KB", 0x0800C000, Size16KB, nil},
		{"aligned 512KB", 0x08000000, Size512KB, nil},
		{"misaligned 512KB", 0x08010000, Size512KB, ErrBadAlignment},
		{"misaligned 64KB", 0x08001000, Size64KB, ErrBadAlignment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := u.ConfigRegion(RegionConfig{
				Number: 7, BaseAddr: tt.base, Size: tt.size, AP: APFullAccess,
			})
			if err != tt.wantErr {
				t.Errorf("ConfigRegion = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := u.ConfigRegion(RegionConfig{Number: 8}); err != ErrBadRegion {
		t.Errorf("region 8: err = %v, want ErrBadRegion", err)
	}
	if err := u.ConfigRegion(RegionConfig{Number: -1}); err != ErrBadRegion {
		t.Errorf("region -1: err = %v, want ErrBadRegion", err)
	}
}

func TestAccessMatrix(t *testing.T) {
	tests := []struct {
		name string
		a    Access
		deny bool
	}{
		{"read app flash", Access{Addr: 0x08020000, Privileged: true}, false},
		{"execute app flash", Access{Addr: 0x08020000, Execute: true, Privileged: true}, false},
		{"write app flash", Access{Addr: 0x08020000, Write: true, Privileged: true}, true},
		{"read top of app flash", Access{Addr: 0x08078000, Privileged: true}, false},
		{"user read top of app flash", Access{Addr: 0x08078000}, false},
		{"execute top of app flash", Access{Addr: 0x08078000, Execute: true, Privileged: true}, false},
		{"write top of app flash", Access{Addr: 0x08078000, Write: true, Privileged: true}, true},
		{"read write sram", Access{Addr: 0x20001000, Write: true}, false},
		{"execute sram", Access{Addr: 0x20001000, Execute: true, Privileged: true}, true},
		{"execute ccm", Access{Addr: 0x10000100, Execute: true, Privileged: true}, true},
		{"write peripheral", Access{Addr: 0x40020000, Write: true}, false},
		{"execute peripheral", Access{Addr: 0x40020000, Execute: true}, true},
		{"priv read config flash", Access{Addr: 0x0800C100, Privileged: true}, false},
		{"priv write config flash", Access{Addr: 0x0800C100, Write: true, Privileged: true}, true},
		{"user read config flash", Access{Addr: 0x0800C100}, true},
		{"priv read bootloader", Access{Addr: 0x08001000, Privileged: true}, false},
		{"priv write bootloader", Access{Addr: 0x08001000, Write: true, Privileged: true}, true},
		{"priv unmapped", Access{Addr: 0xE0000000, Privileged: true}, false},
		{"user unmapped", Access{Addr: 0xE0000000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faults := &captureFaults{}
			u := newEnabledUnit(t, faults)

			err := u.CheckAccess(tt.a)
			if tt.deny && err != ErrAccessViolation {
				t.Errorf("CheckAccess = %v, want ErrAccessViolation", err)
			}
			if !tt.deny && err != nil {
				t.Errorf("CheckAccess = %v, want allowed", err)
			}
			if tt.deny && len(faults.addrs) != 1 {
				t.Errorf("fault handler calls = %d, want 1", len(faults.addrs))
			}
		})
	}
}

func TestSubregionDisable(t *testing.T) {
	u := newEnabledUnit(t, nil)

	// The boot flash region (priv-RO, 64KB, top quarter disabled via
	// subregions 6 and 7) stops governing at 0x0800C000, where the
	// config flash region takes over.
	if err := u.CheckAccess(Access{Addr: 0x08001000, Write: true, Privileged: true}); err == nil {
		t.Error("write inside active boot subregion allowed")
	}
	// 0x0800C000 falls in a disabled subregion of region 5; region 4
	// governs and is also priv-RO, so a privileged read passes.
	if err := u.CheckAccess(Access{Addr: 0x0800D000, Privileged: true}); err != nil {
		t.Errorf("read in config flash denied: %v", err)
	}
}

func TestHighestRegionNumberWins(t *testing.T) {
	u := newEnabledUnit(t, nil)

	// 0x08001000 falls in the bootloader quarter: region 0's bottom
	// subregion is disabled there, so region 5 (priv-RO bootloader)
	// governs and an unprivileged read is denied.
	if err := u.CheckAccess(Access{Addr: 0x08001000}); err != ErrAccessViolation {
		t.Errorf("unprivileged bootloader read = %v, want ErrAccessViolation", err)
	}
	// The same unprivileged read in app flash above the bootloader
	// region is allowed by region 0.
	if err := u.CheckAccess(Access{Addr: 0x08020000}); err != nil {
		t.Errorf("unprivileged app flash read denied: %v", err)
	}
}

func TestDisabledUnitAllowsEverything(t *testing.T) {
	u := newEnabledUnit(t, nil)
	u.Disable()

	if err := u.CheckAccess(Access{Addr: 0x20001000, Execute: true}); err != nil {
		t.Errorf("disabled unit denied access: %v", err)
	}
}

func TestDisableRegion(t *testing.T) {
	u := newEnabledUnit(t, nil)
	if err := u.DisableRegion(1); err != nil {
		t.Fatal(err)
	}
	// With the SRAM region off, the privileged-default background
	// applies: privileged passes, unprivileged does not.
	if err := u.CheckAccess(Access{Addr: 0x20001000, Privileged: true}); err != nil {
		t.Errorf("privileged access after region disable: %v", err)
	}
	if err := u.CheckAccess(Access{Addr: 0x20001000}); err != ErrAccessViolation {
		t.Errorf("unprivileged access after region disable = %v, want ErrAccessViolation", err)
	}
}

func TestFaultStatusBits(t *testing.T) {
	faults := &captureFaults{}
	u := newEnabledUnit(t, faults)

	u.CheckAccess(Access{Addr: 0x20001000, Execute: true, Privileged: true})
	u.CheckAccess(Access{Addr: 0x08020000, Write: true, Privileged: true})
	u.CheckAccess(Access{Addr: 0xE0000000})

	want := []uint32{StatusExecuteDeny, StatusPermission, StatusNoRegion}
	if len(faults.status) != len(want) {
		t.Fatalf("fault count = %d, want %d", len(faults.status), len(want))
	}
	for i, s := range want {
		if faults.status[i] != s {
			t.Errorf("fault %d status = 0x%02X, want 0x%02X", i, faults.status[i], s)
		}
	}
	if got := u.ViolationCount(); got != 3 {
		t.Errorf("violation count = %d, want 3", got)
	}
}

func TestRegionsYAML(t *testing.T) {
	u := newEnabledUnit(t, nil)
	out, err := u.RegionsYAML()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Error("empty YAML output")
	}
}
