package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ycx81/safety-supervisor/pkg/auth"
	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/mpu"
	"github.com/ycx81/safety-supervisor/pkg/params"
	"github.com/ycx81/safety-supervisor/pkg/safety"
	"github.com/ycx81/safety-supervisor/pkg/selftest"
	"github.com/ycx81/safety-supervisor/pkg/stack"
	"github.com/ycx81/safety-supervisor/pkg/watchdog"
)

type memStore struct{ data []byte }

func (m *memStore) ReadConfig() ([]byte, error) { return m.data, nil }

type fakeImage struct{ data []byte }

func (f *fakeImage) AppImage() []byte { return f.data }
func (f *fakeImage) StoredAppCRC() uint32 {
	n := len(f.data)
	return uint32(f.data[n-4]) | uint32(f.data[n-3])<<8 |
		uint32(f.data[n-2])<<16 | uint32(f.data[n-1])<<24
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *safety.Core) {
	t.Helper()
	clk := clock.NewFake(0)

	core := safety.New(clk, safety.DefaultConfig())
	if err := core.BeginStartupTest(); err != nil {
		t.Fatal(err)
	}
	if err := core.FinishStartupTest(); err != nil {
		t.Fatal(err)
	}
	if err := core.EnterOperation(); err != nil {
		t.Fatal(err)
	}

	wdg := watchdog.NewManager(clk, watchdog.NopTimer{})
	unit := mpu.NewUnit()
	if err := unit.Init(mpu.DefaultRegions()); err != nil {
		t.Fatal(err)
	}

	img := &fakeImage{data: make([]byte, 4100)}
	crc := params.CRC32(img.data[:4096])
	img.data[4096] = byte(crc)
	img.data[4097] = byte(crc >> 8)
	img.data[4098] = byte(crc >> 16)
	img.data[4099] = byte(crc >> 24)

	s := NewServer(":0", Deps{
		Core:      core,
		Watchdog:  wdg,
		Stacks:    stack.NewMonitor(clk),
		SelfTest:  selftest.NewEngine(clk, selftest.DefaultConfig(), img),
		Validator: params.NewValidator(clk, &memStore{data: make([]byte, 16384)}),
		MPU:       unit,
		Registry:  prometheus.NewRegistry(),
	}, nil, opts...)

	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, core
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, url, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthReflectsState(t *testing.T) {
	ts, core := newTestServer(t)

	if resp := get(t, ts.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", resp.StatusCode)
	}

	core.EnterSafeState(safety.ErrHardFault)
	if resp := get(t, ts.URL+"/health"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status in SAFE = %d, want 503", resp.StatusCode)
	}
}

func TestReadEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{
		"/api/status", "/api/errors", "/api/params", "/api/stacks",
		"/api/watchdog", "/api/selftest", "/api/mpu", "/metrics",
	} {
		if resp := get(t, ts.URL+path); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRecoverFromDegraded(t *testing.T) {
	ts, core := newTestServer(t)

	core.ReportError(safety.ErrFlashCRC, 0, 0)
	if got := core.GetState(); got != safety.StateDegraded {
		t.Fatalf("state = %s, want DEGRADED", got)
	}

	if resp := post(t, ts.URL+"/api/recover", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("recover = %d, want 200", resp.StatusCode)
	}
	if got := core.GetState(); got != safety.StateNormal {
		t.Errorf("state after recover = %s, want NORMAL", got)
	}
}

func TestRecoverConflictWhenSafe(t *testing.T) {
	ts, core := newTestServer(t)
	core.EnterSafeState(safety.ErrCPUTest)

	if resp := post(t, ts.URL+"/api/recover", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("recover in SAFE = %d, want 409", resp.StatusCode)
	}
}

func TestClearErrorConflictOutsideNormal(t *testing.T) {
	ts, core := newTestServer(t)
	core.ReportError(safety.ErrFlashCRC, 0, 0)

	if resp := post(t, ts.URL+"/api/errors/clear", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("clear in DEGRADED = %d, want 409", resp.StatusCode)
	}
}

func TestAPIKeyGuardsMutatingEndpoints(t *testing.T) {
	ts, core := newTestServer(t, WithAuth(auth.NewManager("k3y")))
	core.ReportError(safety.ErrFlashCRC, 0, 0)

	// Reads stay open.
	if resp := get(t, ts.URL+"/api/status"); resp.StatusCode != http.StatusOK {
		t.Errorf("unauthenticated read = %d, want 200", resp.StatusCode)
	}

	if resp := post(t, ts.URL+"/api/recover", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated recover = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/recover", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key recover = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/recover", "k3y"); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated recover = %d, want 200", resp.StatusCode)
	}
}
