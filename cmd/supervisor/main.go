package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ycx81/safety-supervisor/pkg/api"
	"github.com/ycx81/safety-supervisor/pkg/auth"
	"github.com/ycx81/safety-supervisor/pkg/clock"
	"github.com/ycx81/safety-supervisor/pkg/config"
	"github.com/ycx81/safety-supervisor/pkg/flow"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/metrics"
	"github.com/ycx81/safety-supervisor/pkg/monitor"
	"github.com/ycx81/safety-supervisor/pkg/mpu"
	"github.com/ycx81/safety-supervisor/pkg/params"
	"github.com/ycx81/safety-supervisor/pkg/safety"
	"github.com/ycx81/safety-supervisor/pkg/selftest"
	"github.com/ycx81/safety-supervisor/pkg/shutdown"
	"github.com/ycx81/safety-supervisor/pkg/stack"
	"github.com/ycx81/safety-supervisor/pkg/storage"
	"github.com/ycx81/safety-supervisor/pkg/watchdog"
)

// blankCRC is the stored application CRC of a freshly erased image.
const blankCRC = 0xFFFFFFFF

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON).
		WithField("component", "supervisor")

	if err := run(cfg, log); err != nil {
		log.Fatal("Supervisor failed", map[string]interface{}{"error": err.Error()})
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	clk := clock.NewSystem()

	store, err := storage.Open(cfg.FlashImage, log.WithField("component", "storage"))
	if err != nil {
		return err
	}
	if err := store.SeedDefaults(); err != nil {
		return err
	}
	// A fresh image carries no application CRC yet; seal it once so the
	// flash self-test has a valid reference.
	if store.StoredAppCRC() == blankCRC {
		if err := store.SealApp(); err != nil {
			return err
		}
	}

	core := safety.New(clk, safety.Config{
		DegradedModeEnabled: cfg.Safety.DegradedModeEnabled,
		DegradedTimeoutMS:   cfg.Safety.DegradedTimeoutMS,
		FeedWhileSafe:       cfg.Safety.FeedWhileSafe,
		ErrorLogSize:        cfg.Safety.ErrorLogSize,
	}, safety.WithLogger(log.WithField("component", "safety")))

	bootCount, err := store.IncrementBootCount()
	if err != nil {
		return err
	}
	log.Info("Supervisor starting", map[string]interface{}{"boot_count": bootCount})

	timer := watchdog.NewSoftTimer(clk, cfg.Watchdog.TimeoutMS)
	wdg := watchdog.NewManager(clk, timer,
		watchdog.WithReporter(core),
		watchdog.WithLogger(log.WithField("component", "watchdog")),
		watchdog.WithFeedPeriod(cfg.Watchdog.FeedPeriodMS),
		watchdog.WithTokenTimeout(cfg.Watchdog.TokenTimeoutMS),
		watchdog.WithWindowWatchdog(cfg.Watchdog.WindowEnabled),
	)

	flowMon := flow.NewMonitor(clk,
		flow.WithReporter(core),
		flow.WithLogger(log.WithField("component", "flow")),
	)

	stacks := stack.NewMonitor(clk,
		stack.WithReporter(core),
		stack.WithLogger(log.WithField("component", "stack")),
	)
	for _, t := range []*stack.Task{
		stack.NewTask("safety_monitor", 2048),
		stack.NewTask("main_task", 4096),
		stack.NewTask("comm_task", 2048),
	} {
		if err := stacks.Register(t); err != nil {
			return err
		}
	}

	validator := params.NewValidator(clk, store,
		params.WithReporter(core),
		params.WithLogger(log.WithField("component", "params")),
	)

	tests := selftest.NewEngine(clk, selftest.Config{
		CPUTestEnabled:        cfg.SelfTest.CPUTestEnabled,
		RAMTestEnabled:        cfg.SelfTest.RAMTestEnabled,
		FlashTestEnabled:      cfg.SelfTest.FlashTestEnabled,
		ClockTestEnabled:      cfg.SelfTest.ClockTestEnabled,
		BlockSize:             cfg.SelfTest.BlockSize,
		ClockTolerancePercent: cfg.SelfTest.ClockTolerancePercent,
	}, store,
		selftest.WithReporter(core),
		selftest.WithLogger(log.WithField("component", "selftest")),
	)

	unit := mpu.NewUnit(
		mpu.WithFaultHandler(core),
		mpu.WithLogger(log.WithField("component", "mpu")),
	)

	mon := monitor.New(clk, cfg.Monitor, monitor.Deps{
		Core:      core,
		Watchdog:  wdg,
		Flow:      flowMon,
		Stacks:    stacks,
		SelfTest:  tests,
		Validator: validator,
	}, log.WithField("component", "monitor"))

	reg := prometheus.NewRegistry()
	exporter := metrics.NewExporter(metrics.Deps{
		Core:      core,
		Watchdog:  wdg,
		Stacks:    stacks,
		SelfTest:  tests,
		Validator: validator,
		Monitor:   mon,
	})
	reg.MustRegister(exporter)

	core.RegisterErrorCallback(exporter.ObserveError)
	core.RegisterStateCallback(func(old, new safety.State) {
		switch new {
		case safety.StateDegraded:
			wdg.EnterDegraded()
		case safety.StateSafe:
			// The SAFE cause must survive the coming reset.
			if err := store.RecordLastError(uint32(core.LastError())); err != nil {
				log.Error("Failed to persist last error", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	})

	if err := startup(core, flowMon, tests, validator, unit, wdg, store, log); err != nil {
		log.Error("Startup sequence failed, system is in SAFE state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	sm := shutdown.New(15 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	go mon.Run(ctx)
	go runMainTask(ctx, core, wdg, flowMon, stacks)
	go runCommTask(ctx, core, wdg, flowMon)
	go watchExpiry(ctx, timer, core, sm, log)

	apiOpts := []api.Option{api.WithAuth(auth.NewManager(cfg.APIKey))}
	if cfg.TLSCertFile != "" {
		apiOpts = append(apiOpts, api.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	}
	server := api.NewServer(cfg.ListenAddr, api.Deps{
		Core:      core,
		Watchdog:  wdg,
		Stacks:    stacks,
		SelfTest:  tests,
		Validator: validator,
		MPU:       unit,
		Registry:  reg,
	}, log.WithField("component", "api"), apiOpts...)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("API server error", map[string]interface{}{"error": err.Error()})
			sm.Trigger()
		}
	}()

	sm.Register(shutdown.StopHTTPServer(server, "api"))
	sm.Register(func(context.Context) error {
		cancel()
		return nil
	})
	sm.Register(shutdown.CloseResource(store, "flash image"))

	sm.Wait()
	sm.Shutdown()
	return nil
}

// startup runs the boot-to-operation sequence: memory protection first,
// then stored record validation, the self-test battery, and the final
// transition to NORMAL with the watchdog armed.
func startup(core *safety.Core, flowMon *flow.Monitor, tests *selftest.Engine,
	validator *params.Validator, unit *mpu.Unit, wdg *watchdog.Manager,
	store *storage.FlashStore, log *logging.Logger) error {

	flowMon.Checkpoint(flow.CPAppInit)

	if err := unit.Init(mpu.DefaultRegions()); err != nil {
		return err
	}
	core.SetMPUEnabled(unit.IsEnabled())

	if err := core.BeginStartupTest(); err != nil {
		return err
	}

	flowMon.Checkpoint(flow.CPSelfTestStart)
	result := tests.RunStartup()
	flowMon.Checkpoint(flow.CPSelfTestEnd)
	if result != selftest.ResultPass {
		// Critical test failures latch SAFE on their own; force it for
		// the rest so a failed battery never reaches operation.
		core.EnterSafeState(core.LastError())
		return fmt.Errorf("startup self-test failed: %s", result)
	}
	if err := core.FinishStartupTest(); err != nil {
		return err
	}

	flowMon.Checkpoint(flow.CPParamCheck)
	if bootCfg, err := store.ReadBootConfig(); err == nil {
		if r := validator.ValidateBootConfig(bootCfg); r != params.Valid {
			log.Warn("Boot config record invalid", map[string]interface{}{
				"result": r.String(),
			})
		}
	}
	core.SetParamsValid(validator.ValidateStored() == params.Valid)

	if err := core.EnterOperation(); err != nil {
		return err
	}

	wdg.Start()
	core.SetWatchdogActive(true)
	log.Info("Entered normal operation")
	return nil
}

// runMainTask simulates the main control task: it reports its liveness
// token and hits its flow checkpoint every cycle.
func runMainTask(ctx context.Context, core *safety.Core, wdg *watchdog.Manager,
	flowMon *flow.Monitor, stacks *stack.Monitor) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-core.Halted():
			return
		case <-ticker.C:
			wdg.ReportToken(watchdog.TokenMain)
			flowMon.Checkpoint(flow.CPMainLoop)
		}
	}
}

// runCommTask simulates the communication task.
func runCommTask(ctx context.Context, core *safety.Core, wdg *watchdog.Manager,
	flowMon *flow.Monitor) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-core.Halted():
			return
		case <-ticker.C:
			wdg.ReportToken(watchdog.TokenComm)
			flowMon.Checkpoint(flow.CPCommHandler)
		}
	}
}

// watchExpiry polls the software watchdog timer. Expiry is the simulated
// hardware reset: the process shuts down.
func watchExpiry(ctx context.Context, timer *watchdog.SoftTimer, core *safety.Core,
	sm *shutdown.Manager, log *logging.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if timer.Expired() {
				log.Error("Watchdog expired, resetting", map[string]interface{}{
					"state": core.GetState().String(),
				})
				sm.Trigger()
				return
			}
		}
	}
}
