// cmd/lasercored/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/photomed/lasercore/internal/buildinfo"
	"github.com/photomed/lasercore/internal/config"
	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/hal/actuator"
	"github.com/photomed/lasercore/internal/hal/camera"
	"github.com/photomed/lasercore/internal/hal/firmware"
	"github.com/photomed/lasercore/internal/hal/laser"
	"github.com/photomed/lasercore/internal/hal/thermal"
	"github.com/photomed/lasercore/internal/interlock"
	"github.com/photomed/lasercore/internal/logging"
	"github.com/photomed/lasercore/internal/protocol"
	"github.com/photomed/lasercore/internal/safety"
	"github.com/photomed/lasercore/internal/status"
	"github.com/photomed/lasercore/internal/watchdog"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: lasercored <config.yaml>")
		os.Exit(2)
	}

	// --------------------
	// Load + validate config. No hardware is touched before this passes.
	// --------------------

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config validation failed: %v\n", err)
		os.Exit(1)
	}
	config.Normalize(cfg)

	logging.Configure(logging.Config{Level: cfg.Log.Level})
	logger := logging.WithComponent("main")
	logger.Info().Str("version", buildinfo.Version).Msg("lasercored starting")

	// --------------------
	// Event plumbing: audit log, subscriber bus, optional MQTT bridge.
	// --------------------

	bus := event.NewBus(64)
	defer bus.Close()

	sinks := event.MultiSink{event.NewAuditSink(), bus}
	if cfg.Events.MQTT.Enabled {
		mq, err := event.NewMQTTSink(event.MQTTConfig{
			BrokerURL:   cfg.Events.MQTT.BrokerURL,
			ClientID:    cfg.Events.MQTT.ClientID,
			TopicPrefix: cfg.Events.MQTT.TopicPrefix,
		})
		if err != nil {
			// The bridge is best-effort; its absence never blocks startup.
			logger.Warn().Err(err).Msg("mqtt bridge unavailable, continuing without it")
		} else {
			defer mq.Close()
			sinks = append(sinks, mq)
		}
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	// --------------------
	// HAL controllers.
	// --------------------

	fw := firmware.New(firmware.Config{
		Address:  cfg.Devices.Firmware.Port,
		BaudRate: cfg.Devices.Firmware.BaudRate,
		Timeout:  time.Duration(cfg.Devices.Firmware.TimeoutMs) * time.Millisecond,
	}, sinks)
	drv := laser.New(laser.Config{
		Address:    cfg.Devices.Laser.Port,
		BaudRate:   cfg.Devices.Laser.BaudRate,
		Timeout:    time.Duration(cfg.Devices.Laser.TimeoutMs) * time.Millisecond,
		MaxPowerMW: cfg.Devices.Laser.MaxPowerMW,
	}, sinks)
	stage := actuator.New(actuator.Config{
		Address:      cfg.Devices.Actuator.Port,
		BaudRate:     cfg.Devices.Actuator.BaudRate,
		Timeout:      time.Duration(cfg.Devices.Actuator.TimeoutMs) * time.Millisecond,
		ToleranceMM:  cfg.Devices.Actuator.ToleranceMM,
		PollInterval: time.Duration(cfg.Devices.Actuator.PollMs) * time.Millisecond,
	}, sinks)
	tec := thermal.New(thermal.Config{
		Address:  cfg.Devices.Thermal.Port,
		BaudRate: cfg.Devices.Thermal.BaudRate,
		UnitID:   cfg.Devices.Thermal.UnitID,
		Timeout:  time.Duration(cfg.Devices.Thermal.TimeoutMs) * time.Millisecond,
	}, sinks)
	cam := camera.New(&camera.SimTransport{}, sinks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The firmware bridge is the safety backbone; without it there is no
	// watchdog and no interlock truth.
	if err := fw.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("firmware connect failed")
	}
	defer fw.Disconnect()

	for _, c := range []interface {
		Connect(context.Context) error
		Disconnect() error
	}{drv, stage, tec} {
		if err := c.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("device connect failed")
		}
		defer c.Disconnect()
	}
	if cfg.Devices.Camera.Enabled {
		if err := cam.Connect(ctx); err != nil {
			logger.Error().Err(err).Msg("camera connect failed, continuing without video")
		} else {
			defer cam.Disconnect()
		}
	}

	// --------------------
	// Safety core: aggregator, manager, interlock poller, watchdog.
	// --------------------

	agg := interlock.New(interlock.Config{
		Staleness: time.Duration(cfg.Safety.InterlockStalenessMs) * time.Millisecond,
	}, sinks, nil)

	auth := bypassAuth(cfg.Safety.BypassTokens)
	mgr := safety.New(safety.Config{
		PowerCeilingMW: cfg.Safety.LaserPowerCeilingMW,
	}, fw, drv, agg, auth, sinks)
	agg.OnDrop(func(sig interlock.Signal, snap interlock.Snapshot) {
		mgr.HandleInterlockDrop(ctx, sig, snap)
	})

	poller := interlock.NewPoller(interlock.PollerConfig{
		Interval:      time.Duration(cfg.Safety.InterlockPollMs) * time.Millisecond,
		MaxPowerMW:    cfg.Safety.LaserPowerCeilingMW,
		MinVibrationG: cfg.Safety.MotorVibrationMinG,
		MaxVibrationG: cfg.Safety.MotorVibrationMaxG,
	}, fw, agg)

	monitor, err := watchdog.New(watchdog.Config{
		Heartbeat:     time.Duration(cfg.Watchdog.HeartbeatMs) * time.Millisecond,
		Timeout:       time.Duration(cfg.Watchdog.TimeoutMs) * time.Millisecond,
		MissThreshold: cfg.Watchdog.MissThreshold,
	}, fw, agg, sinks)
	if err != nil {
		logger.Fatal().Err(err).Msg("watchdog setup failed")
	}

	// --------------------
	// Protocol engine.
	// --------------------

	engine := protocol.New(protocol.Config{
		ActionTimeout: time.Duration(cfg.Protocol.ActionTimeoutSec) * time.Second,
		MaxRetries:    cfg.Protocol.MaxRetries,
		RetryDelay:    time.Duration(cfg.Protocol.RetryDelaySec) * time.Second,
		RampStep:      time.Duration(cfg.Protocol.RampStepMs) * time.Millisecond,
	}, stage, drv, mgr, parameterTable(fw, tec), sinks)

	// --------------------
	// Collaborator surfaces.
	// --------------------

	registry := status.NewRegistry(mgr, agg, monitor)
	registry.Register(fw)
	registry.Register(drv)
	registry.Register(stage)
	registry.Register(tec)
	registry.Register(cam)

	// The smoothing motor is expected (and its health enforced) only while
	// treating.
	stateCh, unsubscribe := bus.Subscribe(event.TypeSafetyState)
	defer unsubscribe()
	go func() {
		for ev := range stateCh {
			treating := ev.Fields["to"] == string(safety.StateTreating)
			poller.ExpectMotor(treating)
		}
	}()

	// --------------------
	// Run loops. The watchdog heartbeat is stopped last on the way down so
	// the hardware timer never fires during an orderly shutdown.
	// --------------------

	var wg sync.WaitGroup
	wdCtx, stopWatchdog := context.WithCancel(context.Background())

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("interlock poller stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := monitor.Run(wdCtx); err != nil && wdCtx.Err() == nil {
			logger.Error().Err(err).Msg("watchdog monitor stopped")
		}
	}()

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case s := <-sig:
			logger.Info().Str("signal", s.String()).Msg("shutting down")
			running = false
		case <-statusTicker.C:
			rep := registry.Collect()
			logger.Debug().
				Str("state", string(rep.Safety.State)).
				Bool("permission", rep.Permission).
				Bool("interlocks_ok", rep.Interlocks.AllOK()).
				Msg("status")
		}
	}

	// Ordered shutdown: stop new work, park the engine, drop outputs, then
	// silence the heartbeat.
	_ = engine.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = mgr.EmergencyStop(shutdownCtx, "shutdown")
	cancelShutdown()
	cancel()
	stopWatchdog()
	wg.Wait()
	logger.Info().Msg("lasercored stopped")
}

// bypassAuth builds the calibration bypass check from the configured token
// table. The check is pure; the table never changes after startup.
func bypassAuth(tokens map[string]string) safety.AuthFunc {
	if len(tokens) == 0 {
		return safety.DenyAll
	}
	return func(token string) (string, bool) {
		operator, ok := tokens[token]
		return operator, ok
	}
}

// parameterTable routes SetParameter actions to device commands.
func parameterTable(fw *firmware.Bridge, tec *thermal.TEC) protocol.ParameterFunc {
	return func(ctx context.Context, key, value string) error {
		switch key {
		case "tec_setpoint_c":
			degC, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("parameter %s: %w", key, err)
			}
			return tec.SetSetpoint(ctx, degC)
		case "motor_speed":
			speed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("parameter %s: %w", key, err)
			}
			return fw.SetMotorSpeed(ctx, speed)
		case "accel_threshold_g":
			g, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("parameter %s: %w", key, err)
			}
			return fw.SetAccelThreshold(ctx, g)
		default:
			return fmt.Errorf("unknown parameter %q", key)
		}
	}
}
