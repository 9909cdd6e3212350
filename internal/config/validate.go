package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Validate checks configuration correctness. It performs declarative
// validation only and MUST NOT mutate configuration. Any error here is
// fatal at startup; no hardware connection may be attempted first.
func Validate(cfg *Config) error {
	// ------------------------------------------------------------
	// WATCHDOG TIMING
	// ------------------------------------------------------------

	// The heartbeat period must be strictly under the remote hardware
	// timeout, or the timer expires during normal operation.
	if cfg.Watchdog.HeartbeatMs <= 0 {
		return fmt.Errorf("watchdog: heartbeat_ms must be > 0, got %d", cfg.Watchdog.HeartbeatMs)
	}
	if cfg.Watchdog.TimeoutMs <= 0 {
		return fmt.Errorf("watchdog: timeout_ms must be > 0, got %d", cfg.Watchdog.TimeoutMs)
	}
	if cfg.Watchdog.HeartbeatMs >= cfg.Watchdog.TimeoutMs {
		return fmt.Errorf("watchdog: heartbeat_ms (%d) must be < timeout_ms (%d)",
			cfg.Watchdog.HeartbeatMs, cfg.Watchdog.TimeoutMs)
	}
	if cfg.Watchdog.MissThreshold < 1 {
		return fmt.Errorf("watchdog: miss_threshold must be >= 1, got %d", cfg.Watchdog.MissThreshold)
	}

	// ------------------------------------------------------------
	// SAFETY LIMITS
	// ------------------------------------------------------------

	if cfg.Safety.LaserPowerCeilingMW <= 0 {
		return fmt.Errorf("safety: laser_power_ceiling_mw must be > 0, got %.1f",
			cfg.Safety.LaserPowerCeilingMW)
	}
	if cfg.Safety.InterlockStalenessMs <= 0 {
		return fmt.Errorf("safety: interlock_staleness_ms must be > 0")
	}
	if cfg.Safety.InterlockPollMs <= 0 {
		return fmt.Errorf("safety: interlock_poll_ms must be > 0")
	}
	if cfg.Safety.InterlockPollMs >= cfg.Safety.InterlockStalenessMs {
		return fmt.Errorf("safety: interlock_poll_ms (%d) must be < interlock_staleness_ms (%d) or every reading arrives stale",
			cfg.Safety.InterlockPollMs, cfg.Safety.InterlockStalenessMs)
	}
	if cfg.Safety.MotorVibrationMinG < 0 || cfg.Safety.MotorVibrationMinG >= cfg.Safety.MotorVibrationMaxG {
		return fmt.Errorf("safety: motor vibration band [%.2f, %.2f] is not a valid range",
			cfg.Safety.MotorVibrationMinG, cfg.Safety.MotorVibrationMaxG)
	}

	// ------------------------------------------------------------
	// PROTOCOL ENGINE
	// ------------------------------------------------------------

	if cfg.Protocol.ActionTimeoutSec <= 0 {
		return fmt.Errorf("protocol: action_timeout_sec must be > 0")
	}
	if cfg.Protocol.MaxRetries < 1 {
		return fmt.Errorf("protocol: max_retries must be >= 1, got %d", cfg.Protocol.MaxRetries)
	}
	if cfg.Protocol.RetryDelaySec < 0 {
		return fmt.Errorf("protocol: retry_delay_sec must be >= 0")
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	if cfg.Devices.Firmware.Port == "" {
		return fmt.Errorf("devices: firmware.port is required")
	}
	if cfg.Devices.Laser.Port == "" {
		return fmt.Errorf("devices: laser.port is required")
	}
	if cfg.Devices.Laser.MaxPowerMW <= 0 {
		return fmt.Errorf("devices: laser.max_power_mw must be > 0")
	}
	if cfg.Devices.Laser.MaxPowerMW < cfg.Safety.LaserPowerCeilingMW {
		return fmt.Errorf("devices: laser.max_power_mw (%.1f) is below safety.laser_power_ceiling_mw (%.1f)",
			cfg.Devices.Laser.MaxPowerMW, cfg.Safety.LaserPowerCeilingMW)
	}
	if cfg.Devices.Actuator.Port == "" {
		return fmt.Errorf("devices: actuator.port is required")
	}
	if cfg.Devices.Actuator.ToleranceMM <= 0 {
		return fmt.Errorf("devices: actuator.tolerance_mm must be > 0")
	}
	if cfg.Devices.Thermal.Port == "" {
		return fmt.Errorf("devices: thermal.port is required")
	}

	// Distinct devices must not share a serial port.
	ports := map[string]string{}
	for name, port := range map[string]string{
		"firmware": cfg.Devices.Firmware.Port,
		"laser":    cfg.Devices.Laser.Port,
		"actuator": cfg.Devices.Actuator.Port,
		"thermal":  cfg.Devices.Thermal.Port,
	} {
		if prev, taken := ports[port]; taken {
			return fmt.Errorf("devices: %s and %s share port %s", prev, name, port)
		}
		ports[port] = name
	}

	// ------------------------------------------------------------
	// AMBIENT
	// ------------------------------------------------------------

	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	if cfg.Events.MQTT.Enabled && cfg.Events.MQTT.BrokerURL == "" {
		return fmt.Errorf("events: mqtt.broker_url is required when mqtt is enabled")
	}

	return nil
}
