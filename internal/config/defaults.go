package config

// applyDefaults fills unset fields. It runs before Validate so that a
// minimal file only has to name ports.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Watchdog.HeartbeatMs == 0 {
		cfg.Watchdog.HeartbeatMs = 500
	}
	if cfg.Watchdog.TimeoutMs == 0 {
		cfg.Watchdog.TimeoutMs = 1000
	}
	if cfg.Watchdog.MissThreshold == 0 {
		cfg.Watchdog.MissThreshold = 1
	}

	if cfg.Safety.InterlockStalenessMs == 0 {
		cfg.Safety.InterlockStalenessMs = 500
	}
	if cfg.Safety.InterlockPollMs == 0 {
		cfg.Safety.InterlockPollMs = 100
	}
	if cfg.Safety.MotorVibrationMaxG == 0 {
		cfg.Safety.MotorVibrationMaxG = 2.0
	}

	if cfg.Protocol.ActionTimeoutSec == 0 {
		cfg.Protocol.ActionTimeoutSec = 60
	}
	if cfg.Protocol.MaxRetries == 0 {
		cfg.Protocol.MaxRetries = 3
	}
	if cfg.Protocol.RetryDelaySec == 0 {
		cfg.Protocol.RetryDelaySec = 1
	}
	if cfg.Protocol.RampStepMs == 0 {
		cfg.Protocol.RampStepMs = 100
	}

	serialDefaults(&cfg.Devices.Firmware, 115200)
	serialDefaults(&cfg.Devices.Laser.SerialConfig, 9600)
	serialDefaults(&cfg.Devices.Actuator.SerialConfig, 9600)
	serialDefaults(&cfg.Devices.Thermal.SerialConfig, 19200)
	if cfg.Devices.Actuator.ToleranceMM == 0 {
		cfg.Devices.Actuator.ToleranceMM = 0.01
	}
	if cfg.Devices.Actuator.PollMs == 0 {
		cfg.Devices.Actuator.PollMs = 50
	}
	if cfg.Devices.Thermal.UnitID == 0 {
		cfg.Devices.Thermal.UnitID = 1
	}
}

func serialDefaults(s *SerialConfig, baud int) {
	if s.BaudRate == 0 {
		s.BaudRate = baud
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = 500
	}
}
