// Package config defines the startup configuration surface. Everything is
// loaded and validated before any hardware connection is attempted; no
// component reads ambient configuration state.
package config

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Safety   SafetyConfig   `yaml:"safety"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Devices  DevicesConfig  `yaml:"devices"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ---- LOGGING ----

type LogConfig struct {
	Level string `yaml:"level"` // zerolog level name
}

// ---- WATCHDOG ----

type WatchdogConfig struct {
	HeartbeatMs   int `yaml:"heartbeat_ms"`
	TimeoutMs     int `yaml:"timeout_ms"`
	MissThreshold int `yaml:"miss_threshold"`
}

// ---- SAFETY ----

type SafetyConfig struct {
	LaserPowerCeilingMW  float64 `yaml:"laser_power_ceiling_mw"`
	InterlockStalenessMs int     `yaml:"interlock_staleness_ms"`
	InterlockPollMs      int     `yaml:"interlock_poll_ms"`

	// Vibration band for a healthy running smoothing motor.
	MotorVibrationMinG float64 `yaml:"motor_vibration_min_g"`
	MotorVibrationMaxG float64 `yaml:"motor_vibration_max_g"`

	// BypassTokens maps calibration tokens to the operator they identify.
	// Research-mode only; empty means bypass is never granted.
	BypassTokens map[string]string `yaml:"bypass_tokens"`
}

// ---- PROTOCOL ENGINE ----

type ProtocolConfig struct {
	ActionTimeoutSec int `yaml:"action_timeout_sec"`
	MaxRetries       int `yaml:"max_retries"`
	RetryDelaySec    int `yaml:"retry_delay_sec"`
	RampStepMs       int `yaml:"ramp_step_ms"`
}

// ---- DEVICES ----

type DevicesConfig struct {
	Firmware SerialConfig  `yaml:"firmware"`
	Laser    LaserConfig   `yaml:"laser"`
	Actuator StageConfig   `yaml:"actuator"`
	Thermal  ThermalConfig `yaml:"thermal"`
	Camera   CameraConfig  `yaml:"camera"`
}

type SerialConfig struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type LaserConfig struct {
	SerialConfig `yaml:",inline"`
	MaxPowerMW   float64 `yaml:"max_power_mw"`
}

type StageConfig struct {
	SerialConfig `yaml:",inline"`
	ToleranceMM  float64 `yaml:"tolerance_mm"`
	PollMs       int     `yaml:"poll_ms"`
}

type ThermalConfig struct {
	SerialConfig `yaml:",inline"`
	UnitID       uint8 `yaml:"unit_id"`
}

type CameraConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ---- EVENTS ----

type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ---- METRICS ----

type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9090"; empty disables the endpoint
}
