package config

// Normalize applies post-validation normalization. It is allowed to
// mutate configuration and MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// Empty or blank bypass tokens never grant anything; drop them so the
	// authorization table only holds real entries.
	for token, operator := range cfg.Safety.BypassTokens {
		if token == "" || operator == "" {
			delete(cfg.Safety.BypassTokens, token)
		}
	}

	if cfg.Events.MQTT.Enabled {
		if cfg.Events.MQTT.ClientID == "" {
			cfg.Events.MQTT.ClientID = "lasercore"
		}
		if cfg.Events.MQTT.TopicPrefix == "" {
			cfg.Events.MQTT.TopicPrefix = "lasercore/events"
		}
	}
}
