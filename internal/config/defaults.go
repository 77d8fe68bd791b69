package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.wabridge",
		},
		Session: SessionConfig{
			StorePath:  "~/.wabridge/session.db",
			DeviceName: "WhatsApp Agent",
		},
		Reasoner: ReasonerConfig{
			URL:          "http://localhost:8000/assistant",
			InputParam:   "input",
			ReadyMessage: "Bot connected.",
		},
		Relay: RelayConfig{
			MaxConcurrent: 5,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			Jitter:         true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}
