package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8787,
		},
		Channels: ChannelsConfig{
			Sc3Bot: Sc3BotConfig{},
		},
		Host: HostConfig{
			Dispatcher:     "echo",
			TimeoutSeconds: 120,
		},
		Pairing: PairingConfig{
			DBPath:         "~/.sc3bridge/pairing.db",
			TTLDays:        30,
			CodeTTLMinutes: 60,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
