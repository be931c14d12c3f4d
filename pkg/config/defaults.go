package config

// DefaultConfig returns a config with every subsystem in a runnable default
// state. The gateway binds loopback only.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              18789,
			OutboundQueueSize: 64,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Policy: PolicyPairing},
			WhatsApp: WhatsAppConfig{Policy: PolicyPairing, DBPath: "~/.helix/whatsapp.db"},
			Discord:  DiscordConfig{Policy: PolicyAllowlist},
			Slack:    SlackConfig{Policy: PolicyAllowlist},
			Signal:   SignalConfig{Policy: PolicyPairing, CLIURL: "http://localhost:8080"},
		},
		Hooks: map[string]HookConfig{},
		Voice: VoiceConfig{
			Mode:            "off",
			WakeWords:       FlexibleStringSlice{"helix"},
			WakeSensitivity: 0.5,
			WakeConfirmTone: true,
			AutoStopSec:     30,
			STT: STTConfig{
				Provider: "whisper",
				APIBase:  "http://localhost:8200",
				Model:    "whisper-large-v3",
			},
			TTS: TTSConfig{
				Provider: "kokoro",
				APIBase:  "http://localhost:8102",
				Voice:    "af_nova",
			},
			VAD: VADConfig{
				EnergyThreshold:  0.012,
				SpeechConfirmMs:  100,
				SilenceConfirmMs: 1500,
				MinSpeechMs:      250,
			},
			Recorder: AudioIOConfig{SampleRate: 16000},
			Player:   AudioIOConfig{SampleRate: 16000},
		},
		Auth: AuthConfig{
			Profiles: map[string]AuthProfile{
				"default": {Scopes: []string{"config.read", "node.read"}},
				"admin":   {Scopes: []string{"config.read", "config.write", "node.read", "voice", "admin"}},
			},
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			MaxRPM:   60,
		},
		Timeouts: TimeoutsConfig{
			HandshakeSec:     10,
			MethodSec:        30,
			HookCommandSec:   5,
			STTSec:           60,
			TTSSec:           60,
			ThinkerSec:       120,
			EnqueueMs:        2000,
			HookCoalesceAt:   100,
			PairingExpirySec: 3600,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}
