package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the full configuration tree persisted under the user data
// directory. Secret values live in the sibling secrets namespace, never here.
type Config struct {
	Gateway  GatewayConfig         `json:"gateway"`
	Channels ChannelsConfig        `json:"channels"`
	Hooks    map[string]HookConfig `json:"hooks"`
	Voice    VoiceConfig           `json:"voice"`
	Auth     AuthConfig            `json:"auth"`
	LLM      LLMConfig             `json:"llm"`
	Timeouts TimeoutsConfig        `json:"timeouts"`
	Logging  LoggingConfig         `json:"logging"`
}

type GatewayConfig struct {
	Host              string `json:"host" env:"HELIX_GATEWAY_HOST"`
	Port              int    `json:"port" env:"HELIX_GATEWAY_PORT"`
	OutboundQueueSize int    `json:"outbound_queue_size" env:"HELIX_GATEWAY_OUTBOUND_QUEUE_SIZE"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	Signal   SignalConfig   `json:"signal"`
}

// ChannelPolicy controls who may talk to the assistant on a channel.
// One of "open", "allowlist", "pairing".
type ChannelPolicy string

const (
	PolicyOpen      ChannelPolicy = "open"
	PolicyAllowlist ChannelPolicy = "allowlist"
	PolicyPairing   ChannelPolicy = "pairing"
)

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"HELIX_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"HELIX_CHANNELS_TELEGRAM_TOKEN"`
	Proxy     string              `json:"proxy" env:"HELIX_CHANNELS_TELEGRAM_PROXY"`
	Policy    ChannelPolicy       `json:"policy" env:"HELIX_CHANNELS_TELEGRAM_POLICY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"HELIX_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled" env:"HELIX_CHANNELS_WHATSAPP_ENABLED"`
	DBPath    string              `json:"db_path" env:"HELIX_CHANNELS_WHATSAPP_DB_PATH"`
	Policy    ChannelPolicy       `json:"policy" env:"HELIX_CHANNELS_WHATSAPP_POLICY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"HELIX_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"HELIX_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"HELIX_CHANNELS_DISCORD_TOKEN"`
	Policy    ChannelPolicy       `json:"policy" env:"HELIX_CHANNELS_DISCORD_POLICY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"HELIX_CHANNELS_DISCORD_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" env:"HELIX_CHANNELS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" env:"HELIX_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"HELIX_CHANNELS_SLACK_APP_TOKEN"`
	Policy    ChannelPolicy       `json:"policy" env:"HELIX_CHANNELS_SLACK_POLICY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"HELIX_CHANNELS_SLACK_ALLOW_FROM"`
}

type SignalConfig struct {
	Enabled   bool                `json:"enabled" env:"HELIX_CHANNELS_SIGNAL_ENABLED"`
	CLIURL    string              `json:"cli_url" env:"HELIX_CHANNELS_SIGNAL_CLI_URL"`
	Account   string              `json:"account" env:"HELIX_CHANNELS_SIGNAL_ACCOUNT"`
	Policy    ChannelPolicy       `json:"policy" env:"HELIX_CHANNELS_SIGNAL_POLICY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"HELIX_CHANNELS_SIGNAL_ALLOW_FROM"`
}

// HookConfig describes one named hook. Zero-valued TimeoutSec falls back to
// the engine default.
type HookConfig struct {
	Event      string         `json:"event"`
	Enabled    bool           `json:"enabled"`
	Command    string         `json:"command,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
	Cron       string         `json:"cron,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

type VoiceConfig struct {
	Mode            string              `json:"mode" env:"HELIX_VOICE_MODE"`
	WakeWords       FlexibleStringSlice `json:"wake_words"`
	WakeSensitivity float64             `json:"wake_sensitivity"`
	WakeConfirmTone bool                `json:"wake_confirm_tone"`
	AutoStopSec     int                 `json:"auto_stop_sec"`
	STT             STTConfig           `json:"stt"`
	TTS             TTSConfig           `json:"tts"`
	VAD             VADConfig           `json:"vad"`
	Recorder        AudioIOConfig       `json:"recorder"`
	Player          AudioIOConfig       `json:"player"`
}

type STTConfig struct {
	Provider string `json:"provider" env:"HELIX_VOICE_STT_PROVIDER"`
	APIBase  string `json:"api_base"`
	Model    string `json:"model"`
}

type TTSConfig struct {
	Provider string `json:"provider" env:"HELIX_VOICE_TTS_PROVIDER"`
	APIBase  string `json:"api_base"`
	Voice    string `json:"voice"`
}

type VADConfig struct {
	EnergyThreshold  float64 `json:"energy_threshold"`
	SpeechConfirmMs  int     `json:"speech_confirm_ms"`
	SilenceConfirmMs int     `json:"silence_confirm_ms"`
	MinSpeechMs      int     `json:"min_speech_ms"`
}

// AudioIOConfig names the external command used for capture or playback.
// The pipeline never names binaries directly.
type AudioIOConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	SampleRate int      `json:"sample_rate"`
}

type AuthConfig struct {
	Profiles map[string]AuthProfile `json:"profiles"`
}

// AuthProfile is the default scope set granted to devices paired under it.
type AuthProfile struct {
	Scopes []string `json:"scopes"`
}

type LLMConfig struct {
	Provider string `json:"provider" env:"HELIX_LLM_PROVIDER"`
	Model    string `json:"model" env:"HELIX_LLM_MODEL"`
	BaseURL  string `json:"base_url" env:"HELIX_LLM_BASE_URL"`
	MaxRPM   int    `json:"max_rpm" env:"HELIX_LLM_MAX_RPM"`
}

// TimeoutsConfig collects the tunable timeouts. All values have working
// defaults; zero means "use the default".
type TimeoutsConfig struct {
	HandshakeSec     int `json:"handshake_sec"`
	MethodSec        int `json:"method_sec"`
	HookCommandSec   int `json:"hook_command_sec"`
	STTSec           int `json:"stt_sec"`
	TTSSec           int `json:"tts_sec"`
	ThinkerSec       int `json:"thinker_sec"`
	EnqueueMs        int `json:"enqueue_ms"`
	HookCoalesceAt   int `json:"hook_coalesce_at"`
	PairingExpirySec int `json:"pairing_expiry_sec"`
}

type LoggingConfig struct {
	Level     string `json:"level" env:"HELIX_LOG_LEVEL"`
	File      string `json:"file" env:"HELIX_LOG_FILE"`
	Redaction bool   `json:"redaction"`
}

// LoadConfig reads the config file, applies defaults for missing values and
// environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// First run: defaults plus env only.
			if err := env.Parse(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse environment: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the config atomically (temp file + rename).
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
