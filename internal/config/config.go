package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/cctv/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	// ReconnectBackoffMax switches automatic reconnects to exponential
	// backoff capped at this value. Zero keeps the fixed interval.
	ReconnectBackoffMax time.Duration `mapstructure:"reconnect_backoff_max"`

	Signaling      SignalingConfig       `mapstructure:"signaling"`
	Session        domain.SessionConfig  `mapstructure:"session"`
	WebRTC         WebRTCConfig          `mapstructure:"webrtc"`
	ReconnectLimit RateLimitConfig       `mapstructure:"reconnect_limit"`
	Streams        []domain.StreamTarget `mapstructure:"streams"`
}

type SignalingConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`
}

type WebRTCConfig struct {
	ICEServers       []string      `mapstructure:"ice_servers"`
	ReceiveAudio     bool          `mapstructure:"receive_audio"`
	KeyframeInterval time.Duration `mapstructure:"keyframe_interval"`
	GatherTimeout    time.Duration `mapstructure:"gather_timeout"`
}

type RateLimitConfig struct {
	Count    int           `mapstructure:"count"`
	Interval time.Duration `mapstructure:"interval"`
}

// Flags declares the command line overrides understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("cctv", pflag.ContinueOnError)
	fs.String("config-env", "", "config environment, selects config/config.<env>.yaml")
	fs.Int("port", 0, "HTTP listen port")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("reconnect_backoff_max", "0s")

	v.SetDefault("signaling.endpoint", "http://127.0.0.1:8000/api/webrtc")
	v.SetDefault("signaling.timeout", "10s")

	v.SetDefault("session.auto_reconnect", domain.DefaultAutoReconnect)
	v.SetDefault("session.max_reconnect_attempts", domain.DefaultMaxReconnectAttempts)
	v.SetDefault("session.reconnect_interval_ms", domain.DefaultReconnectIntervalMs)
	v.SetDefault("session.connection_timeout_ms", domain.DefaultConnectionTimeoutMs)

	v.SetDefault("webrtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc.receive_audio", false)
	v.SetDefault("webrtc.keyframe_interval", "3s")
	v.SetDefault("webrtc.gather_timeout", "5s")

	v.SetDefault("reconnect_limit.count", 5)
	v.SetDefault("reconnect_limit.interval", "1m")
}

// Load reads config/config.<env>.yaml, where env comes from --config-env,
// then CONFIG_ENV, then "dev". A missing file falls back to defaults.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CCTV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.BindPFlag("port", fs.Lookup("port")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log_level", fs.Lookup("log-level")); err != nil {
		return nil, err
	}

	env, _ := fs.GetString("config-env")
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.Normalize()

	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("streams", len(cfg.Streams)).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Signaling.Endpoint == "" {
		return fmt.Errorf("config: signaling.endpoint is required")
	}
	seen := make(map[domain.StreamID]bool, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config: streams[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: streams[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
