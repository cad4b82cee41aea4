package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode    string `mapstructure:"mode"`
	Port    int    `mapstructure:"port"`
	Secret  string `mapstructure:"secret"`
	PeerID  string `mapstructure:"peer_id"`
	DBPath  string `mapstructure:"db_path"`
	Storage string `mapstructure:"storage_dir"`

	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`

	Media     MediaConfig     `mapstructure:"media"`
	Recording RecordingConfig `mapstructure:"recording"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
}

type MediaConfig struct {
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	FrameSize     int           `mapstructure:"frame_size"`
}

type RecordingConfig struct {
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
	MaxChunks     int           `mapstructure:"max_chunks"`
	// Recipient is an age public key. Empty leaves artifacts unencrypted.
	Recipient string `mapstructure:"recipient"`
}

type SignalConfig struct {
	// URL of a remote relay. Empty uses the in-process hub.
	URL        string        `mapstructure:"url"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

type SweeperConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Grace    time.Duration `mapstructure:"grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("peer_id", "station")
	v.SetDefault("db_path", "./data/verify.db")
	v.SetDefault("storage_dir", "./data/objects")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_timeout", "30s")

	v.SetDefault("media.frame_interval", "20ms")
	v.SetDefault("media.frame_size", 160)

	v.SetDefault("recording.chunk_interval", "1s")
	v.SetDefault("recording.max_chunks", 3600)
	v.SetDefault("recording.recipient", "")

	v.SetDefault("signal.url", "")
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.join_limit", 10)
	v.SetDefault("signal.join_window", "1m")

	v.SetDefault("sweeper.schedule", "@every 5m")
	v.SetDefault("sweeper.grace", "2h")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("VERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("db", cfg.DBPath).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("negotiation_timeout must be positive")
	}
	if c.Recording.ChunkInterval <= 0 || c.Recording.MaxChunks <= 0 {
		return fmt.Errorf("recording chunk_interval and max_chunks must be positive")
	}
	if c.Media.FrameInterval <= 0 || c.Media.FrameSize <= 0 {
		return fmt.Errorf("media frame_interval and frame_size must be positive")
	}
	return nil
}
