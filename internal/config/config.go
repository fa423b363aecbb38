package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/quizroom/internal/store"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	// CORSAllowed is a comma separated origin list for a separately served frontend.
	CORSAllowed string `mapstructure:"cors_allowed"`

	// VersionTag scopes room codes to a content revision.
	VersionTag         string `mapstructure:"version_tag"`
	FallbackAnyVersion bool   `mapstructure:"fallback_any_version"`

	DB     store.DBConfig `mapstructure:"db"`
	Redis  RedisConfig    `mapstructure:"redis"`
	Lobby  LobbyConfig    `mapstructure:"lobby"`
	Signal SignalConfig   `mapstructure:"signal"`
}

// RedisConfig enables the Redis bus when Addr is set; otherwise the
// in-process bus is used and the server is single node.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LobbyConfig struct {
	CodeAttempts          int           `mapstructure:"code_attempts"`
	MinPlayers            int           `mapstructure:"min_players"`
	PresenceInterval      time.Duration `mapstructure:"presence_interval"`
	PresenceTTL           time.Duration `mapstructure:"presence_ttl"`
	RoomPollInterval      time.Duration `mapstructure:"room_poll_interval"`
	ResubscribeMaxBackoff time.Duration `mapstructure:"resubscribe_max_backoff"`
}

type SignalConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	SendBuffer    int           `mapstructure:"send_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_allowed", "")
	v.SetDefault("version_tag", "v1")
	v.SetDefault("fallback_any_version", true)

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "quizroom.db")
	v.SetDefault("db.max_open_conns", 0)
	v.SetDefault("db.max_idle_conns", 0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "qr:")

	v.SetDefault("lobby.code_attempts", 10)
	v.SetDefault("lobby.min_players", 2)
	v.SetDefault("lobby.presence_interval", "5s")
	v.SetDefault("lobby.presence_ttl", "15s")
	v.SetDefault("lobby.room_poll_interval", "3s")
	v.SetDefault("lobby.resubscribe_max_backoff", "10s")

	v.SetDefault("signal.rate_per_second", 10.0)
	v.SetDefault("signal.burst", 20)
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.send_buffer", 32)
}

// Load reads .env (if any), then config/config.<CONFIG_ENV>.yaml, then
// QUIZROOM_* environment overrides such as QUIZROOM_DB_DSN.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg("could not read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("QUIZROOM")
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
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("db", cfg.DB.Driver).
		Bool("redis", cfg.Redis.Addr != "").
		Str("version", cfg.VersionTag).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: db.driver must be sqlite or mysql, got %q", c.DB.Driver)
	}
	if c.VersionTag == "" {
		return fmt.Errorf("config: version_tag is empty")
	}
	if c.Lobby.MinPlayers < 1 {
		return fmt.Errorf("config: lobby.min_players must be positive")
	}
	if c.Lobby.PresenceTTL <= c.Lobby.PresenceInterval {
		return fmt.Errorf("config: lobby.presence_ttl must exceed lobby.presence_interval")
	}
	return nil
}
