package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/econlab/server/internal/wire"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Network  NetworkConfig  `toml:"network"`
	Chat     ChatConfig     `toml:"chat"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Postgres PostgresConfig `toml:"postgres"`
	Logging  LoggingConfig  `toml:"logging"`
}

// Duration decodes from the TOML string form, e.g. "2s" or "30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type ServerConfig struct {
	Listen    string `toml:"listen"`
	OutputDir string `toml:"output_dir"`
	Params    string `toml:"params"`    // session parameter YAML
	Autostart bool   `toml:"autostart"` // overrides the parameter file when true
}

type NetworkConfig struct {
	PingInterval Duration `toml:"ping_interval"`
	IdleTimeout  Duration `toml:"idle_timeout"`
	LoginTimeout Duration `toml:"login_timeout"`
	SendQueue    int      `toml:"send_queue"`
	MaxFrame     int      `toml:"max_frame"`
}

type ChatConfig struct {
	Rate  float64 `toml:"rate"` // messages per second per seat
	Burst int     `toml:"burst"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"` // e.g. ":9100"; empty disables the endpoint
}

type PostgresConfig struct {
	DSN             string   `toml:"dsn"` // empty disables the results mirror
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "0.0.0.0:9123",
			OutputDir: "results",
			Params:    "configs/session.yaml",
		},
		Network: NetworkConfig{
			PingInterval: Duration{2 * time.Second},
			IdleTimeout:  Duration{10 * time.Second},
			LoginTimeout: Duration{5 * time.Second},
			SendQueue:    64,
			MaxFrame:     wire.DefaultMaxFrame,
		},
		Chat: ChatConfig{
			Rate:  1.0,
			Burst: 5,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: Duration{30 * time.Minute},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
