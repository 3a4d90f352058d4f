// Package config loads statesync settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Config is the top-level configuration file.
type Config struct {
	Backend      Backend `yaml:"backend"`
	PopBatchSize int     `yaml:"pop_batch_size"`
	Log          Log     `yaml:"log"`
	HTTP         HTTP    `yaml:"http"`
}

// Backend selects and configures the shared store.
type Backend struct {
	Kind     string   `yaml:"kind"`
	SQLite   SQLite   `yaml:"sqlite"`
	Postgres Postgres `yaml:"postgres"`
}

// SQLite configures the sqlite backend.
type SQLite struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Postgres configures the postgres backend.
type Postgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTP configures the gateway listener.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend: Backend{
			Kind: KindSQLite,
			SQLite: SQLite{
				Path:         "statesync.db",
				PollInterval: 250 * time.Millisecond,
			},
			Postgres: Postgres{
				Host:    "localhost",
				Port:    5432,
				User:    "statesync",
				DBName:  "statesync",
				SSLMode: "disable",
			},
		},
		PopBatchSize: 128,
		Log:          Log{Level: "info", Format: "text"},
		HTTP:         HTTP{Addr: "127.0.0.1:8080"},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to unmarshal yaml config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Backend.Kind {
	case KindMemory:
	case KindSQLite:
		if c.Backend.SQLite.Path == "" {
			return errors.New("backend.sqlite.path is required")
		}
		if c.Backend.SQLite.PollInterval < 0 {
			return errors.New("backend.sqlite.poll_interval must not be negative")
		}
	case KindPostgres:
		pg := c.Backend.Postgres
		if pg.Host == "" || pg.DBName == "" {
			return errors.New("backend.postgres.host and dbname are required")
		}
		if pg.Port <= 0 || pg.Port > 65535 {
			return fmt.Errorf("backend.postgres.port %d out of range", pg.Port)
		}
	default:
		return fmt.Errorf("backend.kind %q: want %s, %s or %s", c.Backend.Kind, KindMemory, KindSQLite, KindPostgres)
	}

	if c.PopBatchSize <= 0 {
		return fmt.Errorf("pop_batch_size must be positive, got %d", c.PopBatchSize)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// DSN renders the lib/pq keyword/value connection string.
func (p Postgres) DSN() string {
	parts := []string{
		"host=" + quote(p.Host),
		fmt.Sprintf("port=%d", p.Port),
		"dbname=" + quote(p.DBName),
	}
	if p.User != "" {
		parts = append(parts, "user="+quote(p.User))
	}
	if p.Password != "" {
		parts = append(parts, "password="+quote(p.Password))
	}
	if p.SSLMode != "" {
		parts = append(parts, "sslmode="+quote(p.SSLMode))
	}
	return strings.Join(parts, " ")
}

// quote escapes a keyword/value parameter when it needs it.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
