package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/procyard/internal/env"
	"github.com/loykin/procyard/internal/process"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	DataDir   string          `mapstructure:"data_dir"`
	LogDir    string          `mapstructure:"log_dir"`
	Ledger    string          `mapstructure:"ledger"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Restart   RestartConfig   `mapstructure:"restart"`
	Retention RetentionConfig `mapstructure:"retention"`
	History   HistoryConfig   `mapstructure:"history"`
	Groups    []GroupConfig   `mapstructure:"groups"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text, json or color
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      TLSConfig  `mapstructure:"tls"`
	Auth     AuthConfig `mapstructure:"auth"`
}

// AuthConfig protects the API. Users log in with a password (stored as a
// bcrypt hash) and receive a signed token; viewers may only read.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"` // random per start when empty
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []UserConfig  `mapstructure:"users"`
}

type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"` // admin or viewer
}

// TLSConfig serves the API over HTTPS. Explicit cert/key files win over Dir;
// with AutoGenerate a self-signed pair is written into Dir when missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
	Hosts        []string `mapstructure:"hosts"`       // SANs for generated certs
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a dedicated address; empty mounts it on the API server.
	Listen string `mapstructure:"listen"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RestartConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	ResetAfter time.Duration `mapstructure:"reset_after"`
}

type RetentionConfig struct {
	Schedule string `mapstructure:"schedule"`
	Days     int    `mapstructure:"days"` // 0 disables scheduled cleanup
}

type HistoryConfig struct {
	ClickHouseAddr  string `mapstructure:"clickhouse_addr"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
}

type GroupConfig struct {
	ID        string          `mapstructure:"id"`
	Name      string          `mapstructure:"name"`
	Directory string          `mapstructure:"directory"`
	Env       []string        `mapstructure:"env"`
	EnvFiles  []string        `mapstructure:"env_files"`
	Projects  []ProjectConfig `mapstructure:"projects"`
}

type ProjectConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Command     string   `mapstructure:"command"`
	Type        string   `mapstructure:"type"`
	AutoRestart bool     `mapstructure:"auto_restart"`
	Cwd         string   `mapstructure:"cwd"`
	Interactive bool     `mapstructure:"interactive"`
	Env         []string `mapstructure:"env"`
}

// Config is the loaded file with paths resolved and groups converted.
type Config struct {
	Path   string
	File   FileConfig
	Groups []Group

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_dir", "")
	v.SetDefault("ledger", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", 24*time.Hour)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("stats.interval", 2*time.Second)
	v.SetDefault("restart.delay", 2*time.Second)
	v.SetDefault("restart.max_delay", 2*time.Second)
	v.SetDefault("restart.multiplier", 1.0)
	v.SetDefault("restart.reset_after", 10*time.Second)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.days", 7)
	v.SetDefault("history.clickhouse_addr", "")
	v.SetDefault("history.clickhouse_table", "procyard_sessions")
}

// Load reads a TOML config file. Relative paths in the file are resolved
// against the directory that contains it. Settings can be overridden with
// PROCYARD_* environment variables (e.g. PROCYARD_SERVER_LISTEN).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("procyard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := &Config{Path: path, v: v}
	if err := c.decode(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decode() error {
	var fc FileConfig
	if err := c.v.Unmarshal(&fc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	base := filepath.Dir(c.Path)
	fc.DataDir = resolvePath(base, fc.DataDir)
	if fc.LogDir == "" {
		fc.LogDir = filepath.Join(fc.DataDir, "logs")
	} else {
		fc.LogDir = resolvePath(base, fc.LogDir)
	}
	if fc.Ledger == "" {
		fc.Ledger = filepath.Join(fc.DataDir, "running_pids.txt")
	} else {
		fc.Ledger = resolvePath(base, fc.Ledger)
	}
	if fc.Database.DSN == "" {
		fc.Database.DSN = "sqlite://" + filepath.Join(fc.DataDir, "procyard.db")
	}
	if fc.Log.File != "" {
		fc.Log.File = resolvePath(base, fc.Log.File)
	}
	fc.Server.TLS.CertFile = resolvePath(base, fc.Server.TLS.CertFile)
	fc.Server.TLS.KeyFile = resolvePath(base, fc.Server.TLS.KeyFile)
	fc.Server.TLS.Dir = resolvePath(base, fc.Server.TLS.Dir)
	groups, err := BuildGroups(base, fc.Groups)
	if err != nil {
		return err
	}
	c.File = fc
	c.Groups = groups
	return nil
}

// Watch reloads the groups into store whenever the file changes. A file that
// fails to decode leaves the previous groups in place.
func (c *Config) Watch(store *Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if err := c.decode(); err != nil {
			logger.Warn("config reload failed", "file", e.Name, "error", err)
			return
		}
		store.Replace(c.Groups)
		logger.Info("config reloaded", "file", e.Name, "groups", len(c.Groups))
	})
	c.v.WatchConfig()
}

// BuildGroups converts file groups into the runtime model. Project ids must be
// unique across groups since the engine keys runs by project id.
func BuildGroups(base string, in []GroupConfig) ([]Group, error) {
	out := make([]Group, 0, len(in))
	seen := make(map[string]string)
	for _, gc := range in {
		id := firstNonEmpty(gc.ID, gc.Name)
		if id == "" {
			return nil, errors.New("group requires an id or name")
		}
		if err := CheckID(id); err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
		dir := resolvePath(base, gc.Directory)
		groupEnv := env.Var{}
		for _, f := range gc.EnvFiles {
			if !filepath.IsAbs(f) {
				f = filepath.Join(dir, f)
			}
			pairs, err := loadEnvFile(f)
			if err != nil {
				return nil, fmt.Errorf("group %s: env file: %w", id, err)
			}
			groupEnv = groupEnv.Overlay(pairs)
		}
		groupEnv = groupEnv.Overlay(env.Parse(gc.Env))

		g := Group{ID: id, Name: firstNonEmpty(gc.Name, id), Directory: dir, Env: groupEnv}
		for _, pc := range gc.Projects {
			pid := firstNonEmpty(pc.ID, pc.Name)
			if pid == "" {
				return nil, fmt.Errorf("group %s: project requires an id or name", id)
			}
			if err := CheckID(pid); err != nil {
				return nil, fmt.Errorf("group %s: project: %w", id, err)
			}
			if other, dup := seen[pid]; dup {
				return nil, fmt.Errorf("duplicate project id %q in groups %s and %s", pid, other, id)
			}
			seen[pid] = id
			typ, err := process.ParseProjectType(pc.Type)
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", pid, err)
			}
			if strings.TrimSpace(pc.Command) == "" {
				return nil, fmt.Errorf("project %s: command is required", pid)
			}
			g.Projects = append(g.Projects, Project{
				ID:          pid,
				Name:        firstNonEmpty(pc.Name, pid),
				Command:     pc.Command,
				Type:        typ,
				AutoRestart: pc.AutoRestart,
				Cwd:         pc.Cwd,
				Interactive: pc.Interactive,
				Env:         env.Parse(pc.Env),
			})
		}
		out = append(out, g)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (env.Var, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(env.Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
