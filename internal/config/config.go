// Package config loads the server configuration from a TOML file, the
// BOTRUNNER_* environment and the PORT variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/supervisor"
	"github.com/loykin/botrunner/internal/sweep"
	"github.com/loykin/botrunner/internal/workspace"
)

const EnvPrefix = "BOTRUNNER"

// Config is the top-level TOML structure.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Store      StoreConfig      `toml:"store" mapstructure:"store"`
	Workspace  workspace.Config `toml:"workspace" mapstructure:"workspace"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Sweep      sweep.Config     `toml:"sweep" mapstructure:"sweep"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Admin      AdminConfig      `toml:"admin" mapstructure:"admin"`
	Auth       AuthConfig       `toml:"auth" mapstructure:"auth"`
}

type StoreConfig struct {
	// DSN selects the backend: json://dir, sqlite://path, postgres://...
	DSN           string        `toml:"dsn" mapstructure:"dsn"`
	RetryAttempts int           `toml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `toml:"retry_initial" mapstructure:"retry_initial"`
	RetryMax      time.Duration `toml:"retry_max" mapstructure:"retry_max"`
}

type SupervisorConfig struct {
	StopWait       time.Duration            `toml:"stop_wait" mapstructure:"stop_wait"`
	ResyncInterval time.Duration            `toml:"resync_interval" mapstructure:"resync_interval"`
	PollInterval   time.Duration            `toml:"poll_interval" mapstructure:"poll_interval"`
	Restart        supervisor.RestartPolicy `toml:"restart" mapstructure:"restart"`
}

type HistoryConfig struct {
	// Sinks are DSNs: sqlite://, postgres://, clickhouse://
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
	Queue int      `toml:"queue" mapstructure:"queue"`
}

type ServerConfig struct {
	Listen         string     `toml:"listen" mapstructure:"listen"`
	BasePath       string     `toml:"base_path" mapstructure:"base_path"`
	StaticDir      string     `toml:"static_dir" mapstructure:"static_dir"`
	MaxUploadBytes int64      `toml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	TLS            *TLSConfig `toml:"tls" mapstructure:"tls"`
	TLSMinVersion  string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion  string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// AdminConfig is the metrics and health listener.
type AdminConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type AuthConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Username string `toml:"username" mapstructure:"username"`
	// PasswordHash is a bcrypt hash; see "botrunner hash-password".
	PasswordHash string        `toml:"password_hash" mapstructure:"password_hash"`
	JWTSecret    string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("store.dsn", "json://.")
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_initial", "50ms")
	v.SetDefault("store.retry_max", "2s")

	v.SetDefault("workspace.root", "userbot")
	v.SetDefault("workspace.entry_point", "bot.js")
	v.SetDefault("workspace.manifest", "package.json")
	v.SetDefault("workspace.runtime", "")
	v.SetDefault("workspace.install", "npm install")
	v.SetDefault("workspace.install_timeout", "5m")
	v.SetDefault("workspace.max_file_bytes", 10<<20)

	v.SetDefault("supervisor.stop_wait", "5s")
	v.SetDefault("supervisor.resync_interval", "30s")
	v.SetDefault("supervisor.poll_interval", "500ms")
	v.SetDefault("supervisor.restart.restart_backoff", "0s")
	v.SetDefault("supervisor.restart.max_backoff", "0s")
	v.SetDefault("supervisor.restart.crash_threshold", 0)
	v.SetDefault("supervisor.restart.crash_window", "0s")

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.root", "")
	v.SetDefault("sweep.age_schedule", sweep.DefaultAgeSchedule)
	v.SetDefault("sweep.max_age", "24h")
	v.SetDefault("sweep.disk_schedule", sweep.DefaultDiskSchedule)
	v.SetDefault("sweep.disk_path", "/")
	v.SetDefault("sweep.disk_threshold", sweep.DefaultDiskThreshold)
	v.SetDefault("sweep.protect_running", false)

	v.SetDefault("history.queue", 256)

	v.SetDefault("server.listen", ":10000")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.max_upload_bytes", 32<<20)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", "127.0.0.1:9100")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password_hash", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "12h")
}

// Load reads path (optional) and the environment. BOTRUNNER_SERVER_LISTEN
// wins over PORT; PORT wins over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, set := os.LookupEnv(EnvPrefix + "_SERVER_LISTEN"); !set {
			c.Server.Listen = ":" + port
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Sweep.Root == "" {
		c.Sweep.Root = c.Workspace.Root
	}
	if c.Sweep.Keep == nil {
		c.Sweep.Keep = sweep.DefaultKeep
	}
	c.Sweep.Keep = slices.Clone(c.Sweep.Keep)
	for _, p := range storePaths(c.Store.DSN) {
		c.KeepPath(p)
	}
	c.KeepPath(c.Log.File.Path)
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
}

// KeepPath adds the top-level sweep root entry containing p to the sweep
// keep list. Paths outside the sweep root are ignored.
func (c *Config) KeepPath(p string) {
	if p == "" || c.Sweep.Root == "" {
		return
	}
	root, err := filepath.Abs(c.Sweep.Root)
	if err != nil {
		return
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if !slices.Contains(c.Sweep.Keep, top) {
		c.Sweep.Keep = append(c.Sweep.Keep, top)
	}
}

// storePaths lists the files a store DSN writes on the local filesystem.
func storePaths(dsn string) []string {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case d == "", strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return nil
	case strings.HasPrefix(ld, "json://"):
		dir := d[len("json://"):]
		if dir == "" {
			dir = "."
		}
		return []string{
			filepath.Join(dir, "bot_status.json"),
			filepath.Join(dir, "banned.json"),
			filepath.Join(dir, "users.json"),
			filepath.Join(dir, ".botrunner.lock"),
		}
	case strings.HasPrefix(ld, "sqlite://"):
		d = d[len("sqlite://"):]
	}
	return []string{d, d + "-wal", d + "-shm", d + "-journal"}
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Store.RetryAttempts < 0 {
		errs = append(errs, errors.New("store.retry_attempts must be >= 0"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		errs = append(errs, errors.New("admin.listen is required when admin is enabled"))
	}
	if c.Admin.Enabled && c.Admin.Listen == c.Server.Listen {
		errs = append(errs, errors.New("admin.listen must differ from server.listen"))
	}
	if err := c.Supervisor.Restart.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor.restart: %w", err))
	}
	if c.Sweep.Enabled {
		if err := c.Sweep.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sweep: %w", err))
		}
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.PasswordHash == "" {
			errs = append(errs, errors.New("auth.username and auth.password_hash are required when auth is enabled"))
		}
		if len(c.Auth.JWTSecret) < 16 {
			errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
		}
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls cert_file and key_file must be set together"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text, json or color", c.Log.Format))
	}
	return errors.Join(errs...)
}

// GlobalEnv merges env for children: OS env when use_os_env is set, then
// env_files in order, then the env list.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines (no export, no quotes); # starts a comment.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
