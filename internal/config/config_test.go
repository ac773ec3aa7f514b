package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/sweep"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "botrunner.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != ":10000" {
		t.Fatalf("listen = %q", c.Server.Listen)
	}
	if c.Store.DSN != "json://." || c.Store.RetryAttempts != 3 || c.Store.RetryInitial != 50*time.Millisecond {
		t.Fatalf("unexpected store config: %+v", c.Store)
	}
	if c.Workspace.Root != "userbot" || c.Workspace.EntryPoint != "bot.js" || c.Workspace.Install != "npm install" {
		t.Fatalf("unexpected workspace config: %+v", c.Workspace)
	}
	if c.Workspace.InstallTimeout != 5*time.Minute {
		t.Fatalf("install timeout = %v", c.Workspace.InstallTimeout)
	}
	if c.Supervisor.StopWait != 5*time.Second || c.Supervisor.ResyncInterval != 30*time.Second {
		t.Fatalf("unexpected supervisor config: %+v", c.Supervisor)
	}
	if c.Supervisor.Restart.Backoff != 0 || c.Supervisor.Restart.CrashThreshold != 0 {
		t.Fatalf("restart policy must default to immediate and unbounded: %+v", c.Supervisor.Restart)
	}
	if !c.Sweep.Enabled || c.Sweep.MaxAge != 24*time.Hour || c.Sweep.DiskThreshold != 80 {
		t.Fatalf("unexpected sweep config: %+v", c.Sweep)
	}
	if len(c.Sweep.Keep) == 0 {
		t.Fatalf("sweep keep list must default to the state files")
	}
	if c.Sweep.Root != "userbot" {
		t.Fatalf("sweep root must follow the workspace root, got %q", c.Sweep.Root)
	}
	if !c.Admin.Enabled || c.Admin.Listen != "127.0.0.1:9100" {
		t.Fatalf("unexpected admin config: %+v", c.Admin)
	}
	if c.Auth.Enabled || c.Auth.TokenTTL != 12*time.Hour {
		t.Fatalf("unexpected auth config: %+v", c.Auth)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PORT", "")
	p := writeTOML(t, `
env = ["A=1"]

[log]
level = "debug"
format = "json"

[store]
dsn = "sqlite:///var/lib/botrunner/state.db"
retry_attempts = 5

[workspace]
root = "/srv/userbot"
runtime = "node --max-old-space-size=256 bot.js"
install = "-"

[supervisor]
stop_wait = "2s"

[supervisor.restart]
restart_backoff = "1s"
max_backoff = "1m"
crash_threshold = 5
crash_window = "10m"

[sweep]
enabled = true
keep = ["bot_status.json"]
protect_running = true

[history]
sinks = ["sqlite:///tmp/history.db"]

[server]
listen = ":8080"
base_path = "api/"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Fatalf("log = %+v", c.Log)
	}
	if c.Store.DSN != "sqlite:///var/lib/botrunner/state.db" || c.Store.RetryAttempts != 5 {
		t.Fatalf("store = %+v", c.Store)
	}
	if c.Workspace.Root != "/srv/userbot" || c.Workspace.Install != "-" {
		t.Fatalf("workspace = %+v", c.Workspace)
	}
	r := c.Supervisor.Restart
	if r.Backoff != time.Second || r.MaxBackoff != time.Minute || r.CrashThreshold != 5 || r.CrashWindow != 10*time.Minute {
		t.Fatalf("restart = %+v", r)
	}
	if c.Supervisor.StopWait != 2*time.Second {
		t.Fatalf("stop wait = %v", c.Supervisor.StopWait)
	}
	if len(c.Sweep.Keep) != 1 || !c.Sweep.ProtectRunning {
		t.Fatalf("sweep = %+v", c.Sweep)
	}
	if len(c.History.Sinks) != 1 {
		t.Fatalf("history = %+v", c.History)
	}
	if c.Server.Listen != ":8080" || c.Server.BasePath != "/api" {
		t.Fatalf("server = %+v", c.Server)
	}
	if len(c.Env) != 1 || c.Env[0] != "A=1" {
		t.Fatalf("env = %v", c.Env)
	}
}

func TestPortAndPrefixedEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != ":3000" {
		t.Fatalf("PORT not applied: %q", c.Server.Listen)
	}

	t.Setenv("BOTRUNNER_SERVER_LISTEN", "127.0.0.1:4000")
	t.Setenv("BOTRUNNER_STORE_DSN", "postgres://u:p@db/botrunner")
	c, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:4000" {
		t.Fatalf("prefixed listen must win over PORT: %q", c.Server.Listen)
	}
	if c.Store.DSN != "postgres://u:p@db/botrunner" {
		t.Fatalf("dsn = %q", c.Store.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("PORT", "")
	cases := map[string]string{
		"auth without secret": `
[auth]
enabled = true
password_hash = "$2a$10$abc"
`,
		"negative restart": `
[supervisor.restart]
crash_threshold = -1
`,
		"crash threshold without window": `
[supervisor.restart]
crash_threshold = 3
`,
		"max below backoff": `
[supervisor.restart]
restart_backoff = "10s"
max_backoff = "1s"
`,
		"bad sweep schedule": `
[sweep]
age_schedule = "hourly-ish"
`,
		"same listeners": `
[server]
listen = ":9000"
[admin]
listen = ":9000"
`,
		"tls half configured": `
[server.tls]
enabled = true
cert_file = "/etc/botrunner/tls.crt"
`,
		"bad log format": `
[log]
format = "xml"
`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTOML(t, data)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSweepKeepsLocalStateUnderRoot(t *testing.T) {
	t.Setenv("PORT", "")
	dir := t.TempDir()
	before := len(sweep.DefaultKeep)
	c, err := Load(writeTOML(t, `
[store]
dsn = "sqlite://`+filepath.Join(dir, "state.db")+`"

[log.file]
path = "`+filepath.Join(dir, "logs", "server.log")+`"

[workspace]
root = "`+dir+`"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Sweep.Root != dir {
		t.Fatalf("sweep root = %q, want %q", c.Sweep.Root, dir)
	}
	for _, name := range []string{"state.db", "state.db-wal", "state.db-shm", "logs"} {
		if !slices.Contains(c.Sweep.Keep, name) {
			t.Fatalf("keep list %v is missing %q", c.Sweep.Keep, name)
		}
	}
	if len(sweep.DefaultKeep) != before {
		t.Fatalf("default keep list was modified: %v", sweep.DefaultKeep)
	}

	old := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{filepath.Join(dir, "state.db"), filepath.Join(dir, "42", "bot.js")} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if err := os.Chtimes(filepath.Join(dir, "42"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	sw, err := sweep.New(c.Sweep, nil, logger.Discard())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	removed, err := sw.SweepAge(context.Background())
	if err != nil {
		t.Fatalf("sweep age: %v", err)
	}
	if !slices.Equal(removed, []string{"42"}) {
		t.Fatalf("removed = %v, want only the stale tenant", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "state.db")); err != nil {
		t.Fatalf("store file swept: %v", err)
	}

	c.KeepPath(filepath.Join(dir, "botrunner.pid"))
	if !slices.Contains(c.Sweep.Keep, "botrunner.pid") {
		t.Fatalf("pid file not kept: %v", c.Sweep.Keep)
	}
	n := len(c.Sweep.Keep)
	c.KeepPath(filepath.Join(t.TempDir(), "elsewhere.pid"))
	c.KeepPath(dir)
	c.KeepPath("")
	if len(c.Sweep.Keep) != n {
		t.Fatalf("paths outside the sweep root must be ignored: %v", c.Sweep.Keep)
	}
}

func TestSweepRootExplicitDot(t *testing.T) {
	t.Setenv("PORT", "")
	t.Chdir(t.TempDir())
	c, err := Load(writeTOML(t, `
[store]
dsn = "sqlite://botrunner.db"

[sweep]
root = "."
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Contains(c.Sweep.Keep, "botrunner.db") {
		t.Fatalf("sqlite store in the sweep root must be kept: %v", c.Sweep.Keep)
	}
}

func TestValidateAllowsDisabledSweepWithBadSchedule(t *testing.T) {
	t.Setenv("PORT", "")
	_, err := Load(writeTOML(t, `
[sweep]
enabled = false
age_schedule = "whenever"
`))
	if err != nil {
		t.Fatalf("disabled sweep must not be validated: %v", err)
	}
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("OS_ONLY", "osv")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\n#comment\nTOP=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	c := &Config{UseOSEnv: true, EnvFiles: []string{dotenv}, Env: []string{"TOP=tv"}}
	pairs, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	m := make(map[string]string)
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	if m["OS_ONLY"] != "osv" || m["FILE_ONLY"] != "fv" || m["TOP"] != "tv" {
		t.Fatalf("unexpected env: %v", m)
	}

	c.UseOSEnv = false
	pairs, err = c.GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	for _, kv := range pairs {
		if strings.HasPrefix(kv, "OS_ONLY=") {
			t.Fatalf("OS env leaked with use_os_env=false")
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(p, []byte("A=1\n\n# c\nB = two\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	pairs, err := LoadEnvFile(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("pairs = %v", pairs)
	}
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
