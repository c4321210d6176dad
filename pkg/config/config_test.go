package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseValidConfig(t *testing.T) {
	yaml := `
version: 1
root: /var/www/my-app
socket: /run/user/1000/diaglog.sock
budget: 8MiB
dev_mode: true
mirror: journal
export:
  encoding: zip
  name: support-bundle
  dir: "${root}/exports"
metrics:
  listen: 127.0.0.1:9464
sources:
  php-serve:
    kind: exec
    command: "php artisan serve"
    dir: "${root}"
    restart: on-failure
  app-log:
    kind: file
    level: warn
    files:
      - "${root}/storage/logs/laravel.log"
  nginx:
    kind: journal
    unit: nginx.service
`
	c, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if c.Budget != 8<<20 {
		t.Errorf("budget: got %d, want %d", c.Budget, 8<<20)
	}
	if c.Export.Encoding != "zip" || c.Export.Name != "support-bundle" {
		t.Errorf("export: got %+v", c.Export)
	}
	if c.Export.Dir != "/var/www/my-app/exports" {
		t.Errorf("export dir interpolation: got %q", c.Export.Dir)
	}
	if len(c.Sources) != 3 {
		t.Errorf("sources count: got %d, want 3", len(c.Sources))
	}
	if serve := c.Sources["php-serve"]; serve.Dir != "/var/www/my-app" {
		t.Errorf("exec dir interpolation: got %q", serve.Dir)
	}
	appLog := c.Sources["app-log"]
	if len(appLog.Files) != 1 || appLog.Files[0] != "/var/www/my-app/storage/logs/laravel.log" {
		t.Errorf("file interpolation: got %v", appLog.Files)
	}
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("version: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Socket != DefaultSocket || c.Budget != DefaultBudget {
		t.Errorf("defaults: socket %q budget %d", c.Socket, c.Budget)
	}
	if c.Export.Encoding != "text" || c.Export.Name != DefaultName || c.Mirror != "slog" {
		t.Errorf("defaults: %+v mirror %q", c.Export, c.Mirror)
	}
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseBudgetForms(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"100", 100},
		{"4MiB", 4 << 20},
		{"512 KB", 512000},
		{"1GiB", 1 << 30},
	}
	for _, tt := range tests {
		c, err := Parse([]byte("version: 1\nbudget: " + tt.in + "\n"))
		if err != nil {
			t.Fatalf("budget %q: %v", tt.in, err)
		}
		if c.Budget != tt.want {
			t.Errorf("budget %q: got %d, want %d", tt.in, c.Budget, tt.want)
		}
	}
}

func TestParseBadBudget(t *testing.T) {
	if _, err := Parse([]byte("version: 1\nbudget: lots\n")); err == nil {
		t.Error("expected error for unparseable budget")
	}
}

func TestInterpolationEnv(t *testing.T) {
	t.Setenv("APP_HOME", "/srv/app")
	c, err := Parse([]byte(`
version: 1
sources:
  log:
    kind: file
    files: ["${APP_HOME}/app.log"]
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Sources["log"].Files[0]; got != "/srv/app/app.log" {
		t.Errorf("env interpolation: got %q", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DIAGLOG_DEV", "1")
	t.Setenv("DIAGLOG_SOCKET", "/tmp/other.sock")
	c := Default()
	c.ApplyEnv()
	if !c.DevMode || c.Socket != "/tmp/other.sock" {
		t.Errorf("env overrides not applied: dev=%v socket=%q", c.DevMode, c.Socket)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diaglog.yaml")
	c := Default()
	c.Budget = 2 << 20
	c.Export.Encoding = "zstd"
	c.Sources = map[string]Source{"api": {Kind: "exec", Command: "./api"}}

	if err := Save(c, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Budget != c.Budget || loaded.Export.Encoding != "zstd" || loaded.Sources["api"].Command != "./api" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateVersionMustBe1(t *testing.T) {
	c := Default()
	c.Version = 2
	assertHasError(t, Validate(c), "version must be 1")
}

func TestValidateUnknownEncoding(t *testing.T) {
	c := Default()
	c.Export.Encoding = "rar"
	assertHasError(t, Validate(c), "unknown encoding")
}

func TestValidateMirror(t *testing.T) {
	c := Default()
	c.Mirror = "syslog"
	assertHasError(t, Validate(c), "mirror must be")
}

func TestValidateBudget(t *testing.T) {
	c := Default()
	c.Budget = -1
	assertHasError(t, Validate(c), "budget must be positive")

	// An export of a full buffer has to fit one socket message.
	c.Budget = 128 << 20
	assertHasError(t, Validate(c), "exceeds the")

	c.Budget = 32 << 20
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("32MiB budget rejected: %v", errs)
	}
}

func TestValidateSources(t *testing.T) {
	tests := []struct {
		name   string
		source Source
		want   string
	}{
		{"exec-no-command", Source{Kind: "exec"}, "command is required"},
		{"exec-bad-restart", Source{Kind: "exec", Command: "foo", Restart: "bogus"}, "restart must be"},
		{"file-no-files", Source{Kind: "file"}, "files is required"},
		{"journal-no-unit", Source{Kind: "journal"}, "unit is required"},
		{"unknown", Source{Kind: "docker"}, "unknown kind"},
		{"missing", Source{}, "kind is required"},
		{"bad-level", Source{Kind: "file", Files: []string{"x"}, Level: "loud"}, "unknown level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Sources = map[string]Source{tt.name: tt.source}
			assertHasError(t, Validate(c), tt.want)
		})
	}
}

func TestValidateSourceName(t *testing.T) {
	c := Default()
	c.Sources = map[string]Source{"bad:name": {Kind: "journal", Unit: "x.service"}}
	assertHasError(t, Validate(c), "must not contain")
}

func TestValidateExecRestartPolicies(t *testing.T) {
	for _, policy := range []string{"always", "on-failure", "never", ""} {
		c := Default()
		c.Sources = map[string]Source{"s": {Kind: "exec", Command: "foo", Restart: policy}}
		if errs := Validate(c); len(errs) != 0 {
			t.Errorf("restart=%q: unexpected errors: %v", policy, errs)
		}
	}
}

func TestByteSizeString(t *testing.T) {
	if got := ByteSize(4 << 20).String(); got != "4.0 MiB" {
		t.Errorf("got %q", got)
	}
}

func assertHasError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got: %v", substr, errs)
}
