package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func envMap(m map[string]string) Getenv {
	return func(key string) string { return m[key] }
}

func TestDefaultTemplateRoot(t *testing.T) {
	tests := []struct {
		name string
		cwd  string
		want string
	}{
		{"Inside e2e-tests", "/home/ci/rusty-opengl/e2e-tests", "image_templates"},
		{"Repo root", "/home/ci/rusty-opengl", filepath.Join("e2e-tests", "image_templates")},
		{"Nested below e2e-tests", "/home/ci/rusty-opengl/e2e-tests/src", filepath.Join("e2e-tests", "image_templates")},
		{"Similar name", "/home/ci/my-e2e-tests", filepath.Join("e2e-tests", "image_templates")},
		{"Trailing separator", "/home/ci/rusty-opengl/e2e-tests/", "image_templates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultTemplateRoot(tt.cwd); got != tt.want {
				t.Errorf("DefaultTemplateRoot(%q) = %q, want %q", tt.cwd, got, tt.want)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	env := envMap(map[string]string{
		EnvTemplateRoot: "/env/templates",
		EnvGeneratedDir: "/env/out",
		EnvLogLevel:     "INFO",
	})

	cfg := Resolve("scene1.png", "/repo", Overrides{}, env)
	if cfg.TemplateRoot != "/env/templates" {
		t.Errorf("env should beat default, got %q", cfg.TemplateRoot)
	}
	if cfg.GeneratedDir != "/env/out" {
		t.Errorf("GeneratedDir = %q", cfg.GeneratedDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel should be lowercased, got %q", cfg.LogLevel)
	}

	cfg = Resolve("scene1.png", "/repo", Overrides{TemplateRoot: "/flag/templates", SkipFlip: true}, env)
	if cfg.TemplateRoot != "/flag/templates" {
		t.Errorf("flag should beat env, got %q", cfg.TemplateRoot)
	}
	if !cfg.SkipFlip {
		t.Error("SkipFlip flag lost")
	}

	cfg = Resolve("scene1.png", "/repo/e2e-tests", Overrides{}, envMap(nil))
	if cfg.TemplateRoot != "image_templates" {
		t.Errorf("default root = %q", cfg.TemplateRoot)
	}
	if cfg.GeneratedDir != "" || cfg.ArtifactsDir != "" || cfg.ReportPath != "" {
		t.Errorf("optional settings should default to empty: %+v", cfg)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel default = %q", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{TemplateName: "scene1.png", TemplateRoot: "image_templates", LogLevel: "disabled"}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Valid", func(*Config) {}, ""},
		{"Empty log level", func(c *Config) { c.LogLevel = "" }, ""},
		{"Missing name", func(c *Config) { c.TemplateName = "" }, "missing template image filename"},
		{"Path in name", func(c *Config) { c.TemplateName = "sub/scene1.png" }, "bare file name"},
		{"Backslash in name", func(c *Config) { c.TemplateName = `sub\scene1.png` }, "bare file name"},
		{"Dot dot", func(c *Config) { c.TemplateName = ".." }, "bare file name"},
		{"Missing root", func(c *Config) { c.TemplateRoot = "" }, "missing required setting: templateroot"},
		{"Bad log level", func(c *Config) { c.LogLevel = "loud" }, "must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}

	var nilCfg *Config
	if err := nilCfg.Validate(); err == nil {
		t.Error("nil config should not validate")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	content := "IMGCHECK_TEST_ONLY_ROOT=/from/dotenv\nIMGCHECK_TEST_ONLY_PRESET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMGCHECK_TEST_ONLY_PRESET", "from-env")
	// Registers cleanup for the variable the file will set.
	t.Setenv("IMGCHECK_TEST_ONLY_ROOT", "")
	_ = os.Unsetenv("IMGCHECK_TEST_ONLY_ROOT")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("IMGCHECK_TEST_ONLY_ROOT"); got != "/from/dotenv" {
		t.Errorf("value from .env not loaded, got %q", got)
	}
	if got := os.Getenv("IMGCHECK_TEST_ONLY_PRESET"); got != "from-env" {
		t.Errorf(".env must not override the environment, got %q", got)
	}
}

func TestTemplateCandidates(t *testing.T) {
	ascii := TemplateCandidates("scene1.png")
	if len(ascii) != 1 || ascii[0] != "scene1.png" {
		t.Errorf("ASCII name should have a single candidate, got %q", ascii)
	}

	composed := "sc\u00e8ne.png"
	decomposed := "sce\u0300ne.png"

	got := TemplateCandidates(composed)
	if len(got) != 2 || got[0] != composed || got[1] != decomposed {
		t.Errorf("TemplateCandidates(NFC) = %q", got)
	}

	got = TemplateCandidates(decomposed)
	if len(got) != 2 || got[0] != decomposed || got[1] != composed {
		t.Errorf("TemplateCandidates(NFD) = %q", got)
	}
}
