package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/text/unicode/norm"
)

// Environment variables consulted when the matching flag is not set.
const (
	EnvTemplateRoot = "IMGCHECK_TEMPLATE_ROOT"
	EnvGeneratedDir = "IMGCHECK_GENERATED_DIR"
	EnvArtifactsDir = "IMGCHECK_ARTIFACTS_DIR"
	EnvReport       = "IMGCHECK_REPORT"
	EnvLogLevel     = "IMGCHECK_LOG_LEVEL"
)

// DefaultLogLevel keeps a successful run silent.
const DefaultLogLevel = "disabled"

// e2eDirName is the harness directory the legacy layout is relative to.
const e2eDirName = "e2e-tests"

// Global validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("basename", isBaseName)
}

// Config is the resolved configuration of one check.
type Config struct {
	TemplateName string `validate:"required,basename"`
	TemplateRoot string `validate:"required"`
	GeneratedDir string
	ArtifactsDir string
	ReportPath   string
	LogLevel     string `validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	SkipFlip     bool
	CacheDigests bool
}

// Overrides carries values given on the command line. Empty strings mean
// "not given".
type Overrides struct {
	TemplateRoot string
	GeneratedDir string
	ArtifactsDir string
	ReportPath   string
	LogLevel     string
	SkipFlip     bool
	CacheDigests bool
}

// Getenv looks up an environment variable.
type Getenv func(string) string

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// DefaultTemplateRoot applies the harness layout rule: templates live in
// image_templates/ when running inside e2e-tests/, and in
// e2e-tests/image_templates/ from anywhere else (typically the repo root).
func DefaultTemplateRoot(cwd string) string {
	if filepath.Base(cwd) == e2eDirName {
		return "image_templates"
	}
	return filepath.Join(e2eDirName, "image_templates")
}

// Resolve builds a Config for templateName. Flags win over the environment,
// the environment wins over defaults. cwd is only used for the default
// template root.
func Resolve(templateName, cwd string, flags Overrides, getenv Getenv) Config {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Config{
		TemplateName: templateName,
		TemplateRoot: firstNonEmpty(flags.TemplateRoot, getenv(EnvTemplateRoot), DefaultTemplateRoot(cwd)),
		GeneratedDir: firstNonEmpty(flags.GeneratedDir, getenv(EnvGeneratedDir)),
		ArtifactsDir: firstNonEmpty(flags.ArtifactsDir, getenv(EnvArtifactsDir)),
		ReportPath:   firstNonEmpty(flags.ReportPath, getenv(EnvReport)),
		LogLevel:     strings.ToLower(firstNonEmpty(flags.LogLevel, getenv(EnvLogLevel), DefaultLogLevel)),
		SkipFlip:     flags.SkipFlip,
		CacheDigests: flags.CacheDigests,
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate checks the configuration using struct tags
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldError := range validationErrors {
				switch fieldError.Tag() {
				case "required":
					if fieldError.Field() == "TemplateName" {
						return fmt.Errorf("missing template image filename")
					}
					return fmt.Errorf("missing required setting: %s", strings.ToLower(fieldError.Field()))
				case "basename":
					return fmt.Errorf("template image filename must be a bare file name, got %q", fieldError.Value())
				case "oneof":
					return fmt.Errorf("invalid value for %s, must be one of: %s", strings.ToLower(fieldError.Field()), fieldError.Param())
				default:
					return fmt.Errorf("validation error for field %s: %s", strings.ToLower(fieldError.Field()), fieldError.Tag())
				}
			}
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

func isBaseName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// TemplateCandidates lists the spellings tried for a template name: the
// literal name, then its NFC and NFD forms if they differ. Fixtures committed
// from macOS are often stored decomposed.
func TemplateCandidates(name string) []string {
	candidates := []string{name}
	for _, form := range []norm.Form{norm.NFC, norm.NFD} {
		alt := form.String(name)
		seen := false
		for _, c := range candidates {
			if c == alt {
				seen = true
				break
			}
		}
		if !seen {
			candidates = append(candidates, alt)
		}
	}
	return candidates
}
