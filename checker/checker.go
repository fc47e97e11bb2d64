// Package checker asserts that an image rendered by an end-to-end test run
// is byte-for-byte identical to its checked-in template.
//
// A check is strictly sequential: flip the generated image in place, hash
// the template, hash the generated image, compare the digests.
package checker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rusty-opengl/image-checker/config"
	"github.com/rusty-opengl/image-checker/digest"
	"github.com/rusty-opengl/image-checker/orient"
	"github.com/rusty-opengl/image-checker/report"
)

// GeneratedPrefix is prepended to the template name to find the image the
// test run produced.
const GeneratedPrefix = "test_result_"

// Hasher computes the digest of a file.
type Hasher interface {
	ComputeFileHash(path string) (digest.HashResult, error)
}

// Options configures a Checker.
type Options struct {
	// TemplateRoot is the directory holding template images.
	TemplateRoot string
	// GeneratedDir is the directory holding generated images; empty means
	// the working directory.
	GeneratedDir string
	SkipFlip     bool
	// TemplateHasher hashes templates. Defaults to digest.Plain.
	TemplateHasher Hasher

	// ReportPath receives a canonical JSON report of every check; "-"
	// writes to Stdout.
	ReportPath string
	// ArtifactsDir receives a failure bundle for every mismatch.
	ArtifactsDir string
	Stdout       io.Writer
	Now          func() time.Time
}

// Checker runs image equality checks.
type Checker struct {
	opts Options
}

// Result describes one completed comparison.
type Result struct {
	TemplateName  string
	TemplatePath  string
	GeneratedPath string
	Template      digest.HashResult
	Generated     digest.HashResult
	Format        string
	Flipped       bool
	Equal         bool
}

// New returns a Checker with defaults filled in.
func New(opts Options) *Checker {
	if opts.TemplateHasher == nil {
		opts.TemplateHasher = digest.Plain{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Checker{opts: opts}
}

// TemplatePath joins the template root and name.
func TemplatePath(root, name string) string {
	return filepath.Join(root, name)
}

// GeneratedPath returns where the generated image for name lives.
func GeneratedPath(dir, name string) string {
	return filepath.Join(dir, GeneratedPrefix+name)
}

// resolveTemplate returns the first spelling of name that exists under
// root, falling back to the literal name.
func (c *Checker) resolveTemplate(name string) string {
	for _, candidate := range config.TemplateCandidates(name) {
		path := TemplatePath(c.opts.TemplateRoot, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return TemplatePath(c.opts.TemplateRoot, name)
}

// Check compares the template called name with its generated counterpart.
// A mismatch is not an error: it is reported through Result.Equal.
func (c *Checker) Check(name string) (*Result, error) {
	if name == "" {
		return nil, &ArgumentError{Err: errors.New("missing template image filename")}
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return nil, &ArgumentError{Err: fmt.Errorf("template image filename must be a bare file name, got %q", name)}
	}

	res := &Result{
		TemplateName:  name,
		TemplatePath:  c.resolveTemplate(name),
		GeneratedPath: GeneratedPath(c.opts.GeneratedDir, name),
	}
	logger := log.Logger.With().Str("template", name).Logger()

	if !c.opts.SkipFlip {
		format, err := orient.FlipFile(res.GeneratedPath)
		if err != nil {
			return res, classifyFlipError(res.GeneratedPath, err)
		}
		res.Format = format
		res.Flipped = true
	}

	tmpl, err := c.opts.TemplateHasher.ComputeFileHash(res.TemplatePath)
	if err != nil {
		return res, &FileAccessError{Op: "hash", Path: res.TemplatePath, Err: err}
	}
	res.Template = tmpl
	logger.Debug().Str("path", tmpl.Path).Str("sha256", tmpl.SHA256).Msg("hashed template image")

	gen, err := digest.ComputeFileHash(res.GeneratedPath)
	if err != nil {
		return res, &FileAccessError{Op: "hash", Path: res.GeneratedPath, Err: err}
	}
	res.Generated = gen
	logger.Debug().Str("path", gen.Path).Str("sha256", gen.SHA256).Msg("hashed generated image")

	res.Equal = tmpl.SHA256 == gen.SHA256
	logger.Info().Bool("equal", res.Equal).Bool("flipped", res.Flipped).Msg("compared images")
	return res, nil
}

func classifyFlipError(path string, err error) error {
	if errors.Is(err, orient.ErrDecode) || errors.Is(err, orient.ErrUnsupportedFormat) {
		return &DecodeError{Path: path, Err: err}
	}
	return &FileAccessError{Op: "flip", Path: path, Err: err}
}

// Run performs Check, writes the configured report and failure bundle, and
// returns a *MismatchError when the images differ.
func (c *Checker) Run(name string) (*Result, error) {
	res, err := c.Check(name)
	if err != nil {
		return res, err
	}

	manifest := res.Manifest(c.opts.Now())

	if c.opts.ReportPath != "" {
		if err := report.WriteReport(c.opts.ReportPath, manifest, c.opts.Stdout); err != nil {
			return res, &FileAccessError{Op: "write report", Path: c.opts.ReportPath, Err: err}
		}
	}

	if res.Equal {
		return res, nil
	}

	if c.opts.ArtifactsDir != "" {
		bundlePath := filepath.Join(c.opts.ArtifactsDir, report.BundleName(name))
		if err := os.MkdirAll(c.opts.ArtifactsDir, 0750); err != nil {
			return res, &FileAccessError{Op: "create", Path: c.opts.ArtifactsDir, Err: err}
		}
		artifacts := []report.Artifact{
			{SourcePath: res.TemplatePath, Entry: manifest.Files[0]},
			{SourcePath: res.GeneratedPath, Entry: manifest.Files[1]},
		}
		if err := report.WriteBundle(bundlePath, manifest, artifacts); err != nil {
			return res, &FileAccessError{Op: "write bundle", Path: bundlePath, Err: err}
		}
		log.Logger.Info().Str("template", name).Str("path", bundlePath).Msg("wrote failure bundle")
	}

	return res, &MismatchError{TemplateName: name}
}

// Manifest converts the result into a report manifest.
func (r *Result) Manifest(created time.Time) *report.Manifest {
	return &report.Manifest{
		Version:      report.ManifestVersion,
		TemplateName: r.TemplateName,
		Equal:        r.Equal,
		Flipped:      r.Flipped,
		Format:       r.Format,
		Created:      created.UTC().Format(report.TimeFormat),
		Files: []report.FileEntry{
			{Role: report.RoleTemplate, Name: r.TemplatePath, SHA256: r.Template.SHA256, Size: r.Template.Size},
			{Role: report.RoleGenerated, Name: r.GeneratedPath, SHA256: r.Generated.SHA256, Size: r.Generated.Size},
		},
	}
}
