package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rusty-opengl/image-checker/checker"
	"github.com/rusty-opengl/image-checker/config"
	"github.com/rusty-opengl/image-checker/digest"
	"github.com/rusty-opengl/image-checker/orient"
	"github.com/rusty-opengl/image-checker/report"
)

// Process exit codes
const (
	exitOK       = 0
	exitMismatch = 1
	exitFault    = 2
)

var rootCmd = &cobra.Command{
	Use:   "compare-images <template-image-filename>",
	Short: "Compare a rendered e2e image with its template",
	Long: `Compare an image produced by an end-to-end rendering test with its
checked-in template.

The generated image test_result_<name> is flipped vertically in place, since
OpenGL read-back is bottom-up, and its SHA-256 digest is compared with the
digest of the template <name>.

Templates are looked up in image_templates/ when running from e2e-tests/,
and in e2e-tests/image_templates/ otherwise.

Exit codes:
  0  images are identical (nothing is printed)
  1  images differ ("Images are not equal! <name>" on stderr)
  2  anything else went wrong`,
	Args:              templateArg,
	PersistentPreRunE: setup,
	RunE:              compareImages,
	SilenceErrors:     true,
	SilenceUsage:      true,
}

var digestCmd = &cobra.Command{
	Use:   "digest <path>...",
	Short: "Print SHA-256 digests of files",
	Long: `Print the SHA-256 digest of every file in sha256sum layout.
Directories are walked recursively.`,
	Args: cobra.MinimumNArgs(1),
	RunE: printDigests,
}

var flipCmd = &cobra.Command{
	Use:   "flip <image>...",
	Short: "Flip images vertically in place",
	Long: `Flip images top-to-bottom in place, keeping their format.
Useful to turn a freshly generated image into a template.`,
	Args: cobra.MinimumNArgs(1),
	RunE: flipImages,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <bundle.tar.zst>",
	Short: "Inspect and verify a failure bundle",
	Long: `Extract a failure bundle written on mismatch, print its manifest and
verify the digests of the files it contains.`,
	Args: cobra.ExactArgs(1),
	RunE: inspectBundle,
}

// Root command flags
var (
	templateRoot string
	generatedDir string
	artifactsDir string
	reportPath   string
	logLevel     string
	skipFlip     bool
	cacheDigests bool
)

// Inspect command flags
var keepExtracted bool

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error or disabled (env "+config.EnvLogLevel+")")

	rootCmd.Flags().StringVar(&templateRoot, "template-root", "", "Directory holding template images (env "+config.EnvTemplateRoot+")")
	rootCmd.Flags().StringVar(&generatedDir, "generated-dir", "", "Directory holding generated images, default is the working directory (env "+config.EnvGeneratedDir+")")
	rootCmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "", "Write a failure bundle here on mismatch (env "+config.EnvArtifactsDir+")")
	rootCmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON report to this path, - for stdout (env "+config.EnvReport+")")
	rootCmd.Flags().BoolVar(&skipFlip, "no-flip", false, "Compare the generated image as is, without flipping it")
	rootCmd.Flags().BoolVar(&cacheDigests, "cache-digests", false, "Cache template digests in extended attributes")

	inspectCmd.Flags().BoolVar(&keepExtracted, "keep", false, "Keep the extracted bundle and print its location")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(flipCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and maps the outcome to an exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	var mismatch *checker.MismatchError
	if errors.As(err, &mismatch) {
		_, _ = fmt.Fprintln(stderr, mismatch.Error())
		return exitMismatch
	}

	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFault
}

// resetFlags restores every flag of cmd and its subcommands to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func templateArg(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return &checker.ArgumentError{
			Err: fmt.Errorf("expected exactly one template image filename, got %d arguments", len(args)),
		}
	}
	return nil
}

func overrides() config.Overrides {
	return config.Overrides{
		TemplateRoot: templateRoot,
		GeneratedDir: generatedDir,
		ArtifactsDir: artifactsDir,
		ReportPath:   reportPath,
		LogLevel:     logLevel,
		SkipFlip:     skipFlip,
		CacheDigests: cacheDigests,
	}
}

// setup loads .env and configures the global logger for every command.
func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	level := config.Resolve("", "", overrides(), os.Getenv).LogLevel
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return &checker.ArgumentError{Err: fmt.Errorf("invalid log level %q", level)}
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        cmd.ErrOrStderr(),
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
	return nil
}

func compareImages(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	cfg := config.Resolve(args[0], cwd, overrides(), os.Getenv)
	if err := cfg.Validate(); err != nil {
		return &checker.ArgumentError{Err: err}
	}

	log.Logger.Debug().
		Str("template", cfg.TemplateName).
		Str("templateRoot", cfg.TemplateRoot).
		Str("generatedDir", cfg.GeneratedDir).
		Bool("skipFlip", cfg.SkipFlip).
		Msg("resolved configuration")

	opts := checker.Options{
		TemplateRoot: cfg.TemplateRoot,
		GeneratedDir: cfg.GeneratedDir,
		SkipFlip:     cfg.SkipFlip,
		ReportPath:   cfg.ReportPath,
		ArtifactsDir: cfg.ArtifactsDir,
		Stdout:       cmd.OutOrStdout(),
	}
	if cfg.CacheDigests {
		opts.TemplateHasher = digest.NewCache()
	}

	_, err = checker.New(opts).Run(cfg.TemplateName)
	return err
}

func printDigests(cmd *cobra.Command, args []string) error {
	results, err := digest.ComputeHashes(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", r.Path, r.Error)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s  %s\n", r.SHA256, r.Path)
	}

	if failed > 0 {
		return fmt.Errorf("failed to hash %d of %d files", failed, len(results))
	}
	return nil
}

func flipImages(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, path := range args {
		format, err := orient.FlipFile(path)
		if err != nil {
			return fmt.Errorf("failed to flip %s: %w", path, err)
		}
		_, _ = fmt.Fprintf(out, "🔃 %s (%s)\n", path, format)
	}
	return nil
}

func inspectBundle(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintf(out, "📦 Extracting bundle from: %s\n", args[0])
	info, err := report.ExtractBundle(args[0])
	if err != nil {
		return fmt.Errorf("cannot inspect %s: %w", args[0], err)
	}
	if keepExtracted {
		_, _ = fmt.Fprintf(out, "   - Extract path: %s\n", info.ExtractPath)
	} else {
		defer func() { _ = report.CleanupBundle(info) }()
	}

	m := info.Manifest
	_, _ = fmt.Fprintf(out, "\n📋 Manifest:\n")
	_, _ = fmt.Fprintf(out, "   - Version: %s\n", m.Version)
	_, _ = fmt.Fprintf(out, "   - Template: %s\n", m.TemplateName)
	_, _ = fmt.Fprintf(out, "   - Created: %s\n", m.Created)
	_, _ = fmt.Fprintf(out, "   - Equal: %t\n", m.Equal)
	_, _ = fmt.Fprintf(out, "   - Flipped: %t\n", m.Flipped)
	if m.Format != "" {
		_, _ = fmt.Fprintf(out, "   - Format: %s\n", m.Format)
	}

	result, err := report.VerifyBundle(info)
	if err != nil {
		return fmt.Errorf("bundle verification failed: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\n📊 Verification Results:\n")
	if result.Success {
		_, _ = fmt.Fprintf(out, "🎉 Bundle verification successful!\n")
	} else {
		_, _ = fmt.Fprintf(out, "❌ Bundle verification failed!\n")
	}
	_, _ = fmt.Fprintf(out, "   - Total files: %d\n", result.TotalFiles)
	_, _ = fmt.Fprintf(out, "   - Matched hashes: %d\n", result.MatchedHashes)

	if len(result.MissingHashes) > 0 {
		_, _ = fmt.Fprintf(out, "   - Missing hashes: %d\n", len(result.MissingHashes))
		for _, hash := range result.MissingHashes {
			_, _ = fmt.Fprintf(out, "     ❌ %s\n", digest.Preview(hash))
		}
	}
	if len(result.ExtraHashes) > 0 {
		_, _ = fmt.Fprintf(out, "   - Extra hashes: %d\n", len(result.ExtraHashes))
		for _, hash := range result.ExtraHashes {
			_, _ = fmt.Fprintf(out, "     ➕ %s\n", digest.Preview(hash))
		}
	}

	_, _ = fmt.Fprintf(out, "\n📂 File Details:\n")
	for _, f := range result.Files {
		if f.Error != "" {
			_, _ = fmt.Fprintf(out, "   ❌ [%s] %s (Error: %s)\n", f.Role, f.Name, f.Error)
		} else {
			_, _ = fmt.Fprintf(out, "   ✅ [%s] %s (%d bytes) -> %s\n", f.Role, f.Name, f.Size, digest.Preview(f.Actual))
		}
	}

	if !result.Success {
		return fmt.Errorf("bundle verification failed")
	}
	return nil
}
