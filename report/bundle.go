package report

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rusty-opengl/image-checker/digest"
)

// BundleExt is the extension of failure bundles.
const BundleExt = ".tar.zst"

// ManifestName is the manifest's entry name inside a bundle.
const ManifestName = "manifest.json"

const (
	// Maximum size limits to prevent decompression bombs
	maxTotalExtractedSize = 1 * 1024 * 1024 * 1024 // 1GB total
	maxSingleFileSize     = 512 * 1024 * 1024      // 512MB per file
	maxCompressionRatio   = 100                    // Max 100:1 compression ratio
)

// Artifact is a file to be stored in a bundle alongside its manifest entry.
type Artifact struct {
	SourcePath string
	Entry      FileEntry
}

// BundleInfo represents an extracted bundle
type BundleInfo struct {
	ExtractPath  string    `json:"extractPath"`
	ManifestPath string    `json:"manifestPath"`
	Manifest     *Manifest `json:"manifest"`
}

// FileCheck is the verification outcome for one bundled file
type FileCheck struct {
	Role     string `json:"role"`
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Size     int64  `json:"size"`
	Error    string `json:"error,omitempty"`
}

// VerificationResult represents the result of bundle verification
type VerificationResult struct {
	Success       bool        `json:"success"`
	TotalFiles    int         `json:"totalFiles"`
	MatchedHashes int         `json:"matchedHashes"`
	MissingHashes []string    `json:"missingHashes,omitempty"`
	ExtraHashes   []string    `json:"extraHashes,omitempty"`
	Files         []FileCheck `json:"files"`
}

// limitedReader wraps an io.Reader and limits the number of bytes that can be read
type limitedReader struct {
	reader io.Reader
	limit  int64
	read   int64
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if lr.read >= lr.limit {
		return 0, fmt.Errorf("size limit exceeded: %d bytes", lr.limit)
	}

	if int64(len(p)) > lr.limit-lr.read {
		p = p[:lr.limit-lr.read]
	}

	n, err := lr.reader.Read(p)
	lr.read += int64(n)
	return n, err
}

// BundleName returns the bundle file name used for a template.
func BundleName(templateName string) string {
	return templateName + ".mismatch" + BundleExt
}

// archiveName is where a file with the given role is stored in a bundle.
func archiveName(role, name string) string {
	return path.Join(role, filepath.Base(name))
}

// WriteBundle writes a tar+zstd bundle holding the manifest and the
// artifacts. The manifest written into the bundle names each file by its
// path inside the archive; m itself is not modified.
func WriteBundle(bundlePath string, m *Manifest, artifacts []Artifact) error {
	bundled := *m
	bundled.Files = make([]FileEntry, 0, len(artifacts))
	for _, a := range artifacts {
		entry := a.Entry
		entry.Name = archiveName(entry.Role, entry.Name)
		bundled.Files = append(bundled.Files, entry)
	}
	if err := bundled.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	manifestData, err := Canonicalize(&bundled)
	if err != nil {
		return fmt.Errorf("failed to canonicalize manifest: %w", err)
	}

	//nolint:gosec
	file, err := os.Create(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to create bundle: %w", err)
	}

	modTime := time.Now()
	if created, err := time.Parse(TimeFormat, m.Created); err == nil {
		modTime = created
	}

	err = writeTarZstd(file, manifestData, modTime, artifacts, bundled.Files)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(bundlePath)
		return err
	}
	return nil
}

func writeTarZstd(w io.Writer, manifestData []byte, modTime time.Time, artifacts []Artifact, entries []FileEntry) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = encoder.Close()
		}
	}()

	tarWriter := tar.NewWriter(encoder)

	if err := tarWriter.WriteHeader(&tar.Header{
		Name:     ManifestName,
		Mode:     0644,
		Size:     int64(len(manifestData)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tarWriter.Write(manifestData); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for i, a := range artifacts {
		if err := addFile(tarWriter, a.SourcePath, entries[i].Name); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	closed = true
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, sourcePath, name string) error {
	//nolint:gosec
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", sourcePath, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", sourcePath, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// validateArchiveEntryName validates that an archive entry name is safe to extract
func validateArchiveEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name")
	}

	cleanName := filepath.Clean(name)

	if strings.Contains(cleanName, "..") {
		return fmt.Errorf("path contains directory traversal: %s", name)
	}

	if filepath.IsAbs(cleanName) {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}

	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("paths starting with separator not allowed: %s", name)
	}

	if cleanName != name && cleanName != strings.TrimRight(name, "/") {
		return fmt.Errorf("suspicious path detected: %s", name)
	}

	return nil
}

// ExtractBundle extracts a bundle to a temporary directory and parses its manifest
func ExtractBundle(bundlePath string) (*BundleInfo, error) {
	if !strings.HasSuffix(strings.ToLower(bundlePath), BundleExt) {
		return nil, fmt.Errorf("file must have %s extension, got: %s", BundleExt, filepath.Base(bundlePath))
	}

	if _, err := os.Stat(bundlePath); err != nil {
		return nil, fmt.Errorf("cannot access bundle file: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "imgcheck-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	if err := extractTarZstd(bundlePath, tempDir); err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to extract bundle: %w", err)
	}

	manifestPath := filepath.Join(tempDir, ManifestName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, fmt.Errorf("%s not found in bundle root", ManifestName)
	}

	m, err := ParseManifest(data)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, err
	}
	if err := m.Validate(); err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &BundleInfo{
		ExtractPath:  tempDir,
		ManifestPath: manifestPath,
		Manifest:     m,
	}, nil
}

// extractTarZstd extracts a tar+zstd archive to the specified directory
func extractTarZstd(archivePath, destDir string) error {
	cleanArchivePath := filepath.Clean(archivePath)

	fileInfo, err := os.Stat(cleanArchivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive file: %w", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return fmt.Errorf("archive path must be a regular file")
	}

	//nolint:gosec
	file, err := os.Open(cleanArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = file.Close() }()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	tarReader := tar.NewReader(decoder)

	var totalExtracted int64

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		if err := validateArchiveEntryName(header.Name); err != nil {
			return fmt.Errorf("invalid archive entry: %w", err)
		}

		//nolint:gosec // G304: We've checked for path traversal
		destPath := filepath.Join(destDir, header.Name)

		if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) &&
			destPath != filepath.Clean(destDir) {
			return fmt.Errorf("invalid file path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", destPath, err)
			}

		case tar.TypeReg:
			if header.Size > maxSingleFileSize {
				return fmt.Errorf("file %s exceeds maximum size limit (%d bytes > %d bytes)",
					header.Name, header.Size, maxSingleFileSize)
			}

			if totalExtracted+header.Size > maxTotalExtractedSize {
				return fmt.Errorf("total extraction size would exceed limit (%d + %d > %d bytes)",
					totalExtracted, header.Size, maxTotalExtractedSize)
			}

			if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
				return fmt.Errorf("failed to create parent directory for %s: %w", destPath, err)
			}

			//nolint:gosec // G304: We've checked for path traversal
			outFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", destPath, err)
			}

			limitedTarReader := &limitedReader{
				reader: tarReader,
				limit:  maxSingleFileSize,
			}

			//nolint:gosec // G110: Protected by limitedReader and size checks above
			bytesWritten, err := io.Copy(outFile, limitedTarReader)
			if err != nil {
				_ = outFile.Close()
				return fmt.Errorf("failed to copy file content for %s: %w", destPath, err)
			}
			_ = outFile.Close()

			totalExtracted += bytesWritten

			if header.Size > 0 && bytesWritten > header.Size*maxCompressionRatio {
				return fmt.Errorf("suspicious compression ratio for file %s (wrote %d bytes, header claimed %d)",
					header.Name, bytesWritten, header.Size)
			}

		default:
			continue
		}
	}

	return nil
}

// VerifyBundle re-hashes every file listed in the manifest and compares it
// with the recorded digest. Files present in the bundle but absent from the
// manifest are reported as extra hashes.
func VerifyBundle(info *BundleInfo) (*VerificationResult, error) {
	if info == nil || info.Manifest == nil {
		return nil, fmt.Errorf("bundle info cannot be nil")
	}

	result := &VerificationResult{}
	var expected []string

	for _, entry := range info.Manifest.Files {
		if err := validateArchiveEntryName(entry.Name); err != nil {
			return nil, fmt.Errorf("invalid manifest entry: %w", err)
		}
		expected = append(expected, entry.SHA256)

		check := FileCheck{Role: entry.Role, Name: entry.Name, Expected: entry.SHA256}
		hash, err := digest.ComputeFileHash(filepath.Join(info.ExtractPath, entry.Name))
		if err != nil {
			check.Error = err.Error()
		} else {
			check.Actual = hash.SHA256
			check.Size = hash.Size
		}
		result.Files = append(result.Files, check)
	}

	all, err := digest.ComputeHashes([]string{info.ExtractPath})
	if err != nil {
		return nil, err
	}

	var actual []string
	for _, h := range all {
		rel, err := filepath.Rel(info.ExtractPath, h.Path)
		if err != nil || rel == ManifestName {
			continue
		}
		result.TotalFiles++
		if h.Error == "" && h.SHA256 != "" {
			actual = append(actual, h.SHA256)
		}
	}

	matched, missing, extra := digest.CompareHashLists(expected, actual)
	result.MatchedHashes = len(matched)
	result.MissingHashes = missing
	result.ExtraHashes = extra

	result.Success = len(missing) == 0 && len(extra) == 0
	for _, f := range result.Files {
		if f.Error != "" || !strings.EqualFold(f.Actual, f.Expected) {
			result.Success = false
		}
	}

	return result, nil
}

// CleanupBundle removes the temporary extraction directory
func CleanupBundle(info *BundleInfo) error {
	if info == nil || info.ExtractPath == "" {
		return nil
	}
	return os.RemoveAll(info.ExtractPath)
}
