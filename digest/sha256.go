package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// HashResult represents the digest of a single file
type HashResult struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Error  string `json:"error,omitempty"`
}

// fileJob is a file queued for the worker pool
type fileJob struct {
	Path    string
	Display string
	Err     error
}

// Plain hashes files straight from disk with no memoization.
type Plain struct{}

// ComputeFileHash implements the file hasher used by the checker.
func (Plain) ComputeFileHash(path string) (HashResult, error) {
	return ComputeFileHash(path)
}

// ComputeFileHash reads the whole file and returns its lowercase hex SHA-256
func ComputeFileHash(path string) (HashResult, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return HashResult{Path: path}, err
	}
	defer func() {
		_ = file.Close()
	}()

	return hashReader(path, file)
}

func hashReader(path string, r io.Reader) (HashResult, error) {
	hash := sha256.New()
	n, err := io.Copy(hash, r)
	if err != nil {
		return HashResult{Path: path}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return HashResult{
		Path:   path,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
		Size:   n,
	}, nil
}

// ComputeHashes hashes every file named in paths. Directories are walked
// recursively. Per-file failures are recorded on the result; only a path
// that cannot be stat'ed at all aborts the call.
func ComputeHashes(paths []string) ([]HashResult, error) {
	var jobs []fileJob
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to access %s: %w", root, err)
		}
		if !info.IsDir() {
			jobs = append(jobs, fileJob{Path: root, Display: root})
			continue
		}

		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				// Keep walking, the worker reports it
				jobs = append(jobs, fileJob{Path: path, Display: path, Err: err})
				return nil
			}
			if !info.IsDir() {
				jobs = append(jobs, fileJob{Path: path, Display: path})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory: %w", err)
		}
	}

	results := processFilesConcurrently(jobs)

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

// processFilesConcurrently hashes files using a worker pool
func processFilesConcurrently(jobs []fileJob) []HashResult {
	if len(jobs) == 0 {
		return []HashResult{}
	}

	numWorkers := min(
		len(jobs),
		min(runtime.NumCPU(), 8),
	)

	jobChan := make(chan fileJob, len(jobs))
	resultChan := make(chan HashResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(jobChan, resultChan)
		}()
	}

	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var results []HashResult
	for result := range resultChan {
		results = append(results, result)
	}

	return results
}

func worker(jobChan <-chan fileJob, resultChan chan<- HashResult) {
	for job := range jobChan {
		if job.Err != nil {
			resultChan <- HashResult{Path: job.Display, Error: job.Err.Error()}
			continue
		}

		result, err := ComputeFileHash(job.Path)
		result.Path = job.Display
		if err != nil {
			result.Error = err.Error()
		}
		resultChan <- result
	}
}

// CompareHashLists compares two lists of hashes and returns matched, missing, and extra hashes
func CompareHashLists(expected, actual []string) (matched, missing, extra []string) {
	expectedMap := make(map[string]bool)
	actualMap := make(map[string]bool)

	for _, hash := range expected {
		expectedMap[strings.ToLower(hash)] = true
	}
	for _, hash := range actual {
		actualMap[strings.ToLower(hash)] = true
	}

	for hash := range expectedMap {
		if actualMap[hash] {
			matched = append(matched, hash)
		} else {
			missing = append(missing, hash)
		}
	}

	for hash := range actualMap {
		if !expectedMap[hash] {
			extra = append(extra, hash)
		}
	}

	sort.Strings(matched)
	sort.Strings(missing)
	sort.Strings(extra)

	return matched, missing, extra
}

// HashString computes SHA256 hash of a string
func HashString(input string) string {
	return HashBytes([]byte(input))
}

// HashBytes computes SHA256 hash of byte slice
func HashBytes(input []byte) string {
	hash := sha256.Sum256(input)
	return hex.EncodeToString(hash[:])
}

// ValidateHashFormat validates that a string is a lowercase or uppercase
// hex encoded SHA256 digest
func ValidateHashFormat(hash string) error {
	hash = strings.TrimPrefix(hash, "sha256:")

	if len(hash) != 2*sha256.Size {
		return fmt.Errorf("invalid hash length: expected %d characters, got %d", 2*sha256.Size, len(hash))
	}

	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("invalid hex characters in hash: %w", err)
	}

	return nil
}

// Preview shortens a digest for display
func Preview(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16] + "..."
}
