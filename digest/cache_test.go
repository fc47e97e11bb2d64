package digest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/xattr"
)

// requireXattr skips the test when the temp filesystem rejects user xattrs.
func requireXattr(t *testing.T, path string) {
	t.Helper()
	if err := xattr.Set(path, "user.imgcheck.probe", []byte("1")); err != nil {
		t.Skipf("user xattrs not supported here: %v", err)
	}
	_ = xattr.Remove(path, "user.imgcheck.probe")
}

func TestParseStamp(t *testing.T) {
	hash := HashString("x")
	tests := []struct {
		name  string
		input string
		want  Stamp
		ok    bool
	}{
		{
			name:  "Complete",
			input: "size:12,modTime:1700000000000000000,sha256:" + hash,
			want:  Stamp{Size: 12, ModTime: 1700000000000000000, SHA256: hash},
			ok:    true,
		},
		{
			name:  "Key order and unknown keys",
			input: "sha256:" + hash + ",extra:1,SIZE:3,modTime:-5",
			want:  Stamp{Size: 3, ModTime: -5, SHA256: hash},
			ok:    true,
		},
		{name: "Missing hash", input: "size:12,modTime:1"},
		{name: "Bad size", input: "size:x,modTime:1,sha256:" + hash},
		{name: "Negative size", input: "size:-1,modTime:1,sha256:" + hash},
		{name: "Bad hash", input: "size:1,modTime:1,sha256:nothex"},
		{name: "Empty", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseStamp([]byte(tt.input))
			if ok != tt.ok {
				t.Fatalf("ParseStamp(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseStamp(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStampRoundTrip(t *testing.T) {
	s := Stamp{Size: 99, ModTime: 123456789, SHA256: HashString("y")}
	got, ok := ParseStamp([]byte(s.String()))
	if !ok || got != s {
		t.Errorf("round trip of %q gave %+v (ok=%v)", s.String(), got, ok)
	}
}

func TestCacheStoresAndReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.png")
	createTestFile(t, path, "template bytes")
	requireXattr(t, path)

	cache := NewCache()
	first, err := cache.ComputeFileHash(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if first.SHA256 != HashString("template bytes") {
		t.Fatalf("Wrong first hash %s", first.SHA256)
	}

	raw, err := xattr.Get(path, DefaultStampName)
	if err != nil {
		t.Fatalf("Expected stamp to be stored: %v", err)
	}
	stamp, ok := ParseStamp(raw)
	if !ok || stamp.SHA256 != first.SHA256 {
		t.Fatalf("Stored stamp %q does not match digest", raw)
	}

	// Plant a different digest with matching size/mtime; a hit returns it.
	planted := stamp
	planted.SHA256 = hashFromInt(1)
	if err := xattr.Set(path, DefaultStampName, planted.Append(nil)); err != nil {
		t.Fatalf("Failed to plant stamp: %v", err)
	}
	second, err := cache.ComputeFileHash(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second.SHA256 != planted.SHA256 {
		t.Errorf("Expected cached digest %s, got %s", planted.SHA256, second.SHA256)
	}
}

func TestCacheInvalidatedByModification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.png")
	createTestFile(t, path, "old")
	requireXattr(t, path)

	cache := NewCache()
	if _, err := cache.ComputeFileHash(path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	createTestFile(t, path, "new content")
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch file: %v", err)
	}

	result, err := cache.ComputeFileHash(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.SHA256 != HashString("new content") {
		t.Errorf("Stale memo used: got %s", result.SHA256)
	}
}

func TestCacheForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.png")
	createTestFile(t, path, "data")
	requireXattr(t, path)

	cache := NewCache()
	if err := cache.Forget(path); err != nil {
		t.Fatalf("Forget without memo should succeed: %v", err)
	}
	if _, err := cache.ComputeFileHash(path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := cache.Forget(path); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, err := xattr.Get(path, DefaultStampName); err == nil {
		t.Error("Stamp should be gone after Forget")
	}
}

func TestCacheMissingFile(t *testing.T) {
	_, err := NewCache().ComputeFileHash(filepath.Join(t.TempDir(), "nope"))
	if !os.IsNotExist(err) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}
