package digest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/pkg/xattr"
	"github.com/rs/zerolog/log"
)

// DefaultStampName is the extended attribute holding a memoized digest.
const DefaultStampName = "user.imgcheck.stamp"

var (
	kSplit   = []byte(",")
	kCut     = []byte(":")
	kSize    = []byte("size")
	kModTime = []byte("modTime")
	kSHA256  = []byte("sha256")
)

// Stamp is the memoized digest of a file together with the size and
// modification time it was computed for.
type Stamp struct {
	Size    int64
	ModTime int64
	SHA256  string
}

// ParseStamp decodes "size:<n>,modTime:<ns>,sha256:<hex>". Unknown keys
// are ignored; all three known keys must be present.
func ParseStamp(input []byte) (Stamp, bool) {
	var s Stamp
	var haveSize, haveTime, haveHash bool
	for _, raw := range bytes.Split(input, kSplit) {
		key, value, found := bytes.Cut(raw, kCut)
		if !found {
			continue
		}
		switch {
		case bytes.EqualFold(key, kSize):
			n, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil || n < 0 {
				return Stamp{}, false
			}
			s.Size, haveSize = n, true
		case bytes.EqualFold(key, kModTime):
			n, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return Stamp{}, false
			}
			s.ModTime, haveTime = n, true
		case bytes.EqualFold(key, kSHA256):
			if ValidateHashFormat(string(value)) != nil {
				return Stamp{}, false
			}
			s.SHA256, haveHash = string(bytes.ToLower(value)), true
		}
	}
	return s, haveSize && haveTime && haveHash
}

// Append encodes the stamp onto out.
func (s Stamp) Append(out []byte) []byte {
	out = append(out, kSize...)
	out = append(out, kCut...)
	out = strconv.AppendInt(out, s.Size, 10)
	out = append(out, kSplit...)
	out = append(out, kModTime...)
	out = append(out, kCut...)
	out = strconv.AppendInt(out, s.ModTime, 10)
	out = append(out, kSplit...)
	out = append(out, kSHA256...)
	out = append(out, kCut...)
	out = append(out, s.SHA256...)
	return out
}

func (s Stamp) String() string {
	var scratch [128]byte
	return string(s.Append(scratch[:0]))
}

var _ fmt.Stringer = Stamp{}

// Cache memoizes file digests in an extended attribute. A memo is trusted
// only while the file's size and modification time are unchanged. On
// filesystems without xattr support it behaves like Plain.
type Cache struct {
	Name string
}

// NewCache returns a Cache using DefaultStampName.
func NewCache() *Cache {
	return &Cache{Name: DefaultStampName}
}

// ComputeFileHash returns the memoized digest when it is still valid and
// otherwise hashes the file and refreshes the memo.
func (c *Cache) ComputeFileHash(path string) (HashResult, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return HashResult{Path: path}, err
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return HashResult{Path: path}, err
	}
	size := info.Size()
	modTime := info.ModTime().UnixNano()

	if raw, ok := maybeFGet(file, c.Name); ok {
		if s, ok := ParseStamp(raw); ok && s.Size == size && s.ModTime == modTime {
			log.Logger.Debug().
				Str("path", path).
				Str("sha256", s.SHA256).
				Msg("digest cache hit")
			return HashResult{Path: path, SHA256: s.SHA256, Size: size}, nil
		}
	}

	result, err := hashReader(path, file)
	if err != nil {
		return result, err
	}

	if result.Size != size {
		log.Logger.Warn().
			Str("path", path).
			Int64("expectedSize", size).
			Int64("computedSize", result.Size).
			Msg("file size changed while computing hash")
		return result, nil
	}

	stamp := Stamp{Size: size, ModTime: modTime, SHA256: result.SHA256}
	maybeFSet(file, c.Name, stamp.Append(nil))
	return result, nil
}

// Forget removes the memo from path, if any.
func (c *Cache) Forget(path string) error {
	err := xattr.Remove(path, c.Name)
	if err == nil || isNoAttr(err) {
		return nil
	}
	return err
}

func isNoAttr(err error) bool {
	return errors.Is(err, xattr.ENOATTR) || errors.Is(err, syscall.ENODATA)
}

func maybeFGet(file *os.File, name string) ([]byte, bool) {
	value, err := xattr.FGet(file, name)
	if err == nil {
		log.Logger.Trace().
			Str("path", file.Name()).
			Str("xaName", name).
			Bytes("xaValue", value).
			Msg("fgetxattr")
		return value, true
	}

	if isNoAttr(err) {
		return nil, false
	}

	log.Logger.Debug().
		Str("path", file.Name()).
		Str("xaName", name).
		Err(err).
		Msg("fgetxattr failed")
	return nil, false
}

func maybeFSet(file *os.File, name string, value []byte) {
	err := xattr.FSet(file, name, value)
	if err == nil {
		log.Logger.Debug().
			Str("path", file.Name()).
			Str("xaName", name).
			Str("xaValue", string(value)).
			Msg("fsetxattr")
		return
	}

	log.Logger.Debug().
		Str("path", file.Name()).
		Str("xaName", name).
		Err(err).
		Msg("fsetxattr failed")
}
