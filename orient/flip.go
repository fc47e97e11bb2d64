// Package orient normalizes the vertical orientation of rendered images.
//
// Frame grabs read back from an OpenGL framebuffer start at the bottom-left
// corner, so the first row in the file is the bottom of the scene. Flipping
// the rows once brings such an image into the top-left convention used by
// the checked-in templates.
package orient

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode wraps failures to parse image content.
	ErrDecode = errors.New("image decode failed")
	// ErrUnsupportedFormat is returned for formats that decode but cannot
	// be written back.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// JPEGQuality is used when a JPEG has to be written back.
const JPEGQuality = jpeg.DefaultQuality

// FlipVertical returns a copy of img with its rows in reverse order.
// The concrete image type is kept for every stdlib type backed by a
// Pix/Stride buffer, so re-encoding produces the same color model.
// Any other image is flipped into an *image.RGBA.
func FlipVertical(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		return &image.RGBA{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.NRGBA:
		return &image.NRGBA{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.RGBA64:
		return &image.RGBA64{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.NRGBA64:
		return &image.NRGBA64{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.Gray:
		return &image.Gray{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.Gray16:
		return &image.Gray16{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.Alpha:
		return &image.Alpha{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.Alpha16:
		return &image.Alpha16{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.CMYK:
		return &image.CMYK{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect}
	case *image.Paletted:
		palette := make([]color.Color, len(src.Palette))
		copy(palette, src.Palette)
		return &image.Paletted{Pix: flipRows(src.Pix, src.Stride, src.Rect.Dy()), Stride: src.Stride, Rect: src.Rect, Palette: palette}
	}

	b := img.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		dy := b.Max.Y - 1 - (y - b.Min.Y)
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x, dy, img.At(x, y))
		}
	}
	return dst
}

// flipRows copies pix with its rows reversed. The last row of a buffer may
// be shorter than stride, and a sub-image buffer may run past its last row,
// so every row is copied with min(stride, bytes left for the last row).
func flipRows(pix []byte, stride, rows int) []byte {
	out := make([]byte, len(pix))
	if rows <= 0 || len(pix) == 0 {
		return out
	}

	rowLen := min(stride, len(pix)-(rows-1)*stride)
	if rowLen <= 0 {
		return out
	}
	for y := 0; y < rows; y++ {
		src := (rows - 1 - y) * stride
		dst := y * stride
		copy(out[dst:dst+rowLen], pix[src:src+rowLen])
	}
	return out
}

// Decode reads an image and reports the registered format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, format, nil
}

// Encode writes img in the named format.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "png":
		return png.Encode(w, img)
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, nil)
	default:
		return fmt.Errorf("%w: cannot encode %q", ErrUnsupportedFormat, format)
	}
}

// FlipFile flips the image at path top-to-bottom and overwrites it in the
// same format. The new content is written to a temporary file next to path
// and renamed over it, so a failed encode leaves the original untouched.
func FlipFile(path string) (string, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return "", err
	}
	img, format, err := Decode(file)
	_ = file.Close()
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}

	flipped := FlipVertical(img)
	if err := writeAtomic(path, info.Mode().Perm(), func(w io.Writer) error {
		return Encode(w, flipped, format)
	}); err != nil {
		return format, err
	}

	log.Logger.Debug().
		Str("path", path).
		Str("format", format).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("flipped image vertically")
	return format, nil
}

func writeAtomic(path string, perm os.FileMode, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	needRemove := true
	defer func() {
		if needRemove {
			_ = os.Remove(tmpName)
		}
	}()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	needRemove = false
	return nil
}
