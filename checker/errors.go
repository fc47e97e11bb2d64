package checker

import "fmt"

// MismatchMessage prefixes the diagnostic written when images differ.
const MismatchMessage = "Images are not equal!"

// ArgumentError reports a missing or malformed template name. It is
// raised before any file is touched.
type ArgumentError struct {
	Err error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %v", e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// FileAccessError reports a file that could not be opened, read or written.
type FileAccessError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("cannot %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error {
	return e.Err
}

// DecodeError reports generated image content that is not a supported image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MismatchError is the expected failure outcome: both files were read but
// their digests differ.
type MismatchError struct {
	TemplateName string
}

func (e *MismatchError) Error() string {
	return MismatchMessage + " " + e.TemplateName
}
