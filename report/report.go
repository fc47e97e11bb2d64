package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gowebpki/jcs"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = "1.0.0"

// TimeFormat is the layout of Manifest.Created.
const TimeFormat = "2006-01-02T15:04:05Z"

// File roles
const (
	RoleTemplate  = "template"
	RoleGenerated = "generated"
)

// Global validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// FileEntry describes one file that took part in a comparison
type FileEntry struct {
	Role   string `json:"role" validate:"required,oneof=template generated"`
	Name   string `json:"name" validate:"required"`
	SHA256 string `json:"sha256" validate:"required,len=64,hexadecimal"`
	Size   int64  `json:"size" validate:"min=0"`
}

// Manifest records the outcome of one check
type Manifest struct {
	Version      string      `json:"version" validate:"required,semver"`
	TemplateName string      `json:"templateName" validate:"required"`
	Equal        bool        `json:"equal"`
	Flipped      bool        `json:"flipped"`
	Format       string      `json:"format,omitempty"`
	Created      string      `json:"created" validate:"required,datetime=2006-01-02T15:04:05Z"`
	Files        []FileEntry `json:"files" validate:"required,min=1,dive"`
}

// ParseManifest decodes a manifest from JSON
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	return &m, nil
}

// Canonicalize converts a manifest to RFC 8785 canonical JSON terminated
// by a line feed, so identical outcomes produce identical bytes.
func Canonicalize(m *Manifest) ([]byte, error) {
	rawJSON, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	canonical, err := jcs.Transform(rawJSON)
	if err != nil {
		return nil, err
	}

	if len(canonical) > 0 && canonical[len(canonical)-1] != '\n' {
		canonical = append(canonical, '\n')
	}

	return canonical, nil
}

// WriteReport writes the canonical manifest to path, or to stdout when
// path is "-".
func WriteReport(path string, m *Manifest, stdout io.Writer) error {
	data, err := Canonicalize(m)
	if err != nil {
		return fmt.Errorf("failed to canonicalize report: %w", err)
	}

	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the manifest structure using the validator library
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest cannot be nil")
	}

	if err := validate.Struct(m); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldError := range validationErrors {
				switch fieldError.Tag() {
				case "required":
					return fmt.Errorf("missing required field: %s", strings.ToLower(fieldError.Field()))
				case "semver":
					return fmt.Errorf("invalid semantic version format for version: %s", fieldError.Value())
				case "datetime":
					return fmt.Errorf("invalid created timestamp format, expected RFC3339 UTC: %s", fieldError.Value())
				case "min":
					if fieldError.Field() == "Files" {
						return fmt.Errorf("manifest must list at least one file")
					}
					return fmt.Errorf("field %s must have minimum value/length of %s", strings.ToLower(fieldError.Field()), fieldError.Param())
				case "oneof":
					return fmt.Errorf("invalid value for field %s, must be one of: %s", strings.ToLower(fieldError.Field()), fieldError.Param())
				case "hexadecimal":
					return fmt.Errorf("field %s must be hexadecimal: %s", strings.ToLower(fieldError.Field()), fieldError.Value())
				case "len":
					return fmt.Errorf("field %s must be exactly %s characters long", strings.ToLower(fieldError.Field()), fieldError.Param())
				default:
					return fmt.Errorf("validation error for field %s: %s", strings.ToLower(fieldError.Field()), fieldError.Tag())
				}
			}
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// FileByRole returns the first entry with the given role.
func (m *Manifest) FileByRole(role string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Role == role {
			return f, true
		}
	}
	return FileEntry{}, false
}
