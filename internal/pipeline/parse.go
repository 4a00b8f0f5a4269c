package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ParseError reports a malformed or invalid pipeline declaration.
// It maps to the config-error exit code at the CLI boundary.
type ParseError struct {
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func parseErrorf(path, format string, args ...any) error {
	return &ParseError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Load reads and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, parseErrorf(path, "open pipeline: %v", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse decodes a pipeline declaration from r. Unknown fields are rejected
// so typos in the declaration fail loudly instead of silently dropping a
// step gate or an exclude entry.
func Parse(r io.Reader, path string) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, parseErrorf(path, "read pipeline: %v", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, parseErrorf(path, "decode pipeline: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, &ParseError{Path: path, Message: err.Error()}
	}
	return &p, nil
}

// defaultEnvName derives MATRIX_<NAME> from an axis name. Runs of
// non-alphanumeric characters collapse to a single underscore.
func defaultEnvName(axis string) string {
	var b strings.Builder
	b.WriteString("MATRIX_")
	lastUnderscore := false
	for _, r := range axis {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return b.String()
}
