// Package filter decides which local paths are eligible for publishing.
// Rules come from an optional YAML file in the sync directory; built-in
// rules always exclude hidden files, editor droppings, and anything over
// the configured size cap. Published data is permanent, so the filter
// errs on the side of exclusion.
package filter

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jbracken/permasync/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Rules is the YAML shape of the rules file.
type Rules struct {
	// Ignore lists doublestar globs matched against normalized relative
	// paths. A matching path is never queued.
	Ignore []string `yaml:"ignore"`

	// MaxFileSize caps the size of files eligible for upload, in bytes.
	// Zero means no cap.
	MaxFileSize int64 `yaml:"max_file_size"`

	// IncludeHidden opts dotfiles in. Off by default: hidden files are
	// usually tool state nobody wants published forever.
	IncludeHidden bool `yaml:"include_hidden"`
}

// Filter applies the loaded rules to candidate paths.
type Filter struct {
	rules Rules
}

// Default returns a filter with no user rules: hidden files and editor
// temp files excluded, no size cap.
func Default() *Filter {
	return &Filter{}
}

// LoadFile reads and validates a YAML rules file.
func LoadFile(path string) (*Filter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	return Parse(data)
}

// Parse validates YAML rules content. Every glob is checked up front so
// a broken pattern fails at startup, not silently during matching.
func Parse(data []byte) (*Filter, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	for _, pattern := range rules.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}

	if rules.MaxFileSize < 0 {
		return nil, fmt.Errorf("max_file_size must not be negative")
	}

	return &Filter{rules: rules}, nil
}

// IncludeHidden reports whether dotfiles are opted in. The scanner uses
// this to prune hidden directories instead of walking them.
func (f *Filter) IncludeHidden() bool {
	return f.rules.IncludeHidden
}

// AllowPath returns true when the given relative path is eligible for
// queueing. size is the file's byte size; pass 0 for directories and
// metadata-only operations.
func (f *Filter) AllowPath(relPath string, size int64) bool {
	relPath = fsutil.NormalizePath(relPath)
	if relPath == "" {
		return false
	}

	for _, segment := range strings.Split(relPath, "/") {
		if !f.rules.IncludeHidden && strings.HasPrefix(segment, ".") {
			return false
		}

		if strings.HasSuffix(segment, "~") || strings.HasSuffix(segment, ".swp") {
			return false
		}

		if segment == "node_modules" {
			return false
		}
	}

	if f.rules.MaxFileSize > 0 && size > f.rules.MaxFileSize {
		return false
	}

	for _, pattern := range f.rules.Ignore {
		// Patterns were validated at load time.
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return false
		}
	}

	return true
}
