package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/deshartman/crelay-payments-sub000/pkg/security"
)

// profileKeyPattern keeps profile keys inside the asset directory.
var profileKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// FileLoader reads profiles from <dir>/<key>.yaml.
type FileLoader struct {
	dir    string
	parser *security.SafeYAMLParser
}

// NewFileLoader creates a loader rooted at dir.
func NewFileLoader(dir string) (*FileLoader, error) {
	if dir == "" {
		return nil, fmt.Errorf("asset directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("asset directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("asset path %s is not a directory", dir)
	}

	return &FileLoader{
		dir:    dir,
		parser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}, nil
}

// Load reads and validates the profile stored under key.
func (l *FileLoader) Load(_ context.Context, key string) (*Profile, error) {
	if !profileKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("invalid profile key: %q", key)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, key+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile %q not found", key)
		}
		return nil, fmt.Errorf("read profile %q: %w", key, err)
	}

	var profile Profile
	if err := l.parser.UnmarshalYAML(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", key, err)
	}

	applyDefaults(&profile, key)
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}
