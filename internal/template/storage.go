package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Override file names looked up by LoadDir
const (
	SubjectFile = "subject.tmpl"
	HTMLFile    = "body.html.tmpl"
	TextFile    = "body.txt.tmpl"
)

// LoadDir returns base with any parts found in dir replacing the built-in
// sources. An empty dir returns a copy of base unchanged.
func LoadDir(dir string, base Template) (*Template, error) {
	out := base
	if dir == "" {
		return &out, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("template dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template dir %s is not a directory", dir)
	}

	parts := []struct {
		file string
		dst  *string
	}{
		{SubjectFile, &out.Subject},
		{HTMLFile, &out.HTML},
		{TextFile, &out.Text},
	}
	for _, p := range parts {
		data, err := os.ReadFile(filepath.Join(dir, p.file))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.file, err)
		}
		*p.dst = string(data)
	}

	if err := NewEngine().Validate(&out); err != nil {
		return nil, fmt.Errorf("template dir %s: %w", dir, err)
	}
	return &out, nil
}
