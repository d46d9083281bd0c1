package catalog

import (
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/steward/model"
)

// File is the on-disk layout of a template catalog file.
type File struct {
	Templates []model.FlowTemplate `yaml:"templates"`
}

// Loader parses template files. IDs are assigned in load order so that the
// order of files, and of templates within a file, is the creation order used
// by Select.
type Loader struct {
	now func() time.Time
}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{now: time.Now}
}

// LoadFiles parses every file in order and returns the combined templates
// along with a SHA-256 checksum over the raw file contents.
func (l *Loader) LoadFiles(paths []string) ([]model.FlowTemplate, string, error) {
	var (
		templates []model.FlowTemplate
		hash      = sha256.New()
		loadedAt  = l.now().UTC()
	)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", path, err)
		}
		hash.Write(data)

		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, "", fmt.Errorf("parsing %s: %w", path, err)
		}

		for _, t := range f.Templates {
			t.ID = int64(len(templates) + 1)
			t.CreatedAt = loadedAt
			templates = append(templates, t)
		}
	}

	return templates, fmt.Sprintf("%x", hash.Sum(nil)), nil
}
