// Package macros loads the clinical text-snippet library inserted by the
// insert-macro action. Macros are declarative YAML; they carry no behavior.
package macros

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is one macro library file. A directory may hold several files,
// typically grouped by specialty.
type File struct {
	Macros []Macro `yaml:"macros"`
}

type Macro struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title,omitempty"`
	Text  string `yaml:"text"`
}

// Library is the merged, validated macro set.
type Library struct {
	byID map[string]Macro
}

// Load reads every .yaml/.yml file in dir. Duplicate identifiers across
// files are a configuration error, not a silent override.
func Load(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read macro directory: %w", err)
	}

	lib := &Library{byID: make(map[string]Macro)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read macro file %s: %w", entry.Name(), err)
		}
		var file File
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse macro file %s: %w", entry.Name(), err)
		}
		for _, m := range file.Macros {
			if err := validate(m); err != nil {
				return nil, fmt.Errorf("macro file %s: %w", entry.Name(), err)
			}
			if _, exists := lib.byID[m.ID]; exists {
				return nil, fmt.Errorf("macro file %s: duplicate macro id %q", entry.Name(), m.ID)
			}
			lib.byID[m.ID] = m
		}
	}
	return lib, nil
}

func validate(m Macro) error {
	if m.ID == "" {
		return fmt.Errorf("macro id is required")
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("macro %q: text is required", m.ID)
	}
	return nil
}

// Expand resolves a macro identifier to its text.
func (l *Library) Expand(id string) (string, bool) {
	m, ok := l.byID[id]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(m.Text), true
}

// Len reports how many macros are loaded.
func (l *Library) Len() int {
	return len(l.byID)
}
