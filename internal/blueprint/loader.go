package blueprint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/range-engine/internal/models"
)

// Loader manages loading and caching of blueprint documents
type Loader struct {
	mu         sync.RWMutex
	blueprints map[string]*models.Blueprint
}

// NewLoader creates a new blueprint loader
func NewLoader() *Loader {
	return &Loader{
		blueprints: make(map[string]*models.Blueprint),
	}
}

// LoadFromDir loads all YAML blueprints from a directory
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading blueprints from directory", "dir", dir)

	patterns := []string{"*.yaml", "*.yml"}
	var files []string

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}

	loaded := 0
	for _, file := range files {
		if err := l.LoadFromFile(file); err != nil {
			slog.Warn("failed to load blueprint", "file", file, "error", err)
			continue
		}
		loaded++
	}

	slog.Info("blueprints loaded", "count", loaded, "total_files", len(files))
	return nil
}

// LoadFromFile loads a single blueprint from a YAML file
func (l *Loader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	bp, err := Parse(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.blueprints[bp.Name] = bp
	l.mu.Unlock()

	slog.Info("blueprint loaded", "name", bp.Name,
		"challenges", len(bp.Challenges), "services", len(bp.Services))
	return nil
}

// Parse decodes and validates a blueprint document
func Parse(data []byte) (*models.Blueprint, error) {
	var bp models.Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if bp.Name == "" {
		return nil, &ValidationError{Reason: "blueprint name is required"}
	}

	for i := range bp.Challenges {
		ch := &bp.Challenges[i]
		if ch.Slug == "" {
			return nil, &ValidationError{Blueprint: bp.Name, Reason: "challenge slug is required"}
		}
		switch ch.FlagMode {
		case models.FlagShared, models.FlagIndividual:
		case "":
			ch.FlagMode = models.FlagShared
		default:
			return nil, &ValidationError{
				Blueprint: bp.Name,
				Reason:    fmt.Sprintf("challenge %q: unknown flag-mode %q", ch.Slug, ch.FlagMode),
			}
		}
	}

	for i := range bp.Services {
		svc := &bp.Services[i]
		if svc.Name == "" || svc.Image == "" {
			return nil, &ValidationError{Blueprint: bp.Name, Reason: "service name and image are required"}
		}
		for j := range svc.Publish {
			if svc.Publish[j].Protocol == "" {
				svc.Publish[j].Protocol = "tcp"
			}
		}
	}

	return &bp, nil
}

// Get retrieves a blueprint by name
func (l *Loader) Get(name string) *models.Blueprint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blueprints[name]
}

// List returns all loaded blueprints
func (l *Loader) List() []*models.Blueprint {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.Blueprint, 0, len(l.blueprints))
	for _, bp := range l.blueprints {
		result = append(result, bp)
	}
	return result
}

// Add programmatically adds a blueprint
func (l *Loader) Add(bp *models.Blueprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blueprints[bp.Name] = bp
}
