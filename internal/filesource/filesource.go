// Package filesource loads flag definitions from a local JSON file and
// watches it for changes.
package filesource

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/xeipuuv/gojsonschema"

	"github.com/matt-riley/variantz/internal/core"
)

//go:embed schema.json
var schemaJSON []byte

var schema = gojsonschema.NewBytesLoader(schemaJSON)

// ValidationError lists the schema violations found in a flag file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid flag file: " + strings.Join(e.Problems, "; ")
}

// Source reads flags from Path.
type Source struct {
	Path   string
	Logger *slog.Logger
}

func New(path string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{Path: path, Logger: logger}
}

// FetchFlags reads, validates and decodes the flag file.
func (s *Source) FetchFlags(_ context.Context) ([]core.Flag, error) {
	return Load(s.Path)
}

// Load reads, validates and decodes the flag file at path.
func Load(path string) ([]core.Flag, error) {
	if path == "" {
		return nil, errors.New("no flag file path set")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw against the flag file schema and decodes it.
func Parse(raw []byte) ([]core.Flag, error) {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate flag file: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, problem := range result.Errors() {
			problems = append(problems, problem.String())
		}
		return nil, &ValidationError{Problems: problems}
	}

	var flags []core.Flag
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("decode flag file: %w", err)
	}
	return flags, nil
}

// Watch reloads the file whenever it is written, created or renamed into
// place and passes the new flags to onChange. Files that fail to load are
// logged and skipped. Watch blocks until ctx is done.
func (s *Source) Watch(ctx context.Context, onChange func([]core.Flag)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace files by rename, which drops a watch on the file
	// itself; watching the directory survives that.
	target := filepath.Clean(s.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			flags, err := Load(target)
			if err != nil {
				s.Logger.Warn("reload flag file failed", "path", target, "error", err)
				continue
			}
			s.Logger.Info("flag file reloaded", "path", target, "flags", len(flags))
			onChange(flags)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Logger.Error("flag file watcher error", "path", target, "error", err)
		}
	}
}
