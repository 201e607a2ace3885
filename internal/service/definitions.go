package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Strob0t/Conductor/internal/domain/workflow"
)

// ParseDefinition decodes a YAML workflow definition.
func ParseDefinition(data []byte) (workflow.Definition, error) {
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return workflow.Definition{}, fmt.Errorf("parse workflow: %w", err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	return def, nil
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDefinitions registers every YAML workflow in dir. Versions already
// registered are skipped. Invalid files are reported together.
func (e *WorkflowEngine) LoadDefinitions(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workflows dir: %w", err)
	}
	var errs []error
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		added, err := e.loadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if added {
			loaded++
		}
	}
	return loaded, errors.Join(errs...)
}

func (e *WorkflowEngine) loadDefinitionFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	if e.HasDefinition(def.Name, def.Version) {
		return false, nil
	}
	if err := e.RegisterDefinition(def); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

// WatchDefinitions hot-adds workflows written to dir until ctx is done.
// A file that changes an already registered version is ignored; bump the
// version to publish a new one.
func (e *WorkflowEngine) WatchDefinitions(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("watching workflow definitions", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) || !isDefinitionFile(ev.Name) {
				continue
			}
			added, err := e.loadDefinitionFile(ev.Name)
			switch {
			case err != nil:
				slog.Warn("workflow definition rejected", "file", ev.Name, "error", err)
			case added:
				slog.Info("workflow definition hot-added", "file", ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("workflow watcher error", "error", err)
		}
	}
}
