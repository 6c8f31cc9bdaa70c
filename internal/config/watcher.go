package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific on-disk documents
// change: the config file itself, the rules document, the refusal-rules
// document, and the settings document. Other persisted documents are not
// watched.
type WatchTargets struct {
	// OnConfigChange fires when the config file is written or created.
	OnConfigChange func()

	// OnRulesChange fires when the persisted rules document changes.
	OnRulesChange func()

	// OnRefusalRulesChange fires when the persisted refusal-rules document changes.
	OnRefusalRulesChange func()

	// OnSettingsChange fires when the persisted settings document changes.
	OnSettingsChange func()
}

// Watcher monitors the config file and the data-root's persisted-state
// directory using fsnotify: one background goroutine dispatches fsnotify
// events by matching the changed file's base name.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches configPath's containing directory and, if dataRoot is
// non-empty, dataRoot itself, for changes to the config file, rules.json,
// refusal_rules.json, and settings.json.
func NewWatcher(configPath, dataRoot string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := fw.Add(configDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", configDir, err)
	}
	if dataRoot != "" && dataRoot != configDir {
		if err := fw.Add(dataRoot); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dataRoot, err)
		}
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	configName := filepath.Base(configPath)
	go w.processEvents(configName, targets)

	slog.Info("config watcher started", "config_dir", configDir, "data_root", dataRoot)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the matching
// callback by the changed file's base name. Runs until Close is called.
func (w *Watcher) processEvents(configName string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write/create events matter — a remove/rename means the
			// file is gone, not that it should be reloaded.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case configName:
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			case "rules.json":
				if targets.OnRulesChange != nil {
					targets.OnRulesChange()
				}
			case "refusal_rules.json":
				if targets.OnRefusalRulesChange != nil {
					targets.OnRefusalRulesChange()
				}
			case "settings.json":
				if targets.OnSettingsChange != nil {
					targets.OnSettingsChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
