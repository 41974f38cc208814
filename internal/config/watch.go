package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-task-router/internal/types"
)

const reloadDebounce = 250 * time.Millisecond

// LoadPolicies reads only the router.policies section of a config file
func LoadPolicies(path string) (map[types.TaskType]types.RoutingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc struct {
		Router struct {
			Policies map[types.TaskType]types.RoutingPolicy `yaml:"policies"`
		} `yaml:"router"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	policies := doc.Router.Policies
	if policies == nil {
		policies = map[types.TaskType]types.RoutingPolicy{}
	}
	if err := validatePolicies(policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// WatchPolicies calls apply with the freshly loaded policies each time the
// config file changes, until ctx is done. Editors that replace the file
// rather than write it are handled by watching the parent directory. A file
// that fails to load keeps the previous policies in place.
func WatchPolicies(ctx context.Context, path string, logger *logrus.Logger, apply func(map[types.TaskType]types.RoutingPolicy) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce = time.After(reloadDebounce)
				}
			case <-debounce:
				debounce = nil
				reload(abs, logger, apply)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Policy watcher error")
			}
		}
	}()

	logger.WithField("path", abs).Info("Watching routing policies")
	return nil
}

func reload(path string, logger *logrus.Logger, apply func(map[types.TaskType]types.RoutingPolicy) error) {
	policies, err := LoadPolicies(path)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Ignoring invalid policy update")
		return
	}
	if err := apply(policies); err != nil {
		logger.WithError(err).Warn("Failed to apply routing policies")
		return
	}
	logger.WithField("policies", len(policies)).Info("Routing policies reloaded")
}
