package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeHandler is called with the newly loaded configuration.
type ChangeHandler func(cfg *Config) error

// Watcher reloads the configuration file and policy directory on change.
type Watcher struct {
	path      string
	policyDir string
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	mu             sync.RWMutex
	current        *Config
	handlers       []ChangeHandler
	policyHandlers []func() error
	started        bool
	stopCh         chan struct{}
	done           chan struct{}

	// Serializes event handling.
	eventMu sync.Mutex
	// Delay before reading a changed file, to absorb rapid successive writes.
	settle time.Duration
}

// NewWatcher loads path and prepares to watch it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		current: cfg,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		settle:  50 * time.Millisecond,
	}, nil
}

// WatchPolicies also watches dir for .rego changes.
func (w *Watcher) WatchPolicies(dir string) {
	w.mu.Lock()
	w.policyDir = dir
	w.mu.Unlock()
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

func (w *Watcher) OnPolicyChange(h func() error) {
	w.mu.Lock()
	w.policyHandlers = append(w.policyHandlers, h)
	w.mu.Unlock()
}

// Start begins watching. The directory holding the file is watched so
// editors that replace the file on save are handled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	policyDir := w.policyDir
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if policyDir != "" && policyDir != dir {
		if err := w.watcher.Add(policyDir); err != nil {
			return fmt.Errorf("failed to watch policy directory: %w", err)
		}
	}
	go w.watchLoop(ctx)

	w.logger.Info("Configuration watcher started",
		zap.String("config_path", w.path),
		zap.String("policy_dir", policyDir),
	)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.started = false
	w.mu.Unlock()
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.eventMu.Lock()
	defer w.eventMu.Unlock()

	if event.Op == fsnotify.Chmod {
		return
	}
	switch {
	case filepath.Clean(event.Name) == filepath.Clean(w.path):
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			// Keep the last good configuration until the file reappears.
			w.logger.Warn("Configuration file removed", zap.String("file", event.Name))
			return
		}
		time.Sleep(w.settle)
		if err := w.reload(); err != nil {
			w.logger.Error("Failed to reload configuration",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()),
				zap.Error(err),
			)
		}
	case filepath.Ext(event.Name) == ".rego":
		time.Sleep(w.settle)
		w.reloadPolicies(event)
	}
}

// reload re-reads the configuration; on any error the previous
// configuration stays in effect.
func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := checkSyntax(w.path, data); err != nil {
		return err
	}
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", zap.String("file", w.path), zap.Int("handlers", len(handlers)))
	for _, h := range handlers {
		if err := h(cfg); err != nil {
			w.logger.Error("Configuration change handler failed", zap.Error(err))
		}
	}
	return nil
}

func (w *Watcher) reloadPolicies(event fsnotify.Event) {
	w.mu.RLock()
	handlers := append([]func() error(nil), w.policyHandlers...)
	w.mu.RUnlock()

	w.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filepath.Base(event.Name)),
		zap.String("op", event.Op.String()),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			w.logger.Error("Policy reload handler failed", zap.String("file", event.Name), zap.Error(err))
		}
	}
}

// checkSyntax rejects half-written files before viper sees them.
func checkSyntax(path string, data []byte) error {
	var doc map[string]interface{}
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	return nil
}
