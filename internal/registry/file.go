package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type channelFile struct {
	Channels []*domain.Channel `yaml:"channels"`
}

// LoadChannelsFile parses a YAML channel list. Environment variables in the
// file are expanded before parsing.
func LoadChannelsFile(path string) ([]*domain.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var f channelFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}
	return f.Channels, nil
}

// FileSource keeps an InMemoryRegistry in sync with a YAML file.
type FileSource struct {
	path     string
	registry *InMemoryRegistry
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	onChange []func()
	watcher  *fsnotify.Watcher
}

// NewFileSource loads path into registry. A file that fails to load is an
// error here; on later reloads the current channel set is kept instead.
func NewFileSource(path string, registry *InMemoryRegistry, logger *slog.Logger) (*FileSource, error) {
	fs := &FileSource{
		path:     filepath.Clean(path),
		registry: registry,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSource) load() error {
	channels, err := LoadChannelsFile(fs.path)
	if err != nil {
		return err
	}
	return fs.registry.Replace(channels)
}

func (fs *FileSource) OnChange(fn func()) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onChange = append(fs.onChange, fn)
}

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so editors that replace the file by rename are picked up.
func (fs *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	fs.mu.Lock()
	fs.watcher = watcher
	fs.mu.Unlock()

	go fs.watchLoop(ctx, watcher)
	return nil
}

func (fs *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(fs.debounce, fs.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Error("channels file watcher error", "error", err)
		}
	}
}

func (fs *FileSource) reload() {
	if err := fs.load(); err != nil {
		fs.logger.Error("failed to reload channels file, keeping current", "error", err, "path", fs.path)
		return
	}
	fs.logger.Info("channels file reloaded", "path", fs.path)

	fs.mu.Lock()
	callbacks := append([]func(){}, fs.onChange...)
	fs.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (fs *FileSource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}
