package am

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
)

// DefaultDebounce collapses the burst of events editors emit on save
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback receives the freshly loaded config
type ReloadCallback func(*Config) error

// ConfigWatcher reloads configuration when its file changes on disk.
// Writes made by kiln itself and saves that leave the content unchanged
// are ignored.
type ConfigWatcher struct {
	path           string
	fs             *fsnotify.Watcher
	debouncePeriod time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	lastSum   [sha256.Size]byte

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewConfigWatcher creates a watcher for configPath. The parent directory is
// watched so editors that replace the file atomically are still seen.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(filepath.Dir(configPath)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory for %s", configPath)
	}

	cw := &ConfigWatcher{
		path:           filepath.Clean(configPath),
		fs:             fw,
		debouncePeriod: DefaultDebounce,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	if data, err := os.ReadFile(configPath); err == nil {
		cw.lastSum = sha256.Sum256(data)
	}
	return cw, nil
}

// OnReload registers a callback run after every successful reload
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	cw.callbacks = append(cw.callbacks, callback)
	cw.mu.Unlock()
}

// Start begins watching in a background goroutine
func (cw *ConfigWatcher) Start() {
	if cw.started.CompareAndSwap(false, true) {
		go cw.loop()
	}
}

// Stop ends the watch and waits for the loop to exit
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.once.Do(func() {
		close(cw.stop)
		err = cw.fs.Close()
	})
	if cw.started.Load() {
		<-cw.done
	}
	return err
}

func (cw *ConfigWatcher) loop() {
	defer close(cw.done)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-cw.stop:
			return

		case ev, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if !cw.relevant(ev) {
				continue
			}
			logger.Debugw("Config file event", logger.FieldPath, ev.Name, "op", ev.Op.String())
			debounce.Reset(cw.debouncePeriod)

		case <-debounce.C:
			if err := cw.reload(); err != nil {
				logger.Errorw("Config reload failed", logger.FieldPath, cw.path, logger.FieldError, err)
			}

		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != cw.path || isBackupFile(ev.Name) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}

func (cw *ConfigWatcher) reload() error {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	sum := sha256.Sum256(data)

	cw.mu.Lock()
	unchanged := sum == cw.lastSum
	cw.lastSum = sum
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	if unchanged || isOwnWrite(cw.path, data) {
		logger.Debugw("Config content unchanged by user, skipping reload", logger.FieldPath, cw.path)
		return nil
	}

	Reset()
	cfg, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping previous settings")
	}
	logger.Infow("Config reloaded", logger.FieldPath, cw.path)

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Warnw("Config reload callback error", logger.FieldError, err)
		}
	}
	return nil
}

func isBackupFile(path string) bool {
	return strings.HasPrefix(filepath.Ext(path), ".back")
}
