package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeHandler is called with the previous and the newly decoded configuration.
type ChangeHandler func(old, updated *Config) error

// Manager owns the live configuration and applies hot reloads. Only tier limits and the
// policy overlay mode are meant to change at runtime; handlers decide what they pick up.
type Manager struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	started  bool
}

// NewManager loads the configuration from path. An empty path resolves like Load.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = DefaultPath
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil && !missingFile(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Manager{v: v, path: path, logger: logger, current: cfg}, nil
}

// Config returns the current configuration. Callers must not mutate it.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Path is the config file being watched.
func (m *Manager) Path() string { return m.path }

// RegisterHandler adds a handler run after every successful reload.
func (m *Manager) RegisterHandler(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Watch starts watching the config file. It is a no-op when the file does not exist.
func (m *Manager) Watch() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if _, err := os.Stat(m.path); err != nil {
		m.logger.Info("Config file not present, hot reload disabled", zap.String("path", m.path))
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if err := m.Reload(); err != nil {
			m.logger.Error("Config reload failed, keeping previous configuration", zap.Error(err))
		}
	})
	m.v.WatchConfig()
	m.logger.Info("Watching config file", zap.String("path", m.path))
}

// Reload re-reads the file and runs the handlers. An invalid file leaves the current
// configuration in place.
func (m *Manager) Reload() error {
	if err := m.v.ReadInConfig(); err != nil && !missingFile(err) {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(m.v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(old, cfg); err != nil {
			m.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
	return nil
}
