// Package logging builds the zap loggers used across bubbledrift.
// Every component logs under a category name; each puppet additionally
// mirrors its stream into <dir>/<puppet-id>.log.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bubbledrift/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config, CLI
	CategoryStore        Category = "store"        // Video store queries and writes
	CategoryMetadata     Category = "metadata"     // YouTube API enrichment
	CategoryBrowser      Category = "browser"      // Watch session, DOM extraction
	CategoryPuppet       Category = "puppet"       // Puppet lifecycle, train/drift
	CategoryOrchestrator Category = "orchestrator" // Batch runs
)

// Factory hands out category and per-puppet loggers sharing one base core.
type Factory struct {
	base *zap.Logger
	cfg  config.LoggingConfig

	mu    sync.Mutex
	files map[string]*os.File
}

// New builds a Factory from the logging config. verbose forces debug level.
func New(cfg config.LoggingConfig, verbose bool) (*Factory, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return NewWithLogger(base, cfg), nil
}

// NewWithLogger wraps an existing logger. Tests pass zap.NewNop or an
// observer-backed logger here.
func NewWithLogger(base *zap.Logger, cfg config.LoggingConfig) *Factory {
	return &Factory{
		base:  base,
		cfg:   cfg,
		files: make(map[string]*os.File),
	}
}

// ParseLevel maps the config level string to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Base returns the root logger.
func (f *Factory) Base() *zap.Logger {
	return f.base
}

// Get returns the logger for a category, or a no-op logger when the
// category is disabled.
func (f *Factory) Get(cat Category) *zap.Logger {
	if !f.cfg.IsCategoryEnabled(string(cat)) {
		return zap.NewNop()
	}
	return f.base.Named(string(cat))
}

// Puppet returns a logger for one puppet. When a log dir is configured the
// puppet's entries are also written to <dir>/<id>.log.
func (f *Factory) Puppet(id string) (*zap.Logger, error) {
	logger := f.Get(CategoryPuppet).With(zap.String("puppet", id))
	if f.cfg.Dir == "" {
		return logger, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[id]
	if !ok {
		if err := os.MkdirAll(f.cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		file, err = os.OpenFile(filepath.Join(f.cfg.Dir, id+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open puppet log: %w", err)
		}
		f.files[id] = file
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), zapcore.DebugLevel)

	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}

// Close syncs the base logger and closes puppet log files.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_ = f.base.Sync()
	var firstErr error
	for id, file := range f.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.files, id)
	}
	return firstErr
}
