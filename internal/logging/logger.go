// Package logging provides config-driven categorized file-based logging for termhint.
// Logs are written to .termhint/logs/ with a separate file per category.
// Logging is controlled by debug_mode in .termhint/config.json - when false,
// every call is a silent no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and wiring
	CategoryProvider Category = "provider" // LLM transport calls
	CategoryPipeline Category = "pipeline" // Phase machine, cache, debounce
	CategoryResearch Category = "research" // Research loop steps
	CategoryTools    Category = "tools"    // Tool registry execution
	CategoryUsage    Category = "usage"    // Token accounting
)

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	logsDir   string
	enabled   bool
	level     zapcore.Level
	nop       = zap.NewNop().Sugar()
)

// Initialize sets up the logging directory. When debug is false this is a
// no-op and all subsequent log calls are discarded.
func Initialize(workspace string, debug bool, levelName string) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	enabled = debug
	if !enabled {
		return nil
	}

	logsDir = filepath.Join(workspace, ".termhint", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = zapcore.DebugLevel
	}

	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the logger for a category, creating its file sink on first use.
func Get(category Category) *zap.SugaredLogger {
	loggersMu.RLock()
	if !enabled {
		loggersMu.RUnlock()
		return nop
	}
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	path := filepath.Join(logsDir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// A category that cannot open its file degrades to a no-op
		// rather than failing the caller.
		loggers[category] = nop
		return nop
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(f), level)
	l := zap.New(core).Sugar().Named(string(category))
	loggers[category] = l
	return l
}

// Sync flushes all category sinks. Safe to call at shutdown.
func Sync() {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
}
