// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Leveled logging with granular per-module verbose filtering, backed by zap.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Verbose bool
var verboseFilters map[string]bool
var verboseAll bool

var logger *zap.SugaredLogger

func init() {
	logger = newLogger(zapcore.InfoLevel)
}

func newLogger(level zapcore.Level) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core).Sugar()
}

// SetVerbose sets the verbose logging mode with granular filtering
// Examples:
//   - "" or "false": disable all verbose logging
//   - "true" or "all": enable all verbose logging
//   - "cache,fetch": enable verbose for cache and fetch modules
//   - "pipeline.Resolve,server": enable pipeline.Resolve method and all of server module
//
// This function is typically called early in main() with:
//
//	logging.SetVerbose(os.Getenv("VERBOSE"))
func SetVerbose(verboseStr string) {
	verboseFilters = make(map[string]bool)
	verboseAll = false
	Verbose = false

	if verboseStr == "" || verboseStr == "false" {
		logger = newLogger(zapcore.InfoLevel)
		return
	}

	if verboseStr == "true" || verboseStr == "all" {
		Verbose = true
		verboseAll = true
		logger = newLogger(zapcore.DebugLevel)
		return
	}

	// Parse comma-separated filters
	filters := strings.Split(verboseStr, ",")
	for _, filter := range filters {
		filter = strings.TrimSpace(filter)
		if filter != "" {
			verboseFilters[filter] = true
			Verbose = true // At least one filter is enabled
		}
	}
	if Verbose {
		logger = newLogger(zapcore.DebugLevel)
	}
}

// IsVerbose checks if verbose logging is enabled for a specific module or method
func IsVerbose(module string, method string) bool {
	if !Verbose {
		return false
	}

	if verboseAll {
		return true
	}

	// Check if module.method is enabled
	if method != "" {
		fullName := module + "." + method
		if verboseFilters[fullName] {
			return true
		}
	}

	// Check if module is enabled (all methods)
	if verboseFilters[module] {
		return true
	}

	return false
}

// DebugMethod logs debug messages for a specific module.method (only in verbose mode)
func DebugMethod(module string, method string, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		logger.Debugf(module+"."+method+": "+format, v...)
	}
}

// Debug logs debug messages (only when all verbose logging is enabled)
func Debug(format string, v ...interface{}) {
	if verboseAll {
		logger.Debugf(format, v...)
	}
}

// Info logs informational messages (always shown)
func Info(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

// Warn logs warning messages (always shown)
func Warn(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

// Error logs error messages (always shown)
func Error(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// Fatal logs error messages and exits with status code 1
func Fatal(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}

// Sync flushes buffered log entries; call before exit.
func Sync() {
	_ = logger.Sync()
}
