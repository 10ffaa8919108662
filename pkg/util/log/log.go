// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log is the logging facade used by the dynamic instrumentation
// engine. It wraps a seelog logger behind package-level functions so the
// host application decides where engine logs end up.
package log

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

// LogLevel is the level a message was logged at.
type LogLevel = seelog.LogLevel

// Levels re-exported so callers do not need to import seelog.
const (
	TraceLvl    = seelog.TraceLvl
	DebugLvl    = seelog.DebugLvl
	InfoLvl     = seelog.InfoLvl
	WarnLvl     = seelog.WarnLvl
	ErrorLvl    = seelog.ErrorLvl
	CriticalLvl = seelog.CriticalLvl
)

var (
	logger *engineLogger

	// Lines logged before SetupLogger is called are replayed once the logger
	// exists. The engine is usually created before the host configures logging.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

type engineLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger installs l as the engine logger with the given minimum level.
// Unknown levels fall back to info.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &engineLogger{inner: l, level: lvl}

	// Exported functions add two frames between the caller and seelog.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupDefaultLogger installs a console logger writing to stderr. It is used
// by the CLI and by tests that want readable output.
func SetupDefaultLogger(level string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(
		os.Stderr, lvl, "%Date(2006-01-02 15:04:05 MST) | DI | %LEVEL | (%ShortFilePath:%Line in %FuncShort) | %Msg%n",
	)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *engineLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return level >= sw.level
}

func (sw *engineLogger) write(level seelog.LogLevel, s string) error {
	maybeObserve(level, s)

	sw.l.Lock()
	defer sw.l.Unlock()
	switch level {
	case seelog.TraceLvl:
		sw.inner.Trace(s)
	case seelog.DebugLvl:
		sw.inner.Debug(s)
	case seelog.InfoLvl:
		sw.inner.Info(s)
	case seelog.WarnLvl:
		return sw.inner.Warn(s)
	case seelog.ErrorLvl:
		return sw.inner.Error(s)
	default:
		return sw.inner.Critical(s)
	}
	return nil
}

func initialized() bool {
	return logger != nil && logger.inner != nil
}

func logFormat(level seelog.LogLevel, bufferFunc func(), format string, params ...interface{}) {
	if initialized() {
		if logger.shouldLog(level) {
			logger.write(level, fmt.Sprintf(format, params...)) //nolint:errcheck
		}
		return
	}
	if bufferLogsBeforeInit {
		addLogToBuffer(bufferFunc)
	}
}

func logFormatWithError(level seelog.LogLevel, bufferFunc func(), fallbackStderr bool, format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if initialized() {
		if logger.shouldLog(level) {
			logger.write(level, msg) //nolint:errcheck
		}
		return errors.New(msg)
	}
	if bufferLogsBeforeInit {
		addLogToBuffer(bufferFunc)
	}
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", level.String(), msg)
	}
	return errors.New(msg)
}

// ShouldLog returns whether a message at level would be written.
func ShouldLog(level LogLevel) bool {
	return initialized() && logger.shouldLog(level)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	logFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, format, params...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	logFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, format, params...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	logFormat(seelog.InfoLvl, func() { Infof(format, params...) }, format, params...)
}

// Warnf logs with format at the warn level and returns an error containing the formatted log message
func Warnf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, false, format, params...)
}

// Errorf logs with format at the error level and returns an error containing the formatted log message
func Errorf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, true, format, params...)
}

// Flush flushes the underlying inner log
func Flush() {
	if initialized() {
		logger.inner.Flush()
	}
}

// ChangeLogLevel changes the minimum level of the installed logger.
func ChangeLogLevel(level string) error {
	if !initialized() {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	logger.level = lvl
	return nil
}
