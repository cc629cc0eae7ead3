// Copyright The Memkit Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

const (
	// defaultSource is the source name of the default logger.
	defaultSource = "default"
	// maximum length of a source name before alignment gives up
	maxSourceLen = 16
)

// Logger is the interface for producing log messages for/from a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Panicf is an alias for Panic.
	Panicf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})

	// DebugBlock emits a multiline debug message with a prefix on every line.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline information message with a prefix on every line.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock emits a multiline warning message with a prefix on every line.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock emits a multiline error message with a prefix on every line.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for the source,
	// returning the previous state.
	EnableDebug(bool) bool
	// DebugEnabled returns true if debug messages are enabled for the source.
	DebugEnabled() bool

	// Source returns the source name of the logger.
	Source() string
}

// logger implements Logger for a single named source.
type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	prefix  bool
	sources map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  srcmap{},
		sources: map[string]logger{},
	}
	deflog = log.get(defaultSource)
)

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the minimum severity of emitted messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string, enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	old := log.dbgmap[source]
	log.dbgmap[source] = enabled
	return old
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// get returns the logger for a source. Caller must hold the lock.
func (l *logging) get(source string) logger {
	if lg, ok := l.sources[source]; ok {
		return lg
	}
	lg := logger{source: source}
	l.sources[source] = lg
	return lg
}

// setDbgMap replaces the per-source debug configuration.
func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

// setPrefix sets whether messages are prefixed with their source.
func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// debugging returns true if debugging is enabled for the source.
func (l *logging) debugging(source string) bool {
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	if enabled, ok := l.dbgmap["*"]; ok {
		return enabled
	}
	return false
}

// format prepends the source prefix to a formatted message when enabled.
func (l logger) format(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if !log.prefix {
		return msg
	}
	src := l.source
	if len(src) > maxSourceLen {
		src = src[:maxSourceLen]
	}
	return "[" + src + "] " + msg
}

func (l logger) Debug(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelDebug || !log.debugging(l.source) {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(1, l.format(format, args...))
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.Debug("%s%s", prefix, line)
	}
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.Info("%s%s", prefix, line)
	}
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.Warn("%s%s", prefix, line)
	}
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.Error("%s%s", prefix, line)
	}
}

func (l logger) EnableDebug(enabled bool) bool {
	return EnableDebug(l.source, enabled)
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debugging(l.source)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
