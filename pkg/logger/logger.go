// DotRelay - conversational relay between chat platforms and language models
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel accepts the names printed by LogLevel.String plus "warning".
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

var (
	mu     sync.RWMutex
	level  = INFO
	jsonOut bool
	output io.Writer = os.Stderr
	base             = build(output, false)
)

func build(w io.Writer, asJSON bool) zerolog.Logger {
	if !asJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// SetOutput redirects all log output. Tests use it with a bytes.Buffer.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	base = build(output, jsonOut)
}

// SetJSON switches between the console writer and raw JSON lines.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonOut = enabled
	base = build(output, jsonOut)
}

func logMessage(l LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	if l < level {
		mu.RUnlock()
		return
	}
	lg := base
	mu.RUnlock()

	ev := lg.WithLevel(l.zerolog())
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)

	if l == FATAL {
		os.Exit(1)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }
func Fatal(message string) { logMessage(FATAL, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
