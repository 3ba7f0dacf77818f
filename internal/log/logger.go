package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Entry represents a structured log entry
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// sink is shared by a logger and every logger derived from it, so that
// SetOutput/SetLevel on the root also applies to component loggers
type sink struct {
	mu       sync.Mutex
	out      io.Writer
	level    Level
	jsonMode bool
}

// Logger provides structured logging
type Logger struct {
	sink      *sink
	component string
	fields    map[string]interface{}
}

// New creates a new logger
func New() *Logger {
	return &Logger{
		sink:   &sink{out: os.Stdout, level: LevelInfo},
		fields: make(map[string]interface{}),
	}
}

// SetOutput sets the log output destination
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out = w
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// SetJSONMode enables or disables JSON output
func (l *Logger) SetJSONMode(enabled bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.jsonMode = enabled
}

// Component returns a logger whose messages are tagged with the given component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{sink: l.sink, component: name, fields: l.fields}
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		sink:      l.sink,
		component: l.component,
		fields:    newFields,
	}
}

// WithError attaches err under the "error" field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level < l.sink.level {
		return
	}

	formattedMsg := msg
	if len(args) > 0 {
		formattedMsg = fmt.Sprintf(msg, args...)
	}

	if l.sink.jsonMode {
		entry := Entry{
			Time:      time.Now().UTC(),
			Level:     level.String(),
			Component: l.component,
			Message:   formattedMsg,
			Fields:    l.fields,
		}
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.sink.out, string(data))
		return
	}

	if l.component != "" {
		formattedMsg = l.component + ": " + formattedMsg
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if len(l.fields) > 0 {
		fieldsStr, _ := json.Marshal(l.fields)
		fmt.Fprintf(l.sink.out, "%s [%s] %s %s\n", timestamp, level.String(), formattedMsg, fieldsStr)
	} else {
		fmt.Fprintf(l.sink.out, "%s [%s] %s\n", timestamp, level.String(), formattedMsg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

// Default logger instance
var defaultLogger = New()

// SetDefaultLevel sets the level for the default logger
func SetDefaultLevel(level Level) {
	defaultLogger.SetLevel(level)
}

// SetDefaultJSON toggles JSON output on the default logger
func SetDefaultJSON(enabled bool) {
	defaultLogger.SetJSONMode(enabled)
}

// SetDefaultOutput redirects the default logger
func SetDefaultOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

// Debug logs using the default logger
func Debug(msg string, args ...interface{}) {
	defaultLogger.Debug(msg, args...)
}

// Info logs using the default logger
func Info(msg string, args ...interface{}) {
	defaultLogger.Info(msg, args...)
}

// Warn logs using the default logger
func Warn(msg string, args ...interface{}) {
	defaultLogger.Warn(msg, args...)
}

// Error logs using the default logger
func Error(msg string, args ...interface{}) {
	defaultLogger.Error(msg, args...)
}

// Component returns a component logger derived from the default logger
func Component(name string) *Logger {
	return defaultLogger.Component(name)
}

// WithField returns a logger with an additional field
func WithField(key string, value interface{}) *Logger {
	return defaultLogger.WithField(key, value)
}

// WithFields returns a logger with additional fields
func WithFields(fields map[string]interface{}) *Logger {
	return defaultLogger.WithFields(fields)
}
