// Package logging provides structured logging with file and console output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ParseLevel maps a configured level name to a LogLevel. Unknown names
// fall back to info.
func ParseLevel(s string) LogLevel {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.DebugLevel
	}
}

// LogEntry represents a single log entry for the frontend
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Logger wraps zerolog with file output and log history
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string
	mu      sync.RWMutex
	history []LogEntry
	maxHist int
	onLog   func(LogEntry) // callback for real-time log streaming
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // Directory for log files (default: ~/.nexusavatar/logs)
	Level      LogLevel // Minimum log level (default: info)
	MaxHistory int      // Max entries to keep in memory (default: 1000)
	Console    bool     // Also log to console (default: true)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".nexusavatar", "logs"),
		Level:      LevelInfo,
		MaxHistory: 1000,
		Console:    true,
	}
}

// New creates a new Logger with file and console output
func New(cfg *Config) (*Logger, error) {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}

	// Ensure log directory exists
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create log file with date-based name
	logFileName := fmt.Sprintf("nexusavatar_%s.log", time.Now().Format("2006-01-02"))
	logPath := filepath.Join(cfg.LogDir, logFileName)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := &Logger{
		file:    file,
		logPath: logPath,
		history: make([]LogEntry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	// Set up writers
	writers := []io.Writer{file, historyWriter{logger}}
	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	level := cfg.Level
	if level == "" {
		level = def.Level
	}
	zerolog.SetGlobalLevel(level.zerolog())

	logger.zlog = zerolog.New(io.MultiWriter(writers...)).With().
		Timestamp().
		Str("app", "nexusavatar").
		Logger()

	logger.Info("logging", "Logger initialized", map[string]interface{}{
		"logFile": logPath,
		"level":   string(level),
	})

	return logger, nil
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(level.zerolog())
	if prev != level.zerolog() {
		l.Info("logging", "Log level changed", map[string]interface{}{"level": string(level)})
	}
}

// SetOnLog sets a callback for real-time log streaming (to frontend)
func (l *Logger) SetOnLog(fn func(LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLog = fn
}

// addToHistory adds an entry to the in-memory log history
func (l *Logger) addToHistory(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		// Remove oldest entries
		l.history = l.history[len(l.history)-l.maxHist:]
	}

	// Call callback if set
	if l.onLog != nil {
		go l.onLog(entry)
	}
}

// GetHistory returns recent log entries
func (l *Logger) GetHistory(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}

	start := len(l.history) - limit
	result := make([]LogEntry, limit)
	copy(result, l.history[start:])
	return result
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	l.Info("logging", "Logger shutting down", nil)
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// historyWriter turns every JSON log line, including those written through
// Component loggers, into a history entry.
type historyWriter struct {
	l *Logger
}

var reservedFields = map[string]bool{
	zerolog.TimestampFieldName: true,
	zerolog.LevelFieldName:     true,
	zerolog.MessageFieldName:   true,
	"component":                true,
	"app":                      true,
}

func (w historyWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		// Not ours to fail the write over.
		return len(p), nil
	}

	entry := LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     stringField(fields, zerolog.LevelFieldName),
		Component: stringField(fields, "component"),
		Message:   stringField(fields, zerolog.MessageFieldName),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !reservedFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	entry.Data = strings.Join(parts, ", ")

	w.l.addToHistory(entry)
	return len(p), nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// Debug logs a debug message
func (l *Logger) Debug(component, msg string, data map[string]interface{}) {
	l.event(l.zlog.Debug(), component, data).Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(component, msg string, data map[string]interface{}) {
	l.event(l.zlog.Info(), component, data).Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(component, msg string, data map[string]interface{}) {
	l.event(l.zlog.Warn(), component, data).Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(component, msg string, err error, data map[string]interface{}) {
	event := l.zlog.Error()
	if err != nil {
		event = event.Err(err)
	}
	l.event(event, component, data).Msg(msg)
}

func (l *Logger) event(e *zerolog.Event, component string, data map[string]interface{}) *zerolog.Event {
	e = e.Str("component", component)
	for k, v := range data {
		e = e.Interface(k, v)
	}
	return e
}

// Component returns a zerolog.Logger with the component field set
// This allows existing code using zerolog directly to work
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger for compatibility
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
