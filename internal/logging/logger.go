// Package logging provides the structured logger shared by the engine,
// bus and scheduler. Entries are JSON lines written to a log file,
// mirrored into Redis for real-time access, and optionally echoed to the
// console. Loggers are injected explicitly; there is no package-level
// instance.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEntry is a structured log record.
type LogEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Logger writes structured entries to its configured sinks. The zero
// value is silent; construct with NewLogger for real sinks.
type Logger struct {
	mu          sync.Mutex
	redisClient *redis.Client
	logFile     *os.File
	logDir      string
	maxSize     int64
	maxAge      time.Duration
	console     bool
	retention   time.Duration
	done        chan struct{}
	closed      bool
}

// NewLogger creates a logger. redisClient may be nil to skip the Redis
// mirror; logDir may be empty to skip file output.
func NewLogger(redisClient *redis.Client, logDir string, console bool) (*Logger, error) {
	l := &Logger{
		redisClient: redisClient,
		logDir:      logDir,
		maxSize:     100 * 1024 * 1024,
		maxAge:      7 * 24 * time.Hour,
		console:     console,
		retention:   7 * 24 * time.Hour,
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := openLogFile(filepath.Join(logDir, "flowmesh.log"))
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.logFile = logFile
		l.done = make(chan struct{})
		go l.rotateLoop()
	}

	return l, nil
}

// NewNop returns a logger with no sinks, for tests.
func NewNop() *Logger {
	return &Logger{}
}

// OrNop returns l, or a silent logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

// Close stops the rotation loop and closes the log file. Entries logged
// afterwards are dropped from the file sink. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.done != nil {
		close(l.done)
	}
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

// Log writes an entry to every configured sink.
func (l *Logger) Log(entry LogEntry) {
	entry.Timestamp = time.Now()

	l.writeToFile(entry)
	l.writeToRedis(entry)
	if l.console {
		l.writeToConsole(entry)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelDebug, Component: component, Message: message, Details: details})
}

// Info logs an info message.
func (l *Logger) Info(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelInfo, Component: component, Message: message, Details: details})
}

// Warn logs a warning message.
func (l *Logger) Warn(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelWarn, Component: component, Message: message, Details: details})
}

// Error logs an error message.
func (l *Logger) Error(component, message string, details map[string]interface{}) {
	l.Log(LogEntry{Level: LevelError, Component: component, Message: message, Details: details})
}

// LogFilter defines filters for log queries.
type LogFilter struct {
	Duration  time.Duration
	Level     LogLevel
	Component string
	Limit     int
}

// GetLogs retrieves recent entries from the Redis mirror.
func (l *Logger) GetLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	if l.redisClient == nil {
		return nil, nil
	}

	endTime := time.Now()
	startTime := endTime.Add(-filter.Duration)
	results, err := l.redisClient.ZRangeByScore(ctx, "logs:entries", &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", startTime.Unix()),
		Max: fmt.Sprintf("%d", endTime.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}

	logs := make([]LogEntry, 0, len(results))
	for _, result := range results {
		var entry LogEntry
		if err := json.Unmarshal([]byte(result), &entry); err != nil {
			continue
		}
		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		if filter.Component != "" && entry.Component != filter.Component {
			continue
		}
		logs = append(logs, entry)
	}

	if filter.Limit > 0 && len(logs) > filter.Limit {
		logs = logs[len(logs)-filter.Limit:]
	}
	return logs, nil
}

func (l *Logger) writeToFile(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.logFile.Write(data)
	l.logFile.Write([]byte("\n"))
}

func (l *Logger) writeToRedis(entry LogEntry) {
	if l.redisClient == nil {
		return
	}
	ctx := context.Background()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.redisClient.ZAdd(ctx, "logs:entries", &redis.Z{
		Score:  float64(entry.Timestamp.Unix()),
		Member: string(data),
	})
	cutoff := time.Now().Add(-l.retention).Unix()
	l.redisClient.ZRemRangeByScore(ctx, "logs:entries", "0", fmt.Sprintf("%d", cutoff))
}

func (l *Logger) writeToConsole(entry LogEntry) {
	colors := map[LogLevel]string{
		LevelDebug: "\033[36m",
		LevelInfo:  "\033[32m",
		LevelWarn:  "\033[33m",
		LevelError: "\033[31m",
	}
	reset := "\033[0m"
	fmt.Printf("%s[%s] [%s] [%s]%s %s\n",
		colors[entry.Level],
		entry.Timestamp.Format("15:04:05"),
		entry.Level,
		entry.Component,
		reset,
		entry.Message,
	)
}

func (l *Logger) rotateLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.rotate()
		case <-l.done:
			return
		}
	}
}

func (l *Logger) rotate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return
	}

	info, err := l.logFile.Stat()
	if err == nil && info.Size() > l.maxSize {
		l.logFile.Close()
		oldPath := filepath.Join(l.logDir, "flowmesh.log")
		newPath := filepath.Join(l.logDir, fmt.Sprintf("flowmesh.log.%s", time.Now().Format("20060102-150405")))
		os.Rename(oldPath, newPath)
		if newFile, err := openLogFile(oldPath); err == nil {
			l.logFile = newFile
		}
	}
	l.cleanupOldFiles()
}

func (l *Logger) cleanupOldFiles() {
	files, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-l.maxAge)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, file.Name()))
		}
	}
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
