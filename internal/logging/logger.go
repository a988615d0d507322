package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log entry.
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

// Category tags an entry with the subsystem that produced it.
type Category string

const (
	CatSystem    Category = "system"
	CatPCSC      Category = "pcsc"
	CatSession   Category = "session"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is one log record kept in the in-memory ring.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type logger struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	next     int
	full     bool
	minLevel Level
}

var std = &logger{capacity: 1000, entries: make([]Entry, 1000)}

// Init sizes the in-memory ring and sets the minimum level. Call once at
// startup before any goroutines log.
func Init(capacity int, minLevel Level) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if capacity < 1 {
		capacity = 1
	}
	std.capacity = capacity
	std.entries = make([]Entry, capacity)
	std.next = 0
	std.full = false
	std.minLevel = minLevel
}

// SetLevel changes the minimum level at runtime.
func SetLevel(level Level) {
	std.mu.Lock()
	std.minLevel = level
	std.mu.Unlock()
}

func (l *logger) log(level Level, cat Category, msg string, fields map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	l.entries[l.next] = Entry{
		Time:     time.Now(),
		Level:    level.String(),
		Category: cat,
		Message:  msg,
		Fields:   fields,
	}
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	// Warnings and errors also go to stderr for immediate visibility.
	if level >= LevelWarn {
		fmt.Fprintf(os.Stderr, "%s [%s] %s: %s\n", time.Now().Format(time.RFC3339), level, cat, msg)
	}
}

func Debug(cat Category, msg string, fields map[string]any) { std.log(LevelDebug, cat, msg, fields) }
func Info(cat Category, msg string, fields map[string]any)  { std.log(LevelInfo, cat, msg, fields) }
func Warn(cat Category, msg string, fields map[string]any)  { std.log(LevelWarn, cat, msg, fields) }
func Error(cat Category, msg string, fields map[string]any) { std.log(LevelError, cat, msg, fields) }

// GetLogs returns up to limit recent entries, newest last. limit <= 0 means
// everything currently retained.
func GetLogs(limit int) []Entry {
	std.mu.Lock()
	defer std.mu.Unlock()

	var ordered []Entry
	if std.full {
		ordered = append(ordered, std.entries[std.next:]...)
		ordered = append(ordered, std.entries[:std.next]...)
	} else {
		ordered = append(ordered, std.entries[:std.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
