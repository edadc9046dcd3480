// Package logging provides the daemon's leveled logger along with a ring
// buffer of recent entries and a hub for streaming entries to subscribers.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const DefaultBufferSize = 1000

type Logger struct {
	buffer     *Buffer
	output     *log.Logger
	minLevel   *atomic.Value
	baseFields map[string]string
	hub        *Hub
}

func NewLogger(minLevel Level) *Logger {
	return NewLoggerWithOutput(minLevel, os.Stderr)
}

func NewLoggerWithOutput(minLevel Level, output io.Writer) *Logger {
	if output == nil {
		output = io.Discard
	}
	logger := &Logger{
		buffer:   NewBuffer(DefaultBufferSize),
		output:   log.New(output, "", log.LstdFlags),
		minLevel: &atomic.Value{},
		hub:      NewHub(),
	}
	logger.minLevel.Store(normalizeLevel(minLevel))
	return logger
}

// Buffer exposes the retained entry ring.
func (l *Logger) Buffer() *Buffer {
	if l == nil {
		return nil
	}
	return l.buffer
}

// Subscribe attaches a listener to the live entry stream.
func (l *Logger) Subscribe() (<-chan Entry, func()) {
	if l == nil || l.hub == nil {
		return nil, func() {}
	}
	return l.hub.Subscribe(0)
}

// SetMinLevel adjusts the output threshold at runtime.
func (l *Logger) SetMinLevel(level Level) {
	if l == nil || l.minLevel == nil {
		return
	}
	l.minLevel.Store(normalizeLevel(level))
}

// With returns a logger that adds fields to every entry. The buffer, hub,
// and threshold are shared with the parent.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		buffer:     l.buffer,
		output:     l.output,
		minLevel:   l.minLevel,
		baseFields: mergeFields(l.baseFields, fields),
		hub:        l.hub,
	}
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil || l.minLevel == nil {
		return false
	}
	minLevel, _ := l.minLevel.Load().(Level)
	return levelRank(level) >= levelRank(minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil {
		return
	}
	// Stream subscribers pick their own level, so the hub sees entries
	// below the output threshold whenever anyone is listening.
	enabled := l.Enabled(level)
	streaming := l.hub != nil && l.hub.SubscriberCount() > 0
	if !enabled && !streaming {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    mergeFields(l.baseFields, fields),
	}
	if streaming {
		l.hub.Broadcast(entry)
	}
	if !enabled {
		return
	}
	if l.buffer != nil {
		l.buffer.Add(entry)
	}
	if l.output != nil {
		l.output.Print(formatEntry(entry))
	}
}

func normalizeLevel(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether the level is at or above min severity.
func (l Level) AtLeast(min Level) bool {
	return levelRank(l) >= levelRank(min)
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

func formatEntry(entry Entry) string {
	builder := strings.Builder{}
	builder.WriteString("level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	if len(entry.Fields) == 0 {
		return builder.String()
	}

	keys := make([]string, 0, len(entry.Fields))
	for key := range entry.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%s=%s", key, strconv.Quote(entry.Fields[key])))
	}
	return builder.String()
}
