package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures_engine/pkg/logger"
)

type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// EngineLog запись журнала движка для админки.
type EngineLog struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// LogStats счётчики по уровням среди записей в кольце.
type LogStats struct {
	Total  int              `json:"total"`
	Levels map[LogLevel]int `json:"levels"`
}

// LogRing последние N записей, старые вытесняются.
type LogRing struct {
	mu   sync.RWMutex
	buf  []EngineLog
	next int
	full bool
}

func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = 500
	}
	return &LogRing{buf: make([]EngineLog, size)}
}

func (r *LogRing) Add(l EngineLog) EngineLog {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.buf[r.next] = l
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return l
}

// all записи от старых к новым.
func (r *LogRing) all() []EngineLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]EngineLog(nil), r.buf[:r.next]...)
	}
	out := make([]EngineLog, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Logs последние limit записей, от старых к новым. limit <= 0 отдаёт все.
func (r *LogRing) Logs(limit int) []EngineLog {
	all := r.all()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// LogsSince записи строго после t.
func (r *LogRing) LogsSince(t time.Time) []EngineLog {
	var out []EngineLog
	for _, l := range r.all() {
		if l.Timestamp.After(t) {
			out = append(out, l)
		}
	}
	return out
}

func (r *LogRing) Stats() LogStats {
	st := LogStats{Levels: make(map[LogLevel]int)}
	for _, l := range r.all() {
		st.Total++
		st.Levels[l.Level]++
	}
	return st
}

func (r *LogRing) Clear() {
	r.mu.Lock()
	r.buf = make([]EngineLog, len(r.buf))
	r.next, r.full = 0, false
	r.mu.Unlock()
}

// log пишет в кольцо и в zap.
func (e *Engine) log(level LogLevel, category, format string, args ...any) {
	e.logDetails(level, category, nil, format, args...)
}

func (e *Engine) logDetails(level LogLevel, category string, details map[string]any, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logs.Add(EngineLog{Timestamp: e.now(), Level: level, Category: category, Message: msg, Details: details})

	switch level {
	case LevelDebug:
		logger.Debug("[ENGINE] %s: %s", category, msg)
	case LevelWarning:
		logger.Warn("[ENGINE] %s: %s", category, msg)
	case LevelError:
		logger.Error("[ENGINE] %s: %s", category, msg)
	default:
		logger.Info("[ENGINE] %s: %s", category, msg)
	}
}
