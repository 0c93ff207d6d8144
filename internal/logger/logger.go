// Package logger sets up the global zerolog logger and keeps the UI-visible
// log buffer.
//
// Every log entry is written to an in-memory ring (most recent 1000 entries)
// and fanned out to live subscribers so the UI log panel can both replay
// history and follow new entries. Writing to stderr is opt-in: in GUI builds
// the host must not interleave its own logs with the plugin consoles it
// captures.
package logger

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxEntries bounds the in-memory log ring.
const MaxEntries = 1000

// Entry is the UI-facing shape of one log line.
type Entry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Ring is a bounded FIFO of log entries with broadcast fan-out.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	subs    map[int]chan Entry
	nextSub int
}

func newRing() *Ring {
	return &Ring{subs: make(map[int]chan Entry)}
}

// Append stores the entry, evicting the oldest when full, and offers it to
// every subscriber. A subscriber that cannot keep up misses entries rather
// than blocking the logger.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > MaxEntries {
		r.entries = r.entries[1:]
	}
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clear drops the buffered entries. Live subscriptions are unaffected.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Subscribe returns a channel of future entries and a cancel func.
func (r *Ring) Subscribe() (<-chan Entry, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Entry, 64)
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

// ringWriter adapts the ring to zerolog's JSON output stream.
type ringWriter struct {
	ring *Ring
}

func (w ringWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}
	entry := Entry{
		Time:    str(fields[zerolog.TimestampFieldName]),
		Level:   str(fields[zerolog.LevelFieldName]),
		Source:  str(fields["component"]),
		Message: str(fields[zerolog.MessageFieldName]),
	}
	if entry.Source == "" {
		entry.Source = "host"
	}
	if entry.Message != "" {
		w.ring.Append(entry)
	}
	return len(p), nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

var (
	// Log is the global logger instance.
	Log zerolog.Logger

	// Buffer is the UI log ring fed by every logger below.
	Buffer = newRing()
)

// Initialize sets up the global logger. stderr output is enabled only when
// requested; the ring always receives entries.
func Initialize(level string, stderr bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = "2006-01-02 15:04:05.000"

	var sink zerolog.LevelWriter
	if stderr {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		sink = zerolog.MultiLevelWriter(console, ringWriter{ring: Buffer})
	} else {
		sink = zerolog.MultiLevelWriter(ringWriter{ring: Buffer})
	}

	log.Logger = zerolog.New(sink).With().Timestamp().Logger()
	Log = log.Logger.With().Str("service", "yuyud").Logger()

	Log.Info().Str("level", logLevel.String()).Bool("stderr", stderr).Msg("Logger initialized")
}

// Plugin creates a logger for plugin lifecycle events.
func Plugin() *zerolog.Logger {
	l := Log.With().Str("component", "plugin").Logger()
	return &l
}

// Proxy creates a logger for the upstream proxy components.
func Proxy() *zerolog.Logger {
	l := Log.With().Str("component", "proxy").Logger()
	return &l
}

// Bot creates a logger for the upstream connection client.
func Bot() *zerolog.Logger {
	l := Log.With().Str("component", "bot").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
