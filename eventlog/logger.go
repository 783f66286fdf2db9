package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/fixflow/internal/fsutil"
)

// Sink mirrors events somewhere other than the JSON document. Sinks are
// called in event order while the logger lock is held.
type Sink interface {
	Write(ctx context.Context, sessionID string, ev Event) error
}

// Recorder is the subset of Logger that producers of events depend on.
type Recorder interface {
	Log(agent string, typ EventType, data map[string]any) (int64, error)
}

// Option configures a Logger.
type Option func(*Logger)

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(l *Logger) { l.sessionID = id }
}

// WithSinks adds mirror sinks.
func WithSinks(sinks ...Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, sinks...) }
}

// WithSlog sets the logger used for sink failures.
func WithSlog(logger *slog.Logger) Option {
	return func(l *Logger) { l.slog = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Logger is the append-only event log for one run. Id assignment, append
// and persistence happen under a single lock, so the file always holds a
// gap-free prefix of the sequence.
type Logger struct {
	path       string
	sessionID  string
	startTime  time.Time
	events     []Event
	nextID     int64
	iterations map[string]int
	agents     []string
	sinks      []Sink
	slog       *slog.Logger
	now        func() time.Time
	closed     bool
	mu         sync.Mutex
}

// New creates a logger persisting to path. An empty path keeps the log in
// memory only.
func New(path string, opts ...Option) (*Logger, error) {
	l := &Logger{
		path:       path,
		sessionID:  uuid.New().String()[:8],
		nextID:     1,
		iterations: make(map[string]int),
		slog:       slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.startTime = l.now().UTC()
	if err := l.persistLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// SessionID returns the run's session identifier.
func (l *Logger) SessionID() string { return l.sessionID }

// Path returns where the log is persisted.
func (l *Logger) Path() string { return l.path }

// Log appends an event and persists the log before returning its id.
func (l *Logger) Log(agent string, typ EventType, data map[string]any) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("eventlog: logger closed")
	}

	if _, seen := l.iterations[agent]; !seen {
		l.iterations[agent] = 0
		l.agents = append(l.agents, agent)
	}
	if typ == AgentStart {
		l.iterations[agent]++
	}

	ev := Event{
		EventID:   l.nextID,
		Timestamp: l.now().UTC(),
		AgentName: agent,
		EventType: typ,
		Iteration: l.iterations[agent],
		Data:      cloneData(data),
	}
	l.nextID++
	l.events = append(l.events, ev)

	if err := l.persistLocked(); err != nil {
		return ev.EventID, err
	}
	for _, s := range l.sinks {
		if err := s.Write(context.Background(), l.sessionID, ev); err != nil {
			l.slog.Warn("eventlog: sink write failed", "event_id", ev.EventID, "error", err)
		}
	}
	return ev.EventID, nil
}

// Events returns a copy of the events logged so far.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Snapshot returns the current document without closing the log.
func (l *Logger) Snapshot() Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.documentLocked(nil)
}

// Close stamps the end time and writes the final document. Further Log
// calls fail. Close is idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	end := l.now().UTC()
	return l.writeLocked(l.documentLocked(&end))
}

func (l *Logger) documentLocked(end *time.Time) Document {
	events := make([]Event, len(l.events))
	copy(events, l.events)
	agents := make([]string, len(l.agents))
	copy(agents, l.agents)
	sort.Strings(agents)
	return Document{
		SessionID:      l.sessionID,
		StartTime:      l.startTime,
		EndTime:        end,
		TotalEvents:    len(events),
		AgentsInvolved: agents,
		Events:         events,
	}
}

func (l *Logger) persistLocked() error {
	return l.writeLocked(l.documentLocked(nil))
}

func (l *Logger) writeLocked(doc Document) error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("eventlog: marshal: %w", err)
	}
	if err := fsutil.WriteFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("eventlog: persist: %w", err)
	}
	return nil
}

// cloneData deep-copies a payload through a JSON round trip so later
// mutation by the caller cannot change a logged event.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}
