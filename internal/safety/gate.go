package safety

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

// DefaultHistorySize bounds the suppressed-command history.
const DefaultHistorySize = 200

// SuppressedCommand is one command that was logged instead of executed.
type SuppressedCommand struct {
	Seq         int64              `json:"seq"`
	CommandType string             `json:"commandType"`
	Source      string             `json:"source"`
	Fields      map[string]float64 `json:"fields,omitempty"`
	Timestamp   time.Time          `json:"ts"`
}

// Status is the observable state of the gate.
type Status struct {
	Active          bool               `json:"active"`
	LogCommands     bool               `json:"logCommands"`
	SuppressedTotal int64              `json:"suppressedTotal"`
	LastSuppressed  *SuppressedCommand `json:"lastSuppressed,omitempty"`
}

// Sink receives every suppressed command, e.g. the audit log.
type Sink func(SuppressedCommand)

// Gate is the circuit breaker. The zero value is not usable; use NewGate.
type Gate struct {
	mu          sync.Mutex
	active      bool
	logCommands bool
	history     []SuppressedCommand
	capacity    int
	total       int64
	sinks       []Sink
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for suppression and toggle records.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithHistorySize bounds the in-memory history.
func WithHistorySize(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// WithLogCommands toggles the informational log line per suppressed command.
func WithLogCommands(on bool) Option {
	return func(g *Gate) { g.logCommands = on }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate returns a gate in the given initial state. Command logging is on by default.
func NewGate(active bool, opts ...Option) *Gate {
	g := &Gate{
		active:      active,
		logCommands: true,
		capacity:    DefaultHistorySize,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.history = make([]SuppressedCommand, 0, g.capacity)
	return g
}

// IsActive reports whether actuation is currently suppressed.
func (g *Gate) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// SetActive flips the breaker at runtime.
func (g *Gate) SetActive(active bool) {
	g.mu.Lock()
	changed := g.active != active
	g.active = active
	g.mu.Unlock()

	if changed {
		g.logger.Warn("circuit breaker toggled", slog.Bool("active", active))
	}
}

// AddSink registers a callback for every suppressed command.
func (g *Gate) AddSink(s Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, s)
}

// LogCommandInsteadOfExecute records a suppressed command. It never fails.
func (g *Gate) LogCommandInsteadOfExecute(commandType, source string, fields map[string]float64) SuppressedCommand {
	g.mu.Lock()
	g.total++
	cmd := SuppressedCommand{
		Seq:         g.total,
		CommandType: commandType,
		Source:      source,
		Fields:      maps.Clone(fields),
		Timestamp:   g.now().UTC(),
	}
	g.history = append(g.history, cmd)
	if len(g.history) > g.capacity {
		g.history = g.history[1:]
	}
	logCommands := g.logCommands
	sinks := append([]Sink(nil), g.sinks...)
	g.mu.Unlock()

	if logCommands {
		g.logger.Info("circuit breaker suppressed command",
			slog.String("command", commandType),
			slog.String("source", source),
			slog.Any("fields", cmd.Fields))
	}
	for _, s := range sinks {
		s(cmd)
	}
	return cmd
}

// History returns a copy of the retained suppressed commands, oldest first.
func (g *Gate) History() []SuppressedCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SuppressedCommand, len(g.history))
	copy(out, g.history)
	return out
}

// HistoryAfter returns retained commands with Seq greater than seq.
func (g *Gate) HistoryAfter(seq int64) []SuppressedCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []SuppressedCommand
	for _, c := range g.history {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out
}

// Status returns a snapshot for observability.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Active:          g.active,
		LogCommands:     g.logCommands,
		SuppressedTotal: g.total,
	}
	if n := len(g.history); n > 0 {
		last := g.history[n-1]
		st.LastSuppressed = &last
	}
	return st
}
