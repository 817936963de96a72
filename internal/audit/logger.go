package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offboard-control/fcb/internal/adapter"
)

// Outcomes.
const (
	OutcomeSuccess    = "SUCCESS"
	OutcomeSuppressed = "SUPPRESSED"
	OutcomeError      = "ERROR"
	OutcomeRejected   = "REJECTED"
)

// AuditEntry is one JSONL line.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"`
	Code      string         `json:"code"`
	LatencyMs float64        `json:"latencyMs"`
}

type userKey struct{}

// WithUser attaches the acting principal to ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the principal set by WithUser, or "system".
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return "system"
}

// Logger appends entries to <dir>/audit.jsonl.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	logger   *slog.Logger
	now      func() time.Time
}

// NewLogger creates dir if needed and opens the log for appending.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	filePath := filepath.Join(logDir, "audit.jsonl")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{
		filePath: filePath,
		file:     file,
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

// LogAction records one actuation attempt. err, when set, determines Code.
func (l *Logger) LogAction(ctx context.Context, action, outcome string, params map[string]any, err error, latency time.Duration) {
	l.writeEntry(AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		User:      UserFromContext(ctx),
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      codeFor(outcome, err),
		LatencyMs: float64(latency.Microseconds()) / 1000,
	})
}

func (l *Logger) writeEntry(entry AuditEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("marshal audit entry", slog.String("action", entry.Action), slog.Any("error", err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		l.logger.Warn("audit entry dropped: log closed", slog.String("action", entry.Action))
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.logger.Error("write audit entry", slog.Any("error", err))
		return
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Error("sync audit log", slog.Any("error", err))
	}
}

// errorCodes are matched against the error text in order.
var errorCodes = []string{
	"UNSUPPORTED_CONTROL_TYPE",
	"OUT_OF_RANGE",
	"UNKNOWN_FIELD",
	"PRECONDITION_FAILED",
	"NOT_CONNECTED",
	"NO_SETPOINT_SOURCE",
	"CONNECTION_ERROR",
}

func codeFor(outcome string, err error) string {
	if err == nil {
		return outcome
	}
	for _, sentinel := range []error{adapter.ErrTransient, adapter.ErrRejected, adapter.ErrUnavailable, adapter.ErrInternal} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	msg := err.Error()
	for _, code := range errorCodes {
		if strings.Contains(msg, code) {
			return code
		}
	}
	return OutcomeError
}

// Close closes the file. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// FilePath returns the log location.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Rotate renames the current file with a timestamp suffix and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("close audit log: %w", err)
		}
		l.file = nil
	}
	rotated := fmt.Sprintf("%s.%s", l.filePath, l.now().Format("20060102-150405.000"))
	if err := os.Rename(l.filePath, rotated); err != nil {
		return fmt.Errorf("rename audit log: %w", err)
	}
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	l.file = file
	return nil
}
