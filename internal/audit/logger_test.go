package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/offboard-control/fcb/internal/adapter"
)

func readEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	want := filepath.Join(dir, "audit.jsonl")
	if logger.FilePath() != want {
		t.Errorf("expected %s, got %s", want, logger.FilePath())
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("audit file not created: %v", err)
	}
}

func TestLogAction(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = logger.Close() }()

	ctx := WithUser(context.Background(), "operator-7")
	logger.LogAction(ctx, "sendCommandsUnified", OutcomeSuppressed,
		map[string]any{"controlType": "attitude_rate"}, nil, 1500*time.Microsecond)

	entries := readEntries(t, logger.FilePath())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.User != "operator-7" {
		t.Errorf("user = %q", e.User)
	}
	if e.Outcome != OutcomeSuppressed || e.Code != OutcomeSuppressed {
		t.Errorf("outcome/code = %q/%q", e.Outcome, e.Code)
	}
	if e.Params["controlType"] != "attitude_rate" {
		t.Errorf("params = %v", e.Params)
	}
	if e.LatencyMs != 1.5 {
		t.Errorf("latency = %v", e.LatencyMs)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("id %q is not a uuid: %v", e.ID, err)
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
		err     error
		want    string
	}{
		{"success", OutcomeSuccess, nil, "SUCCESS"},
		{"transport", OutcomeError, &adapter.TransportError{Code: adapter.ErrTransient, Original: errors.New("x")}, "TRANSIENT"},
		{"wrapped sentinel", OutcomeRejected, fmt.Errorf("dispatch: %w", errors.New("UNSUPPORTED_CONTROL_TYPE")), "UNSUPPORTED_CONTROL_TYPE"},
		{"precondition", OutcomeRejected, errors.New("PRECONDITION_FAILED: vehicle not armed"), "PRECONDITION_FAILED"},
		{"unknown", OutcomeError, errors.New("boom"), "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codeFor(tt.outcome, tt.err); got != tt.want {
				t.Errorf("codeFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserFromContextDefault(t *testing.T) {
	if got := UserFromContext(context.Background()); got != "system" {
		t.Errorf("expected system, got %q", got)
	}
}

func TestCloseTwiceAndWriteAfterClose(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	logger.LogAction(context.Background(), "rtl", OutcomeSuccess, nil, nil, 0)
	if n := len(readEntries(t, logger.FilePath())); n != 0 {
		t.Errorf("expected no entries after close, got %d", n)
	}
}

func TestRotate(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = logger.Close() }()

	ctx := context.Background()
	logger.LogAction(ctx, "startOffboardMode", OutcomeSuccess, nil, nil, time.Millisecond)
	if err := logger.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	logger.LogAction(ctx, "stopOffboardMode", OutcomeSuccess, nil, nil, time.Millisecond)

	rotated, err := filepath.Glob(logger.FilePath() + ".*")
	if err != nil || len(rotated) != 1 {
		t.Fatalf("expected 1 rotated file, got %v (%v)", rotated, err)
	}
	if got := readEntries(t, rotated[0]); len(got) != 1 || got[0].Action != "startOffboardMode" {
		t.Errorf("rotated file holds %v", got)
	}
	if got := readEntries(t, logger.FilePath()); len(got) != 1 || got[0].Action != "stopOffboardMode" {
		t.Errorf("current file holds %v", got)
	}
}

func TestConcurrentLogging(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = logger.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				logger.LogAction(context.Background(), "sendCommandsUnified", OutcomeSuccess,
					map[string]any{"worker": i, "n": j}, nil, 0)
			}
		}(i)
	}
	wg.Wait()

	if n := len(readEntries(t, logger.FilePath())); n != 100 {
		t.Errorf("expected 100 entries, got %d", n)
	}
}
