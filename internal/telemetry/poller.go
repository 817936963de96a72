package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/config"
)

// Poller refreshes a Store from a TelemetryTransport at a fixed interval.
type Poller struct {
	*Store

	transport adapter.TelemetryTransport
	points    []adapter.DataPoint
	interval  time.Duration
	timeout   time.Duration
	logEvery  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	logMu       sync.Mutex
	streakStart time.Time
	lastLogged  time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithDataPoints replaces the default data point set.
func WithDataPoints(points []adapter.DataPoint) PollerOption {
	return func(p *Poller) { p.points = append([]adapter.DataPoint(nil), points...) }
}

// WithPollerClock overrides the time source used for timestamps and log throttling.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a stopped poller.
func NewPoller(transport adapter.TelemetryTransport, cfg *config.Config, opts ...PollerOption) *Poller {
	p := &Poller{
		Store:     NewStore(cfg.MinAltitude),
		transport: transport,
		points:    DefaultDataPoints(),
		interval:  cfg.TelemetryPollInterval,
		timeout:   cfg.TelemetryRequestTimeout,
		logEvery:  cfg.TelemetryFailureLogInterval,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the acquisition loop. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.cancel != nil {
		return nil
	}

	p.Reset()
	p.SetConnectionState(StateConnecting)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done

	go p.run(loopCtx, done)

	p.logger.Info("telemetry poller started",
		slog.Duration("interval", p.interval),
		slog.Int("points", len(p.points)))
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe without Start.
func (p *Poller) Stop() {
	p.lifeMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.SetConnectionState(StateDisconnected)
	p.logger.Info("telemetry poller stopped")
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		_ = p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one acquisition cycle: a single combined request, then a
// short locked write. Cancellation of ctx is not counted as a failure.
func (p *Poller) PollOnce(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	raw, err := p.transport.FetchPoints(reqCtx, p.points)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n := p.RecordFailure()
		p.logFailure(n, err)
		return err
	}

	values := make(map[string]float64, len(raw))
	for _, dp := range p.points {
		v, ok := raw[dp.Name]
		if !ok {
			continue
		}
		if dp.Scale != 0 {
			v *= dp.Scale
		}
		values[dp.Name] = v
	}

	now := p.now()
	if prev := p.Update(values, now); prev > 0 {
		p.logMu.Lock()
		since := humanize.RelTime(p.streakStart, now, "ago", "")
		p.logMu.Unlock()
		p.logger.Info("telemetry recovered",
			slog.Int("failures", prev),
			slog.String("failing_since", since))
	}
	return nil
}

// logFailure logs the first failure of a streak, then at most one line per logEvery.
func (p *Poller) logFailure(n int, err error) {
	p.logMu.Lock()
	defer p.logMu.Unlock()

	now := p.now()
	if n == 1 {
		p.streakStart = now
		p.lastLogged = now
		p.logger.Warn("telemetry poll failed", slog.Any("error", err))
		return
	}
	if now.Sub(p.lastLogged) < p.logEvery {
		return
	}
	p.lastLogged = now
	p.logger.Warn("telemetry still failing",
		slog.Int("failures", n),
		slog.String("since", humanize.RelTime(p.streakStart, now, "ago", "")),
		slog.Any("error", err))
}
