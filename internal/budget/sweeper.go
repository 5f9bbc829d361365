package budget

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Sweeper releases reservations that stayed held past their TTL. A hold
// only outlives its stage when the process died between reserving and
// settling, so sweeping is the crash-recovery path that returns leaked
// headroom to the tenant.
type Sweeper struct {
	db       *storage.DB
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	swept metric.Int64Counter
}

// NewSweeper creates a sweeper releasing holds older than ttl, checking
// every interval.
func NewSweeper(db *storage.DB, logger *slog.Logger, interval, ttl time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("tsumugi/budget")
	swept, _ := meter.Int64Counter("tsumugi.budget.reservations_swept",
		metric.WithDescription("Stale held reservations released by the sweeper"),
	)
	return &Sweeper{
		db:       db,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
		done:     make(chan struct{}),
		swept:    swept,
	}
}

// Start begins the background sweep loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("budget sweeper: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Drain stops the loop and blocks until it exits or the context expires.
func (s *Sweeper) Drain(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("budget sweeper: drain timed out")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.once.Do(func() { close(s.done) })
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			s.sweep(sweepCtx)
			cancel()
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	stale, err := s.db.StaleHeldReservations(ctx, cutoff, 100)
	if err != nil {
		s.logger.Error("budget sweeper: list stale holds", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	released := 0
	for _, res := range stale {
		if err := s.db.ReleaseReservation(ctx, res.ID); err != nil {
			// A concurrent settle is fine; anything else is worth a log.
			s.logger.Warn("budget sweeper: release failed",
				"reservation_id", res.ID, "error", err)
			continue
		}
		released++
	}
	if released > 0 {
		s.swept.Add(ctx, int64(released))
		s.logger.Info("budget sweeper: released stale holds",
			"count", released, "cutoff", cutoff)
	}
}
