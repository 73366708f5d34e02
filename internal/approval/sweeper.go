package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

const sweepBatch = 100

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper runs periodic housekeeping: expiring validations past their
// deadline plus any extra jobs registered with Add.
type Sweeper struct {
	gate     *Gate
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewSweeper creates a sweeper for gate. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(gate *Gate, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sweeper")
	cl := cronLogger{logger: logger}

	s := &Sweeper{
		gate:     gate,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.Add(schedule, "expire-validations", func(ctx context.Context) {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("validation sweep failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers fn on a cron schedule.
func (s *Sweeper) Add(schedule, name string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Sweep expires every pending validation whose deadline has passed and
// returns how many it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired := 0
	for {
		batch, err := s.gate.store.ListExpiredValidations(ctx, s.gate.now(), sweepBatch)
		if err != nil {
			return expired, fmt.Errorf("list expired validations: %w", err)
		}
		progressed := 0
		for _, v := range batch {
			if _, err := s.gate.Expire(ctx, v.ID); err != nil {
				if _, ok := AsValidationStateError(err); ok {
					continue
				}
				return expired, err
			}
			expired++
			progressed++
		}
		if len(batch) < sweepBatch || progressed == 0 {
			break
		}
	}
	if expired > 0 {
		s.logger.Info("expired validations", "count", expired)
	}
	return expired, nil
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
