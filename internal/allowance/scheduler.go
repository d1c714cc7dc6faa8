package allowance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs ProcessAllDue on a fixed interval inside the server process.
// Deployments that prefer an external timer use the process-due command and
// leave the scheduler off.
type Scheduler struct {
	mu       sync.Mutex
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: interval,
		logger:   svc.logger.With("runner", "scheduler"),
	}
}

// Start begins the scheduler loop. The first run happens one interval after
// Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	results, err := s.svc.ProcessAllDue(ctx)
	if err != nil {
		s.logger.Error("scheduled allowance run failed", "error", err)
	}
	for _, res := range results {
		if res.Err != nil {
			s.logger.Warn("scheduled allowance run had failures",
				"run_id", res.RunID, "family_id", res.FamilyID, "failed", res.Failed, "error", res.Err)
		}
	}
}
