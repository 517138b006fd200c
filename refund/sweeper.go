package refund

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires forming teams whose deadline passed. It is
// the reference scheduler; the Expire contract also tolerates any external
// sweep calling in concurrently.
type Sweeper struct {
	coord    *Coordinator
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewSweeper builds a Sweeper around the refund coordinator.
func NewSweeper(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{coord: coord, interval: interval, batch: 100, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns how many teams were expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.coord.repo.DueTeamIDs(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := s.coord.Expire(ctx, id); err != nil {
			// Keep going; the next pass retries this team.
			s.logger.Error("expire failed", zap.String("team_id", id), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}
