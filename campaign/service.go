package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrInactive signals the campaign exists but is outside its validity window
// or has been ended.
var ErrInactive = errors.New("campaign: inactive")

const cacheTTL = 30 * time.Second

// Getter abstracts the repository for the service.
type Getter interface {
	GetByID(ctx context.Context, id string) (Campaign, error)
	ListOngoing(ctx context.Context, limit int) ([]Campaign, error)
}

// Service serves campaign terms with an optional redis read-through cache.
// Campaigns are read-mostly, so a short TTL is enough and no invalidation is
// attempted.
type Service struct {
	repo   Getter
	cache  *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewService builds a Service. cache may be nil to disable caching.
func NewService(repo Getter, cache *redis.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns the campaign, consulting the cache first.
func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	if c, ok := s.fromCache(ctx, id); ok {
		return c, nil
	}

	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	s.toCache(ctx, c)
	return c, nil
}

// ListOngoing returns ongoing campaigns, newest window first. Listings are
// not cached; they feed browse pages where staleness shows.
func (s *Service) ListOngoing(ctx context.Context, limit int) ([]Campaign, error) {
	return s.repo.ListOngoing(ctx, limit)
}

// GetActive returns the campaign only if it currently accepts new teams.
func (s *Service) GetActive(ctx context.Context, id string) (Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if !c.ActiveAt(s.now()) {
		return Campaign{}, ErrInactive
	}
	return c, nil
}

func (s *Service) fromCache(ctx context.Context, id string) (Campaign, bool) {
	if s.cache == nil {
		return Campaign{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("campaign cache read failed", zap.String("campaign_id", id), zap.Error(err))
		}
		return Campaign{}, false
	}
	var c Campaign
	if err := json.Unmarshal(raw, &c); err != nil {
		return Campaign{}, false
	}
	return c, true
}

func (s *Service) toCache(ctx context.Context, c Campaign) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(c.ID), raw, cacheTTL).Err(); err != nil {
		s.logger.Warn("campaign cache write failed", zap.String("campaign_id", c.ID), zap.Error(err))
	}
}

func cacheKey(id string) string {
	return "campaign:" + id
}
