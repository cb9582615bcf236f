// Package cache is a Redis read-through cache in front of service
// information lookups, kept fresh by the manager's change callbacks.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mySupply/phoss-smp/internal/platform/metrics"
	"github.com/mySupply/phoss-smp/internal/serviceinfo/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
)

const keyPrefix = "smp:serviceinformation:"

// Cache lookup results.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Lookup is the uncached source of service information.
type Lookup interface {
	GetOfServiceGroupAndDocumentType(ctx context.Context, sgID id.ParticipantID, docType id.DocumentTypeID) (*models.ServiceInformation, error)
}

// ServiceInformationCache serves lookups from Redis and falls back to the
// manager on a miss or when Redis is unavailable. Not-found results are not
// cached.
type ServiceInformationCache struct {
	client  redis.Cmdable
	next    Lookup
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*ServiceInformationCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *ServiceInformationCache) {
		c.ttl = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *ServiceInformationCache) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ServiceInformationCache) {
		c.metrics = m
	}
}

func New(client redis.Cmdable, next Lookup, opts ...Option) *ServiceInformationCache {
	c := &ServiceInformationCache{
		client: client,
		next:   next,
		ttl:    5 * time.Minute,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(key id.ServiceKey) string {
	return keyPrefix + key.Key()
}

func (c *ServiceInformationCache) GetOfServiceGroupAndDocumentType(ctx context.Context, sgID id.ParticipantID, docType id.DocumentTypeID) (*models.ServiceInformation, error) {
	key := cacheKey(id.NewServiceKey(sgID, docType))

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var si models.ServiceInformation
		if jerr := json.Unmarshal(raw, &si); jerr == nil {
			c.metrics.IncCacheLookup(ResultHit)
			return &si, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable cache entry", "key", key)
		c.metrics.IncCacheLookup(ResultError)
	case errors.Is(err, redis.Nil):
		c.metrics.IncCacheLookup(ResultMiss)
	default:
		c.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		c.metrics.IncCacheLookup(ResultError)
	}

	si, err := c.next.GetOfServiceGroupAndDocumentType(ctx, sgID, docType)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(si); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
		}
	}
	return si, nil
}

// Invalidate drops the cached entry for key.
func (c *ServiceInformationCache) Invalidate(ctx context.Context, key id.ServiceKey) error {
	return c.client.Del(ctx, cacheKey(key)).Err()
}

// OnServiceInformationCreated, OnServiceInformationUpdated and
// OnServiceInformationDeleted make the cache a service information callback.

func (c *ServiceInformationCache) OnServiceInformationCreated(ctx context.Context, si *models.ServiceInformation) error {
	return c.Invalidate(ctx, si.Key())
}

func (c *ServiceInformationCache) OnServiceInformationUpdated(ctx context.Context, si *models.ServiceInformation) error {
	return c.Invalidate(ctx, si.Key())
}

func (c *ServiceInformationCache) OnServiceInformationDeleted(ctx context.Context, si *models.ServiceInformation) error {
	return c.Invalidate(ctx, si.Key())
}
