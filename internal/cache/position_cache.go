// Package cache keeps the most recent TrackedPosition per subject in redis so
// observer polls do not hit Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/models"
	"dr_memo/internal/realtime"
	"dr_memo/internal/store"
)

const (
	DefaultTTL = 5 * time.Minute

	refreshTimeout = 2 * time.Second
)

// RedisClient is the subset of *redis.Client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// PositionCache is a read-through cache kept fresh from the change stream:
// every committed row the hub sees overwrites the cached one, whichever
// process wrote it. Misses only fill an empty key, so a slow read can never
// replace a row the stream already delivered. Redis errors are logged and the
// store answers instead.
type PositionCache struct {
	rdb  RedisClient
	next store.PositionReader
	ttl  time.Duration
}

func NewPositionCache(rdb RedisClient, next store.PositionReader, ttl time.Duration) *PositionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PositionCache{rdb: rdb, next: next, ttl: ttl}
}

func positionKey(subjectID uuid.UUID) string {
	return fmt.Sprintf("position:%s", subjectID)
}

func (c *PositionCache) GetPosition(ctx context.Context, subjectID uuid.UUID) (*models.TrackedPosition, error) {
	key := positionKey(subjectID)
	raw, err := c.rdb.Get(ctx, key).Result()
	corrupt := false
	switch {
	case err == nil:
		var pos models.TrackedPosition
		if err := json.Unmarshal([]byte(raw), &pos); err == nil {
			return &pos, nil
		}
		logrus.WithField("key", key).Warn("Discarding undecodable cached position.")
		corrupt = true
	case !errors.Is(err, redis.Nil):
		logrus.WithError(err).WithField("key", key).Warn("Redis get failed, reading from store.")
	}

	pos, err := c.next.GetPosition(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if corrupt {
		c.Refresh(*pos)
	} else {
		c.fill(ctx, key, pos)
	}
	return pos, nil
}

func (c *PositionCache) ListHistory(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]models.PositionHistoryPoint, error) {
	return c.next.ListHistory(ctx, subjectID, since)
}

// Follow keeps the cache current with every position the hub publishes.
func (c *PositionCache) Follow(hub *realtime.Hub) {
	hub.OnPublish(c.Refresh)
}

// Refresh stores pos as the subject's cached row.
func (c *PositionCache) Refresh(pos models.TrackedPosition) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	key := positionKey(pos.SubjectID)
	b, err := json.Marshal(pos)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Redis refresh failed.")
	}
}

func (c *PositionCache) fill(ctx context.Context, key string, pos *models.TrackedPosition) {
	b, err := json.Marshal(pos)
	if err != nil {
		return
	}
	if err := c.rdb.SetNX(ctx, key, b, c.ttl).Err(); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Redis set failed.")
	}
}
