// Package cache keeps the formatted knowledge corpus in Redis so each chat
// request avoids re-reading every reference document.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	DefaultKnowledgeTTL = 10 * time.Minute
	knowledgeKey        = "ustad:knowledge:corpus"

	// loadTimeout bounds a shared load, which outlives any one caller.
	loadTimeout = 30 * time.Second
)

// DocumentLister loads the reference documents from the system of record.
type DocumentLister interface {
	ListDocuments(ctx context.Context) ([]model.KnowledgeDocument, error)
}

// KnowledgeCache serves the formatted corpus, loading it on a miss.
type KnowledgeCache struct {
	rdb    redis.Cmdable
	docs   DocumentLister
	ttl    time.Duration
	group  singleflight.Group
	logger *logger.Logger
}

// NewKnowledgeCache creates a cache. A nil rdb disables caching and every
// call reads through to docs.
func NewKnowledgeCache(rdb redis.Cmdable, docs DocumentLister, ttl time.Duration, log *logger.Logger) *KnowledgeCache {
	if ttl <= 0 {
		ttl = DefaultKnowledgeTTL
	}
	return &KnowledgeCache{rdb: rdb, docs: docs, ttl: ttl, logger: log}
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return rdb, nil
}

// Corpus returns every document framed and joined. An empty string means
// there are no documents. Redis failures fall back to a direct load.
func (c *KnowledgeCache) Corpus(ctx context.Context) (string, error) {
	if c.rdb != nil {
		corpus, err := c.rdb.Get(ctx, knowledgeKey).Result()
		switch {
		case err == nil:
			return corpus, nil
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("knowledge cache read failed", zap.Error(err))
		}
	}

	ch := c.group.DoChan(knowledgeKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *KnowledgeCache) load(ctx context.Context) (string, error) {
	docs, err := c.docs.ListDocuments(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load knowledge documents: %w", err)
	}
	corpus := model.FormatCorpus(docs)

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, knowledgeKey, corpus, c.ttl).Err(); err != nil {
			c.logger.Warn("knowledge cache write failed", zap.Error(err))
		}
	}
	c.logger.Debug("knowledge corpus loaded",
		zap.Int("documents", len(docs)),
		zap.Int("bytes", len(corpus)),
	)
	return corpus, nil
}

// Invalidate drops the cached corpus so the next read reloads it.
func (c *KnowledgeCache) Invalidate(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, knowledgeKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate knowledge cache: %w", err)
	}
	return nil
}
