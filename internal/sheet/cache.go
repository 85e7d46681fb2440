package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// CachedStore keeps fetched sheets in Redis. Each post bumps the sheet
// version so the next fetch goes back to the backend.
type CachedStore struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedStore wraps next with a Redis cache.
func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logger}
}

type freshKey struct{}

// Fresh marks ctx so that CachedStore.Fetch reads the backend directly.
// Numbering and row updates need it because the sheet is also edited by hand.
func Fresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

func isFresh(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshKey{}).(bool)
	return fresh
}

func versionKey(sheet string) string {
	return fmt.Sprintf("sheet:%s:version", sheet)
}

func rowsKey(sheet string, version int64) string {
	return fmt.Sprintf("sheet:%s:rows:%d", sheet, version)
}

// Version returns the cache version of sheet, initialising it when missing.
func (c *CachedStore) Version(ctx context.Context, sheet string) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(sheet)).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey(sheet), 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey(sheet)).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Fetch serves rows from cache or loads them once for concurrent callers.
// A context marked with Fresh skips the cache.
func (c *CachedStore) Fetch(ctx context.Context, sheet string) ([]workflow.Row, error) {
	if c.client == nil || isFresh(ctx) {
		return c.next.Fetch(ctx, sheet)
	}
	ver, err := c.Version(ctx, sheet)
	if err != nil {
		c.logger.Warn("sheet cache version", slog.String("sheet", sheet), slog.Any("error", err))
		return c.next.Fetch(ctx, sheet)
	}
	key := rowsKey(sheet, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		rows, decodeErr := decodeRows(payload)
		if decodeErr == nil {
			return rows, nil
		}
		c.logger.Warn("sheet cache decode", slog.String("sheet", sheet), slog.Any("error", decodeErr))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("sheet cache get", slog.String("sheet", sheet), slog.Any("error", err))
	}

	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		rows, err := c.next.Fetch(ctx, sheet)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("sheet cache set", slog.String("sheet", sheet), slog.Any("error", err))
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return decodeRows(res.Val.([]byte))
	}
}

// Post writes through and invalidates the sheet.
func (c *CachedStore) Post(ctx context.Context, sheet string, op Op, patches []workflow.Patch) error {
	if err := c.next.Post(ctx, sheet, op, patches); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, sheet); err != nil {
		c.logger.Warn("sheet cache invalidate", slog.String("sheet", sheet), slog.Any("error", err))
	}
	return nil
}

// Upload passes through to the backend.
func (c *CachedStore) Upload(ctx context.Context, file File) (string, error) {
	return c.next.Upload(ctx, file)
}

// Invalidate bumps the cache version of sheet.
func (c *CachedStore) Invalidate(ctx context.Context, sheet string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(sheet)).Err()
}

func decodeRows(payload []byte) ([]workflow.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var rows []workflow.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}
