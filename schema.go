package twetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samooth/twetch-go/types"
)

// SchemaStorageKey is where the serialized ABI is persisted.
const SchemaStorageKey = "abi"

type schemaFetcher interface {
	FetchSchema(ctx context.Context) (*types.ActionSchema, error)
}

// schemaCache holds the ABI for the life of the client. It is refreshed on
// first use, when the cached copy has no name, or when it is older than ttl.
type schemaCache struct {
	fetcher   schemaFetcher
	store     types.KeyValueStore
	validator types.SchemaValidator
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	schema    *types.ActionSchema
	fetchedAt time.Time
}

func newSchemaCache(fetcher schemaFetcher, store types.KeyValueStore, encoder types.Encoder, ttl time.Duration, logger *zap.Logger) *schemaCache {
	validator, _ := encoder.(types.SchemaValidator)
	return &schemaCache{
		fetcher:   fetcher,
		store:     store,
		validator: validator,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *schemaCache) current() (*types.ActionSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.schema == nil || c.schema.Name == "" {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(c.fetchedAt) > c.ttl {
		return c.schema, false
	}
	return c.schema, true
}

// get returns a usable schema, refreshing at most once.
func (c *schemaCache) get(ctx context.Context) (*types.ActionSchema, error) {
	if schema, fresh := c.current(); fresh {
		return schema, nil
	}

	schema, err := c.refresh(ctx)
	if err == nil {
		return schema, nil
	}

	// An unreachable API is not fatal while a usable copy exists.
	if stale, _ := c.current(); stale != nil {
		c.logger.Warn("using stale abi", zap.Error(err))
		return stale, nil
	}
	if stored := c.loadStored(ctx); stored != nil {
		c.logger.Warn("using stored abi", zap.Error(err))
		c.set(stored)
		return stored, nil
	}
	return nil, NewClientError(ErrCodeSchemaUnavailable, "abi could not be loaded", err)
}

// refresh fetches, validates and persists the ABI.
func (c *schemaCache) refresh(ctx context.Context) (*types.ActionSchema, error) {
	schema, err := c.fetcher.FetchSchema(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.check(schema); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("serialize abi: %w", err)
	}
	if err := c.store.Set(ctx, SchemaStorageKey, string(raw)); err != nil {
		c.logger.Warn("failed to persist abi", zap.Error(err))
	}
	c.set(schema)
	c.logger.Debug("abi refreshed", zap.String("name", schema.Name), zap.String("version", schema.Version))
	return schema, nil
}

func (c *schemaCache) check(schema *types.ActionSchema) error {
	if schema == nil || schema.Name == "" {
		return fmt.Errorf("abi has no name")
	}
	if c.validator != nil {
		if err := c.validator.ValidateSchema(schema); err != nil {
			return err
		}
	}
	return nil
}

func (c *schemaCache) loadStored(ctx context.Context) *types.ActionSchema {
	raw, ok, err := c.store.Get(ctx, SchemaStorageKey)
	if err != nil || !ok || raw == "" {
		return nil
	}
	var schema types.ActionSchema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil
	}
	if c.check(&schema) != nil {
		return nil
	}
	return &schema
}

func (c *schemaCache) set(schema *types.ActionSchema) {
	c.mu.Lock()
	c.schema = schema
	c.fetchedAt = c.now()
	c.mu.Unlock()
}
