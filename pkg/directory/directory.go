package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// keyPrefix namespaces worker presence keys in Redis
const keyPrefix = "workerlink:worker:"

// ErrWorkerNotFound is returned when a worker id is absent or its
// registration has expired
var ErrWorkerNotFound = errors.New("worker not found")

// Info describes a registered worker endpoint
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Addr         string    `json:"addr"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Directory is a Redis-backed presence registry for workers. Workers
// register themselves with a TTL on startup and extend it periodically;
// routers resolve a worker id to a dialable address.
type Directory struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a directory over an existing Redis client
func New(client *redis.Client, logger *zap.Logger) *Directory {
	return &Directory{
		client: client,
		logger: logger,
	}
}

// Register announces a worker. The entry expires after ttl unless extended
// with Heartbeat.
func (d *Directory) Register(ctx context.Context, info Info, ttl time.Duration) error {
	if info.ID == "" {
		return fmt.Errorf("worker id is required")
	}
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	if err := d.client.Set(ctx, workerKey(info.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	d.logger.Info("worker registered",
		zap.String("worker_id", info.ID),
		zap.String("addr", info.Addr),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Heartbeat extends the registration of a live worker
func (d *Directory) Heartbeat(ctx context.Context, id string, ttl time.Duration) error {
	ok, err := d.client.Expire(ctx, workerKey(id), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to extend registration: %w", err)
	}
	if !ok {
		return ErrWorkerNotFound
	}
	return nil
}

// Lookup resolves a worker id to its registration info
func (d *Directory) Lookup(ctx context.Context, id string) (Info, error) {
	data, err := d.client.Get(ctx, workerKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Info{}, ErrWorkerNotFound
		}
		return Info{}, fmt.Errorf("failed to look up worker: %w", err)
	}

	var info Info
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return Info{}, fmt.Errorf("failed to unmarshal worker info: %w", err)
	}
	return info, nil
}

// List returns every currently registered worker
func (d *Directory) List(ctx context.Context) ([]Info, error) {
	keys, err := d.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]Info, 0, len(keys))
	for _, key := range keys {
		data, err := d.client.Get(ctx, key).Result()
		if err != nil {
			// Key may have expired between Keys and Get
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to read worker entry: %w", err)
		}

		var info Info
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			d.logger.Warn("skipping malformed worker entry", zap.String("key", key), zap.Error(err))
			continue
		}
		workers = append(workers, info)
	}

	return workers, nil
}

// Deregister removes a worker's registration
func (d *Directory) Deregister(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, workerKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	d.logger.Info("worker deregistered", zap.String("worker_id", id))
	return nil
}

// workerKey builds the Redis key for a worker id
func workerKey(id string) string {
	return keyPrefix + id
}
