package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ocrgate/internal/queue"
)

const (
	registryKeyPrefix = "ocrgate:worker:"
	registryTTL       = 60 * time.Second
)

// Info is what a worker process advertises about itself.
type Info struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	Pending   int       `json:"pending"`
}

// Registry keeps one expiring key per live worker process so operators can see
// who is consuming the queue; a crashed worker disappears after the TTL.
type Registry struct {
	src queue.Source
	ttl time.Duration
}

func NewRegistry(src queue.Source, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = registryTTL
	}
	return &Registry{src: src, ttl: ttl}
}

func registryKey(name string) string {
	return registryKeyPrefix + name
}

func (r *Registry) raw(ctx context.Context) (*goredis.Client, error) {
	client, err := r.src.Get(ctx)
	if err != nil {
		return nil, err
	}
	return client.Raw(), nil
}

// Heartbeat stores info with a fresh TTL.
func (r *Registry) Heartbeat(ctx context.Context, info Info) error {
	raw, err := r.raw(ctx)
	if err != nil {
		return err
	}
	info.LastSeen = time.Now().UTC()
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	return raw.Set(ctx, registryKey(info.Name), data, r.ttl).Err()
}

// Remove drops the worker's key on clean shutdown.
func (r *Registry) Remove(ctx context.Context, name string) error {
	raw, err := r.raw(ctx)
	if err != nil {
		return err
	}
	return raw.Del(ctx, registryKey(name)).Err()
}

// List returns the live workers sorted by name.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	raw, err := r.raw(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	iter := raw.Scan(ctx, 0, registryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := raw.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	workers := make([]Info, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var info Info
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			log.Printf("worker registry decode %s failed: %v", keys[i], err)
			continue
		}
		workers = append(workers, info)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

// StartHeartbeat refreshes the worker's key every interval until ctx is done,
// then removes it.
func (r *Registry) StartHeartbeat(ctx context.Context, interval time.Duration, snapshot func() Info) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	beat := func() {
		hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.Heartbeat(hctx, snapshot()); err != nil {
			debugLog("[registry] heartbeat failed: %v", err)
		}
	}
	go func() {
		beat()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-ctx.Done():
				rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := r.Remove(rctx, snapshot().Name); err != nil {
					log.Printf("worker registry remove failed: %v", err)
				}
				cancel()
				return
			}
		}
	}()
}
