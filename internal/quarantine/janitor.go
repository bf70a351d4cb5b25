package quarantine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultStagedTTL     = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// StartJanitor removes staged files older than ttl every interval until ctx ends.
func (s *Store) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultStagedTTL
	}
	go s.sweepLoop(ctx, interval, ttl)
}

func (s *Store) sweepLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(time.Now().Add(-ttl)); err != nil {
				log.Printf("quarantine sweep error: %v", err)
			}
		}
	}
}

// Sweep removes regular files last modified before cutoff and returns how many went.
func (s *Store) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove stale staged file %s failed: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
