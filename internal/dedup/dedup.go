// Package dedup maintains the three-layer seen-set a worker consults before
// uploading: its own completed files, a lazy snapshot of peer workers'
// completed files, and an in-memory mirror of the target service's
// fingerprint set. Seen is a conservative approximation: it may miss
// fingerprints the server already has (the server then answers duplicate),
// but it never claims a fingerprint the fleet has not actually finished.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/target"
)

const (
	// DefaultRefreshCount triggers a remote mirror refresh after this many
	// processed files.
	DefaultRefreshCount = 1500

	// DefaultRefreshInterval triggers a refresh on wall clock alone.
	DefaultRefreshInterval = 15 * time.Minute
)

// Cache is one worker's dedup state. All methods are safe for concurrent
// use from the worker's upload pool.
type Cache struct {
	mu sync.Mutex

	local  map[string]struct{}
	peers  map[string]struct{}
	remote map[string]struct{}

	refreshCount    int
	refreshInterval time.Duration

	processedSinceRefresh int
	lastRefresh           time.Time

	logger *slog.Logger
}

// Config tunes refresh triggers.
type Config struct {
	RefreshCount    int
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// NewCache creates an empty cache.
func NewCache(cfg Config) *Cache {
	if cfg.RefreshCount <= 0 {
		cfg.RefreshCount = DefaultRefreshCount
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		local:           make(map[string]struct{}),
		peers:           make(map[string]struct{}),
		remote:          make(map[string]struct{}),
		refreshCount:    cfg.RefreshCount,
		refreshInterval: cfg.RefreshInterval,
		logger:          cfg.Logger,
	}
}

// SeedLocal loads the worker's own completed fingerprints.
func (c *Cache) SeedLocal(p *progress.WorkerProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range p.CompletedFiles {
		c.local[key] = struct{}{}
	}
}

// ReloadPeers rebuilds the peer layer from every other worker's progress
// file. Called at startup and again when a batch yields zero new uploads.
func (c *Cache) ReloadPeers(store *progress.Store, ownShard int) error {
	all, err := store.LoadAll()
	if err != nil {
		return err
	}

	peers := make(map[string]struct{})
	for shard, p := range all {
		if shard == ownShard {
			continue
		}
		for key := range p.CompletedFiles {
			peers[key] = struct{}{}
		}
	}

	c.mu.Lock()
	c.peers = peers
	c.mu.Unlock()
	c.logger.Debug("peer dedup layer reloaded", "fingerprints", len(peers))
	return nil
}

// RefreshRemote rebuilds the remote mirror from the target's fingerprint
// stream. Failures leave the previous mirror in place.
func (c *Cache) RefreshRemote(ctx context.Context, svc target.Service) error {
	fresh := make(map[string]struct{})
	err := svc.AllFingerprints(ctx, func(fp fingerprint.Fingerprint) error {
		fresh[fp.Key()] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.remote = fresh
	c.processedSinceRefresh = 0
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	c.logger.Info("remote mirror refreshed", "fingerprints", len(fresh))
	return nil
}

// NoteProcessed counts files toward the count-based refresh trigger.
func (c *Cache) NoteProcessed(n int) {
	c.mu.Lock()
	c.processedSinceRefresh += n
	c.mu.Unlock()
}

// MaybeRefreshRemote refreshes the mirror when either trigger has fired.
// Refresh failures are logged and retried at the next trigger.
func (c *Cache) MaybeRefreshRemote(ctx context.Context, svc target.Service) {
	c.mu.Lock()
	due := c.processedSinceRefresh >= c.refreshCount ||
		time.Since(c.lastRefresh) >= c.refreshInterval
	c.mu.Unlock()

	if !due {
		return
	}
	if err := c.RefreshRemote(ctx, svc); err != nil {
		c.logger.Warn("remote mirror refresh failed, will retry at next trigger", "error", err)
	}
}

// Seen reports whether fp is known to any layer.
func (c *Cache) Seen(fp fingerprint.Fingerprint) bool {
	key := fp.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.local[key]; ok {
		return true
	}
	if _, ok := c.peers[key]; ok {
		return true
	}
	_, ok := c.remote[key]
	return ok
}

// Add records a fingerprint this worker has just resolved: the local layer
// always, and the remote mirror after a successful upload so a later
// re-encounter short-circuits without a server round-trip.
func (c *Cache) Add(fp fingerprint.Fingerprint, uploaded bool) {
	key := fp.Key()
	c.mu.Lock()
	c.local[key] = struct{}{}
	if uploaded {
		c.remote[key] = struct{}{}
	}
	c.mu.Unlock()
}

// Sizes reports per-layer cardinality for logging.
func (c *Cache) Sizes() (local, peers, remote int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.local), len(c.peers), len(c.remote)
}
