package profile

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

// cache keeps profile and keystore bytes by user. A nil cache is disabled.
//
// Expiry is checked on read, so no cleaner goroutine is started.
type cache struct {
	c   *bigcache.BigCache
	log *zap.Logger
}

const (
	slotPrivate  = "private/"
	slotPublic   = "public/"
	slotKeyStore = "keystore/"
)

func newCache(ttl time.Duration, log *zap.Logger) (*cache, error) {
	if ttl <= 0 {
		return nil, nil
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 4096
	cfg.HardMaxCacheSize = 64 // MB
	cfg.CleanWindow = 0
	cfg.Verbose = false

	c, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &cache{c: c, log: log}, nil
}

func (c *cache) get(slot, uid string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, resp, err := c.c.GetWithInfo(slot + uid)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.log.Debug("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	if resp.EntryStatus == bigcache.Expired {
		_ = c.c.Delete(slot + uid)
		return nil, false
	}
	return data, true
}

func (c *cache) set(slot, uid string, data []byte) {
	if c == nil {
		return
	}
	if err := c.c.Set(slot+uid, data); err != nil {
		c.log.Debug("cache write failed", zap.Error(err))
	}
}

// evict drops every slot of uid.
func (c *cache) evict(uid string) {
	if c == nil {
		return
	}
	for _, slot := range []string{slotPrivate, slotPublic, slotKeyStore} {
		if err := c.c.Delete(slot + uid); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.log.Debug("cache eviction failed", zap.Error(err))
		}
	}
}

func (c *cache) close() error {
	if c == nil {
		return nil
	}
	return c.c.Close()
}
