package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"k8s.io/utils/clock"
)

const cacheBucket = "session_cache"

// BoltCache is a Cache persisted in a bbolt file, one per device.
type BoltCache struct {
	db     *bolt.DB
	clock  clock.PassiveClock
	logger zerolog.Logger
}

var _ Cache = (*BoltCache)(nil)

// DefaultPath returns ~/.cache/sessiond/cache.db.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessiond", "cache.db"), nil
}

// NewBoltCache opens (or creates) the cache file at path.
func NewBoltCache(path string, clk clock.PassiveClock, logger zerolog.Logger) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &BoltCache{
		db:     db,
		clock:  clk,
		logger: logger.With().Str("component", "cache").Logger(),
	}, nil
}

func (c *BoltCache) Save(sessionID string, data []byte) error {
	raw, err := json.Marshal(Entry{SessionID: sessionID, SavedAt: c.clock.Now(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cacheBucket)).Put([]byte(sessionID), raw)
	})
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

func (c *BoltCache) Load(sessionID string) ([]byte, bool) {
	return c.LoadWithin(sessionID, DefaultFreshness)
}

func (c *BoltCache) LoadWithin(sessionID string, window time.Duration) ([]byte, bool) {
	var entry Entry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(cacheBucket)).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Discarding unreadable cache entry")
		_ = c.Clear(sessionID)
		return nil, false
	}
	if !found {
		return nil, false
	}
	if !fresh(entry, c.clock.Now(), window) {
		c.logger.Debug().
			Str("session_id", sessionID).
			Time("saved_at", entry.SavedAt).
			Dur("window", window).
			Msg("Evicting stale cache entry")
		_ = c.Clear(sessionID)
		return nil, false
	}
	return entry.Data, true
}

func (c *BoltCache) Clear(sessionID string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cacheBucket)).Delete([]byte(sessionID))
	})
	if err != nil {
		return fmt.Errorf("clear cache entry: %w", err)
	}
	return nil
}

// Len returns the number of stored entries, fresh or not.
func (c *BoltCache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(cacheBucket)).Stats().KeyN
		return nil
	})
	return n
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
