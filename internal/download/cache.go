package download

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/verify"
)

// Cache keeps payloads that passed verification, keyed by their digest, so
// a payload already seen is not fetched again. Entries live at
// Dir/<algorithm>/<hex>; a hit refreshes the entry's modification time.
type Cache struct {
	Dir     string
	MaxSize int64
	MaxAge  time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewCache returns a cache bounded to maxSizeMB and entries younger than
// maxAgeDays.
func NewCache(dir string, maxSizeMB, maxAgeDays int) *Cache {
	return &Cache{
		Dir:     dir,
		MaxSize: int64(maxSizeMB) << 20,
		MaxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
		now:     time.Now,
	}
}

func (c *Cache) entry(hash string) (string, error) {
	d, err := verify.ParseDigest(hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.Dir, string(d.Algorithm), fmt.Sprintf("%x", d.Sum)), nil
}

// Fetch copies the entry for hash to dest. It reports false when there is no
// live entry; an expired entry is removed.
func (c *Cache) Fetch(hash, dest string) (bool, error) {
	src, err := c.entry(hash)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := c.now()
	if c.MaxAge > 0 && now.Sub(info.ModTime()) > c.MaxAge {
		log.Debug("cached payload expired", "hash", hash)
		os.Remove(src)
		return false, nil
	}
	if err := copyFile(src, dest); err != nil {
		return false, fmt.Errorf("copy cached payload: %w", err)
	}
	if err := os.Chtimes(src, now, now); err != nil {
		log.Warn("touching cached payload", "path", src, logging.KeyError, err)
	}
	return true, nil
}

// Store adds the verified payload at path under hash and prunes the cache.
func (c *Cache) Store(hash, path string) error {
	dst, err := c.entry(hash)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := copyFile(path, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache payload: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache payload: %w", err)
	}
	now := c.now()
	os.Chtimes(dst, now, now)
	return c.prune()
}

// Prune removes expired entries, then the least recently used ones until the
// cache fits MaxSize.
func (c *Cache) Prune() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prune()
}

type cacheEntry struct {
	path string
	size int64
	mod  time.Time
}

func (c *Cache) prune() error {
	var entries []cacheEntry
	var total int64
	err := filepath.WalkDir(c.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, cacheEntry{path: path, size: info.Size(), mod: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan cache: %w", err)
	}

	slices.SortFunc(entries, func(a, b cacheEntry) int { return a.mod.Compare(b.mod) })
	now := c.now()
	removed := 0
	for _, e := range entries {
		expired := c.MaxAge > 0 && now.Sub(e.mod) > c.MaxAge
		if !expired && (c.MaxSize <= 0 || total <= c.MaxSize) {
			continue
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("evicting cached payload", "path", e.path, logging.KeyError, err)
			continue
		}
		total -= e.size
		removed++
	}
	if removed > 0 {
		log.Info("payload cache pruned", "evicted", removed, "bytes", total)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
