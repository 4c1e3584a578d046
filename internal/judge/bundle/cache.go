package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds how many tests one worker keeps hot.
	DefaultMaxEntries = 64
	// DefaultMaxBytes bounds the bytes referenced by one worker's entries.
	DefaultMaxBytes = 512 << 20
	// DefaultTTL is how long an unused entry stays valid.
	DefaultTTL = 30 * time.Minute
)

// ErrTestMissing reports that a fetched bundle does not contain a requested
// test's files. Redelivering the submission cannot fix it.
var ErrTestMissing = errors.New("test data missing")

// TestFiles points at one test's input and expected answer on shared disk.
type TestFiles struct {
	InputPath  string
	AnswerPath string
	SizeBytes  int64
}

// CacheConfig configures a per-worker test cache.
type CacheConfig struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

type testKey struct {
	problemID string
	test      int
}

type cacheEntry struct {
	files     TestFiles
	expiresAt time.Time
}

// Cache is one worker's LRU over the shared store. Eviction only forgets
// file paths; the shared disk copy is dropped solely by Store.Invalidate.
type Cache struct {
	cfg   CacheConfig
	store *Store

	mu         sync.Mutex
	entries    map[testKey]*cacheEntry
	lruKeys    []testKey
	totalBytes int64
}

// NewCache creates a per-worker cache over store.
func NewCache(cfg CacheConfig, store *Store) (*Cache, error) {
	if store == nil {
		return nil, errors.New("bundle store is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache{
		cfg:     cfg,
		store:   store,
		entries: make(map[testKey]*cacheEntry),
	}, nil
}

// Get returns the on-disk paths for one test, fetching the problem's bundle
// if needed. A hit refreshes the entry's TTL.
func (c *Cache) Get(ctx context.Context, problemID string, testCount, test int) (TestFiles, error) {
	if test < 1 || test > testCount {
		return TestFiles{}, fmt.Errorf("test %d out of range 1..%d", test, testCount)
	}
	key := testKey{problemID: problemID, test: test}
	if files, ok := c.hit(key); ok {
		return files, nil
	}

	dir, err := c.store.EnsureBundle(ctx, problemID, testCount)
	if err != nil {
		return TestFiles{}, err
	}
	files, err := statTest(dir, test)
	if err != nil {
		return TestFiles{}, err
	}
	c.add(key, files)
	return files, nil
}

// CheckerSource returns the problem's custom checker source, or nil when the
// problem uses the default comparison.
func (c *Cache) CheckerSource(ctx context.Context, problemID string, testCount int) ([]byte, error) {
	return c.store.CheckerSource(ctx, problemID, testCount)
}

// InvalidateProblem forgets the worker's entries for one problem. The shared
// disk copy is invalidated separately through the store.
func (c *Cache) InvalidateProblem(problemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.problemID == problemID {
			c.removeLocked(key)
		}
	}
}

func (c *Cache) hit(key testKey) (TestFiles, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return TestFiles{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(key)
		return TestFiles{}, false
	}
	entry.expiresAt = time.Now().Add(c.cfg.TTL)
	c.touchLocked(key)
	return entry.files, true
}

func (c *Cache) add(key testKey, files TestFiles) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	c.entries[key] = &cacheEntry{
		files:     files,
		expiresAt: time.Now().Add(c.cfg.TTL),
	}
	c.lruKeys = append(c.lruKeys, key)
	c.totalBytes += files.SizeBytes

	for len(c.entries) > c.cfg.MaxEntries || c.totalBytes > c.cfg.MaxBytes {
		if !c.removeOldestLocked() {
			break
		}
	}
}

// touchLocked moves key to the most recent end.
func (c *Cache) touchLocked(key testKey) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			c.lruKeys = append(c.lruKeys, key)
			return
		}
	}
}

func (c *Cache) removeOldestLocked() bool {
	if len(c.lruKeys) == 0 {
		return false
	}
	c.removeLocked(c.lruKeys[0])
	return true
}

func (c *Cache) removeLocked(key testKey) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.totalBytes -= entry.files.SizeBytes
	delete(c.entries, key)
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
}

func statTest(dir string, test int) (TestFiles, error) {
	in := filepath.Join(dir, "tests", fmt.Sprintf("%d.in", test))
	ans := filepath.Join(dir, "tests", fmt.Sprintf("%d.ans", test))

	inStat, err := os.Stat(in)
	if err != nil {
		return TestFiles{}, fmt.Errorf("test %d input not in bundle: %w", test, ErrTestMissing)
	}
	ansStat, err := os.Stat(ans)
	if err != nil {
		return TestFiles{}, fmt.Errorf("test %d answer not in bundle: %w", test, ErrTestMissing)
	}
	return TestFiles{
		InputPath:  in,
		AnswerPath: ans,
		SizeBytes:  inStat.Size() + ansStat.Size(),
	}, nil
}
