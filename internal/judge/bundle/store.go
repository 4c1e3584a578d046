// Package bundle caches problem test data fetched from object storage. Test
// data ships as one zstd-compressed tar per problem with a per-object
// fallback; a shared on-disk layer dedups fetches across workers and
// processes, and a per-worker LRU keeps hot test file paths in memory.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codehakam/internal/common/cache"
	"codehakam/internal/common/mq"
	"codehakam/internal/common/storage"
	"codehakam/internal/judge/model"
)

const (
	metaFileName = "bundle.json"
	tmpFileName  = "bundle.tmp"

	lockKeyPrefix   = "judge:bundle:lock:"
	lockTTL         = 5 * time.Minute
	defaultLockWait = 30 * time.Second
	pollInterval    = 200 * time.Millisecond

	sourceBundle  = "bundle"
	sourceObjects = "objects"

	// maxBundleBytes caps the whole archive; individual entries are capped
	// separately at model.MaxTestObjectBytes during extraction.
	maxBundleBytes = 1 << 30
)

// CheckerFileName is the custom checker source name, both as an object key
// suffix and inside the bundle.
const CheckerFileName = "checker.cpp"

func bundleKey(problemID string) string {
	return "problems/" + problemID + "/bundle.tar.zst"
}

func bundleShaKey(problemID string) string {
	return "problems/" + problemID + "/bundle.sha256"
}

func testInputKey(problemID string, test int) string {
	return fmt.Sprintf("problems/%s/tests/%d.in", problemID, test)
}

func testAnswerKey(problemID string, test int) string {
	return fmt.Sprintf("problems/%s/tests/%d.ans", problemID, test)
}

func checkerKey(problemID string) string {
	return "problems/" + problemID + "/" + CheckerFileName
}

// bundleMeta is persisted beside the extracted data and gates reuse.
type bundleMeta struct {
	Source     string    `json:"source"`
	ETag       string    `json:"etag,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	TestCount  int       `json:"test_count,omitempty"`
	HasChecker bool      `json:"has_checker"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// StoreConfig configures the shared on-disk bundle store.
type StoreConfig struct {
	RootDir  string
	Bucket   string
	LockWait time.Duration
}

// Store is the cross-worker disk layer. Concurrent fetches of the same
// problem are deduplicated with a distributed lock; losers poll the disk
// until the winner finishes.
type Store struct {
	cfg     StoreConfig
	storage storage.ObjectStorage
	locks   cache.LockOps
	fetch   mq.FetchLimiter
}

// NewStore creates the store. fetch may be nil to leave downloads unbounded.
func NewStore(cfg StoreConfig, st storage.ObjectStorage, locks cache.LockOps, fetch mq.FetchLimiter) (*Store, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("bundle root dir is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if st == nil {
		return nil, errors.New("object storage is required")
	}
	if locks == nil {
		return nil, errors.New("lock client is required")
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle root: %w", err)
	}
	return &Store{cfg: cfg, storage: st, locks: locks, fetch: fetch}, nil
}

// EnsureBundle makes the problem's test data available on disk and returns
// its directory. testCount bounds the per-object fallback and forces a
// refetch when a cached object-mode copy has fewer tests than requested.
func (s *Store) EnsureBundle(ctx context.Context, problemID string, testCount int) (string, error) {
	if err := validateProblemID(problemID); err != nil {
		return "", err
	}
	if testCount < 1 {
		return "", fmt.Errorf("test count %d out of range", testCount)
	}

	dir := s.problemDir(problemID)
	meta, onDisk := readMeta(dir)

	stat, statErr := s.storage.StatObject(ctx, s.cfg.Bucket, bundleKey(problemID))
	switch {
	case statErr == nil:
		if onDisk && meta.Source == sourceBundle && meta.ETag == stat.ETag {
			return dir, nil
		}
	case storage.IsNotFound(statErr):
		if onDisk && meta.Source == sourceObjects && meta.TestCount >= testCount {
			return dir, nil
		}
	default:
		// Endpoint trouble: a cached copy beats failing the submission.
		if onDisk {
			return dir, nil
		}
		return "", fmt.Errorf("stat bundle: %w", statErr)
	}

	if err := s.fetchLocked(ctx, problemID, dir, testCount, stat.ETag, storage.IsNotFound(statErr)); err != nil {
		return "", err
	}
	return dir, nil
}

// CheckerSource returns the problem's custom checker source, or nil when the
// problem uses the default comparison.
func (s *Store) CheckerSource(ctx context.Context, problemID string, testCount int) ([]byte, error) {
	dir, err := s.EnsureBundle(ctx, problemID, testCount)
	if err != nil {
		return nil, err
	}
	meta, ok := readMeta(dir)
	if !ok || !meta.HasChecker {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, CheckerFileName))
	if err != nil {
		return nil, fmt.Errorf("read checker source: %w", err)
	}
	return data, nil
}

// Invalidate drops the problem's on-disk data. Called when testcases change.
func (s *Store) Invalidate(problemID string) error {
	if err := validateProblemID(problemID); err != nil {
		return err
	}
	return os.RemoveAll(s.problemDir(problemID))
}

func (s *Store) problemDir(problemID string) string {
	return filepath.Join(s.cfg.RootDir, "problems", problemID)
}

func (s *Store) fetchLocked(ctx context.Context, problemID, dir string, testCount int, etag string, bundleAbsent bool) error {
	lockKey := lockKeyPrefix + problemID
	locked, err := s.locks.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire bundle lock: %w", err)
	}
	if !locked {
		return s.waitForBundle(ctx, dir, testCount, etag, bundleAbsent)
	}
	defer func() {
		_ = s.locks.Unlock(ctx, lockKey)
	}()

	// Another process may have finished while we raced for the lock.
	if diskValid(dir, testCount, etag, bundleAbsent) {
		return nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear bundle dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	if s.fetch != nil {
		if err := s.fetch.Acquire(ctx); err != nil {
			return fmt.Errorf("acquire download slot: %w", err)
		}
		defer s.fetch.Release()
	}

	var meta bundleMeta
	if bundleAbsent {
		meta, err = s.fetchObjects(ctx, problemID, dir, testCount)
	} else {
		meta, err = s.fetchBundle(ctx, problemID, dir, etag)
	}
	if err != nil {
		return err
	}

	meta.FetchedAt = time.Now().UTC()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode bundle meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), data, 0o644); err != nil {
		return fmt.Errorf("write bundle meta: %w", err)
	}
	return nil
}

func (s *Store) waitForBundle(ctx context.Context, dir string, testCount int, etag string, bundleAbsent bool) error {
	deadline := time.Now().Add(s.cfg.LockWait)
	for {
		if diskValid(dir, testCount, etag, bundleAbsent) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("wait for bundle fetch timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Store) fetchBundle(ctx context.Context, problemID, dir, etag string) (bundleMeta, error) {
	tmpPath := filepath.Join(dir, tmpFileName)
	sum, err := s.downloadTo(ctx, bundleKey(problemID), tmpPath, maxBundleBytes)
	if err != nil {
		return bundleMeta{}, fmt.Errorf("download bundle: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := s.verifyChecksum(ctx, problemID, sum); err != nil {
		return bundleMeta{}, err
	}
	if err := extractBundle(tmpPath, dir); err != nil {
		return bundleMeta{}, err
	}

	return bundleMeta{
		Source:     sourceBundle,
		ETag:       etag,
		SHA256:     sum,
		HasChecker: fileExists(filepath.Join(dir, CheckerFileName)),
	}, nil
}

func (s *Store) fetchObjects(ctx context.Context, problemID, dir string, testCount int) (bundleMeta, error) {
	testsDir := filepath.Join(dir, "tests")
	if err := os.MkdirAll(testsDir, 0o755); err != nil {
		return bundleMeta{}, fmt.Errorf("create tests dir: %w", err)
	}

	for n := 1; n <= testCount; n++ {
		in := filepath.Join(testsDir, fmt.Sprintf("%d.in", n))
		if _, err := s.downloadTo(ctx, testInputKey(problemID, n), in, model.MaxTestObjectBytes); err != nil {
			return bundleMeta{}, fmt.Errorf("download test %d input: %w", n, err)
		}
		ans := filepath.Join(testsDir, fmt.Sprintf("%d.ans", n))
		if _, err := s.downloadTo(ctx, testAnswerKey(problemID, n), ans, model.MaxTestObjectBytes); err != nil {
			return bundleMeta{}, fmt.Errorf("download test %d answer: %w", n, err)
		}
	}

	meta := bundleMeta{Source: sourceObjects, TestCount: testCount}
	_, err := s.downloadTo(ctx, checkerKey(problemID), filepath.Join(dir, CheckerFileName), model.MaxTestObjectBytes)
	switch {
	case err == nil:
		meta.HasChecker = true
	case storage.IsNotFound(err):
	default:
		return bundleMeta{}, fmt.Errorf("download checker source: %w", err)
	}
	return meta, nil
}

// downloadTo streams an object into dstPath, enforcing maxBytes, and returns
// the sha256 hex of what was written.
func (s *Store) downloadTo(ctx context.Context, key, dstPath string, maxBytes int64) (string, error) {
	reader, err := s.storage.GetObject(ctx, s.cfg.Bucket, key)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Base(dstPath), err)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(reader, maxBytes+1))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("write %s: %w", filepath.Base(dstPath), err)
	}
	if n > maxBytes {
		os.Remove(dstPath)
		return "", fmt.Errorf("object %s exceeds %d byte limit", key, maxBytes)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// verifyChecksum compares the downloaded bundle against the problem's
// published sha256 sidecar, when one exists.
func (s *Store) verifyChecksum(ctx context.Context, problemID, actual string) error {
	reader, err := s.storage.GetObject(ctx, s.cfg.Bucket, bundleShaKey(problemID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("download bundle checksum: %w", err)
	}
	defer reader.Close()

	data, err := storage.ReadCapped(reader, 128)
	if err != nil {
		return fmt.Errorf("read bundle checksum: %w", err)
	}
	want := strings.TrimSpace(string(data))
	if want != "" && !strings.EqualFold(want, actual) {
		return fmt.Errorf("bundle checksum mismatch: have %s, want %s", actual, want)
	}
	return nil
}

func diskValid(dir string, testCount int, etag string, bundleAbsent bool) bool {
	meta, ok := readMeta(dir)
	if !ok {
		return false
	}
	if bundleAbsent {
		return meta.Source == sourceObjects && meta.TestCount >= testCount
	}
	return meta.Source == sourceBundle && meta.ETag == etag
}

func readMeta(dir string) (bundleMeta, bool) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return bundleMeta{}, false
	}
	var meta bundleMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return bundleMeta{}, false
	}
	return meta, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// validateProblemID rejects ids that could escape the cache or storage
// namespaces when joined into paths and object keys.
func validateProblemID(problemID string) error {
	if problemID == "" {
		return errors.New("problem id is required")
	}
	if problemID == "." || problemID == ".." {
		return fmt.Errorf("invalid problem id %q", problemID)
	}
	if strings.ContainsAny(problemID, `/\`) || strings.Contains(problemID, "..") {
		return fmt.Errorf("invalid problem id %q", problemID)
	}
	return nil
}
