// Package sandbox wraps the external isolate binary used to compile and run
// untrusted submissions. Each execution happens inside a numbered isolate box
// allocated from a fixed pool; callers must release boxes with CleanupBox.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultIsolatePath = "/usr/local/bin/isolate"
	defaultBoxRoot     = "/var/local/lib/isolate"
	defaultPoolSize    = 8

	// maxClearBoxID bounds the ids accepted by ClearBox. Pool ids are always
	// far below this; the headroom exists for operator recovery after crashes.
	maxClearBoxID = 1000
)

// Config controls where isolate lives and how many boxes may be in use at once.
type Config struct {
	IsolatePath string `yaml:"isolate_path"`
	BoxRoot     string `yaml:"box_root"`
	PoolSize    int    `yaml:"pool_size"`
}

// Driver invokes isolate. It is safe for concurrent use; the box pool
// serializes access to individual box ids.
type Driver struct {
	cfg  Config
	free chan int

	// invoke runs the isolate binary and returns stdout, stderr.
	// Swappable for tests.
	invoke func(ctx context.Context, args ...string) (string, string, error)
}

// NewDriver creates a Driver with a free list of PoolSize box ids.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.IsolatePath == "" {
		cfg.IsolatePath = defaultIsolatePath
	}
	if cfg.BoxRoot == "" {
		cfg.BoxRoot = defaultBoxRoot
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PoolSize > maxClearBoxID+1 {
		return nil, fmt.Errorf("sandbox pool size %d exceeds box id range", cfg.PoolSize)
	}

	d := &Driver{
		cfg:  cfg,
		free: make(chan int, cfg.PoolSize),
	}
	d.invoke = d.invokeIsolate
	for id := 0; id < cfg.PoolSize; id++ {
		d.free <- id
	}
	return d, nil
}

// Box is an initialized isolate box. Dir is the host path of the box working
// directory; files written there appear at /box inside the sandbox.
type Box struct {
	ID       int
	Dir      string
	released bool
}

// CreateBox takes a free box id and initializes it. It blocks until a box is
// free or ctx expires.
func (d *Driver) CreateBox(ctx context.Context) (*Box, error) {
	var id int
	select {
	case id = <-d.free:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for free box: %w", ctx.Err())
	}

	// Clear leftover state first: a crashed run leaves the box initialized,
	// which makes a bare init fail.
	_, _, _ = d.invoke(ctx, boxArg(id), "--cg", "--cleanup")

	stdout, stderr, err := d.invoke(ctx, boxArg(id), "--cg", "--init")
	if err != nil {
		d.free <- id
		return nil, fmt.Errorf("isolate init box %d failed: %s: %w", id, strings.TrimSpace(stderr), err)
	}

	dir := strings.TrimSpace(stdout)
	if dir == "" {
		dir = filepath.Join(d.cfg.BoxRoot, strconv.Itoa(id))
	}
	return &Box{ID: id, Dir: filepath.Join(dir, "box")}, nil
}

// CleanupBox tears the box down and returns its id to the pool. Safe to call
// more than once; callers defer it as soon as CreateBox succeeds.
func (d *Driver) CleanupBox(ctx context.Context, box *Box) error {
	if box == nil || box.released {
		return nil
	}
	box.released = true

	_, stderr, err := d.invoke(ctx, boxArg(box.ID), "--cg", "--cleanup")
	d.free <- box.ID
	if err != nil {
		return fmt.Errorf("isolate cleanup box %d failed: %s: %w", box.ID, strings.TrimSpace(stderr), err)
	}
	return nil
}

// ClearBox force-cleans a box id without touching the pool. Used by the admin
// surface to recover boxes orphaned by a crashed worker.
func (d *Driver) ClearBox(ctx context.Context, id int) error {
	if id < 0 || id > maxClearBoxID {
		return fmt.Errorf("box id %d out of range [0, %d]", id, maxClearBoxID)
	}
	_, stderr, err := d.invoke(ctx, boxArg(id), "--cg", "--cleanup")
	if err != nil {
		return fmt.Errorf("isolate cleanup box %d failed: %s: %w", id, strings.TrimSpace(stderr), err)
	}
	return nil
}

// PoolSize reports the total number of box ids managed by the pool.
func (d *Driver) PoolSize() int {
	return cap(d.free)
}

// FreeBoxes reports how many box ids are currently unallocated.
func (d *Driver) FreeBoxes() int {
	return len(d.free)
}

func (d *Driver) invokeIsolate(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, d.cfg.IsolatePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func boxArg(id int) string {
	return fmt.Sprintf("--box-id=%d", id)
}
