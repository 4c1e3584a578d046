//go:build linux

// Command sandbox-init provisions the isolate box pool before the execution
// service starts. isolate keeps box state under a root-owned directory and
// refuses unprivileged init, so this runs as root during host setup.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultIsolatePath = "/usr/local/bin/isolate"
	defaultBoxRoot     = "/var/local/lib/isolate"
	defaultBoxes       = 8

	// maxBoxes mirrors the highest box id the service will ever clean.
	maxBoxes = 1001

	invokeTimeout = 10 * time.Second

	// minFreeBytes is the low-water mark for the box root filesystem. Test
	// bundles are staged under it, so a nearly full disk turns every
	// judgement into a system error.
	minFreeBytes = 1 << 30
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	isolatePath := flag.String("isolate", defaultIsolatePath, "Path to the isolate binary")
	boxRoot := flag.String("box-root", defaultBoxRoot, "Isolate box root directory")
	boxes := flag.Int("boxes", defaultBoxes, "Number of box ids to prepare")
	cleanup := flag.Bool("cleanup", false, "Tear boxes down instead of initializing them")
	flag.Parse()

	if unix.Geteuid() != 0 {
		return fmt.Errorf("must run as root: isolate box setup needs privileged mounts")
	}
	if *boxes <= 0 || *boxes > maxBoxes {
		return fmt.Errorf("box count %d out of range [1, %d]", *boxes, maxBoxes)
	}
	if _, err := os.Stat(*isolatePath); err != nil {
		return fmt.Errorf("isolate binary: %w", err)
	}

	action := "--init"
	if *cleanup {
		action = "--cleanup"
	}

	failed := 0
	for id := 0; id < *boxes; id++ {
		if err := prepareBox(*isolatePath, id, action); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "box %d: %v\n", id, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d boxes failed", failed, *boxes)
	}
	if *cleanup {
		fmt.Printf("cleaned up %d boxes\n", *boxes)
		return nil
	}

	if err := checkBoxRoot(*boxRoot); err != nil {
		return err
	}
	fmt.Printf("initialized %d boxes under %s\n", *boxes, *boxRoot)
	return nil
}

// prepareBox runs one isolate action for one box id. Init clears leftover
// state first: a crashed service leaves boxes initialized, which makes a
// bare init fail.
func prepareBox(isolatePath string, id int, action string) error {
	boxArg := fmt.Sprintf("--box-id=%d", id)
	if action == "--init" {
		_ = runIsolate(isolatePath, boxArg, "--cg", "--cleanup")
	}
	return runIsolate(isolatePath, boxArg, "--cg", action)
}

func runIsolate(isolatePath string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, isolatePath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}
	return nil
}

// checkBoxRoot verifies the box directory landed on a filesystem with room
// for test data extraction.
func checkBoxRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("box root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("box root %s is not a directory", root)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(root, &fs); err != nil {
		return fmt.Errorf("statfs box root: %w", err)
	}
	free := fs.Bavail * uint64(fs.Bsize)
	if free < minFreeBytes {
		fmt.Fprintf(os.Stderr, "warning: box root has only %d MiB free\n", free/(1<<20))
	}
	return nil
}
