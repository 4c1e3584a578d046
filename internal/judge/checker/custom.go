package checker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"codehakam/internal/judge/sandbox"
	"codehakam/pkg/utils/logger"
)

const (
	sourceName     = "checker.cpp"
	binaryName     = "checker"
	stdoutName     = "checker.out"
	stderrName     = "checker.log"
	compileLogName = "checker-compile.log"

	runTimeLimitMs = 10_000
	runMemoryMB    = 256

	// firstLineMaxBytes bounds how much checker stdout is read for the
	// protocol line.
	firstLineMaxBytes = 4096
)

// compileCmd builds the checker with the same toolchain C++ submissions use.
var compileCmd = []string{"/usr/bin/g++", "-O2", "-std=c++17", "-o", binaryName, sourceName}

// Runner is the slice of the sandbox driver the checker needs.
type Runner interface {
	Run(ctx context.Context, box *sandbox.Box, rs sandbox.RunSpec) (sandbox.ExecResult, error)
}

// Custom compiles and runs per-problem checker binaries. One instance belongs
// to one worker; cacheDir keeps compiled binaries keyed by source hash so
// repeat submissions to the same problem skip the build.
type Custom struct {
	runner   Runner
	cacheDir string
}

// NewCustom creates a checker pipeline. An empty cacheDir disables binary
// caching.
func NewCustom(runner Runner, cacheDir string) (*Custom, error) {
	if runner == nil {
		return nil, errors.New("sandbox runner is required")
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create checker cache dir: %w", err)
		}
	}
	return &Custom{runner: runner, cacheDir: cacheDir}, nil
}

// Prepare makes the checker binary available inside the box, compiling the
// source unless a cached build of the same source exists.
func (c *Custom) Prepare(ctx context.Context, box *sandbox.Box, source []byte) error {
	if box == nil {
		return errors.New("box is required")
	}
	if len(source) == 0 {
		return errors.New("checker source is empty")
	}

	boxBinary := filepath.Join(box.Dir, binaryName)
	cached := c.cachedPath(source)
	if cached != "" {
		if err := copyFile(cached, boxBinary, 0o755); err == nil {
			return nil
		}
	}

	if err := os.WriteFile(filepath.Join(box.Dir, sourceName), source, 0o644); err != nil {
		return fmt.Errorf("write checker source: %w", err)
	}
	res, err := c.runner.Run(ctx, box, sandbox.RunSpec{
		Cmd:        compileCmd,
		Env:        sandbox.BuildEnv(),
		StderrFile: compileLogName,
		Limits:     sandbox.CompileLimits(),
	})
	if err != nil {
		return fmt.Errorf("compile checker: %w", err)
	}
	if res.ExitCode != 0 || res.Status != "" {
		return fmt.Errorf("checker compile failed: exit %d: %s", res.ExitCode, firstLine(res.Stderr))
	}

	if cached != "" {
		// Best effort: the next submission just compiles again if this fails.
		_ = copyFile(boxBinary, cached, 0o755)
	}
	return nil
}

// Judge runs the checker for one test. input.txt, output.txt and answer.txt
// must already be in the box. Checker misbehavior of any kind downgrades to
// a plain rejection; a broken checker can never fail the judge itself.
func (c *Custom) Judge(ctx context.Context, box *sandbox.Box, submissionID, testID string) bool {
	res, err := c.runner.Run(ctx, box, sandbox.RunSpec{
		Cmd:        []string{"./" + binaryName, sandbox.InputFileName, sandbox.OutputFileName, AnswerFileName},
		StdoutFile: stdoutName,
		StderrFile: stderrName,
		Limits: sandbox.Limits{
			TimeMs:    runTimeLimitMs,
			MemoryMB:  runMemoryMB,
			Processes: 1,
		},
	})
	if err != nil {
		logger.Warn(ctx, "checker run failed",
			zap.String("submission_id", submissionID),
			zap.String("test_id", testID),
			zap.Error(err))
		return false
	}
	if res.Status == sandbox.StatusTimeout || res.Status == sandbox.StatusSignalled || res.Status == sandbox.StatusInternal {
		logger.Warn(ctx, "checker did not run to completion",
			zap.String("submission_id", submissionID),
			zap.String("test_id", testID),
			zap.String("status", res.Status),
			zap.String("message", res.Message))
		return false
	}

	line := firstLine(readHead(res.StdoutPath))
	passed, ok := ParseOutcome(line)
	if !ok {
		logger.Warn(ctx, "checker output not understood",
			zap.String("submission_id", submissionID),
			zap.String("test_id", testID),
			zap.String("first_line", line),
			zap.Int("exit_code", res.ExitCode))
		return false
	}
	return passed
}

func (c *Custom) cachedPath(source []byte) string {
	if c.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256(source)
	return filepath.Join(c.cacheDir, "checker-"+hex.EncodeToString(sum[:8]))
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func readHead(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, firstLineMaxBytes))
	if err != nil {
		return ""
	}
	return string(data)
}
