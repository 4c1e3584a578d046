package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"codehakam/internal/common/storage"
	"codehakam/internal/judge/bundle"
	"codehakam/internal/judge/checker"
	"codehakam/internal/judge/model"
	"codehakam/internal/judge/repository"
	"codehakam/internal/judge/sandbox"
	"codehakam/pkg/utils/logger"
)

// errEmptySource marks an empty stored source object, which no redelivery
// can fix.
var errEmptySource = errors.New("source object is empty")

// judge runs the fetch, compile and test stages for one submission. A nil
// error means params carries the terminal outcome; faults no redelivery can
// fix are folded into a system-error verdict. A non-nil error is transient
// and sends the delivery back to the queue. Partial aggregates stay in
// params either way so the timeout path can keep them.
func (w *Worker) judge(ctx context.Context, req *model.JudgeRequest, lang model.Language) (repository.FinalizeParams, error) {
	params := repository.FinalizeParams{
		TestsTotal: req.TestCount,
		UserID:     req.UserID,
		ProblemID:  req.ProblemID,
	}

	source, err := w.fetchSource(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return params, err
		}
		if storage.IsNotFound(err) || isTooLarge(err) || errors.Is(err, errEmptySource) {
			return systemError(params, "source unavailable: "+err.Error()), nil
		}
		return params, err
	}

	box, err := w.cfg.Sandbox.CreateBox(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return params, err
		}
		return systemError(params, "sandbox unavailable: "+err.Error()), nil
	}
	defer w.cleanupBox(ctx, box)

	comp, err := w.cfg.Sandbox.Compile(ctx, box, lang, source)
	if err != nil {
		if ctx.Err() != nil {
			return params, err
		}
		return systemError(params, "compile stage failed: "+err.Error()), nil
	}
	params.CompileLog = comp.Log
	if !comp.OK {
		params.Verdict = model.VerdictCompileError
		return params, nil
	}

	checkerSource, err := w.cfg.TestData.CheckerSource(ctx, req.ProblemID, req.TestCount)
	if err != nil {
		if ctx.Err() != nil {
			return params, err
		}
		if storage.IsNotFound(err) {
			return systemError(params, "test data unavailable: "+err.Error()), nil
		}
		return params, fmt.Errorf("fetch checker source: %w", err)
	}
	if len(checkerSource) > 0 {
		if err := w.cfg.Checker.Prepare(ctx, box, checkerSource); err != nil {
			if ctx.Err() != nil {
				return params, err
			}
			// A checker that does not build can never pass anyone.
			return systemError(params, "prepare checker failed: "+err.Error()), nil
		}
	}

	for test := 1; test <= req.TestCount; test++ {
		files, err := w.cfg.TestData.Get(ctx, req.ProblemID, req.TestCount, test)
		if err != nil {
			if ctx.Err() != nil {
				return params, err
			}
			if errors.Is(err, bundle.ErrTestMissing) || storage.IsNotFound(err) {
				return systemError(params, "test data unavailable: "+err.Error()), nil
			}
			return params, fmt.Errorf("fetch test %d: %w", test, err)
		}

		verdict, res, err := w.runTest(ctx, box, req, lang, files, len(checkerSource) > 0, test)
		if err != nil {
			if ctx.Err() != nil {
				return params, err
			}
			return systemError(params, fmt.Sprintf("test %d did not run: %v", test, err)), nil
		}
		if t := int(res.EffectiveTimeMs()); t > params.TimeMs {
			params.TimeMs = t
		}
		if m := int(res.MemoryKB); m > params.MemoryKB {
			params.MemoryKB = m
		}
		logger.Debug(ctx, "test finished",
			zap.String("submission_id", req.SubmissionID),
			zap.Int("test", test),
			zap.String("verdict", string(verdict)),
			zap.Int64("time_ms", res.EffectiveTimeMs()),
			zap.Int64("memory_kb", res.MemoryKB))

		if verdict != model.VerdictAccepted {
			params.Verdict = verdict
			params.FailedTest = test
			break
		}
		params.TestsPassed++
	}

	if params.Verdict == "" {
		params.Verdict = model.VerdictAccepted
	}
	params.Score = score(params.TestsPassed, params.TestsTotal)
	return params, nil
}

// runTest stages one test's input, executes the submission and checks the
// produced output when the run is clean.
func (w *Worker) runTest(ctx context.Context, box *sandbox.Box, req *model.JudgeRequest, lang model.Language, files bundle.TestFiles, custom bool, test int) (model.Verdict, sandbox.ExecResult, error) {
	if err := stageFile(files.InputPath, box.Dir, sandbox.InputFileName); err != nil {
		return "", sandbox.ExecResult{}, fmt.Errorf("stage input: %w", err)
	}

	res, err := w.cfg.Sandbox.Execute(ctx, box, sandbox.ExecSpec{
		Language:      lang,
		TimeLimitMs:   req.TimeLimitMs,
		MemoryLimitMB: req.MemoryLimitMB,
	})
	if err != nil {
		return "", sandbox.ExecResult{}, err
	}

	verdict := sandbox.MapVerdict(res, req.TimeLimitMs, req.MemoryLimitMB)
	if verdict != model.VerdictAccepted {
		return verdict, res, nil
	}

	if custom {
		if err := stageFile(files.AnswerPath, box.Dir, checker.AnswerFileName); err != nil {
			return "", res, fmt.Errorf("stage answer: %w", err)
		}
		if !w.cfg.Checker.Judge(ctx, box, req.SubmissionID, strconv.Itoa(test)) {
			return model.VerdictWrongAnswer, res, nil
		}
		return model.VerdictAccepted, res, nil
	}

	output, err := os.ReadFile(res.StdoutPath)
	if err != nil {
		return "", res, fmt.Errorf("read output: %w", err)
	}
	answer, err := os.ReadFile(files.AnswerPath)
	if err != nil {
		return "", res, fmt.Errorf("read answer: %w", err)
	}
	if !checker.TrimmedEqual(output, answer) {
		return model.VerdictWrongAnswer, res, nil
	}
	return model.VerdictAccepted, res, nil
}

// fetchSource downloads the submitted source, capped at the intake limit.
func (w *Worker) fetchSource(ctx context.Context, req *model.JudgeRequest) ([]byte, error) {
	reader, err := w.cfg.Storage.GetObject(ctx, w.cfg.SourceBucket, req.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", req.SourceKey, err)
	}
	defer reader.Close()

	data, err := storage.ReadCapped(reader, model.MaxSourceBytes)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", req.SourceKey, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("source %s: %w", req.SourceKey, errEmptySource)
	}
	return data, nil
}

// cleanupBox releases the box even when ctx is already done.
func (w *Worker) cleanupBox(ctx context.Context, box *sandbox.Box) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := w.cfg.Sandbox.CleanupBox(cctx, box); err != nil {
		logger.Warn(cctx, "box cleanup failed",
			zap.Int("box_id", box.ID), zap.Error(err))
	}
}

// systemError stamps a judge-fault outcome onto the partial aggregates.
func systemError(params repository.FinalizeParams, msg string) repository.FinalizeParams {
	params.Verdict = model.VerdictSystemError
	params.Error = msg
	params.Score = score(params.TestsPassed, params.TestsTotal)
	return params
}

func isTooLarge(err error) bool {
	var tooLarge *storage.ErrObjectTooLarge
	return errors.As(err, &tooLarge)
}

// stageFile copies a shared-disk file into the box working directory.
func stageFile(src, boxDir, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(filepath.Join(boxDir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
