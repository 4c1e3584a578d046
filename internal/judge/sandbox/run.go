package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"codehakam/internal/judge/model"
)

// Box file names shared with the worker and checker layers.
const (
	InputFileName  = "input.txt"
	OutputFileName = "output.txt"
)

const (
	runtimeLogName = "runtime.log"
	compileLogName = "compile.log"

	executableName = "program"
	mainClassName  = "Main"

	// maxLogBytes caps compile logs and captured stderr.
	maxLogBytes = 64 * 1024

	compileTimeLimitMs = 30_000
	compileMemoryMB    = 256
	defaultFsizeKB     = 64 * 1024

	sandboxPath = "PATH=/usr/local/bin:/usr/bin:/bin"
)

// Limits are the resource bounds for one isolate run. WallMs defaults to
// 2*TimeMs+1s when zero. Processes <= 0 means unlimited, which compilers need.
type Limits struct {
	TimeMs    int64
	WallMs    int64
	MemoryMB  int64
	FsizeKB   int64
	Processes int
}

// RunSpec describes a single isolate --run invocation. Cmd is executed with
// the box working directory as cwd; stdio file names are relative to it.
type RunSpec struct {
	Cmd        []string
	Env        []string
	StdinFile  string
	StdoutFile string
	StderrFile string
	Limits     Limits
}

// ExecSpec runs one test of a submission: the language's run template with the
// submission's limits applied.
type ExecSpec struct {
	Language      model.Language
	TimeLimitMs   int
	MemoryLimitMB int
	StdinFile     string
	StdoutFile    string
	StderrFile    string
}

// ExecResult is the parsed outcome of one isolate run. A non-nil error from
// Run or Execute means isolate itself failed, not the program inside it.
type ExecResult struct {
	ExitCode   int
	Status     string
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OOMKilled  bool
	StdoutPath string
	Stderr     string
	Message    string
}

// EffectiveTimeMs is the run time reported in verdicts: wall time when the
// meta file carries it, CPU time otherwise.
func (r ExecResult) EffectiveTimeMs() int64 {
	if r.WallTimeMs > 0 {
		return r.WallTimeMs
	}
	return r.TimeMs
}

// CompileResult is the outcome of a compile step. OK with an empty Log means
// the language needs no compilation.
type CompileResult struct {
	OK       bool
	ExitCode int
	TimeMs   int64
	MemoryKB int64
	Log      string
}

// Compile writes the source into the box and runs the language's compile
// template under compile limits. The compiler's stderr becomes the log,
// truncated to 64 KiB. Interpreted languages only get the source written.
func (d *Driver) Compile(ctx context.Context, box *Box, lang model.Language, source []byte) (CompileResult, error) {
	if box == nil {
		return CompileResult{}, errors.New("box is required")
	}
	if len(source) == 0 {
		return CompileResult{}, errors.New("source is empty")
	}
	if err := os.WriteFile(filepath.Join(box.Dir, lang.SourceFile), source, 0o644); err != nil {
		return CompileResult{}, fmt.Errorf("write source: %w", err)
	}
	if !lang.Compiled {
		return CompileResult{OK: true}, nil
	}

	cmd, err := renderCommand(lang.CompileTemplate, lang, compileMemoryMB)
	if err != nil {
		return CompileResult{}, err
	}

	meta, err := d.runBox(ctx, box, RunSpec{
		Cmd:        cmd,
		Env:        compileEnv(lang),
		StderrFile: compileLogName,
		Limits:     CompileLimits(),
	})
	if err != nil {
		return CompileResult{}, err
	}

	res := CompileResult{
		OK:       meta.exitCode() == 0 && meta.Status == "",
		ExitCode: meta.exitCode(),
		TimeMs:   meta.timeMs(),
		MemoryKB: meta.memoryKB(),
		Log:      readLimited(filepath.Join(box.Dir, compileLogName), maxLogBytes),
	}
	if !res.OK && res.Log == "" {
		res.Log = meta.Message
	}
	return res, nil
}

// Execute renders the language's run template and runs it against one test
// under the submission's limits.
func (d *Driver) Execute(ctx context.Context, box *Box, spec ExecSpec) (ExecResult, error) {
	if box == nil {
		return ExecResult{}, errors.New("box is required")
	}
	cmd, err := renderCommand(spec.Language.RunTemplate, spec.Language, int64(spec.MemoryLimitMB))
	if err != nil {
		return ExecResult{}, err
	}

	rs := RunSpec{
		Cmd:        cmd,
		Env:        []string{sandboxPath},
		StdinFile:  spec.StdinFile,
		StdoutFile: spec.StdoutFile,
		StderrFile: spec.StderrFile,
		Limits: Limits{
			TimeMs:    int64(spec.TimeLimitMs),
			MemoryMB:  int64(spec.MemoryLimitMB),
			FsizeKB:   defaultFsizeKB,
			Processes: spec.Language.Processes,
		},
	}
	if rs.StdinFile == "" {
		rs.StdinFile = InputFileName
	}
	if rs.StdoutFile == "" {
		rs.StdoutFile = OutputFileName
	}
	if rs.StderrFile == "" {
		rs.StderrFile = runtimeLogName
	}
	if rs.Limits.Processes <= 0 {
		rs.Limits.Processes = 1
	}
	return d.Run(ctx, box, rs)
}

// Run executes an arbitrary command in the box. The checker pipeline uses it
// directly; submissions go through Execute.
func (d *Driver) Run(ctx context.Context, box *Box, rs RunSpec) (ExecResult, error) {
	if box == nil {
		return ExecResult{}, errors.New("box is required")
	}
	if len(rs.Cmd) == 0 {
		return ExecResult{}, errors.New("command is required")
	}

	meta, err := d.runBox(ctx, box, rs)
	if err != nil {
		return ExecResult{}, err
	}

	res := ExecResult{
		ExitCode:   meta.exitCode(),
		Status:     meta.Status,
		TimeMs:     meta.timeMs(),
		WallTimeMs: meta.wallTimeMs(),
		MemoryKB:   meta.memoryKB(),
		OOMKilled:  meta.OOMKilled,
		Message:    meta.Message,
	}
	if rs.StdoutFile != "" {
		res.StdoutPath = filepath.Join(box.Dir, rs.StdoutFile)
	}
	if rs.StderrFile != "" {
		res.Stderr = readLimited(filepath.Join(box.Dir, rs.StderrFile), maxLogBytes)
	}
	return res, nil
}

// runBox builds the isolate argv, runs it and parses the meta file. isolate
// exits 1 when the boxed program fails; that is a normal outcome with a valid
// meta file. Any other failure is the judge's fault.
func (d *Driver) runBox(ctx context.Context, box *Box, rs RunSpec) (Meta, error) {
	metaFile, err := os.CreateTemp("", "isolate-meta-*")
	if err != nil {
		return Meta{}, fmt.Errorf("create meta file: %w", err)
	}
	metaPath := metaFile.Name()
	metaFile.Close()
	defer os.Remove(metaPath)

	args := isolateArgs(box.ID, metaPath, rs)
	_, stderr, runErr := d.invoke(ctx, args...)
	if runErr != nil && !programFailed(runErr) {
		return Meta{}, fmt.Errorf("isolate run failed: %s: %w", strings.TrimSpace(stderr), runErr)
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return Meta{}, fmt.Errorf("read meta file: %w", err)
	}
	return ParseMeta(data), nil
}

func isolateArgs(boxID int, metaPath string, rs RunSpec) []string {
	args := []string{boxArg(boxID), "--cg", "--meta=" + metaPath}
	if rs.Limits.TimeMs > 0 {
		args = append(args, "--time="+formatSeconds(rs.Limits.TimeMs))
		wall := rs.Limits.WallMs
		if wall <= 0 {
			wall = 2*rs.Limits.TimeMs + 1000
		}
		args = append(args, "--wall-time="+formatSeconds(wall))
	}
	if rs.Limits.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--cg-mem=%d", rs.Limits.MemoryMB*1024))
	}
	if rs.Limits.FsizeKB > 0 {
		args = append(args, fmt.Sprintf("--fsize=%d", rs.Limits.FsizeKB))
	}
	if rs.Limits.Processes > 0 {
		args = append(args, fmt.Sprintf("--processes=%d", rs.Limits.Processes))
	} else {
		args = append(args, "--processes")
	}
	for _, kv := range rs.Env {
		args = append(args, "--env="+kv)
	}
	if rs.StdinFile != "" {
		args = append(args, "--stdin="+rs.StdinFile)
	}
	if rs.StdoutFile != "" {
		args = append(args, "--stdout="+rs.StdoutFile)
	}
	if rs.StderrFile != "" {
		args = append(args, "--stderr="+rs.StderrFile)
	}
	args = append(args, "--run", "--")
	return append(args, rs.Cmd...)
}

// renderCommand expands a language command template and splits it into argv.
// Commands never pass through a shell.
func renderCommand(tpl string, lang model.Language, memoryMB int64) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, errors.New("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{executable}", executableName)
	expanded = strings.ReplaceAll(expanded, "{input}", lang.SourceFile)
	expanded = strings.ReplaceAll(expanded, "{classname}", mainClassName)
	expanded = strings.ReplaceAll(expanded, "{memory}", strconv.FormatInt(memoryMB, 10))

	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.New("command is empty after expansion")
	}
	return fields, nil
}

// CompileLimits are the fixed bounds applied to every compiler invocation,
// including custom checker builds.
func CompileLimits() Limits {
	return Limits{
		TimeMs:   compileTimeLimitMs,
		WallMs:   compileTimeLimitMs,
		MemoryMB: compileMemoryMB,
		FsizeKB:  defaultFsizeKB,
	}
}

// BuildEnv is the environment for compiler invocations. Everything writable
// lives under /box, which is the only writable mount inside the sandbox.
func BuildEnv() []string {
	return []string{sandboxPath, "HOME=/box", "TMPDIR=/box"}
}

func compileEnv(lang model.Language) []string {
	env := BuildEnv()
	if lang.Code == "go" {
		env = append(env, "GOCACHE=/box/.gocache", "GOPATH=/box/.go")
	}
	return env
}

func programFailed(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func formatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 3, 64)
}

func readLimited(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

func msFromSeconds(sec float64) int64 {
	if sec <= 0 {
		return 0
	}
	return int64(math.Round(sec * 1000))
}
