package sandbox

import (
	"strconv"
	"strings"
)

// Meta status values reported by isolate.
const (
	StatusRuntimeError = "RE"
	StatusSignalled    = "SG"
	StatusTimeout      = "TO"
	StatusInternal     = "XX"
)

// Meta is the parsed isolate meta file. Keys missing from the file leave
// their fields zero.
type Meta struct {
	TimeSec   float64
	WallSec   float64
	MaxRSSKB  int64
	CgMemKB   int64
	ExitCode  int
	ExitSig   int
	Status    string
	Message   string
	OOMKilled bool
}

// ParseMeta parses isolate's key:value meta format. Unknown keys and
// malformed lines are ignored.
func ParseMeta(data []byte) Meta {
	var m Meta
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "time":
			m.TimeSec, _ = strconv.ParseFloat(value, 64)
		case "time-wall":
			m.WallSec, _ = strconv.ParseFloat(value, 64)
		case "max-rss":
			m.MaxRSSKB, _ = strconv.ParseInt(value, 10, 64)
		case "cg-mem":
			m.CgMemKB, _ = strconv.ParseInt(value, 10, 64)
		case "exitcode":
			m.ExitCode, _ = strconv.Atoi(value)
		case "exitsig":
			m.ExitSig, _ = strconv.Atoi(value)
		case "status":
			m.Status = value
		case "message":
			m.Message = value
		case "cg-oom-killed":
			m.OOMKilled = value == "1"
		}
	}
	return m
}

// exitCode folds signal deaths into the shell convention of 128+signal, so a
// SIGKILL becomes 137 like callers expect.
func (m Meta) exitCode() int {
	if m.ExitSig > 0 {
		return 128 + m.ExitSig
	}
	return m.ExitCode
}

func (m Meta) timeMs() int64 {
	return msFromSeconds(m.TimeSec)
}

func (m Meta) wallTimeMs() int64 {
	return msFromSeconds(m.WallSec)
}

// memoryKB prefers whichever accounting is larger; isolate reports max-rss
// always and cg-mem only under --cg.
func (m Meta) memoryKB() int64 {
	if m.CgMemKB > m.MaxRSSKB {
		return m.CgMemKB
	}
	return m.MaxRSSKB
}
