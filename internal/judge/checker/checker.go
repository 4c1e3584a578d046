// Package checker decides whether a clean run answered a test. The default
// is a trimmed byte comparison; problems may ship a checker.cpp instead,
// which is compiled once and run sandboxed against every test.
package checker

import (
	"bytes"
	"strconv"
	"strings"
)

// AnswerFileName is where the expected answer is placed inside the box for
// custom checker runs.
const AnswerFileName = "answer.txt"

// TrimmedEqual compares produced output with the expected answer. Trailing
// whitespace is stripped from every line and trailing blank lines are
// dropped from both sides; the remaining bytes must match exactly.
func TrimmedEqual(output, answer []byte) bool {
	return bytes.Equal(normalize(output), normalize(answer))
}

func normalize(b []byte) []byte {
	lines := strings.Split(string(b), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t\r")
	}
	n := len(lines)
	for n > 0 && lines[n-1] == "" {
		n--
	}
	return []byte(strings.Join(lines[:n], "\n"))
}

// ParseOutcome interprets the first line a custom checker printed: CORRECT
// or INCORRECT in any case, or a score float. Scores above 1 are read as
// percentages; the test passes when the score exceeds 0.5. ok reports
// whether the line fit any protocol form at all.
func ParseOutcome(line string) (passed bool, ok bool) {
	s := strings.TrimSpace(line)
	if s == "" {
		return false, false
	}
	if strings.EqualFold(s, "CORRECT") {
		return true, true
	}
	if strings.EqualFold(s, "INCORRECT") {
		return false, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, false
	}
	if f > 1 {
		f /= 100
	}
	return f > 0.5, true
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimRight(line, "\r")
}
