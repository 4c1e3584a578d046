package checker

import "testing"

func TestTrimmedEqual(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		output string
		answer string
		want   bool
	}{
		{
			name:   "identical",
			output: "1 2 3\n4 5 6\n",
			answer: "1 2 3\n4 5 6\n",
			want:   true,
		},
		{
			name:   "trailing spaces per line",
			output: "1 2 3   \n4 5 6\t\n",
			answer: "1 2 3\n4 5 6\n",
			want:   true,
		},
		{
			name:   "crlf output",
			output: "hello\r\nworld\r\n",
			answer: "hello\nworld\n",
			want:   true,
		},
		{
			name:   "trailing blank lines",
			output: "42\n\n\n",
			answer: "42",
			want:   true,
		},
		{
			name:   "missing final newline",
			output: "42",
			answer: "42\n",
			want:   true,
		},
		{
			name:   "leading whitespace is significant",
			output: "  42\n",
			answer: "42\n",
			want:   false,
		},
		{
			name:   "interior blank line is significant",
			output: "a\n\nb\n",
			answer: "a\nb\n",
			want:   false,
		},
		{
			name:   "different value",
			output: "41\n",
			answer: "42\n",
			want:   false,
		},
		{
			name:   "both empty",
			output: "",
			answer: "\n",
			want:   true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := TrimmedEqual([]byte(tc.output), []byte(tc.answer)); got != tc.want {
				t.Fatalf("TrimmedEqual(%q, %q) = %v, want %v", tc.output, tc.answer, got, tc.want)
			}
		})
	}
}

func TestParseOutcome(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		line   string
		passed bool
		ok     bool
	}{
		{name: "correct", line: "CORRECT", passed: true, ok: true},
		{name: "correct lowercase", line: "correct", passed: true, ok: true},
		{name: "correct padded", line: "  Correct \r", passed: true, ok: true},
		{name: "incorrect", line: "INCORRECT", passed: false, ok: true},
		{name: "incorrect mixed case", line: "Incorrect", passed: false, ok: true},
		{name: "score one", line: "1.0", passed: true, ok: true},
		{name: "score pass", line: "0.75", passed: true, ok: true},
		{name: "score boundary fails", line: "0.5", passed: false, ok: true},
		{name: "score fail", line: "0.2", passed: false, ok: true},
		{name: "percent pass", line: "80", passed: true, ok: true},
		{name: "percent fail", line: "30", passed: false, ok: true},
		{name: "percent hundred", line: "100", passed: true, ok: true},
		{name: "negative score", line: "-1", passed: false, ok: true},
		{name: "empty", line: "", passed: false, ok: false},
		{name: "blank", line: "   ", passed: false, ok: false},
		{name: "garbage", line: "ACCEPTED", passed: false, ok: false},
		{name: "nan", line: "NaN", passed: false, ok: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			passed, ok := ParseOutcome(tc.line)
			if passed != tc.passed || ok != tc.ok {
				t.Fatalf("ParseOutcome(%q) = (%v, %v), want (%v, %v)", tc.line, passed, ok, tc.passed, tc.ok)
			}
		})
	}
}
