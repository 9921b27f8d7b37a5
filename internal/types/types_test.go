package types

import "testing"

func TestParseResult(t *testing.T) {
	cases := []struct {
		in   string
		want Result
	}{
		{"OK", ResultOK},
		{"NG", ResultDefective},
		{"DEFECTIVE", ResultDefective},
		{"", ResultUnknown},
		{"ok", ResultUnknown},
		{"PASS", ResultUnknown},
	}

	for _, c := range cases {
		if got := ParseResult(c.in); got != c.want {
			t.Errorf("ParseResult(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestUnknownIsNotDefect(t *testing.T) {
	if ResultUnknown.IsDefect() {
		t.Error("unknown verdict must not count as defective")
	}
	if ResultOK.IsDefect() {
		t.Error("OK verdict must not count as defective")
	}
	if !ResultDefective.IsDefect() {
		t.Error("NG verdict must count as defective")
	}
}

func TestResultString(t *testing.T) {
	if ResultOK.String() != "OK" || ResultDefective.String() != "NG" || ResultUnknown.String() != "UNKNOWN" {
		t.Errorf("unexpected result strings: %s %s %s", ResultOK, ResultDefective, ResultUnknown)
	}
}
