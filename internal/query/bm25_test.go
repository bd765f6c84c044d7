package query

import "testing"

func TestBuildBM25Expression(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"hello", `"hello"*`},
		{"hello world", `"hello"* AND "world"*`},
		{"don't stop", `"don't"* AND "stop"*`},
		{"Café 42", `"café"* AND "42"*`},
		{"!!! ???", ""},
		{"a-b c.d", `"ab"* AND "cd"*`},
	}

	for _, tc := range cases {
		got := buildBM25Expression(tc.in)
		if got != tc.want {
			t.Errorf("buildBM25Expression(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
