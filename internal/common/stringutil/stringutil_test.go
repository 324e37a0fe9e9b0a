package stringutil

import "testing"

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"", 5, ""},
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"overlong", 4, "over"},
		{"héllo wörld", 5, "héllo"},
		{"anything", 0, ""},
		{"anything", -1, ""},
	}
	for _, c := range cases {
		if got := Truncate(c.in, c.max); got != c.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestTruncateWithEllipsis(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exact fit here", 14, "exact fit here"},
		{"this line is too long", 10, "this li..."},
		{"héllo wörld wíde", 10, "héllo w..."},
		{"tiny", 3, "tin"},
	}
	for _, c := range cases {
		got := TruncateWithEllipsis(c.in, c.max)
		if got != c.want {
			t.Errorf("TruncateWithEllipsis(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
		if c.max > 0 && len([]rune(got)) > c.max {
			t.Errorf("TruncateWithEllipsis(%q, %d) exceeded max: %q", c.in, c.max, got)
		}
	}
}

func TestFirstLine(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"faketool 0.1.0\nbuild abc123\n", "faketool 0.1.0"},
		{"single line", "single line"},
		{"  padded  \nrest", "padded"},
		{"", ""},
		{"\ntrailing", ""},
	}
	for _, c := range cases {
		if got := FirstLine(c.in); got != c.want {
			t.Errorf("FirstLine(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
