package postgres

import "testing"

func TestEscapeLike(t *testing.T) {
	cases := map[string]string{
		"10.0.0.": "10.0.0.",
		"50%_off": `50\%\_off`,
		`back\sl`: `back\\sl`,
		"":        "",
	}
	for in, want := range cases {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}
