package util

import "testing"

func TestRoundup(t *testing.T) {
	cases := []struct{ v, b, want int }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.want {
			t.Errorf("Roundup(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestRounddown(t *testing.T) {
	cases := []struct{ v, b, want int }{
		{0, 4096, 0},
		{1, 4096, 0},
		{4096, 4096, 4096},
		{8191, 4096, 4096},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.want {
			t.Errorf("Rounddown(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 5) != 5 {
		t.Fatal("Max wrong")
	}
}
