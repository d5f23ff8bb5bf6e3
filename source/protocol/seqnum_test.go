package protocol

import "testing"

func TestHigherWrapAround(t *testing.T) {
	cases := []struct {
		a, b SeqNum
		want bool
	}{
		{65501, 65500, true},
		{65500, 65501, false},
		{0, 65535, true},
		{65535, 0, false},
		{1, 0, true},
		{100, 50, true},
		{50, 100, false},
		{0, 0, false},
	}
	for _, c := range cases {
		if got := Higher(c.a, c.b); got != c.want {
			t.Errorf("Higher(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestHigherAntisymmetric(t *testing.T) {
	for _, pair := range [][2]SeqNum{{10, 20}, {65530, 5}, {1000, 1001}} {
		a, b := pair[0], pair[1]
		if Higher(a, b) == Higher(b, a) && a != b {
			t.Errorf("Higher(%d,%d)=%v and Higher(%d,%d)=%v should differ", a, b, Higher(a, b), b, a, Higher(b, a))
		}
	}
}

func TestInitialSeqNumIsCloseToWrap(t *testing.T) {
	if InitialSeqNum != 65500 {
		t.Fatalf("InitialSeqNum = %d, want 65500", InitialSeqNum)
	}
}
