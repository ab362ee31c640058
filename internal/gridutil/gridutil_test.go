package gridutil

import "testing"

func TestNextOdd(t *testing.T) {
	cases := map[int]int{4: 5, 5: 5, 0: 1, 7: 7}
	for in, want := range cases {
		if got := NextOdd(in); got != want {
			t.Errorf("NextOdd(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestGiveEdgesInterior(t *testing.T) {
	dst, src := GiveEdges(10, 10, 64, 64, 5)
	if dst != (Window{X0: 8, X1: 13, Y0: 8, Y1: 13}) {
		t.Errorf("dst = %+v", dst)
	}
	if src != (Window{X0: 0, X1: 5, Y0: 0, Y1: 5}) {
		t.Errorf("src = %+v", src)
	}
}

func TestGiveEdgesClippedAtOrigin(t *testing.T) {
	dst, src := GiveEdges(0, 0, 64, 64, 5)
	if dst != (Window{X0: 0, X1: 3, Y0: 0, Y1: 3}) {
		t.Errorf("dst = %+v", dst)
	}
	if src != (Window{X0: 2, X1: 5, Y0: 2, Y1: 5}) {
		t.Errorf("src = %+v", src)
	}
	if dst.Empty() {
		t.Errorf("expected non-empty window")
	}
}

func TestGiveEdgesClippedAtFarCorner(t *testing.T) {
	dst, src := GiveEdges(63, 63, 64, 64, 5)
	if dst != (Window{X0: 61, X1: 64, Y0: 61, Y1: 64}) {
		t.Errorf("dst = %+v", dst)
	}
	if src != (Window{X0: 0, X1: 3, Y0: 0, Y1: 3}) {
		t.Errorf("src = %+v", src)
	}
}

func TestArgMax2DBasic(t *testing.T) {
	img := []float64{
		0, 1, 0,
		0, 0, -5,
		2, 0, 0,
	}
	res := ArgMax2D(img, 3, 3, false, nil)
	if !res.Found || res.X != 0 || res.Y != 2 || res.Value != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = ArgMax2D(img, 3, 3, true, nil)
	if !res.Found || res.X != 2 || res.Y != 1 || res.Value != -5 {
		t.Fatalf("unexpected abs result: %+v", res)
	}
}

func TestArgMax2DMaskAndTieBreak(t *testing.T) {
	img := []float64{
		3, 3,
		1, 1,
	}
	res := ArgMax2D(img, 2, 2, false, nil)
	if res.X != 0 || res.Y != 0 {
		t.Fatalf("expected tie-break to lowest row/col, got %+v", res)
	}

	mask := []byte{1, 0, 0, 0}
	res = ArgMax2D(img, 2, 2, false, mask)
	if res.X != 1 || res.Y != 0 {
		t.Fatalf("expected masked pixel skipped, got %+v", res)
	}
}
