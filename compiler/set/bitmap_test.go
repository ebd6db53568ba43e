package set

import "testing"

func TestBitmap(t *testing.T) {
	var s Bitmap

	s.Set(3)
	s.Set(100)

	if !s.IsSet(3) || !s.IsSet(100) || s.IsSet(4) {
		t.Errorf("membership: %v %v %v", s.IsSet(3), s.IsSet(100), s.IsSet(4))
	}

	s.Clear(3)

	if s.IsSet(3) {
		t.Errorf("clear did not work")
	}

	if s.Size() != 1 {
		t.Errorf("size: %v", s.Size())
	}
}

func TestBitmapOrReportsChange(t *testing.T) {
	var a, b Bitmap

	b.Set(7)
	b.Set(70)

	if !a.Or(b) {
		t.Errorf("first or must change")
	}

	if a.Or(b) {
		t.Errorf("second or must not change")
	}

	if !a.IsSet(7) || !a.IsSet(70) {
		t.Errorf("or lost bits")
	}
}

func TestBitmapAndNot(t *testing.T) {
	var a, b Bitmap

	a.Set(1)
	a.Set(2)
	b.Set(2)

	a.AndNot(b)

	if a.IsSet(2) || !a.IsSet(1) {
		t.Errorf("andnot: %v %v", a.IsSet(1), a.IsSet(2))
	}
}

func TestBitmapRange(t *testing.T) {
	var s Bitmap

	want := []int{2, 64, 129}
	for _, i := range want {
		s.Set(i)
	}

	var got []int

	s.Range(func(i int) bool {
		got = append(got, i)
		return true
	})

	if len(got) != len(want) {
		t.Fatalf("range: %v", got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range: %v", got)
		}
	}
}
