package voltree

import (
	"sort"
	"testing"
)

func TestKeyTupleOrderPreserved(t *testing.T) {
	tuples := [][2]string{
		{"alpha", "1"},
		{"alpha", "10"},
		{"alpha", "2"},
		{"beta", "0"},
	}
	keys := make([]Key, len(tuples))
	for i, tu := range tuples {
		keys[i] = BuildKey([]byte(tu[0]), []byte(tu[1]))
	}
	// "alpha","10" must sort between "alpha","1" and "alpha","2" only if
	// byte order of "10" vs "1" vs "2" says so -- here "1" < "10" < "2" in
	// raw byte order, which is exactly what we expect from a tuple codec
	// that does NOT attempt numeric collation.
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return Compare(keys[idx[i]], keys[idx[j]]) < 0 })
	want := []int{0, 1, 2, 3}
	for i, w := range want {
		if idx[i] != w {
			t.Fatalf("sorted order = %v, want %v", idx, want)
		}
	}
}

func TestKeySegmentsRoundTrip(t *testing.T) {
	k := BuildKey([]byte("a\x00b"), []byte(""), []byte("tail"))
	segs := k.Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %v", len(segs), segs)
	}
	if string(segs[0]) != "a\x00b" || string(segs[1]) != "" || string(segs[2]) != "tail" {
		t.Fatalf("segments = %q", segs)
	}
}

func TestKeyBeforeAfterSentinels(t *testing.T) {
	k := BuildKey([]byte("mid"))
	if Compare(Before(), k) >= 0 {
		t.Fatal("Before() must sort below an ordinary key")
	}
	if Compare(After(), k) <= 0 {
		t.Fatal("After() must sort above an ordinary key")
	}
	if Compare(Before(), Before()) != 0 || Compare(After(), After()) != 0 {
		t.Fatal("sentinels must compare equal to themselves")
	}
	if Compare(Before(), After()) >= 0 {
		t.Fatal("Before() must sort below After()")
	}
}

func TestNudgeRightOrdering(t *testing.T) {
	k := BuildKey([]byte("m"))
	next := BuildKey([]byte("n"))
	nudged := NudgeRight(k)
	if Compare(nudged, k) <= 0 {
		t.Fatal("NudgeRight(k) must be > k")
	}
	if Compare(nudged, next) >= 0 {
		t.Fatal("NudgeRight(k) must be < any key strictly greater than k")
	}
}

func TestNudgeLeftOrdering(t *testing.T) {
	k := BuildKey([]byte("m"))
	prev := BuildKey([]byte("l"))
	nudged := NudgeLeft(k)
	if Compare(nudged, k) >= 0 {
		t.Fatal("NudgeLeft(k) must be < k")
	}
	if Compare(nudged, prev) <= 0 {
		t.Fatal("NudgeLeft(k) must be > any key strictly less than k")
	}
	if Compare(NudgeLeft(Before()), Before()) != 0 {
		t.Fatal("NudgeLeft(Before()) must stay Before()")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"abcdef", "abcxyz", 3},
		{"", "abc", 0},
		{"abc", "abc", 3},
		{"abc", "ab", 2},
	}
	for _, c := range cases {
		if got := CommonPrefixLen([]byte(c.a), []byte(c.b)); got != c.want {
			t.Errorf("CommonPrefixLen(%q,%q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
