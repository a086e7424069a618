package voltree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brimstore/voltree/bufferpool"
)

func newTestTree(t *testing.T, pageSize int) (*Tree, *Volume) {
	t.Helper()
	dir := t.TempDir()
	spec, err := ParseVolumeSpec(filepath.Join(dir, "t"), 0)
	if err != nil {
		t.Fatal(err)
	}
	spec.PageSize = pageSize
	spec.MaximumPages = 4096
	v, err := CreateVolume(spec, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	pool := bufferpool.New(bufferpool.OptFrameCount(64), bufferpool.OptPageSize(pageSize))
	tree, err := CreateTree(v, pool, "test", SplitPolicy{Kind: SplitPack}, JoinPolicy{Kind: JoinEvenBias}, 1)
	if err != nil {
		t.Fatal(err)
	}
	return tree, v
}

func TestTreeStoreFetchRoundTrip(t *testing.T) {
	tree, v := newTestTree(t, 1024)
	defer v.Close()

	if err := tree.Store(BuildKey([]byte("alpha")), []byte("1"), 10); err != nil {
		t.Fatal(err)
	}
	if err := tree.Store(BuildKey([]byte("beta")), []byte("2"), 11); err != nil {
		t.Fatal(err)
	}
	val, found, err := tree.Fetch(BuildKey([]byte("alpha")))
	if err != nil || !found {
		t.Fatalf("fetch alpha: found=%v err=%v", found, err)
	}
	if string(val) != "1" {
		t.Fatalf("got %q, want 1", val)
	}
	if err := tree.Store(BuildKey([]byte("alpha")), []byte("overwritten"), 12); err != nil {
		t.Fatal(err)
	}
	val, _, _ = tree.Fetch(BuildKey([]byte("alpha")))
	if string(val) != "overwritten" {
		t.Fatalf("got %q after overwrite", val)
	}
	_, found, _ = tree.Fetch(BuildKey([]byte("missing")))
	if found {
		t.Fatal("expected missing key to not be found")
	}
}

func TestTreeSequentialInsertSplitsAndStaysOrdered(t *testing.T) {
	tree, v := newTestTree(t, 1024)
	defer v.Close()

	const n = 500
	for i := 0; i < n; i++ {
		k := BuildKey([]byte(fmt.Sprintf("k%05d", i)))
		if err := tree.Store(k, []byte(fmt.Sprintf("v%05d", i)), uint64(i)); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		k := BuildKey([]byte(fmt.Sprintf("k%05d", i)))
		v, found, err := tree.Fetch(k)
		if err != nil || !found {
			t.Fatalf("fetch %d: found=%v err=%v", i, found, err)
		}
		want := fmt.Sprintf("v%05d", i)
		if string(v) != want {
			t.Fatalf("key %d: got %q want %q", i, v, want)
		}
	}
	if _, rootLevel := tree.RootAddress(); rootLevel == 0 {
		t.Fatal("expected the root to be an index page after splitting")
	}
}

func TestTreeCursorForwardAndBackward(t *testing.T) {
	tree, v := newTestTree(t, 1024)
	defer v.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		if err := tree.Store(BuildKey([]byte(k)), []byte{byte(i)}, uint64(i)); err != nil {
			t.Fatal(err)
		}
	}

	cur, err := tree.NewCursor(Before(), DirGT, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	if len(got) != len(keys) {
		t.Fatalf("forward: got %v, want %v", got, keys)
	}
	for i, k := range keys {
		if got[i] != k {
			t.Fatalf("forward[%d] = %q, want %q", i, got[i], k)
		}
	}

	cur2, err := tree.NewCursor(After(), DirLT, nil)
	if err != nil {
		t.Fatal(err)
	}
	var gotBack []string
	for {
		k, _, ok, err := cur2.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		gotBack = append(gotBack, string(k))
	}
	if len(gotBack) != len(keys) {
		t.Fatalf("backward: got %v, want reverse of %v", gotBack, keys)
	}
	for i := range keys {
		if gotBack[i] != keys[len(keys)-1-i] {
			t.Fatalf("backward[%d] = %q, want %q", i, gotBack[i], keys[len(keys)-1-i])
		}
	}
}

func TestTreeLongRecordRoundTrip(t *testing.T) {
	tree, v := newTestTree(t, 1024)
	defer v.Close()

	big := bytes.Repeat([]byte("x"), 10*1024)
	if err := tree.Store(BuildKey([]byte("bigkey")), big, 1); err != nil {
		t.Fatal(err)
	}
	got, found, err := tree.Fetch(BuildKey([]byte("bigkey")))
	if err != nil || !found {
		t.Fatalf("fetch: found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("long record round trip mismatch: got %d bytes, want %d", len(got), len(big))
	}
}

// TestTreeCaseInsensitivePrefixTraversal walks the tree the way a
// LIKE-style case-insensitive match does: position at the upper-cased
// prefix (upper-case letters sort below lower-case in byte order, so no
// case variant of the prefix can sort earlier), then walk forward
// case-folding each visited key against the prefix.
func TestTreeCaseInsensitivePrefixTraversal(t *testing.T) {
	tree, v := newTestTree(t, 4096)
	defer v.Close()

	words := []string{"Alpha", "Beta", "beta", "atomic", "Chutney", "ChuKoo", "CHUKOO", "cHuKoO", "chuckie"}
	for i, w := range words {
		if err := tree.Store(BuildKey([]byte(w)), []byte{byte(i)}, uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	count := func(prefix string) int {
		upper := strings.ToUpper(prefix)
		cur, err := tree.NewCursor(BuildKey([]byte(upper)), DirGTEQ, nil)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for {
			k, _, ok, err := cur.Next()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			segs := k.Segments()
			if len(segs) != 1 {
				continue
			}
			word := string(segs[0])
			if len(word) >= len(prefix) && strings.EqualFold(word[:len(prefix)], prefix) {
				n++
			}
		}
		return n
	}

	cases := []struct {
		prefix string
		want   int
	}{
		{"ALPHA", 1},
		{"A", 2},
		{"B", 2},
		{"BZ", 0},
		{"CHUT", 1},
		{"CHU", 5},
	}
	for _, c := range cases {
		if got := count(c.prefix); got != c.want {
			t.Errorf("prefix %q matched %d keys, want %d", c.prefix, got, c.want)
		}
	}
}

func TestTreeKeyAndValueBoundaries(t *testing.T) {
	tree, v := newTestTree(t, 4096)
	defer v.Close()

	maxKey := make(Key, maxKeySize(v.PageSize))
	for i := range maxKey {
		maxKey[i] = 'k'
	}
	if err := tree.Store(maxKey, []byte("v"), 1); err != nil {
		t.Fatalf("key at maximum size must store: %v", err)
	}
	tooBig := append(append(Key(nil), maxKey...), 'k')
	if err := tree.Store(tooBig, []byte("v"), 2); err == nil {
		t.Fatal("key one byte over maximum must fail")
	} else if !isVoltreeErr(err, KindInvalidKey) {
		t.Fatalf("expected KindInvalidKey, got %v", err)
	}

	ceiling := maxInlineValueSize(v.PageSize)
	if err := tree.Store(BuildKey([]byte("inline")), make([]byte, ceiling), 3); err != nil {
		t.Fatal(err)
	}
	if err := tree.Store(BuildKey([]byte("long")), make([]byte, ceiling+1), 4); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		key  string
		size int
	}{{"inline", ceiling}, {"long", ceiling + 1}} {
		got, found, err := tree.Fetch(BuildKey([]byte(c.key)))
		if err != nil || !found || len(got) != c.size {
			t.Fatalf("%s: len=%d found=%v err=%v, want %d bytes", c.key, len(got), found, err, c.size)
		}
	}
}

func TestTreeRemoveAndRefetch(t *testing.T) {
	tree, v := newTestTree(t, 1024)
	defer v.Close()

	tree.Store(BuildKey([]byte("x")), []byte("1"), 1)
	removed, err := tree.Remove(BuildKey([]byte("x")), 2)
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	_, found, _ := tree.Fetch(BuildKey([]byte("x")))
	if found {
		t.Fatal("expected key gone after remove")
	}
	removed, err = tree.Remove(BuildKey([]byte("x")), 3)
	if err != nil || removed {
		t.Fatalf("second remove: removed=%v err=%v, want false/nil", removed, err)
	}
}
