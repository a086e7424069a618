package voltree

import (
	"path/filepath"
	"testing"

	"github.com/brimstore/voltree/bufferpool"
	"github.com/brimstore/voltree/txnindex"
)

func newTestMVVStore(t *testing.T) (*MVVStore, *txnindex.Index, *Volume) {
	t.Helper()
	dir := t.TempDir()
	spec, err := ParseVolumeSpec(filepath.Join(dir, "mvv"), 0)
	if err != nil {
		t.Fatal(err)
	}
	spec.PageSize = 4096
	spec.MaximumPages = 4096
	v, err := CreateVolume(spec, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	pool := bufferpool.New(bufferpool.OptFrameCount(32), bufferpool.OptPageSize(4096))
	tree, err := CreateTree(v, pool, "data", SplitPolicy{Kind: SplitNice}, JoinPolicy{Kind: JoinEvenBias}, 1)
	if err != nil {
		t.Fatal(err)
	}
	ix := txnindex.New(txnindex.OptBuckets(8))
	return NewMVVStore(tree, ix), ix, v
}

func TestMVVOwnWriteVisibleBeforeCommit(t *testing.T) {
	s, ix, v := newTestMVVStore(t)
	defer v.Close()

	ix.Begin(10)
	if err := s.Put(BuildKey([]byte("k")), []byte("v1"), 10, 0, 100); err != nil {
		t.Fatal(err)
	}
	val, found, err := s.Get(BuildKey([]byte("k")), 10)
	if err != nil || !found || string(val) != "v1" {
		t.Fatalf("own read: val=%q found=%v err=%v", val, found, err)
	}
}

func TestMVVUncommittedNotVisibleToOthers(t *testing.T) {
	s, ix, v := newTestMVVStore(t)
	defer v.Close()

	ix.Begin(10)
	s.Put(BuildKey([]byte("k")), []byte("v1"), 10, 0, 100)
	_, found, err := s.Get(BuildKey([]byte("k")), 20)
	if err != nil || found {
		t.Fatalf("uncommitted write should not be visible to another reader: found=%v err=%v", found, err)
	}
}

func TestMVVVisibleAfterCommitAtOrAfterTC(t *testing.T) {
	s, ix, v := newTestMVVStore(t)
	defer v.Close()

	ix.Begin(10)
	s.Put(BuildKey([]byte("k")), []byte("v1"), 10, 0, 100)
	ix.Commit(10, 15)

	_, found, _ := s.Get(BuildKey([]byte("k")), 14)
	if found {
		t.Fatal("reader before tc should not see the committed version")
	}
	val, found, err := s.Get(BuildKey([]byte("k")), 15)
	if err != nil || !found || string(val) != "v1" {
		t.Fatalf("reader at tc: val=%q found=%v err=%v", val, found, err)
	}
}

func TestMVVDeleteIsAntiValue(t *testing.T) {
	s, ix, v := newTestMVVStore(t)
	defer v.Close()

	ix.Begin(1)
	s.Put(BuildKey([]byte("k")), []byte("v1"), 1, 0, 10)
	ix.Commit(1, 1)

	ix.Begin(2)
	s.Delete(BuildKey([]byte("k")), 2, 0, 11)
	ix.Commit(2, 2)

	_, found, err := s.Get(BuildKey([]byte("k")), 100)
	if err != nil || found {
		t.Fatalf("deleted key should read as absent: found=%v err=%v", found, err)
	}
}

func TestMVVPruneCollapsesOldVersionsAndReleasesRefs(t *testing.T) {
	s, ix, v := newTestMVVStore(t)
	defer v.Close()

	key := BuildKey([]byte("k"))
	ix.Begin(1)
	s.Put(key, []byte("v1"), 1, 0, 1)
	ix.Commit(1, 1)

	ix.Begin(2)
	s.Put(key, []byte("v2"), 2, 0, 2)
	ix.Commit(2, 2)

	ix.Begin(50) // active snapshot keeps the floor above both old writes
	ix.RefreshFloors()
	if err := s.Prune(key, 3); err != nil {
		t.Fatal(err)
	}

	val, found, err := s.Get(key, 100)
	if err != nil || !found || string(val) != "v2" {
		t.Fatalf("after prune: val=%q found=%v err=%v", val, found, err)
	}
}
