package voltree

import "sort"

// FoundKey is the result of a key-block search: an index into the page's
// key-block array, whether that slot is an exact match, and the
// elided-byte-count the key at that position shares with its
// predecessor. Put/split/join/remove all take this as their starting
// position so they never repeat the binary search FindKey already did.
type FoundKey struct {
	Index int
	Exact bool
	EBC   int
}

// FindKey binary-searches page p for k and returns the position an
// insert/overwrite/delete should use: if Exact, Keys[Index] == k; if not,
// Index is the position k would be inserted at to keep Keys ascending.
func (p *Page) FindKey(k Key) FoundKey {
	n := len(p.Keys)
	idx := sort.Search(n, func(i int) bool { return Compare(p.Keys[i], k) >= 0 })
	exact := idx < n && Compare(p.Keys[idx], k) == 0
	ebc := 0
	if idx > 0 {
		ebc = CommonPrefixLen(p.Keys[idx-1], k)
	}
	return FoundKey{Index: idx, Exact: exact, EBC: ebc}
}

// InUseRatio scores how full a page ended up: occupied bytes over total
// page size. Split policies that bias toward packing pages under
// sequential load are judged by this ratio.
func (p *Page) InUseRatio() float64 {
	if p.PageSize == 0 {
		return 0
	}
	return float64(p.EncodedSize()) / float64(p.PageSize)
}

// validateOrder is a cheap internal consistency check exercised by
// integrity checking (icheck) and tests: keys on a page must be strictly
// ascending.
func (p *Page) validateOrder() bool {
	for i := 1; i < len(p.Keys); i++ {
		if Compare(p.Keys[i-1], p.Keys[i]) >= 0 {
			return false
		}
	}
	return true
}
