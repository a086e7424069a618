package voltree

import "bytes"

// Key is an order-preserving byte encoding of a tuple of typed segments.
// Lexicographic comparison of two Keys reproduces the tuple order of the
// values they were built from.
//
// Segments are encoded back to back, each terminated by a zero byte, with
// any zero byte occurring inside the segment's own bytes escaped as the
// two-byte sequence 0x00 0xFF so the terminator stays unambiguous. This is
// the same escape-and-terminate trick needed any time variable-length
// byte strings are packed into one order-preserving key; callers that
// front-compress a key against its predecessor on a page rely on being
// able to re-derive the full key from an elided-byte-count plus suffix.
type Key []byte

const (
	segTerminator byte = 0x00
	segEscape     byte = 0xFF
)

// AppendSegment appends one tuple segment (arbitrary bytes, e.g. a string
// or a fixed-width big-endian integer encoding) to k in order-preserving
// form and returns the extended Key.
func AppendSegment(k Key, segment []byte) Key {
	for _, b := range segment {
		if b == segTerminator {
			k = append(k, segTerminator, segEscape)
		} else {
			k = append(k, b)
		}
	}
	return append(k, segTerminator)
}

// BuildKey is a convenience for constructing a multi-segment Key in one
// call: BuildKey([]byte("users"), []byte("42")).
func BuildKey(segments ...[]byte) Key {
	var k Key
	for _, s := range segments {
		k = AppendSegment(k, s)
	}
	return k
}

// Segments decodes k back into its tuple segments.
func (k Key) Segments() [][]byte {
	var out [][]byte
	var cur []byte
	for i := 0; i < len(k); i++ {
		if k[i] == segTerminator {
			if i+1 < len(k) && k[i+1] == segEscape {
				cur = append(cur, segTerminator)
				i++
				continue
			}
			out = append(out, cur)
			cur = nil
			continue
		}
		cur = append(cur, k[i])
	}
	return out
}

// sentinel markers for Before/After; neither is a legal encoded Key (every
// key AppendSegment builds ends in the zero terminator, and neither marker
// does), so Compare can special-case them cheaply.
var (
	keyBeforeMarker = Key{segEscape}
	keyAfterMarker  = Key{segEscape, segEscape}
)

// Before returns the edge key that sorts below every ordinary key.
func Before() Key { return keyBeforeMarker }

// After returns the edge key that sorts above every ordinary key.
func After() Key { return keyAfterMarker }

func isBefore(k Key) bool { return bytes.Equal(k, keyBeforeMarker) }
func isAfter(k Key) bool  { return bytes.Equal(k, keyAfterMarker) }

// Compare orders a and b the way traversal needs: Before() < anything <
// After(), and ordinary keys compare by their raw bytes (which is exactly
// tuple order, by construction).
func Compare(a, b Key) int {
	if isBefore(a) {
		if isBefore(b) {
			return 0
		}
		return -1
	}
	if isAfter(a) {
		if isAfter(b) {
			return 0
		}
		return 1
	}
	if isBefore(b) {
		return 1
	}
	if isAfter(b) {
		return -1
	}
	return bytes.Compare(a, b)
}

// NudgeRight returns the smallest byte string strictly greater than k (k
// followed by one zero byte), used to position a split or join boundary
// just above k without altering k's own semantic value. No key sorts
// strictly between k and the result, so the half-open range
// [k, NudgeRight(k)) holds k alone. The result can itself be an encoded
// key: k followed by an empty segment encodes to the same bytes.
func NudgeRight(k Key) Key {
	if isAfter(k) {
		return k
	}
	out := make(Key, len(k)+1)
	copy(out, k)
	return out
}

// NudgeLeft returns a key that is strictly less than k but greater than
// every key that is itself strictly less than k. Achieved by dropping the
// trailing terminator byte, which makes the result compare as a proper
// byte-prefix of k (hence less, since bytes.Compare treats a prefix as
// smaller than any extension of it).
func NudgeLeft(k Key) Key {
	if isBefore(k) || len(k) == 0 {
		return Before()
	}
	out := make(Key, len(k)-1)
	copy(out, k[:len(k)-1])
	return out
}

// CommonPrefixLen returns the count of leading bytes a and b share, used
// to compute the front-compression "elided byte count" (ebc) for a key
// against its immediate predecessor on a page.
func CommonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
