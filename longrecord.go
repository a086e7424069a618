package voltree

import "encoding/binary"

// Long records store a value too large for one page's key block as a
// chain of PageTypeLongRecord pages, with an 8-byte header (total length,
// first chain page) left behind in the pointing page's value slot.
//
// Each chain page is an ordinary Page with a single empty key and the
// chunk bytes as its one value, which lets it reuse Page's existing
// Encode/DecodePage rather than inventing a second on-disk layout.
const longRecordHeaderSize = 8

func encodeLongRecordHeader(totalLen int, firstAddr uint32) []byte {
	b := make([]byte, longRecordHeaderSize)
	binary.BigEndian.PutUint32(b, uint32(totalLen))
	binary.BigEndian.PutUint32(b[4:], firstAddr)
	return b
}

func decodeLongRecordHeader(b []byte) (totalLen int, firstAddr uint32, err error) {
	if len(b) != longRecordHeaderSize {
		return 0, 0, errorf(KindCorruptVolume, "long record header has %d bytes, want %d", len(b), longRecordHeaderSize)
	}
	return int(binary.BigEndian.Uint32(b)), binary.BigEndian.Uint32(b[4:]), nil
}

func chunkCapacity(pageSize int) int { return pageSize - PageHeaderSize - KeyBlockSize }

// writeLongRecordChain splits data across as many PageTypeLongRecord pages
// as needed and writes them directly to the volume, last chunk first, so
// each page's RightSibling link to its successor is known before it is
// written -- the chain exists in full before the caller links to its
// head, so a reader that follows the pointer never finds a broken chain.
func writeLongRecordChain(v *Volume, data []byte, now uint64) (uint32, error) {
	capacity := chunkCapacity(v.PageSize)
	if capacity <= 0 {
		return 0, errorf(KindInvalidKey, "page size %d too small to hold a long record chunk", v.PageSize)
	}
	n := (len(data) + capacity - 1) / capacity
	if n == 0 {
		n = 1
	}
	addrs := make([]uint32, n)
	for i := range addrs {
		addr, err := v.AllocNewPage()
		if err != nil {
			return 0, err
		}
		addrs[i] = addr
	}
	for i := n - 1; i >= 0; i-- {
		start := i * capacity
		end := start + capacity
		if end > len(data) {
			end = len(data)
		}
		p := NewPage(v.PageSize, addrs[i], PageTypeLongRecord)
		p.Timestamp = now
		p.Keys = []Key{{}}
		chunk := make([]byte, end-start)
		copy(chunk, data[start:end])
		p.Values = [][]byte{chunk}
		p.LongRecord = []bool{false}
		if i+1 < n {
			p.RightSibling = addrs[i+1]
		}
		if err := v.WritePage(p); err != nil {
			return 0, err
		}
	}
	return addrs[0], nil
}

// readLongRecordChain walks the chain starting at firstAddr, concatenating
// each page's chunk until totalLen bytes have been read.
func readLongRecordChain(v *Volume, firstAddr uint32, totalLen int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	addr := firstAddr
	for len(out) < totalLen {
		p, err := v.ReadPage(addr)
		if err != nil {
			return nil, err
		}
		if len(p.Values) == 0 {
			return nil, errorf(KindCorruptVolume, "long record page %d has no chunk", addr)
		}
		out = append(out, p.Values[0]...)
		if p.RightSibling == 0 {
			break
		}
		addr = p.RightSibling
	}
	if len(out) != totalLen {
		return nil, errorf(KindCorruptVolume, "long record chain length mismatch: got %d bytes, want %d", len(out), totalLen)
	}
	return out, nil
}

// freeLongRecordChain releases every page in the chain back to the
// volume's garbage chain, used when an overwritten or removed key's old
// value was a long record.
func freeLongRecordChain(v *Volume, firstAddr uint32, now uint64) error {
	addr := firstAddr
	for addr != 0 {
		p, err := v.ReadPage(addr)
		if err != nil {
			return err
		}
		next := p.RightSibling
		if err := v.FreePage(addr, now); err != nil {
			return err
		}
		if next == 0 {
			break
		}
		addr = next
	}
	return nil
}
