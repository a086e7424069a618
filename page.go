package voltree

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// PageType identifies the role of a page.
type PageType uint8

const (
	PageTypeUnused PageType = iota
	PageTypeHead            // page 0: volume header
	PageTypeGarbage         // page 1 and any freed page: garbage chain
	PageTypeData            // leaf page: keys map directly to MVV-encoded values
	PageTypeIndex           // index page at some level L: keys are child separators
	PageTypeLongRecord      // a link in a long-record chain
)

// PageHeaderSize, KeyBlockSize are the on-disk layout constants: a page
// header carries type, page address, right-sibling pointer, last-modified
// timestamp, key-block count, and allocation pointer, plus a level field
// for index pages, all big-endian.
const (
	PageHeaderSize = 28
	KeyBlockSize   = 14
)

// keyBlockSize on disk: ebc uint16, db byte, flags byte, suffixLen
// uint16, valueLen uint32, tailOffset uint32 == 14 bytes.
const (
	flagLongRecord byte = 0x01
)

// Page is the in-memory, decoded representation of one fixed-size B+-tree
// page. Encode/Decode round-trip it through a forward-growing key-block
// array of front-compressed keys (ebc + discriminator byte + tail suffix)
// and a backward-growing tail heap holding key suffixes and values.
//
// Keys and Values are kept fully decoded in memory; Encode recomputes
// front compression from scratch each time. This trades in-place
// slotted-page mutation for a simpler decoded representation, idiomatic
// for a from-scratch Go B+-tree, while keeping the on-disk invariant that
// tail heap + key-block bytes + free space always equals page size.
type Page struct {
	Type         PageType
	Level        uint8
	Address      uint32
	RightSibling uint32
	Timestamp    uint64
	PageSize     int

	Keys       []Key
	Values     [][]byte
	LongRecord []bool
}

// NewPage allocates an empty page of the given type and size.
func NewPage(pageSize int, addr uint32, typ PageType) *Page {
	return &Page{Type: typ, Address: addr, PageSize: pageSize}
}

// KeyBlockCount is the number of key/value entries currently on the page.
func (p *Page) KeyBlockCount() int { return len(p.Keys) }

// EncodedSize returns the number of bytes Encode would need: header, one
// key block per entry, and the suffix+value bytes of the tail heap.
func (p *Page) EncodedSize() int {
	size := PageHeaderSize + len(p.Keys)*KeyBlockSize
	var prev []byte
	for i, k := range p.Keys {
		ebc := 0
		if i > 0 {
			ebc = CommonPrefixLen(prev, k)
		}
		size += len(k) - ebc
		size += len(p.Values[i])
		prev = k
	}
	return size
}

// FreeSpace is how many bytes remain on the page below PageSize.
func (p *Page) FreeSpace() int { return p.PageSize - p.EncodedSize() }

// Fits reports whether the page could hold its current contents plus one
// more key/value pair of the given sizes without splitting.
func (p *Page) Fits(keyLen, valueLen int) bool {
	return p.FreeSpace() >= KeyBlockSize+keyLen+valueLen
}

// Encode serializes the page to its on-disk byte layout, big-endian.
func (p *Page) Encode() []byte {
	buf := make([]byte, p.PageSize)
	buf[0] = byte(p.Type)
	buf[1] = p.Level
	binary.BigEndian.PutUint32(buf[4:], p.Address)
	binary.BigEndian.PutUint32(buf[8:], p.RightSibling)
	binary.BigEndian.PutUint64(buf[12:], p.Timestamp)
	binary.BigEndian.PutUint16(buf[20:], uint16(len(p.Keys)))

	tailEnd := p.PageSize
	kbOff := PageHeaderSize
	var prev []byte
	for i, k := range p.Keys {
		ebc := 0
		if i > 0 {
			ebc = CommonPrefixLen(prev, k)
		}
		suffix := k[ebc:]
		val := p.Values[i]
		tailEnd -= len(suffix) + len(val)
		copy(buf[tailEnd:], suffix)
		copy(buf[tailEnd+len(suffix):], val)

		binary.BigEndian.PutUint16(buf[kbOff:], uint16(ebc))
		var db byte
		if len(suffix) > 0 {
			db = suffix[0]
		}
		buf[kbOff+2] = db
		flags := byte(0)
		if i < len(p.LongRecord) && p.LongRecord[i] {
			flags |= flagLongRecord
		}
		buf[kbOff+3] = flags
		binary.BigEndian.PutUint16(buf[kbOff+4:], uint16(len(suffix)))
		binary.BigEndian.PutUint32(buf[kbOff+6:], uint32(len(val)))
		binary.BigEndian.PutUint32(buf[kbOff+10:], uint32(tailEnd))
		kbOff += KeyBlockSize
		prev = k
	}
	binary.BigEndian.PutUint16(buf[22:], uint16(tailEnd))
	binary.BigEndian.PutUint32(buf[24:], murmur3.Sum32(buf[PageHeaderSize:]))
	return buf
}

// DecodePage parses a page from its on-disk byte layout.
func DecodePage(buf []byte) (*Page, error) {
	if len(buf) < PageHeaderSize {
		return nil, errorf(KindCorruptVolume, "page buffer shorter than header (%d bytes)", len(buf))
	}
	p := &Page{
		Type:         PageType(buf[0]),
		Level:        buf[1],
		Address:      binary.BigEndian.Uint32(buf[4:]),
		RightSibling: binary.BigEndian.Uint32(buf[8:]),
		Timestamp:    binary.BigEndian.Uint64(buf[12:]),
		PageSize:     len(buf),
	}
	wantSum := binary.BigEndian.Uint32(buf[24:])
	if gotSum := murmur3.Sum32(buf[PageHeaderSize:]); gotSum != wantSum {
		return nil, errorf(KindCorruptVolume, "page %d: checksum mismatch (got %08x, want %08x)",
			binary.BigEndian.Uint32(buf[4:]), gotSum, wantSum)
	}
	count := int(binary.BigEndian.Uint16(buf[20:]))
	kbOff := PageHeaderSize
	var prev []byte
	for i := 0; i < count; i++ {
		if kbOff+KeyBlockSize > len(buf) {
			return nil, errorf(KindCorruptVolume, "page %d: key block %d runs past page end", p.Address, i)
		}
		ebc := int(binary.BigEndian.Uint16(buf[kbOff:]))
		flags := buf[kbOff+3]
		suffixLen := int(binary.BigEndian.Uint16(buf[kbOff+4:]))
		valueLen := int(binary.BigEndian.Uint32(buf[kbOff+6:]))
		tailOffset := int(binary.BigEndian.Uint32(buf[kbOff+10:]))
		if tailOffset < 0 || tailOffset+suffixLen+valueLen > len(buf) {
			return nil, errorf(KindCorruptVolume, "page %d: key block %d tail out of range", p.Address, i)
		}
		suffix := buf[tailOffset : tailOffset+suffixLen]
		val := buf[tailOffset+suffixLen : tailOffset+suffixLen+valueLen]
		if ebc > len(prev) {
			return nil, errorf(KindCorruptVolume, "page %d: key block %d has ebc %d exceeding predecessor length", p.Address, i, ebc)
		}
		full := make(Key, ebc+suffixLen)
		copy(full, prev[:ebc])
		copy(full[ebc:], suffix)
		p.Keys = append(p.Keys, full)
		valCopy := make([]byte, valueLen)
		copy(valCopy, val)
		p.Values = append(p.Values, valCopy)
		p.LongRecord = append(p.LongRecord, flags&flagLongRecord != 0)
		prev = full
		kbOff += KeyBlockSize
	}
	return p, nil
}

// Insert places key/value at index idx, shifting later entries right. It
// is the caller's job (tree.go) to have already verified ordering and
// fit via Fits.
func (p *Page) Insert(idx int, k Key, v []byte, longRecord bool) {
	p.Keys = append(p.Keys, nil)
	copy(p.Keys[idx+1:], p.Keys[idx:])
	p.Keys[idx] = k

	p.Values = append(p.Values, nil)
	copy(p.Values[idx+1:], p.Values[idx:])
	p.Values[idx] = v

	p.LongRecord = append(p.LongRecord, false)
	copy(p.LongRecord[idx+1:], p.LongRecord[idx:])
	p.LongRecord[idx] = longRecord
}

// RemoveAt deletes the key/value at index idx.
func (p *Page) RemoveAt(idx int) {
	p.Keys = append(p.Keys[:idx], p.Keys[idx+1:]...)
	p.Values = append(p.Values[:idx], p.Values[idx+1:]...)
	if idx < len(p.LongRecord) {
		p.LongRecord = append(p.LongRecord[:idx], p.LongRecord[idx+1:]...)
	}
}
