// Package journal implements the engine's write-ahead log: the
// append-only record stream, checkpoint and rollover bookkeeping, and
// crash recovery replay. It has no copy-back step.
package journal

import (
	"encoding/binary"
	"fmt"
)

// RecordType is a journal record's one-byte tag: JH/IV/IT/PA/TS/TC/TX/
// SR/DR/DT/CP.
type RecordType byte

const (
	RecJH RecordType = iota + 1 // journal-file header
	RecIV                       // bind handle -> volume name/id
	RecIT                       // bind handle -> (volume-handle, tree-name)
	RecPA                       // page image
	RecTS                       // transaction start
	RecTC                       // transaction commit
	RecTX                       // transaction rollback
	RecSR                       // store
	RecDR                       // delete range
	RecDT                       // remove tree
	RecCP                       // checkpoint
)

func (t RecordType) String() string {
	switch t {
	case RecJH:
		return "JH"
	case RecIV:
		return "IV"
	case RecIT:
		return "IT"
	case RecPA:
		return "PA"
	case RecTS:
		return "TS"
	case RecTC:
		return "TC"
	case RecTX:
		return "TX"
	case RecSR:
		return "SR"
	case RecDR:
		return "DR"
	case RecDT:
		return "DT"
	case RecCP:
		return "CP"
	default:
		return fmt.Sprintf("RecordType(%d)", byte(t))
	}
}

// Record is one self-delimiting journal entry: a type byte and a payload.
// JH, IV and IT payloads carry no timestamp; every other type carries one
// inside its payload.
type Record interface {
	Type() RecordType
	encodePayload() []byte
}

func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func takeUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errShortRecord
	}
	return v, b[n:], nil
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := takeUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, errShortRecord
	}
	return rest[:n], rest[n:], nil
}

// FileHeader is a JH record: it names the journal file's prefix, block
// size, generation, base address, and the live-transaction map it was
// opened with.
type FileHeader struct {
	Prefix     string
	BlockSize  int64
	Generation uint64
	BaseAddr   Address
	LiveTx     []uint64
}

func (FileHeader) Type() RecordType { return RecJH }
func (h FileHeader) encodePayload() []byte {
	buf := make([]byte, 0, 64)
	buf = putBytes(buf, []byte(h.Prefix))
	buf = putUvarint(buf, uint64(h.BlockSize))
	buf = putUvarint(buf, h.Generation)
	buf = putUvarint(buf, h.BaseAddr.Generation)
	buf = putUvarint(buf, uint64(h.BaseAddr.Offset))
	buf = putUvarint(buf, uint64(len(h.LiveTx)))
	for _, ts := range h.LiveTx {
		buf = putUvarint(buf, ts)
	}
	return buf
}

func decodeFileHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	prefix, b, err := takeBytes(b)
	if err != nil {
		return h, err
	}
	h.Prefix = string(prefix)
	blockSize, b, err := takeUvarint(b)
	if err != nil {
		return h, err
	}
	h.BlockSize = int64(blockSize)
	if h.Generation, b, err = takeUvarint(b); err != nil {
		return h, err
	}
	baseGen, b, err := takeUvarint(b)
	if err != nil {
		return h, err
	}
	baseOff, b, err := takeUvarint(b)
	if err != nil {
		return h, err
	}
	h.BaseAddr = Address{Generation: baseGen, Offset: int64(baseOff)}
	n, b, err := takeUvarint(b)
	if err != nil {
		return h, err
	}
	h.LiveTx = make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		var ts uint64
		ts, b, err = takeUvarint(b)
		if err != nil {
			return h, err
		}
		h.LiveTx = append(h.LiveTx, ts)
	}
	return h, nil
}

// BindVolume is an IV record.
type BindVolume struct {
	Handle uint32
	Name   string
	ID     uint64
}

func (BindVolume) Type() RecordType { return RecIV }
func (r BindVolume) encodePayload() []byte {
	buf := putUvarint(nil, uint64(r.Handle))
	buf = putBytes(buf, []byte(r.Name))
	buf = putUvarint(buf, r.ID)
	return buf
}

func decodeBindVolume(b []byte) (BindVolume, error) {
	var r BindVolume
	h, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.Handle = uint32(h)
	name, b, err := takeBytes(b)
	if err != nil {
		return r, err
	}
	r.Name = string(name)
	if r.ID, _, err = takeUvarint(b); err != nil {
		return r, err
	}
	return r, nil
}

// BindTree is an IT record.
type BindTree struct {
	Handle       uint32
	VolumeHandle uint32
	TreeName     string
}

func (BindTree) Type() RecordType { return RecIT }
func (r BindTree) encodePayload() []byte {
	buf := putUvarint(nil, uint64(r.Handle))
	buf = putUvarint(buf, uint64(r.VolumeHandle))
	buf = putBytes(buf, []byte(r.TreeName))
	return buf
}

func decodeBindTree(b []byte) (BindTree, error) {
	var r BindTree
	h, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.Handle = uint32(h)
	vh, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.VolumeHandle = uint32(vh)
	name, _, err := takeBytes(b)
	if err != nil {
		return r, err
	}
	r.TreeName = string(name)
	return r, nil
}

// PageImage is a PA record: the page's current image at Timestamp.
// LeftHalfSize/RightHalfSize describe how much of Bytes is the page's
// left and right halves; this implementation always journals the whole
// page (LeftHalfSize 0, RightHalfSize len(Bytes)) rather than computing
// a sub-page diff, since the buffer pool here marks a page wholly dirty
// rather than tracking dirty byte ranges within it.
type PageImage struct {
	VolumeHandle  uint32
	Address       uint32
	Timestamp     uint64
	LeftHalfSize  uint32
	RightHalfSize uint32
	Bytes         []byte
}

func (PageImage) Type() RecordType { return RecPA }
func (r PageImage) encodePayload() []byte {
	buf := putUvarint(nil, uint64(r.VolumeHandle))
	buf = putUvarint(buf, uint64(r.Address))
	buf = putUvarint(buf, r.Timestamp)
	buf = putUvarint(buf, uint64(r.LeftHalfSize))
	buf = putUvarint(buf, uint64(r.RightHalfSize))
	buf = putBytes(buf, r.Bytes)
	return buf
}

func decodePageImage(b []byte) (PageImage, error) {
	var r PageImage
	vh, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.VolumeHandle = uint32(vh)
	addr, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.Address = uint32(addr)
	if r.Timestamp, b, err = takeUvarint(b); err != nil {
		return r, err
	}
	lhs, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.LeftHalfSize = uint32(lhs)
	rhs, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.RightHalfSize = uint32(rhs)
	r.Bytes, _, err = takeBytes(b)
	return r, err
}

// TxStart is a TS record.
type TxStart struct{ TS uint64 }

func (TxStart) Type() RecordType        { return RecTS }
func (r TxStart) encodePayload() []byte { return putUvarint(nil, r.TS) }

func decodeTxStart(b []byte) (TxStart, error) {
	v, _, err := takeUvarint(b)
	return TxStart{TS: v}, err
}

// TxCommit is a TC record.
type TxCommit struct {
	TS uint64
	TC uint64
}

func (TxCommit) Type() RecordType { return RecTC }
func (r TxCommit) encodePayload() []byte {
	buf := putUvarint(nil, r.TS)
	return putUvarint(buf, r.TC)
}
func decodeTxCommit(b []byte) (TxCommit, error) {
	ts, b, err := takeUvarint(b)
	if err != nil {
		return TxCommit{}, err
	}
	tc, _, err := takeUvarint(b)
	return TxCommit{TS: ts, TC: tc}, err
}

// TxRollback is a TX record.
type TxRollback struct{ TS uint64 }

func (TxRollback) Type() RecordType        { return RecTX }
func (r TxRollback) encodePayload() []byte { return putUvarint(nil, r.TS) }
func decodeTxRollback(b []byte) (TxRollback, error) {
	v, _, err := takeUvarint(b)
	return TxRollback{TS: v}, err
}

// Store is an SR record.
type Store struct {
	TS         uint64
	TreeHandle uint32
	Key        []byte
	Value      []byte
}

func (Store) Type() RecordType { return RecSR }
func (r Store) encodePayload() []byte {
	buf := putUvarint(nil, r.TS)
	buf = putUvarint(buf, uint64(r.TreeHandle))
	buf = putBytes(buf, r.Key)
	buf = putBytes(buf, r.Value)
	return buf
}

func decodeStore(b []byte) (Store, error) {
	var r Store
	ts, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.TS = ts
	th, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.TreeHandle = uint32(th)
	r.Key, b, err = takeBytes(b)
	if err != nil {
		return r, err
	}
	r.Value, _, err = takeBytes(b)
	return r, err
}

// DeleteRange is a DR record.
type DeleteRange struct {
	TS         uint64
	TreeHandle uint32
	Key1       []byte
	Key2       []byte
}

func (DeleteRange) Type() RecordType { return RecDR }
func (r DeleteRange) encodePayload() []byte {
	buf := putUvarint(nil, r.TS)
	buf = putUvarint(buf, uint64(r.TreeHandle))
	buf = putBytes(buf, r.Key1)
	buf = putBytes(buf, r.Key2)
	return buf
}

func decodeDeleteRange(b []byte) (DeleteRange, error) {
	var r DeleteRange
	ts, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.TS = ts
	th, b, err := takeUvarint(b)
	if err != nil {
		return r, err
	}
	r.TreeHandle = uint32(th)
	r.Key1, b, err = takeBytes(b)
	if err != nil {
		return r, err
	}
	r.Key2, _, err = takeBytes(b)
	return r, err
}

// RemoveTree is a DT record.
type RemoveTree struct {
	TS         uint64
	TreeHandle uint32
}

func (RemoveTree) Type() RecordType { return RecDT }
func (r RemoveTree) encodePayload() []byte {
	buf := putUvarint(nil, r.TS)
	return putUvarint(buf, uint64(r.TreeHandle))
}

func decodeRemoveTree(b []byte) (RemoveTree, error) {
	ts, b, err := takeUvarint(b)
	if err != nil {
		return RemoveTree{}, err
	}
	th, _, err := takeUvarint(b)
	return RemoveTree{TS: ts, TreeHandle: uint32(th)}, err
}

// Checkpoint is a CP record.
type Checkpoint struct {
	TS       uint64
	BaseAddr Address
}

func (Checkpoint) Type() RecordType { return RecCP }
func (r Checkpoint) encodePayload() []byte {
	buf := putUvarint(nil, r.TS)
	buf = putUvarint(buf, r.BaseAddr.Generation)
	buf = putUvarint(buf, uint64(r.BaseAddr.Offset))
	return buf
}

func decodeCheckpoint(b []byte) (Checkpoint, error) {
	ts, b, err := takeUvarint(b)
	if err != nil {
		return Checkpoint{}, err
	}
	gen, b, err := takeUvarint(b)
	if err != nil {
		return Checkpoint{}, err
	}
	off, _, err := takeUvarint(b)
	return Checkpoint{TS: ts, BaseAddr: Address{Generation: gen, Offset: int64(off)}}, err
}

func decodeRecord(t RecordType, payload []byte) (Record, error) {
	switch t {
	case RecJH:
		return decodeFileHeader(payload)
	case RecIV:
		return decodeBindVolume(payload)
	case RecIT:
		return decodeBindTree(payload)
	case RecPA:
		return decodePageImage(payload)
	case RecTS:
		return decodeTxStart(payload)
	case RecTC:
		return decodeTxCommit(payload)
	case RecTX:
		return decodeTxRollback(payload)
	case RecSR:
		return decodeStore(payload)
	case RecDR:
		return decodeDeleteRange(payload)
	case RecDT:
		return decodeRemoveTree(payload)
	case RecCP:
		return decodeCheckpoint(payload)
	default:
		return nil, fmt.Errorf("journal: unknown record type %d", byte(t))
	}
}
