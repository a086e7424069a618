package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
	"gopkg.in/gholt/brimutil.v1"
)

// PageRecord is the last journaled image of one page as of the most
// recent generation Recover scanned, keyed by (VolumeHandle, Address) in
// RecoveryResult.Pages.
type PageRecord struct {
	Timestamp uint64
	Bytes     []byte
}

// Mutation is a replayed SR/DR/DT record, tagged with the transaction it
// belongs to so the caller can skip any whose TS isn't in Committed --
// a transaction the journal never got a TC for before the crash must
// not be recovered, the same as one explicitly rolled back.
type Mutation struct {
	TS         uint64
	TreeHandle uint32
	Kind       RecordType // RecSR, RecDR, or RecDT
	Key1, Key2 []byte     // Key1 only for Store; Key1/Key2 for DeleteRange; unused for RemoveTree
	Value      []byte     // Store only
}

// RecoveryResult is everything Recover reconstructed by replaying the
// journal from its last checkpoint forward. The caller (an Engine) uses
// it to bring volume files and in-memory
// transaction/MVV state back to the durable prefix before accepting new
// work.
type RecoveryResult struct {
	Volumes      map[uint32]BindVolume
	Trees        map[uint32]BindTree
	Pages        map[pageKey]PageRecord
	Committed    map[uint64]uint64 // ts -> tc
	Mutations    []Mutation        // in journal order
	Checkpointed bool
	CheckpointTS uint64
	BaseAddr     Address
}

// Recover replays an existing journal (every generation file matching
// prefix in dir) and returns a live Manager ready to accept new records
// plus the RecoveryResult the caller needs to reconcile volume files and
// in-memory state. It never truncates data preceding the last valid
// record; a torn write at the very tail of the last generation file (the
// only place a crash can leave one, since earlier files are sealed by
// rollover) is detected and the file is trimmed back to the last
// complete record, so a torn trailing write never corrupts anything
// durable before it.
func Recover(dir, prefix string, opts ...func(*config)) (*Manager, *RecoveryResult, error) {
	cfg := resolveConfig(opts...)
	generations, err := listGenerations(dir, prefix)
	if err != nil {
		return nil, nil, err
	}

	res := &RecoveryResult{
		Volumes:   map[uint32]BindVolume{},
		Trees:     map[uint32]BindTree{},
		Pages:     map[pageKey]PageRecord{},
		Committed: map[uint64]uint64{},
	}

	m := &Manager{
		dir:              dir,
		prefix:           prefix,
		cfg:              cfg,
		pageMap:          map[pageKey]pageEntry{},
		liveTx:           map[uint64]txState{},
		volumeHandles:    map[uint32]BindVolume{},
		volumeByName:     map[string]uint32{},
		treeHandles:      map[uint32]BindTree{},
		treeByKey:        map[treeKey]uint32{},
		nextVolumeHandle: 1,
		nextTreeHandle:   1,
	}

	if len(generations) == 0 {
		if err := m.openGeneration(0, Address{}); err != nil {
			return nil, nil, err
		}
		return m, res, nil
	}

	var validLength int64
	for i, gen := range generations {
		name := m.fileName(gen)
		validLength, err = replayGeneration(name, gen, cfg, m, res)
		if err != nil {
			return nil, nil, fmt.Errorf("journal: recover %s: %w", name, err)
		}
		last := i == len(generations)-1
		if !last {
			continue
		}
		if err := os.Truncate(name, validLength); err != nil {
			return nil, nil, err
		}
	}

	lastGen := generations[len(generations)-1]
	f, err := os.OpenFile(m.fileName(lastGen), os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if _, err := f.Seek(validLength, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	m.file = f
	m.writer = brimutil.NewMultiCoreChecksummedWriter(f, cfg.checksumInterval, murmur3.New32, cfg.workers)
	m.generation = lastGen
	m.offset = validLength
	m.baseAddr = res.BaseAddr

	for h, bv := range res.Volumes {
		m.volumeHandles[h] = bv
		m.volumeByName[bv.Name] = h
		if h >= m.nextVolumeHandle {
			m.nextVolumeHandle = h + 1
		}
	}
	for h, bt := range res.Trees {
		m.treeHandles[h] = bt
		m.treeByKey[treeKey{volumeHandle: bt.VolumeHandle, name: bt.TreeName}] = h
		if h >= m.nextTreeHandle {
			m.nextTreeHandle = h + 1
		}
	}
	for key, pr := range res.Pages {
		m.pageMap[key] = pageEntry{ts: pr.Timestamp}
	}

	return m, res, nil
}

func listGenerations(dir, prefix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	want := prefix + "."
	var gens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, want) {
			continue
		}
		n, err := strconv.ParseUint(name[len(want):], 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, n)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// replayGeneration reads every record in name in order, folding it into
// m/res, and returns the byte offset of the first unreadable (short or
// checksum-broken) record, i.e. the length the file should be truncated
// to if it is the last generation.
func replayGeneration(name string, gen uint64, cfg *config, m *Manager, res *RecoveryResult) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cr := brimutil.NewChecksummedReader(f, cfg.checksumInterval, murmur3.New32)
	br := bufio.NewReader(cr)

	var offset int64
	for {
		recAddr := Address{Generation: gen, Offset: offset}
		typeByte, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		length, err := binary.ReadUvarint(br)
		if err != nil {
			break
		}
		lenBuf := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(lenBuf, length)
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(br, payload); err != nil {
				break
			}
		}
		rec, err := decodeRecord(RecordType(typeByte), payload)
		if err != nil {
			break
		}
		offset += int64(1+n) + int64(length)
		applyRecord(rec, recAddr, res)
	}
	return offset, nil
}

func applyRecord(rec Record, addr Address, res *RecoveryResult) {
	switch r := rec.(type) {
	case FileHeader:
		// Nothing further to reconstruct. Recovery builds no live-tx map
		// for the resuming Manager: TC records add to Committed and TX
		// records remove from it.
	case BindVolume:
		res.Volumes[r.Handle] = r
	case BindTree:
		res.Trees[r.Handle] = r
	case PageImage:
		key := pageKey{volumeHandle: r.VolumeHandle, addr: r.Address}
		if prev, ok := res.Pages[key]; !ok || r.Timestamp >= prev.Timestamp {
			res.Pages[key] = PageRecord{Timestamp: r.Timestamp, Bytes: r.Bytes}
		}
	case TxStart:
		// No action: presence without a later TC leaves the ts absent
		// from Committed, which is all the visibility rules need.
	case TxCommit:
		res.Committed[r.TS] = r.TC
	case TxRollback:
		delete(res.Committed, r.TS)
	case Store:
		res.Mutations = append(res.Mutations, Mutation{TS: r.TS, TreeHandle: r.TreeHandle, Kind: RecSR, Key1: r.Key, Value: r.Value})
	case DeleteRange:
		res.Mutations = append(res.Mutations, Mutation{TS: r.TS, TreeHandle: r.TreeHandle, Kind: RecDR, Key1: r.Key1, Key2: r.Key2})
	case RemoveTree:
		res.Mutations = append(res.Mutations, Mutation{TS: r.TS, TreeHandle: r.TreeHandle, Kind: RecDT})
	case Checkpoint:
		res.Checkpointed = true
		res.CheckpointTS = r.TS
		res.BaseAddr = r.BaseAddr
		// Every dirty page carrying these mutations was flushed to its
		// volume before the CP record was appended, so replaying them
		// again would stack duplicate versions on top of the durable
		// state. Recovery starts over from the checkpoint.
		res.Mutations = nil
	}
}
