package voltree

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/spaolacci/murmur3"
)

// BackupOptions controls Engine.Backup, matching the `-z` (compress),
// `-c` (checksum), `-y` (concurrent) flags of the `backup` CLI command.
type BackupOptions struct {
	// Compress stores zip entries with deflate instead of store-only.
	Compress bool
	// Checksum records a murmur3 checksum of every volume's page stream
	// in the manifest so Restore can verify it on the way back in.
	Checksum bool
	// Concurrent skips the checkpoint Backup otherwise takes first (`-y`);
	// writers are not paused in either mode. The snapshot may include pages from
	// transactions still in flight, but the journal tail copied alongside
	// it is enough for recovery to bring the restored engine to a
	// consistent state, the same way crash recovery always does.
	Concurrent bool
}

// backupManifest is the manifest of volume specifications stored as part
// (a) of the backup container.
type backupManifest struct {
	Volumes []backupVolumeEntry `json:"volumes"`
}

type backupVolumeEntry struct {
	Spec        string `json:"spec"`
	RelPath     string `json:"relPath"`
	PageCount   uint32 `json:"pageCount"`
	Checksum    uint32 `json:"checksum,omitempty"`
	JournalBase string `json:"journalBase"`
	JournalHead string `json:"journalHead"`
}

const (
	backupManifestName = "manifest.json"
	backupVolumeDir    = "volumes/"
	backupJournalDir   = "journal/"
)

// Backup writes a zip container to w holding (a) a manifest of volume
// specifications, (b) for each open volume its current pages in
// ascending address order, and (c) the tail of the journal needed to
// replay any still-live transaction.
//
// Unless opts.Concurrent, Backup first runs a Checkpoint so the page
// images captured are the durable, post-checkpoint state and the journal
// tail copied alongside them is as short as possible.
func (e *Engine) Backup(w io.Writer, opts BackupOptions) error {
	if !opts.Concurrent {
		if err := e.Checkpoint(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrFatal
	}
	vols := make([]*Volume, 0, len(e.volumes))
	for _, v := range e.volumes {
		vols = append(vols, v)
	}
	e.mu.Unlock()

	// Seal the current journal generation so every record appended so far
	// is fully on disk in a closed file before it is copied; concurrent
	// writers continue into the fresh generation.
	if err := e.jm.Rollover(); err != nil {
		return err
	}
	base := e.jm.BaseAddress()
	head := e.jm.CurrentAddress()

	zw := zip.NewWriter(w)
	method := zip.Store
	if opts.Compress {
		method = zip.Deflate
	}

	manifest := backupManifest{Volumes: make([]backupVolumeEntry, 0, len(vols))}
	for _, v := range vols {
		entry := backupVolumeEntry{
			Spec:        v.Spec().String(),
			RelPath:     filepath.Base(v.Spec().Path),
			PageCount:   v.NextAvailable,
			JournalBase: base.String(),
			JournalHead: head.String(),
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: backupVolumeDir + entry.RelPath, Method: method})
		if err != nil {
			return err
		}
		var dst io.Writer = fw
		var sum hash.Hash32
		if opts.Checksum {
			sum = murmur3.New32()
			dst = io.MultiWriter(fw, sum)
		}
		if err := v.CopyTo(dst); err != nil {
			return err
		}
		if opts.Checksum {
			entry.Checksum = sum.Sum32()
		}
		manifest.Volumes = append(manifest.Volumes, entry)
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: backupManifestName, Method: method})
	if err != nil {
		return err
	}
	if err := json.NewEncoder(mw).Encode(&manifest); err != nil {
		return err
	}

	for gen := base.Generation; gen <= head.Generation; gen++ {
		name := e.jm.GenerationFileName(gen)
		if err := copyFileIntoZip(zw, name, backupJournalDir+filepath.Base(name), method); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
	}

	return zw.Close()
}

func copyFileIntoZip(zw *zip.Writer, srcPath, entryName string, method uint16) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: entryName, Method: method})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Restore unpacks a backup container written by Backup into dataPath and
// journalPath, then opens an Engine against the result. Because the
// journal tail included in the container is replayed exactly as crash
// recovery replays any journal, Restore does no transaction bookkeeping
// of its own -- NewEngine's normal recovery path brings every committed
// write back, so Restore yields a byte-equal set of (k, v) pairs for
// every tree.
func Restore(r *zip.Reader, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	var manifest backupManifest
	var volumeFiles, journalFiles []*zip.File
	for _, f := range r.File {
		switch {
		case f.Name == backupManifestName:
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			err = json.NewDecoder(rc).Decode(&manifest)
			rc.Close()
			if err != nil {
				return nil, err
			}
		case len(f.Name) > len(backupVolumeDir) && f.Name[:len(backupVolumeDir)] == backupVolumeDir:
			volumeFiles = append(volumeFiles, f)
		case len(f.Name) > len(backupJournalDir) && f.Name[:len(backupJournalDir)] == backupJournalDir:
			journalFiles = append(journalFiles, f)
		}
	}

	if err := os.MkdirAll(cfg.DataPath, 0777); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.JournalPath, 0777); err != nil {
		return nil, err
	}

	checksums := map[string]uint32{}
	for _, ve := range manifest.Volumes {
		if ve.Checksum != 0 {
			checksums[ve.RelPath] = ve.Checksum
		}
	}

	for _, f := range volumeFiles {
		relPath := f.Name[len(backupVolumeDir):]
		if err := extractZipFile(f, filepath.Join(cfg.DataPath, relPath), checksums[relPath]); err != nil {
			return nil, err
		}
	}
	for _, f := range journalFiles {
		name := f.Name[len(backupJournalDir):]
		if err := extractZipFile(f, filepath.Join(cfg.JournalPath, name), 0); err != nil {
			return nil, err
		}
	}

	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	for _, ve := range manifest.Volumes {
		spec, err := ParseVolumeSpec(ve.Spec, 0)
		if err != nil {
			e.Close()
			return nil, err
		}
		spec.Path = filepath.Join(cfg.DataPath, ve.RelPath)
		spec.Create = false
		spec.CreateOnly = false
		if _, err := e.OpenVolume(spec); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func extractZipFile(f *zip.File, destPath string, wantChecksum uint32) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer out.Close()

	var dst io.Writer = out
	var sum hash.Hash32
	if wantChecksum != 0 {
		sum = murmur3.New32()
		dst = io.MultiWriter(out, sum)
	}
	if _, err := io.Copy(dst, rc); err != nil {
		return err
	}
	if wantChecksum != 0 && sum.Sum32() != wantChecksum {
		return errorf(KindCorruptVolume, "restore: checksum mismatch for %s", destPath)
	}
	return nil
}

// IntegrityCheck walks every open volume and tree, accumulating faults
// rather than aborting at the first so a single corruption doesn't hide
// others. It is the engine-side half of the `icheck` CLI command.
func (e *Engine) IntegrityCheck() []error {
	e.mu.Lock()
	vols := make([]*Volume, 0, len(e.volumes))
	for _, v := range e.volumes {
		vols = append(vols, v)
	}
	trees := map[string][]string{}
	for volName, m := range e.stores {
		for treeName := range m {
			trees[volName] = append(trees[volName], treeName)
		}
	}
	e.mu.Unlock()

	var faults []error
	for _, v := range vols {
		if v.NextAvailable < firstFreeAddress {
			faults = append(faults, errorf(KindCorruptVolume, "volume %q: next-available page %d below first free page", v.Name, v.NextAvailable))
		}
		// The head page is the raw volume header, not an encoded tree
		// page, so it is checked by signature rather than DecodePage.
		if buf, err := v.ReadBytesAt(headPageAddress); err != nil {
			faults = append(faults, err)
		} else if string(buf[:8]) != string(volumeSignature[:8]) {
			faults = append(faults, errorf(KindCorruptVolume, "volume %q: bad head page signature", v.Name))
		}
	}
	for volName, names := range trees {
		for _, treeName := range names {
			store, _, err := e.storeFor(volName, treeName)
			if err != nil {
				faults = append(faults, err)
				continue
			}
			cur, err := store.tree.NewCursor(Before(), DirGT, nil)
			if err != nil {
				faults = append(faults, fmt.Errorf("tree %s/%s: %w", volName, treeName, err))
				continue
			}
			var prev Key
			first := true
			for {
				k, _, ok, err := cur.Next()
				if err != nil {
					faults = append(faults, fmt.Errorf("tree %s/%s: traversal: %w", volName, treeName, err))
					break
				}
				if !ok {
					break
				}
				if !first && Compare(prev, k) >= 0 {
					faults = append(faults, errorf(KindCorruptVolume, "tree %s/%s: keys out of order", volName, treeName))
				}
				prev, first = k, false
			}
		}
	}
	return faults
}
