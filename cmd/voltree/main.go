// Command voltree is a thin task shell: backup/stat/dump/icheck verbs
// over a voltree Engine, built on the same opts-struct + go-flags idiom
// as the rest of the brimstore tool family rather than inventing a new
// one.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gholt/brimtext"
	flags "github.com/jessevdk/go-flags"

	"github.com/brimstore/voltree"
)

// kvArgs holds the "key=value ..." positional arguments every task verb
// accepts alongside its flags.
type kvArgs []string

func (a kvArgs) lookup(key string) (string, bool) {
	for _, kv := range a {
		if i := strings.IndexByte(kv, '='); i >= 0 && kv[:i] == key {
			return kv[i+1:], true
		}
	}
	return "", false
}

func (a kvArgs) all(key string) []string {
	var out []string
	for _, kv := range a {
		if i := strings.IndexByte(kv, '='); i >= 0 && kv[:i] == key {
			out = append(out, kv[i+1:])
		}
	}
	return out
}

func (a kvArgs) stringOr(key, def string) string {
	if v, ok := a.lookup(key); ok {
		return v
	}
	return def
}

func (a kvArgs) intOr(key string, def int) int {
	if v, ok := a.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (a kvArgs) durationOr(key string, def time.Duration) time.Duration {
	if v, ok := a.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// pathOpts is embedded in every verb's opts struct: where the engine's
// volumes and journal live.
type pathOpts struct {
	Datapath    string `long:"datapath" description:"data directory (default: env VOLTREE_DATAPATH or .)"`
	Journalpath string `long:"journalpath" description:"journal directory (default: datapath)"`
}

func (p pathOpts) configOpts() []func(*voltree.Config) {
	var opts []func(*voltree.Config)
	if p.Datapath != "" {
		opts = append(opts, voltree.OptDataPath(p.Datapath))
	}
	if p.Journalpath != "" {
		opts = append(opts, voltree.OptJournalPath(p.Journalpath))
	}
	return opts
}

// openEngine builds an Engine from p and opens every volume= spec kv
// names, recovering from the journal in the process.
func openEngine(p pathOpts, kv kvArgs) (*voltree.Engine, error) {
	cfg := voltree.NewConfig(p.configOpts()...)
	e, err := voltree.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	for _, spec := range kv.all("volume") {
		vs, err := voltree.ParseVolumeSpec(spec, 0)
		if err != nil {
			e.Close()
			return nil, err
		}
		if _, err := e.OpenVolume(vs); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func openOutput(file string) (io.WriteCloser, error) {
	if file == "" || file == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(file)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// --- backup ---

type backupOpts struct {
	Compress   bool `short:"z" long:"compress" description:"compress backup entries"`
	Checksum   bool `short:"c" long:"checksum" description:"checksum each volume's pages"`
	Concurrent bool `short:"y" long:"concurrent" description:"allow live transactions during backup"`
	pathOpts
	Positional struct {
		Args []string `positional-arg-name:"key=value" description:"file=PATH volume=SPEC [volume=SPEC ...]"`
	} `positional-args:"yes"`
}

func (o *backupOpts) Execute(_ []string) error {
	kv := kvArgs(o.Positional.Args)
	file, ok := kv.lookup("file")
	if !ok {
		return fmt.Errorf("backup: file=PATH is required")
	}
	e, err := openEngine(o.pathOpts, kv)
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := os.Create(file)
	if err != nil {
		return err
	}
	defer out.Close()

	return e.Backup(out, voltree.BackupOptions{
		Compress:   o.Compress,
		Checksum:   o.Checksum,
		Concurrent: o.Concurrent,
	})
}

// --- stat ---

type statOpts struct {
	Extended bool `short:"a" long:"all" description:"extended statistics"`
	Reset    bool `short:"r" long:"reset" description:"run a checkpoint after each report (counters are not reset)"`
	pathOpts
	Positional struct {
		Args []string `positional-arg-name:"key=value" description:"delay=S count=N file=P volume=SPEC [volume=SPEC ...]"`
	} `positional-args:"yes"`
}

func (o *statOpts) Execute(_ []string) error {
	kv := kvArgs(o.Positional.Args)
	delay := kv.durationOr("delay", time.Second)
	count := kv.intOr("count", 1)

	e, err := openEngine(o.pathOpts, kv)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := openOutput(kv.stringOr("file", ""))
	if err != nil {
		return err
	}
	defer w.Close()

	for i := 0; count <= 0 || i < count; i++ {
		if err := writeStats(w, e, o.Extended); err != nil {
			return err
		}
		if o.Reset {
			e.Checkpoint()
		}
		if count > 0 && i+1 == count {
			break
		}
		time.Sleep(delay)
	}
	return nil
}

func writeStats(w io.Writer, e *voltree.Engine, extended bool) error {
	rows := [][]string{{"volume", "pages", "maxPages", "read", "written"}}
	for _, name := range e.VolumeNames() {
		v, ok := e.Volume(name)
		if !ok {
			continue
		}
		st := v.Stats()
		rows = append(rows, []string{
			name,
			strconv.FormatUint(uint64(v.NextAvailable), 10),
			strconv.FormatInt(v.MaximumPages, 10),
			strconv.FormatInt(st.PagesRead, 10),
			strconv.FormatInt(st.PagesWritten, 10),
		})
	}
	fmt.Fprint(w, brimtext.Align(rows, nil))
	if extended {
		qlen, dropped := e.CleanupStats()
		fmt.Fprintf(w, "\ncleanup queue: %d pending, %d dropped\n", qlen, dropped)
		for _, vname := range e.VolumeNames() {
			for _, tname := range e.TreeNames(vname) {
				fmt.Fprintf(w, "tree %s/%s\n", vname, tname)
			}
		}
	}
	fmt.Fprintln(w)
	return nil
}

// --- dump ---

type dumpOpts struct {
	Stats   bool `short:"s" description:"dump only summary statistics"`
	Verbose bool `short:"v" description:"include every key/value pair"`
	Pages   bool `short:"p" description:"accepted and ignored: the dump prints no page addresses"`
	pathOpts
	Positional struct {
		Args []string `positional-arg-name:"key=value" description:"file=PATH volume=SPEC [volume=SPEC ...]"`
	} `positional-args:"yes"`
}

func (o *dumpOpts) Execute(_ []string) error {
	kv := kvArgs(o.Positional.Args)
	e, err := openEngine(o.pathOpts, kv)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := openOutput(kv.stringOr("file", ""))
	if err != nil {
		return err
	}
	defer w.Close()

	if err := writeStats(w, e, true); err != nil {
		return err
	}
	if o.Stats {
		return nil
	}

	txn, err := e.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	for _, vname := range e.VolumeNames() {
		v, _ := e.Volume(vname)
		fmt.Fprintf(w, "\nvolume %s (pageSize=%d nextAvailable=%d)\n", vname, v.PageSize, v.NextAvailable)
		for _, tname := range e.TreeNames(vname) {
			fmt.Fprintf(w, "  tree %s\n", tname)
			if !o.Verbose {
				continue
			}
			cur, err := txn.NewCursor(vname, tname, voltree.Before(), voltree.DirGT, nil)
			if err != nil {
				return err
			}
			for {
				k, v, ok, err := cur.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				fmt.Fprintf(w, "    %s = %s\n", dumpKey(k), dumpValue(v))
			}
		}
	}
	return nil
}

func dumpKey(k voltree.Key) string {
	segs := k.Segments()
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(parts, ",")
}

func dumpValue(v []byte) string {
	if len(v) > 64 {
		return fmt.Sprintf("%q...(%d bytes)", v[:64], len(v))
	}
	return fmt.Sprintf("%q", v)
}

// --- icheck ---

type icheckOpts struct {
	pathOpts
	Positional struct {
		Args []string `positional-arg-name:"volume=SPEC" description:"volume=SPEC [volume=SPEC ...]"`
	} `positional-args:"yes"`
}

func (o *icheckOpts) Execute(_ []string) error {
	kv := kvArgs(o.Positional.Args)
	e, err := openEngine(o.pathOpts, kv)
	if err != nil {
		return err
	}
	defer e.Close()

	faults := e.IntegrityCheck()
	var buf bytes.Buffer
	for _, f := range faults {
		fmt.Fprintln(&buf, f)
	}
	os.Stdout.Write(buf.Bytes())
	if len(faults) > 0 {
		return fmt.Errorf("icheck: %d fault(s) found", len(faults))
	}
	fmt.Println("icheck: no faults found")
	return nil
}

func main() {
	parser := flags.NewParser(nil, flags.Default)
	mustAddCommand(parser, "backup", "Write a backup container", "Write a zip container of volume pages and journal tail.", &backupOpts{})
	mustAddCommand(parser, "stat", "Report engine and volume statistics", "Print periodic statistics about open volumes and the cleanup queue.", &statOpts{})
	mustAddCommand(parser, "dump", "Write a human-readable dump", "Dump statistics, tree names, and (with -v) every key/value pair.", &dumpOpts{})
	mustAddCommand(parser, "icheck", "Run an integrity check", "Walk every open volume and tree, accumulating faults rather than stopping at the first.", &icheckOpts{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustAddCommand(parser *flags.Parser, name, short, long string, data interface{}) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}
