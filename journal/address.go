package journal

import "fmt"

// Address locates a record within the journal: a file generation and a
// byte offset inside that file. Journal filenames carry a zero-padded
// generation; CP/JH records carry a base address built from this type.
type Address struct {
	Generation uint64
	Offset     int64
}

// Less reports whether a precedes b in journal order.
func (a Address) Less(b Address) bool {
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	return a.Offset < b.Offset
}

func (a Address) String() string {
	return fmt.Sprintf("%012d:%d", a.Generation, a.Offset)
}

type pageKey struct {
	volumeHandle uint32
	addr         uint32
}

// VolumeHandle and Addr expose pageKey's fields to callers outside the
// package (e.g. an Engine matching RecoveryResult.Pages entries against
// the volume it is currently opening) without exporting the type itself.
func (k pageKey) VolumeHandle() uint32 { return k.volumeHandle }
func (k pageKey) Addr() uint32         { return k.addr }

type pageEntry struct {
	ts   uint64
	addr Address
}
