package journal

import "errors"

var (
	errShortRecord = errors.New("journal: truncated record")
	// ErrCorrupt is returned when a record's checksum or framing fails
	// validation during replay.
	ErrCorrupt = errors.New("journal: corrupt record")
	// ErrNonMonotonicPageMap is returned by WritePage when a page's
	// journal timestamp would regress: per-page timestamps in the
	// journal's page map must be monotonically non-decreasing.
	ErrNonMonotonicPageMap = errors.New("journal: page-map timestamp went backwards")
	// ErrUnknownVolumeHandle / ErrUnknownTreeHandle are returned when a
	// record references a handle with no IV/IT binding on record.
	ErrUnknownVolumeHandle = errors.New("journal: volume handle has no IV binding")
	ErrUnknownTreeHandle   = errors.New("journal: tree handle has no IT binding")
)
