package layout

import "github.com/pkg/errors"

// Caller-observable error kinds, compared with errors.Is by callers.
var (
	// ErrNotFound is returned by DeleteBlock for an unknown bid. Read
	// and AsyncRead report the same condition via a nil Block instead,
	// since a missing block on a read path is routine (a tree probe
	// that simply hasn't written that node yet) rather than exceptional.
	ErrNotFound = errors.New("layout: block not found")

	// ErrIoFailure wraps a failed disk read/write, or a CRC mismatch
	// discovered on read. Corruption is treated as an I/O-layer failure
	// rather than its own error kind.
	ErrIoFailure = errors.New("layout: io failure")

	// ErrInvalidImage is returned from Open when neither superblock
	// copy decodes, or a persisted index block fails to decode.
	ErrInvalidImage = errors.New("layout: invalid on-disk image")

	// ErrConfigMismatch is returned from Open when the configured
	// compression codec disagrees with the one recorded in the
	// recovered superblock.
	ErrConfigMismatch = errors.New("layout: configured compression does not match superblock")

	// ErrFileTooShort is returned from Open when an existing file is
	// shorter than two superblock copies.
	ErrFileTooShort = errors.New("layout: data file shorter than two superblocks")

	errUnrecognizedCompress = errors.New("layout: unrecognized compression codec")
)
