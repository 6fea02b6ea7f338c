package layout

import "github.com/golang/snappy"

// Compress is the on-disk compression codec selector, recorded
// verbatim in the superblock. It is a closed, fixed-width enum rather
// than an interface: adding a third codec means bumping the
// superblock's on-disk version, not just adding a case here.
type Compress uint8

const (
	CompressNone Compress = iota
	CompressSnappy
)

func (c Compress) valid() bool {
	return c == CompressNone || c == CompressSnappy
}

func (c Compress) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// compress encodes inflated with codec c. For CompressSnappy it
// allocates a fresh buffer from pool holding compressedSize compressed
// bytes; for CompressNone it returns (nil, len(inflated)) so the
// caller reuses the original buffer unchanged, avoiding a copy on the
// common uncompressed path.
func compress(c Compress, inflated []byte, pool *bufferPool) (compressed []byte, compressedSize int) {
	switch c {
	case CompressNone:
		return nil, len(inflated)
	case CompressSnappy:
		maxSize := snappy.MaxEncodedLen(len(inflated))
		if maxSize < 0 {
			maxSize = len(inflated)
		}
		buf := pool.alloc(maxSize)
		encoded := snappy.Encode(buf, inflated)
		return buf, len(encoded)
	default:
		panic("layout: unrecognized compression codec")
	}
}

// decompress inflates input (its first compressedSize bytes hold the
// on-disk payload) into a buffer of exactly inflatedSize bytes. For
// CompressNone it returns input unchanged — ownership transfers to the
// caller, matching the read-path no-copy rule.
func decompress(c Compress, input []byte, compressedSize, inflatedSize int, pool *bufferPool) ([]byte, error) {
	switch c {
	case CompressNone:
		return input, nil
	case CompressSnappy:
		buf := pool.alloc(inflatedSize)
		decoded, err := snappy.Decode(buf[:inflatedSize], input[:compressedSize])
		if err != nil {
			return nil, err
		}
		return decoded, nil
	default:
		return nil, errUnrecognizedCompress
	}
}
