package layout

import (
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BlockMetaSize is the fixed serialized size of a BlockMeta record:
// 8 (offset) + 4 (inflated size) + 4 (compressed size) + 2 (crc).
const BlockMetaSize = 18

// BlockMeta is the persistent descriptor of one on-disk block. Crc is
// computed over the on-disk (compressed) payload and verified on
// read, so a corrupted extent is caught before decompression runs on
// it.
type BlockMeta struct {
	Offset         uint64
	InflatedSize   uint32
	CompressedSize uint32
	Crc            uint16
}

// occupied returns the page-rounded extent this meta reserves on disk.
func (m BlockMeta) occupied() int {
	return pageRoundUp(int(m.CompressedSize))
}

func crcOf(payload []byte) uint16 {
	return uint16(crc32.ChecksumIEEE(payload))
}

func encodeBlockMeta(w *BlockWriter, m BlockMeta) bool {
	return w.WriteUint64(m.Offset) &&
		w.WriteUint32(m.InflatedSize) &&
		w.WriteUint32(m.CompressedSize) &&
		w.WriteUint16(m.Crc)
}

func decodeBlockMeta(r *BlockReader) (BlockMeta, bool) {
	var m BlockMeta
	offset, ok := r.ReadUint64()
	if !ok {
		return m, false
	}
	inflated, ok := r.ReadUint32()
	if !ok {
		return m, false
	}
	compressed, ok := r.ReadUint32()
	if !ok {
		return m, false
	}
	crc, ok := r.ReadUint16()
	if !ok {
		return m, false
	}
	m = BlockMeta{Offset: offset, InflatedSize: inflated, CompressedSize: compressed, Crc: crc}
	return m, true
}

// SuperBlockSize is one page; two copies are stored at offset 0 and
// SuperBlockSize so a torn write to one never leaves the file without
// a valid header.
const SuperBlockSize = PageSize

// SuperBlockMagic identifies a valid data file.
const SuperBlockMagic uint64 = 0x4C41594F55544442 // hex digits spell "LAYOUTDB"; stored little-endian, so the on-disk bytes read "BDTUOYAL"

const (
	superBlockMajorVersion uint8 = 1
	superBlockMinorVersion uint8 = 0
)

// SuperBlock is the root metadata record written at the start of the
// data file.
type SuperBlock struct {
	Magic          uint64
	MajorVersion   uint8
	MinorVersion   uint8
	Compress       Compress
	IndexBlockMeta *BlockMeta // nil until the directory is first flushed
	Crc            uint16
}

func newSuperBlock(compress Compress) *SuperBlock {
	return &SuperBlock{
		Magic:        SuperBlockMagic,
		MajorVersion: superBlockMajorVersion,
		MinorVersion: superBlockMinorVersion,
		Compress:     compress,
	}
}

// encodeSuperBlock serializes sb into a freshly allocated, zero-padded
// page-sized buffer, computing Crc over every preceding field.
func encodeSuperBlock(sb *SuperBlock) []byte {
	buf := make([]byte, SuperBlockSize)
	block := NewBlock(buf, 0)
	w := NewBlockWriter(block)

	ok := w.WriteUint64(sb.Magic) &&
		w.WriteUint8(sb.MajorVersion) &&
		w.WriteUint8(sb.MinorVersion) &&
		w.WriteUint8(uint8(sb.Compress)) &&
		w.WriteBool(sb.IndexBlockMeta != nil)
	if !ok {
		panic("layout: superblock header does not fit in one page")
	}
	if sb.IndexBlockMeta != nil {
		if !encodeBlockMeta(w, *sb.IndexBlockMeta) {
			panic("layout: superblock index meta does not fit in one page")
		}
	}

	sb.Crc = crcOf(buf[:block.Size()])
	if !w.WriteUint16(sb.Crc) {
		panic("layout: superblock crc does not fit in one page")
	}
	return buf
}

// decodeSuperBlock parses and structurally validates a page-sized
// buffer as a SuperBlock: magic, major version, compress enum, and crc
// must all check out before the result is trusted.
func decodeSuperBlock(buf []byte) (*SuperBlock, error) {
	if len(buf) < SuperBlockSize {
		return nil, errors.New("superblock buffer shorter than one page")
	}
	block := NewBlock(buf, SuperBlockSize)
	r := NewBlockReader(block)

	sb := &SuperBlock{}
	var ok bool
	var compress uint8
	var hasIndex bool

	if sb.Magic, ok = r.ReadUint64(); !ok {
		return nil, errors.New("superblock truncated reading magic")
	}
	if sb.Magic != SuperBlockMagic {
		return nil, errors.New("superblock magic mismatch")
	}
	if sb.MajorVersion, ok = r.ReadUint8(); !ok {
		return nil, errors.New("superblock truncated reading major version")
	}
	if sb.MinorVersion, ok = r.ReadUint8(); !ok {
		return nil, errors.New("superblock truncated reading minor version")
	}
	if sb.MajorVersion != superBlockMajorVersion {
		return nil, errors.Errorf("superblock major version %d not recognized", sb.MajorVersion)
	}
	if compress, ok = r.ReadUint8(); !ok {
		return nil, errors.New("superblock truncated reading compress")
	}
	sb.Compress = Compress(compress)
	if !sb.Compress.valid() {
		return nil, errors.Errorf("superblock compress enum %d invalid", compress)
	}
	if hasIndex, ok = r.ReadBool(); !ok {
		return nil, errors.New("superblock truncated reading has_index")
	}
	if hasIndex {
		meta, ok := decodeBlockMeta(r)
		if !ok {
			return nil, errors.New("superblock truncated reading index meta")
		}
		sb.IndexBlockMeta = &meta
	}

	crcEnd := r.pos
	if sb.Crc, ok = r.ReadUint16(); !ok {
		return nil, errors.New("superblock truncated reading crc")
	}
	if sb.Crc != crcOf(buf[:crcEnd]) {
		return nil, errors.New("superblock crc mismatch")
	}
	return sb, nil
}

// superblockManager owns the two on-disk superblock copies and the
// recovery policy for reading them back.
type superblockManager struct {
	file AsyncFile
	log  *logrus.Entry
}

func newSuperblockManager(file AsyncFile, log *logrus.Entry) *superblockManager {
	return &superblockManager{file: file, log: log}
}

// load reads slot 0 first; slot 1 is tried only if slot 0 fails to
// read or fails to decode. Neither slot is repaired opportunistically.
func (m *superblockManager) load() (*SuperBlock, error) {
	if sb, err := m.loadSlot(0); err == nil {
		m.log.Debug("recovered superblock from slot 0")
		return sb, nil
	} else {
		m.log.WithError(err).Warn("slot 0 superblock invalid, trying slot 1")
	}
	sb, err := m.loadSlot(1)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	m.log.Debug("recovered superblock from slot 1")
	return sb, nil
}

func (m *superblockManager) loadSlot(slot int) (*SuperBlock, error) {
	buf := make([]byte, SuperBlockSize)
	status := m.file.Read(int64(slot*SuperBlockSize), buf)
	if !status.Succ {
		return nil, errors.New("read failed")
	}
	return decodeSuperBlock(buf)
}

// flush encodes sb and writes it to both slots synchronously. A
// failure of either write aborts the call; the caller's in-memory
// superblock already reflects the new values regardless, so a failed
// flush must be treated as "on-disk state unknown," not rolled back.
func (m *superblockManager) flush(sb *SuperBlock) error {
	buf := encodeSuperBlock(sb)

	if status := m.file.Write(0, buf); !status.Succ {
		return errors.Wrap(ErrIoFailure, "flush 1st superblock")
	}
	if status := m.file.Write(int64(SuperBlockSize), buf); !status.Succ {
		return errors.Wrap(ErrIoFailure, "flush 2nd superblock")
	}
	m.log.Trace("flushed superblock to both slots")
	return nil
}
