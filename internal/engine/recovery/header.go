package recovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the backing file format written by this package.
const FormatVersion = 1

// Magic identifies a backing file.
var Magic = [8]byte{'M', 'E', 'M', 'L', 'S', 'W', 'P', 0}

// Header field offsets.
const (
	offMagic     = 0x00 // [8]byte
	offVersion   = 0x08 // uint32
	offPageSize  = 0x0C // uint32
	offSession   = 0x10 // [16]byte
	offCreated   = 0x20 // int64 unix nanoseconds
	offOrigSize  = 0x28 // int64
	offOrigMtime = 0x30 // int64 unix nanoseconds
	offOrigHash  = 0x38 // [32]byte sha256
	offPID       = 0x58 // uint32
	offFlags     = 0x5C // uint32
	offHostLen   = 0x60 // uint16
	offPathLen   = 0x62 // uint16
	offCRC32C    = 0x64 // uint32
	offHost      = 0x68 // [64]byte
	offPath      = 0xA8 // pathLen bytes, to the end of the page

	maxHostLen = offPath - offHost

	// HeaderMinSize is the number of bytes needed to read the fixed fields.
	HeaderMinSize = offPath
)

// Flags records session state in the header.
type Flags uint32

// Header flags.
const (
	// FlagModified marks a document with unsaved changes.
	FlagModified Flags = 1 << iota
	// FlagPreserved marks a backing file that no longer depends on the original.
	FlagPreserved
	// FlagPathTruncated marks an original path too long for the header page.
	FlagPathTruncated
	// FlagNoOriginal marks a document that was not loaded from a file.
	FlagNoOriginal
	// FlagEmpty marks a document reduced to its single empty line.
	FlagEmpty
)

// Has reports whether all of f's bits are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// Identity identifies an original file: where it is and what it held when
// the session loaded or last wrote it.
type Identity struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    [32]byte
}

// Header is the session metadata stored in page 0 of a backing file.
type Header struct {
	Version  uint32
	PageSize int
	Session  uuid.UUID
	Created  time.Time
	Original Identity
	PID      int
	Host     string
	Flags    Flags
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// errNotBackingFile marks files that do not even start like a backing file.
var errNotBackingFile = fmt.Errorf("%w: not a backing file", ErrUnrecognizedFormat)

// Encode writes h into buf, which must be a whole header page. A path that
// does not fit is truncated and FlagPathTruncated set.
func (h *Header) Encode(buf []byte) error {
	if len(buf) < HeaderMinSize {
		return fmt.Errorf("header page of %d bytes too small", len(buf))
	}
	clear(buf)

	copy(buf[offMagic:], Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offPageSize:], uint32(h.PageSize))
	copy(buf[offSession:offSession+16], h.Session[:])
	binary.LittleEndian.PutUint64(buf[offCreated:], uint64(unixNano(h.Created)))
	binary.LittleEndian.PutUint64(buf[offOrigSize:], uint64(h.Original.Size))
	binary.LittleEndian.PutUint64(buf[offOrigMtime:], uint64(unixNano(h.Original.ModTime)))
	copy(buf[offOrigHash:offOrigHash+32], h.Original.Hash[:])
	binary.LittleEndian.PutUint32(buf[offPID:], uint32(h.PID))

	host := h.Host
	if len(host) > maxHostLen {
		host = host[:maxHostLen]
	}
	binary.LittleEndian.PutUint16(buf[offHostLen:], uint16(len(host)))
	copy(buf[offHost:], host)

	path := h.Original.Path
	if room := len(buf) - offPath; len(path) > room {
		path = path[:room]
		h.Flags |= FlagPathTruncated
	}
	binary.LittleEndian.PutUint16(buf[offPathLen:], uint16(len(path)))
	copy(buf[offPath:], path)

	binary.LittleEndian.PutUint32(buf[offFlags:], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[offCRC32C:], headerCRC(buf))
	return nil
}

// PageSizeOf returns the page size recorded in a header, after checking
// the magic. buf needs at least HeaderMinSize bytes.
func PageSizeOf(buf []byte) (int, error) {
	if len(buf) < HeaderMinSize || !bytes.Equal(buf[offMagic:offMagic+8], Magic[:]) {
		return 0, errNotBackingFile
	}
	return int(binary.LittleEndian.Uint32(buf[offPageSize:])), nil
}

// DecodeHeader parses a whole header page.
func DecodeHeader(buf []byte) (Header, error) {
	pageSize, err := PageSizeOf(buf)
	if err != nil {
		return Header{}, err
	}
	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != FormatVersion {
		return Header{}, fmt.Errorf("%w: version %d, want %d", ErrUnrecognizedFormat, version, FormatVersion)
	}
	if pageSize != len(buf) {
		return Header{}, fmt.Errorf("%w: page size %d, header page %d bytes", ErrUnrecognizedFormat, pageSize, len(buf))
	}
	if stored := binary.LittleEndian.Uint32(buf[offCRC32C:]); stored != headerCRC(buf) {
		return Header{}, fmt.Errorf("%w: header checksum mismatch", ErrUnrecognizedFormat)
	}

	hostLen := int(binary.LittleEndian.Uint16(buf[offHostLen:]))
	pathLen := int(binary.LittleEndian.Uint16(buf[offPathLen:]))
	if hostLen > maxHostLen || offPath+pathLen > len(buf) {
		return Header{}, fmt.Errorf("%w: string lengths out of range", ErrUnrecognizedFormat)
	}

	h := Header{
		Version:  version,
		PageSize: pageSize,
		Created:  fromUnixNano(int64(binary.LittleEndian.Uint64(buf[offCreated:]))),
		PID:      int(binary.LittleEndian.Uint32(buf[offPID:])),
		Host:     string(buf[offHost : offHost+hostLen]),
		Flags:    Flags(binary.LittleEndian.Uint32(buf[offFlags:])),
		Original: Identity{
			Path:    string(buf[offPath : offPath+pathLen]),
			Size:    int64(binary.LittleEndian.Uint64(buf[offOrigSize:])),
			ModTime: fromUnixNano(int64(binary.LittleEndian.Uint64(buf[offOrigMtime:]))),
		},
	}
	copy(h.Session[:], buf[offSession:offSession+16])
	copy(h.Original.Hash[:], buf[offOrigHash:offOrigHash+32])
	return h, nil
}

// headerCRC computes the CRC32-C of a header page with the checksum field
// treated as zero.
func headerCRC(buf []byte) uint32 {
	crc := crc32.Update(0, castagnoli, buf[:offCRC32C])
	crc = crc32.Update(crc, castagnoli, []byte{0, 0, 0, 0})
	return crc32.Update(crc, castagnoli, buf[offCRC32C+4:])
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
