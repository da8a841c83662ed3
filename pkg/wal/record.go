package wal

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Kind tags the payload type of a record.
type Kind byte

const (
	// KindEvent marks a domain event record.
	KindEvent Kind = 1
	// KindSnapshot marks an embedded snapshot record. The engine stores
	// snapshots in a keyed store by default, but the format reserves the tag
	// so logs with embedded snapshots stay readable. Readers that only want
	// events must skip it.
	KindSnapshot Kind = 2
)

// Record is one durable unit in the log.
//
// On-disk layout (big endian):
//
//	[4-byte length][8-byte global offset][8-byte stream sequence]
//	[1-byte kind][payload][8-byte checksum]
//
// length counts every byte after the length field itself. The checksum is
// xxhash64 over offset, sequence, kind and payload; a record whose trailing
// checksum does not validate, or whose declared length overruns the
// remaining bytes, terminates a scan at that byte offset.
type Record struct {
	Offset    uint64
	StreamSeq uint64
	Kind      Kind
	Payload   []byte
}

const (
	lenSize      = 4
	headerSize   = 8 + 8 + 1
	checksumSize = 8
	minBodySize  = headerSize + checksumSize

)

// MaxPayloadSize bounds a single record. A declared length beyond this is
// treated as framing corruption rather than an allocation request. Callers
// batching records can pre-check against it before writing anything.
const MaxPayloadSize = 64 << 20

// encodeRecord renders rec into the on-disk frame.
func encodeRecord(rec Record) []byte {
	n := headerSize + len(rec.Payload)
	buf := make([]byte, lenSize+n+checksumSize)
	binary.BigEndian.PutUint32(buf[0:lenSize], uint32(n+checksumSize))
	body := buf[lenSize:]
	binary.BigEndian.PutUint64(body[0:8], rec.Offset)
	binary.BigEndian.PutUint64(body[8:16], rec.StreamSeq)
	body[16] = byte(rec.Kind)
	copy(body[headerSize:], rec.Payload)
	sum := xxhash.Sum64(body[:n])
	binary.BigEndian.PutUint64(body[n:], sum)
	return buf
}

// errTorn marks the valid-data boundary during a scan: the bytes at the
// current position are an unfinished or corrupted write.
type tornError struct{ reason string }

func (e *tornError) Error() string { return "torn record: " + e.reason }

// readRecord decodes the next record from r. It returns io.EOF on a clean
// end of input and *tornError when the bytes at the cursor are not a valid
// record. consumed is the frame size on success.
func readRecord(r io.Reader) (rec Record, consumed int64, err error) {
	var lenBuf [lenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		// A partial length prefix is a torn tail, not an I/O failure.
		if err == io.ErrUnexpectedEOF {
			return Record{}, 0, &tornError{reason: "short length prefix"}
		}
		return Record{}, 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < minBodySize || n > MaxPayloadSize+minBodySize {
		return Record{}, 0, &tornError{reason: "implausible record length"}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, 0, &tornError{reason: "record shorter than declared length"}
		}
		return Record{}, 0, err
	}
	payloadEnd := len(body) - checksumSize
	want := binary.BigEndian.Uint64(body[payloadEnd:])
	if got := xxhash.Sum64(body[:payloadEnd]); got != want {
		return Record{}, 0, &tornError{reason: "checksum mismatch"}
	}
	rec = Record{
		Offset:    binary.BigEndian.Uint64(body[0:8]),
		StreamSeq: binary.BigEndian.Uint64(body[8:16]),
		Kind:      Kind(body[16]),
		Payload:   body[headerSize:payloadEnd:payloadEnd],
	}
	return rec, int64(lenSize) + int64(n), nil
}
