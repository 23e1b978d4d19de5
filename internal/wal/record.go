package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pinstack/pinstack/pkg/types"
)

// OpKind identifies the mutating intent a record carries.
type OpKind uint8

const (
	OpCacheWrite OpKind = iota + 1
	OpCacheEvict
	OpPinAdd
	OpPinRemove
	OpReplicaAdd
	OpReplicaRemove
)

// String returns string representation of the operation kind
func (k OpKind) String() string {
	switch k {
	case OpCacheWrite:
		return "cache_write"
	case OpCacheEvict:
		return "cache_evict"
	case OpPinAdd:
		return "pin_add"
	case OpPinRemove:
		return "pin_remove"
	case OpReplicaAdd:
		return "replica_add"
	case OpReplicaRemove:
		return "replica_remove"
	default:
		return "unknown"
	}
}

// Record is one immutable log entry. Sequence numbers are assigned by the
// single appender and are strictly increasing and gap-free within a segment.
type Record struct {
	Seq       uint64
	Op        OpKind
	ContentID types.ContentID
	Backend   types.BackendID
	Payload   []byte
	Timestamp time.Time
}

// Frame layout, big-endian:
//
//	bodyLen  uint32
//	checksum uint64   xxhash64 of body
//	body:
//	  seq        uint64
//	  op         uint8
//	  timestamp  int64 (unix nanos)
//	  cidLen     uint16, cid bytes
//	  backendLen uint16, backend bytes
//	  payloadLen uint32, payload bytes
//
// A torn tail write is always detected by bodyLen/checksum and truncates
// replay of that segment at the last intact record.
const frameHeaderSize = 4 + 8

const maxBodySize = 1 << 30

func encodeRecord(rec *Record) []byte {
	cid := []byte(rec.ContentID)
	backend := []byte(rec.Backend)

	bodyLen := 8 + 1 + 8 + 2 + len(cid) + 2 + len(backend) + 4 + len(rec.Payload)
	buf := make([]byte, frameHeaderSize+bodyLen)

	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	body := buf[frameHeaderSize:]

	binary.BigEndian.PutUint64(body[0:8], rec.Seq)
	body[8] = byte(rec.Op)
	binary.BigEndian.PutUint64(body[9:17], uint64(rec.Timestamp.UnixNano()))
	off := 17
	binary.BigEndian.PutUint16(body[off:off+2], uint16(len(cid)))
	off += 2
	copy(body[off:], cid)
	off += len(cid)
	binary.BigEndian.PutUint16(body[off:off+2], uint16(len(backend)))
	off += 2
	copy(body[off:], backend)
	off += len(backend)
	binary.BigEndian.PutUint32(body[off:off+4], uint32(len(rec.Payload)))
	off += 4
	copy(body[off:], rec.Payload)

	binary.BigEndian.PutUint64(buf[4:12], xxhash.Sum64(body))
	return buf
}

// SizePayload encodes an object size as a pin_add record payload.
func SizePayload(size int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(size))
	return buf
}

// ParseSizePayload decodes a pin_add record payload.
func ParseSizePayload(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("size payload is %d bytes, want 8", len(payload))
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// readRecord decodes the next frame from r. io.EOF means a clean segment
// end; any other error means the segment is corrupt from this point on.
func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("torn frame header: %w", err)
	}

	bodyLen := binary.BigEndian.Uint32(header[0:4])
	if bodyLen < 8+1+8+2+2+4 || bodyLen > maxBodySize {
		return nil, fmt.Errorf("implausible record length %d", bodyLen)
	}
	checksum := binary.BigEndian.Uint64(header[4:12])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("torn record body: %w", err)
	}
	if xxhash.Sum64(body) != checksum {
		return nil, fmt.Errorf("record checksum mismatch")
	}

	rec := &Record{
		Seq:       binary.BigEndian.Uint64(body[0:8]),
		Op:        OpKind(body[8]),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(body[9:17]))),
	}
	off := uint32(17)

	cidLen := uint32(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+cidLen > bodyLen {
		return nil, fmt.Errorf("content id overruns record body")
	}
	rec.ContentID = types.ContentID(body[off : off+cidLen])
	off += cidLen

	backendLen := uint32(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+backendLen > bodyLen {
		return nil, fmt.Errorf("backend id overruns record body")
	}
	rec.Backend = types.BackendID(body[off : off+backendLen])
	off += backendLen

	payloadLen := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	if off+payloadLen != bodyLen {
		return nil, fmt.Errorf("payload length disagrees with record body")
	}
	if payloadLen > 0 {
		rec.Payload = append([]byte(nil), body[off:off+payloadLen]...)
	}

	return rec, nil
}
