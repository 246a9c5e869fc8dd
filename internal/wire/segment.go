package wire

import (
	"encoding/binary"

	"github.com/objmapper/objmapper/pkg/errors"
)

// Segment types
const (
	SegTypeInline uint8 = 0
	SegTypeFD     uint8 = 1
	SegTypeSplice uint8 = 2
)

// Segment flags
const (
	SegFlagFIN      uint8 = 0x01
	SegFlagReuseFD  uint8 = 0x02
	SegFlagOptional uint8 = 0x04
)

// Segment is one piece of a segmented response body. Inline segments carry
// their bytes in InlineData; FD and splice segments reference a descriptor
// delivered via SCM_RIGHTS (or, with SegFlagReuseFD, the most recent
// descriptor delivered earlier in the same response).
type Segment struct {
	Type          uint8
	Flags         uint8
	CopyLength    uint32
	LogicalLength uint64
	StorageOffset uint64
	StorageLength uint64
	InlineData    []byte
	FD            int
	OwnsFD        bool
}

// NeedsFD reports whether this segment is accompanied by its own
// SCM_RIGHTS transfer on the wire.
func (s *Segment) NeedsFD() bool {
	return (s.Type == SegTypeFD || s.Type == SegTypeSplice) && s.Flags&SegFlagReuseFD == 0
}

// encodeHeader writes the 32-byte segment header into buf.
func (s *Segment) encodeHeader(buf []byte) {
	buf[0] = s.Type
	buf[1] = s.Flags
	binary.BigEndian.PutUint16(buf[2:4], 0) // reserved
	binary.BigEndian.PutUint32(buf[4:8], s.CopyLength)
	binary.BigEndian.PutUint64(buf[8:16], s.LogicalLength)
	binary.BigEndian.PutUint64(buf[16:24], s.StorageOffset)
	binary.BigEndian.PutUint64(buf[24:32], s.StorageLength)
}

// decodeSegmentHeader parses one 32-byte segment header.
func decodeSegmentHeader(buf []byte) Segment {
	return Segment{
		Type:          buf[0],
		Flags:         buf[1],
		CopyLength:    binary.BigEndian.Uint32(buf[4:8]),
		LogicalLength: binary.BigEndian.Uint64(buf[8:16]),
		StorageOffset: binary.BigEndian.Uint64(buf[16:24]),
		StorageLength: binary.BigEndian.Uint64(buf[24:32]),
		FD:            -1,
	}
}

// ValidateSegments checks a segment table against the framing rules:
// inline segments carry exactly their logical length, FD segments carry
// none; REUSE_FD must follow a segment that actually supplied a
// descriptor; the final segment carries FIN and no segment follows one.
func ValidateSegments(segments []Segment) error {
	if len(segments) == 0 {
		return errors.New(errors.StatusProtocolError, "segmented response with no segments")
	}
	if len(segments) > MaxSegments {
		return errors.Newf(errors.StatusProtocolError, "segment count %d exceeds limit %d",
			len(segments), MaxSegments)
	}

	fdSupplied := false
	for i := range segments {
		seg := &segments[i]
		switch seg.Type {
		case SegTypeInline:
			if uint64(seg.CopyLength) != seg.LogicalLength {
				return errors.Newf(errors.StatusProtocolError,
					"inline segment %d: copy_length %d != logical_length %d",
					i, seg.CopyLength, seg.LogicalLength)
			}
		case SegTypeFD, SegTypeSplice:
			if seg.CopyLength != 0 {
				return errors.Newf(errors.StatusProtocolError,
					"fd segment %d: copy_length must be 0, got %d", i, seg.CopyLength)
			}
			if seg.StorageLength < seg.LogicalLength {
				return errors.Newf(errors.StatusProtocolError,
					"fd segment %d: storage_length %d < logical_length %d",
					i, seg.StorageLength, seg.LogicalLength)
			}
			if seg.Flags&SegFlagReuseFD != 0 {
				// A reuse without a previously supplied descriptor is an
				// error, including when the only candidate was an omitted
				// OPTIONAL segment.
				if !fdSupplied {
					return errors.Newf(errors.StatusProtocolError,
						"segment %d: REUSE_FD without a prior descriptor", i)
				}
			} else {
				fdSupplied = true
			}
		default:
			return errors.Newf(errors.StatusProtocolError,
				"segment %d: unknown type %d", i, seg.Type)
		}

		if seg.Flags&SegFlagFIN != 0 && i != len(segments)-1 {
			return errors.Newf(errors.StatusProtocolError,
				"segment %d carries FIN but %d segments follow", i, len(segments)-1-i)
		}
	}

	last := &segments[len(segments)-1]
	if last.Flags&SegFlagFIN == 0 {
		return errors.New(errors.StatusProtocolError, "final segment lacks FIN")
	}
	return nil
}
