// Package wire implements the objmapper wire protocol: the fixed-layout V1
// request/response frames, the V2 pipelined protocol with hello/capability
// negotiation, close handshake and segmented responses, and the metadata
// TLV framing shared by both versions.
//
// All integers on the wire are network byte order (big-endian). The on-disk
// index snapshot, which is little-endian, lives in the index package and is
// not part of this codec.
package wire

import "github.com/objmapper/objmapper/pkg/errors"

// Protocol magic and versions
const (
	Magic    = "OBJM"
	MagicLen = 4

	Version1 = 0x01
	Version2 = 0x02
)

// Capability flags negotiated during the V2 handshake
const (
	CapOOOReplies        uint16 = 0x0001
	CapPipelining        uint16 = 0x0002
	CapCompression       uint16 = 0x0004 // Reserved
	CapMultiplexing      uint16 = 0x0008 // Reserved
	CapSegmentedDelivery uint16 = 0x0010
)

// Request flags
const (
	ReqOrdered  uint8 = 0x01
	ReqPriority uint8 = 0x02
)

// Message types
const (
	MsgRequest           uint8 = 0x01
	MsgResponse          uint8 = 0x02
	MsgClose             uint8 = 0x03
	MsgCloseAck          uint8 = 0x04
	MsgSegmentedResponse uint8 = 0x05
)

// Operation modes
const (
	ModeFDPass    byte = '1'
	ModeCopy      byte = '2'
	ModeSplice    byte = '3'
	ModeSegmented byte = '4'
)

// Close reasons
const (
	CloseNormal   uint8 = 0x00
	CloseTimeout  uint8 = 0x01
	CloseError    uint8 = 0x02
	CloseShutdown uint8 = 0x03
)

// Metadata TLV types
const (
	MetaSize         uint8 = 0x01 // File size (8 bytes)
	MetaMtime        uint8 = 0x02 // Modification time (8 bytes)
	MetaETag         uint8 = 0x03 // ETag (variable string)
	MetaMime         uint8 = 0x04 // MIME type (variable string)
	MetaBackend      uint8 = 0x05 // Backend ID (1 byte)
	MetaLatency      uint8 = 0x06 // Processing latency (4 bytes, microseconds)
	MetaPayload      uint8 = 0x07 // Payload descriptor blob
	MetaSegmentHints uint8 = 0x08 // Segment prefetch hints
	MetaError        uint8 = 0xFF // Free-form error message
)

// Limits
const (
	MaxURILength = 4096
	MaxPipeline  = 1000
	MaxMetadata  = 1024
	MaxSegments  = 64
)

// Frame sizes
const (
	V1RequestHeaderSize  = 3
	V1ResponseHeaderSize = 11
	HelloSize            = 9
	HelloAckSize         = 10
	V2RequestHeaderSize  = 9
	V2ResponseHeaderSize = 16
	SegmentedHeaderSize  = 10
	SegmentHeaderSize    = 32
	CloseSize            = 2
	CloseAckSize         = 6
)

// Request is one client request, either V1 (ID and Flags zero) or V2.
type Request struct {
	ID    uint32
	Flags uint8
	Mode  byte
	URI   string
}

// Response is one server reply. FD is -1 when no descriptor accompanies
// the response. For segmented responses Segments is non-empty and FD
// is unused.
type Response struct {
	RequestID  uint32
	Status     errors.Status
	FD         int
	ContentLen uint64
	Content    []byte // Inline body for copy-mode responses
	Metadata   []byte
	Segments   []Segment
	ErrorMsg   string // Decoded from the MetaError TLV on read
}

// Hello carries one side's declared handshake parameters.
type Hello struct {
	Capabilities       uint16
	MaxPipeline        uint16
	BackendParallelism uint8 // Server side only
}

// Params holds the negotiated connection parameters.
type Params struct {
	Version            uint8
	Capabilities       uint16
	MaxPipeline        uint16
	BackendParallelism uint8
}

// HasCapability reports whether the negotiated set includes cap.
func (p Params) HasCapability(cap uint16) bool {
	return p.Capabilities&cap != 0
}

// Negotiate intersects the two declared parameter sets: capabilities are
// ANDed and the pipeline depth is the minimum of both sides.
func Negotiate(server, client Hello) Params {
	pipeline := server.MaxPipeline
	if client.MaxPipeline < pipeline {
		pipeline = client.MaxPipeline
	}
	return Params{
		Version:            Version2,
		Capabilities:       server.Capabilities & client.Capabilities,
		MaxPipeline:        pipeline,
		BackendParallelism: server.BackendParallelism,
	}
}

// StatusName returns the wire name for a status byte.
func StatusName(status uint8) string {
	return errors.Status(status).String()
}

// ModeName returns a human-readable name for an operation mode.
func ModeName(mode byte) string {
	switch mode {
	case ModeFDPass:
		return "fdpass"
	case ModeCopy:
		return "copy"
	case ModeSplice:
		return "splice"
	case ModeSegmented:
		return "segmented"
	default:
		return "unknown"
	}
}
