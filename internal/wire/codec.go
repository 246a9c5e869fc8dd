package wire

import (
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/fdpass"
	"github.com/objmapper/objmapper/pkg/errors"
)

// Conn frames protocol messages over a connected Unix-domain stream socket.
// It owns no locking: the server serializes writes per connection and the
// client library guards the socket with its own mutex.
type Conn struct {
	fd     int
	peeked []byte
}

// NewConn wraps an already-connected socket descriptor. The caller retains
// ownership of the descriptor.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd returns the underlying socket descriptor.
func (c *Conn) Fd() int {
	return c.fd
}

// PeekByte returns the next byte in the stream without consuming it.
// Used by the server to detect V1 clients, which start talking without
// a handshake.
func (c *Conn) PeekByte() (byte, error) {
	if len(c.peeked) > 0 {
		return c.peeked[0], nil
	}
	buf := make([]byte, 1)
	if err := c.readRaw(buf); err != nil {
		return 0, err
	}
	c.peeked = buf
	return buf[0], nil
}

func (c *Conn) readRaw(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Read(c.fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
		off += n
	}
	return nil
}

// ReadFull fills buf from the stream, consuming any peeked byte first.
func (c *Conn) ReadFull(buf []byte) error {
	off := 0
	if len(c.peeked) > 0 && len(buf) > 0 {
		off = copy(buf, c.peeked)
		c.peeked = c.peeked[off:]
	}
	return c.readRaw(buf[off:])
}

// WriteFull writes all of buf to the stream.
func (c *Conn) WriteFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(c.fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		off += n
	}
	return nil
}

// WriteFD transmits a descriptor as an SCM_RIGHTS frame.
func (c *Conn) WriteFD(fd int) error {
	return fdpass.Send(c.fd, fd, 'X')
}

// ReadFD receives a descriptor from an SCM_RIGHTS frame. The returned
// descriptor is owned by the caller.
func (c *Conn) ReadFD() (int, error) {
	fd, _, err := fdpass.Recv(c.fd)
	return fd, err
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

/* ---- Handshake frames ---- */

// WriteHello sends the 9-byte V2 client hello.
func (c *Conn) WriteHello(h Hello) error {
	buf := make([]byte, HelloSize)
	copy(buf[0:4], Magic)
	buf[4] = Version2
	binary.BigEndian.PutUint16(buf[5:7], h.Capabilities)
	binary.BigEndian.PutUint16(buf[7:9], h.MaxPipeline)
	return c.WriteFull(buf)
}

// ReadHello reads and validates a V2 client hello.
func (c *Conn) ReadHello() (Hello, error) {
	buf := make([]byte, HelloSize)
	if err := c.ReadFull(buf); err != nil {
		return Hello{}, err
	}
	if string(buf[0:4]) != Magic {
		return Hello{}, errors.New(errors.StatusProtocolError, "bad hello magic")
	}
	if buf[4] != Version2 {
		return Hello{}, errors.Newf(errors.StatusVersionMismatch,
			"unsupported protocol version %d", buf[4])
	}
	return Hello{
		Capabilities: binary.BigEndian.Uint16(buf[5:7]),
		MaxPipeline:  binary.BigEndian.Uint16(buf[7:9]),
	}, nil
}

// WriteHelloAck sends the 10-byte server hello acknowledgment.
func (c *Conn) WriteHelloAck(h Hello) error {
	buf := make([]byte, HelloAckSize)
	copy(buf[0:4], Magic)
	buf[4] = Version2
	binary.BigEndian.PutUint16(buf[5:7], h.Capabilities)
	binary.BigEndian.PutUint16(buf[7:9], h.MaxPipeline)
	buf[9] = h.BackendParallelism
	return c.WriteFull(buf)
}

// ReadHelloAck reads and validates the server hello acknowledgment.
func (c *Conn) ReadHelloAck() (Hello, error) {
	buf := make([]byte, HelloAckSize)
	if err := c.ReadFull(buf); err != nil {
		return Hello{}, err
	}
	if string(buf[0:4]) != Magic {
		return Hello{}, errors.New(errors.StatusProtocolError, "bad hello-ack magic")
	}
	if buf[4] != Version2 {
		return Hello{}, errors.Newf(errors.StatusVersionMismatch,
			"unsupported protocol version %d", buf[4])
	}
	return Hello{
		Capabilities:       binary.BigEndian.Uint16(buf[5:7]),
		MaxPipeline:        binary.BigEndian.Uint16(buf[7:9]),
		BackendParallelism: buf[9],
	}, nil
}

/* ---- V1 frames ---- */

// WriteRequestV1 sends a V1 request: mode, uri_len, uri.
func (c *Conn) WriteRequestV1(req *Request) error {
	if len(req.URI) > MaxURILength {
		return errors.Newf(errors.StatusURITooLong, "uri is %d bytes", len(req.URI))
	}
	buf := make([]byte, V1RequestHeaderSize+len(req.URI))
	buf[0] = req.Mode
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(req.URI)))
	copy(buf[3:], req.URI)
	return c.WriteFull(buf)
}

// ReadRequestV1 reads a V1 request. An over-long URI is rejected before
// its body is read.
func (c *Conn) ReadRequestV1() (*Request, error) {
	header := make([]byte, V1RequestHeaderSize)
	if err := c.ReadFull(header); err != nil {
		return nil, err
	}
	uriLen := int(binary.BigEndian.Uint16(header[1:3]))
	if uriLen > MaxURILength {
		return nil, errors.Newf(errors.StatusURITooLong, "uri is %d bytes", uriLen)
	}
	uri := make([]byte, uriLen)
	if err := c.ReadFull(uri); err != nil {
		return nil, err
	}
	return &Request{Mode: header[0], URI: string(uri)}, nil
}

// WriteResponseV1 sends a V1 response: header, metadata, then the
// descriptor (FD-pass) or inline content.
func (c *Conn) WriteResponseV1(resp *Response) error {
	buf := make([]byte, V1ResponseHeaderSize, V1ResponseHeaderSize+len(resp.Metadata))
	buf[0] = uint8(resp.Status)
	binary.BigEndian.PutUint64(buf[1:9], resp.ContentLen)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(resp.Metadata)))
	buf = append(buf, resp.Metadata...)
	if err := c.WriteFull(buf); err != nil {
		return err
	}
	if resp.Status == errors.StatusOK {
		if resp.ContentLen == 0 && resp.FD >= 0 {
			return c.WriteFD(resp.FD)
		}
		if resp.ContentLen > 0 {
			return c.WriteFull(resp.Content)
		}
	}
	return nil
}

// ReadResponseV1 reads a V1 response. expectFD tells the codec whether an
// SCM_RIGHTS frame follows an OK zero-content header (true for FD-pass
// requests).
func (c *Conn) ReadResponseV1(expectFD bool) (*Response, error) {
	header := make([]byte, V1ResponseHeaderSize)
	if err := c.ReadFull(header); err != nil {
		return nil, err
	}
	resp := &Response{
		Status:     errors.Status(header[0]),
		ContentLen: binary.BigEndian.Uint64(header[1:9]),
		FD:         -1,
	}
	metaLen := int(binary.BigEndian.Uint16(header[9:11]))
	if metaLen > 0 {
		resp.Metadata = make([]byte, metaLen)
		if err := c.ReadFull(resp.Metadata); err != nil {
			return nil, err
		}
		c.decodeErrorMsg(resp)
	}
	if resp.Status == errors.StatusOK {
		if resp.ContentLen == 0 && expectFD {
			fd, err := c.ReadFD()
			if err != nil {
				return nil, err
			}
			resp.FD = fd
		} else if resp.ContentLen > 0 {
			resp.Content = make([]byte, resp.ContentLen)
			if err := c.ReadFull(resp.Content); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

/* ---- V2 frames ---- */

// ReadMessageType consumes and returns the next message-type byte.
func (c *Conn) ReadMessageType() (uint8, error) {
	buf := make([]byte, 1)
	if err := c.ReadFull(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteRequestV2 sends a V2 request frame.
func (c *Conn) WriteRequestV2(req *Request) error {
	if len(req.URI) > MaxURILength {
		return errors.Newf(errors.StatusURITooLong, "uri is %d bytes", len(req.URI))
	}
	buf := make([]byte, V2RequestHeaderSize+len(req.URI))
	buf[0] = MsgRequest
	binary.BigEndian.PutUint32(buf[1:5], req.ID)
	buf[5] = req.Flags
	buf[6] = req.Mode
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(req.URI)))
	copy(buf[9:], req.URI)
	return c.WriteFull(buf)
}

// ReadRequestV2Body reads a V2 request after its message-type byte has
// been consumed.
func (c *Conn) ReadRequestV2Body() (*Request, error) {
	header := make([]byte, V2RequestHeaderSize-1)
	if err := c.ReadFull(header); err != nil {
		return nil, err
	}
	req := &Request{
		ID:    binary.BigEndian.Uint32(header[0:4]),
		Flags: header[4],
		Mode:  header[5],
	}
	uriLen := int(binary.BigEndian.Uint16(header[6:8]))
	if uriLen > MaxURILength {
		return nil, errors.Newf(errors.StatusURITooLong, "uri is %d bytes", uriLen)
	}
	uri := make([]byte, uriLen)
	if err := c.ReadFull(uri); err != nil {
		return nil, err
	}
	req.URI = string(uri)
	return req, nil
}

// WriteResponseV2 sends a V2 response frame. passFD controls whether the
// descriptor accompanies an OK zero-content response.
func (c *Conn) WriteResponseV2(resp *Response, passFD bool) error {
	buf := make([]byte, V2ResponseHeaderSize, V2ResponseHeaderSize+len(resp.Metadata))
	buf[0] = MsgResponse
	binary.BigEndian.PutUint32(buf[1:5], resp.RequestID)
	buf[5] = uint8(resp.Status)
	binary.BigEndian.PutUint64(buf[6:14], resp.ContentLen)
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(resp.Metadata)))
	buf = append(buf, resp.Metadata...)
	if err := c.WriteFull(buf); err != nil {
		return err
	}
	if resp.Status == errors.StatusOK {
		if resp.ContentLen == 0 && passFD && resp.FD >= 0 {
			return c.WriteFD(resp.FD)
		}
		if resp.ContentLen > 0 {
			return c.WriteFull(resp.Content)
		}
	}
	return nil
}

// ReadResponseV2Body reads a V2 response after its message-type byte.
// expectFD reports, for the response's request id, whether the request
// was FD-pass mode so the trailing SCM_RIGHTS frame is consumed.
func (c *Conn) ReadResponseV2Body(expectFD func(requestID uint32) bool) (*Response, error) {
	header := make([]byte, V2ResponseHeaderSize-1)
	if err := c.ReadFull(header); err != nil {
		return nil, err
	}
	resp := &Response{
		RequestID:  binary.BigEndian.Uint32(header[0:4]),
		Status:     errors.Status(header[4]),
		ContentLen: binary.BigEndian.Uint64(header[5:13]),
		FD:         -1,
	}
	metaLen := int(binary.BigEndian.Uint16(header[13:15]))
	if metaLen > 0 {
		resp.Metadata = make([]byte, metaLen)
		if err := c.ReadFull(resp.Metadata); err != nil {
			return nil, err
		}
		c.decodeErrorMsg(resp)
	}
	if resp.Status == errors.StatusOK {
		if resp.ContentLen == 0 && expectFD != nil && expectFD(resp.RequestID) {
			fd, err := c.ReadFD()
			if err != nil {
				return nil, err
			}
			resp.FD = fd
		} else if resp.ContentLen > 0 {
			resp.Content = make([]byte, resp.ContentLen)
			if err := c.ReadFull(resp.Content); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// WriteSegmentedResponse sends a segmented V2 response: fixed header,
// metadata, the segment table, inline bytes in table order, then one
// SCM_RIGHTS frame per descriptor-bearing segment.
func (c *Conn) WriteSegmentedResponse(resp *Response) error {
	if err := ValidateSegments(resp.Segments); err != nil {
		return err
	}
	buf := make([]byte, SegmentedHeaderSize,
		SegmentedHeaderSize+len(resp.Metadata)+SegmentHeaderSize*len(resp.Segments))
	buf[0] = MsgSegmentedResponse
	binary.BigEndian.PutUint32(buf[1:5], resp.RequestID)
	buf[5] = uint8(resp.Status)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(resp.Segments)))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(resp.Metadata)))
	buf = append(buf, resp.Metadata...)

	var header [SegmentHeaderSize]byte
	for i := range resp.Segments {
		resp.Segments[i].encodeHeader(header[:])
		buf = append(buf, header[:]...)
	}
	for i := range resp.Segments {
		seg := &resp.Segments[i]
		if seg.Type == SegTypeInline {
			buf = append(buf, seg.InlineData[:seg.CopyLength]...)
		}
	}
	if err := c.WriteFull(buf); err != nil {
		return err
	}
	for i := range resp.Segments {
		seg := &resp.Segments[i]
		if seg.NeedsFD() {
			if err := c.WriteFD(seg.FD); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSegmentedResponseBody reads a segmented response after its
// message-type byte. Received descriptors are owned by the response.
func (c *Conn) ReadSegmentedResponseBody() (*Response, error) {
	header := make([]byte, SegmentedHeaderSize-1)
	if err := c.ReadFull(header); err != nil {
		return nil, err
	}
	resp := &Response{
		RequestID: binary.BigEndian.Uint32(header[0:4]),
		Status:    errors.Status(header[4]),
		FD:        -1,
	}
	segmentCount := int(binary.BigEndian.Uint16(header[5:7]))
	metaLen := int(binary.BigEndian.Uint16(header[7:9]))
	if segmentCount > MaxSegments {
		return nil, errors.Newf(errors.StatusProtocolError,
			"segment count %d exceeds limit %d", segmentCount, MaxSegments)
	}
	if metaLen > 0 {
		resp.Metadata = make([]byte, metaLen)
		if err := c.ReadFull(resp.Metadata); err != nil {
			return nil, err
		}
		c.decodeErrorMsg(resp)
	}

	segBuf := make([]byte, SegmentHeaderSize*segmentCount)
	if err := c.ReadFull(segBuf); err != nil {
		return nil, err
	}
	resp.Segments = make([]Segment, segmentCount)
	for i := 0; i < segmentCount; i++ {
		resp.Segments[i] = decodeSegmentHeader(segBuf[i*SegmentHeaderSize:])
	}
	if err := ValidateSegments(resp.Segments); err != nil {
		return nil, err
	}

	for i := range resp.Segments {
		seg := &resp.Segments[i]
		if seg.Type == SegTypeInline && seg.CopyLength > 0 {
			seg.InlineData = make([]byte, seg.CopyLength)
			if err := c.ReadFull(seg.InlineData); err != nil {
				return nil, err
			}
		}
	}
	lastFD := -1
	for i := range resp.Segments {
		seg := &resp.Segments[i]
		switch {
		case seg.NeedsFD():
			fd, err := c.ReadFD()
			if err != nil {
				return nil, err
			}
			seg.FD = fd
			seg.OwnsFD = true
			lastFD = fd
		case seg.Type == SegTypeFD || seg.Type == SegTypeSplice:
			seg.FD = lastFD
		}
	}
	resp.ContentLen = 0
	return resp, nil
}

/* ---- Close handshake ---- */

// WriteClose sends a close frame with the given reason.
func (c *Conn) WriteClose(reason uint8) error {
	return c.WriteFull([]byte{MsgClose, reason})
}

// ReadCloseBody reads the reason byte after a close message type.
func (c *Conn) ReadCloseBody() (uint8, error) {
	buf := make([]byte, 1)
	if err := c.ReadFull(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteCloseAck sends a close acknowledgment with the count of responses
// still outstanding.
func (c *Conn) WriteCloseAck(outstanding uint32) error {
	buf := make([]byte, CloseAckSize)
	buf[0] = MsgCloseAck
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[2:6], outstanding)
	return c.WriteFull(buf)
}

// ReadCloseAckBody reads a close acknowledgment after its message type.
func (c *Conn) ReadCloseAckBody() (uint32, error) {
	buf := make([]byte, CloseAckSize-1)
	if err := c.ReadFull(buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[1:5]), nil
}

func (c *Conn) decodeErrorMsg(resp *Response) {
	if resp.Status == errors.StatusOK {
		return
	}
	entries, err := ParseMetadata(resp.Metadata)
	if err != nil {
		return
	}
	if msg, ok := MetadataError(entries); ok {
		resp.ErrorMsg = msg
	}
}
