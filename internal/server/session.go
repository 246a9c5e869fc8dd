package server

import (
	stderr "errors"
	"io"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/internal/object"
	"github.com/objmapper/objmapper/internal/wire"
	"github.com/objmapper/objmapper/pkg/errors"
)

// deletePrefix routes deletions in the URI space: the tail after the
// prefix, with its leading slash restored, is the real object URI.
// "/deletex" (no slash) is not a delete.
const deletePrefix = "/delete/"

// inlineSegmentLimit is the largest body served as a single inline
// segment; bigger objects go out as a descriptor segment.
const inlineSegmentLimit = 4096

// session is the per-connection protocol state.
type session struct {
	server *Server
	conn   *wire.Conn
	params wire.Params
}

// serve runs the frame loop until the peer closes or a protocol error
// tears the connection down.
func (c *session) serve() {
	for {
		if c.params.Version == wire.Version1 {
			if !c.serveV1Frame() {
				return
			}
			continue
		}
		if !c.serveV2Frame() {
			return
		}
	}
}

func (c *session) serveV1Frame() bool {
	req, err := c.conn.ReadRequestV1()
	if err != nil {
		if err == io.EOF {
			return false
		}
		// A malformed or over-long request desynchronizes the stream:
		// answer with the status and drop the connection.
		c.sendError(0, errors.StatusOf(err), err.Error())
		return false
	}

	resp, terminal := c.dispatch(req)
	if err := c.conn.WriteResponseV1(resp); err != nil {
		c.closeResponseFDs(resp)
		return false
	}
	c.closeResponseFDs(resp)
	return !terminal
}

func (c *session) serveV2Frame() bool {
	msgType, err := c.conn.ReadMessageType()
	if err != nil {
		return false
	}

	switch msgType {
	case wire.MsgClose:
		if _, err := c.conn.ReadCloseBody(); err != nil {
			return false
		}
		// Requests are handled synchronously, so nothing is outstanding
		// by the time a close frame is read.
		_ = c.conn.WriteCloseAck(0)
		return false

	case wire.MsgRequest:
		req, err := c.conn.ReadRequestV2Body()
		if err != nil {
			c.sendError(0, errors.StatusOf(err), err.Error())
			return false
		}
		return c.handleV2Request(req)

	default:
		c.sendError(0, errors.StatusProtocolError, "unexpected message type")
		return false
	}
}

func (c *session) handleV2Request(req *wire.Request) bool {
	resp, terminal := c.dispatch(req)

	var err error
	if len(resp.Segments) > 0 {
		err = c.conn.WriteSegmentedResponse(resp)
	} else {
		err = c.conn.WriteResponseV2(resp, resp.FD >= 0)
	}
	c.closeResponseFDs(resp)
	if err != nil {
		return false
	}
	return !terminal
}

// dispatch classifies a request URI and executes it. The returned
// response owns any descriptors in it; terminal reports that the
// connection must drop after the response is sent.
func (c *session) dispatch(req *wire.Request) (resp *wire.Response, terminal bool) {
	start := time.Now()

	switch {
	case strings.HasPrefix(req.URI, deletePrefix):
		realURI := req.URI[len(deletePrefix)-1:]
		return c.handleDelete(req, realURI, start), false

	case req.URI == "/list" || strings.HasPrefix(req.URI, "/backend/"):
		return c.errorResponse(req.ID, errors.StatusUnsupportedOp,
			"LIST is disabled; use the management API"), false

	default:
		switch req.Mode {
		case wire.ModeFDPass:
			return c.handleFDPass(req, start), false
		case wire.ModeSegmented:
			// A segmented response on a connection that did not negotiate
			// the capability is a protocol violation: refuse and drop.
			if c.params.Version == wire.Version1 ||
				!c.params.HasCapability(wire.CapSegmentedDelivery) {
				return c.errorResponse(req.ID, errors.StatusCapabilityError,
					"segmented delivery not negotiated"), true
			}
			return c.handleSegmented(req, start), false
		case wire.ModeCopy, wire.ModeSplice:
			return c.errorResponse(req.ID, errors.StatusInvalidMode,
				"mode not supported on this server"), false
		default:
			return c.errorResponse(req.ID, errors.StatusInvalidMode,
				"unknown operation mode"), false
		}
	}
}

// handleFDPass resolves a plain request as open-or-create: an existing
// object is served, a missing one is created, and either way the client
// receives a descriptor opened read-write.
func (c *session) handleFDPass(req *wire.Request, start time.Time) *wire.Response {
	ref, op, status, opErr := c.openOrCreate(req.URI)
	if ref == nil {
		c.server.recordRequest(op, status.String(), start, 0, false)
		return c.errorResponse(req.ID, status, errText(opErr))
	}
	defer ref.Release()

	dupFD, err := ref.Dup()
	if err != nil {
		c.server.recordRequest(op, "INTERNAL_ERROR", start, 0, false)
		return c.errorResponse(req.ID, errors.StatusInternalError, "descriptor duplication failed")
	}

	e := ref.Entry()
	meta := c.buildMetadata(e, start)

	c.server.recordRequest(op, "OK", start, int64(e.Size()), true)
	if c.server.metrics != nil {
		c.server.metrics.RecordFDPass()
	}
	return &wire.Response{
		RequestID: req.ID,
		Status:    errors.StatusOK,
		FD:        dupFD,
		Metadata:  meta,
	}
}

// handleSegmented serves a request as a segmented response: small bodies
// inline, larger ones as a descriptor segment.
func (c *session) handleSegmented(req *wire.Request, start time.Time) *wire.Response {
	ref, op, status, opErr := c.openOrCreate(req.URI)
	if ref == nil {
		c.server.recordRequest(op, status.String(), start, 0, false)
		return c.errorResponse(req.ID, status, errText(opErr))
	}
	defer ref.Release()

	e := ref.Entry()
	size := e.Size()
	meta := c.buildMetadata(e, start)

	if size <= inlineSegmentLimit {
		body := make([]byte, size)
		if size > 0 {
			if _, err := unix.Pread(ref.FD(), body, 0); err != nil {
				c.server.recordRequest(op, "STORAGE_ERROR", start, 0, false)
				return c.errorResponse(req.ID, errors.StatusStorageError, "read failed")
			}
		}
		c.server.recordRequest(op, "OK", start, int64(size), true)
		return &wire.Response{
			RequestID: req.ID,
			Status:    errors.StatusOK,
			FD:        -1,
			Metadata:  meta,
			Segments: []wire.Segment{{
				Type:          wire.SegTypeInline,
				Flags:         wire.SegFlagFIN,
				CopyLength:    uint32(size),
				LogicalLength: size,
				InlineData:    body,
			}},
		}
	}

	dupFD, err := ref.Dup()
	if err != nil {
		c.server.recordRequest(op, "INTERNAL_ERROR", start, 0, false)
		return c.errorResponse(req.ID, errors.StatusInternalError, "descriptor duplication failed")
	}
	c.server.recordRequest(op, "OK", start, int64(size), true)
	if c.server.metrics != nil {
		c.server.metrics.RecordFDPass()
	}
	return &wire.Response{
		RequestID: req.ID,
		Status:    errors.StatusOK,
		FD:        -1,
		Metadata:  meta,
		Segments: []wire.Segment{{
			Type:          wire.SegTypeFD,
			Flags:         wire.SegFlagFIN,
			LogicalLength: size,
			StorageLength: size,
			FD:            dupFD,
			OwnsFD:        true,
		}},
	}
}

// openOrCreate implements the idempotent polarity rule: a lookup hit is a
// read, a miss creates the object and hands back its writable descriptor,
// so concurrent first requests for one URI agree on the outcome.
func (c *session) openOrCreate(uri string) (*index.Ref, metrics.OperationType, errors.Status, error) {
	// Refresh the size first so metadata reflects writes made through
	// descriptors handed out earlier.
	_ = c.server.store.SyncSize(uri)

	ref, err := c.server.store.Get(uri)
	if err == nil {
		return ref, metrics.OpGet, errors.StatusOK, nil
	}
	if errors.StatusOf(err) != errors.StatusNotFound {
		return nil, metrics.OpGet, errors.StatusOf(err), err
	}

	ref, err = c.server.store.Create(&object.CreateRequest{URI: uri, BackendHint: -1})
	if err != nil {
		return nil, metrics.OpPut, errors.StatusOf(err), err
	}
	return ref, metrics.OpPut, errors.StatusOK, nil
}

// errText flattens an error into the free-form message TLV, including
// the underlying errno description when one is attached.
func errText(err error) string {
	if err == nil {
		return "object unavailable"
	}
	var e *errors.Error
	if stderr.As(err, &e) && e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return err.Error()
}

func (c *session) handleDelete(req *wire.Request, uri string, start time.Time) *wire.Response {
	if err := c.server.store.Delete(uri); err != nil {
		status := errors.StatusOf(err)
		c.server.recordRequest(metrics.OpDelete, status.String(), start, 0, false)
		return c.errorResponse(req.ID, status, errText(err))
	}
	c.server.recordRequest(metrics.OpDelete, "OK", start, 0, true)
	return &wire.Response{RequestID: req.ID, Status: errors.StatusOK, FD: -1}
}

// buildMetadata assembles the response TLVs: size, mtime, backend id,
// payload descriptor when set, and the serve latency.
func (c *session) buildMetadata(e *index.Entry, start time.Time) []byte {
	var meta []byte
	meta = wire.AppendMetadataSize(meta, e.Size())
	meta = wire.AppendMetadataMtime(meta, e.Mtime())
	backendID, _ := e.Location()
	if backendID >= 0 && backendID <= 255 {
		meta = wire.AppendMetadataBackend(meta, uint8(backendID))
	}
	if d := e.Payload(); !d.IsZero() {
		meta = wire.AppendMetadataPayload(meta, d.Encode())
	}
	meta = wire.AppendMetadataLatency(meta, uint32(time.Since(start).Microseconds()))
	return meta
}

func (c *session) errorResponse(requestID uint32, status errors.Status, msg string) *wire.Response {
	if c.server.metrics != nil {
		c.server.metrics.RecordError("server", status.String())
	}
	var meta []byte
	if msg != "" {
		meta = wire.AppendMetadataError(meta, msg)
	}
	return &wire.Response{
		RequestID: requestID,
		Status:    status,
		FD:        -1,
		Metadata:  meta,
	}
}

// sendError emits a bare error frame in whichever protocol the
// connection speaks.
func (c *session) sendError(requestID uint32, status errors.Status, msg string) {
	resp := c.errorResponse(requestID, status, msg)
	if c.params.Version == wire.Version1 {
		_ = c.conn.WriteResponseV1(resp)
		return
	}
	_ = c.conn.WriteResponseV2(resp, false)
}

// closeResponseFDs releases the server-side descriptor copies once the
// frame (and its SCM_RIGHTS duplicates) is on the wire.
func (c *session) closeResponseFDs(resp *wire.Response) {
	if resp.FD >= 0 {
		unix.Close(resp.FD)
		resp.FD = -1
	}
	for i := range resp.Segments {
		seg := &resp.Segments[i]
		if seg.OwnsFD && seg.FD >= 0 {
			unix.Close(seg.FD)
			seg.FD = -1
		}
	}
}
