// Package client is the objmapper client library: connect over the Unix
// socket, negotiate V1 or V2, send requests, and correlate responses in
// order or out of order. Received descriptors are owned by the returned
// responses until the caller takes them.
package client

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/wire"
	"github.com/objmapper/objmapper/pkg/errors"
	"github.com/objmapper/objmapper/pkg/retry"
)

// Capability and mode constants re-exported for callers.
const (
	CapOOOReplies        = wire.CapOOOReplies
	CapPipelining        = wire.CapPipelining
	CapSegmentedDelivery = wire.CapSegmentedDelivery

	ModeFDPass    = wire.ModeFDPass
	ModeSegmented = wire.ModeSegmented

	CloseNormal   = wire.CloseNormal
	CloseShutdown = wire.CloseShutdown
)

// Request is an outbound request.
type Request = wire.Request

// Response is an inbound response. Close releases any descriptors still
// owned by it.
type Response struct {
	*wire.Response
}

// TakeFD moves the response's descriptor to the caller.
func (r *Response) TakeFD() int {
	fd := r.FD
	r.FD = -1
	return fd
}

// Close releases descriptors the caller did not take.
func (r *Response) Close() {
	if r.Response == nil {
		return
	}
	if r.FD >= 0 {
		unix.Close(r.FD)
		r.FD = -1
	}
	for i := range r.Segments {
		seg := &r.Segments[i]
		if seg.OwnsFD && seg.FD >= 0 {
			unix.Close(seg.FD)
			seg.FD = -1
		}
	}
}

// Err translates a non-OK response status into a Go error.
func (r *Response) Err() error {
	if r.Status == errors.StatusOK {
		return nil
	}
	return errors.FromStatus(r.Status, r.ErrorMsg)
}

type pendingRequest struct {
	mode     byte
	expectFD bool
}

// Client is one connection to the daemon. All socket access is serialized
// internally; a single Client may be shared across goroutines when
// pipelining is negotiated.
type Client struct {
	mu     sync.Mutex
	conn   *wire.Conn
	params wire.Params

	nextID  uint32
	pending map[uint32]pendingRequest
	parked  map[uint32]*wire.Response
	// v1Queue tracks expect-FD polarity for the ordered protocol.
	v1Queue []pendingRequest

	closed bool
}

// Connect dials the daemon's Unix socket, retrying transient failures
// with backoff. The connection speaks V1 until Hello upgrades it.
func Connect(ctx context.Context, socketPath string) (*Client, error) {
	var fd int
	retryer := retry.New(retry.DefaultConfig()).WithMaxAttempts(3)
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return errors.New(errors.StatusInternalError, "socket").WithCause(err)
		}
		if err := unix.Connect(sock, &unix.SockaddrUnix{Name: socketPath}); err != nil {
			unix.Close(sock)
			return errors.Newf(errors.StatusUnavailable, "connect %s", socketPath).
				WithCause(err)
		}
		fd = sock
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:    wire.NewConn(fd),
		params:  wire.Params{Version: wire.Version1, MaxPipeline: 1},
		nextID:  1,
		pending: make(map[uint32]pendingRequest),
		parked:  make(map[uint32]*wire.Response),
	}, nil
}

// Hello performs the V2 handshake, declaring the client's capabilities
// and pipeline depth, and returns the negotiated parameters.
func (c *Client) Hello(capabilities uint16, maxPipeline uint16) (wire.Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteHello(wire.Hello{
		Capabilities: capabilities,
		MaxPipeline:  maxPipeline,
	}); err != nil {
		return wire.Params{}, err
	}
	ack, err := c.conn.ReadHelloAck()
	if err != nil {
		return wire.Params{}, err
	}

	c.params = wire.Params{
		Version:            wire.Version2,
		Capabilities:       ack.Capabilities & capabilities,
		MaxPipeline:        minPipeline(ack.MaxPipeline, maxPipeline),
		BackendParallelism: ack.BackendParallelism,
	}
	return c.params, nil
}

func minPipeline(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// Params returns the negotiated connection parameters.
func (c *Client) Params() wire.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// expectsFD reports whether an OK zero-content response to this request
// carries a descriptor: FD-pass mode on a plain object URI.
func expectsFD(req *Request) bool {
	if req.Mode != wire.ModeFDPass {
		return false
	}
	if strings.HasPrefix(req.URI, "/delete/") {
		return false
	}
	if req.URI == "/list" || strings.HasPrefix(req.URI, "/backend/") {
		return false
	}
	return true
}

// SendRequest transmits one request and returns its id (0 on V1).
func (c *Client) SendRequest(req *Request) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errors.New(errors.StatusUnavailable, "connection closed")
	}

	if c.params.Version == wire.Version1 {
		if err := c.conn.WriteRequestV1(req); err != nil {
			return 0, err
		}
		c.v1Queue = append(c.v1Queue, pendingRequest{mode: req.Mode, expectFD: expectsFD(req)})
		return 0, nil
	}

	if len(c.pending) >= int(c.params.MaxPipeline) {
		return 0, errors.Newf(errors.StatusInvalidRequest,
			"pipeline depth %d exceeded", c.params.MaxPipeline)
	}

	if req.ID == 0 {
		req.ID = c.nextID
		c.nextID++
	}
	if err := c.conn.WriteRequestV2(req); err != nil {
		return 0, err
	}
	c.pending[req.ID] = pendingRequest{mode: req.Mode, expectFD: expectsFD(req)}
	return req.ID, nil
}

// RecvResponse returns the next response off the wire, in arrival order.
func (c *Client) RecvResponse() (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvLocked()
}

// RecvResponseFor returns the response for a specific request id: an
// already-parked response is returned immediately, otherwise frames are
// drained (parking intermediates) until the wanted id arrives.
func (c *Client) RecvResponseFor(requestID uint32) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp, ok := c.parked[requestID]; ok {
		delete(c.parked, requestID)
		return &Response{Response: resp}, nil
	}
	if c.params.Version == wire.Version1 {
		return nil, errors.New(errors.StatusInvalidRequest,
			"response correlation requires the V2 protocol")
	}

	for {
		resp, err := c.readFrameLocked()
		if err != nil {
			return nil, err
		}
		if resp.RequestID == requestID {
			delete(c.pending, resp.RequestID)
			return &Response{Response: resp}, nil
		}
		delete(c.pending, resp.RequestID)
		c.parked[resp.RequestID] = resp
	}
}

func (c *Client) recvLocked() (*Response, error) {
	if c.params.Version == wire.Version1 {
		if len(c.v1Queue) == 0 {
			return nil, errors.New(errors.StatusInvalidRequest, "no request outstanding")
		}
		head := c.v1Queue[0]
		c.v1Queue = c.v1Queue[1:]
		resp, err := c.conn.ReadResponseV1(head.expectFD)
		if err != nil {
			return nil, err
		}
		return &Response{Response: resp}, nil
	}

	// Return any parked response first, oldest id wins.
	if len(c.parked) > 0 {
		var minID uint32
		for id := range c.parked {
			if minID == 0 || id < minID {
				minID = id
			}
		}
		resp := c.parked[minID]
		delete(c.parked, minID)
		return &Response{Response: resp}, nil
	}

	resp, err := c.readFrameLocked()
	if err != nil {
		return nil, err
	}
	delete(c.pending, resp.RequestID)
	return &Response{Response: resp}, nil
}

// readFrameLocked reads one V2 response or segmented-response frame.
func (c *Client) readFrameLocked() (*wire.Response, error) {
	for {
		msgType, err := c.conn.ReadMessageType()
		if err != nil {
			return nil, err
		}
		switch msgType {
		case wire.MsgResponse:
			return c.conn.ReadResponseV2Body(func(id uint32) bool {
				return c.pending[id].expectFD
			})
		case wire.MsgSegmentedResponse:
			return c.conn.ReadSegmentedResponseBody()
		case wire.MsgCloseAck:
			if _, err := c.conn.ReadCloseAckBody(); err != nil {
				return nil, err
			}
			return nil, errors.New(errors.StatusUnavailable, "connection closing")
		default:
			return nil, errors.Newf(errors.StatusProtocolError,
				"unexpected message type %d", msgType)
		}
	}
}

// Close performs the graceful close handshake (V2) and releases the
// socket. Safe to call twice.
func (c *Client) Close(reason uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.params.Version == wire.Version2 {
		if err := c.conn.WriteClose(reason); err == nil {
			// Drain until the close-ack; park stragglers so their
			// descriptors are not leaked into the ether.
			for {
				msgType, err := c.conn.ReadMessageType()
				if err != nil {
					break
				}
				if msgType == wire.MsgCloseAck {
					_, _ = c.conn.ReadCloseAckBody()
					break
				}
				if msgType == wire.MsgResponse {
					resp, err := c.conn.ReadResponseV2Body(func(id uint32) bool {
						return c.pending[id].expectFD
					})
					if err != nil {
						break
					}
					r := &Response{Response: resp}
					r.Close()
					continue
				}
				break
			}
		}
	}

	// Unread parked responses own descriptors; drop them.
	for id, resp := range c.parked {
		r := &Response{Response: resp}
		r.Close()
		delete(c.parked, id)
	}

	return c.conn.Close()
}
