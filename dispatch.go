package weft

import (
	"context"
	"net/http"
	"time"
)

// PendingRequest is a fully-parsed HTTP request in flight between a
// Connection Task and the Executor Loop (spec §3 "Pending Request").
// Created by the Connection Task once a full request is parsed;
// destroyed after Reply is delivered. Reply is single-use: sending twice
// is a programming error, and dropping it without sending cancels the
// awaiting Connection Task.
type PendingRequest struct {
	Method     string
	Path       string
	RawQuery   string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	StartedAt  time.Time
	Reply      chan *Response

	// Upgrade performs the WebSocket upgrade handoff (spec §1 "WebSocket
	// framing beyond the upgrade handoff" is the only out-of-scope part)
	// against the Connection Task's own http.ResponseWriter/*http.Request,
	// which the Executor Loop never otherwise touches. Set by the
	// Connection Task before dispatch; nil for requests constructed
	// without a live HTTP connection behind them (e.g. tests).
	Upgrade func() (*WebSocketConn, error)

	// Upgraded is set by the Executor Loop once a handler's ctx.upgrade()
	// call succeeds, so processOne/reply know to skip the normal
	// response-writing path: the connection has already been handed off.
	Upgraded bool
}

// newPendingRequest returns a PendingRequest with a fresh, single-slot
// reply channel.
func newPendingRequest(method, path, rawQuery string, header http.Header, body []byte, remoteAddr string) *PendingRequest {
	return &PendingRequest{
		Method:     method,
		Path:       path,
		RawQuery:   rawQuery,
		Header:     header,
		Body:       body,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		Reply:      make(chan *Response, 1),
	}
}

// dispatchChannel is the bounded, multi-producer single-consumer queue of
// spec §4.4: Connection Tasks are the producers, the Executor Loop is the
// sole consumer. Per-producer FIFO is guaranteed by Go's channel
// semantics; global ordering is the channel's enqueue order.
type dispatchChannel struct {
	ch chan *PendingRequest
}

// newDispatchChannel returns a dispatchChannel with the given capacity
// (the Server Config's dispatch_channel_size, default 1024).
func newDispatchChannel(size int) *dispatchChannel {
	if size <= 0 {
		size = 1024
	}
	return &dispatchChannel{ch: make(chan *PendingRequest, size)}
}

// send enqueues pr, blocking for capacity (backpressure, spec §5) until
// ctx is done. A producer-side timeout should be modeled by giving ctx a
// deadline; on expiry the Connection Task writes 503 and closes (spec
// §4.4, §5).
func (d *dispatchChannel) send(ctx context.Context, pr *PendingRequest) error {
	select {
	case d.ch <- pr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close signals no further requests will be enqueued. The Executor Loop
// drains whatever remains before exiting (spec §4.4).
func (d *dispatchChannel) close() {
	close(d.ch)
}
