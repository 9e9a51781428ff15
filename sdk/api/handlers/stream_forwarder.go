package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
)

// sseKeepAlive is an SSE comment line; clients ignore it.
var sseKeepAlive = []byte(": keep-alive\n\n")

// StreamForwardOptions controls how ForwardStream frames the relayed stream. None of
// the write callbacks should flush; ForwardStream flushes after each one.
type StreamForwardOptions struct {
	// KeepAliveInterval overrides streaming.keepalive-seconds. A non-nil value <= 0
	// disables heartbeats.
	KeepAliveInterval *time.Duration

	// WriteChunk writes one upstream chunk.
	WriteChunk func(chunk []byte)

	// WriteTerminalError writes the error that ended a stream after the status line
	// was already sent.
	WriteTerminalError func(errMsg *interfaces.ErrorMessage)

	// WriteDone writes the trailer of a stream that ended cleanly.
	WriteDone func()

	// WriteKeepAlive writes a heartbeat. Defaults to an SSE comment.
	WriteKeepAlive func()
}

// streamRelay is the state of one ForwardStream call.
type streamRelay struct {
	c       *gin.Context
	flusher http.Flusher
	cancel  func(error)
	opts    StreamForwardOptions
}

func (r *streamRelay) flush() {
	if r.flusher != nil {
		r.flusher.Flush()
	}
}

// fail writes errMsg as the terminal frame and ends the relay.
func (r *streamRelay) fail(errMsg *interfaces.ErrorMessage) {
	if r.opts.WriteTerminalError != nil {
		r.opts.WriteTerminalError(errMsg)
	}
	r.flush()
	r.cancel(errMsg.Error)
}

// complete ends a relay whose data channel closed. An error the producer buffered
// just before closing still wins over a clean end.
func (r *streamRelay) complete(errs <-chan *interfaces.ErrorMessage) {
	select {
	case errMsg, ok := <-errs:
		if ok && errMsg != nil {
			r.fail(errMsg)
			return
		}
	default:
	}
	if r.opts.WriteDone != nil {
		r.opts.WriteDone()
	}
	r.flush()
	r.cancel(nil)
}

// ForwardStream relays chunks to the client, flushing after each one, until the data
// channel closes, an error arrives or the client goes away. cancel is called exactly
// once with the reason the stream ended.
func (h *BaseAPIHandler) ForwardStream(c *gin.Context, flusher http.Flusher, cancel func(error), data <-chan []byte, errs <-chan *interfaces.ErrorMessage, opts StreamForwardOptions) {
	if c == nil || cancel == nil {
		return
	}
	r := &streamRelay{c: c, flusher: flusher, cancel: cancel, opts: opts}
	if r.opts.WriteChunk == nil {
		r.opts.WriteChunk = func([]byte) {}
	}
	if r.opts.WriteKeepAlive == nil {
		r.opts.WriteKeepAlive = func() { _, _ = c.Writer.Write(sseKeepAlive) }
	}

	interval := StreamingKeepAliveInterval(h.Cfg)
	if opts.KeepAliveInterval != nil {
		interval = *opts.KeepAliveInterval
	}
	var heartbeat <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			cancel(c.Request.Context().Err())
			return
		case chunk, ok := <-data:
			if !ok {
				r.complete(errs)
				return
			}
			r.opts.WriteChunk(chunk)
			r.flush()
		case errMsg, ok := <-errs:
			if !ok {
				// Closed without an error; keep draining data.
				errs = nil
				continue
			}
			if errMsg == nil {
				cancel(nil)
				return
			}
			r.fail(errMsg)
			return
		case <-heartbeat:
			r.opts.WriteKeepAlive()
			r.flush()
		}
	}
}
