// Package executor defines the request and result types shared by the HTTP handlers
// and the upstream executor.
package executor

import (
	"context"
	"net/http"
)

// Request encapsulates one public generateContent call bound for the upstream.
type Request struct {
	// Model is the model segment of the public path, already normalised.
	Model string
	// Payload is the public request body, unmodified.
	Payload []byte
}

// Options controls execution behavior for both streaming and non-streaming calls.
type Options struct {
	// Stream toggles streaming mode.
	Stream bool
	// Alt carries the public alt query value. "" means server-sent events for streams.
	Alt string
	// Headers are the inbound request headers.
	Headers http.Header
}

// Response wraps a complete public-shaped response.
type Response struct {
	// Payload is the response body in the public shape.
	Payload []byte
	// Headers carries upstream HTTP response headers for passthrough to clients.
	Headers http.Header
}

// StreamChunk represents a single streaming payload unit.
type StreamChunk struct {
	// Payload is one public-shaped JSON chunk.
	Payload []byte
	// Err reports a terminal error encountered while producing chunks.
	Err error
}

// StreamResult wraps the streaming response, providing both the chunk channel
// and the upstream HTTP response headers captured before streaming begins.
type StreamResult struct {
	// Headers carries upstream HTTP response headers from the initial connection.
	Headers http.Header
	// Chunks is closed after the last chunk. It is unbuffered, so a slow reader
	// holds back reads from the upstream body.
	Chunks <-chan StreamChunk
}

// Executor runs generateContent calls against the upstream.
type Executor interface {
	Execute(ctx context.Context, req Request, opts Options) (Response, error)
	ExecuteStream(ctx context.Context, req Request, opts Options) (*StreamResult, error)
}

// StatusError represents an error that carries an HTTP-like status code.
type StatusError interface {
	error
	StatusCode() int
}
