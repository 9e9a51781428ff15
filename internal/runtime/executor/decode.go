package executor

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding advertises every coding decodeResponseBody understands.
const acceptEncoding = "gzip, deflate, br, zstd"

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var first error
	for _, closeFn := range d.closers {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeResponseBody wraps body with a streaming decoder for the Content-Encoding.
// Closing the result closes body. Unknown codings are an error.
func decodeResponseBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		reader, err := gzip.NewReader(body)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return &decodedBody{Reader: reader, closers: []func() error{reader.Close, body.Close}}, nil
	case "deflate":
		reader := flate.NewReader(body)
		return &decodedBody{Reader: reader, closers: []func() error{reader.Close, body.Close}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []func() error{body.Close}}, nil
	case "zstd":
		decoder, err := zstd.NewReader(body)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return &decodedBody{Reader: decoder, closers: []func() error{
			func() error { decoder.Close(); return nil },
			body.Close,
		}}, nil
	default:
		_ = body.Close()
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}
