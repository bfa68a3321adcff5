package usekit

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// WithCompression asks servers for brotli or gzip bodies and decodes them.
func WithCompression() Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, DecompressionMiddleware)
	}
}

// DecompressionMiddleware advertises br and gzip and transparently decodes
// the response body. Setting Accept-Encoding turns off the transport's own
// gzip handling, so both encodings are handled here.
func DecompressionMiddleware(req *http.Request, next RoundTripper) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	resp, err := next.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	var body io.ReadCloser
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		body = &decodedBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		body = &decodedBody{Reader: zr, raw: resp.Body, closer: zr}
	default:
		return resp, nil
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type decodedBody struct {
	io.Reader
	raw    io.ReadCloser
	closer io.Closer
}

func (b *decodedBody) Close() error {
	if b.closer != nil {
		b.closer.Close()
	}
	return b.raw.Close()
}
