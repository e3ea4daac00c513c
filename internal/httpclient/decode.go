package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is sent upstream; DecodeBody understands every entry.
const AcceptEncoding = "gzip, br, zstd, deflate"

// DecodeBody wraps resp.Body according to its Content-Encoding. Closing the
// returned reader closes the underlying body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return &decodedBody{Reader: zr, closeFn: zr.Close, body: resp.Body}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return &decodedBody{Reader: zr, closeFn: func() error { zr.Close(); return nil }, body: resp.Body}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &decodedBody{Reader: fr, closeFn: fr.Close, body: resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

type decodedBody struct {
	io.Reader
	closeFn func() error
	body    io.Closer
}

func (d *decodedBody) Close() error {
	if d.closeFn != nil {
		_ = d.closeFn()
	}
	return d.body.Close()
}
