package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTPClient defines the interface for an HTTP client
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the distinct upstream timeouts. ReadTimeout is an idle timeout
// renewed on every read, so a long generation never trips it while bytes are
// still flowing.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolTimeout    time.Duration
	MaxIdleConns   int
}

// New builds an *http.Client for upstream traffic. The client has no overall
// timeout; request lifetime is governed by the context and the per-connection
// deadlines.
func New(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: cfg.ReadTimeout, write: cfg.WriteTimeout}, nil
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.PoolTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: time.Second,
		// Bodies are decoded by DecodeBody so gzip, br and zstd share a path.
		DisableCompression: true,
	}

	return &http.Client{Transport: transport}
}

type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.read))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	return c.Conn.Write(b)
}

// ReadLimited reads at most limit bytes of r.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
