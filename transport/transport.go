// Package transport dials the TLS connection an HTTP/2 session runs
// over.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"h2cli/consts"
)

// Options tunes Dial beyond the defaults.
type Options struct {
	// ServerName overrides the SNI name; empty derives it from addr.
	ServerName string
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
}

// Dial opens a TLS connection to addr (host:port) negotiating h2 via
// ALPN. Fails when the server does not speak HTTP/2.
func Dial(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	serverName := opts.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split host port: %w", err)
		}
		serverName = host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: consts.DefaultDialTimeout},
		Config: &tls.Config{
			ServerName:         serverName,
			NextProtos:         []string{"h2"},
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConn := conn.(*tls.Conn)
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		_ = conn.Close()
		return nil, fmt.Errorf("server did not negotiate h2 (got %q)", proto)
	}
	return conn, nil
}
