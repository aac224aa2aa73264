package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"h2cli/conn"
	"h2cli/hpack"
	"h2cli/transport"
)

type GetCommand struct {
	URL string `arg:"" required:"" help:"Request URL (https only)."`

	Method  string        `default:"GET" help:"Request method."`
	Header  []string      `short:"H" help:"Extra header, 'name: value'. Repeatable."`
	Data    string        `short:"d" help:"Request body; implies POST unless --method given."`
	Timeout time.Duration `default:"30s" help:"Overall request timeout."`

	Insecure bool `short:"k" help:"Skip certificate verification."`
	Verbose  bool `short:"v" help:"Verbose output."`
}

func (c *GetCommand) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q, only https", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr += ":443"
	}

	fields, err := c.requestFields(u)
	if err != nil {
		return err
	}

	netConn, err := transport.Dial(ctx, addr, transport.Options{
		InsecureSkipVerify: c.Insecure,
	})
	if err != nil {
		return err
	}

	cn, err := conn.New(netConn, log, conn.DefaultConfig())
	if err != nil {
		return multierr.Append(err, netConn.Close())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cn.Run(ctx) })
	g.Go(func() error {
		defer cancel()
		return c.request(ctx, cn, fields)
	})
	return g.Wait()
}

func (c *GetCommand) request(ctx context.Context, cn *conn.Conn, fields []hpack.HeaderField) error {
	st, err := cn.OpenStream(fields, c.Data == "")
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer st.Close()

	if c.Data != "" {
		if err := st.SendData([]byte(c.Data), true); err != nil {
			return fmt.Errorf("send body: %w", err)
		}
	}

	headers, err := st.ReadHeaders(ctx)
	if err != nil {
		return fmt.Errorf("read response headers: %w", err)
	}
	for _, f := range headers {
		fmt.Printf("%s: %s\n", f.Name, f.Value)
	}
	fmt.Println()

	var total uint64
	start := time.Now()
	for {
		b, err := st.ReadData(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		total += uint64(len(b))
		if _, err := os.Stdout.Write(b); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "\n%s in %s\n", humanize.Bytes(total), time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *GetCommand) requestFields(u *url.URL) ([]hpack.HeaderField, error) {
	method := c.Method
	if c.Data != "" && method == "GET" {
		method = "POST"
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: u.Host},
		{Name: ":path", Value: path},
	}
	for _, h := range c.Header {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q, want 'name: value'", h)
		}
		fields = append(fields, hpack.HeaderField{
			Name:  strings.ToLower(strings.TrimSpace(name)),
			Value: strings.TrimSpace(value),
		})
	}
	return fields, nil
}
