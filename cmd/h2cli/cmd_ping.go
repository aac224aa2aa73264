package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"h2cli/conn"
	"h2cli/transport"
)

type PingCommand struct {
	Addr string `arg:"" required:"" help:"Server address (host:port)."`

	Count    int           `short:"c" default:"4" help:"Number of pings."`
	Interval time.Duration `default:"1s" help:"Delay between pings."`

	Insecure bool `short:"k" help:"Skip certificate verification."`
	Verbose  bool `short:"v" help:"Verbose output."`
}

func (c *PingCommand) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	netConn, err := transport.Dial(ctx, c.Addr, transport.Options{
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
		for i := 0; i < c.Count; i++ {
			if i > 0 {
				select {
				case <-time.After(c.Interval):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			rtt, err := cn.Ping(ctx)
			if err != nil {
				return fmt.Errorf("ping %d: %w", i+1, err)
			}
			fmt.Printf("ping %s: seq=%d time=%s\n", c.Addr, i+1, rtt.Round(time.Microsecond))
		}
		return nil
	})
	return g.Wait()
}
