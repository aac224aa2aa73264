package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Get  GetCommand        `cmd:"" help:"Perform an HTTP/2 request and print the response."`
	Ping PingCommand       `cmd:"" help:"Measure HTTP/2 PING round-trip times."`
	Man  mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`standalone HTTP/2 client

h2cli speaks HTTP/2 over TLS with its own frame, HPACK and flow-control
implementation, useful for poking at servers frame by frame.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
