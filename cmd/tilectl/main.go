// Command tilectl inspects tile containers, packs raw tiles into new ones and
// dumps streaming event logs.
package main

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"

	"tilestream.ai/internal/container"
)

var _ = reflect.TypeOf(options{})

type options struct {
	Container string `cli:"" env:"-" help:"Container to inspect."`
	Codec     string `cli:"" env:"-" help:"Codec of the container (zstd|lz4|lz4frame|raw)."`
	Tile      int    `cli:"" env:"-" help:"Tile to decode from the container. Negative prints the summary."`
	Channel   int    `cli:"" env:"-" help:"Channel of the tile to decode."`
	Pack      string `cli:"" env:"-" help:"Yaml manifest of raw tile files to pack."`
	Out       string `cli:"" env:"-" help:"Output path of the packed container."`
	Events    string `cli:"" env:"-" help:"Event log directory or file to dump."`
	Help      bool   `cli:"" env:"-" help:"Show help."`
}

func main() {
	opts := options{
		Codec: container.Zstd{}.Name(),
		Tile:  -1,
	}

	cli.Register().
		Help("Inspects and builds tile containers.").
		Options(&opts)
	cli.Load()

	if err := run(os.Stdout, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(w io.Writer, opts options) error {
	switch {
	case opts.Pack != "":
		if opts.Out == "" {
			return errors.New("missing -out for -pack")
		}
		return pack(w, opts.Pack, opts.Out)

	case opts.Events != "":
		return dumpEvents(w, opts.Events)

	case opts.Container != "":
		codec, err := container.CodecByName(opts.Codec)
		if err != nil {
			return err
		}
		store, err := container.OpenFile(opts.Container, codec)
		if err != nil {
			return err
		}
		if opts.Tile >= 0 {
			return decodeTile(w, store, opts.Tile, opts.Channel)
		}
		return inspect(w, store)

	default:
		return errors.New("nothing to do: use -container, -pack or -events")
	}
}
