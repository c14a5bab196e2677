package main

import (
	"fmt"
	"io"

	"tilestream.ai/internal/container"
)

// inspect prints the counts of a container and the non empty ranges of each
// channel.
func inspect(w io.Writer, store *container.Store) error {
	hdr := store.Header()
	fmt.Fprintf(w, "tiles=%d channels=%d header_bytes=%d\n", hdr.TileCount, hdr.ChannelCount, hdr.Size())

	for ch := 0; ch < hdr.ChannelCount; ch++ {
		present, size := 0, int64(0)
		for tile := 0; tile < hdr.TileCount; tile++ {
			r, err := hdr.Range(tile, ch)
			if err != nil {
				return err
			}
			if r.Empty() {
				continue
			}
			present++
			size += int64(r.Length)
		}
		fmt.Fprintf(w, "channel=%d present=%d empty=%d bytes=%d\n", ch, present, hdr.TileCount-present, size)

		for tile := 0; tile < hdr.TileCount; tile++ {
			r, _ := hdr.Range(tile, ch)
			if r.Empty() {
				continue
			}
			fmt.Fprintf(w, "  tile=%d start=%d length=%d\n", tile, r.Start, r.Length)
		}
	}
	return nil
}

func decodeTile(w io.Writer, store *container.Store, tile, channel int) error {
	if err := store.Open(); err != nil {
		return err
	}
	defer store.Close()

	data, ok, err := store.ReadTile(tile, channel)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "tile=%d channel=%d absent\n", tile, channel)
		return nil
	}
	fmt.Fprintf(w, "tile=%d channel=%d codec=%s decoded=%d\n", tile, channel, store.Codec().Name(), len(data))
	return nil
}
