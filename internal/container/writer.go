package container

import (
	"io"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Writer assembles a container in memory. Payloads are compressed when set
// and laid out after the header in tile-major order.
type Writer struct {
	codec    Codec
	header   Header
	payloads [][]byte
}

func NewWriter(tileCount, channelCount int, codec Codec) *Writer {
	return &Writer{
		codec: codec,
		header: Header{
			TileCount:    tileCount,
			ChannelCount: channelCount,
			Ranges:       make([]DataRange, tileCount*channelCount),
		},
		payloads: make([][]byte, tileCount*channelCount),
	}
}

// Set compresses data as the payload of a tile channel. Empty data leaves
// the channel absent.
func (w *Writer) Set(tile, channel int, data []byte) error {
	if _, err := w.header.Range(tile, channel); err != nil {
		return err
	}

	i := tile*w.header.ChannelCount + channel
	if len(data) == 0 {
		w.payloads[i] = nil
		return nil
	}

	encoded, err := w.codec.Encode(data)
	if err != nil {
		return errors.New("encoding tile failed").
			WithTag("tile", tile).
			WithTag("channel", channel).
			Wrap(err)
	}
	w.payloads[i] = encoded
	return nil
}

// WriteTo writes the header followed by all payloads.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	offset := w.header.Size()
	for i, p := range w.payloads {
		if len(p) == 0 {
			w.header.Ranges[i] = DataRange{}
			continue
		}
		if offset+int64(len(p)) > math.MaxInt32 {
			return 0, errors.New("container exceeds 2GiB").
				WithType(ErrTypeCorrupt).
				WithTag("offset", offset)
		}

		w.header.Ranges[i] = DataRange{Start: int32(offset), Length: int32(len(p))}
		offset += int64(len(p))
	}

	written, err := w.header.WriteTo(out)
	if err != nil {
		return written, errors.New("writing container header failed").Wrap(err)
	}

	for _, p := range w.payloads {
		if len(p) == 0 {
			continue
		}
		n, err := out.Write(p)
		written += int64(n)
		if err != nil {
			return written, errors.New("writing container payload failed").Wrap(err)
		}
	}
	return written, nil
}
