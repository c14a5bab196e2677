// Package container reads and writes interleaved tile containers: a table of
// byte ranges indexed by tile and channel followed by independently
// compressed channel payloads.
package container

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeNotSeekable     = "stream-not-seekable"
	ErrTypeCorrupt         = "container-corrupt"
	ErrTypeIndexOutOfRange = "tile-index-out-of-range"
	ErrTypeClosed          = "channel-closed"
)

const (
	headerFixedSize  = 8
	dataRangeSize    = 8
	maxHeaderEntries = 1 << 26
)

// DataRange locates the compressed bytes of one tile channel. A zero length
// means the tile has no data on that channel.
type DataRange struct {
	Start  int32
	Length int32
}

func (r DataRange) Empty() bool {
	return r.Length == 0
}

// Header is the range table at the head of a container.
type Header struct {
	TileCount    int
	ChannelCount int
	Ranges       []DataRange
}

// Size returns the encoded size of the header in bytes.
func (h *Header) Size() int64 {
	return headerFixedSize + int64(len(h.Ranges))*dataRangeSize
}

// Range returns the data range of a tile channel.
func (h *Header) Range(tile, channel int) (DataRange, error) {
	if tile < 0 || tile >= h.TileCount || channel < 0 || channel >= h.ChannelCount {
		return DataRange{}, errors.New("tile index out of range").
			WithType(ErrTypeIndexOutOfRange).
			WithTag("tile", tile).
			WithTag("channel", channel).
			WithTag("tile_count", h.TileCount).
			WithTag("channel_count", h.ChannelCount)
	}
	return h.Ranges[tile*h.ChannelCount+channel], nil
}

// ReadHeader decodes the range table.
func ReadHeader(r io.Reader) (*Header, error) {
	var fixed [headerFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, errors.New("reading container header failed").
			WithType(ErrTypeCorrupt).
			Wrap(err)
	}

	tileCount := int(int32(binary.LittleEndian.Uint32(fixed[0:4])))
	channelCount := int(int32(binary.LittleEndian.Uint32(fixed[4:8])))
	if tileCount < 0 || channelCount < 0 || int64(tileCount)*int64(channelCount) > maxHeaderEntries {
		return nil, errors.New("invalid container dimensions").
			WithType(ErrTypeCorrupt).
			WithTag("tile_count", tileCount).
			WithTag("channel_count", channelCount)
	}

	raw := make([]byte, tileCount*channelCount*dataRangeSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.New("reading container range table failed").
			WithType(ErrTypeCorrupt).
			Wrap(err)
	}

	h := &Header{
		TileCount:    tileCount,
		ChannelCount: channelCount,
		Ranges:       make([]DataRange, tileCount*channelCount),
	}
	for i := range h.Ranges {
		h.Ranges[i] = DataRange{
			Start:  int32(binary.LittleEndian.Uint32(raw[i*dataRangeSize:])),
			Length: int32(binary.LittleEndian.Uint32(raw[i*dataRangeSize+4:])),
		}
		if h.Ranges[i].Start < 0 || h.Ranges[i].Length < 0 {
			return nil, errors.New("negative data range").
				WithType(ErrTypeCorrupt).
				WithTag("entry", i)
		}
	}
	return h, nil
}

// WriteTo encodes the range table.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, h.Size())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(h.TileCount)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(h.ChannelCount)))
	for _, r := range h.Ranges {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Start))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Length))
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// Opener opens the underlying container stream. The returned stream must
// implement io.Seeker.
type Opener func() (io.ReadCloser, error)

// FileOpener opens the container at path.
func FileOpener(path string) Opener {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

type readSeekCloser interface {
	io.ReadSeeker
	io.Closer
}

// Store gives reference counted access to a container. The stream is opened
// by the first Open and closed by the last Close. Seek and read of one
// payload happen under a single lock; decoding does not.
type Store struct {
	open   Opener
	codec  Codec
	header *Header

	mu     sync.Mutex
	refs   int
	stream readSeekCloser
}

// NewStore opens the container once to read its header and verify that the
// stream is seekable, then closes it again.
func NewStore(open Opener, codec Codec) (*Store, error) {
	s := &Store{
		open:  open,
		codec: codec,
	}

	stream, err := s.openStream()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if s.header, err = ReadHeader(stream); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenFile returns a store over the container file at path.
func OpenFile(path string, codec Codec) (*Store, error) {
	s, err := NewStore(FileOpener(path), codec)
	if err != nil {
		return nil, errors.New("opening container failed").
			WithTag("path", path).
			Wrap(err)
	}
	return s, nil
}

func (s *Store) openStream() (readSeekCloser, error) {
	rc, err := s.open()
	if err != nil {
		return nil, errors.New("opening container stream failed").Wrap(err)
	}

	stream, ok := rc.(readSeekCloser)
	if !ok {
		rc.Close()
		return nil, errors.New("container stream is not seekable").
			WithType(ErrTypeNotSeekable)
	}
	return stream, nil
}

func (s *Store) Header() *Header {
	return s.header
}

func (s *Store) Codec() Codec {
	return s.codec
}

// Open acquires a reference to the underlying stream.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		stream, err := s.openStream()
		if err != nil {
			return err
		}
		s.stream = stream
	}
	s.refs++
	return nil
}

// Close releases a reference acquired by Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return errors.New("container store is not open").WithType(ErrTypeClosed)
	}

	s.refs--
	if s.refs > 0 {
		return nil
	}

	err := s.stream.Close()
	s.stream = nil
	return err
}

// Refs returns the number of outstanding references.
func (s *Store) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Visit decodes a tile channel into dst. It returns false without touching
// dst when the tile has no data on the channel.
func (s *Store) Visit(tile, channel int, dst []byte) (bool, error) {
	r, err := s.header.Range(tile, channel)
	if err != nil {
		return false, err
	}
	if r.Empty() {
		return false, nil
	}

	src, err := s.readRange(r)
	if err != nil {
		return false, errors.New("reading tile failed").
			WithTag("tile", tile).
			WithTag("channel", channel).
			Wrap(err)
	}

	if err := s.codec.Decode(dst, src); err != nil {
		return false, errors.New("decoding tile failed").
			WithTag("tile", tile).
			WithTag("channel", channel).
			Wrap(err)
	}
	return true, nil
}

// ReadTile decodes a tile channel of unknown size. It returns false when
// the tile has no data on the channel.
func (s *Store) ReadTile(tile, channel int) ([]byte, bool, error) {
	r, err := s.header.Range(tile, channel)
	if err != nil {
		return nil, false, err
	}
	if r.Empty() {
		return nil, false, nil
	}

	src, err := s.readRange(r)
	if err != nil {
		return nil, false, errors.New("reading tile failed").
			WithTag("tile", tile).
			WithTag("channel", channel).
			Wrap(err)
	}

	out, err := DecodeAll(s.codec, src)
	if err != nil {
		return nil, false, errors.New("decoding tile failed").
			WithTag("tile", tile).
			WithTag("channel", channel).
			Wrap(err)
	}
	return out, true, nil
}

func (s *Store) readRange(r DataRange) ([]byte, error) {
	buf := make([]byte, r.Length)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil, errors.New("container store is not open").WithType(ErrTypeClosed)
	}
	if _, err := s.stream.Seek(int64(r.Start), io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.stream, buf); err != nil {
		return nil, errors.New("truncated container payload").
			WithType(ErrTypeCorrupt).
			Wrap(err)
	}
	return buf, nil
}

// Channel returns a view of the store restricted to one channel.
func (s *Store) Channel(channel int) (*ChannelStore, error) {
	if channel < 0 || channel >= s.header.ChannelCount {
		return nil, errors.New("channel out of range").
			WithType(ErrTypeIndexOutOfRange).
			WithTag("channel", channel).
			WithTag("channel_count", s.header.ChannelCount)
	}
	return &ChannelStore{store: s, channel: channel}, nil
}

// ChannelStore reads a single channel of a shared Store.
type ChannelStore struct {
	store   *Store
	channel int
}

func (c *ChannelStore) Open() error  { return c.store.Open() }
func (c *ChannelStore) Close() error { return c.store.Close() }
func (c *ChannelStore) Index() int   { return c.channel }

func (c *ChannelStore) TileCount() int {
	return c.store.header.TileCount
}

func (c *ChannelStore) Visit(tile int, dst []byte) (bool, error) {
	return c.store.Visit(tile, c.channel, dst)
}
