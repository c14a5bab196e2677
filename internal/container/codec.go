package container

import (
	"bytes"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const ErrTypeUnknownCodec = "unknown-codec"

// Codec compresses the payload of a single tile channel. Decode must fill
// dst exactly.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(dst, src []byte) error
}

// CodecByName returns the codec registered under name. An empty name selects
// zstd.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "zstd":
		return Zstd{}, nil
	case "lz4":
		return LZ4{}, nil
	case "lz4frame":
		return LZ4Frame{}, nil
	case "raw":
		return Raw{}, nil
	default:
		return nil, errors.New("unknown codec").
			WithType(ErrTypeUnknownCodec).
			WithTag("codec", name)
	}
}

// Raw stores payloads uncompressed.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Encode(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (Raw) Decode(dst, src []byte) error {
	if len(src) != len(dst) {
		return sizeMismatch("raw", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Zstd stores payloads as zstd frames.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }

func (Zstd) Encode(src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, nil), nil
}

func (Zstd) Decode(dst, src []byte) error {
	out, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return errors.New("zstd decode failed").WithType(ErrTypeCorrupt).Wrap(err)
	}
	if len(out) != len(dst) {
		return sizeMismatch("zstd", len(dst), len(out))
	}
	copy(dst, out)
	return nil
}

// LZ4 stores payloads as raw lz4 blocks without frame headers.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Encode(src []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf, nil)
	if err != nil {
		return nil, errors.New("lz4 encode failed").Wrap(err)
	}
	return buf[:n], nil
}

func (LZ4) Decode(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return errors.New("lz4 decode failed").
			WithType(ErrTypeCorrupt).
			WithTag("want", len(dst)).
			Wrap(err)
	}
	if n != len(dst) {
		return sizeMismatch("lz4", len(dst), n)
	}
	return nil
}

// LZ4Frame stores payloads as lz4 frames.
type LZ4Frame struct{}

func (LZ4Frame) Name() string { return "lz4frame" }

func (LZ4Frame) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, errors.New("lz4 encode failed").Wrap(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.New("lz4 encode failed").Wrap(err)
	}
	return buf.Bytes(), nil
}

func (LZ4Frame) Decode(dst, src []byte) error {
	r := lz4.NewReader(bytes.NewReader(src))

	n, err := io.ReadFull(r, dst)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return sizeMismatch("lz4frame", len(dst), n)
		}
		return errors.New("lz4 decode failed").WithType(ErrTypeCorrupt).Wrap(err)
	}

	var extra [1]byte
	if m, _ := r.Read(extra[:]); m != 0 {
		return sizeMismatch("lz4frame", len(dst), len(dst)+m)
	}
	return nil
}

// maxBlockSize bounds the buffer DecodeAll grows while guessing the decoded
// size of an lz4 block.
const maxBlockSize = 1 << 28

// DecodeAll decodes a payload whose decoded size is not known up front.
func DecodeAll(codec Codec, src []byte) ([]byte, error) {
	switch codec.(type) {
	case Raw:
		return append([]byte(nil), src...), nil

	case Zstd:
		out, err := zstdDecoder.DecodeAll(src, nil)
		if err != nil {
			return nil, errors.New("zstd decode failed").WithType(ErrTypeCorrupt).Wrap(err)
		}
		return out, nil

	case LZ4:
		size := 4 * len(src)
		if size < 4096 {
			size = 4096
		}
		for ; size <= maxBlockSize; size *= 2 {
			buf := make([]byte, size)
			if n, err := lz4.UncompressBlock(src, buf); err == nil {
				return buf[:n], nil
			}
		}
		return nil, errors.New("lz4 decode failed").
			WithType(ErrTypeCorrupt).
			WithTag("max_size", maxBlockSize)

	case LZ4Frame:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
		if err != nil {
			return nil, errors.New("lz4 decode failed").WithType(ErrTypeCorrupt).Wrap(err)
		}
		return out, nil

	default:
		return nil, errors.New("unknown codec").
			WithType(ErrTypeUnknownCodec).
			WithTag("codec", codec.Name())
	}
}

func sizeMismatch(codec string, want, got int) error {
	return errors.New("decoded tile size mismatch").
		WithType(ErrTypeCorrupt).
		WithTag("codec", codec).
		WithTag("want", want).
		WithTag("got", got)
}
