package spatial

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"

	"tilestream.ai/internal/geom"
)

const (
	ErrTypeInvalidTree = "invalid-tree"
	ErrTypeCorruptTree = "tree-corrupt"

	// maxCodecDepth bounds the depth accepted from untrusted input.
	maxCodecDepth = 24
)

// Encoder writes one node value.
type Encoder[P any] func(w io.Writer, v P) error

// Decoder reads one node value.
type Decoder[P any] func(r io.Reader) (P, error)

// WriteTree serializes a tree depth first. A nil value marks an absent node.
//
// Layout: kind u8, max depth i32, bounds as six f64, then per node a present
// byte, the encoded value when present and a has-children byte.
func WriteTree[P any](w io.Writer, t *Tree[*P], enc Encoder[P]) error {
	hdr := make([]byte, 0, 1+4+6*8)
	hdr = append(hdr, byte(t.kind))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(int32(t.maxDepth)))
	for _, f := range []float64{
		t.bounds.Min.X, t.bounds.Min.Y, t.bounds.Min.Z,
		t.bounds.Max.X, t.bounds.Max.Y, t.bounds.Max.Z,
	} {
		hdr = binary.LittleEndian.AppendUint64(hdr, math.Float64bits(f))
	}
	if _, err := w.Write(hdr); err != nil {
		return errors.New("writing tree header failed").Wrap(err)
	}
	return writeNode(w, t.root, enc)
}

func writeNode[P any](w io.Writer, n *Node[*P], enc Encoder[P]) error {
	if err := writeBool(w, n.Value != nil); err != nil {
		return err
	}
	if n.Value != nil {
		if err := enc(w, *n.Value); err != nil {
			return errors.New("encoding node value failed").
				WithTag("depth", n.depth).
				Wrap(err)
		}
	}

	if err := writeBool(w, n.children != nil); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := writeNode(w, c, enc); err != nil {
			return err
		}
	}
	return nil
}

// ReadTree decodes a tree written by WriteTree. Every node present in the
// stream is expanded.
func ReadTree[P any](r io.Reader, dec Decoder[P]) (*Tree[*P], error) {
	var hdr [1 + 4 + 6*8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, corrupt("reading tree header failed", err)
	}

	kind := Kind(hdr[0])
	if kind != Quad && kind != Oct {
		return nil, errors.New("unknown tree kind").
			WithType(ErrTypeCorruptTree).
			WithTag("kind", hdr[0])
	}

	maxDepth := int(int32(binary.LittleEndian.Uint32(hdr[1:5])))
	if maxDepth > maxCodecDepth {
		return nil, errors.New("tree too deep").
			WithType(ErrTypeCorruptTree).
			WithTag("max_depth", maxDepth)
	}

	var f [6]float64
	for i := range f {
		f[i] = math.Float64frombits(binary.LittleEndian.Uint64(hdr[5+8*i:]))
	}
	bounds := geom.Box{
		Min: geom.Vec3{X: f[0], Y: f[1], Z: f[2]},
		Max: geom.Vec3{X: f[3], Y: f[4], Z: f[5]},
	}

	t, err := newTree[*P](kind, bounds, maxDepth)
	if err != nil {
		return nil, err
	}
	if err := readNode(r, t, t.root, dec); err != nil {
		return nil, err
	}
	return t, nil
}

func readNode[P any](r io.Reader, t *Tree[*P], n *Node[*P], dec Decoder[P]) error {
	present, err := readBool(r)
	if err != nil {
		return err
	}
	if present {
		v, err := dec(r)
		if err != nil {
			return corrupt("decoding node value failed", err)
		}
		n.Value = &v
	}

	hasChildren, err := readBool(r)
	if err != nil {
		return err
	}
	if !hasChildren {
		return nil
	}
	if !t.Expand(n) {
		return errors.New("node below maximum depth").
			WithType(ErrTypeCorruptTree).
			WithTag("depth", n.depth)
	}

	for _, c := range n.children {
		if err := readNode(r, t, c, dec); err != nil {
			return err
		}
	}
	return nil
}

func writeBool(w io.Writer, b bool) error {
	v := []byte{0}
	if b {
		v[0] = 1
	}
	if _, err := w.Write(v); err != nil {
		return errors.New("writing tree failed").Wrap(err)
	}
	return nil
}

func readBool(r io.Reader) (bool, error) {
	var v [1]byte
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return false, corrupt("reading tree failed", err)
	}
	return v[0] != 0, nil
}

func corrupt(msg string, err error) error {
	return errors.New(msg).WithType(ErrTypeCorruptTree).Wrap(err)
}
