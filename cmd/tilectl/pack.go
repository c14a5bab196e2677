package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"gopkg.in/yaml.v3"

	"tilestream.ai/internal/container"
)

// manifest lists the raw files packed into a container. Relative paths are
// resolved against the directory of the manifest.
type manifest struct {
	Codec    string      `yaml:"codec"`
	Tiles    int         `yaml:"tiles"`
	Channels int         `yaml:"channels"`
	Entries  []packEntry `yaml:"entries"`
}

type packEntry struct {
	Tile    int    `yaml:"tile"`
	Channel int    `yaml:"channel"`
	File    string `yaml:"file"`
}

func loadManifest(path string) (manifest, error) {
	var m manifest

	b, err := os.ReadFile(path)
	if err != nil {
		return m, errors.New("reading manifest failed").
			WithTag("path", path).
			Wrap(err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return m, errors.New("decoding manifest failed").
			WithTag("path", path).
			Wrap(err)
	}

	if m.Tiles <= 0 || m.Channels <= 0 {
		return m, errors.New("manifest needs positive tiles and channels").
			WithTag("tiles", m.Tiles).
			WithTag("channels", m.Channels)
	}

	dir := filepath.Dir(path)
	for i, e := range m.Entries {
		if !filepath.IsAbs(e.File) {
			m.Entries[i].File = filepath.Join(dir, e.File)
		}
	}
	return m, nil
}

func pack(w io.Writer, manifestPath, out string) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	codec, err := container.CodecByName(m.Codec)
	if err != nil {
		return err
	}

	cw := container.NewWriter(m.Tiles, m.Channels, codec)
	for _, e := range m.Entries {
		data, err := os.ReadFile(e.File)
		if err != nil {
			return errors.New("reading tile file failed").
				WithTag("file", e.File).
				Wrap(err)
		}
		if err := cw.Set(e.Tile, e.Channel, data); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := cw.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return errors.New("writing container failed").
			WithTag("path", out).
			Wrap(err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return err
	}

	fmt.Fprintf(w, "packed %d entries into %s (%d bytes, codec=%s)\n", len(m.Entries), out, n, codec.Name())
	return nil
}
