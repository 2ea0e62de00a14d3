// Package game is the reference collaborator for the connection layer:
// it loads the map, validates joins, tracks player positions and relays
// player traffic. It implements no game rules.
package game

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
)

const (
	// MapWidth and MapDepth bound the horizontal plane, MapHeight the vertical axis.
	MapWidth  = 512
	MapDepth  = 512
	MapHeight = 64

	placeholderColumns = 64
)

// MapAsset is the map streamed to every client. Bytes are read and
// compressed once at startup.
type MapAsset struct {
	Name     string
	raw      int
	data     []byte
	checksum uint32
}

// LoadMap reads path and zlib-compresses it when compress is set. A
// missing file falls back to a generated placeholder so a fresh install
// can still accept clients.
func LoadMap(path, name string, compress bool) (*MapAsset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read map %s: %w", path, err)
		}
		log.Warn().Str("path", path).Msg("map file not found, using generated placeholder")
		raw = PlaceholderMap()
	}
	return NewMapAsset(name, raw, compress)
}

// NewMapAsset wraps raw map bytes.
func NewMapAsset(name string, raw []byte, compress bool) (*MapAsset, error) {
	data := raw
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("failed to compress map data: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finalize map compression: %w", err)
		}
		data = buf.Bytes()
	}

	a := &MapAsset{
		Name:     name,
		raw:      len(raw),
		data:     data,
		checksum: crc32.ChecksumIEEE(data),
	}
	log.Info().
		Str("map", name).
		Int("size", a.raw).
		Int("compressed_size", len(data)).
		Str("crc32", fmt.Sprintf("%08x", a.checksum)).
		Msg("map loaded")
	return a, nil
}

// AssetBytes returns the bytes streamed to clients.
func (a *MapAsset) AssetBytes() []byte { return a.data }

// RawSize returns the uncompressed size.
func (a *MapAsset) RawSize() int { return a.raw }

// Checksum returns the CRC-32 of the streamed bytes.
func (a *MapAsset) Checksum() uint32 { return a.checksum }

// PlaceholderMap builds a flat checkered map, one single-span column per
// cell, in the column-span layout clients expect.
func PlaceholderMap() []byte {
	var buf bytes.Buffer
	for y := 0; y < MapDepth; y++ {
		for x := 0; x < MapWidth; x++ {
			// span header: length, top start, top end, air start
			buf.Write([]byte{0, MapHeight - 2, MapHeight - 2, 0})
			shade := byte((x/placeholderColumns + y/placeholderColumns) % 2 * 40)
			buf.Write([]byte{0x40 + shade, 0x80 + shade, 0x40, 0x7F})
		}
	}
	return buf.Bytes()
}
