package game

import (
	"bytes"
	"compress/zlib"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNewMapAssetCompresses(t *testing.T) {
	raw := bytes.Repeat([]byte("column"), 1000)
	a, err := NewMapAsset("test", raw, true)
	if err != nil {
		t.Fatalf("new asset: %v", err)
	}
	if a.RawSize() != len(raw) {
		t.Errorf("raw size = %d, want %d", a.RawSize(), len(raw))
	}
	if len(a.AssetBytes()) >= len(raw) {
		t.Errorf("compressed size %d not smaller than %d", len(a.AssetBytes()), len(raw))
	}
	if a.Checksum() != crc32.ChecksumIEEE(a.AssetBytes()) {
		t.Error("checksum does not cover streamed bytes")
	}

	zr, err := zlib.NewReader(bytes.NewReader(a.AssetBytes()))
	if err != nil {
		t.Fatalf("zlib reader: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Error("inflated map differs from input")
	}
}

func TestNewMapAssetUncompressed(t *testing.T) {
	raw := []byte{1, 2, 3}
	a, err := NewMapAsset("raw", raw, false)
	if err != nil {
		t.Fatalf("new asset: %v", err)
	}
	if !bytes.Equal(a.AssetBytes(), raw) {
		t.Errorf("asset bytes = %v, want %v", a.AssetBytes(), raw)
	}
}

func TestLoadMapFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.vxl")
	if err := os.WriteFile(path, []byte("voxels"), 0644); err != nil {
		t.Fatalf("write map: %v", err)
	}
	a, err := LoadMap(path, "arena", false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(a.AssetBytes()) != "voxels" || a.Name != "arena" {
		t.Errorf("unexpected asset %q %q", a.Name, a.AssetBytes())
	}
}

func TestLoadMapMissingUsesPlaceholder(t *testing.T) {
	a, err := LoadMap(filepath.Join(t.TempDir(), "missing.vxl"), "fallback", false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.RawSize() != MapWidth*MapDepth*8 {
		t.Errorf("placeholder size = %d, want %d", a.RawSize(), MapWidth*MapDepth*8)
	}
}

func TestLoadMapUnreadable(t *testing.T) {
	if _, err := LoadMap(t.TempDir(), "dir", false); err == nil {
		t.Error("expected an error when the path is a directory")
	}
}
