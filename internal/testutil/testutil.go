// Package testutil provides shared helpers for orchestrator tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/photoframe-works/orchestrator/pkg/assets"
	"github.com/photoframe-works/orchestrator/pkg/store"
)

// TempStore opens a fresh sqlite store in a per-test temp directory and
// registers cleanup.
func TempStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// TempSink creates an asset sink in a per-test temp directory.
func TempSink(t *testing.T) *assets.Sink {
	t.Helper()

	sink, err := assets.NewSink(filepath.Join(t.TempDir(), "assets"))
	if err != nil {
		t.Fatalf("creating test sink: %v", err)
	}
	return sink
}

// TestImagePNG returns an encoded PNG of the given size filled with c.
func TestImagePNG(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

// BMPBytes returns a minimal payload that passes the BMP signature check.
func BMPBytes(size int) []byte {
	if size < 2 {
		size = 2
	}
	data := make([]byte, size)
	data[0] = 'B'
	data[1] = 'M'
	return data
}
