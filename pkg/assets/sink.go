// Package assets normalizes uploaded images into panel-ready BMP files and
// stores them content-addressed on disk.
package assets

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// Panel dimensions of the target e-paper display.
const (
	PanelWidth  = 480
	PanelHeight = 800
)

// Sink writes normalized assets into a single flat directory.
type Sink struct {
	dir string
}

// NewSink creates the asset directory if needed.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.Internalf("creating asset directory", err)
	}
	return &Sink{dir: dir}, nil
}

// Dir returns the sink's directory.
func (s *Sink) Dir() string {
	return s.dir
}

// Normalize decodes an uploaded image, scales and center-crops it to the
// panel size, encodes it as BMP and writes it under its content digest.
// Writing the same image twice is a no-op and yields the same name.
func (s *Sink) Normalize(data []byte) (name, digest string, err error) {
	if len(data) == 0 {
		return "", "", util.NewInputError("file", "empty upload")
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", util.NewInputError("file", "not a decodable image")
	}

	fitted := imaging.Fill(img, PanelWidth, PanelHeight, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.BMP); err != nil {
		return "", "", util.Internalf("encoding asset", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	digest = hex.EncodeToString(sum[:])
	name = digest + ".bmp"

	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return name, digest, nil
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", "", util.Internalf("writing asset", err)
	}
	return name, digest, nil
}

// Read returns the bytes of a stored asset. The name is reduced to its
// basename so callers cannot escape the sink directory.
func (s *Sink) Read(name string) ([]byte, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return nil, util.NewNotFoundError("asset", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, base))
	if os.IsNotExist(err) {
		return nil, util.NewNotFoundError("asset", base)
	}
	if err != nil {
		return nil, util.Internalf(fmt.Sprintf("reading asset %s", base), err)
	}
	return data, nil
}

// Path returns the on-disk location of a stored asset without checking
// existence. The name is reduced to its basename.
func (s *Sink) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}
