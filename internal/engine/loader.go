package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ggufMagic = [4]byte{'G', 'G', 'U', 'F'}

// ErrNotGGUF means a model file does not start with the GGUF magic.
var ErrNotGGUF = errors.New("engine: not a GGUF file")

// GGUFHeader is the fixed-size prefix of a GGUF file.
type GGUFHeader struct {
	Version       uint32
	TensorCount   uint64
	MetadataCount uint64
}

// ReadGGUFHeader decodes the little-endian header.
func ReadGGUFHeader(r io.Reader) (GGUFHeader, error) {
	var raw struct {
		Magic         [4]byte
		Version       uint32
		TensorCount   uint64
		MetadataCount uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return GGUFHeader{}, fmt.Errorf("engine: read GGUF header: %w", err)
	}
	if raw.Magic != ggufMagic {
		return GGUFHeader{}, ErrNotGGUF
	}
	if raw.Version < 2 {
		return GGUFHeader{}, fmt.Errorf("engine: unsupported GGUF version %d", raw.Version)
	}
	return GGUFHeader{
		Version:       raw.Version,
		TensorCount:   raw.TensorCount,
		MetadataCount: raw.MetadataCount,
	}, nil
}

// ModelFile is one validated quantized weight file.
type ModelFile struct {
	Path   string
	Size   int64
	Header GGUFHeader
}

// Loader resolves and validates the file set of a quantized model.
type Loader struct {
	// Dir is joined to relative file names.
	Dir   string
	Files []string
}

// Load validates every file and returns them in the given order.
func (l Loader) Load() ([]ModelFile, error) {
	if len(l.Files) == 0 {
		return nil, errors.New("engine: no model files given")
	}

	out := make([]ModelFile, 0, len(l.Files))
	for _, name := range l.Files {
		path := name
		if l.Dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(l.Dir, name)
		}
		mf, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, mf)
	}
	return out, nil
}

func loadFile(path string) (ModelFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ModelFile{}, fmt.Errorf("engine: open model file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ModelFile{}, fmt.Errorf("engine: stat model file: %w", err)
	}

	header, err := ReadGGUFHeader(f)
	if err != nil {
		return ModelFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return ModelFile{Path: path, Size: info.Size(), Header: header}, nil
}
