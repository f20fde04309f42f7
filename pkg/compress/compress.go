// pkg/compress/compress.go
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Compressor is the narrow interface the cluster core consumes for its
// configured compression method. Implementations must round-trip exactly:
// Decompress(Compress(x)) == x.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

const (
	NameNone   = "nothing"
	NameSnappy = "snappy"
)

type identity struct{}

func (identity) Name() string                          { return NameNone }
func (identity) Compress(data []byte) ([]byte, error)   { return data, nil }
func (identity) Decompress(data []byte) ([]byte, error) { return data, nil }

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return NameSnappy }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	r := snappy.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ByName resolves a cluster configuration's "compression" method name to a
// Compressor. An empty name is treated as NameNone.
func ByName(name string) (Compressor, error) {
	switch name {
	case "", NameNone:
		return identity{}, nil
	case NameSnappy:
		return snappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("compress: unknown method %q", name)
	}
}
