package bufferpool

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	coreerrors "txnstore/errors"
)

// Compressor transparently compresses a page before it is written to disk
// and decompresses it on the way back in. It is a storage-efficiency layer
// only: it never changes page semantics, and a nil Compressor (the
// default) leaves pages untouched. This is orthogonal to durability — the
// flush-all-on-commit discipline in spec.md §5/§9 is unaffected either way.
type Compressor interface {
	Name() string
	Compress(page []byte) ([]byte, error)
	Decompress(compressed []byte, out []byte) error
}

// pageHeader is a small fixed-size tag the Manager prepends to every
// flushed page once a Compressor is configured, adapted from the
// teacher's advanced/compression CompressionHeader: it names which codec
// (if any) produced the bytes that follow and their exact length, so a
// fixed disk page slot can hold a variable-length compressed payload (or,
// on the rare case where compression didn't help, the raw page) without
// the disk layer ever having to guess.
const (
	pageHeaderMagic0      = 'P'
	pageHeaderMagic1      = 'C'
	CompressionHeaderSize = 8

	algoNone   = 0
	algoSnappy = 1
	algoLZ4    = 2
	algoZSTD   = 3
)

func algoIDFor(name string) byte {
	switch name {
	case "snappy":
		return algoSnappy
	case "lz4":
		return algoLZ4
	case "zstd":
		return algoZSTD
	default:
		return algoNone
	}
}

func algoNameFor(id byte) string {
	switch id {
	case algoSnappy:
		return "snappy"
	case algoLZ4:
		return "lz4"
	case algoZSTD:
		return "zstd"
	default:
		return ""
	}
}

// encodePage prepends the pageHeader to payload: magic (2 bytes), the
// algorithm id (1 byte), a reserved byte, and payload's length (uint32).
func encodePage(algo byte, payload []byte) []byte {
	out := make([]byte, CompressionHeaderSize+len(payload))
	out[0] = pageHeaderMagic0
	out[1] = pageHeaderMagic1
	out[2] = algo
	out[3] = 0
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[CompressionHeaderSize:], payload)
	return out
}

// decodePage reverses encodePage. The returned payload slice excludes any
// trailing zero padding a fixed-size disk slot added past the recorded
// length.
func decodePage(data []byte) (algo byte, payload []byte, err error) {
	if len(data) < CompressionHeaderSize || data[0] != pageHeaderMagic0 || data[1] != pageHeaderMagic1 {
		return 0, nil, coreerrors.New(coreerrors.KindCorruption, "bufferpool: page is missing its compression header")
	}
	algo = data[2]
	n := binary.LittleEndian.Uint32(data[4:8])
	if CompressionHeaderSize+int(n) > len(data) {
		return 0, nil, coreerrors.New(coreerrors.KindCorruption, "bufferpool: page compression header names a truncated payload")
	}
	return algo, data[CompressionHeaderSize : CompressionHeaderSize+int(n)], nil
}

// NewCompressor returns the named codec, or nil for "" (no compression).
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "":
		return nil, nil
	case "snappy":
		return snappyCompressor{}, nil
	case "lz4":
		return lz4Compressor{}, nil
	case "zstd":
		return newZstdCompressor()
	default:
		return nil, &unknownCodecError{name}
	}
}

type unknownCodecError struct{ name string }

func (e *unknownCodecError) Error() string {
	return "bufferpool: unknown page compression codec " + e.name
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(page []byte) ([]byte, error) {
	return snappy.Encode(nil, page), nil
}

func (snappyCompressor) Decompress(compressed []byte, out []byte) error {
	decoded, err := snappy.Decode(nil, compressed)
	if err != nil {
		return err
	}
	copy(out, decoded)
	return nil
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(page []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(page); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(compressed []byte, out []byte) error {
	r := lz4.NewReader(bytes.NewReader(compressed))
	decoded, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	copy(out, decoded)
	return nil
}

// zstdCompressor wraps a zstd encoder/decoder pair. Like the other codecs,
// when configured it is applied to every flushed page; the Manager does
// not tell hot pages from cold ones.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(page []byte) ([]byte, error) {
	return z.encoder.EncodeAll(page, nil), nil
}

func (z *zstdCompressor) Decompress(compressed []byte, out []byte) error {
	decoded, err := z.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return err
	}
	copy(out, decoded)
	return nil
}
