package overlay

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

const CompressionZstd = "zstd"

// zstdCompressor lets links negotiate zstd message compression.
type zstdCompressor struct{}

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}

func (zstdCompressor) Name() string { return CompressionZstd }

// zstdReader releases the decoder once the message is fully read.
type zstdReader struct {
	dec *zstd.Decoder
}

func (z *zstdReader) Read(p []byte) (int, error) {
	n, err := z.dec.Read(p)
	if err != nil {
		z.dec.Close()
	}
	return n, err
}

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
}
