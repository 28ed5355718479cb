package source

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Codec string

const (
	CodecNone  Codec = "none"
	CodecBzip2 Codec = "bzip2"
	CodecGzip  Codec = "gzip"
	CodecZstd  Codec = "zstd"
	CodecLZ4   Codec = "lz4"
)

var magics = []struct {
	codec Codec
	magic []byte
}{
	{CodecBzip2, []byte("BZh")},
	{CodecGzip, []byte{0x1f, 0x8b}},
	{CodecZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{CodecLZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

// Decompress sniffs the compression format of r from its leading bytes and returns a reader of
// the decoded stream. Input that matches no known format is returned as is. Closing the returned
// reader releases decoder state but does not close r.
func Decompress(r io.Reader) (io.ReadCloser, Codec, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, "", fmt.Errorf("failed to read input header: %w", err)
	}

	codec := CodecNone
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			codec = m.codec
			break
		}
	}

	switch codec {
	case CodecBzip2:
		return io.NopCloser(bzip2.NewReader(br)), codec, nil
	case CodecGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, codec, nil
	case CodecZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), codec, nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(br)), codec, nil
	default:
		return io.NopCloser(br), codec, nil
	}
}
