package main

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// mapFile maps the first length bytes of a file read-only. It is nil on
// platforms without mmap.
var (
	mapFile   func(fd int, length int) ([]byte, error)
	unmapFile func(data []byte) error
)

// An input is a module file opened for random access.
type input struct {
	io.ReaderAt
	size  int64
	close func() error
}

func (in *input) Close() error {
	if in.close == nil {
		return nil
	}
	return in.close()
}

// openInput opens the named file. Gzip and zstd compressed files are
// decompressed into memory, other files are mapped if possible.
func openInput(name string) (*input, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, err
	}

	var magic [4]byte
	n, _ := fp.ReadAt(magic[:], 0)
	if isCompressed(magic[:n]) {
		defer fp.Close()
		data, err := decompress(fp)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		return &input{ReaderAt: bytes.NewReader(data), size: int64(len(data))}, nil
	}

	if mapFile != nil && st.Size() > 0 && int64(int(st.Size())) == st.Size() {
		data, err := mapFile(int(fp.Fd()), int(st.Size()))
		fp.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "mapping %s", name)
		}
		return &input{
			ReaderAt: bytes.NewReader(data),
			size:     int64(len(data)),
			close:    func() error { return unmapFile(data) },
		}, nil
	}
	return &input{ReaderAt: fp, size: st.Size(), close: fp.Close}, nil
}

func isGzip(magic []byte) bool {
	return len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b
}

func isZstd(magic []byte) bool {
	return len(magic) >= 4 && magic[0] == 0x28 && magic[1] == 0xb5 && magic[2] == 0x2f && magic[3] == 0xfd
}

func isCompressed(magic []byte) bool {
	return isGzip(magic) || isZstd(magic)
}

// decompress reads a gzip or zstd stream into memory.
func decompress(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "peek header")
	}

	var decompressed bytes.Buffer
	switch {
	case isGzip(magic):
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		defer gr.Close()
		if _, err := decompressed.ReadFrom(gr); err != nil {
			return nil, errors.Wrap(err, "decompress gzip data")
		}
	case isZstd(magic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd reader")
		}
		defer zr.Close()
		if _, err := decompressed.ReadFrom(zr); err != nil {
			return nil, errors.Wrap(err, "decompress zstd data")
		}
	default:
		return nil, errors.New("unknown compression")
	}
	return decompressed.Bytes(), nil
}
