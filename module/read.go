package module

import (
	"context"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// A File is a loaded LE/LX module. All tables are read when the file is
// loaded, object contents are read on demand.
//
// A File is safe for concurrent use once loaded, provided the underlying
// reader supports concurrent ReadAt calls.
type File struct {
	ProgramHeader
	Format          Format      // page addressing variant
	Base            int64       // offset of the header in the file
	DataPagesOffset int64       // offset of the data pages in the file
	Objects         []*Object   // object table with attached fixups
	Pages           []PageEntry // object page table
	FixupPages      []uint32    // fixup page table, one longer than Pages

	r         io.ReaderAt
	closer    io.Closer
	logger    log.Logger
	metrics   *metrics
	maxObject uint64
}

// Open opens the named file with os.Open, locates the LE/LX header and loads
// the module.
func Open(name string, opts ...Option) (*File, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	base, container := o.base, o.container
	if o.locate {
		if base, container, err = Locate(fp); err != nil {
			fp.Close()
			return nil, errors.Wrap(err, name)
		}
	}
	f, err := newFile(fp, base, container, o)
	if err != nil {
		fp.Close()
		return nil, errors.Wrap(err, name)
	}
	f.closer = fp
	return f, nil
}

// NewFile loads the module whose header is at offset base in r. The container
// offset is the offset of the executable holding the module, which the data
// pages offset in the header is relative to.
func NewFile(r io.ReaderAt, base, container int64, opts ...Option) (*File, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newFile(r, base, container, o)
}

func newFile(r io.ReaderAt, base, container int64, o options) (*File, error) {
	f := &File{
		Base:      base,
		r:         r,
		logger:    o.logger,
		metrics:   newMetrics(o.registerer),
		maxObject: o.maxObject,
	}
	if err := f.load(container); err != nil {
		f.metrics.modulesLoaded.WithLabelValues(f.Format.String(), "error").Inc()
		level.Debug(f.logger).Log("msg", "failed to load module", "base", base, "err", err)
		return nil, err
	}
	f.metrics.modulesLoaded.WithLabelValues(f.Format.String(), "success").Inc()
	level.Debug(f.logger).Log("msg", "loaded module", "format", f.Format, "base", base,
		"objects", len(f.Objects), "pages", len(f.Pages))
	return f, nil
}

func (f *File) load(container int64) error {
	h, err := readHeader(f.r, f.Base)
	if err != nil {
		return err
	}
	f.ProgramHeader = *h
	f.Format = h.Format()
	f.DataPagesOffset = int64(h.DataPagesOffset) + container

	if f.Objects, err = readObjectTable(f.r, f.Base, h); err != nil {
		return err
	}
	if f.Pages, err = readPageTable(f.r, f.Base, h); err != nil {
		return err
	}
	if f.FixupPages, err = readFixupPageTable(f.r, f.Base, h); err != nil {
		return err
	}
	return f.readFixupRecords()
}

// Close closes the underlying file if the File was created with Open.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Entry returns the address where execution begins. The EIP object number is
// 1-based; it returns false if the number is 0 and the module has no entry
// point.
func (f *File) Entry() (uint32, bool) {
	if f.EIP.Obj == 0 {
		return 0, false
	}
	return f.Objects[f.EIP.Obj-1].BaseAddress + f.EIP.Off, true
}

// ReadObjects returns the contents of every object with fixups applied. Up to
// concurrency objects are read at the same time; zero or less means no limit.
func (f *File) ReadObjects(ctx context.Context, concurrency int) ([][]byte, error) {
	data := make([][]byte, len(f.Objects))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i := range f.Objects {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := f.ReadObject(i)
			if err != nil {
				return err
			}
			data[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}
