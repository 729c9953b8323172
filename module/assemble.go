package module

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// pageRange returns the range of page table indexes belonging to an object.
// The range is clipped to the page table.
func (f *File) pageRange(obj *Object) (start, end int) {
	if obj.NumPageTableEntries == 0 {
		return 0, 0
	}
	start = obj.PageIndex
	end64 := int64(obj.PageIndex) + int64(obj.NumPageTableEntries)
	if n := int64(len(f.Pages)); end64 > n {
		end64 = n
	}
	end = int(end64)
	if start > end {
		start = end
	}
	return start, end
}

// pageOffset returns the file offset of a page's data.
func (f *File) pageOffset(pi int) int64 {
	p := f.Pages[pi]
	pageSize := int64(f.ProgramHeader.PageSize)
	switch f.Format {
	case FormatLX:
		return (int64(p.Offset)+int64(p.Size)-1)*pageSize + f.DataPagesOffset
	default:
		return (int64(p.Num)-1)*pageSize + f.DataPagesOffset
	}
}

// pageSize returns the number of bytes to read for a page, given the number of
// bytes of the object already read. The last page of the module is short.
func (f *File) pageSize(obj *Object, pi int, pos uint32) uint32 {
	limit := f.ProgramHeader.PageSize
	if pi+1 == len(f.Pages) {
		limit = f.ProgramHeader.LastPageSize
	}
	if rem := obj.VirtualSize - pos; rem < limit {
		return rem
	}
	return limit
}

func (f *File) object(i int) (*Object, error) {
	if i < 0 || i >= len(f.Objects) {
		return nil, errors.Wrapf(ErrInvalidIndex, "object %d out of range [0, %d)", i, len(f.Objects))
	}
	return f.Objects[i], nil
}

// RawObject returns the contents of the object with 0-based index i, before
// fixups are applied. The result is always VirtualSize bytes long; memory not
// backed by pages is zero. The virtual size comes from the file and is
// allocated in full, up to the limit set with WithMaxObjectSize.
func (f *File) RawObject(i int) ([]byte, error) {
	obj, err := f.object(i)
	if err != nil {
		return nil, err
	}
	if f.maxObject != 0 && uint64(obj.VirtualSize) > f.maxObject {
		return nil, errors.Wrapf(ErrObjectTooLarge, "object %d: virtual size 0x%x exceeds limit 0x%x",
			i+1, obj.VirtualSize, f.maxObject)
	}
	data := make([]byte, obj.VirtualSize)
	var pos uint32
	start, end := f.pageRange(obj)
	for pi := start; pi < end; pi++ {
		n := f.pageSize(obj, pi, pos)
		off := f.pageOffset(pi)
		if off < 0 {
			return nil, errors.Wrapf(ErrShortPageRead, "object %d page %d: negative file offset %d", i+1, pi+1, off)
		}
		if got, err := f.r.ReadAt(data[pos:pos+n], off); got < int(n) {
			return nil, errors.Wrapf(ErrShortPageRead, "object %d page %d: read %d of %d bytes at 0x%x: %v",
				i+1, pi+1, got, n, off, err)
		}
		pos += n
	}
	f.metrics.bytesAssembled.Add(float64(pos))
	return data, nil
}

// ApplyFixups patches the contents of the object with 0-based index i, as
// returned by RawObject, in place. Fixups that cannot be applied are skipped
// and reported to the logger and metrics.
func (f *File) ApplyFixups(i int, data []byte) {
	obj, err := f.object(i)
	if err != nil {
		return
	}
	for fi := range obj.Fixups {
		fx := &obj.Fixups[fi]
		kind := fx.SrcType.Kind()
		switch {
		case kind == SrcSelector16:
			f.skip(i, fx, 0, skipSelector)
			continue
		case kind != SrcOffset16 && kind != SrcPointer32 && kind != SrcOffset32 && kind != SrcRelative32:
			f.skip(i, fx, 0, skipUnsupportedKind)
			continue
		case !fx.Internal():
			f.skip(i, fx, 0, skipExternalTarget)
			continue
		}

		addr := f.Objects[fx.Target.Obj-1].BaseAddress + fx.Target.Off + fx.Add
		width := int64(4)
		if kind == SrcOffset16 {
			width = 2
		}
		for _, src := range fx.Src {
			dst := int64(fx.PageBase) + int64(src)
			if dst < 0 || dst+width > int64(len(data)) {
				f.skip(i, fx, dst, skipOutOfRange)
				continue
			}
			switch kind {
			case SrcOffset16:
				binary.LittleEndian.PutUint16(data[dst:], uint16(addr))
			case SrcPointer32, SrcOffset32:
				// TODO: emit the selector half of 16:32 pointers once objects
				// are mapped to selectors.
				binary.LittleEndian.PutUint32(data[dst:], addr)
			case SrcRelative32:
				binary.LittleEndian.PutUint32(data[dst:], uint32(dst)+fx.Target.Off+fx.Add)
			}
			f.metrics.fixupsApplied.WithLabelValues(kindName(kind)).Inc()
		}
	}
}

// ReadObject returns the contents of the object with 0-based index i, with
// fixups applied.
func (f *File) ReadObject(i int) ([]byte, error) {
	data, err := f.RawObject(i)
	if err != nil {
		return nil, err
	}
	f.ApplyFixups(i, data)
	return data, nil
}

const (
	skipSelector        = "selector"
	skipUnsupportedKind = "unsupported_kind"
	skipExternalTarget  = "external_target"
	skipOutOfRange      = "out_of_range"
)

func (f *File) skip(i int, fx *Fixup, dst int64, reason string) {
	f.metrics.fixupsSkipped.WithLabelValues(reason).Inc()
	level.Debug(f.logger).Log("msg", "skipping fixup", "object", i+1, "reason", reason,
		"src_type", fmt.Sprintf("0x%02x", uint8(fx.SrcType)), "page_base", fx.PageBase, "dst", dst)
}

func kindName(kind SrcType) string {
	switch kind {
	case SrcOffset16:
		return "offset16"
	case SrcPointer32:
		return "pointer32"
	case SrcOffset32:
		return "offset32"
	case SrcRelative32:
		return "relative32"
	default:
		return fmt.Sprintf("0x%02x", uint8(kind))
	}
}
