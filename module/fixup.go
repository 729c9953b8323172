package module

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// A recordReader reads fixup records from a byte range of the fixup record
// table. It never reads past the end of the range.
type recordReader struct {
	r   *bufio.Reader
	pos int64 // position relative to the start of the range
	end int64 // length of the range
	buf [4]byte
}

func newRecordReader(r io.ReaderAt, start, end int64) *recordReader {
	return &recordReader{
		r:   bufio.NewReader(io.NewSectionReader(r, start, end-start)),
		end: end - start,
	}
}

func (rr *recordReader) more() bool {
	return rr.pos < rr.end
}

func (rr *recordReader) read(n int) ([]byte, error) {
	if rr.pos+int64(n) > rr.end {
		return nil, errors.Wrapf(ErrCorruptFixupTable, "record at +0x%x overruns page fixups", rr.pos)
	}
	if _, err := io.ReadFull(rr.r, rr.buf[:n]); err != nil {
		return nil, errors.Wrapf(ErrCorruptFixupTable, "reading record at +0x%x: %v", rr.pos, err)
	}
	rr.pos += int64(n)
	return rr.buf[:n], nil
}

func (rr *recordReader) u8() (uint8, error) {
	b, err := rr.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (rr *recordReader) u16() (uint16, error) {
	b, err := rr.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (rr *recordReader) u32() (uint32, error) {
	b, err := rr.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// word reads a 32-bit value if wide is set and a 16-bit value otherwise.
func (rr *recordReader) word(wide bool) (uint32, error) {
	if wide {
		return rr.u32()
	}
	v, err := rr.u16()
	return uint32(v), err
}

// ordinal reads a 16-bit value if wide is set and an 8-bit value otherwise.
func (rr *recordReader) ordinal(wide bool) (uint16, error) {
	if wide {
		return rr.u16()
	}
	v, err := rr.u8()
	return uint16(v), err
}

// readFixup decodes a single fixup record.
func (rr *recordReader) readFixup() (f Fixup, err error) {
	start := rr.pos
	src, err := rr.u8()
	if err != nil {
		return f, err
	}
	flags, err := rr.u8()
	if err != nil {
		return f, err
	}
	f.SrcType = SrcType(src)
	f.Flags = TargetFlag(flags)

	// Either a single source offset, or a count with the list after the target.
	var count int
	if f.SrcType&SrcList != 0 {
		n, err := rr.u8()
		if err != nil {
			return f, err
		}
		count = int(n)
	} else {
		off, err := rr.u16()
		if err != nil {
			return f, err
		}
		f.Src = []int16{int16(off)}
	}

	wideObj := f.Flags&Target16BitObject != 0
	switch f.Flags.Type() {
	case TargetInternal:
		obj, err := rr.ordinal(wideObj)
		if err != nil {
			return f, err
		}
		f.Target.Obj = int32(obj)
		if f.SrcType.Kind() != SrcSelector16 {
			if f.Target.Off, err = rr.word(f.Flags&Target32BitOffset != 0); err != nil {
				return f, err
			}
		}
	case TargetImportOrdinal:
		if f.Module, err = rr.ordinal(wideObj); err != nil {
			return f, err
		}
		if f.Flags&Target8BitOrdinal != 0 {
			v, err := rr.u8()
			if err != nil {
				return f, err
			}
			f.Proc = uint32(v)
		} else if f.Proc, err = rr.word(f.Flags&Target32BitOffset != 0); err != nil {
			return f, err
		}
	case TargetImportName:
		if f.Module, err = rr.ordinal(wideObj); err != nil {
			return f, err
		}
		if f.Proc, err = rr.word(f.Flags&Target32BitOffset != 0); err != nil {
			return f, err
		}
	case TargetEntry:
		if f.Module, err = rr.ordinal(wideObj); err != nil {
			return f, err
		}
	}

	if f.Flags&TargetAdditive != 0 {
		if f.Add, err = rr.word(f.Flags&Target32BitAdditive != 0); err != nil {
			return f, err
		}
	}

	if count > 0 {
		f.Src = make([]int16, count)
		for i := range f.Src {
			off, err := rr.u16()
			if err != nil {
				return f, err
			}
			f.Src[i] = int16(off)
		}
	}

	f.size = int(rr.pos - start)
	return f, nil
}

// readFixupRecords reads the fixup records of every page of every object and
// attaches them to their objects. Each page's records occupy the range between
// its fixup page table entry and the next one.
func (f *File) readFixupRecords() error {
	recordBase := f.Base + int64(f.ProgramHeader.FixupRecordOffset)
	for i, obj := range f.Objects {
		start, end := f.pageRange(obj)
		for pi := start; pi < end; pi++ {
			lo := recordBase + int64(f.FixupPages[pi])
			hi := recordBase + int64(f.FixupPages[pi+1])
			if hi < lo {
				return tableError("fixup record", pi, errors.Wrapf(ErrCorruptFixupTable,
					"page fixups end 0x%x before start 0x%x", hi, lo))
			}
			pageBase := uint32(pi-obj.PageIndex) * f.ProgramHeader.PageSize
			rr := newRecordReader(f.r, lo, hi)
			for rr.more() {
				fx, err := rr.readFixup()
				if err != nil {
					return tableError("fixup record", pi, err)
				}
				if fx.Internal() && (fx.Target.Obj < 1 || int(fx.Target.Obj) > len(f.Objects)) {
					return tableError("fixup record", pi, errors.Wrapf(ErrCorruptFixupTable,
						"object %d: target object %d out of range", i+1, fx.Target.Obj))
				}
				fx.PageBase = pageBase
				obj.Fixups = append(obj.Fixups, fx)
			}
		}
	}
	return nil
}
