// Package lxtest builds LE and LX images in memory for tests.
package lxtest

import (
	"encoding/binary"

	"moria.us/lxload/module"
)

// DefaultPageSize is the page size used when an Image does not set one.
const DefaultPageSize = 0x1000

// A Fixup is a fixup record to encode. Only internal references are encoded.
type Fixup struct {
	Page    int            // page within the object
	SrcType module.SrcType // source type, SrcList is set when Src has several entries
	Src     []int16        // source offsets within the page
	Target  module.Ref     // target object and offset
	Add     uint32         // additive value, encoded when non-zero
	Wide    bool           // encode the target offset in 32 bits
}

// An Object is an object to encode.
type Object struct {
	Flags  module.ObjFlag
	Addr   uint32 // relocation base address
	Size   uint32 // virtual size, defaults to the length of Data
	Data   []byte // page data
	Fixups []Fixup
	// Raw holds bytes appended to the fixup records of a page, by page.
	Raw map[int][]byte
}

// An Image describes an LE/LX module.
type Image struct {
	Format   module.Format
	PageSize uint32
	// LastPageSize overrides the size recorded for the last page.
	LastPageSize uint32
	Entry        module.Ref
	Objects      []Object
	// Stub puts an MS-DOS stub pointing to the header in front of the module.
	Stub bool
	// Bound puts a DOS extender image of this many bytes in front of the
	// executable holding the module.
	Bound int
}

const (
	headerSize = module.HeaderSize
	stubSize   = 0x40
)

func (im *Image) pageSize() uint32 {
	if im.PageSize == 0 {
		return DefaultPageSize
	}
	return im.PageSize
}

func pagecount(size, pageSize uint32) uint32 {
	return (size + pageSize - 1) / pageSize
}

// AppendFixup appends the encoding of a fixup record to data.
func AppendFixup(data []byte, f Fixup) []byte {
	src := f.SrcType
	if len(f.Src) != 1 {
		src |= module.SrcList
	}
	var flags module.TargetFlag
	if f.Target.Obj > 0xff {
		flags |= module.Target16BitObject
	}
	if f.Wide || f.Target.Off > 0xffff {
		flags |= module.Target32BitOffset
	}
	if f.Add != 0 {
		flags |= module.TargetAdditive | module.Target32BitAdditive
	}
	data = append(data, byte(src), byte(flags))
	if src&module.SrcList != 0 {
		data = append(data, byte(len(f.Src)))
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(f.Src[0]))
	}
	if flags&module.Target16BitObject != 0 {
		data = binary.LittleEndian.AppendUint16(data, uint16(f.Target.Obj))
	} else {
		data = append(data, byte(f.Target.Obj))
	}
	if src.Kind() != module.SrcSelector16 {
		if flags&module.Target32BitOffset != 0 {
			data = binary.LittleEndian.AppendUint32(data, f.Target.Off)
		} else {
			data = binary.LittleEndian.AppendUint16(data, uint16(f.Target.Off))
		}
	}
	if f.Add != 0 {
		data = binary.LittleEndian.AppendUint32(data, f.Add)
	}
	if src&module.SrcList != 0 {
		for _, s := range f.Src {
			data = binary.LittleEndian.AppendUint16(data, uint16(s))
		}
	}
	return data
}

// Bytes encodes the image.
func (im *Image) Bytes() []byte {
	pageSize := im.pageSize()

	// Lay out pages: each object starts on a new page, the last page of the
	// module is short.
	var (
		objtab   []byte
		pagetab  []byte
		fixpages []byte
		records  []byte
		pages    []byte
		npages   uint32
		lastSize uint32
	)
	for _, obj := range im.Objects {
		size := obj.Size
		if size == 0 {
			size = uint32(len(obj.Data))
		}
		count := pagecount(uint32(len(obj.Data)), pageSize)
		first := npages + 1
		objtab = binary.LittleEndian.AppendUint32(objtab, size)
		objtab = binary.LittleEndian.AppendUint32(objtab, obj.Addr)
		objtab = binary.LittleEndian.AppendUint32(objtab, uint32(obj.Flags))
		objtab = binary.LittleEndian.AppendUint32(objtab, first)
		objtab = binary.LittleEndian.AppendUint32(objtab, count)
		objtab = binary.LittleEndian.AppendUint32(objtab, 0)

		for pi := uint32(0); pi < count; pi++ {
			slot := npages + pi
			switch im.Format {
			case module.FormatLX:
				// Page data offset plus data size, less one, is the page slot.
				pagetab = binary.LittleEndian.AppendUint32(pagetab, slot)
				pagetab = binary.LittleEndian.AppendUint16(pagetab, 1)
				pagetab = binary.LittleEndian.AppendUint16(pagetab, 0)
			default:
				n := slot + 1
				pagetab = append(pagetab, byte(n>>16), byte(n>>8), byte(n), 0)
			}

			fixpages = binary.LittleEndian.AppendUint32(fixpages, uint32(len(records)))
			for _, f := range obj.Fixups {
				if uint32(f.Page) == pi {
					records = AppendFixup(records, f)
				}
			}
			records = append(records, obj.Raw[int(pi)]...)

			lo := pi * pageSize
			hi := lo + pageSize
			if hi > uint32(len(obj.Data)) {
				hi = uint32(len(obj.Data))
			}
			pages = append(pages, obj.Data[lo:hi]...)
			lastSize = hi - lo
			if hi-lo < pageSize && pi+1 < count {
				panic("lxtest: short page inside object")
			}
		}
		npages += count
		if count > 0 && lastSize < pageSize {
			pages = append(pages, make([]byte, pageSize-lastSize)...)
		}
	}
	if npages > 0 {
		// Drop the padding after the last page.
		pages = pages[:uint32(len(pages))-(pageSize-lastSize)]
	}
	fixpages = binary.LittleEndian.AppendUint32(fixpages, uint32(len(records)))
	if im.LastPageSize != 0 {
		lastSize = im.LastPageSize
	}

	// Tables follow the header, data pages follow the tables.
	var h [headerSize]byte
	le := binary.LittleEndian
	h[0] = 'L'
	h[1] = 'E'
	if im.Format == module.FormatLX {
		h[1] = 'X'
	}
	le.PutUint16(h[0x08:], 2)                       // 386 or higher
	le.PutUint16(h[0x0a:], 1)                       // OS/2
	le.PutUint32(h[0x14:], npages)                  // number of pages
	le.PutUint32(h[0x18:], uint32(im.Entry.Obj))    // EIP object number
	le.PutUint32(h[0x1c:], im.Entry.Off)            // EIP offset
	le.PutUint32(h[0x28:], pageSize)                // page size
	le.PutUint32(h[0x2c:], lastSize)                // bytes on last page
	le.PutUint32(h[0x44:], uint32(len(im.Objects))) // number of objects
	pos := uint32(headerSize)
	le.PutUint32(h[0x40:], pos) // object table offset
	pos += uint32(len(objtab))
	le.PutUint32(h[0x48:], pos) // page table offset
	pos += uint32(len(pagetab))
	le.PutUint32(h[0x38:], pos-headerSize) // loader section size
	le.PutUint32(h[0x68:], pos)            // fixup page table offset
	pos += uint32(len(fixpages))
	le.PutUint32(h[0x6c:], pos) // fixup record table offset
	pos += uint32(len(records))
	le.PutUint32(h[0x30:], uint32(len(fixpages)+len(records))) // fixup section size

	var prefix []byte
	if im.Bound > 0 {
		prefix = dosImage(im.Bound, 0)
	}
	exeStart := len(prefix)
	if im.Stub {
		prefix = append(prefix, dosImage(stubSize, stubSize)...)
	}
	// Data pages offset is relative to the executable, not the header.
	le.PutUint32(h[0x80:], uint32(len(prefix)-exeStart)+pos)

	out := append(prefix, h[:]...)
	out = append(out, objtab...)
	out = append(out, pagetab...)
	out = append(out, fixpages...)
	out = append(out, records...)
	out = append(out, pages...)
	return out
}

// dosImage returns an MS-DOS executable of size bytes whose new header
// offset is lfanew.
func dosImage(size int, lfanew uint32) []byte {
	if size < stubSize {
		size = stubSize
	}
	d := make([]byte, size)
	le := binary.LittleEndian
	d[0] = 'M'
	d[1] = 'Z'
	le.PutUint16(d[0x02:], uint16(size%512))       // bytes on last page
	le.PutUint16(d[0x04:], uint16((size+511)/512)) // pages in file
	le.PutUint16(d[0x08:], 4)                      // header paragraphs
	le.PutUint16(d[0x18:], 0x40)                   // relocation table offset
	le.PutUint32(d[0x3c:], lfanew)                 // new header offset
	return d
}

// Page returns a page-sized buffer filled with b.
func Page(size int, b byte) []byte {
	d := make([]byte, size)
	for i := range d {
		d[i] = b
	}
	return d
}
