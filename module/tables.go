package module

import (
	"bufio"
	"encoding/binary"
	"io"
)

const (
	lePageEntrySize = 4
	lxPageEntrySize = 8
	fixupPageSize   = 4

	// maxPrealloc bounds slice capacity taken from header counts, which are
	// not trusted until the entries have been read.
	maxPrealloc = 4096
)

// A PageEntry is an entry in the object page table. Which fields are set
// depends on the format of the module.
type PageEntry struct {
	Num    uint32 // LE: 1-based page number in the data pages
	Offset uint32 // LX: page data offset
	Size   uint16 // LX: data size
	Flags  uint16
}

func capacity(n uint32) int {
	if n > maxPrealloc {
		return maxPrealloc
	}
	return int(n)
}

// tableReader returns a buffered reader positioned at a table.
func tableReader(r io.ReaderAt, off int64) *bufio.Reader {
	return bufio.NewReader(io.NewSectionReader(r, off, 1<<62))
}

// readObjectTable reads the object table and converts the page table indexes
// to 0-based.
func readObjectTable(r io.ReaderAt, base int64, h *ProgramHeader) ([]*Object, error) {
	br := tableReader(r, base+int64(h.ObjectTableOffset))
	objs := make([]*Object, 0, capacity(h.NumObjects))
	for i := 0; i < int(h.NumObjects); i++ {
		var oh ObjectHeader
		if err := binary.Read(br, binary.LittleEndian, &oh); err != nil {
			return nil, tableError("object", i, ErrTruncatedTable)
		}
		obj := &Object{ObjectHeader: oh}
		if oh.NumPageTableEntries != 0 {
			if oh.PageTableIndex == 0 {
				return nil, tableError("object", i, ErrInvalidIndex)
			}
			obj.PageIndex = int(oh.PageTableIndex - 1)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// readPageTable reads the object page table, one entry per page in the module.
func readPageTable(r io.ReaderAt, base int64, h *ProgramHeader) ([]PageEntry, error) {
	br := tableReader(r, base+int64(h.ObjectPageTableOffset))
	format := h.Format()
	pages := make([]PageEntry, 0, capacity(h.ModuleNumPages))
	var buf [lxPageEntrySize]byte
	for i := 0; i < int(h.ModuleNumPages); i++ {
		var p PageEntry
		switch format {
		case FormatLE:
			if _, err := io.ReadFull(br, buf[:lePageEntrySize]); err != nil {
				return nil, tableError("page", i, ErrTruncatedTable)
			}
			p.Num = uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
			p.Flags = uint16(buf[3])
		case FormatLX:
			if _, err := io.ReadFull(br, buf[:lxPageEntrySize]); err != nil {
				return nil, tableError("page", i, ErrTruncatedTable)
			}
			p.Offset = binary.LittleEndian.Uint32(buf[0:])
			p.Size = binary.LittleEndian.Uint16(buf[4:])
			p.Flags = binary.LittleEndian.Uint16(buf[6:])
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// readFixupPageTable reads the fixup page table. It has one more entry than
// there are pages, marking the end of the last page's fixup records.
func readFixupPageTable(r io.ReaderAt, base int64, h *ProgramHeader) ([]uint32, error) {
	br := tableReader(r, base+int64(h.FixupPageTableOffset))
	n := int(h.ModuleNumPages) + 1
	offs := make([]uint32, 0, capacity(uint32(n)))
	var buf [fixupPageSize]byte
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, tableError("fixup page", i, ErrTruncatedTable)
		}
		offs = append(offs, binary.LittleEndian.Uint32(buf[:]))
	}
	return offs, nil
}
