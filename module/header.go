package module

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the LE/LX header, in bytes.
const HeaderSize = 0xac

// A ProgramHeader is the LE/LX header as stored in the file. Table offsets are
// relative to the start of the header, except DataPagesOffset which is
// relative to the start of the executable containing the header.
type ProgramHeader struct {
	Signature                 [2]byte
	ByteOrder                 uint8
	WordOrder                 uint8
	FormatLevel               uint32
	CPUType                   uint16
	OSType                    uint16
	ModuleVersion             uint32
	ModuleFlags               uint32
	ModuleNumPages            uint32
	EIP                       Ref
	ESP                       Ref
	PageSize                  uint32
	LastPageSize              uint32 // page offset shift in LX
	FixupSectionSize          uint32
	FixupSectionChecksum      uint32
	LoaderSectionSize         uint32
	LoaderSectionChecksum     uint32
	ObjectTableOffset         uint32
	NumObjects                uint32
	ObjectPageTableOffset     uint32
	ObjectIterPageTableOffset uint32
	ResourceTableOffset       uint32
	NumResourceTableEntries   uint32
	ResidentNameTableOffset   uint32
	EntryTableOffset          uint32
	ModuleDirectivesOffset    uint32
	NumModuleDirectives       uint32
	FixupPageTableOffset      uint32
	FixupRecordOffset         uint32
	ImportModuleTableOffset   uint32
	ImportModuleEntryCount    uint32
	ImportProcTableOffset     uint32
	PerPageChecksumOffset     uint32
	DataPagesOffset           uint32
	NumPreloadPages           uint32
	NonResNameTableOffset     uint32
	NonResNameTableLength     uint32
	NonResNameTableChecksum   uint32
	AutoDSObject              uint32
	DebugInfoOffset           uint32
	DebugInfoLength           uint32
	NumInstancePreload        uint32
	NumInstanceDemand         uint32
	HeapSize                  uint32
}

// A Format selects how page table entries address the data pages.
type Format uint8

const (
	// FormatLE entries hold a 1-based page number.
	FormatLE Format = iota
	// FormatLX entries hold a page data offset and size.
	FormatLX
)

func (f Format) String() string {
	switch f {
	case FormatLE:
		return "LE"
	case FormatLX:
		return "LX"
	default:
		return "unknown"
	}
}

// IsLE returns true if the header has the LE signature.
func (h *ProgramHeader) IsLE() bool {
	return h.Signature == [2]byte{'L', 'E'}
}

// IsLX returns true if the header has the LX signature.
func (h *ProgramHeader) IsLX() bool {
	return h.Signature == [2]byte{'L', 'X'}
}

// Format returns the page addressing variant selected by the signature.
func (h *ProgramHeader) Format() Format {
	if h.IsLX() {
		return FormatLX
	}
	return FormatLE
}

// readHeader reads and validates the header at base.
func readHeader(r io.ReaderAt, base int64) (*ProgramHeader, error) {
	h := new(ProgramHeader)
	sr := io.NewSectionReader(r, base, HeaderSize)
	if err := binary.Read(sr, binary.LittleEndian, h); err != nil {
		return nil, errors.Wrapf(ErrMalformedHeader, "reading header at 0x%x: %v", base, err)
	}
	if !h.IsLE() && !h.IsLX() {
		return nil, errors.Wrapf(ErrMalformedHeader, "unknown program signature %q (expected LE or LX)", h.Signature[:])
	}
	if h.ByteOrder != 0 || h.WordOrder != 0 {
		return nil, errors.Wrapf(ErrMalformedHeader, "unsupported byte order %d/%d", h.ByteOrder, h.WordOrder)
	}
	if h.PageSize == 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "page size is zero")
	}
	if h.EIP.Obj < 0 || uint32(h.EIP.Obj) > h.NumObjects {
		return nil, errors.Wrapf(ErrMalformedHeader, "EIP object %d out of range, module has %d objects", h.EIP.Obj, h.NumObjects)
	}
	return h, nil
}
