package module

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxStubs bounds the number of DOS images skipped while looking for the
// LE/LX header.
const maxStubs = 4

// A dosHeader is the MS-DOS executable header that precedes the LE/LX header.
type dosHeader struct {
	Magic      [2]byte    // "MZ"
	LastPage   uint16     // bytes on last page of file
	NumPages   uint16     // 512-byte pages in file
	NumRelocs  uint16     // relocations
	HeaderSize uint16     // size of header in paragraphs
	MinAlloc   uint16     // minimum extra paragraphs needed
	MaxAlloc   uint16     // maximum extra paragraphs needed
	SS         uint16     // initial (relative) SS value
	SP         uint16     // initial SP value
	Checksum   uint16     // checksum
	IP         uint16     // initial IP value
	CS         uint16     // initial (relative) CS value
	RelocTable uint16     // file address of relocation table
	Overlay    uint16     // overlay number
	Reserved   [4]uint16  // reserved words
	OEMID      uint16     // OEM identifier
	OEMInfo    uint16     // OEM information
	Reserved2  [10]uint16 // reserved words
	NewHeader  uint32     // file address of new exe header
}

// imageSize returns the size of the DOS image described by the header.
func (h *dosHeader) imageSize() int64 {
	size := int64(h.NumPages) * 512
	if h.LastPage != 0 {
		size -= 512 - int64(h.LastPage)
	}
	return size
}

func readSignature(r io.ReaderAt, off int64) ([2]byte, error) {
	var sig [2]byte
	if _, err := r.ReadAt(sig[:], off); err != nil {
		return sig, err
	}
	return sig, nil
}

func isLinearSignature(sig [2]byte) bool {
	return sig == [2]byte{'L', 'E'} || sig == [2]byte{'L', 'X'}
}

// Locate finds the LE/LX header in a file. It returns the offset of the header
// and the offset of the executable containing it, which is what the header's
// data pages offset is relative to.
//
// The header may be at the start of the file, behind an MS-DOS stub that points
// to it, or inside an executable appended to a DOS extender stub.
func Locate(r io.ReaderAt) (base, container int64, err error) {
	for i := 0; i <= maxStubs; i++ {
		sig, err := readSignature(r, container)
		if err != nil {
			return 0, 0, errors.Wrapf(ErrMalformedHeader, "reading signature at 0x%x: %v", container, err)
		}
		if isLinearSignature(sig) {
			return container, container, nil
		}
		if sig != [2]byte{'M', 'Z'} {
			return 0, 0, errors.Wrapf(ErrMalformedHeader, "unknown signature %q at 0x%x", sig[:], container)
		}
		var dh dosHeader
		if err := binary.Read(io.NewSectionReader(r, container, 0x40), binary.LittleEndian, &dh); err != nil {
			return 0, 0, errors.Wrapf(ErrMalformedHeader, "reading DOS header at 0x%x: %v", container, err)
		}
		if dh.NewHeader != 0 {
			if sig, err := readSignature(r, container+int64(dh.NewHeader)); err == nil && isLinearSignature(sig) {
				return container + int64(dh.NewHeader), container, nil
			}
		}
		size := dh.imageSize()
		if size <= 0 {
			break
		}
		container += size
	}
	return 0, 0, errors.Wrap(ErrMalformedHeader, "no LE or LX header found")
}
