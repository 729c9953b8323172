// Package module reads LE and LX linear executable modules and reconstructs the
// contents of their objects with internal fixups applied.
package module

import "strings"

// An ObjFlag is a set of flags for an object in an LE/LX executable.
type ObjFlag uint32

const (
	// ObjR indicates a readable object
	ObjR ObjFlag = 0x0001
	// ObjW indicates a writable object
	ObjW ObjFlag = 0x0002
	// ObjX indicates an executable object
	ObjX ObjFlag = 0x0004
	// ObjResource indicates a resource object
	ObjResource ObjFlag = 0x0008
	// ObjDiscardable indicates a discardable object
	ObjDiscardable ObjFlag = 0x0010
	// ObjShared indicates a shared object
	ObjShared ObjFlag = 0x0020
	// ObjPreload indicates the object has preload pages
	ObjPreload ObjFlag = 0x0040
	// Obj32Bit indicates the object is 32-bit
	Obj32Bit ObjFlag = 0x2000
)

// Readable reports whether the object may be read.
func (f ObjFlag) Readable() bool { return f&ObjR != 0 }

// Writable reports whether the object may be written.
func (f ObjFlag) Writable() bool { return f&ObjW != 0 }

// Executable reports whether the object may be executed.
func (f ObjFlag) Executable() bool { return f&ObjX != 0 }

// String returns the permissions in "rwx" form.
func (f ObjFlag) String() string {
	var b strings.Builder
	for _, p := range []struct {
		flag ObjFlag
		c    byte
	}{{ObjR, 'r'}, {ObjW, 'w'}, {ObjX, 'x'}} {
		if f&p.flag != 0 {
			b.WriteByte(p.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// A SrcType is a fixup source type. These values match the LE/LX exe values.
// The low nibble is the kind of reference, the high bits are flags.
type SrcType uint8

const (
	// SrcByte indicates an 8-bit offset.
	SrcByte SrcType = 0x00
	// SrcSelector16 indicates a 16-bit selector.
	SrcSelector16 SrcType = 0x02
	// SrcPointer16 indicates a 16:16 far pointer.
	SrcPointer16 SrcType = 0x03
	// SrcOffset16 indicates an absolute 16-bit offset.
	SrcOffset16 SrcType = 0x05
	// SrcPointer32 indicates a 16:32 far pointer.
	SrcPointer32 SrcType = 0x06
	// SrcOffset32 indicates an absolute 32-bit offset.
	SrcOffset32 SrcType = 0x07
	// SrcRelative32 indicates a self-relative 32-bit offset.
	SrcRelative32 SrcType = 0x08

	// SrcAlias indicates a fixup to a 16:16 alias.
	SrcAlias SrcType = 0x10
	// SrcList indicates the record carries a list of source offsets.
	SrcList SrcType = 0x20

	srcKindMask SrcType = 0x0f
)

// Kind returns the source type with the flag bits cleared.
func (s SrcType) Kind() SrcType {
	return s & srcKindMask
}

// A TargetFlag is the target flags byte of a fixup record.
type TargetFlag uint8

const (
	// TargetInternal is an internal reference to an object and offset.
	TargetInternal TargetFlag = 0x00
	// TargetImportOrdinal is an import by module and ordinal.
	TargetImportOrdinal TargetFlag = 0x01
	// TargetImportName is an import by module and procedure name.
	TargetImportName TargetFlag = 0x02
	// TargetEntry is an internal reference through the entry table.
	TargetEntry TargetFlag = 0x03

	// TargetAdditive indicates an additive value follows the target.
	TargetAdditive TargetFlag = 0x04
	// Target32BitOffset indicates the target offset is 32 bits.
	Target32BitOffset TargetFlag = 0x10
	// Target32BitAdditive indicates the additive value is 32 bits.
	Target32BitAdditive TargetFlag = 0x20
	// Target16BitObject indicates the object or module number is 16 bits.
	Target16BitObject TargetFlag = 0x40
	// Target8BitOrdinal indicates the import ordinal is 8 bits.
	Target8BitOrdinal TargetFlag = 0x80

	targetTypeMask TargetFlag = 0x03
)

// Type returns the target type with the flag bits cleared.
func (t TargetFlag) Type() TargetFlag {
	return t & targetTypeMask
}

// A Fixup describes how references in one page of an object should be fixed
// after the object is loaded into memory.
type Fixup struct {
	SrcType  SrcType    // type of source reference to fix
	Flags    TargetFlag // target type and encoding flags
	Src      []int16    // source offsets within the page, may be negative
	Target   Ref        // target of an internal reference
	Module   uint16     // import module ordinal, or entry table ordinal
	Proc     uint32     // import ordinal, or procedure name offset
	Add      uint32     // value to add to the target
	PageBase uint32     // offset of the page within the object
	size     int        // encoded size in the fixup record table
}

// Size returns the number of bytes the record occupies in the file.
func (f *Fixup) Size() int {
	return f.size
}

// Internal reports whether the fixup targets an object in this module.
func (f *Fixup) Internal() bool {
	return f.Flags.Type() == TargetInternal
}

// An ObjectHeader is an entry in the object table, as stored in the file.
type ObjectHeader struct {
	VirtualSize         uint32  // size of the object in memory
	BaseAddress         uint32  // address the object is relocated to
	Flags               ObjFlag // object flags and permissions
	PageTableIndex      uint32  // 1-based index of the first page
	NumPageTableEntries uint32  // number of pages
	Reserved            uint32
}

// An Object is a region of memory to be loaded when the program is run.
type Object struct {
	ObjectHeader
	PageIndex int     // 0-based index of the first page in the page table
	Fixups    []Fixup // fixups for all pages of the object, in file order
}

// A Ref is a reference to an address in the program.
type Ref struct {
	Obj int32  // 1-based index of object containing target
	Off uint32 // offset within target
}
