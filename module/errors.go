package module

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedHeader is returned when the LE/LX header cannot be used.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrTruncatedTable is returned when a table ends before its last entry.
	ErrTruncatedTable = errors.New("truncated table")
	// ErrInvalidIndex is returned when a table entry refers to a missing entry.
	ErrInvalidIndex = errors.New("invalid index")
	// ErrCorruptFixupTable is returned when fixup records overrun their page.
	ErrCorruptFixupTable = errors.New("corrupt fixup table")
	// ErrShortPageRead is returned when page data extends past the file end.
	ErrShortPageRead = errors.New("short page read")
	// ErrObjectTooLarge is returned when an object's virtual size exceeds the
	// limit set with WithMaxObjectSize.
	ErrObjectTooLarge = errors.New("object too large")
)

// A TableError is an error reading one entry of a table.
type TableError struct {
	Table string // name of the table
	Index int    // 0-based index of the entry
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s table entry %d: %v", e.Table, e.Index, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// Cause supports errors.Cause from github.com/pkg/errors.
func (e *TableError) Cause() error {
	return e.Err
}

func tableError(table string, index int, err error) error {
	return &TableError{Table: table, Index: index, Err: err}
}
