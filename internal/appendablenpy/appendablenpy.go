// Package appendablenpy writes numpy's *.npy format one row at a time, so a file of
// unknown final length can be written as data arrive.
package appendablenpy

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

const preheaderSize = 10 // magic string, version, and 2-byte header length

// Enough room in the header for any row count that fits in an int64.
const maxCountDigits = 20

// AppendableNPY writes rows of a fixed shape after a header whose shape field is
// rewritten in place by UpdateHeader. The header is padded to a fixed length so the
// rewrite never moves the data.
type AppendableNPY struct {
	file        *os.File
	writer      io.Writer // where row data go; usually file or a buffer in front of it
	descr       string
	rowShape    []int
	headerSize  int
	rowsWritten int
}

// OpenAppendableNPY writes an initial header for zero rows to fp and returns the writer.
// descr is the numpy dtype description as a Python literal, such as "'<f4'".
// Row data are written to data, or to fp if data is nil.
func OpenAppendableNPY(fp *os.File, data io.Writer, descr string, rowShape ...int) (*AppendableNPY, error) {
	an := &AppendableNPY{
		file:     fp,
		writer:   data,
		descr:    descr,
		rowShape: rowShape,
	}
	if an.writer == nil {
		an.writer = fp
	}
	longest := len(an.dictionary(strings.Repeat("9", maxCountDigits)))
	nunits := (preheaderSize + longest + 1 + headerUnits - 1) / headerUnits
	an.headerSize = nunits * headerUnits

	if _, err := fp.Write(an.header()); err != nil {
		return nil, err
	}
	return an, nil
}

func (an *AppendableNPY) dictionary(count string) string {
	dims := []string{count}
	for _, d := range an.rowShape {
		dims = append(dims, fmt.Sprint(d))
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	return fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (%s), }", an.descr, shape)
}

// header returns the full header (magic through the final newline) for the current row count.
func (an *AppendableNPY) header() []byte {
	hdr := make([]byte, 0, an.headerSize)
	hdr = append(hdr, 0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00, 0, 0)
	binary.LittleEndian.PutUint16(hdr[8:], uint16(an.headerSize-preheaderSize))
	hdr = append(hdr, an.dictionary(fmt.Sprint(an.rowsWritten))...)

	// Pad header with spaces plus one newline (0x20 and 0x0a, respectively) to the promised size
	for len(hdr) < an.headerSize-1 {
		hdr = append(hdr, 0x20)
	}
	return append(hdr, 0x0a)
}

// Write writes each element of rows as one row. It stops at the first error; rows
// written before the error are counted.
func (an *AppendableNPY) Write(rows [][]byte) error {
	for _, r := range rows {
		if _, err := an.writer.Write(r); err != nil {
			return err
		}
		an.rowsWritten++
	}
	return nil
}

// UpdateHeader rewrites the header's shape to match the rows written so far. Any
// buffering writer in front of the file should be flushed first.
func (an *AppendableNPY) UpdateHeader() error {
	_, err := an.file.WriteAt(an.header(), 0)
	return err
}

// RowsWritten is the number of rows passed successfully to Write.
func (an *AppendableNPY) RowsWritten() int {
	return an.rowsWritten
}

// HeaderSize is the number of bytes before the first row.
func (an *AppendableNPY) HeaderSize() int {
	return an.headerSize
}
