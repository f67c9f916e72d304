package capture

import (
	"bytes"
	"fmt"
)

var pdfMagic = []byte("%PDF")

// Validator gates candidate acceptance.
type Validator struct {
	MinSize int
	MaxSize int64
}

// Validate returns an error wrapping ErrInvalidResource when data is not an
// acceptable document.
func (v Validator) Validate(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return fmt.Errorf("%w: markup body instead of a document", ErrInvalidResource)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return fmt.Errorf("%w: missing %%PDF signature", ErrInvalidResource)
	}
	if len(data) < v.MinSize {
		return fmt.Errorf("%w: %d bytes is below the minimum of %d", ErrInvalidResource, len(data), v.MinSize)
	}
	if v.MaxSize > 0 && int64(len(data)) > v.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds the maximum of %d", ErrInvalidResource, len(data), v.MaxSize)
	}
	return nil
}
