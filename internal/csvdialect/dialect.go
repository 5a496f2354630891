// Package csvdialect infers the delimiter, line ending and byte-order mark of
// delimited text files so they can be parsed and rewritten faithfully.
package csvdialect

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// PrefixSize is how many bytes are sniffed from the start of a file
const PrefixSize = 4096

// BOM is the UTF-8 byte-order mark
var BOM = []byte{0xEF, 0xBB, 0xBF}

const (
	LineEndingCRLF = "\r\n"
	LineEndingLF   = "\n"
)

// Dialect describes how a delimited file is laid out on disk
type Dialect struct {
	Delimiter  rune
	LineEnding string
	BOM        bool
}

// CRLF reports whether records end with \r\n
func (d Dialect) CRLF() bool {
	return d.LineEnding == LineEndingCRLF
}

// Detect infers the dialect from the first bytes of a file. Only the first
// line is considered: ';' wins ties and is the default, '\n' is assumed when
// no line break is present.
func Detect(prefix []byte) Dialect {
	d := Dialect{Delimiter: ';', LineEnding: LineEndingLF}

	if bytes.HasPrefix(prefix, BOM) {
		d.BOM = true
		prefix = prefix[len(BOM):]
	}

	firstLine := prefix
	if i := bytes.IndexByte(prefix, '\n'); i >= 0 {
		firstLine = prefix[:i]
		if i > 0 && prefix[i-1] == '\r' {
			d.LineEnding = LineEndingCRLF
		}
	}

	if bytes.Count(firstLine, []byte{','}) > bytes.Count(firstLine, []byte{';'}) {
		d.Delimiter = ','
	}

	return d
}

// Sniff reads up to PrefixSize bytes from r, detects the dialect and returns
// a reader positioned after the BOM (if any) that still yields every other
// byte of the input.
func Sniff(r io.Reader) (Dialect, io.Reader, error) {
	br := bufio.NewReaderSize(r, PrefixSize)
	prefix, err := br.Peek(PrefixSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return Dialect{}, nil, fmt.Errorf("failed to read file prefix: %w", err)
	}

	d := Detect(prefix)
	if d.BOM {
		if _, err := br.Discard(len(BOM)); err != nil {
			return Dialect{}, nil, fmt.Errorf("failed to skip byte-order mark: %w", err)
		}
	}

	return d, br, nil
}
