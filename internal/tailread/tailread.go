// Package tailread reads the last N lines of a file without a full
// scan, by reading fixed-size blocks backward from the end until enough
// newlines have been seen. Used to bootstrap dedup from the PEAK signal
// log (spec.md §4.3) and to read the most recent bars of the CSV feed
// (spec.md §4.7) without loading either file in full.
package tailread

import (
	"bytes"
	"fmt"
	"os"
)

const blockSize = 64 * 1024

// LastLines returns at most n complete, non-empty trailing lines of the
// file at path, in file order (oldest of the returned lines first). A
// missing file returns (nil, nil): callers decide whether that is fatal.
func LastLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tailread: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("tailread: stat %s: %w", path, err)
	}

	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var buf []byte
	pos := size
	newlines := 0

	for pos > 0 && newlines <= n {
		readSize := int64(blockSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize

		block := make([]byte, readSize)
		if _, err := f.ReadAt(block, pos); err != nil {
			return nil, fmt.Errorf("tailread: read %s: %w", path, err)
		}
		buf = append(block, buf...)
		newlines = bytes.Count(buf, []byte{'\n'})
	}

	// Trim a single trailing newline so it doesn't produce an empty
	// final line.
	buf = bytes.TrimRight(buf, "\n")

	all := bytes.Split(buf, []byte{'\n'})
	lines := make([]string, 0, len(all))
	for _, l := range all {
		if len(l) == 0 {
			continue
		}
		lines = append(lines, string(l))
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
