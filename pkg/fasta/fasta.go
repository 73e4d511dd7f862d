// Package fasta reads protein sequences in FASTA format.
package fasta

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	ErrNoRecords     = errors.New("fasta: no records")
	ErrMissingHeader = errors.New("fasta: sequence data before first header")
)

// Record is one FASTA entry. Description is the header line without the
// leading '>'.
type Record struct {
	Description string
	Sequence    string
}

// Parse reads every record from r. Lines are trimmed and blank lines are
// ignored; sequence lines are concatenated onto the preceding header.
func Parse(r io.Reader) ([]Record, error) {
	var (
		records []Record
		seq     strings.Builder
	)
	flush := func() {
		if len(records) > 0 {
			records[len(records)-1].Sequence = seq.String()
		}
		seq.Reset()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ">"):
			flush()
			records = append(records, Record{Description: line[1:]})
		default:
			if len(records) == 0 {
				return nil, fmt.Errorf("%w (line %d)", ErrMissingHeader, lineNo)
			}
			seq.WriteString(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fasta: read: %w", err)
	}
	flush()

	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

// ParseFile opens path and parses it.
func ParseFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}
