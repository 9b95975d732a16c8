package actions

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

var ErrMalformedOutput = errors.New("malformed output file")

// ReadOutputFile parses the file steps write their outputs to. A missing
// file means no outputs.
func ReadOutputFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseOutputs(f)
}

// ParseOutputs reads `name=value` lines and multi-line values written as
//
//	name<<DELIM
//	...
//	DELIM
//
// Later assignments win.
func ParseOutputs(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if name, delim, ok := strings.Cut(line, "<<"); ok && !strings.Contains(name, "=") {
			if name == "" || delim == "" {
				return nil, fmt.Errorf("%w: line %d", ErrMalformedOutput, lineNo)
			}

			var lines []string
			closed := false
			for sc.Scan() {
				lineNo++
				l := strings.TrimRight(sc.Text(), "\r")
				if l == delim {
					closed = true
					break
				}
				lines = append(lines, l)
			}
			if !closed {
				return nil, fmt.Errorf("%w: %q is never closed by %q", ErrMalformedOutput, name, delim)
			}
			out[name] = strings.Join(lines, "\n")
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: line %d", ErrMalformedOutput, lineNo)
		}
		out[name] = value
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
