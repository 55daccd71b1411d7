package detection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadClassNames parses a newline-delimited class table. The class id of a
// name is its line number, starting at zero. Trailing blank lines are ignored.
func ReadClassNames(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		names = append(names, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}
	return names, nil
}

// LoadClassNames reads a class table from a file
func LoadClassNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open class names: %w", err)
	}
	defer f.Close()

	names, err := ReadClassNames(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read class names: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("class names file is empty: %s", path)
	}
	return names, nil
}
