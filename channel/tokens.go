package channel

import (
	"fmt"
	"os"
	"strings"
)

// ReadTokens reads the push-token file: one opaque token per line. Blank
// lines and lines starting with '#' are ignored. Duplicate tokens are kept;
// each one receives its own send. A missing file means no tokens.
func ReadTokens(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var tokens []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	return tokens, nil
}
