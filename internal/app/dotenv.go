package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv sets variables from a KEY=VALUE file. Variables that already
// hold a non-empty value win over the file.
func loadDotenv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		key, val, ok, err := parseDotenvLine(sc.Text())
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if !ok {
			continue
		}
		if cur, set := os.LookupEnv(key); set && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	return sc.Err()
}

// parseDotenvLine returns ok=false for blank lines and comments.
func parseDotenvLine(line string) (key, val string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false, fmt.Errorf("missing '='")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, fmt.Errorf("empty key")
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		switch {
		case val[0] == '"' && val[len(val)-1] == '"':
			if val, err = strconv.Unquote(val); err != nil {
				return "", "", false, err
			}
		case val[0] == '\'' && val[len(val)-1] == '\'':
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true, nil
}
