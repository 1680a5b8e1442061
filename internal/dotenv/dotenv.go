// Package dotenv seeds the gateway's TALKBUDDY_* settings from a local env
// file before the config layer reads the process environment.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// FileVar names an env file to load instead of DefaultFile. A file named
	// this way must exist.
	FileVar     = "TALKBUDDY_ENV_FILE"
	DefaultFile = ".env"

	keyPrefix = "TALKBUDDY_"
)

// vendorKeys are the unprefixed provider keys config falls back to.
var vendorKeys = map[string]bool{
	"GEMINI_API_KEY":     true,
	"CARTESIA_API_KEY":   true,
	"ELEVENLABS_API_KEY": true,
}

// Result reports which keys a load applied. Values are never recorded.
type Result struct {
	Path string
	// Loaded keys were set from the file.
	Loaded []string
	// Kept keys were already set in the environment and left alone.
	Kept []string
	// Ignored keys are not gateway settings.
	Ignored []string
}

// Load reads the file named by TALKBUDDY_ENV_FILE, or .env in the working
// directory. A missing .env is not an error.
func Load() (Result, error) {
	if path := strings.TrimSpace(os.Getenv(FileVar)); path != "" {
		return LoadFile(path, true)
	}
	return LoadFile(DefaultFile, false)
}

// LoadFile applies gateway keys from path. Variables already present in the
// environment win over the file.
func LoadFile(path string, required bool) (Result, error) {
	res := Result{Path: path}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return res, nil
		}
		return res, fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, val, ok, err := parseLine(scanner.Text())
		if err != nil {
			return res, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if !ok {
			continue
		}
		if !isGatewayKey(key) {
			res.Ignored = append(res.Ignored, key)
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			res.Kept = append(res.Kept, key)
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return res, fmt.Errorf("set %s from %q: %w", key, path, err)
		}
		res.Loaded = append(res.Loaded, key)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan env file %q: %w", path, err)
	}
	return res, nil
}

func isGatewayKey(key string) bool {
	if key == FileVar {
		return false
	}
	return strings.HasPrefix(key, keyPrefix) || vendorKeys[key]
}

// parseLine returns ok=false for blank and comment lines.
func parseLine(line string) (key, val string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimPrefix(line, "export ")
	idx := strings.IndexByte(line, '=')
	if idx <= 0 {
		return "", "", false, errors.New("expected KEY=VALUE")
	}
	key = strings.TrimSpace(line[:idx])
	if strings.ContainsAny(key, " \t") {
		return "", "", false, fmt.Errorf("invalid key %q", key)
	}
	val, err = parseValue(strings.TrimSpace(line[idx+1:]))
	if err != nil {
		return "", "", false, fmt.Errorf("%s: %w", key, err)
	}
	return key, val, true, nil
}

func parseValue(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, `"`):
		end := strings.LastIndexByte(raw, '"')
		if end == 0 {
			return "", errors.New("unterminated double quote")
		}
		return strconv.Unquote(raw[:end+1])
	case strings.HasPrefix(raw, "'"):
		end := strings.LastIndexByte(raw, '\'')
		if end == 0 {
			return "", errors.New("unterminated single quote")
		}
		return raw[1:end], nil
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	return raw, nil
}
