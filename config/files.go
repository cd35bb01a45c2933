package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits for anything decoded as configuration: the settings file, env
// overrides and sections pushed through the KV bucket.
const (
	maxSettingsBytes = 10 << 20
	maxNesting       = 64
	maxEnvValue      = 8 << 10
)

var settingsExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

func checkSettingsPath(path string) error {
	if path == "" {
		return errors.New("empty settings path")
	}
	if strings.ContainsRune(path, 0) {
		return errors.New("settings path contains a NUL byte")
	}
	if ext := strings.ToLower(filepath.Ext(path)); !settingsExtensions[ext] {
		return fmt.Errorf("unsupported settings file extension %q (want .json, .yaml or .yml)", ext)
	}
	return nil
}

// readSettingsFile returns the contents of a regular settings file no
// larger than maxSettingsBytes.
func readSettingsFile(path string) ([]byte, error) {
	if err := checkSettingsPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open settings file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat settings file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxSettingsBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	if len(data) > maxSettingsBytes {
		return nil, fmt.Errorf("settings file larger than %d bytes", maxSettingsBytes)
	}
	return data, nil
}

// writeSettingsFile replaces path atomically through a temp file in the
// same directory.
func writeSettingsFile(path string, data []byte) error {
	if err := checkSettingsPath(path); err != nil {
		return err
	}
	if len(data) > maxSettingsBytes {
		return fmt.Errorf("settings larger than %d bytes", maxSettingsBytes)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s exceeds %d bytes", key, maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// checkNesting walks the JSON token stream and fails once objects or
// arrays nest deeper than maxNesting.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if depth != 0 {
				return errors.New("malformed JSON: unexpected end of input")
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch d {
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("JSON nested too deep (limit %d)", maxNesting)
			}
		default:
			depth--
		}
	}
}
