package configutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

func splitExt(name string) (prefix, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func readInto[T any](path string, out *T) (found bool, err error) {
	contents, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if len(contents) == 0 {
		return false, nil
	}
	err = json5.Unmarshal(contents, out)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// ReadConfig reads a json5 configuration file. `name` should come with
// a file extension; a sibling `<name>.local.<ext>` is merged on top of
// it when present, so machine-local overrides never have to touch the
// checked-in file.
func ReadConfig[T any](name string) (T, error) {
	var out T

	dirname := filepath.Dir(name)
	prefix, ext := splitExt(filepath.Base(name))

	foundDefault, err := readInto(name, &out)
	if err != nil {
		return out, err
	}

	localPath := filepath.Join(dirname, fmt.Sprintf("%s.local.%s", prefix, ext))
	var override T
	foundLocal, err := readInto(localPath, &override)
	if err != nil {
		return out, err
	}
	if foundLocal {
		err = mergo.Merge(&out, override, mergo.WithOverride)
		if err != nil {
			return out, err
		}
		slog.Info("merging config with local overrides", "local", localPath)
	}

	if !foundDefault && !foundLocal {
		return out, os.ErrNotExist
	}
	return out, nil
}

// ReadRecursively behaves like ReadConfig but walks up the filesystem
// from the cwd until it finds a configuration file matching the name.
func ReadRecursively[T any](name string) (T, error) {
	var zero T

	root, err := filepath.Abs("/")
	if err != nil {
		return zero, err
	}
	current, err := os.Getwd()
	if err != nil {
		return zero, err
	}

	for current != root {
		config, err := ReadConfig[T](filepath.Join(current, name))
		if os.IsNotExist(err) {
			current = filepath.Join(current, "..")
			continue
		}
		if err != nil {
			return zero, err
		}
		return config, nil
	}

	return zero, os.ErrNotExist
}
